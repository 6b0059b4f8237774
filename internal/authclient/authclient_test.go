package authclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyTokenAcceptsValidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good-token" {
			t.Errorf("got token %q, want good-token", r.URL.Query().Get("token"))
		}
		w.Write([]byte(`{"userId":"u1","valid":true}`))
	}))
	defer srv.Close()

	auth := New(srv.URL, time.Second, false)
	userID, ok, err := auth.VerifyToken(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if !ok || userID != "u1" {
		t.Errorf("VerifyToken() = (%q,%v), want (u1,true)", userID, ok)
	}
}

func TestVerifyTokenRejectsInvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid":false}`))
	}))
	defer srv.Close()

	auth := New(srv.URL, time.Second, false)
	_, ok, err := auth.VerifyToken(context.Background(), "bad-token")
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if ok {
		t.Error("VerifyToken() = true, want false for rejected token")
	}
}

func TestVerifyTokenForwardsDisableRegistration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("disableRegistration") != "true" {
			t.Errorf("disableRegistration query param missing or false")
		}
		w.Write([]byte(`{"userId":"u1","valid":true}`))
	}))
	defer srv.Close()

	auth := New(srv.URL, time.Second, true)
	if _, ok, err := auth.VerifyToken(context.Background(), "tok"); err != nil || !ok {
		t.Fatalf("VerifyToken() = (_,%v,%v), want (_,true,nil)", ok, err)
	}
}

func TestVerifyTokenTreatsNonOKStatusAsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := New(srv.URL, time.Second, false)
	_, ok, err := auth.VerifyToken(context.Background(), "whatever")
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if ok {
		t.Error("VerifyToken() = true, want false on non-200 status")
	}
}
