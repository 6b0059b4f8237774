package pairingstore

import (
	"testing"
	"time"
)

func TestRegisterConsume(t *testing.T) {
	s := New()
	now := time.Now()

	offer := Offer{
		Code:             "C1",
		UserID:           "u1",
		DesktopDeviceID:  "d1",
		DesktopPublicKey: "pk1",
		CreatedAt:        now,
	}
	s.Register(offer)

	got, ok := s.Consume("C1", now)
	if !ok {
		t.Fatal("Consume() = false, want true")
	}
	if got.DesktopDeviceID != "d1" {
		t.Errorf("DesktopDeviceID = %s, want d1", got.DesktopDeviceID)
	}
}

func TestConsumeTwiceYieldsMiss(t *testing.T) {
	s := New()
	now := time.Now()

	s.Register(Offer{Code: "C1", UserID: "u1", CreatedAt: now})

	if _, ok := s.Consume("C1", now); !ok {
		t.Fatal("first Consume() = false, want true")
	}
	if _, ok := s.Consume("C1", now); ok {
		t.Fatal("second Consume() = true, want false")
	}
}

func TestConsumeMissingCode(t *testing.T) {
	s := New()
	if _, ok := s.Consume("nope", time.Now()); ok {
		t.Fatal("Consume() of unknown code = true, want false")
	}
}

func TestConsumeExpiredYieldsMiss(t *testing.T) {
	s := New()
	registeredAt := time.Now()
	s.Register(Offer{Code: "C2", UserID: "u1", CreatedAt: registeredAt})

	claimAt := registeredAt.Add(TTL + time.Second)
	if _, ok := s.Consume("C2", claimAt); ok {
		t.Fatal("Consume() of expired offer = true, want false")
	}

	// The lookup removed the expired entry as a side effect.
	if s.Len() != 0 {
		t.Errorf("Len() after expired consume = %d, want 0", s.Len())
	}
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	s := New()
	base := time.Now()

	s.Register(Offer{Code: "fresh", CreatedAt: base})
	s.Register(Offer{Code: "stale", CreatedAt: base.Add(-TTL - time.Minute)})

	removed := s.Sweep(base)
	if removed != 1 {
		t.Errorf("Sweep() removed = %d, want 1", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len() after sweep = %d, want 1", s.Len())
	}
	if _, ok := s.Consume("fresh", base); !ok {
		t.Error("fresh offer should survive sweep")
	}
}

func TestRegisterReplacesExistingCode(t *testing.T) {
	s := New()
	now := time.Now()

	s.Register(Offer{Code: "C1", DesktopDeviceID: "old", CreatedAt: now})
	s.Register(Offer{Code: "C1", DesktopDeviceID: "new", CreatedAt: now})

	got, ok := s.Consume("C1", now)
	if !ok {
		t.Fatal("Consume() = false, want true")
	}
	if got.DesktopDeviceID != "new" {
		t.Errorf("DesktopDeviceID = %s, want new", got.DesktopDeviceID)
	}
}
