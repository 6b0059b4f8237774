package commandproxy

import (
	"testing"
	"time"
)

func TestCallerDeliversMatchingResponse(t *testing.T) {
	var sentID string
	c := NewCaller(func(req Request) { sentID = req.ID })

	done := make(chan struct{})
	var result any
	var callErr error
	go func() {
		result, callErr = c.Call("app:info", nil)
		close(done)
	}()

	// Wait for the request to be sent before delivering the response.
	waitFor(t, func() bool { return sentID != "" })
	c.Deliver(Response{Type: "response", ID: sentID, Result: "ok"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Call() did not return after Deliver()")
	}

	if callErr != nil {
		t.Fatalf("Call() error = %v", callErr)
	}
	if result != "ok" {
		t.Errorf("Call() result = %v, want ok", result)
	}
}

func TestCallerDeliverSurfacesError(t *testing.T) {
	var sentID string
	c := NewCaller(func(req Request) { sentID = req.ID })

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = c.Call("app:info", nil)
		close(done)
	}()

	waitFor(t, func() bool { return sentID != "" })
	c.Deliver(Response{Type: "response", ID: sentID, Error: "Channel not allowed"})

	<-done
	if callErr == nil || callErr.Error() != "Channel not allowed" {
		t.Errorf("Call() error = %v, want Channel not allowed", callErr)
	}
}

func TestCallerDeliverToUnknownIDIsNoop(t *testing.T) {
	c := NewCaller(func(req Request) {})
	c.Deliver(Response{ID: "never-requested", Result: "ignored"})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
