package commandproxy

import (
	"encoding/json"
	"testing"
)

func newTestProxy(t *testing.T) (*Proxy, *[]Response, *[]Event) {
	t.Helper()
	var responses []Response
	var events []Event
	p := New(nil,
		func(to string, resp Response) { responses = append(responses, resp) },
		func(to string, evt Event) { events = append(events, evt) },
	)
	return p, &responses, &events
}

func TestHandleRequestRejectsUnwhitelistedChannel(t *testing.T) {
	p, responses, _ := newTestProxy(t)
	p.RegisterHandler("not:whitelisted", func(args []any, emit func(any)) (any, error) {
		return "should not run", nil
	})

	req, _ := json.Marshal(Request{Type: "command", ID: "1", Channel: "not:whitelisted"})
	p.HandleRequest("mob1", req)

	if len(*responses) != 1 || (*responses)[0].Error != "Channel not allowed" {
		t.Errorf("got %v, want single error response", *responses)
	}
}

func TestHandleRequestRejectsUnregisteredWhitelistedChannel(t *testing.T) {
	p, responses, _ := newTestProxy(t)

	req, _ := json.Marshal(Request{Type: "command", ID: "1", Channel: "app:info"})
	p.HandleRequest("mob1", req)

	if len(*responses) != 1 || (*responses)[0].Error != "Channel not allowed" {
		t.Errorf("got %v, want Channel not allowed for unregistered handler", *responses)
	}
}

func TestHandleRequestDispatchesToHandler(t *testing.T) {
	p, responses, _ := newTestProxy(t)
	p.RegisterHandler("app:info", func(args []any, emit func(any)) (any, error) {
		return map[string]any{"version": "1.0"}, nil
	})

	req, _ := json.Marshal(Request{Type: "command", ID: "42", Channel: "app:info"})
	p.HandleRequest("mob1", req)

	if len(*responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(*responses))
	}
	resp := (*responses)[0]
	if resp.ID != "42" || resp.Error != "" {
		t.Errorf("got %+v, want success response for id 42", resp)
	}
}

func TestHandleRequestRecoversFromPanic(t *testing.T) {
	p, responses, _ := newTestProxy(t)
	p.RegisterHandler("app:info", func(args []any, emit func(any)) (any, error) {
		panic("boom")
	})

	req, _ := json.Marshal(Request{Type: "command", ID: "1", Channel: "app:info"})
	p.HandleRequest("mob1", req)

	if len(*responses) != 1 || (*responses)[0].Error != "boom" {
		t.Errorf("got %v, want error response with panic message", *responses)
	}
}

func TestHandleRequestEmitsStreamingEvents(t *testing.T) {
	p, _, events := newTestProxy(t)
	p.RegisterHandler("claude:spawn", func(args []any, emit func(any)) (any, error) {
		emit("progress-1")
		emit("progress-2")
		return "pid-123", nil
	})

	req, _ := json.Marshal(Request{Type: "command", ID: "1", Channel: "claude:spawn"})
	p.HandleRequest("mob1", req)

	if len(*events) != 2 {
		t.Fatalf("got %d events, want 2", len(*events))
	}
	if (*events)[0].Channel != "claude:spawn" || (*events)[0].Data != "progress-1" {
		t.Errorf("got %+v, want progress-1 event", (*events)[0])
	}
}

func TestProcessTrackingRoutesEventsToCorrectDevice(t *testing.T) {
	p, _, events := newTestProxy(t)
	p.TrackProcess("pid-1", "mob1")

	p.EmitProcessEvent("pid-1", "claude:stdout", "hello")
	if len(*events) != 1 || (*events)[0].Data != "hello" {
		t.Fatalf("got %v, want one stdout event", *events)
	}

	p.UntrackProcess("pid-1")
	p.EmitProcessEvent("pid-1", "claude:stdout", "ignored")
	if len(*events) != 1 {
		t.Errorf("got %d events after untrack, want still 1", len(*events))
	}
}
