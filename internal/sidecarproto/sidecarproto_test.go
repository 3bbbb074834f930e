package sidecarproto

import (
	"bytes"
	"testing"
)

func TestPeekKindRoundTripsRequest(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Kind: KindRequest, RequestID: "r1", Method: MethodProcessStart, ProcessID: "p1"}
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	kind, raw, err := PeekKind(&buf)
	if err != nil {
		t.Fatalf("PeekKind: %v", err)
	}
	if kind != KindRequest {
		t.Fatalf("kind = %v, want %v", kind, KindRequest)
	}
	got, err := DecodeRequest(raw)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Method != req.Method || got.ProcessID != req.ProcessID {
		t.Errorf("got %+v, want %+v", got, req)
	}
}

func TestPeekKindRoundTripsEvent(t *testing.T) {
	var buf bytes.Buffer
	code := 3
	ev := Event{Kind: KindEvent, EventType: EventProcessExit, ProcessID: "p1", ExitCode: &code}
	if err := WriteEvent(&buf, ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	kind, raw, err := PeekKind(&buf)
	if err != nil {
		t.Fatalf("PeekKind: %v", err)
	}
	if kind != KindEvent {
		t.Fatalf("kind = %v, want %v", kind, KindEvent)
	}
	got, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if got.EventType != ev.EventType || got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("got %+v, want %+v", got, ev)
	}
}
