package guestproto

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := Frame{Type: TypeExec, Executable: "/bin/sh", Arguments: []string{"-c", "echo hi"}, Terminal: true}
	var buf bytes.Buffer
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != want.Type || got.Executable != want.Executable || len(got.Arguments) != 2 {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestExitFrameCarriesCode(t *testing.T) {
	f := ExitFrame(7)
	if f.Type != TypeExit || f.ExitCode == nil || *f.ExitCode != 7 {
		t.Errorf("ExitFrame(7) = %+v", f)
	}
}

func TestErrorFrameCarriesMessage(t *testing.T) {
	f := ErrorFrame("boom")
	if f.Type != TypeError || f.Message != "boom" {
		t.Errorf("ErrorFrame(boom) = %+v", f)
	}
}
