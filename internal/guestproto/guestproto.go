// Package guestproto defines the guest-agent wire schema (spec §3's Frame
// type) and its encode/decode helpers built on internal/wireframe.
package guestproto

import (
	"encoding/json"
	"io"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/wireframe"
)

// FrameType enumerates the guest-agent frame kinds (spec §3).
type FrameType string

const (
	TypeExec   FrameType = "exec"
	TypeStdin  FrameType = "stdin"
	TypeSignal FrameType = "signal"
	TypeResize FrameType = "resize"
	TypeClose  FrameType = "close"
	TypeStdout FrameType = "stdout"
	TypeStderr FrameType = "stderr"
	TypeExit   FrameType = "exit"
	TypeError  FrameType = "error"
	TypeReady  FrameType = "ready"
)

// Frame is the JSON object carried by every guest-agent wire message. Fields
// are optional and type-dependent; encoding/json's omitempty keeps unused
// ones out of the wire payload.
type Frame struct {
	Type             FrameType         `json:"type"`
	ID               string            `json:"id,omitempty"`
	Executable       string            `json:"executable,omitempty"`
	Arguments        []string          `json:"arguments,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Terminal         bool              `json:"terminal,omitempty"`
	Signal           int               `json:"signal,omitempty"`
	Width            int               `json:"width,omitempty"`
	Height           int               `json:"height,omitempty"`
	Data             []byte            `json:"data,omitempty"`
	ExitCode         *int              `json:"exitCode,omitempty"`
	Message          string            `json:"message,omitempty"`
}

// Encode serializes f and writes it as one wireframe frame.
func Encode(w io.Writer, f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return ctrmerr.New(ctrmerr.KindFormat, "encode frame", "", err)
	}
	return wireframe.WriteFrame(w, raw)
}

// Decode reads one wireframe frame and parses it as a Frame.
func Decode(r io.Reader) (Frame, error) {
	raw, err := wireframe.ReadFrame(r)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, ctrmerr.New(ctrmerr.KindFormat, "decode frame", "", err)
	}
	return f, nil
}

// ExitFrame is a convenience constructor for the common exit{code} shape.
func ExitFrame(code int) Frame {
	return Frame{Type: TypeExit, ExitCode: &code}
}

// ErrorFrame is a convenience constructor for error{message}.
func ErrorFrame(message string) Frame {
	return Frame{Type: TypeError, Message: message}
}
