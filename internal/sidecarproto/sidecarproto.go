// Package sidecarproto defines the sidecar control-socket envelope schema
// (spec §3 "Control envelope", §4.7) atop internal/wireframe.
package sidecarproto

import (
	"encoding/json"
	"io"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/wireframe"
)

// Kind enumerates the three envelope shapes on the control connection.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Method names (spec §4.7).
const (
	MethodBootstrapStart = "vm.bootstrapStart"
	MethodConnectVsock   = "vm.connectVsock"
	MethodProcessStart   = "process.start"
	MethodProcessStdin   = "process.stdin"
	MethodProcessSignal  = "process.signal"
	MethodProcessResize  = "process.resize"
	MethodProcessClose   = "process.close"
	MethodVMStop         = "vm.stop"
	MethodSidecarQuit    = "sidecar.quit"
)

// Event types (spec §4.7).
const (
	EventProcessStdout = "process.stdout"
	EventProcessStderr = "process.stderr"
	EventProcessError  = "process.error"
	EventProcessExit   = "process.exit"
)

// Request is sent helper -> sidecar.
type Request struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"requestID"`
	Method    string `json:"method"`

	Port      int    `json:"port,omitempty"`
	ProcessID string `json:"processID,omitempty"`
	Exec      *Exec  `json:"exec,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Signal    int    `json:"signal,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

// Exec mirrors the guest-agent exec frame's fields for process.start.
type Exec struct {
	Executable       string            `json:"executable"`
	Arguments        []string          `json:"arguments,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Terminal         bool              `json:"terminal,omitempty"`
}

// Response is sent sidecar -> helper.
type Response struct {
	Kind       Kind       `json:"kind"`
	RequestID  string     `json:"requestID"`
	OK         bool       `json:"ok"`
	FDAttached bool       `json:"fdAttached,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo carries the ctrmerr.Kind string and a human message.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is sent sidecar -> helper asynchronously.
type Event struct {
	Kind      Kind   `json:"kind"`
	EventType string `json:"eventType"`
	ProcessID string `json:"processID,omitempty"`
	Data      []byte `json:"data,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Envelope is the outer shape every control-socket message satisfies; Kind
// dictates which concrete payload to decode next.
type Envelope struct {
	Kind Kind `json:"kind"`
}

// WriteRequest, WriteResponse, WriteEvent encode and frame their payload.
func WriteRequest(w io.Writer, r Request) error   { return writeJSON(w, r) }
func WriteResponse(w io.Writer, r Response) error { return writeJSON(w, r) }
func WriteEvent(w io.Writer, e Event) error       { return writeJSON(w, e) }

// MarshalResponse encodes a Response without framing it, for callers (the
// vm.connectVsock path) that must send a marker byte and an ancillary fd
// ahead of the framed payload.
func MarshalResponse(r Response) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindFormat, "marshal response", "", err)
	}
	return raw, nil
}

func writeJSON(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return ctrmerr.New(ctrmerr.KindFormat, "encode envelope", "", err)
	}
	return wireframe.WriteFrame(w, raw)
}

// PeekKind reads one frame and reports its envelope kind along with the raw
// bytes so the caller can unmarshal into the concrete type.
func PeekKind(r io.Reader) (Kind, []byte, error) {
	raw, err := wireframe.ReadFrame(r)
	if err != nil {
		return "", nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, ctrmerr.New(ctrmerr.KindFormat, "decode envelope", "", err)
	}
	return env.Kind, raw, nil
}

// DecodeRequest, DecodeResponse, DecodeEvent unmarshal raw bytes previously
// returned by PeekKind.
func DecodeRequest(raw []byte) (Request, error) {
	var r Request
	err := decode(raw, &r)
	return r, err
}

func DecodeResponse(raw []byte) (Response, error) {
	var r Response
	err := decode(raw, &r)
	return r, err
}

func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	err := decode(raw, &e)
	return e, err
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return ctrmerr.New(ctrmerr.KindFormat, "decode envelope payload", "", err)
	}
	return nil
}
