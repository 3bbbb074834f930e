// Package ctrmerr defines the typed error taxonomy shared by every core
// subsystem: chunked disk codec, guest-agent wire protocol, and sidecar
// control plane. Call sites that only need to propagate an error still use
// fmt.Errorf("...: %w", err); ctrmerr.Error is reserved for failures a caller
// needs to branch on.
package ctrmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error without tying callers to its message text.
type Kind int

const (
	// KindUnknown is the zero value; never constructed deliberately.
	KindUnknown Kind = iota
	// KindIO covers read/write/seek failures on a file or socket.
	KindIO
	// KindFormat covers PAX/tar/JSON parse failures, bad digests, frames over cap.
	KindFormat
	// KindNotFound covers a missing blob, template file, or executable path.
	KindNotFound
	// KindExists covers a target output that exists without overwrite permission.
	KindExists
	// KindUnsupported covers operations needing host features that are absent.
	KindUnsupported
	// KindTimeout covers any bounded wait that elapsed.
	KindTimeout
	// KindProtocol covers out-of-spec frames, bad markers, mismatched request IDs.
	KindProtocol
	// KindInvalidState covers an operation invoked in a state that forbids it.
	KindInvalidState
	// KindInterrupted covers an operation canceled by a signal or deadline
	// before it could finish.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindNotFound:
		return "not_found"
	case KindExists:
		return "exists"
	case KindUnsupported:
		return "unsupported"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindInvalidState:
		return "invalid_state"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Error is the typed error value every core package returns at its API
// boundary. Op names the failing operation, Path is the file/socket/blob it
// concerns (may be empty), and Err is the underlying cause (may be nil).
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ctrmerr.Timeout) etc. match by Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != KindUnknown && t.Kind != e.Kind {
		return false
	}
	return true
}

// New constructs an Error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Sentinel values for errors.Is(err, ctrmerr.Timeout) style checks where the
// caller does not care about Op/Path.
var (
	Timeout       = &Error{Kind: KindTimeout}
	NotFound      = &Error{Kind: KindNotFound}
	Protocol      = &Error{Kind: KindProtocol}
	InvalidState  = &Error{Kind: KindInvalidState}
	Format        = &Error{Kind: KindFormat}
	Unsupported   = &Error{Kind: KindUnsupported}
)

// KindOf returns the Kind of err if it (or something it wraps) is a *Error,
// and KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
