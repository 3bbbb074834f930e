// Package wireframe implements the length-prefixed JSON frame codec shared by
// the guest-agent protocol and the sidecar control protocol (spec §4.1). Both
// wire formats are "4-byte big-endian length, then that many bytes of JSON";
// this package is the one place that invariant is enforced.
package wireframe

import (
	"encoding/binary"
	"errors"
	"io"
	"syscall"
	"time"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
)

// MaxFrameSize is the hard cap on a single frame's JSON payload (spec §4.1,
// §3 Frame invariants).
const MaxFrameSize = 16 << 20

// ReadFrame reads one length-prefixed payload from r. EOF before any bytes
// are read is returned as io.EOF so callers can distinguish "peer closed
// cleanly between frames" from "peer closed mid-frame" (the latter is a
// protocol error per spec §4.1).
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if err := readFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ctrmerr.New(ctrmerr.KindProtocol, "read frame", "", err)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, ctrmerr.New(ctrmerr.KindProtocol, "read frame", "", errFrameTooLarge(length))
	}
	payload := make([]byte, length)
	if err := readFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ctrmerr.New(ctrmerr.KindProtocol, "read frame", "", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload with its 4-byte big-endian length prefix,
// looping until every byte is flushed or a non-retryable error occurs (spec
// §4.1, "writes are all-or-error").
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ctrmerr.New(ctrmerr.KindProtocol, "write frame", "", errFrameTooLarge(uint32(len(payload))))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if err := writeFull(w, lenBuf[:]); err != nil {
		return err
	}
	return writeFull(w, payload)
}

// readFull is io.ReadFull with EINTR/EAGAIN retry (spec §4.1).
func readFull(r io.Reader, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if isRetryable(err) {
				time.Sleep(time.Millisecond)
				continue
			}
			if total == len(buf) {
				return nil
			}
			if total > 0 && errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

func writeFull(w io.Writer, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			if isRetryable(err) {
				time.Sleep(time.Millisecond)
				continue
			}
			return ctrmerr.New(ctrmerr.KindIO, "write frame", "", err)
		}
	}
	return nil
}

func isRetryable(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

type errFrameTooLarge uint32

func (e errFrameTooLarge) Error() string {
	return "wireframe: frame length exceeds 16 MiB cap"
}
