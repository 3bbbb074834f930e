package sparsetar

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/ctrm-project/ctrm-core/internal/disklayout"
)

func TestWriteReadRoundTrip(t *testing.T) {
	chunkLength := int64(4096)
	extents := []disklayout.SparseExtent{
		{Offset: 0, Length: 512},
		{Offset: 1024, Length: 256},
	}
	data := bytes.Repeat([]byte{0xAB}, int(chunkLength))

	var buf bytes.Buffer
	if err := WriteChunk(&buf, bytes.NewReader(data), 0, chunkLength, extents); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	r := bufio.NewReader(&buf)
	hdr, err := ReadChunkHeader(r)
	if err != nil {
		t.Fatalf("ReadChunkHeader: %v", err)
	}
	if hdr.RealSize != chunkLength {
		t.Errorf("RealSize = %d, want %d", hdr.RealSize, chunkLength)
	}
	if len(hdr.Extents) != len(extents) {
		t.Fatalf("got %d extents, want %d", len(hdr.Extents), len(extents))
	}
	for i, e := range hdr.Extents {
		if e != extents[i] {
			t.Errorf("extent %d = %+v, want %+v", i, e, extents[i])
		}
	}

	var collected []byte
	err = CopyExtents(r, hdr.Extents, func(e disklayout.SparseExtent, src io.Reader) error {
		b, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		collected = append(collected, b...)
		return nil
	})
	if err != nil {
		t.Fatalf("CopyExtents: %v", err)
	}
	want := append(append([]byte{}, data[0:512]...), data[1024:1280]...)
	if !bytes.Equal(collected, want) {
		t.Error("extent data does not match the original bytes")
	}
}

func TestWriteChunkRejectsOverlappingExtents(t *testing.T) {
	extents := []disklayout.SparseExtent{
		{Offset: 0, Length: 100},
		{Offset: 50, Length: 100},
	}
	var buf bytes.Buffer
	if err := WriteChunk(&buf, bytes.NewReader(make([]byte, 200)), 0, 200, extents); err == nil {
		t.Error("expected an error for overlapping extents, got nil")
	}
}
