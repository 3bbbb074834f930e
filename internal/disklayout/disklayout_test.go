package disklayout

import (
	"strings"
	"testing"
)

func TestNewComputesChunkCount(t *testing.T) {
	layout, err := New(3*DefaultChunkSize-1, DefaultChunkSize, DefaultZstdLevel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if layout.ChunkCount != 3 {
		t.Errorf("ChunkCount = %d, want 3", layout.ChunkCount)
	}
	offset, length := layout.ChunkBounds(2)
	if offset != 2*DefaultChunkSize {
		t.Errorf("last chunk offset = %d, want %d", offset, 2*DefaultChunkSize)
	}
	if length != DefaultChunkSize-1 {
		t.Errorf("last chunk length = %d, want %d", length, DefaultChunkSize-1)
	}
}

func TestValidateCatchesLengthMismatch(t *testing.T) {
	layout, err := New(100, 100, DefaultZstdLevel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	layout.Chunks = append(layout.Chunks, ChunkInfo{
		Index: 0, Offset: 0, Length: 50, RawLength: 50, LayerDigest: "sha256:abc", RawDigest: "sha256:abc",
	})
	if err := layout.Validate(); err == nil {
		t.Error("expected a validation error for a short chunk, got nil")
	}
}

func TestMarshalDeterministicSortsKeys(t *testing.T) {
	raw, err := MarshalDeterministic(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("MarshalDeterministic: %v", err)
	}
	if !strings.HasPrefix(string(raw), `{"a":1,"b":2}`) {
		t.Errorf("got %s, want keys sorted a before b", raw)
	}
}
