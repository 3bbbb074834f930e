// Package disklayout holds the data model shared by the chunk codec, the OCI
// artifact builder, and the disk rebuilder: the on-disk and in-artifact
// representation of a chunked sparse disk image (spec §3).
package disklayout

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultChunkSize is the fixed chunk size used unless overridden: 1 GiB.
// Overriding it changes every downstream digest.
const DefaultChunkSize int64 = 1 << 30

// DefaultZstdLevel is the compression level used for chunk blobs.
const DefaultZstdLevel = 3

// LayoutVersion is the only DiskLayout.Version value this package emits or
// accepts.
const LayoutVersion = 1

// SparseExtent is a non-hole region within a chunk, offset relative to the
// start of the chunk. Extents in a ChunkInfo-adjacent list are non-overlapping
// and strictly ordered by Offset.
type SparseExtent struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// ChunkInfo describes one fixed-size slice of the logical disk.
type ChunkInfo struct {
	Index       int    `json:"index"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
	LayerDigest string `json:"layerDigest"`
	LayerSize   int64  `json:"layerSize"`
	RawDigest   string `json:"rawDigest"`
	RawLength   int64  `json:"rawLength"`
}

// Compression describes the codec applied to every chunk blob.
type Compression struct {
	Type  string `json:"type"`
	Level int    `json:"level"`
}

// TarFormat describes the archive format of every chunk blob.
type TarFormat struct {
	Format string `json:"format"`
	Sparse bool   `json:"sparse"`
}

// DiskLayout is the authoritative description of a packaged disk image. It is
// serialized with sorted keys (see MarshalDeterministic) so its digest is
// reproducible across hosts and runs.
type DiskLayout struct {
	Version     int         `json:"version"`
	LogicalSize int64       `json:"logicalSize"`
	ChunkSize   int64       `json:"chunkSize"`
	ChunkCount  int         `json:"chunkCount"`
	Compression Compression `json:"compression"`
	Tar         TarFormat   `json:"tar"`
	Chunks      []ChunkInfo `json:"chunks"`
}

// New builds a DiskLayout skeleton (no chunks yet) for a disk of the given
// logical size, validating the chunkCount/chunkSize invariants.
func New(logicalSize, chunkSize int64, zstdLevel int) (*DiskLayout, error) {
	if logicalSize < 0 {
		return nil, fmt.Errorf("disklayout: negative logical size %d", logicalSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("disklayout: non-positive chunk size %d", chunkSize)
	}
	chunkCount := int((logicalSize + chunkSize - 1) / chunkSize)
	if logicalSize == 0 {
		chunkCount = 0
	}
	return &DiskLayout{
		Version:     LayoutVersion,
		LogicalSize: logicalSize,
		ChunkSize:   chunkSize,
		ChunkCount:  chunkCount,
		Compression: Compression{Type: "zstd", Level: zstdLevel},
		Tar:         TarFormat{Format: "pax", Sparse: true},
		Chunks:      make([]ChunkInfo, 0, chunkCount),
	}, nil
}

// ChunkBounds returns the offset and length for chunk index i, honoring the
// "last chunk is short" invariant.
func (d *DiskLayout) ChunkBounds(i int) (offset, length int64) {
	offset = int64(i) * d.ChunkSize
	length = d.ChunkSize
	if rem := d.LogicalSize - offset; rem < d.ChunkSize {
		length = rem
	}
	return offset, length
}

// Validate checks the structural invariants from spec §3.
func (d *DiskLayout) Validate() error {
	if d.Version != LayoutVersion {
		return fmt.Errorf("disklayout: unsupported version %d", d.Version)
	}
	if d.ChunkCount != len(d.Chunks) {
		return fmt.Errorf("disklayout: chunkCount %d != len(chunks) %d", d.ChunkCount, len(d.Chunks))
	}
	var sum int64
	for i, c := range d.Chunks {
		if c.Index != i {
			return fmt.Errorf("disklayout: chunk %d has index %d", i, c.Index)
		}
		wantOffset, wantLength := d.ChunkBounds(i)
		if c.Offset != wantOffset {
			return fmt.Errorf("disklayout: chunk %d offset %d != %d", i, c.Offset, wantOffset)
		}
		if c.Length != wantLength {
			return fmt.Errorf("disklayout: chunk %d length %d != %d", i, c.Length, wantLength)
		}
		if c.Length != c.RawLength {
			return fmt.Errorf("disklayout: chunk %d length %d != rawLength %d", i, c.Length, c.RawLength)
		}
		sum += c.Length
	}
	if sum != d.LogicalSize {
		return fmt.Errorf("disklayout: sum of chunk lengths %d != logicalSize %d", sum, d.LogicalSize)
	}
	return nil
}

// MarshalDeterministic encodes v (a DiskLayout, ChunkInfo, or any JSON value
// digested as part of the artifact) with lexicographically sorted object keys
// and no insignificant whitespace, per spec §9's determinism requirement.
//
// encoding/json already sorts map keys, but it does not sort struct-tag
// derived object keys; re-marshaling through a generic map normalizes both.
func MarshalDeterministic(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
