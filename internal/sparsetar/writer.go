// Package sparsetar implements the deterministic single-entry PAX sparse tar
// archive format used for one disk chunk (spec §4.2). Every byte the Writer
// produces is a pure function of the chunk's extents and data, so two hosts
// packaging the same bytes always produce an identical archive.
package sparsetar

import (
	"fmt"
	"io"

	"github.com/ctrm-project/ctrm-core/internal/disklayout"
)

var zeroBlock block

// entryName is the logical filename every chunk archive uses. The chunk
// index/offset already live in the OCI descriptor annotations and the disk
// layout JSON, so the entry itself needs no per-chunk identity.
const entryName = "disk.chunk"

// WriteChunk writes one chunk's sparse tar archive to w. data is read via
// io.NewSectionReader at chunkOffset+extent.Offset for each extent; extents
// must be non-overlapping and strictly ordered by Offset (the chunk codec's
// contract, spec §4.3 step 1).
func WriteChunk(w io.Writer, data io.ReaderAt, chunkOffset, chunkLength int64, extents []disklayout.SparseExtent) error {
	if err := validateExtents(extents, chunkLength); err != nil {
		return err
	}

	// 1. PAX extended header block.
	records := paxRecords(extents, chunkLength)
	paxHeader := newHeaderBlock("PaxHeader/"+entryName, 'x', int64(len(records)))
	if _, err := w.Write(paxHeader[:]); err != nil {
		return fmt.Errorf("sparsetar: writing pax header: %w", err)
	}

	// 2. PAX records.
	if _, err := io.WriteString(w, records); err != nil {
		return fmt.Errorf("sparsetar: writing pax records: %w", err)
	}

	// 3. Pad to 512-byte boundary.
	if err := writeZeroPad(w, blockPadding(int64(len(records)))); err != nil {
		return err
	}

	// 4. Regular file header; size is the sum of extent lengths (only the
	// non-hole bytes are actually stored).
	var dataSize int64
	for _, e := range extents {
		dataSize += e.Length
	}
	fileHeader := newHeaderBlock("GNUSparseFile.0/"+entryName, '0', dataSize)
	if _, err := w.Write(fileHeader[:]); err != nil {
		return fmt.Errorf("sparsetar: writing file header: %w", err)
	}

	// 5. Concatenated extent data, in extent order.
	for _, e := range extents {
		sr := io.NewSectionReader(data, chunkOffset+e.Offset, e.Length)
		n, err := io.Copy(w, sr)
		if err != nil {
			return fmt.Errorf("sparsetar: copying extent at %d: %w", e.Offset, err)
		}
		if n != e.Length {
			return fmt.Errorf("sparsetar: short read for extent at %d: got %d want %d", e.Offset, n, e.Length)
		}
	}

	// 6. Pad to 512-byte boundary.
	if err := writeZeroPad(w, blockPadding(dataSize)); err != nil {
		return err
	}

	// 7. Two zero blocks mark end of archive.
	if _, err := w.Write(zeroBlock[:]); err != nil {
		return err
	}
	if _, err := w.Write(zeroBlock[:]); err != nil {
		return err
	}
	return nil
}

func writeZeroPad(w io.Writer, n int64) error {
	if n == 0 {
		return nil
	}
	pad := make([]byte, n)
	_, err := w.Write(pad)
	return err
}

func validateExtents(extents []disklayout.SparseExtent, chunkLength int64) error {
	var prevEnd int64
	for i, e := range extents {
		if e.Offset < prevEnd {
			return fmt.Errorf("sparsetar: extent %d overlaps or is out of order (offset %d < %d)", i, e.Offset, prevEnd)
		}
		if e.Length <= 0 {
			return fmt.Errorf("sparsetar: extent %d has non-positive length %d", i, e.Length)
		}
		if e.Offset+e.Length > chunkLength {
			return fmt.Errorf("sparsetar: extent %d exceeds chunk length (%d+%d > %d)", i, e.Offset, e.Length, chunkLength)
		}
		prevEnd = e.Offset + e.Length
	}
	return nil
}
