// Package diskchunk implements the per-chunk codec: extent detection, raw
// digest computation through holes, and tar+zstd blob production (spec §4.3).
// It is grounded on the host VM package's SEEK_DATA/SEEK_HOLE scanning, which
// this package generalizes from "whole snapshot file" to "one fixed-size
// region of an arbitrary disk image."
package diskchunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/disklayout"
	"github.com/ctrm-project/ctrm-core/internal/sparsetar"
)

// Result is what the chunk codec produces for one chunk.
type Result struct {
	Index       int
	BlobPath    string
	LayerDigest string
	LayerSize   int64
	RawDigest   string
	RawLength   int64
}

// DetectExtents finds the non-hole regions of f within
// [chunkOffset, chunkOffset+chunkLength), offsets translated to be relative to
// chunkOffset. It alternates SEEK_DATA/SEEK_HOLE exactly as scanDataExtents
// does for a whole file, but clipped to the chunk's window.
//
// If the filesystem does not support sparse-file queries (ENOTSUP or EINVAL
// at the first SEEK_DATA), the chunk is reported as one extent spanning its full
// length: correctness and determinism survive, only sparsity is degraded
// (spec §9, "Sparsity extraction").
func DetectExtents(f *os.File, chunkOffset, chunkLength int64) ([]disklayout.SparseExtent, error) {
	if chunkLength == 0 {
		return nil, nil
	}
	fd := int(f.Fd())
	end := chunkOffset + chunkLength
	pos := chunkOffset
	var extents []disklayout.SparseExtent

	for pos < end {
		dataStart, err := unix.Seek(fd, pos, unix.SEEK_DATA)
		if err != nil {
			if err == unix.ENXIO {
				break
			}
			if pos == chunkOffset && isUnsupported(err) {
				return []disklayout.SparseExtent{{Offset: 0, Length: chunkLength}}, nil
			}
			return nil, ctrmerr.New(ctrmerr.KindIO, "SEEK_DATA", f.Name(), err)
		}
		if dataStart >= end {
			break
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			holeStart = end
		}
		if holeStart > end {
			holeStart = end
		}
		if holeStart > dataStart {
			extents = append(extents, disklayout.SparseExtent{
				Offset: dataStart - chunkOffset,
				Length: holeStart - dataStart,
			})
		}
		pos = holeStart
	}

	return extents, nil
}

func isUnsupported(err error) bool {
	return err == unix.ENOTSUP || err == unix.EINVAL
}

// RawDigest hashes exactly chunkLength bytes starting at chunkOffset,
// treating a short read at EOF as zero-padded (spec §4.3 step 2, §GLOSSARY
// "Raw digest").
func RawDigest(f *os.File, chunkOffset, chunkLength int64) (string, error) {
	h := sha256.New()
	if _, err := f.Seek(chunkOffset, io.SeekStart); err != nil {
		return "", ctrmerr.New(ctrmerr.KindIO, "seek", f.Name(), err)
	}
	remaining := chunkLength
	buf := make([]byte, 1<<20)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(f, buf[:n])
		if read > 0 {
			h.Write(buf[:read])
			remaining -= int64(read)
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return "", ctrmerr.New(ctrmerr.KindIO, "read", f.Name(), err)
		}
	}
	if remaining > 0 {
		zeros := make([]byte, remaining)
		h.Write(zeros)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Pack runs the full chunk codec (spec §4.3) for one chunk: extent detection,
// raw digest, sparse-tar archival, zstd compression, blob digest, and an
// idempotent move into blobDir/sha256/<hex>.
func Pack(f *os.File, index int, chunkOffset, chunkLength int64, zstdLevel int, blobDir string) (*Result, error) {
	extents, err := DetectExtents(f, chunkOffset, chunkLength)
	if err != nil {
		return nil, err
	}
	rawDigest, err := RawDigest(f, chunkOffset, chunkLength)
	if err != nil {
		return nil, err
	}

	tarTemp, err := os.CreateTemp(blobDir, "chunk-*.tar")
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "create temp tar", blobDir, err)
	}
	defer os.Remove(tarTemp.Name())
	defer tarTemp.Close()

	if err := sparsetar.WriteChunk(tarTemp, f, chunkOffset, chunkLength, extents); err != nil {
		return nil, err
	}
	if _, err := tarTemp.Seek(0, io.SeekStart); err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "seek temp tar", tarTemp.Name(), err)
	}

	blobTemp, err := os.CreateTemp(blobDir, "chunk-*.tar.zst")
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "create temp blob", blobDir, err)
	}
	defer os.Remove(blobTemp.Name())
	defer blobTemp.Close()

	enc, err := zstd.NewWriter(blobTemp,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)),
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderCRC(false),
	)
	if err != nil {
		return nil, fmt.Errorf("diskchunk: creating zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, tarTemp); err != nil {
		enc.Close()
		return nil, ctrmerr.New(ctrmerr.KindIO, "compress chunk", tarTemp.Name(), err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("diskchunk: closing zstd encoder: %w", err)
	}

	info, err := blobTemp.Stat()
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "stat blob", blobTemp.Name(), err)
	}
	layerSize := info.Size()

	if _, err := blobTemp.Seek(0, io.SeekStart); err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "seek blob", blobTemp.Name(), err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, blobTemp); err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "digest blob", blobTemp.Name(), err)
	}
	layerDigest := "sha256:" + hex.EncodeToString(h.Sum(nil))

	finalPath, err := moveBlobByDigest(blobTemp.Name(), blobDir, layerDigest)
	if err != nil {
		return nil, err
	}

	return &Result{
		Index:       index,
		BlobPath:    finalPath,
		LayerDigest: layerDigest,
		LayerSize:   layerSize,
		RawDigest:   rawDigest,
		RawLength:   chunkLength,
	}, nil
}

// moveBlobByDigest renames tempPath into blobDir/sha256/<hex digest>. If a
// blob already exists at that path (another worker raced us, or a prior run
// left it), the temp copy is dropped instead (spec §4.3 step 4, §5 "first
// writer wins").
func moveBlobByDigest(tempPath, blobDir, digest string) (string, error) {
	hexDigest := digest
	if len(digest) > 7 && digest[:7] == "sha256:" {
		hexDigest = digest[7:]
	}
	destDir := blobDir + "/sha256"
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", ctrmerr.New(ctrmerr.KindIO, "mkdir blobs dir", destDir, err)
	}
	dest := destDir + "/" + hexDigest
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tempPath)
		return dest, nil
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return "", ctrmerr.New(ctrmerr.KindIO, "rename blob", dest, err)
	}
	return dest, nil
}
