package diskrebuild

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// chunkVerifier recomputes the raw digest of a reassembled chunk while its
// extents stream past, treating holes as zeros exactly as the packer's raw
// digest does (spec §4.3 step 2).
type chunkVerifier struct {
	h      hash.Hash
	pos    int64
	length int64
}

func newChunkVerifier(length int64) *chunkVerifier {
	return &chunkVerifier{h: sha256.New(), length: length}
}

// holeFiller hashes zero bytes for the gap between the verifier's current
// position and offset, then returns a writer that hashes the extent bytes as
// they are copied through a TeeReader.
func (v *chunkVerifier) holeFiller(offset int64) io.Writer {
	if gap := offset - v.pos; gap > 0 {
		v.h.Write(make([]byte, gap))
	}
	v.pos = offset
	return teeCounter{v}
}

type teeCounter struct {
	v *chunkVerifier
}

func (t teeCounter) Write(p []byte) (int, error) {
	t.v.h.Write(p)
	t.v.pos += int64(len(p))
	return len(p), nil
}

// digest finalizes the hash, first padding any trailing hole to length.
func (v *chunkVerifier) digest() string {
	if gap := v.length - v.pos; gap > 0 {
		v.h.Write(make([]byte, gap))
		v.pos = v.length
	}
	return "sha256:" + hex.EncodeToString(v.h.Sum(nil))
}
