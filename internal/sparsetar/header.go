package sparsetar

import (
	"fmt"
	"strconv"
)

// blockSize is the tar block size; every header and padding region is a
// multiple of it.
const blockSize = 512

// block is one 512-byte tar block.
type block [blockSize]byte

// Field offsets within a ustar header block. See spec §4.2's determinism
// requirements: uid=gid=0, empty uname/gname, mode=0o644, mtime=0.
const (
	offName     = 0
	offMode     = 100
	offUID      = 108
	offGID      = 116
	offSize     = 124
	offMtime    = 136
	offChksum   = 148
	offTypeflag = 156
	offLinkname = 157
	offMagic    = 257
	offVersion  = 263
	offUname    = 265
	offGname    = 297
	offDevmajor = 329
	offDevminor = 337
	offPrefix   = 345
)

const (
	magicUstar   = "ustar"
	versionUstar = "00"
)

// formatOctal zero-pads n as octal to width-1 digits followed by a trailing
// NUL, matching the determinism requirement in spec §4.2.
func formatOctal(b []byte, n int64, width int) {
	s := strconv.FormatInt(n, 8)
	for len(s) < width-1 {
		s = "0" + s
	}
	copy(b, s)
	b[width-1] = 0
}

// setString copies s into b, NUL-padding (or truncating) to len(b).
func setString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// computeChecksum fills the checksum field per spec §4.2: compute with the
// checksum field set to all spaces, then write the result as 6 octal digits,
// a trailing NUL, and an ASCII space (the classic ustar checksum encoding,
// which happens to place a space at byte offset 155).
func (b *block) computeChecksum() {
	chk := b[offChksum : offChksum+8]
	for i := range chk {
		chk[i] = ' '
	}
	var sum int64
	for _, c := range b[:] {
		sum += int64(c)
	}
	s := strconv.FormatInt(sum, 8)
	for len(s) < 6 {
		s = "0" + s
	}
	copy(chk, s)
	chk[6] = 0
	chk[7] = ' '
}

// newHeaderBlock builds one deterministic ustar header block: uid=gid=0,
// empty uname/gname, mode=0o644, mtime=0, magic "ustar\x00", version "00".
func newHeaderBlock(name string, typeflag byte, size int64) *block {
	var b block
	setString(b[offName:offName+100], name)
	formatOctal(b[offMode:offMode+8], 0o644, 8)
	formatOctal(b[offUID:offUID+8], 0, 8)
	formatOctal(b[offGID:offGID+8], 0, 8)
	formatOctal(b[offSize:offSize+12], size, 12)
	formatOctal(b[offMtime:offMtime+12], 0, 12)
	b[offTypeflag] = typeflag
	setString(b[offMagic:offMagic+6], magicUstar)
	setString(b[offVersion:offVersion+2], versionUstar)
	setString(b[offUname:offUname+32], "")
	setString(b[offGname:offGname+32], "")
	formatOctal(b[offDevmajor:offDevmajor+8], 0, 8)
	formatOctal(b[offDevminor:offDevminor+8], 0, 8)
	setString(b[offPrefix:offPrefix+155], "")
	b.computeChecksum()
	return &b
}

// parseOctal parses a NUL/space terminated octal field.
func parseOctal(b []byte) (int64, error) {
	end := len(b)
	for i, c := range b {
		if c == 0 || c == ' ' {
			end = i
			break
		}
	}
	s := string(b[:end])
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, fmt.Errorf("sparsetar: invalid octal field %q: %w", s, err)
	}
	return v, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// blockPadding returns the number of zero bytes needed to reach the next
// 512-byte boundary from offset.
func blockPadding(offset int64) int64 {
	return -offset & (blockSize - 1)
}
