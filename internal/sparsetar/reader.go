package sparsetar

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ctrm-project/ctrm-core/internal/disklayout"
)

// ChunkHeader is the parsed metadata preceding a chunk's data stream.
type ChunkHeader struct {
	// Extents are the non-hole regions, offsets relative to the chunk start.
	Extents []disklayout.SparseExtent
	// RealSize is the chunk's logical length (GNU.sparse.realsize).
	RealSize int64
}

// ReadChunkHeader consumes the PAX extended header and the following regular
// file header from r, returning the parsed sparse map. After it returns
// successfully, r is positioned at the start of the concatenated extent data
// (exactly sum(Extents[i].Length) bytes); the caller reads that data with
// CopyExtents or by tracking boundaries itself.
func ReadChunkHeader(r *bufio.Reader) (*ChunkHeader, error) {
	var hdr block
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("sparsetar: reading pax header block: %w", err)
	}
	if hdr[offTypeflag] != 'x' {
		return nil, fmt.Errorf("sparsetar: expected PAX extended header (typeflag 'x'), got %q", hdr[offTypeflag])
	}
	paxSize, err := parseOctal(hdr[offSize : offSize+12])
	if err != nil {
		return nil, fmt.Errorf("sparsetar: parsing pax header size: %w", err)
	}

	paxBytes := make([]byte, paxSize)
	if _, err := io.ReadFull(r, paxBytes); err != nil {
		return nil, fmt.Errorf("sparsetar: reading pax records: %w", err)
	}
	if err := discard(r, blockPadding(paxSize)); err != nil {
		return nil, err
	}

	records, err := parsePaxRecords(paxBytes)
	if err != nil {
		return nil, err
	}

	sparseMap, ok := records["GNU.sparse.map"]
	if !ok {
		return nil, fmt.Errorf("sparsetar: missing GNU.sparse.map record")
	}
	extents, err := parseSparseMap(sparseMap)
	if err != nil {
		return nil, err
	}
	realSizeStr, ok := records["GNU.sparse.realsize"]
	if !ok {
		return nil, fmt.Errorf("sparsetar: missing GNU.sparse.realsize record")
	}
	realSize, err := strconv.ParseInt(realSizeStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sparsetar: invalid GNU.sparse.realsize %q: %w", realSizeStr, err)
	}

	// Regular file header.
	var fileHdr block
	if _, err := io.ReadFull(r, fileHdr[:]); err != nil {
		return nil, fmt.Errorf("sparsetar: reading file header block: %w", err)
	}
	if fileHdr[offTypeflag] != '0' && fileHdr[offTypeflag] != 0 {
		return nil, fmt.Errorf("sparsetar: expected regular file header, got typeflag %q", fileHdr[offTypeflag])
	}

	return &ChunkHeader{Extents: extents, RealSize: realSize}, nil
}

// CopyExtents reads the concatenated extent data out of r (positioned right
// after ReadChunkHeader returns) and invokes fn once per extent with a reader
// bounded to exactly that extent's length. fn must consume the reader fully.
func CopyExtents(r io.Reader, extents []disklayout.SparseExtent, fn func(e disklayout.SparseExtent, data io.Reader) error) error {
	var total int64
	for _, e := range extents {
		total += e.Length
	}
	lr := io.LimitReader(r, total)
	for _, e := range extents {
		if err := fn(e, io.LimitReader(lr, e.Length)); err != nil {
			return err
		}
	}
	// Drain any unread bytes from a misbehaving fn so the trailing padding
	// and end-of-archive blocks line up for the caller.
	if _, err := io.Copy(io.Discard, lr); err != nil {
		return fmt.Errorf("sparsetar: draining extent data: %w", err)
	}
	return nil
}

func discard(r *bufio.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

func parsePaxRecords(data []byte) (map[string]string, error) {
	records := make(map[string]string)
	for len(data) > 0 {
		sp := indexByte(data, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("sparsetar: malformed pax record (no length prefix)")
		}
		length, err := strconv.Atoi(string(data[:sp]))
		if err != nil {
			return nil, fmt.Errorf("sparsetar: malformed pax record length: %w", err)
		}
		if length <= 0 || length > len(data) {
			return nil, fmt.Errorf("sparsetar: pax record length %d out of range", length)
		}
		record := string(data[:length])
		data = data[length:]

		body := record[sp+1:]
		body = strings.TrimSuffix(body, "\n")
		eq := strings.IndexByte(body, '=')
		if eq < 0 {
			return nil, fmt.Errorf("sparsetar: malformed pax record %q", record)
		}
		records[body[:eq]] = body[eq+1:]
	}
	return records, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
