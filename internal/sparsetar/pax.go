package sparsetar

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ctrm-project/ctrm-core/internal/disklayout"
)

// formatPaxRecord encodes one PAX extended-header record as
// "<length> <key>=<value>\n" where <length> is the self-inclusive decimal
// byte count (spec §4.2). The self-referential length is resolved the same
// way the upstream archive/tar package does: grow the length field until its
// own width stops changing the total.
func formatPaxRecord(key, value string) string {
	const padding = 3 // ' ', '=', '\n'
	size := len(key) + len(value) + padding
	for {
		candidate := len(strconv.Itoa(size)) + len(key) + len(value) + padding
		if candidate == size {
			break
		}
		size = candidate
	}
	return fmt.Sprintf("%d %s=%s\n", size, key, value)
}

// paxRecords is the deterministic (alphabetical by key) set of GNU sparse
// records required by spec §4.2.
func paxRecords(extents []disklayout.SparseExtent, realSize int64) string {
	var sb strings.Builder
	sb.WriteString(formatPaxRecord("GNU.sparse.map", sparseMapValue(extents)))
	sb.WriteString(formatPaxRecord("GNU.sparse.name", "disk.chunk"))
	sb.WriteString(formatPaxRecord("GNU.sparse.realsize", strconv.FormatInt(realSize, 10)))
	return sb.String()
}

func sparseMapValue(extents []disklayout.SparseExtent) string {
	parts := make([]string, 0, len(extents)*2)
	for _, e := range extents {
		parts = append(parts, strconv.FormatInt(e.Offset, 10), strconv.FormatInt(e.Length, 10))
	}
	return strings.Join(parts, ",")
}

// parseSparseMap parses a "offset,length,offset,length,..." GNU.sparse.map
// value back into extents.
func parseSparseMap(s string) ([]disklayout.SparseExtent, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("sparsetar: odd number of fields in sparse map")
	}
	extents := make([]disklayout.SparseExtent, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		off, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sparsetar: invalid sparse map offset %q: %w", fields[i], err)
		}
		length, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sparsetar: invalid sparse map length %q: %w", fields[i+1], err)
		}
		extents = append(extents, disklayout.SparseExtent{Offset: off, Length: length})
	}
	return extents, nil
}
