// Package identity carries atapp's node identity types: the local process's
// own id/name/type, the HashCode helper that builds a stable ordering key
// over a node name, and the HashToken helper that places a name on the
// consistent-hash ring.
package identity

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Node identifies one atapp process within a cluster.
type Node struct {
	ID       uint64 // assigned at startup, unique within the cluster
	Name     string // stable across restarts, used for discovery lookups
	TypeID   uint64 // groups nodes running the same business role
	TypeName string
	Hostname string
	PID      int
}

// HashCode returns the 128-bit MurmurHash3 of name, hex-encoded, matching
// the stable ordering key atapp's discovery layer pairs with every
// advertised node (discovery.Node.HashCode). Comparing two of these strings
// orders names the same way pkg/hashring breaks ties between vnodes with
// equal tokens. SendByConsistentHash does not use it; ring tokens come from
// HashToken.
func HashCode(name string) string {
	hi, lo := murmur3.Sum128([]byte(name))
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(hi >> (8 * i))
		buf[15-i] = byte(lo >> (8 * i))
	}
	return hex.EncodeToString(buf)
}

// HashToken returns the 64-bit murmur3 token used to place name on the
// consistent-hash ring (pkg/hashring).
func HashToken(name string) uint64 {
	return murmur3.Sum64([]byte(name))
}

// ParseDottedID packs idStr's dot-separated segments into one uint64 using
// mask's matching segments as each field's bit width (spec.md §6's
// -id-mask, e.g. id "1.2.3.4" with mask "8.8.8.8" packs four 8-bit fields
// into one 32-bit id). idStr with no dots and an empty mask is parsed as a
// plain decimal id.
func ParseDottedID(idStr, mask string) (uint64, error) {
	if mask == "" {
		return strconv.ParseUint(idStr, 10, 64)
	}

	idParts := strings.Split(idStr, ".")
	maskParts := strings.Split(mask, ".")
	if len(idParts) != len(maskParts) {
		return 0, fmt.Errorf("id %q has %d segments, mask %q has %d", idStr, len(idParts), mask, len(maskParts))
	}

	var id uint64
	var totalBits uint
	for i, part := range idParts {
		width, err := strconv.ParseUint(maskParts[i], 10, 6)
		if err != nil {
			return 0, fmt.Errorf("invalid mask segment %q: %w", maskParts[i], err)
		}
		value, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid id segment %q: %w", part, err)
		}
		if value >= uint64(1)<<width {
			return 0, fmt.Errorf("id segment %q does not fit in %d bits", part, width)
		}
		id = (id << width) | value
		totalBits += uint(width)
	}
	if totalBits > 64 {
		return 0, fmt.Errorf("id mask %q exceeds 64 bits", mask)
	}
	return id, nil
}
