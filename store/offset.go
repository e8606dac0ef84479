package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a position within a stream.
//
// Wire format: "0000000000000000_0000000000000005" (16 digits each,
// zero-padded) so that string comparison matches numeric comparison.
// Position counts payload bytes for byte streams and entries for JSON
// streams; Seq is reserved for log rotation.
type Offset struct {
	Seq      uint64
	Position uint64
}

// ZeroOffset is the starting offset for a new stream.
var ZeroOffset = Offset{}

// BeginningSentinel is the client-facing token for "start of stream".
const BeginningSentinel = "-1"

// String returns the lexicographically sortable wire form.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.Seq, o.Position)
}

// IsZero reports whether this is the stream's starting offset.
func (o Offset) IsZero() bool {
	return o.Seq == 0 && o.Position == 0
}

// Add returns a new offset advanced by n positions.
func (o Offset) Add(n uint64) Offset {
	return Offset{Seq: o.Seq, Position: o.Position + n}
}

// ParseOffset parses an offset token. The sentinel "-1" and the empty
// string both mean "from the beginning".
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == BeginningSentinel {
		return ZeroOffset, nil
	}

	if !validOffsetShape(s) {
		return Offset{}, fmt.Errorf("invalid offset format: must be 'digits_digits'")
	}

	parts := strings.Split(s, "_")
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: seq not a number: %w", err)
	}
	pos, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: position not a number: %w", err)
	}

	return Offset{Seq: seq, Position: pos}, nil
}

// validOffsetShape accepts exactly one underscore with digits on both
// sides. Everything else, including the protocol-forbidden characters
// ",&=?", is rejected.
func validOffsetShape(s string) bool {
	if len(s) < 3 {
		return false
	}

	underscores := 0
	underscorePos := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			underscores++
			underscorePos = i
			if underscores > 1 {
				return false
			}
		} else if c < '0' || c > '9' {
			return false
		}
	}

	return underscores == 1 && underscorePos > 0 && underscorePos < len(s)-1
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Offset) int {
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	if a.Position != b.Position {
		if a.Position < b.Position {
			return -1
		}
		return 1
	}
	return 0
}

// LessThan reports o < other.
func (o Offset) LessThan(other Offset) bool {
	return Compare(o, other) < 0
}

// LessThanOrEqual reports o <= other.
func (o Offset) LessThanOrEqual(other Offset) bool {
	return Compare(o, other) <= 0
}

// Equal reports o == other.
func (o Offset) Equal(other Offset) bool {
	return Compare(o, other) == 0
}
