package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxSeq is the largest sequence component an entry id can carry.
const MaxSeq = math.MaxUint64

// EntryID identifies a single entry within a stream. The broker assigns ids
// at append time; they are strictly increasing within a stream under the
// lexicographic (Timestamp, Seq) ordering. Timestamp is Unix milliseconds.
type EntryID struct {
	Timestamp uint64
	Seq       uint64
}

// ZeroID sorts before every id a broker can assign. Reading after ZeroID
// yields the whole stream.
var ZeroID = EntryID{}

// IsZero reports whether the id is the zero id.
func (id EntryID) IsZero() bool {
	return id.Timestamp == 0 && id.Seq == 0
}

// Compare returns -1, 0, or 1 depending on whether id sorts before, equal
// to, or after other.
func (id EntryID) Compare(other EntryID) int {
	switch {
	case id.Timestamp < other.Timestamp:
		return -1
	case id.Timestamp > other.Timestamp:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

// Before reports whether id sorts strictly before other.
func (id EntryID) Before(other EntryID) bool {
	return id.Compare(other) < 0
}

// Predecessor returns the id immediately preceding this one: no valid id
// sorts strictly between the two. It converts an inclusive "last seen"
// checkpoint into the exclusive lower bound expected by Read, so that the
// checkpoint entry itself is delivered again. The predecessor of ZeroID is
// ZeroID.
func (id EntryID) Predecessor() EntryID {
	if id.Seq > 0 {
		return EntryID{Timestamp: id.Timestamp, Seq: id.Seq - 1}
	}
	if id.Timestamp == 0 {
		return ZeroID
	}
	return EntryID{Timestamp: id.Timestamp - 1, Seq: MaxSeq}
}

// String renders the id in the conventional "timestamp-seq" stream notation.
func (id EntryID) String() string {
	return strconv.FormatUint(id.Timestamp, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// ParseEntryID parses the "timestamp-seq" notation produced by String. A bare
// timestamp without a sequence part is accepted and treated as sequence 0.
func ParseEntryID(s string) (EntryID, error) {
	ts, seq, found := strings.Cut(s, "-")
	t, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		return ZeroID, fmt.Errorf("broker: invalid entry id %q: %w", s, err)
	}
	if !found {
		return EntryID{Timestamp: t}, nil
	}
	q, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ZeroID, fmt.Errorf("broker: invalid entry id %q: %w", s, err)
	}
	return EntryID{Timestamp: t, Seq: q}, nil
}
