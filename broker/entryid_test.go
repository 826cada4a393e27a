package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryIDOrdering(t *testing.T) {
	a := EntryID{Timestamp: 5, Seq: 3}
	b := EntryID{Timestamp: 5, Seq: 4}
	c := EntryID{Timestamp: 6, Seq: 0}

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.True(t, a.Before(c))
	assert.False(t, b.Before(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, c.Compare(a))
}

func TestZeroIDSortsFirst(t *testing.T) {
	assert.True(t, ZeroID.IsZero())
	assert.True(t, ZeroID.Before(EntryID{Timestamp: 0, Seq: 1}))
	assert.True(t, ZeroID.Before(EntryID{Timestamp: 1, Seq: 0}))
}

func TestPredecessor(t *testing.T) {
	tests := []struct {
		name string
		in   EntryID
		want EntryID
	}{
		{"decrements seq", EntryID{Timestamp: 10, Seq: 5}, EntryID{Timestamp: 10, Seq: 4}},
		{"wraps to previous timestamp", EntryID{Timestamp: 10, Seq: 0}, EntryID{Timestamp: 9, Seq: MaxSeq}},
		{"zero stays zero", ZeroID, ZeroID},
		{"seq one of timestamp zero", EntryID{Timestamp: 0, Seq: 1}, ZeroID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Predecessor())
		})
	}
}

// No valid id may sort strictly between an id and its predecessor, otherwise
// exclusive bounds built from Predecessor would skip entries.
func TestPredecessorIsDense(t *testing.T) {
	ids := []EntryID{
		{Timestamp: 1, Seq: 0},
		{Timestamp: 1, Seq: 1},
		{Timestamp: 2, Seq: 0},
		{Timestamp: 1754000000000, Seq: 7},
	}
	for _, id := range ids {
		p := id.Predecessor()
		require.True(t, p.Before(id), "predecessor of %s must sort before it", id)

		// The candidate one step above the predecessor is the id itself.
		var succ EntryID
		if p.Seq == MaxSeq {
			succ = EntryID{Timestamp: p.Timestamp + 1, Seq: 0}
		} else {
			succ = EntryID{Timestamp: p.Timestamp, Seq: p.Seq + 1}
		}
		assert.Equal(t, id, succ)
	}
}

func TestEntryIDString(t *testing.T) {
	assert.Equal(t, "1754000000000-7", EntryID{Timestamp: 1754000000000, Seq: 7}.String())
	assert.Equal(t, "0-0", ZeroID.String())
}

func TestParseEntryID(t *testing.T) {
	id, err := ParseEntryID("1754000000000-7")
	require.NoError(t, err)
	assert.Equal(t, EntryID{Timestamp: 1754000000000, Seq: 7}, id)

	id, err = ParseEntryID("42")
	require.NoError(t, err)
	assert.Equal(t, EntryID{Timestamp: 42}, id)

	for _, bad := range []string{"", "abc", "1-x", "-5", "1-2-3"} {
		_, err := ParseEntryID(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, id := range []EntryID{ZeroID, {Timestamp: 1, Seq: 0}, {Timestamp: 9, Seq: MaxSeq}} {
		parsed, err := ParseEntryID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}
