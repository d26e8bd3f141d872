package gtid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringParseRoundTrip(t *testing.T) {
	tests := []GTID{
		Undefined,
		{HistoryID: uuid.MustParse("6c145697-23d1-4e1e-a549-eb07e63f5265"), Seqno: 0},
		{HistoryID: uuid.MustParse("6c145697-23d1-4e1e-a549-eb07e63f5265"), Seqno: 42},
		{HistoryID: uuid.Nil, Seqno: 1<<62 - 1},
	}

	for i, want := range tests {
		s := want.String()
		require.LessOrEqual(t, len(s), MaxStringLen, "#%d", i)
		got, err := Parse(s)
		require.NoError(t, err, "#%d: %q", i, s)
		assert.Equal(t, want, got, "#%d", i)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	tests := []string{
		"",
		"no-colon",
		"6c145697-23d1-4e1e-a549-eb07e63f5265",  // no seqno
		"6c145697-23d1-4e1e-a549-eb07e63f5265:", // empty seqno
		"6c145697-23d1-4e1e-a549-eb07e63f5265:abc", // non-numeric
		"not-a-uuid:17",
		"00000000-0000-0000-0000-00000000000:-1", // short uuid
	}

	for i, s := range tests {
		_, err := Parse(s)
		assert.Error(t, err, "#%d: %q", i, s)
	}
}

func TestCompare(t *testing.T) {
	lo := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	hi := uuid.MustParse("10000000-0000-0000-0000-000000000000")

	tests := []struct {
		a, b GTID
		want int
	}{
		{GTID{lo, 1}, GTID{lo, 1}, 0},
		{GTID{lo, 1}, GTID{lo, 2}, -1},
		{GTID{lo, 2}, GTID{lo, 1}, 1},
		{GTID{lo, 9}, GTID{hi, 1}, -1},
		{GTID{hi, 1}, GTID{lo, 9}, 1},
	}

	for i, tt := range tests {
		assert.Equal(t, tt.want, Compare(tt.a, tt.b), "#%d", i)
	}
}

func TestContinuation(t *testing.T) {
	u := uuid.MustParse("6c145697-23d1-4e1e-a549-eb07e63f5265")
	v := uuid.MustParse("7c145697-23d1-4e1e-a549-eb07e63f5265")

	tests := []struct {
		cur, next GTID
		want      bool
	}{
		{GTID{u, 5}, GTID{u, 6}, true},
		{GTID{u, 5}, GTID{u, 5}, false},
		{GTID{u, 5}, GTID{u, 7}, false},
		{GTID{u, 5}, GTID{v, 6}, false},
		{Undefined, GTID{u, 0}, false}, // initialization is not continuation
	}

	for i, tt := range tests {
		assert.Equal(t, tt.want, IsContinuation(tt.cur, tt.next), "#%d", i)
	}
}

func TestUndefined(t *testing.T) {
	assert.True(t, Undefined.IsUndefined())
	assert.False(t, Undefined.Ordered())

	u := uuid.MustParse("6c145697-23d1-4e1e-a549-eb07e63f5265")
	assert.False(t, GTID{HistoryID: u, Seqno: SeqnoUndefined}.IsUndefined())
	assert.True(t, GTID{HistoryID: u, Seqno: 0}.Ordered())
	assert.False(t, GTID{HistoryID: u, Seqno: -1}.Ordered())
}
