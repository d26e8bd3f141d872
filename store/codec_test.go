package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/certnode/gtid"
)

func sampleState() *State {
	return &State{
		GTID:     at(100),
		Members:  []uuid.UUID{uuid.New(), uuid.New(), uuid.New()},
		ReadView: true,
		Records: []Record{
			{Version: gtid.SeqnoUndefined, Value: 0},
			{Version: 3, Value: 17},
			{Version: 99, Value: 4},
			{Version: 100, Value: 5},
			{Version: 42, Value: 0xdeadbeef},
		},
	}
}

func TestStateEncodedLen(t *testing.T) {
	st := sampleState()
	buf := st.Encode()
	require.Equal(t, st.EncodedLen(), len(buf))

	// gtid string + NUL + member block + flag + record block
	want := len(st.GTID.String()) + 1 + (4 + 3*16) + 1 + (4 + 5*12)
	assert.Equal(t, want, len(buf))
}

func TestStateRoundTrip(t *testing.T) {
	st := sampleState()
	got, err := DecodeState(st.Encode())
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestStateRoundTripNoReadView(t *testing.T) {
	st := sampleState()
	st.ReadView = false
	got, err := DecodeState(st.Encode())
	require.NoError(t, err)
	assert.False(t, got.ReadView)
}

func TestStateRoundTripNoRecords(t *testing.T) {
	st := sampleState()
	st.Records = nil
	buf := st.Encode()
	got, err := DecodeState(buf)
	require.NoError(t, err)
	assert.Len(t, got.Records, 0)
}

func TestDecodeStateRejectsMalformed(t *testing.T) {
	good := sampleState().Encode()
	gtidLen := len(sampleState().GTID.String()) + 1

	noNUL := make([]byte, len(good))
	for i := range noNUL {
		noNUL[i] = 'x'
	}

	badGTID := append([]byte("not-a-gtid\x00"), good[gtidLen:]...)

	oneMember := sampleState()
	oneMember.Members = oneMember.Members[:1]

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrStateTooShort},
		{"truncated header", good[:10], ErrStateTooShort},
		{"no gtid terminator", noNUL, ErrStateBadGTID},
		{"unparseable gtid", badGTID, ErrStateBadGTID},
		{"single member", oneMember.Encode(), ErrStateFewMembers},
		{"truncated members", good[:gtidLen+4+40], ErrStateBadMembers},
		{"truncated records", good[:len(good)-6], ErrStateBadRecords},
	}

	for _, tt := range tests {
		_, err := DecodeState(tt.buf)
		assert.ErrorIs(t, err, tt.want, tt.name)
	}
}
