package trx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/certnode/gtid"
	"github.com/codelia/certnode/store"
)

func TestWritesetRoundTrip(t *testing.T) {
	ops := []store.Op{
		{
			From:     0,
			To:       3,
			FromSnap: store.Record{Version: gtid.SeqnoUndefined, Value: 0},
			ToSnap:   store.Record{Version: 17, Value: 9},
			Value:    1,
		},
		{
			From:     1024,
			To:       1,
			FromSnap: store.Record{Version: 5, Value: 0xffffffff},
			ToSnap:   store.Record{Version: 6, Value: 7},
			Value:    0,
		},
	}

	buf := EncodeWriteset(ops)
	require.Equal(t, len(ops)*opLen, len(buf))

	got, err := DecodeWriteset(buf)
	require.NoError(t, err)
	assert.Equal(t, ops, got)
}

func TestDecodeWritesetEmpty(t *testing.T) {
	got, err := DecodeWriteset(nil)
	require.NoError(t, err)
	assert.Len(t, got, 0)
}

func TestDecodeWritesetRejectsRemainder(t *testing.T) {
	buf := EncodeWriteset([]store.Op{{From: 0, To: 1}, {From: 2, To: 3}})
	for _, cut := range []int{1, opLen - 1, opLen + 4} {
		_, err := DecodeWriteset(buf[:cut])
		assert.ErrorIs(t, err, ErrWritesetRemainder, "cut %d", cut)
	}
}

func TestRegistryHandles(t *testing.T) {
	r := NewRegistry()

	a := r.Create()
	b := r.Create()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, r.Len())

	assert.Same(t, a, r.Get(a.ID))
	assert.Nil(t, r.Get(999))

	r.Forget(a.ID)
	assert.Nil(t, r.Get(a.ID))
	assert.Equal(t, 1, r.Len())
}
