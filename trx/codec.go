package trx

import (
	"encoding/binary"
	"fmt"

	"github.com/codelia/certnode/store"
)

// Writeset payload format, big-endian, one fixed-size record per
// operation:
//
//	u32 source index
//	u32 destination index
//	i64 source version + u32 source value     (snapshot at execution)
//	i64 destination version + u32 destination value
//	u32 new destination value
//
// A writeset is valid only if it divides into whole operation records;
// a non-zero remainder is a protocol violation, not bad user data.
const opLen = 4 + 4 + (8 + 4) + (8 + 4) + 4

// ErrWritesetRemainder reports a writeset whose length is not a whole
// number of operation records.
var ErrWritesetRemainder = fmt.Errorf("trx: writeset length is not a multiple of %d", opLen)

// EncodeWriteset serializes the operation list for replication.
func EncodeWriteset(ops []store.Op) []byte {
	buf := make([]byte, 0, len(ops)*opLen)
	for i := range ops {
		op := &ops[i]
		buf = binary.BigEndian.AppendUint32(buf, uint32(op.From))
		buf = binary.BigEndian.AppendUint32(buf, uint32(op.To))
		buf = binary.BigEndian.AppendUint64(buf, uint64(op.FromSnap.Version))
		buf = binary.BigEndian.AppendUint32(buf, op.FromSnap.Value)
		buf = binary.BigEndian.AppendUint64(buf, uint64(op.ToSnap.Version))
		buf = binary.BigEndian.AppendUint32(buf, op.ToSnap.Value)
		buf = binary.BigEndian.AppendUint32(buf, op.Value)
	}
	return buf
}

// DecodeWriteset is the exact inverse of EncodeWriteset.
func DecodeWriteset(buf []byte) ([]store.Op, error) {
	if len(buf)%opLen != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrWritesetRemainder, len(buf))
	}
	ops := make([]store.Op, 0, len(buf)/opLen)
	for len(buf) > 0 {
		op := store.Op{
			From: int(binary.BigEndian.Uint32(buf)),
			To:   int(binary.BigEndian.Uint32(buf[4:])),
			FromSnap: store.Record{
				Version: int64(binary.BigEndian.Uint64(buf[8:])),
				Value:   binary.BigEndian.Uint32(buf[16:]),
			},
			ToSnap: store.Record{
				Version: int64(binary.BigEndian.Uint64(buf[20:])),
				Value:   binary.BigEndian.Uint32(buf[28:]),
			},
			Value: binary.BigEndian.Uint32(buf[32:]),
		}
		ops = append(ops, op)
		buf = buf[opLen:]
	}
	return ops, nil
}
