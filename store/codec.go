package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/codelia/certnode/gtid"
)

// State snapshot wire format, all integers big-endian:
//
//	GTID as NUL-terminated printable string
//	u32  member count
//	member count x 16-byte member UUID
//	u8   read-view capability flag
//	u32  record count
//	record count x (i64 version + u32 value)
//
// The format is interoperable between nodes and must stay byte-exact.

const (
	memberLen = 16
	recordLen = 8 + 4

	// minimal GTID string: nil uuid, ':', one digit
	minGTIDLen = 36 + 2
	// gtid + NUL + member count + two members + flag + record count
	minStateLen = minGTIDLen + 1 + 4 + 2*memberLen + 1 + 4
)

// Decode failure reasons, one per way a snapshot can be malformed, so
// the joiner can log precisely what it received.
var (
	ErrStateTooShort   = errors.New("store: state snapshot too short")
	ErrStateBadGTID    = errors.New("store: state snapshot has no valid gtid")
	ErrStateFewMembers = errors.New("store: bogus number of members in state snapshot")
	ErrStateBadMembers = errors.New("store: state snapshot does not contain all membership")
	ErrStateBadRecords = errors.New("store: state snapshot does not contain all records")
	ErrStateStale      = errors.New("store: state snapshot is in the past")
)

// State is a deserialized snapshot.
type State struct {
	GTID     gtid.GTID
	Members  []uuid.UUID
	ReadView bool
	Records  []Record
}

// EncodedLen returns the exact buffer size Encode will produce.
func (st *State) EncodedLen() int {
	return len(st.GTID.String()) + 1 +
		4 + len(st.Members)*memberLen +
		1 +
		4 + len(st.Records)*recordLen
}

// Encode serializes st into the snapshot wire format.
func (st *State) Encode() []byte {
	buf := make([]byte, 0, st.EncodedLen())

	buf = append(buf, st.GTID.String()...)
	buf = append(buf, 0)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(st.Members)))
	for i := range st.Members {
		buf = append(buf, st.Members[i][:]...)
	}

	if st.ReadView {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(st.Records)))
	for i := range st.Records {
		buf = binary.BigEndian.AppendUint64(buf, uint64(st.Records[i].Version))
		buf = binary.BigEndian.AppendUint32(buf, st.Records[i].Value)
	}
	return buf
}

// DecodeState parses a snapshot buffer. Each malformation is reported
// with its own error so the caller can log the exact reason.
func DecodeState(buf []byte) (*State, error) {
	if len(buf) < minStateLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrStateTooShort, len(buf))
	}

	nul := bytes.IndexByte(buf[:min(len(buf), gtid.MaxStringLen+1)], 0)
	if nul < 0 {
		return nil, ErrStateBadGTID
	}
	g, err := gtid.Parse(string(buf[:nul]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateBadGTID, err)
	}
	rest := buf[nul+1:]

	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: no member count", ErrStateTooShort)
	}
	memberNum := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if memberNum < 2 {
		return nil, fmt.Errorf("%w: %d", ErrStateFewMembers, memberNum)
	}
	if uint64(len(rest)) < uint64(memberNum)*memberLen {
		return nil, fmt.Errorf("%w: %d < %d bytes",
			ErrStateBadMembers, len(rest), uint64(memberNum)*memberLen)
	}
	members := make([]uuid.UUID, memberNum)
	for i := range members {
		copy(members[i][:], rest[:memberLen])
		rest = rest[memberLen:]
	}

	if len(rest) < 1+4 {
		return nil, fmt.Errorf("%w: no record count", ErrStateTooShort)
	}
	readView := rest[0] != 0
	recordNum := binary.BigEndian.Uint32(rest[1:])
	rest = rest[5:]

	if uint64(len(rest)) < uint64(recordNum)*recordLen {
		return nil, fmt.Errorf("%w: %d < %d bytes",
			ErrStateBadRecords, len(rest), uint64(recordNum)*recordLen)
	}
	records := make([]Record, recordNum)
	for i := range records {
		records[i].Version = int64(binary.BigEndian.Uint64(rest))
		records[i].Value = binary.BigEndian.Uint32(rest[8:])
		rest = rest[recordLen:]
	}

	return &State{GTID: g, Members: members, ReadView: readView, Records: records}, nil
}
