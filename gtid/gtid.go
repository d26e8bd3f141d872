package gtid

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SeqnoUndefined marks a position before any replicated history.
const SeqnoUndefined int64 = -1

// GTID is a global transaction identifier: a position in one replication
// history. Ordering is defined only between GTIDs of the same history.
type GTID struct {
	HistoryID uuid.UUID
	Seqno     int64
}

// Undefined is the position of a store that has no history yet.
var Undefined = GTID{HistoryID: uuid.Nil, Seqno: SeqnoUndefined}

// MaxStringLen bounds the printable form: 36 uuid chars, ':' and
// a signed 64-bit decimal.
const MaxStringLen = 36 + 1 + 20

func (g GTID) String() string {
	return g.HistoryID.String() + ":" + strconv.FormatInt(g.Seqno, 10)
}

// Parse scans the "<uuid>:<seqno>" form produced by String.
func Parse(s string) (GTID, error) {
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return Undefined, fmt.Errorf("gtid: no seqno separator in %q", s)
	}
	hid, err := uuid.Parse(s[:colon])
	if err != nil {
		return Undefined, fmt.Errorf("gtid: bad history id in %q: %v", s, err)
	}
	seqno, err := strconv.ParseInt(s[colon+1:], 10, 64)
	if err != nil {
		return Undefined, fmt.Errorf("gtid: bad seqno in %q: %v", s, err)
	}
	return GTID{HistoryID: hid, Seqno: seqno}, nil
}

// Compare orders two GTIDs byte-wise on the history id first, then by
// seqno. Callers must not draw ordering conclusions from GTIDs of
// different histories; the history comparison exists so that the
// mismatch is detectable.
func Compare(a, b GTID) int {
	if c := bytes.Compare(a.HistoryID[:], b.HistoryID[:]); c != 0 {
		return c
	}
	switch {
	case a.Seqno < b.Seqno:
		return -1
	case a.Seqno > b.Seqno:
		return 1
	}
	return 0
}

// SameHistory reports whether both positions belong to one history.
func SameHistory(a, b GTID) bool {
	return a.HistoryID == b.HistoryID
}

// IsUndefined reports whether g is the fully-undefined initial position.
func (g GTID) IsUndefined() bool {
	return g.HistoryID == uuid.Nil && g.Seqno == SeqnoUndefined
}

// Ordered reports whether g names an actually ordered event.
func (g GTID) Ordered() bool {
	return g.Seqno > SeqnoUndefined
}

// IsContinuation reports whether next is exactly one event past cur
// within the same history.
func IsContinuation(cur, next GTID) bool {
	return SameHistory(cur, next) && next.Seqno == cur.Seqno+1
}
