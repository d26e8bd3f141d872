package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/certnode/gtid"
	"github.com/codelia/certnode/provider"
)

var testHistory = uuid.MustParse("6c145697-23d1-4e1e-a549-eb07e63f5265")

func at(seqno int64) gtid.GTID {
	return gtid.GTID{HistoryID: testHistory, Seqno: seqno}
}

func primaryView(g gtid.GTID, caps provider.Capability, ids ...uuid.UUID) *provider.View {
	members := make([]provider.Member, len(ids))
	for i, id := range ids {
		members[i] = provider.Member{ID: id, Name: id.String()[:8]}
	}
	return &provider.View{
		StateID:      g,
		Status:       provider.ViewPrimary,
		Capabilities: caps,
		Members:      members,
	}
}

// openAt opens a store and installs an initialization view at seqno 0.
func openAt(t *testing.T, cfg Config, caps provider.Capability) *Store {
	t.Helper()
	s := Open(cfg)
	s.UpdateMembership(primaryView(at(0), caps, uuid.New(), uuid.New()))
	require.Equal(t, at(0), s.GTID())
	return s
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestOpenSeedsRecords(t *testing.T) {
	s := Open(Config{Records: 4})
	assert.Equal(t, 4, s.Size())
	assert.True(t, s.GTID().IsUndefined())
	for i := 0; i < s.Size(); i++ {
		rec := s.Read(i)
		assert.Equal(t, int64(gtid.SeqnoUndefined), rec.Version, "record %d", i)
		assert.Equal(t, uint32(i), rec.Value, "record %d", i)
	}
}

func TestCommitAdvancesByOne(t *testing.T) {
	s := openAt(t, Config{Records: 4}, 0)

	_, fromRec, toRec := s.ReadPair(0, 1)
	ops := []Op{{From: 0, To: 1, FromSnap: fromRec, ToSnap: toRec, Value: fromRec.Value + 1}}
	require.NoError(t, s.CommitOps(ops, at(1)))

	rec := s.Read(1)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, uint32(1), rec.Value)

	// rejected events still consume their seqno
	s.SkipTo(at(2))
	assert.Equal(t, at(2), s.GTID())

	_, fromRec, toRec = s.ReadPair(2, 3)
	ops = []Op{{From: 2, To: 3, FromSnap: fromRec, ToSnap: toRec, Value: fromRec.Value + 1}}
	require.NoError(t, s.CommitOps(ops, at(3)))
	assert.Equal(t, at(3), s.GTID())
}

func TestCommitOrderViolationsAreFatal(t *testing.T) {
	alien := uuid.MustParse("00000000-0000-0000-0000-00000000beef")

	tests := []struct {
		name string
		next gtid.GTID
	}{
		{"gap", at(5)},
		{"duplicate", at(0)},
		{"alien history", gtid.GTID{HistoryID: alien, Seqno: 1}},
	}

	for _, tt := range tests {
		s := openAt(t, Config{Records: 2}, 0)
		expectPanic(t, tt.name, func() { s.SkipTo(tt.next) })
	}
}

func TestRevalidationRejectsStaleSnapshots(t *testing.T) {
	s := openAt(t, Config{Records: 2}, 0) // no read-view capability

	// T1 snapshots record 0 before T2 overwrites it.
	_, t1From, t1To := s.ReadPair(0, 1)

	_, t2From, t2To := s.ReadPair(1, 0)
	t2 := []Op{{From: 1, To: 0, FromSnap: t2From, ToSnap: t2To, Value: t2From.Value + 1}}
	require.NoError(t, s.CommitOps(t2, at(1)))

	t1 := []Op{{From: 0, To: 1, FromSnap: t1From, ToSnap: t1To, Value: t1From.Value + 1}}
	err := s.CommitOps(t1, at(2))
	require.ErrorIs(t, err, ErrRevalidation)

	// the seqno is consumed, the destination record is not, and the
	// competing write survives
	assert.Equal(t, at(2), s.GTID())
	assert.Equal(t, int64(gtid.SeqnoUndefined), s.Read(1).Version)
	assert.Equal(t, Record{Version: 1, Value: t2From.Value + 1}, s.Read(0))
	assert.Equal(t, uint64(1), s.RevalidationFailures())
}

func TestReadViewSkipsRevalidation(t *testing.T) {
	s := openAt(t, Config{Records: 2}, provider.CapReadView)
	require.True(t, s.HasReadView())

	_, t1From, t1To := s.ReadPair(0, 1)

	_, t2From, t2To := s.ReadPair(1, 0)
	t2 := []Op{{From: 1, To: 0, FromSnap: t2From, ToSnap: t2To, Value: t2From.Value + 1}}
	require.NoError(t, s.CommitOps(t2, at(1)))

	// stale snapshots, but certification already vouched for the trx
	t1 := []Op{{From: 0, To: 1, FromSnap: t1From, ToSnap: t1To, Value: t1From.Value + 1}}
	require.NoError(t, s.CommitOps(t1, at(2)))
	assert.Equal(t, uint64(0), s.RevalidationFailures())
}

func TestParanoidRevalidatesAnyway(t *testing.T) {
	s := Open(Config{Records: 2, Paranoid: true})
	s.UpdateMembership(primaryView(at(0), provider.CapReadView, uuid.New(), uuid.New()))

	_, t1From, t1To := s.ReadPair(0, 1)

	_, t2From, t2To := s.ReadPair(1, 0)
	t2 := []Op{{From: 1, To: 0, FromSnap: t2From, ToSnap: t2To, Value: t2From.Value + 1}}
	require.NoError(t, s.CommitOps(t2, at(1)))

	t1 := []Op{{From: 0, To: 1, FromSnap: t1From, ToSnap: t1To, Value: t1From.Value + 1}}
	assert.ErrorIs(t, s.CommitOps(t1, at(2)), ErrRevalidation)
	assert.Equal(t, uint64(1), s.RevalidationFailures())
}

func TestCommitRejectsOutOfRangeIndices(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{"destination past the end", Op{From: 0, To: 99}},
		{"source past the end", Op{From: 99, To: 0}},
		{"negative source", Op{From: -1, To: 0}},
	}

	for _, tt := range tests {
		s := openAt(t, Config{Records: 2}, 0)
		expectPanic(t, tt.name, func() { s.CommitOps([]Op{tt.op}, at(1)) })
		// the malformed writeset must not have touched anything
		assert.Equal(t, at(0), s.GTID(), tt.name)
	}
}

func TestMembershipContinuity(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s := Open(Config{Records: 2})
	s.UpdateMembership(primaryView(at(0), 0, a, b))
	assert.Equal(t, []uuid.UUID{a, b}, s.Members())

	// a view is an ordered event like any other: exactly +1
	s.UpdateMembership(primaryView(at(1), provider.CapReadView, a, b, c))
	assert.Equal(t, at(1), s.GTID())
	assert.Equal(t, []uuid.UUID{a, b, c}, s.Members())
	assert.True(t, s.HasReadView())

	expectPanic(t, "view gap", func() {
		s.UpdateMembership(primaryView(at(5), 0, a, b))
	})
}

func TestMembershipRejectsEmptyView(t *testing.T) {
	s := Open(Config{Records: 2})
	expectPanic(t, "empty view", func() {
		s.UpdateMembership(primaryView(at(0), 0))
	})
}

func TestInitGTID(t *testing.T) {
	s := Open(Config{Records: 2})
	s.InitGTID(at(7))
	assert.Equal(t, at(7), s.GTID())

	expectPanic(t, "re-init", func() { s.InitGTID(at(9)) })
}

func TestChecksumTracksState(t *testing.T) {
	s := openAt(t, Config{Records: 4}, 0)

	s.mu.Lock()
	before := s.checksum()
	s.mu.Unlock()

	_, fromRec, toRec := s.ReadPair(0, 1)
	ops := []Op{{From: 0, To: 1, FromSnap: fromRec, ToSnap: toRec, Value: fromRec.Value + 1}}
	require.NoError(t, s.CommitOps(ops, at(1)))

	s.mu.Lock()
	after := s.checksum()
	s.mu.Unlock()
	assert.NotEqual(t, before, after)
}
