// Package store holds the replicated state of one node: a fixed array
// of versioned records, the group membership and the GTID that versions
// both. Every mutation happens under one mutex; ordering of mutations
// is the caller's duty (the commit-order critical section).
package store

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/codelia/certnode/gtid"
	"github.com/codelia/certnode/provider"
)

// Record is one replicated data item. Version is the seqno of the last
// writing transaction, gtid.SeqnoUndefined if never written.
type Record struct {
	Version int64
	Value   uint32
}

// Op is one operation of a transaction: copy Value derived from the
// record at From into the record at To. The snapshots are the records
// as observed at execution time and back re-validation at commit.
type Op struct {
	From     int
	To       int
	FromSnap Record
	ToSnap   Record
	Value    uint32
}

// ErrRevalidation is returned by CommitOps when the transaction's
// snapshots no longer match the committed state. The GTID has advanced;
// no record was written. Callers treat it exactly like an external
// certification rejection.
var ErrRevalidation = errors.New("store: re-validation failed")

// Config parametrizes Open.
type Config struct {
	// Records is the fixed record array size.
	Records int
	// Paranoid re-validates transactions even when the provider
	// advertises read-view support. A mismatch then indicates a
	// provider bug; it is counted and logged, never fatal.
	Paranoid bool
}

// Store is the aggregate replicated state.
type Store struct {
	mu       sync.Mutex
	gtid     gtid.GTID
	members  []uuid.UUID
	readView bool // provider assigns read views
	records  []Record

	// single-slot in-flight state snapshot, see AcquireState
	snapshot []byte

	paranoid  bool
	revalFail uint64 // atomic
}

// Open creates a store in the fully-undefined initial state. Records
// are seeded with their own index as value and an undefined version.
func Open(cfg Config) *Store {
	records := make([]Record, cfg.Records)
	for i := range records {
		records[i] = Record{Version: gtid.SeqnoUndefined, Value: uint32(i)}
	}
	return &Store{
		gtid:     gtid.Undefined,
		records:  records,
		paranoid: cfg.Paranoid,
	}
}

// GTID returns the current position.
func (s *Store) GTID() gtid.GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gtid
}

// Size returns the fixed record count.
func (s *Store) Size() int {
	return len(s.records)
}

// Read returns a snapshot copy of one record.
func (s *Store) Read(index int) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[index]
}

// ReadPair snapshots two records and the current GTID in a single
// critical section, so a transaction's first read doubles as its
// inferred read view.
func (s *Store) ReadPair(from, to int) (g gtid.GTID, fromRec, toRec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gtid, s.records[from], s.records[to]
}

// Members returns a copy of the current membership.
func (s *Store) Members() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.members))
	copy(out, s.members)
	return out
}

// HasReadView reports whether the current view's provider assigns
// read views.
func (s *Store) HasReadView() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readView
}

// RevalidationFailures returns the number of transactions discarded by
// local re-validation.
func (s *Store) RevalidationFailures() uint64 {
	return atomic.LoadUint64(&s.revalFail)
}

// updateGTID advances the position by exactly one. Must be called with
// s.mu held and only from inside the commit-order critical section.
// Any gap or reordering means the local state diverged from the
// replicated history and there is no safe recovery.
func (s *Store) updateGTID(g gtid.GTID) {
	if !gtid.SameHistory(s.gtid, g) {
		log.Panicf("store: commit from alien history: at %s, got %s", s.gtid, g)
	}
	s.gtid.Seqno++
	if s.gtid.Seqno != g.Seqno {
		log.Panicf("store: out of order commit: expected %d, got %d",
			s.gtid.Seqno, g.Seqno)
	}

	// ~2M commits between state hashes, same period as the audit logs
	// are collected with.
	const period = 0x1fffff
	if s.gtid.Seqno&period == 0 {
		log.Infof("store: seqno %d state hash %#010x", s.gtid.Seqno, s.checksum())
	}
}

// CommitOps finalizes one transaction: advances the GTID by one and
// applies every operation's destination write. When the provider has
// no read-view support (or the store is paranoid) each operation's
// snapshots are first compared against the committed state; any
// mismatch discards the whole transaction and returns ErrRevalidation
// with the GTID already advanced. An operation index outside the
// record array is a protocol violation and fatal.
func (s *Store) CommitOps(ops []Op, g gtid.GTID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range ops {
		op := &ops[i]
		if op.From < 0 || op.From >= len(s.records) ||
			op.To < 0 || op.To >= len(s.records) {
			log.Panicf("store: operation %d/%d at %s references records %d->%d outside of %d",
				i, len(ops), g, op.From, op.To, len(s.records))
		}
	}

	s.updateGTID(g)

	if !s.readView || s.paranoid {
		for i := range ops {
			op := &ops[i]
			if s.records[op.From] != op.FromSnap || s.records[op.To] != op.ToSnap {
				atomic.AddUint64(&s.revalFail, 1)
				log.Debugf("store: re-validation failed at %d: op %d/%d stale",
					g.Seqno, i, len(ops))
				return ErrRevalidation
			}
		}
	}

	for i := range ops {
		s.records[ops[i].To] = Record{Version: g.Seqno, Value: ops[i].Value}
	}
	return nil
}

// SkipTo accounts for an ordered event that must not be applied, for
// example a certification failure on the originating node.
func (s *Store) SkipTo(g gtid.GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateGTID(g)
}

// UpdateMembership installs a new primary view. The view must either
// continue the current history by exactly one event or initialize a
// fully-undefined store; any other relationship means this node's
// state diverged from the group and is fatal.
func (s *Store) UpdateMembership(v *provider.View) {
	if len(v.Members) == 0 {
		log.Panicf("store: primary view %s with no members", v.StateID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	continuation := gtid.IsContinuation(s.gtid, v.StateID)
	initialization := s.gtid.IsUndefined()

	if !continuation && !initialization {
		log.Panicf("store: view %s does not continue state %s", v.StateID, s.gtid)
	}

	members := make([]uuid.UUID, len(v.Members))
	for i := range v.Members {
		members[i] = v.Members[i].ID
	}

	s.members = members
	s.readView = v.Capabilities&provider.CapReadView != 0
	s.gtid = v.StateID
}

// InitGTID adopts a position out of band, for a joiner that is told it
// needs no state transfer. Only a fully-undefined store accepts it.
func (s *Store) InitGTID(g gtid.GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gtid.IsUndefined() {
		log.Panicf("store: init gtid %s over existing state %s", g, s.gtid)
	}
	s.gtid = g
}

// checksum folds members, records and the GTID into an FNV-32a hash
// for offline consistency auditing. Records are hashed in their
// big-endian wire form so all nodes agree. Called with s.mu held.
func (s *Store) checksum() uint32 {
	const prime = 16777619
	sum := uint32(2166136261)
	fold := func(bytes ...byte) {
		for _, b := range bytes {
			sum ^= uint32(b)
			sum *= prime
		}
	}

	for i := range s.members {
		fold(s.members[i][:]...)
	}
	for i := range s.records {
		r := &s.records[i]
		fold(byte(uint64(r.Version)>>56), byte(uint64(r.Version)>>48),
			byte(uint64(r.Version)>>40), byte(uint64(r.Version)>>32),
			byte(uint64(r.Version)>>24), byte(uint64(r.Version)>>16),
			byte(uint64(r.Version)>>8), byte(uint64(r.Version)))
		fold(byte(r.Value>>24), byte(r.Value>>16), byte(r.Value>>8), byte(r.Value))
	}
	fold(s.gtid.HistoryID[:]...)
	seqno := s.gtid.Seqno
	for i := 0; i < 8; i++ {
		fold(byte(seqno & 0xff))
		seqno >>= 8
	}
	return sum
}
