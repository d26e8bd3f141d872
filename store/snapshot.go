package store

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/codelia/certnode/gtid"
)

// AcquireState serializes the whole store into an immutable buffer and
// caches it in the single in-flight snapshot slot. The store mutex is
// held only for the copy; the buffer stays valid until ReleaseState.
// At most one snapshot may be outstanding: a second acquisition is a
// programming-contract violation, not a recoverable error.
func (s *Store) AcquireState() ([]byte, gtid.GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot != nil {
		log.Panicf("store: state snapshot already acquired")
	}

	st := State{
		GTID:     s.gtid,
		Members:  s.members,
		ReadView: s.readView,
		Records:  s.records,
	}
	s.snapshot = st.Encode()

	log.Infof("store: prepared state snapshot of %d records at %s",
		len(s.records), s.gtid)
	return s.snapshot, s.gtid
}

// ReleaseState frees the in-flight snapshot slot.
func (s *Store) ReleaseState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		log.Panicf("store: releasing state snapshot that was never acquired")
	}
	s.snapshot = nil
}

// InitState installs a received state snapshot: membership, records
// and GTID are replaced atomically under the store mutex. A snapshot
// that is strictly older than the store's position on the same history
// is rejected without any mutation.
func (s *Store) InitState(buf []byte) error {
	st, err := DecodeState(buf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gtid.SameHistory(st.GTID, s.gtid) && st.GTID.Seqno < s.gtid.Seqno {
		return fmt.Errorf("%w: at %d, received %d",
			ErrStateStale, s.gtid.Seqno, st.GTID.Seqno)
	}

	s.members = st.Members
	s.readView = st.ReadView
	s.records = st.Records
	s.gtid = st.GTID
	return nil
}
