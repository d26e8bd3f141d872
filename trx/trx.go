// Package trx drives transactions through the certification pipeline:
// building writesets against a read view, submitting them for
// certification, and finalizing them inside the commit-order critical
// section. The same commit-order discipline applies writesets arriving
// from other nodes.
package trx

import (
	"encoding/binary"
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/codelia/certnode/provider"
	"github.com/codelia/certnode/store"
)

// Journal, when set, records every committed writeset by seqno.
type Journal interface {
	Append(seqno int64, ws []byte) error
}

// Engine ties a store to its replication provider.
type Engine struct {
	store   *store.Store
	prov    provider.Provider
	reg     *Registry
	journal Journal
}

func NewEngine(st *store.Store, prov provider.Provider) *Engine {
	return &Engine{store: st, prov: prov, reg: NewRegistry()}
}

// SetJournal attaches a committed-writeset journal. Not safe to call
// once workers are running.
func (e *Engine) SetJournal(j Journal) { e.journal = j }

// Registry exposes the in-flight transaction table, mainly to tests.
func (e *Engine) Registry() *Registry { return e.reg }

func keyPart(index int) []byte {
	var part [4]byte
	binary.BigEndian.PutUint32(part[:], uint32(index))
	return part[:]
}

// buildWriteset picks opCount random operations, snapshots the records
// they touch and appends keys and payload to the provider handle. The
// first read fixes the transaction's read view at the store position;
// it is handed to the provider when the capability is there and backs
// local re-validation otherwise.
func (e *Engine) buildWriteset(ctx *Context, h *provider.WSHandle, opCount int) provider.Status {
	size := e.store.Size()

	for i := 0; i < opCount; i++ {
		from := rand.Intn(size)
		to := rand.Intn(size)

		g, fromRec, toRec := e.store.ReadPair(from, to)

		if i == 0 {
			ctx.ReadView = g
			if e.store.HasReadView() {
				if ret := e.prov.AssignReadView(h, &ctx.ReadView); ret != provider.OK {
					return ret
				}
			}
		}

		op := store.Op{
			From:     from,
			To:       to,
			FromSnap: fromRec,
			ToSnap:   toRec,
			Value:    fromRec.Value + 1,
		}
		ctx.Ops = append(ctx.Ops, op)

		ret := e.prov.AppendKey(h, provider.Key{
			Type:  provider.KeyReference,
			Parts: [][]byte{keyPart(from)},
		})
		if ret != provider.OK {
			return ret
		}
		ret = e.prov.AppendKey(h, provider.Key{
			Type:  provider.KeyUpdate,
			Parts: [][]byte{keyPart(to)},
		})
		if ret != provider.OK {
			return ret
		}
		ret = e.prov.AppendData(h, EncodeWriteset(ctx.Ops[i:i+1]))
		if ret != provider.OK {
			return ret
		}
	}
	return provider.OK
}

// Execute runs one complete master transaction: build, certify, and
// either commit or account for the ordered-but-rejected event. The
// returned status is OK, TrxFail for a certification loss (the caller
// may retry with a new transaction), or a connection/node failure.
func (e *Engine) Execute(connID uint64, opCount int) provider.Status {
	ctx := e.reg.Create()
	h := &provider.WSHandle{TrxID: ctx.ID}
	defer func() {
		e.reg.Forget(ctx.ID)
		e.prov.Release(h)
	}()

	ret := e.buildWriteset(ctx, h, opCount)
	if ret != provider.OK {
		return ret
	}

	var meta provider.TrxMeta
	cert := e.prov.Certify(connID, h,
		provider.FlagTrxStart|provider.FlagTrxEnd, &meta)

	switch cert {
	case provider.OK, provider.TrxFail:
		// ordered either way, fall through to commit order
	case provider.BFAbort:
		// lost a conflict before ordering, nothing to account for
		return provider.TrxFail
	default:
		return cert
	}

	if !meta.GTID.Ordered() {
		log.Panicf("trx: certify returned %v without ordering", cert)
	}

	if ret = e.prov.CommitOrderEnter(h, &meta); ret != provider.OK {
		return ret
	}

	var applyErr error
	if cert == provider.OK {
		applyErr = e.store.CommitOps(ctx.Ops, meta.GTID)
		if applyErr == nil && e.journal != nil {
			if err := e.journal.Append(meta.GTID.Seqno, EncodeWriteset(ctx.Ops)); err != nil {
				log.Errorf("trx: journal append at %d: %v", meta.GTID.Seqno, err)
			}
		}
	} else {
		e.store.SkipTo(meta.GTID)
	}

	if ret = e.prov.CommitOrderLeave(h, &meta, applyErr); ret != provider.OK {
		return ret
	}

	if cert != provider.OK || applyErr != nil {
		return provider.TrxFail
	}
	return provider.OK
}

// Apply finalizes one ordered event from the replicated stream. A nil
// writeset means the event was ordered but must be skipped (it failed
// certification on its originating node); the GTID is still accounted
// for. A writeset that does not divide into whole operation records is
// a protocol violation and fatal.
func (e *Engine) Apply(h *provider.WSHandle, flags provider.WSFlags, ws []byte, meta *provider.TrxMeta) provider.Status {
	if !meta.GTID.Ordered() {
		log.Panicf("trx: apply of unordered event %s", meta.GTID)
	}

	var ops []store.Op
	commit := ws != nil && flags&provider.FlagRollback == 0
	if commit {
		var err error
		if ops, err = DecodeWriteset(ws); err != nil {
			log.Panicf("trx: malformed writeset at %s: %v", meta.GTID, err)
		}
	}

	if ret := e.prov.CommitOrderEnter(h, meta); ret != provider.OK {
		return ret
	}

	var applyErr error
	if commit {
		applyErr = e.store.CommitOps(ops, meta.GTID)
		if applyErr == nil && e.journal != nil {
			if err := e.journal.Append(meta.GTID.Seqno, ws); err != nil {
				log.Errorf("trx: journal append at %d: %v", meta.GTID.Seqno, err)
			}
		}
	} else {
		e.store.SkipTo(meta.GTID)
	}

	return e.prov.CommitOrderLeave(h, meta, applyErr)
}
