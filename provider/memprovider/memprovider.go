// Package memprovider is an in-memory replication provider: a hub that
// totally orders writesets across the node instances attached to it,
// certifies them first-committer-wins against their read views, and
// drives the node callbacks exactly like an external provider would.
// It backs unit tests and the in-process demo cluster; it is not a
// network replicator.
package memprovider

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/btree"

	"github.com/codelia/certnode/gtid"
	"github.com/codelia/certnode/provider"
)

// Capabilities advertised with every view.
const hubCaps = provider.CapMultiMaster | provider.CapCertification |
	provider.CapReadView | provider.CapSnapshot

const clusterProtoVer = 1

type certEntry struct {
	key   string
	seqno int64
}

// Hub is the shared ordering and certification core.
type Hub struct {
	mu        sync.Mutex
	historyID uuid.UUID
	seqno     int64 // last assigned position
	lastSeen  *btree.BTreeG[certEntry]
	members   []*Provider

	// BypassSST makes donors skip the bulk transfer. Only meaningful
	// when every joiner already holds state of the hub's history.
	BypassSST bool

	// NoReadView drops CapReadView from advertised capabilities, so
	// attached nodes fall back to local re-validation.
	NoReadView bool
}

func NewHub() *Hub {
	return &Hub{
		historyID: uuid.New(),
		seqno:     gtid.SeqnoUndefined,
		lastSeen: btree.NewBTreeG(func(a, b certEntry) bool {
			return a.key < b.key
		}),
	}
}

func (h *Hub) caps() provider.Capability {
	if h.NoReadView {
		return hubCaps &^ provider.CapReadView
	}
	return hubCaps
}

// position returns the hub GTID. Callers hold h.mu.
func (h *Hub) position() gtid.GTID {
	return gtid.GTID{HistoryID: h.historyID, Seqno: h.seqno}
}

// NewProvider attaches a fresh, unconnected provider instance.
func (h *Hub) NewProvider() *Provider {
	p := &Provider{hub: h}
	p.queueCond = sync.NewCond(&p.mu)
	p.orderCond = sync.NewCond(&p.orderMu)
	p.donateCond = sync.NewCond(&p.donateMu)
	return p
}

// view builds the current membership view. Callers hold h.mu.
func (h *Hub) view(me *Provider) *provider.View {
	v := &provider.View{
		StateID:      h.position(),
		Status:       provider.ViewPrimary,
		Capabilities: h.caps(),
		ProtoVer:     clusterProtoVer,
		MyIndex:      -1,
	}
	for i, m := range h.members {
		v.Members = append(v.Members, provider.Member{
			ID:   m.id,
			Name: m.cfg.NodeName,
		})
		if m == me {
			v.MyIndex = i
		}
	}
	return v
}

const (
	eventWS = iota
	eventView
	eventSynced
	eventDonate
)

type event struct {
	kind    int
	seqno   int64
	flags   provider.WSFlags
	ws      []byte // nil: ordered but skipped
	depends int64
	view    *provider.View
	sstReq  []byte // eventDonate: joiner request message
}

// wsInfo accumulates one transaction between AppendKey and Certify.
type wsInfo struct {
	keys     []provider.Key
	data     []byte
	readView int64
	hasView  bool
}

// Provider is one node's attachment to the hub. It implements
// provider.Provider.
type Provider struct {
	hub *Hub
	id  uuid.UUID
	cfg provider.Config
	cb  provider.Callbacks

	mu        sync.Mutex
	queueCond *sync.Cond
	queue     []event
	connected bool
	closed    bool
	// ready gates event delivery: a joiner must not apply queued
	// events before its state transfer fixed applyFrom.
	ready     bool
	applyFrom int64 // events at or below this position are in the state already

	orderMu    sync.Mutex
	orderCond  *sync.Cond
	nextCommit int64

	// donating serializes donations: the node has a single snapshot
	// slot, so a donor stays in the donor role until SSTSent.
	donateMu   sync.Mutex
	donateCond *sync.Cond
	donating   bool

	trxMu sync.Mutex
	trxs  map[uint64]*wsInfo
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) Init(cfg *provider.Config, cb provider.Callbacks) provider.Status {
	p.id = uuid.New()
	p.cfg = *cfg
	p.cb = cb
	p.trxs = make(map[uint64]*wsInfo)
	return provider.OK
}

func (p *Provider) Connect(clusterName, address string, bootstrap bool) provider.Status {
	hub := p.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if p.cb == nil {
		return provider.Fatal
	}
	if len(hub.members) == 0 && !bootstrap {
		log.Errorf("memprovider: %s: no group %q to join and not bootstrapping",
			p.cfg.NodeName, clusterName)
		return provider.ConnFail
	}

	p.cb.Connected(&provider.View{
		StateID:      hub.position(),
		Status:       provider.ViewPrimary,
		Capabilities: hub.caps(),
		ProtoVer:     clusterProtoVer,
	})

	joining := len(hub.members) > 0
	var donor *Provider
	var sstReq []byte
	if joining {
		// The joiner must be listening before the view is published,
		// otherwise the donation could race past it.
		req, ret := p.cb.SSTRequest()
		if ret != provider.OK {
			return ret
		}
		sstReq = req
		donor = hub.members[0]
	}

	hub.members = append(hub.members, p)
	hub.seqno++
	view := hub.view(nil)

	p.mu.Lock()
	p.connected = true
	p.closed = false
	if !joining {
		// nothing precedes the first view, deliver from the start
		p.ready = true
		p.applyFrom = view.StateID.Seqno - 1
	}
	p.mu.Unlock()

	p.orderMu.Lock()
	p.nextCommit = view.StateID.Seqno
	p.orderMu.Unlock()

	for _, m := range hub.members {
		m.enqueue(event{kind: eventView, seqno: view.StateID.Seqno, view: hub.view(m)})
	}

	if joining {
		donor.enqueue(event{
			kind:   eventDonate,
			seqno:  view.StateID.Seqno,
			sstReq: sstReq,
		})
	} else {
		p.enqueue(event{kind: eventSynced})
	}
	return provider.OK
}

func (p *Provider) Disconnect() provider.Status {
	hub := p.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for i, m := range hub.members {
		if m == p {
			hub.members = append(hub.members[:i], hub.members[i+1:]...)
			break
		}
	}

	p.mu.Lock()
	p.connected = false
	p.closed = true
	p.queueCond.Broadcast()
	p.mu.Unlock()

	p.orderMu.Lock()
	p.orderCond.Broadcast()
	p.orderMu.Unlock()

	p.donateMu.Lock()
	p.donateCond.Broadcast()
	p.donateMu.Unlock()

	if len(hub.members) > 0 {
		hub.seqno++
		view := hub.view(nil)
		for _, m := range hub.members {
			m.enqueue(event{kind: eventView, seqno: view.StateID.Seqno, view: hub.view(m)})
		}
	}
	return provider.OK
}

func (p *Provider) Free() {
	p.trxMu.Lock()
	p.trxs = nil
	p.trxMu.Unlock()
}

func (p *Provider) enqueue(ev event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, ev)
	p.queueCond.Broadcast()
}

// dequeue blocks for the next deliverable event. Events already
// covered by the installed state are dropped here.
func (p *Provider) dequeue() (event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for len(p.queue) == 0 || !p.ready {
			if p.closed && len(p.queue) == 0 {
				return event{}, false
			}
			if p.closed && !p.ready {
				return event{}, false
			}
			p.queueCond.Wait()
		}
		ev := p.queue[0]
		p.queue = p.queue[1:]
		if ev.kind == eventWS || ev.kind == eventView {
			if ev.seqno <= p.applyFrom {
				continue // already part of the installed state
			}
		}
		return ev, true
	}
}

// waitCommitted blocks until the local commit order has advanced past
// seqno.
func (p *Provider) waitCommitted(seqno int64) bool {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	for p.nextCommit <= seqno && !p.isClosed() {
		p.orderCond.Wait()
	}
	return !p.isClosed()
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Recv runs the ingest loop: it pops ordered events and drives the
// node callbacks. Returns when the node disconnects or the apply
// callback requests exit.
func (p *Provider) Recv(recvCtx interface{}) provider.Status {
	for {
		ev, ok := p.dequeue()
		if !ok {
			return provider.OK
		}

		switch ev.kind {
		case eventView:
			// views are ordered events: hold their position in the
			// commit order like any writeset
			meta := provider.TrxMeta{GTID: gtid.GTID{
				HistoryID: p.hub.historyID, Seqno: ev.seqno}}
			h := provider.WSHandle{}
			if ret := p.CommitOrderEnter(&h, &meta); ret != provider.OK {
				return ret
			}
			p.cb.ViewChanged(ev.view)
			p.CommitOrderLeave(&h, &meta, nil)

		case eventSynced:
			p.cb.Synced()

		case eventDonate:
			// donate only once the view that added the joiner is in
			// the donor's state, so the snapshot covers everything
			// the joiner will not see on its queue
			if !p.waitCommitted(ev.seqno) {
				return provider.OK
			}
			// one donation at a time: the previous send may still be
			// on the wire, holding the node's snapshot slot
			if !p.donorReserve() {
				return provider.OK
			}
			state := gtid.GTID{HistoryID: p.hub.historyID, Seqno: ev.seqno}
			if ret := p.cb.SSTDonate(ev.sstReq, state, p.hub.BypassSST); ret != provider.OK {
				log.Errorf("memprovider: %s: donation failed: %v", p.cfg.NodeName, ret)
				p.donorRelease()
			}

		case eventWS:
			meta := provider.TrxMeta{
				GTID:      gtid.GTID{HistoryID: p.hub.historyID, Seqno: ev.seqno},
				DependsOn: ev.depends,
			}
			h := provider.WSHandle{}
			exit, ret := p.cb.Apply(recvCtx, &h, ev.flags, ev.ws, &meta)
			if ret != provider.OK {
				log.Errorf("memprovider: %s: apply at %d returned %v",
					p.cfg.NodeName, ev.seqno, ret)
			}
			if exit {
				return provider.OK
			}
		}
	}
}

func (p *Provider) trx(h *provider.WSHandle, create bool) *wsInfo {
	p.trxMu.Lock()
	defer p.trxMu.Unlock()
	if p.trxs == nil {
		return nil
	}
	info := p.trxs[h.TrxID]
	if info == nil && create {
		info = &wsInfo{readView: gtid.SeqnoUndefined}
		p.trxs[h.TrxID] = info
	}
	return info
}

func (p *Provider) AppendKey(h *provider.WSHandle, key provider.Key) provider.Status {
	info := p.trx(h, true)
	if info == nil {
		return provider.Fatal
	}
	info.keys = append(info.keys, key)
	return provider.OK
}

func (p *Provider) AppendData(h *provider.WSHandle, data []byte) provider.Status {
	info := p.trx(h, true)
	if info == nil {
		return provider.Fatal
	}
	info.data = append(info.data, data...)
	return provider.OK
}

func (p *Provider) AssignReadView(h *provider.WSHandle, g *gtid.GTID) provider.Status {
	info := p.trx(h, true)
	if info == nil {
		return provider.Fatal
	}
	if g != nil {
		if g.HistoryID != p.hub.historyID {
			return provider.NodeFail
		}
		info.readView = g.Seqno
	} else {
		p.hub.mu.Lock()
		info.readView = p.hub.seqno
		p.hub.mu.Unlock()
	}
	info.hasView = true
	return provider.OK
}

// Certify orders the writeset and runs first-committer-wins
// certification: any key seen by a transaction committed after this
// transaction's read view is a conflict. A certification failure is
// still an ordered event; every member accounts for it.
func (p *Provider) Certify(connID uint64, h *provider.WSHandle, flags provider.WSFlags, meta *provider.TrxMeta) provider.Status {
	info := p.trx(h, false)
	if info == nil {
		return provider.TrxMissing
	}

	hub := p.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if !p.isConnected() {
		return provider.ConnFail
	}

	readView := info.readView
	if !info.hasView {
		// no read view assigned: certification cannot see conflicts
		// that predate replication, the node re-validates locally
		readView = hub.seqno
	}

	hub.seqno++
	seqno := hub.seqno
	meta.GTID = gtid.GTID{HistoryID: hub.historyID, Seqno: seqno}
	meta.DependsOn = readView

	failed := false
	for _, key := range info.keys {
		for _, part := range key.Parts {
			if last, ok := hub.lastSeen.Get(certEntry{key: string(part)}); ok &&
				last.seqno > readView {
				failed = true
			}
		}
	}
	if !failed {
		for _, key := range info.keys {
			if key.Type != provider.KeyUpdate {
				continue
			}
			for _, part := range key.Parts {
				hub.lastSeen.Set(certEntry{key: string(part), seqno: seqno})
			}
		}
	}

	ev := event{kind: eventWS, seqno: seqno, flags: flags, depends: readView}
	if failed {
		ev.flags |= provider.FlagRollback
	} else {
		ev.ws = info.data
	}
	for _, m := range hub.members {
		if m != p {
			m.enqueue(ev)
		}
	}

	if failed {
		return provider.TrxFail
	}
	return provider.OK
}

func (p *Provider) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Provider) CommitOrderEnter(h *provider.WSHandle, meta *provider.TrxMeta) provider.Status {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	for meta.GTID.Seqno != p.nextCommit {
		if p.isClosed() {
			return provider.ConnFail
		}
		if meta.GTID.Seqno < p.nextCommit {
			log.Panicf("memprovider: %s: commit order entered twice for %d (at %d)",
				p.cfg.NodeName, meta.GTID.Seqno, p.nextCommit)
		}
		p.orderCond.Wait()
	}
	return provider.OK
}

func (p *Provider) CommitOrderLeave(h *provider.WSHandle, meta *provider.TrxMeta, applyErr error) provider.Status {
	if applyErr != nil {
		log.Debugf("memprovider: %s: event %d voted down: %v",
			p.cfg.NodeName, meta.GTID.Seqno, applyErr)
	}
	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	if meta.GTID.Seqno != p.nextCommit {
		log.Panicf("memprovider: %s: commit order left out of turn: %d at %d",
			p.cfg.NodeName, meta.GTID.Seqno, p.nextCommit)
	}
	p.nextCommit++
	p.orderCond.Broadcast()
	return provider.OK
}

func (p *Provider) Release(h *provider.WSHandle) provider.Status {
	p.trxMu.Lock()
	defer p.trxMu.Unlock()
	if p.trxs != nil {
		delete(p.trxs, h.TrxID)
	}
	return provider.OK
}

// donorReserve claims the donor role until the matching SSTSent
// arrives. False means the provider closed while waiting.
func (p *Provider) donorReserve() bool {
	p.donateMu.Lock()
	defer p.donateMu.Unlock()
	for p.donating {
		if p.isClosed() {
			return false
		}
		p.donateCond.Wait()
	}
	if p.isClosed() {
		return false
	}
	p.donating = true
	return true
}

func (p *Provider) donorRelease() {
	p.donateMu.Lock()
	p.donating = false
	p.donateCond.Broadcast()
	p.donateMu.Unlock()
}

func (p *Provider) SSTSent(state gtid.GTID, sstErr error) provider.Status {
	p.donorRelease()
	if sstErr != nil {
		log.Errorf("memprovider: %s: donor reported failure at %s: %v",
			p.cfg.NodeName, state, sstErr)
		return provider.OK
	}
	log.Infof("memprovider: %s: donation at %s complete", p.cfg.NodeName, state)
	return provider.OK
}

// SSTReceived unblocks the joiner's event delivery: everything at or
// below the installed position is dropped, everything after applies in
// order, and the node is told it is synced once the backlog drains.
func (p *Provider) SSTReceived(state gtid.GTID, sstErr error) provider.Status {
	if sstErr != nil {
		log.Errorf("memprovider: %s: joiner reported failure: %v",
			p.cfg.NodeName, sstErr)
		return provider.NodeFail
	}
	if state.HistoryID != p.hub.historyID {
		log.Errorf("memprovider: %s: received state of alien history %s",
			p.cfg.NodeName, state)
		return provider.NodeFail
	}

	p.orderMu.Lock()
	p.nextCommit = state.Seqno + 1
	p.orderCond.Broadcast()
	p.orderMu.Unlock()

	p.mu.Lock()
	p.applyFrom = state.Seqno
	p.ready = true
	p.queueCond.Broadcast()
	p.mu.Unlock()

	p.enqueue(event{kind: eventSynced})
	return provider.OK
}
