// Package node wires a store, a transaction engine and a replication
// provider into one replica: it implements the provider callbacks,
// tracks the synced state, and runs the master and slave worker pools.
package node

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/codelia/certnode/gtid"
	"github.com/codelia/certnode/provider"
	"github.com/codelia/certnode/sst"
	"github.com/codelia/certnode/store"
	"github.com/codelia/certnode/trx"
)

// Config parametrizes one node.
type Config struct {
	Name    string
	Address string // base address; SST listens on Address:0's host side
	SSTAddr string // explicit SST listen address, host:0 for a free port

	Records  int
	Paranoid bool

	// Operations per master transaction.
	Operations int
}

// Node is one replica.
type Node struct {
	cfg    Config
	store  *store.Store
	prov   provider.Provider
	engine *trx.Engine

	viewMu    sync.Mutex
	connected gtid.GTID // group position seen at connect, out of order

	syncedMu   sync.Mutex
	syncedCond *sync.Cond
	// synced is a latch: 0 waiting, 1 synced, -1 leaving. Master
	// workers run only at 1 and exit at -1.
	synced int

	stats stats
}

// New builds a node around an initialized provider instance. The
// provider's callbacks must be registered to the returned node via
// Init before Connect.
func New(cfg Config, prov provider.Provider) *Node {
	if cfg.Operations <= 0 {
		cfg.Operations = 1
	}
	if cfg.SSTAddr == "" {
		cfg.SSTAddr = "127.0.0.1:0"
	}
	n := &Node{
		cfg:   cfg,
		store: store.Open(store.Config{Records: cfg.Records, Paranoid: cfg.Paranoid}),
		prov:  prov,
	}
	n.engine = trx.NewEngine(n.store, prov)
	n.syncedCond = sync.NewCond(&n.syncedMu)
	return n
}

// Init registers the node with its provider.
func (n *Node) Init() provider.Status {
	return n.prov.Init(&provider.Config{
		NodeName:    n.cfg.Name,
		NodeAddress: n.cfg.Address,
		ProtoVer:    0,
		StateID:     n.store.GTID(),
	}, n)
}

// Connect joins the cluster. With bootstrap the node forms a new
// primary component on its own.
func (n *Node) Connect(clusterName, address string, bootstrap bool) provider.Status {
	ret := n.prov.Connect(clusterName, address, bootstrap)
	if ret != provider.OK {
		log.Errorf("node %s: connect to %q failed: %v", n.cfg.Name, address, ret)
	}
	return ret
}

// Disconnect latches the synced state to "leaving", which stops master
// workers after their current attempt, and closes the provider
// connection so slave Recv loops drain and return.
func (n *Node) Disconnect() provider.Status {
	n.syncedMu.Lock()
	n.synced = -1
	n.syncedCond.Broadcast()
	n.syncedMu.Unlock()

	ret := n.prov.Disconnect()
	if ret != provider.OK {
		// slave loops will never return past a dead connection
		log.Panicf("node %s: disconnect failed: %v", n.cfg.Name, ret)
	}
	return ret
}

// Store exposes the replicated state.
func (n *Node) Store() *store.Store { return n.store }

// Engine exposes the transaction engine.
func (n *Node) Engine() *trx.Engine { return n.engine }

// ConnectedGTID returns the group position recorded by the connected
// callback.
func (n *Node) ConnectedGTID() gtid.GTID {
	n.viewMu.Lock()
	defer n.viewMu.Unlock()
	return n.connected
}

// waitSynced blocks until the node is synced or leaving; true means
// synced.
func (n *Node) waitSynced() bool {
	n.syncedMu.Lock()
	defer n.syncedMu.Unlock()
	for n.synced == 0 {
		n.syncedCond.Wait()
	}
	return n.synced > 0
}

// Connected records the group position before state transfer; the SST
// logic may need it out of order.
func (n *Node) Connected(v *provider.View) provider.Status {
	log.Infof("node %s: connected at %s to %s group of %d member(s)",
		n.cfg.Name, v.StateID, v.Status, len(v.Members))

	n.viewMu.Lock()
	n.connected = v.StateID
	n.viewMu.Unlock()
	return provider.OK
}

// ViewChanged installs a membership change. Delivered in total order
// isolation; a primary view becomes part of the replicated state.
func (n *Node) ViewChanged(v *provider.View) provider.Status {
	log.Infof("node %s: new view: state %s (%s), capabilities [%s], members %d",
		n.cfg.Name, v.StateID, v.Status, v.Capabilities, len(v.Members))
	for i := range v.Members {
		marker := "  "
		if i == v.MyIndex {
			marker = " *"
		}
		log.Infof("node %s:%s %d: %s %q", n.cfg.Name, marker, i,
			v.Members[i].ID, v.Members[i].Name)
	}

	if v.Status == provider.ViewPrimary {
		n.store.UpdateMembership(v)
	}
	return provider.OK
}

// Synced flips the latch once; later notifications are no-ops, and a
// node that is already leaving stays leaving.
func (n *Node) Synced() provider.Status {
	n.syncedMu.Lock()
	defer n.syncedMu.Unlock()
	if n.synced == 0 {
		log.Infof("node %s: became synced at %s", n.cfg.Name, n.store.GTID())
		n.synced = 1
		n.syncedCond.Broadcast()
	}
	return provider.OK
}

// Apply finalizes one ordered event from the provider's recv loop.
func (n *Node) Apply(recvCtx interface{}, h *provider.WSHandle, flags provider.WSFlags,
	ws []byte, meta *provider.TrxMeta) (bool, provider.Status) {

	ret := n.engine.Apply(h, flags, ws, meta)
	if ret == provider.OK && ws != nil {
		n.stats.applied.Add(1)
	}

	exit := false
	if w, ok := recvCtx.(*worker); ok {
		exit = w.exiting()
	}
	if ret != provider.OK {
		return exit, ret
	}
	return exit, provider.OK
}

// SSTRequest prepares the node to receive a snapshot and returns its
// transfer address. The receiver is listening by the time this
// returns.
func (n *Node) SSTRequest() ([]byte, provider.Status) {
	return sst.StartJoiner(n.store, n.prov, n.cfg.SSTAddr)
}

// SSTDonate serves a snapshot to a joiner.
func (n *Node) SSTDonate(req []byte, state gtid.GTID, bypass bool) provider.Status {
	return sst.Donate(n.store, n.prov, req, state, bypass)
}

var _ provider.Callbacks = (*Node)(nil)
