package node

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codelia/certnode/provider"
)

// WorkerKind selects a pool's role.
type WorkerKind int

const (
	// Slave workers run the provider's blocking recv loop and apply
	// the ordered stream.
	Slave WorkerKind = iota
	// Master workers generate transactions once the node is synced.
	Master
)

func (k WorkerKind) String() string {
	if k == Slave {
		return "slave"
	}
	return "master"
}

const certRetryDelay = 10 * time.Millisecond

type worker struct {
	node *Node
	kind WorkerKind
	id   uint64
	exit atomic.Bool
}

func (w *worker) exiting() bool { return w.exit.Load() }

// WorkerPool is a set of long-lived worker threads of one kind.
type WorkerPool struct {
	kind    WorkerKind
	workers []*worker
	wg      sync.WaitGroup
}

// StartWorkers launches a pool of count workers. The returned pool is
// joined with Stop.
func (n *Node) StartWorkers(kind WorkerKind, count int) *WorkerPool {
	pool := &WorkerPool{kind: kind}
	for i := 0; i < count; i++ {
		w := &worker{node: n, kind: kind, id: uint64(i)}
		pool.workers = append(pool.workers, w)
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			if kind == Slave {
				w.runSlave()
			} else {
				w.runMaster()
			}
		}()
	}
	return pool
}

// Stop asks slave workers to leave their recv loop at the next event
// and joins the pool. Master workers exit through the node's synced
// latch turning negative on disconnect.
func (p *WorkerPool) Stop() {
	for _, w := range p.workers {
		w.exit.Store(true)
	}
	p.wg.Wait()
}

// Size returns the number of running workers.
func (p *WorkerPool) Size() int { return len(p.workers) }

func (w *worker) runSlave() {
	ret := w.node.prov.Recv(w)
	if ret != provider.OK {
		log.Errorf("node %s: slave worker %d exited: %v",
			w.node.cfg.Name, w.id, ret)
	}
}

// runMaster generates transactions for the node's lifetime: wait for
// sync, then execute and retry certification failures after a short
// nap. A connection failure sends it back to waiting; anything worse
// ends the worker.
func (w *worker) runMaster() {
	n := w.node
	for {
		if !n.waitSynced() {
			log.Infof("node %s: master worker %d: node is leaving",
				n.cfg.Name, w.id)
			return
		}

		var ret provider.Status
		for {
			n.stats.executed.Add(1)
			ret = n.engine.Execute(w.id, n.cfg.Operations)
			if ret == provider.OK {
				n.stats.committed.Add(1)
				continue
			}
			if ret == provider.TrxFail {
				n.stats.certFailures.Add(1)
				time.Sleep(certRetryDelay)
				continue
			}
			break
		}

		if ret != provider.ConnFail {
			log.Errorf("node %s: master worker %d exited: %v",
				n.cfg.Name, w.id, ret)
			return
		}
		// non-primary or similar; wait for the cluster to come back
	}
}
