// Package provider defines the boundary between the node and its
// replication provider: the calls the node makes to replicate and order
// writesets, and the callbacks the provider drives into the node. The
// provider itself (certification algorithm, group communication) is a
// black box behind this contract.
package provider

import (
	"strings"

	"github.com/google/uuid"

	"github.com/codelia/certnode/gtid"
)

// Status is the outcome of a provider call or callback.
type Status int

const (
	// OK means success.
	OK Status = iota
	// Warning means an operation failed in a recoverable way.
	Warning
	// TrxMissing means the handle names no known transaction.
	TrxMissing
	// TrxFail means certification failed; the transaction was ordered
	// but must not apply and has to roll back locally.
	TrxFail
	// BFAbort means the transaction lost a conflict before ordering;
	// it has no GTID and must roll back immediately.
	BFAbort
	// ConnFail means the provider connection is in a bad state
	// (for example a non-primary view); retry may help later.
	ConnFail
	// NodeFail means this node is in an unrecoverable state.
	NodeFail
	// Fatal means the provider itself is in an unrecoverable state.
	Fatal
	// NotImplemented means the call is not supported by the provider.
	NotImplemented
)

var statusNames = [...]string{
	"success", "warning", "trx missing", "certification failure",
	"bf abort", "connection failure", "node failure", "fatal",
	"not implemented",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown status"
	}
	return statusNames[s]
}

// Capability bits advertised by the provider with every view.
type Capability uint32

const (
	CapMultiMaster Capability = 1 << iota
	CapCertification
	CapParallelApplying
	CapTrxReplay
	CapIsolation
	CapPause
	CapCausalReads
	// CapReadView means the provider can assign a causally consistent
	// read view to a transaction, making local re-validation redundant.
	CapReadView
	CapIncremental
	CapSnapshot
)

var capabilityNames = [...]string{
	"MULTI-MASTER", "CERTIFICATION", "PA", "REPLAY", "TOI", "PAUSE",
	"CAUSAL-READS", "READ-VIEW", "INCREMENTAL", "SNAPSHOT",
}

func (c Capability) String() string {
	var names []string
	for i, name := range capabilityNames {
		if c&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// ViewStatus describes the group component this node is part of.
type ViewStatus int

const (
	ViewPrimary ViewStatus = iota
	ViewNonPrimary
	ViewDisconnected
)

var viewStatusNames = [...]string{"PRIMARY", "NON-PRIMARY", "DISCONNECTED"}

func (v ViewStatus) String() string {
	if v < 0 || int(v) >= len(viewStatusNames) {
		return "UNKNOWN"
	}
	return viewStatusNames[v]
}

// Member is one group member as seen by the provider.
type Member struct {
	ID       uuid.UUID
	Name     string
	Incoming string
}

// View is a point-in-time description of group membership. Views are
// delivered in total order with the rest of the replicated stream and
// are versioned by StateID.
type View struct {
	StateID      gtid.GTID
	Status       ViewStatus
	Capabilities Capability
	ProtoVer     int
	Members      []Member
	MyIndex      int
}

// KeyType tells the certification algorithm how a key is accessed.
type KeyType int

const (
	// KeyReference marks a key the transaction read but did not change.
	KeyReference KeyType = iota
	// KeyUpdate marks a key the transaction overwrites.
	KeyUpdate
)

// Key is a certification key: an opaque, possibly multi-part identifier
// of a data item touched by a transaction.
type Key struct {
	Type  KeyType
	Parts [][]byte
}

// WSFlags qualify a writeset handed to Certify or delivered to Apply.
type WSFlags uint32

const (
	// FlagTrxStart marks the first fragment of a transaction.
	FlagTrxStart WSFlags = 1 << iota
	// FlagTrxEnd marks the last fragment of a transaction.
	FlagTrxEnd
	// FlagRollback marks an ordered event whose transaction must not
	// apply (it failed certification on the originating node).
	FlagRollback
)

// WSHandle identifies one in-flight writeset. TrxID is an opaque
// node-assigned handle; Opaque is for provider bookkeeping.
type WSHandle struct {
	TrxID  uint64
	Opaque interface{}
}

// TrxMeta is the ordering information assigned to a certified writeset.
type TrxMeta struct {
	// GTID is the position assigned by the global order.
	GTID gtid.GTID
	// DependsOn is the seqno of the last event this writeset depends
	// on, i.e. its read view as established by certification.
	DependsOn int64
}

// Config is passed to Init.
type Config struct {
	NodeName    string
	NodeAddress string
	DataDir     string
	Options     string
	ProtoVer    int
	// StateID is the node's position recovered from a previous
	// incarnation, or gtid.Undefined.
	StateID gtid.GTID
}

// Callbacks is implemented by the node and driven by the provider.
// View and apply callbacks are invoked in total order; the rest are
// unordered notifications.
type Callbacks interface {
	// Connected reports the group state right after joining, before
	// any state transfer. Out of order with the replicated stream.
	Connected(v *View) Status

	// ViewChanged delivers a membership change. It is called in total
	// order isolation and must be idempotent.
	ViewChanged(v *View) Status

	// Synced reports that the node has caught up with the group.
	Synced() Status

	// Apply delivers one ordered writeset on a Recv thread. A nil ws
	// means the event is ordered but must be skipped. The returned
	// exit flag makes the surrounding Recv loop return.
	Apply(recvCtx interface{}, h *WSHandle, flags WSFlags, ws []byte, meta *TrxMeta) (exit bool, s Status)

	// SSTRequest asks the node to prepare for a state transfer and
	// return a request message (typically its transfer address). By
	// the time it returns the node must be ready to receive.
	SSTRequest() ([]byte, Status)

	// SSTDonate asks the node to serve a state transfer to the joiner
	// described by req. If bypass is true no bulk data is needed and
	// only the signal is sent.
	SSTDonate(req []byte, state gtid.GTID, bypass bool) Status
}

// Provider is the call half of the contract. All calls return explicit
// statuses; the node never swallows a non-OK status.
type Provider interface {
	Init(cfg *Config, cb Callbacks) Status
	Connect(clusterName, address string, bootstrap bool) Status
	Disconnect() Status
	Free()

	// Recv runs the blocking ingest loop, invoking Apply and
	// ViewChanged callbacks for every ordered event. recvCtx is
	// passed through to Apply unchanged.
	Recv(recvCtx interface{}) Status

	AppendKey(h *WSHandle, key Key) Status
	AppendData(h *WSHandle, data []byte) Status

	// AssignReadView fixes the transaction's read view. A nil g means
	// "the provider's current position". Only meaningful when the
	// provider advertises CapReadView.
	AssignReadView(h *WSHandle, g *gtid.GTID) Status

	// Certify replicates the writeset and runs certification. On OK
	// and TrxFail meta carries the assigned GTID; on BFAbort the
	// writeset was never ordered.
	Certify(connID uint64, h *WSHandle, flags WSFlags, meta *TrxMeta) Status

	// CommitOrderEnter blocks until it is meta.GTID's turn to commit.
	CommitOrderEnter(h *WSHandle, meta *TrxMeta) Status
	// CommitOrderLeave ends the critical section. A non-nil applyErr
	// reports an apply failure to the provider.
	CommitOrderLeave(h *WSHandle, meta *TrxMeta, applyErr error) Status

	// Release frees provider resources associated with the handle.
	Release(h *WSHandle) Status

	// SSTSent reports donor completion, SSTReceived joiner completion.
	SSTSent(state gtid.GTID, sstErr error) Status
	SSTReceived(state gtid.GTID, sstErr error) Status
}
