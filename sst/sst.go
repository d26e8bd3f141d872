// Package sst implements the donor/joiner state snapshot transfer: a
// one-shot, node-to-node TCP exchange of the serialized store. The
// stream is a u32 big-endian length prefix followed by exactly that
// many snapshot bytes; length 0 means "bypass", the joiner needs no
// bulk data and will catch up through normal replication.
package sst

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codelia/certnode/gtid"
	"github.com/codelia/certnode/provider"
	"github.com/codelia/certnode/store"
)

var errEmptyAddress = errors.New("sst: empty joiner address")

const reportRetryDelay = 10 * time.Millisecond

// readChunk reads one length-prefixed buffer; nil with no error means
// bypass.
func readChunk(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeChunk writes one length-prefixed buffer; a nil buf signals
// bypass.
func writeChunk(conn net.Conn, buf []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	_, err := conn.Write(buf)
	return err
}

// StartJoiner prepares the node to receive a state snapshot. It opens
// a listening endpoint at addr (host:0 picks a free port), starts the
// receiver task and returns the request message carrying the actual
// listen address. It does not return before the receiver is accepting:
// a donation racing with an unready receiver would be lost.
//
// The receiver accepts exactly one connection, installs the received
// state unless the donor signaled bypass, and reports the resulting
// GTID to the provider. Failure to confirm the transfer leaves the
// joiner in an unrecoverable state and is fatal.
func StartJoiner(st *store.Store, prov provider.Provider, addr string) ([]byte, provider.Status) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorf("sst: joiner cannot listen on %s: %v", addr, err)
		return nil, provider.Fatal
	}

	ready := make(chan struct{})
	go joinerReceive(st, prov, lis, ready)
	<-ready

	return []byte(lis.Addr().String()), provider.OK
}

func joinerReceive(st *store.Store, prov provider.Provider, lis net.Listener, ready chan<- struct{}) {
	defer lis.Close()
	close(ready)

	conn, err := lis.Accept()
	if err != nil {
		log.Panicf("sst: joiner accept failed: %v", err)
	}
	defer conn.Close()

	buf, err := readChunk(conn)
	if err != nil {
		log.Panicf("sst: joiner failed to read state: %v", err)
	}

	if buf == nil {
		log.Infof("sst: donor signaled bypass, will catch up via replication")
	} else {
		if err := st.InitState(buf); err != nil {
			log.Panicf("sst: cannot install received state: %v", err)
		}
		log.Infof("sst: installed state snapshot of %d bytes at %s",
			len(buf), st.GTID())
	}

	// The provider may still be setting up its own joiner bookkeeping;
	// retry only while it reports a transient connection failure.
	state := st.GTID()
	for {
		ret := prov.SSTReceived(state, nil)
		if ret == provider.ConnFail {
			time.Sleep(reportRetryDelay)
			continue
		}
		if ret != provider.OK {
			log.Panicf("sst: failed to report received state %s: %v", state, ret)
		}
		return
	}
}

// Donate serves one state transfer to the joiner that sent req. The
// snapshot is acquired synchronously: it blocks concurrent commits via
// the store mutex, and it must cover the donor's state no later than
// the moment the provider callback returns. The network send happens
// on its own task afterwards so the callback is not held up by a slow
// joiner.
func Donate(st *store.Store, prov provider.Provider, req []byte, state gtid.GTID, bypass bool) provider.Status {
	addr := string(req)
	if addr == "" {
		log.Errorf("sst: %v", errEmptyAddress)
		return provider.Fatal
	}

	var buf []byte
	if !bypass {
		buf, state = st.AcquireState()
	}

	ready := make(chan struct{})
	go donorSend(st, prov, addr, state, buf, bypass, ready)
	<-ready

	return provider.OK
}

func donorSend(st *store.Store, prov provider.Provider, addr string,
	state gtid.GTID, buf []byte, bypass bool, ready chan<- struct{}) {
	close(ready)

	err := func() error {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		return writeChunk(conn, buf)
	}()

	if !bypass {
		st.ReleaseState()
	}

	if err != nil {
		log.Errorf("sst: donation to %s failed: %v", addr, err)
	} else if bypass {
		log.Infof("sst: signaled bypass to %s", addr)
	} else {
		log.Infof("sst: sent %d bytes to %s at %s", len(buf), addr, state)
	}

	prov.SSTSent(state, err)
}
