package msgpipe

import (
	"sync/atomic"
)

// ConnState is the connection handle that outlives any
// single Pipe. When an accept-side race replaces one, the new
// pipe takes over the old pipe's ConnState, so user code
// holding it keeps working across the swap. The pipe
// back pointer is guarded by the messenger lock; the
// rx-buffer map locks itself.
type ConnState struct {
	msgr *Messenger

	peerAddr Addr
	peerType uint8

	// features is the negotiated intersection, set at
	// open. The frame codec reads it without the pipe
	// lock, hence atomic.
	features atomic.Uint64

	// pipe is a non-owning back pointer, re-assigned under
	// the messenger lock during replace and cleared on the
	// fault of a lossy pipe.
	pipe *Pipe

	// failed marks a lossy connection that died; sends
	// through a failed ConnState are dropped.
	failed atomic.Bool

	rxBuffers *Mutexmap[uint64, *rxBuffer]
}

// rxBuffer lets a caller pre-stage an aligned receive
// buffer for an expected transaction id.
type rxBuffer struct {
	pieces  [][]byte
	version int
}

func newConnState(msgr *Messenger, peerAddr Addr, peerType uint8) *ConnState {
	return &ConnState{
		msgr:      msgr,
		peerAddr:  peerAddr,
		peerType:  peerType,
		rxBuffers: NewMutexmap[uint64, *rxBuffer](),
	}
}

func (cs *ConnState) setFeatures(f uint64) { cs.features.Store(f) }

// Features returns the negotiated feature intersection.
func (cs *ConnState) Features() uint64 { return cs.features.Load() }

// HasFeature tests one negotiated bit.
func (cs *ConnState) HasFeature(bit uint64) bool {
	return cs.features.Load()&bit != 0
}

// PeerAddr returns the remote identity.
func (cs *ConnState) PeerAddr() Addr { return cs.peerAddr }

// PeerType returns the remote host type.
func (cs *ConnState) PeerType() uint8 { return cs.peerType }

// Failed reports a dead lossy connection.
func (cs *ConnState) Failed() bool { return cs.failed.Load() }

// SetRxBuffer stages pieces as the receive space for tid.
// Re-staging with a new version replaces the old one.
func (cs *ConnState) SetRxBuffer(tid uint64, pieces [][]byte, version int) {
	cs.rxBuffers.Set(tid, &rxBuffer{pieces: pieces, version: version})
}

// RevokeRxBuffer withdraws the staged buffer for tid.
func (cs *ConnState) RevokeRxBuffer(tid uint64) {
	cs.rxBuffers.Del(tid)
}

// clearPipe detaches p, if p is still the current pipe.
// Caller holds the messenger lock.
func (cs *ConnState) clearPipe(p *Pipe) {
	if cs.pipe == p {
		cs.failed.Store(true)
		cs.pipe = nil
	}
}

// resetPipe points cs at its replacement pipe. Caller
// holds the messenger lock.
func (cs *ConnState) resetPipe(p *Pipe) {
	cs.pipe = p
}
