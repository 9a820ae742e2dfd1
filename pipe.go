package msgpipe

// pipe.go: the per-peer connection object. One Pipe owns
// one socket, a reader and a writer goroutine, and the
// outgoing/sent queues that survive transport faults on
// lossless sessions. The single pipe mutex guards every
// field; both loops drop it around socket calls and
// reacquire before touching state. When the messenger
// lock and the pipe lock are both needed, the messenger
// lock comes first, never the reverse.

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

type pipeState int

const (
	stateAccepting pipeState = iota
	stateConnecting
	stateOpen
	stateStandby
	stateClosing
	stateClosed
	stateWait
)

func (s pipeState) String() string {
	switch s {
	case stateAccepting:
		return "accepting"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateStandby:
		return "standby"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	case stateWait:
		return "wait"
	}
	return "unknown"
}

// seqMask bounds the randomized starting sequence to
// 2^31 so crc values over early sequence numbers are not
// predictable at session start. Nothing special about
// the width beyond "a big number".
const seqMask = 0x7fffffff

// Policy says how a pipe treats faults and what features
// it insists on, by peer host type.
type Policy struct {
	// Lossy pipes die on the first transport fault and
	// drop whatever was queued.
	Lossy bool

	// Server pipes never initiate a reconnect; they wait
	// in standby for the peer.
	Server bool

	// Standby pipes with nothing queued park in standby
	// after a fault instead of reconnecting immediately.
	Standby bool

	// Resetcheck detects peer restarts and answers them
	// with a session reset instead of a silent resume.
	Resetcheck bool

	FeaturesSupported uint64
	FeaturesRequired  uint64

	ThrottlerBytes    *Throttle
	ThrottlerMessages *Throttle
}

// PolicyStatefulServer keeps session state for the peer
// across faults (a store talking to another store).
func PolicyStatefulServer(req uint64) Policy {
	return Policy{Server: true, Standby: true, Resetcheck: true,
		FeaturesSupported: FeaturesAll, FeaturesRequired: req}
}

// PolicyStatelessServer drops everything on fault (a
// store talking to untrusted clients).
func PolicyStatelessServer(req uint64) Policy {
	return Policy{Lossy: true, Server: true,
		FeaturesSupported: FeaturesAll, FeaturesRequired: req}
}

// PolicyLossyClient is a fire-and-forget client.
func PolicyLossyClient(req uint64) Policy {
	return Policy{Lossy: true,
		FeaturesSupported: FeaturesAll, FeaturesRequired: req}
}

// PolicyLosslessClient reconnects and replays.
func PolicyLosslessClient(req uint64) Policy {
	return Policy{
		FeaturesSupported: FeaturesAll, FeaturesRequired: req}
}

// PolicyLosslessPeer is symmetric peering with standby.
func PolicyLosslessPeer(req uint64) Policy {
	return Policy{Standby: true,
		FeaturesSupported: FeaturesAll, FeaturesRequired: req}
}

// Pipe is one peer connection attempt and, once open,
// the live session.
type Pipe struct {
	mut  sync.Mutex
	cond *sync.Cond

	msgr *Messenger
	cfg  *Config

	// connID tags messages entering the dispatch queue;
	// it transfers to the replacement pipe so consumers
	// see one continuous stream.
	connID string

	conn net.Conn // nil when no socket
	port int

	peerType uint8
	peerAddr Addr
	policy   Policy

	state pipeState

	// stateClosedFlag lets the registry skip dead pipes
	// without taking their mutex.
	stateClosedFlag atomic.Bool

	connectSeq    uint64
	peerGlobalSeq uint64

	outSeq     uint64
	inSeq      uint64
	inSeqAcked uint64

	// outQ maps priority to a FIFO of pending messages;
	// higher priorities drain first.
	outQ *omap[int, []*Message]

	// sent holds transmitted but unacked messages, oldest
	// first. On fault it splices back to the head of outQ
	// at PrioHighest.
	sent []*Message

	keepalive    bool
	closeOnEmpty bool

	backoff time.Duration

	cs  *ConnState
	sec *sessionSecurity

	delay *delayedDelivery

	readerRunning   bool
	readerNeedsJoin bool
	writerRunning   bool
	readerHalt      *idem.Halter
	writerHalt      *idem.Halter
}

func newPipe(msgr *Messenger, st pipeState, cs *ConnState, conn net.Conn) (p *Pipe) {
	p = &Pipe{
		msgr:   msgr,
		cfg:    msgr.cfg,
		connID: cryRandBytesBase64(12),
		conn:   conn,
		state:  st,
		outQ:   newOmap[int, []*Message](),
	}
	p.cond = sync.NewCond(&p.mut)
	if cs != nil {
		p.cs = cs
		msgr.mut.Lock()
		cs.resetPipe(p)
		msgr.mut.Unlock()
	} else {
		p.cs = newConnState(msgr, Addr{}, HostUnknown)
		p.cs.pipe = p
	}
	p.randomizeOutSeq()
	return
}

func (p *Pipe) setPeerType(t uint8) {
	p.peerType = t
	p.cs.peerType = t
}

func (p *Pipe) setPeerAddr(a Addr) {
	p.peerAddr = a
	p.cs.peerAddr = a
}

// randomizeOutSeq draws a fresh 31-bit starting sequence
// when message auth is negotiated; otherwise sequence
// numbers start at 0 as they always did.
func (p *Pipe) randomizeOutSeq() {
	if p.cs.Features()&FeatureMsgAuth != 0 {
		p.outSeq = cryptoRandUint64() & seqMask
		//vv("randomizeOutSeq %v", p.outSeq)
	} else {
		p.outSeq = 0
	}
}

// handleAck trims the front of sent for every message
// with sequence <= seq. Caller holds p.mut.
func (p *Pipe) handleAck(seq uint64) {
	//pp("%v got ack seq %v", p.connID, seq)
	for len(p.sent) > 0 && p.sent[0].Seq <= seq {
		m := p.sent[0]
		p.sent[0] = nil
		p.sent = p.sent[1:]
		m.markDone()
	}
	if len(p.sent) == 0 && p.closeOnEmpty {
		//pp("got last ack, queue empty, closing")
		p.stop()
	}
}

// requeueSent pushes sent back onto the head of the
// highest priority queue, newest first so the original
// order is restored, and walks outSeq back so resend
// re-assigns the identical sequence numbers.
// Caller holds p.mut.
func (p *Pipe) requeueSent() {
	if len(p.sent) == 0 {
		return
	}
	rq, _ := p.outQ.get2(PrioHighest)
	for i := len(p.sent) - 1; i >= 0; i-- {
		m := p.sent[i]
		//pp("requeue_sent %v for resend seq %v (%v)", m, p.outSeq, m.Seq)
		rq = append([]*Message{m}, rq...)
		p.outSeq--
	}
	p.outQ.set(PrioHighest, rq)
	p.sent = nil
}

// discardRequeuedUpTo drops requeued messages the peer
// already acknowledged (the SEQ exchange told us so),
// restoring outSeq for each. A zero sequence means the
// message was never transmitted; the scan stops there.
// Caller holds p.mut.
func (p *Pipe) discardRequeuedUpTo(seq uint64) {
	rq, _ := p.outQ.get2(PrioHighest)
	for len(rq) > 0 {
		m := rq[0]
		if m.Seq == 0 || m.Seq > seq {
			break
		}
		//pp("discardRequeuedUpTo %v <= %v, discarding", m.Seq, seq)
		rq = rq[1:]
		p.outSeq++
		m.markDone()
	}
	if len(rq) == 0 {
		p.outQ.delkey(PrioHighest)
	} else {
		p.outQ.set(PrioHighest, rq)
	}
}

// discardOutQueue tears down sent and every priority
// queue. Caller holds p.mut.
func (p *Pipe) discardOutQueue() {
	//pp("%v discardOutQueue", p.connID)
	for _, m := range p.sent {
		m.markDone()
	}
	p.sent = nil
	for _, q := range p.outQ.cached() {
		for _, m := range q.val {
			m.markDone()
		}
	}
	p.outQ.deleteAll()
}

// isQueued reports any pending outgoing message.
// Caller holds p.mut.
func (p *Pipe) isQueued() bool {
	return p.outQ.Len() > 0
}

// getNextOutgoing pops the front of the highest
// non-empty priority queue. Caller holds p.mut.
func (p *Pipe) getNextOutgoing() (m *Message) {
	kvs := p.outQ.cached()
	if len(kvs) == 0 {
		return
	}
	kv := kvs[len(kvs)-1] // cached() sorts ascending; take the top
	q := kv.val
	m = q[0]
	q[0] = nil
	q = q[1:]
	if len(q) == 0 {
		p.outQ.delkey(kv.key)
	} else {
		kv.val = q
	}
	return
}

// queueMessage appends m at its priority and wakes the
// writer. Caller holds p.mut.
func (p *Pipe) queueMessage(m *Message) {
	q, _ := p.outQ.get2(m.Prio)
	p.outQ.set(m.Prio, append(q, m))
	p.cond.Broadcast()
}

// SendMessage queues m on this pipe.
func (p *Pipe) SendMessage(m *Message) {
	p.mut.Lock()
	p.queueMessage(m)
	p.mut.Unlock()
}

// sendKeepalive flags a keepalive for the writer.
// Caller holds p.mut.
func (p *Pipe) sendKeepalive() {
	p.keepalive = true
	p.cond.Broadcast()
}

// stop moves to closed and half-shuts the socket so both
// loops fall out of any blocking call. Caller holds p.mut.
func (p *Pipe) stop() {
	//pp("%v stop", p.connID)
	p.state = stateClosed
	p.stateClosedFlag.Store(true)
	p.cond.Broadcast()
	shutdownSocket(p.conn)
}

// wasSessionReset discards all queued traffic, zeroes the
// session counters, re-randomizes outSeq under the
// negotiated features, and surfaces remote-reset.
// Caller holds p.mut.
func (p *Pipe) wasSessionReset() {
	//pp("%v wasSessionReset", p.connID)
	p.msgr.dispatch.DiscardQueue(p.connID)
	if p.delay != nil {
		p.delay.discard()
	}
	p.discardOutQueue()

	p.msgr.dispatch.QueueRemoteReset(p.cs)

	p.randomizeOutSeq()
	p.inSeq = 0
	p.connectSeq = 0
}

// fault is the single entry point for every transport
// error. Caller holds p.mut; fault may drop and retake
// it on the lossy teardown path, and may sleep out the
// reconnect backoff on the connecting path.
func (p *Pipe) fault(onread bool) {
	p.cond.Broadcast()

	if onread && p.state == stateConnecting {
		//pp("fault already connecting, reader shutting down")
		return
	}

	if p.state == stateClosed || p.state == stateClosing {
		//pp("fault already closed|closing")
		return
	}

	shutdownSocket(p.conn)

	// lossy channel?
	if p.policy.Lossy && p.state != stateConnecting {
		alwaysPrintf("%v fault on lossy channel, failing", p.connID)

		p.stop()

		// crib locks: the pipe is now closed and the
		// registry entry is ignored by others.
		p.mut.Unlock()

		if p.cfg.InjectInternalDelays > 0 {
			//pp("sleep for %v", p.cfg.InjectInternalDelays)
			time.Sleep(p.cfg.InjectInternalDelays)
		}

		p.msgr.mut.Lock()
		p.mut.Lock()
		p.unregisterPipe()
		clearedCS := p.cs
		clearedCS.clearPipe(p)
		p.msgr.mut.Unlock()

		p.msgr.dispatch.DiscardQueue(p.connID)
		if p.delay != nil {
			p.delay.discard()
		}
		p.discardOutQueue()

		p.msgr.dispatch.QueueReset(clearedCS)
		return
	}

	// queue delayed items immediately
	if p.delay != nil {
		p.delay.flush()
	}

	// requeue sent items
	p.requeueSent()

	if p.policy.Standby && !p.isQueued() {
		alwaysPrintf("%v fault with nothing to send, going to standby", p.connID)
		p.state = stateStandby
		return
	}

	if p.state != stateConnecting {
		if p.policy.Server {
			alwaysPrintf("%v fault, server, going to standby", p.connID)
			p.state = stateStandby
		} else {
			alwaysPrintf("%v fault, initiating reconnect", p.connID)
			p.connectSeq++
			p.state = stateConnecting
		}
		p.backoff = 0
	} else if p.backoff == 0 {
		p.backoff = p.cfg.InitialBackoff
	} else {
		//pp("fault waiting %v", p.backoff)
		p.waitInterval(p.backoff)
		p.backoff *= 2
		if p.backoff > p.cfg.MaxBackoff {
			p.backoff = p.cfg.MaxBackoff
		}
		//pp("fault done waiting or woke up")
	}
}

// waitInterval waits on the pipe condition for at most d,
// releasing p.mut while asleep. A state change broadcast
// cancels the wait early.
func (p *Pipe) waitInterval(d time.Duration) {
	deadline := time.Now().Add(d)
	fired := make(chan struct{})
	wake := time.AfterFunc(d, func() {
		p.mut.Lock()
		p.cond.Broadcast()
		p.mut.Unlock()
		close(fired)
	})
	startState := p.state
	for time.Now().Before(deadline) && p.state == startState {
		p.cond.Wait()
	}
	if !wake.Stop() {
		// let the timer finish with the mutex free.
		p.mut.Unlock()
		<-fired
		p.mut.Lock()
	}
}

// registerPipe records us as the authoritative pipe for
// peerAddr. Caller holds the messenger lock.
func (p *Pipe) registerPipe() {
	existing := p.msgr.lookupPipeLocked(p.peerAddr)
	if existing != nil && existing != p {
		panic("registerPipe: already have a live pipe for this address")
	}
	// a closed-but-unreaped entry just gets overwritten.
	p.msgr.rankPipe.set(p.peerAddr.key(), p)
}

// unregisterPipe removes our registry entry, if it is
// still ours. Caller holds the messenger lock.
func (p *Pipe) unregisterPipe() {
	existing, _ := p.msgr.rankPipe.get2(p.peerAddr.key())
	if existing == p {
		p.msgr.rankPipe.delkey(p.peerAddr.key())
	}
}

func (p *Pipe) startReader() {
	// caller holds p.mut.
	if p.readerRunning {
		panic("startReader: reader already running")
	}
	if p.readerNeedsJoin && p.readerHalt != nil {
		h := p.readerHalt
		p.mut.Unlock()
		<-h.Done.Chan
		p.mut.Lock()
		p.readerNeedsJoin = false
	}
	p.readerRunning = true
	p.readerHalt = idem.NewHalter()
	go p.reader(p.readerHalt)
}

func (p *Pipe) startWriter() {
	// caller holds p.mut.
	if p.writerRunning {
		panic("startWriter: writer already running")
	}
	p.writerRunning = true
	p.writerHalt = idem.NewHalter()
	go p.writer(p.writerHalt)
}

// joinReader waits out the reader goroutine, releasing
// p.mut while it drains. Called from the connecting
// handshake so only the writer touches the new socket.
func (p *Pipe) joinReader() {
	if !p.readerRunning {
		return
	}
	p.cond.Broadcast()
	h := p.readerHalt
	p.mut.Unlock()
	<-h.Done.Chan
	p.mut.Lock()
	p.readerNeedsJoin = false
}

// unlockMaybeReap drops p.mut and, when both loops have
// exited, hands the pipe to the messenger reaper.
func (p *Pipe) unlockMaybeReap() {
	if !p.readerRunning && !p.writerRunning {
		shutdownSocket(p.conn)
		p.mut.Unlock()
		p.msgr.queueReap(p)
	} else {
		p.mut.Unlock()
	}
}

// maybeStartDelayThread sets up the delayed-delivery
// queue when the config names this peer's host type.
func (p *Pipe) maybeStartDelayThread() {
	if p.delay == nil && p.cfg.InjectDelayType != "" &&
		strings.Contains(p.cfg.InjectDelayType, HostTypeName(p.cs.peerType)) {
		alwaysPrintf("setting up a delay queue on pipe %v", p.connID)
		p.delay = newDelayedDelivery(p)
	}
}

// Stop closes the pipe from outside, taking p.mut: used
// by shutdown. The accept path, which already holds the
// lock when replacing a pipe, calls stop directly.
func (p *Pipe) Stop() {
	p.mut.Lock()
	p.stop()
	p.mut.Unlock()
}

// CloseOnEmpty asks the pipe to drain: once everything
// transmitted has been acknowledged it stops. Messages
// queued on a lossy pipe after this are retained until
// acked too, so the drain is real.
func (p *Pipe) CloseOnEmpty() {
	p.mut.Lock()
	p.closeOnEmpty = true
	if len(p.sent) == 0 && !p.isQueued() {
		p.stop()
	}
	p.cond.Broadcast()
	p.mut.Unlock()
}

