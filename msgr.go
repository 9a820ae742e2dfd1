package msgpipe

// msgr.go: the Messenger owns the identity, the pipe
// registry, the global sequence counter, the per-type
// policies, and the reaper that collects pipes whose
// reader and writer have both exited. The messenger
// mutex is always taken before any pipe mutex.

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

type Messenger struct {
	cfg    *Config
	name   string
	myType uint8

	// mut is the messenger lock: identity + registry.
	mut      sync.Mutex
	myAddr   Addr
	needAddr bool

	globalSeq atomic.Uint64

	// rankPipe maps peer address (wire form) to the one
	// authoritative pipe for that peer.
	rankPipe *omap[string, *Pipe]

	// pipes holds every live pipe for shutdown and reap.
	pipes map[*Pipe]bool

	policyMap     map[uint8]Policy
	defaultPolicy Policy

	dispatch          DispatchSink
	dispatchThrottler *Throttle

	authMut          sync.Mutex
	cachedAuthorizer *Authorizer

	accepter *Accepter

	reapCh chan *Pipe
	halt   *idem.Halter
}

// NewMessenger wires a messenger to its dispatch sink.
// name is for logs; myType is what we claim in the
// handshake.
func NewMessenger(name string, myType uint8, config *Config, sink DispatchSink) (m *Messenger) {
	var cfg *Config
	if config != nil {
		cfg = config.Clone()
	} else {
		cfg = NewConfig()
	}
	m = &Messenger{
		cfg:               cfg,
		name:              name,
		myType:            myType,
		needAddr:          true,
		rankPipe:          newOmap[string, *Pipe](),
		pipes:             make(map[*Pipe]bool),
		policyMap:         make(map[uint8]Policy),
		defaultPolicy:     PolicyLosslessPeer(0),
		dispatch:          sink,
		dispatchThrottler: NewThrottle(cfg.DispatchThrottleBytes),
		reapCh:            make(chan *Pipe, 128),
		halt:              idem.NewHalter(),
	}
	m.myAddr.Nonce = cryptoRandUint32()
	if dq, ok := sink.(*DispatchQueue); ok {
		dq.mut.Lock()
		dq.releaseFunc = m.dispatchThrottleRelease
		dq.mut.Unlock()
	}
	m.accepter = newAccepter(m)
	go m.reaper()
	return
}

// MyAddr is the published identity: the bound address
// plus the process nonce.
func (m *Messenger) MyAddr() (a Addr) {
	m.mut.Lock()
	a = m.myAddr
	m.mut.Unlock()
	return
}

func (m *Messenger) setMyAddr(a Addr) {
	m.mut.Lock()
	nonce := m.myAddr.Nonce
	m.myAddr = a
	m.myAddr.Nonce = nonce
	m.mut.Unlock()
}

// learnedAddr adopts the externally visible ip a peer
// reported for us, the first time only.
func (m *Messenger) learnedAddr(a Addr) {
	m.mut.Lock()
	if m.needAddr && !a.IsBlankIP() {
		// adopt the ip only; our port (possibly none) and
		// nonce are our own.
		m.myAddr.IP = a.IP
		m.myAddr.Family = a.Family
		m.needAddr = false
		alwaysPrintf("%v learned my addr %v", m.name, &m.myAddr)
	}
	m.mut.Unlock()
}

// unlearnAddr invalidates the learned identity before a
// rebind.
func (m *Messenger) unlearnAddr() {
	m.mut.Lock()
	m.needAddr = true
	m.myAddr.IP = [16]byte{}
	m.mut.Unlock()
}

// GetGlobalSeq advances and returns the messenger-wide
// connection attempt counter.
func (m *Messenger) GetGlobalSeq() uint64 {
	return m.globalSeq.Add(1)
}

// GetGlobalSeqAtLeast advances the counter and returns
// a value that is at least min, for RETRY_GLOBAL
// handling.
func (m *Messenger) GetGlobalSeqAtLeast(min uint64) uint64 {
	for {
		cur := m.globalSeq.Load()
		next := cur + 1
		if min > next {
			next = min
		}
		if m.globalSeq.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// SetPolicy fixes the policy used for peers of type t.
func (m *Messenger) SetPolicy(t uint8, pol Policy) {
	m.mut.Lock()
	m.policyMap[t] = pol
	m.mut.Unlock()
}

// SetDefaultPolicy covers host types with no explicit policy.
func (m *Messenger) SetDefaultPolicy(pol Policy) {
	m.mut.Lock()
	m.defaultPolicy = pol
	m.mut.Unlock()
}

// getPolicyLocked: caller holds m.mut.
func (m *Messenger) getPolicyLocked(t uint8) Policy {
	if pol, ok := m.policyMap[t]; ok {
		return pol
	}
	return m.defaultPolicy
}

// lookupPipeLocked: caller holds m.mut. Closed pipes are
// dead to the registry even before the reaper runs.
func (m *Messenger) lookupPipeLocked(addr Addr) *Pipe {
	p, ok := m.rankPipe.get2(addr.key())
	if !ok {
		return nil
	}
	if p.stateClosedFlag.Load() {
		return nil
	}
	return p
}

// LookupPipe finds the authoritative pipe for addr.
func (m *Messenger) LookupPipe(addr Addr) (p *Pipe) {
	m.mut.Lock()
	p = m.lookupPipeLocked(addr)
	m.mut.Unlock()
	return
}

// Bind claims the listening address and publishes our
// identity. "ip:0" picks the first free port in the
// configured range.
func (m *Messenger) Bind(hostport string) (err error) {
	addr, err := ParseAddr(hostport)
	if err != nil {
		return err
	}
	return m.accepter.Bind(addr, 0, 0)
}

// Start begins accepting.
func (m *Messenger) Start() error {
	return m.accepter.Start()
}

// Rebind moves the listener to a fresh port, avoiding
// avoidPort and the old one.
func (m *Messenger) Rebind(avoidPort int) error {
	return m.accepter.Rebind(avoidPort)
}

// connectRank creates the connecting-state pipe for addr.
// Caller holds m.mut.
func (m *Messenger) connectRank(addr Addr, peerType uint8) (p *Pipe) {
	//pp("%v connectRank to %v, creating pipe and registering", m.name, &addr)
	p = newPipe(m, stateConnecting, nil, nil)
	p.setPeerType(peerType)
	p.setPeerAddr(addr)
	p.policy = m.getPolicyLocked(peerType)
	p.mut.Lock()
	p.startWriter()
	p.mut.Unlock()
	m.pipes[p] = true
	p.registerPipe()
	return
}

// Send queues msg for the peer at addr, dialing a new
// session on first use.
func (m *Messenger) Send(addr Addr, peerType uint8, msg *Message) (err error) {
	if m.dispatch.Stopped() {
		return ErrShutdown
	}
	m.mut.Lock()
	p := m.lookupPipeLocked(addr)
	if p == nil {
		p = m.connectRank(addr, peerType)
	}
	m.mut.Unlock()
	p.SendMessage(msg)
	return nil
}

// SendKeepalive nudges the peer at addr.
func (m *Messenger) SendKeepalive(addr Addr) {
	m.mut.Lock()
	p := m.lookupPipeLocked(addr)
	m.mut.Unlock()
	if p != nil {
		p.mut.Lock()
		p.sendKeepalive()
		p.mut.Unlock()
	}
}

// addAcceptPipe wraps a freshly accepted socket in a new
// accepting-state pipe and starts its reader, which runs
// the handshake.
func (m *Messenger) addAcceptPipe(conn net.Conn) (p *Pipe) {
	p = newPipe(m, stateAccepting, nil, conn)
	m.mut.Lock()
	m.pipes[p] = true
	p.mut.Lock()
	p.startReader()
	p.mut.Unlock()
	m.mut.Unlock()
	return
}

// queueReap hands a finished pipe to the reaper.
func (m *Messenger) queueReap(p *Pipe) {
	//pp("%v queueReap %v", m.name, p.connID)
	m.reapCh <- p
}

// reaper collects pipes whose reader and writer have
// both exited: unregister, close the socket, forget.
func (m *Messenger) reaper() {
	defer m.halt.Done.Close()
	for {
		select {
		case p := <-m.reapCh:
			//pp("%v reaping pipe %v", m.name, p.connID)
			m.mut.Lock()
			p.mut.Lock()
			p.unregisterPipe()
			p.discardOutQueue()
			conn := p.conn
			p.conn = nil
			p.mut.Unlock()
			delete(m.pipes, p)
			m.mut.Unlock()
			if conn != nil {
				conn.Close()
			}
			if p.delay != nil {
				p.delay.stopDelivery()
			}
		case <-m.halt.ReqStop.Chan:
			return
		}
	}
}

func (m *Messenger) dispatchThrottleRelease(n uint64) {
	if n > 0 {
		m.dispatchThrottler.Put(int64(n))
	}
}

// verifyAuthorizer checks the credential an accepting
// pipe read. For the keyed flavor it returns the session
// key sealed inside, plus a proof blob for the peer.
func (m *Messenger) verifyAuthorizer(cs *ConnState, peerType uint8, proto uint32, blob []byte) (valid bool, reply []byte, sessionKey []byte) {
	switch proto {
	case AuthFlavorNone:
		// acceptable only when we hold no key ourselves.
		valid = len(m.cfg.PreSharedKey) == 0
		return
	case AuthFlavorKeyed:
		if len(m.cfg.PreSharedKey) == 0 {
			return
		}
		return verifyKeyedAuthorizer(m.cfg.PreSharedKey, blob)
	}
	return
}

// getAuthorizer builds (or re-uses) our credential for
// the connecting handshake. force drops the cached one,
// for the one retry after BADAUTHORIZER.
func (m *Messenger) getAuthorizer(peerType uint8, force bool) (a *Authorizer) {
	if len(m.cfg.PreSharedKey) == 0 {
		return nil
	}
	m.authMut.Lock()
	defer m.authMut.Unlock()
	if force || m.cachedAuthorizer == nil {
		fresh, err := newKeyedAuthorizer(m.cfg.PreSharedKey)
		if err != nil {
			alwaysPrintf("getAuthorizer failed: '%v'", err)
			return nil
		}
		m.cachedAuthorizer = fresh
	}
	return m.cachedAuthorizer
}

// Shutdown stops accepting, closes every pipe, and joins
// the reaper.
func (m *Messenger) Shutdown() {
	//pp("%v Shutdown", m.name)
	m.accepter.Stop()

	m.mut.Lock()
	var all []*Pipe
	for p := range m.pipes {
		all = append(all, p)
	}
	m.mut.Unlock()

	for _, p := range all {
		p.Stop()
	}

	// drain the reap queue before stopping the reaper so
	// sockets actually close.
	for {
		m.mut.Lock()
		n := len(m.pipes)
		m.mut.Unlock()
		if n == 0 {
			break
		}
		select {
		case p := <-m.reapCh:
			m.mut.Lock()
			p.mut.Lock()
			p.unregisterPipe()
			conn := p.conn
			p.conn = nil
			p.mut.Unlock()
			delete(m.pipes, p)
			m.mut.Unlock()
			if conn != nil {
				conn.Close()
			}
		case <-time.After(20 * time.Millisecond):
			// the background reaper may have taken the
			// last one; re-check the pipe count.
		}
	}
	m.halt.ReqStop.Close()
	<-m.halt.Done.Chan
}

var ErrShutdown = fmt.Errorf("shutting down")
