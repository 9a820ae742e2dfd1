package msgpipe

// accepter.go: owns the listening endpoint. Each
// incoming connection becomes a fresh accepting-state
// pipe whose reader runs the handshake.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/glycerine/idem"
)

var ErrAddrInUse = fmt.Errorf("bind: address in use")
var ErrPermission = fmt.Errorf("bind: permission denied")
var ErrPortRangeExhausted = fmt.Errorf("bind: no free port in range")

type Accepter struct {
	msgr *Messenger
	cfg  *Config

	mut        sync.Mutex
	listener   net.Listener
	listenAddr Addr
	running    bool

	done atomic.Bool
	halt *idem.Halter
}

func newAccepter(m *Messenger) *Accepter {
	return &Accepter{msgr: m, cfg: m.cfg}
}

// Bind creates the listening socket. A zero port walks
// the configured range, skipping the two avoid values.
// On success the messenger's identity (with the process
// nonce) is published from the observed bound address.
func (a *Accepter) Bind(bindAddr Addr, avoidPort1, avoidPort2 int) (err error) {
	//pp("accepter.bind")
	a.mut.Lock()
	defer a.mut.Unlock()

	family := bindAddr.Family
	if family == familyNone {
		// bindAddr is empty; fall back to the configured preference.
		if a.cfg.BindIPv6 {
			family = familyIPv6
		} else {
			family = familyIPv4
		}
	}
	network := "tcp4"
	if family == familyIPv6 {
		network = "tcp6"
	}
	host := ""
	if !bindAddr.IsBlankIP() {
		host = bindAddr.netIP().String()
	}

	var ln net.Listener
	if bindAddr.Port != 0 {
		// specific port: reuse addr+port when possible.
		lc := net.ListenConfig{Control: listenControl(true)}
		ln, err = lc.Listen(context.Background(),
			network, net.JoinHostPort(host, fmt.Sprintf("%v", bindAddr.Port)))
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				return fmt.Errorf("%w: %v", ErrAddrInUse, err)
			}
			if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
				return fmt.Errorf("%w: %v", ErrPermission, err)
			}
			return fmt.Errorf("accepter.bind unable to bind to %v: %w", &bindAddr, err)
		}
	} else {
		// try a range of ports
		lc := net.ListenConfig{}
		for port := a.cfg.BindPortMin; port <= a.cfg.BindPortMax; port++ {
			if port == avoidPort1 || port == avoidPort2 {
				continue
			}
			ln, err = lc.Listen(context.Background(),
				network, net.JoinHostPort(host, fmt.Sprintf("%v", port)))
			if err == nil {
				break
			}
		}
		if ln == nil {
			return fmt.Errorf("%w: [%v-%v]: last error: %v", ErrPortRangeExhausted,
				a.cfg.BindPortMin, a.cfg.BindPortMax, err)
		}
		//pp("accepter.bind bound on random port %v", ln.Addr())
	}

	// what port did we get? (the listen backlog is the one
	// Go derives from the system's somaxconn; no explicit
	// backlog of 128 is requested.)
	la := addrFromNetAddr(ln.Addr())
	a.listener = ln
	a.listenAddr = la

	// publish identity: the bound address (as requested,
	// or as observed for port 0) plus our nonce.
	pub := bindAddr
	pub.Port = la.Port
	if pub.IsBlankIP() {
		pub.Family = la.Family
	}
	a.msgr.setMyAddr(pub)
	if !bindAddr.IsBlankIP() {
		a.msgr.learnedAddr(pub)
	}

	alwaysPrintf("accepter.bind my addr is %v", a.msgr.MyAddr())
	return nil
}

// Start launches the accept loop.
func (a *Accepter) Start() error {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.running {
		return nil
	}
	if a.listener == nil {
		return fmt.Errorf("accepter.start: not bound")
	}
	//pp("accepter.start")
	a.done.Store(false)
	a.halt = idem.NewHalter()
	a.running = true
	go a.loop(a.halt, a.listener)
	return nil
}

func (a *Accepter) loop(halt *idem.Halter, ln net.Listener) {
	defer halt.Done.Close()
	//pp("accepter starting")

	errCount := 0
	for !a.done.Load() {
		conn, err := ln.Accept()
		if a.done.Load() {
			if conn != nil {
				conn.Close()
			}
			break
		}
		if err != nil {
			alwaysPrintf("accepter no incoming connection? '%v'", err)
			errCount++
			if errCount >= 4 {
				break
			}
			continue
		}
		errCount = 0
		//pp("accepted incoming from %v", conn.RemoteAddr())
		a.msgr.addAcceptPipe(conn)
	}
	//pp("accepter stopping")
}

// Stop shuts the listener to unblock the loop, joins it,
// and closes the socket. Re-entrant.
func (a *Accepter) Stop() {
	a.mut.Lock()
	if !a.running {
		a.mut.Unlock()
		return
	}
	//pp("stop accepter")
	a.done.Store(true)
	if a.listener != nil {
		// unblocks the Accept; wait for the loop to exit
		// before forgetting the listener, to avoid racing
		// against fd re-use.
		a.listener.Close()
	}
	halt := a.halt
	a.mut.Unlock()

	<-halt.Done.Chan

	a.mut.Lock()
	a.listener = nil
	a.running = false
	a.done.Store(false)
	a.mut.Unlock()
}

// Rebind moves to a new port, avoiding the old one and
// avoidPort.
func (a *Accepter) Rebind(avoidPort int) (err error) {
	//pp("accepter.rebind avoid %v", avoidPort)
	a.Stop()

	// invalidate our previously learned address.
	a.msgr.unlearnAddr()

	addr := a.msgr.MyAddr()
	oldPort := int(addr.Port)
	addr.Port = 0

	//pp("will try %v", &addr)
	err = a.Bind(addr, oldPort, avoidPort)
	if err == nil {
		err = a.Start()
	}
	return
}

// ListenAddr reports the bound address, for tests.
func (a *Accepter) ListenAddr() (la Addr) {
	a.mut.Lock()
	la = a.listenAddr
	a.mut.Unlock()
	return
}
