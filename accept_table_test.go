package msgpipe

// accept_table_test.go: scripted raw peers drive the
// accepting side's decision table one row at a time and
// assert the exact reply tags on the wire.

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

// fabricatePipe plants a pipe in m's registry without
// starting its goroutines, standing in for an earlier
// attempt or session.
func fabricatePipe(m *Messenger, st pipeState, claimed Addr, pol Policy, cseq uint64) (p *Pipe) {
	p = newPipe(m, st, nil, nil)
	p.setPeerType(HostClient)
	p.setPeerAddr(claimed)
	p.policy = pol
	p.connectSeq = cseq
	m.mut.Lock()
	p.registerPipe()
	m.mut.Unlock()
	return
}

func startTableServer(t *testing.T, pol Policy, psk []byte) (srv *Messenger, sdq *DispatchQueue, saddr Addr) {
	t.Helper()
	cfg := NewConfig()
	cfg.PreSharedKey = psk
	sdq = NewDispatchQueue()
	srv = NewMessenger("srv", HostStore, cfg, sdq)
	srv.SetDefaultPolicy(pol)
	panicOn(srv.Bind("127.0.0.1:0"))
	panicOn(srv.Start())
	saddr = srv.MyAddr()
	return
}

func TestAccept201_retry_rows(t *testing.T) {

	cv.Convey("stale global seq gets RETRY_GLOBAL, stale or raced session seq gets RETRY_SESSION, bad proto gets BADPROTOVER", t, func() {

		srv, sdq, saddr := startTableServer(t, PolicyLosslessPeer(0), nil)
		defer func() { srv.Shutdown(); sdq.Stop() }()

		claimed, err := ParseAddr("10.9.9.9:1234")
		panicOn(err)
		claimed.Nonce = 66

		ex := fabricatePipe(srv, stateOpen, claimed, PolicyLosslessPeer(0), 5)
		ex.peerGlobalSeq = 10

		conn, theirs, _, err := rawDialHandshake(saddr, claimed)
		panicOn(err)
		defer conn.Close()
		cv.So(theirs, cv.ShouldResemble, saddr)

		base := connectFrame{
			Features: FeaturesAll, ProtocolVersion: ProtoVersion, HostType: HostClient,
		}

		// stale global seq
		c := base
		c.GlobalSeq, c.ConnectSeq = 5, 3
		reply, _, err := rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagRetryGlobal)
		cv.So(reply.GlobalSeq, cv.ShouldEqual, 10)

		// stale session seq
		c.GlobalSeq = 11
		reply, _, err = rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagRetrySession)
		cv.So(reply.ConnectSeq, cv.ShouldEqual, 6)

		// equal seq against an open session: also retry,
		// this is not a race to resolve here.
		c.ConnectSeq = 5
		reply, _, err = rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagRetrySession)
		cv.So(reply.ConnectSeq, cv.ShouldEqual, 6)

		// wrong protocol version, checked before any of the above.
		c.ProtocolVersion = ProtoVersion + 1
		reply, _, err = rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagBadProtoVer)
	})
}

func TestAccept202_connection_race_wait_and_replace(t *testing.T) {

	cv.Convey("an equal-seq race: the side with the lower address wins; the loser's accepting side sends WAIT after nudging its own attempt with a keepalive", t, func() {

		srv, sdq, saddr := startTableServer(t, PolicyLosslessPeer(0), nil)
		defer func() { srv.Shutdown(); sdq.Stop() }()

		// claimed orders above our v4 address by family byte,
		// so our existing outgoing attempt wins the race.
		claimed, err := ParseAddr("[2001:db8::7]:9999")
		panicOn(err)
		claimed.Nonce = 5

		ex := fabricatePipe(srv, stateConnecting, claimed, PolicyLosslessClient(0), 1)

		conn, _, _, err := rawDialHandshake(saddr, claimed)
		panicOn(err)
		defer conn.Close()

		c := connectFrame{
			Features: FeaturesAll, ProtocolVersion: ProtoVersion,
			HostType: HostClient, GlobalSeq: 1, ConnectSeq: 1,
		}
		reply, _, err := rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagWait)
		cv.So(snap(ex).keepalive, cv.ShouldBeTrue)
	})

	cv.Convey("an equal-seq race against a server-policy attempt: the incoming connection wins and replaces it, with the SEQ exchange when the peer reconnects-by-seq", t, func() {

		srv, sdq, saddr := startTableServer(t, PolicyStatefulServer(0), nil)
		defer func() { srv.Shutdown(); sdq.Stop() }()

		claimed, err := ParseAddr("10.1.1.1:2222")
		panicOn(err)
		claimed.Nonce = 9

		ex := fabricatePipe(srv, stateConnecting, claimed, PolicyStatefulServer(0), 1)
		ex.inSeq = 7

		conn, _, _, err := rawDialHandshake(saddr, claimed)
		panicOn(err)
		defer conn.Close()

		c := connectFrame{
			Features: FeaturesAll, ProtocolVersion: ProtoVersion,
			HostType: HostClient, GlobalSeq: 1, ConnectSeq: 1,
		}
		reply, _, err := rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagSeq)
		cv.So(reply.ConnectSeq, cv.ShouldEqual, 2)

		// accept->connect writes existing.in_seq first; we
		// answer with our newly acked seq.
		theirInSeq, err := rawSeqExchange(conn, 0)
		panicOn(err)
		cv.So(theirInSeq, cv.ShouldEqual, 7)

		expectEvent(t, sdq, EventAccept)

		// the loser is stopped and the registry now points
		// at the replacement.
		cv.So(snap(ex).state, cv.ShouldEqual, stateClosed)
		repl := srv.LookupPipe(claimed)
		cv.So(repl, cv.ShouldNotBeNil)
		cv.So(repl, cv.ShouldNotEqual, ex)
		cv.So(snap(repl).inSeq, cv.ShouldEqual, 7)
	})
}

func TestAccept203_session_reset_rows(t *testing.T) {

	cv.Convey("a resetcheck server answers a fresh peer claiming an old session with RESETSESSION, and a crashed peer's cseq=0 reconnect resets and replaces the standby session", t, func() {

		srv, sdq, saddr := startTableServer(t, PolicyStatefulServer(0), nil)
		defer func() { srv.Shutdown(); sdq.Stop() }()

		claimed, err := ParseAddr("10.9.9.9:4321")
		panicOn(err)
		claimed.Nonce = 66

		conn, _, _, err := rawDialHandshake(saddr, claimed)
		panicOn(err)

		c := connectFrame{
			Features: FeaturesAll, ProtocolVersion: ProtoVersion,
			HostType: HostClient, GlobalSeq: 1, ConnectSeq: 4,
		}
		reply, _, err := rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagResetSession)

		// start over at cseq 0: new session opens at 1.
		c.ConnectSeq = 0
		reply, _, err = rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagReady)
		cv.So(reply.ConnectSeq, cv.ShouldEqual, 1)
		expectEvent(t, sdq, EventAccept)

		// kill the transport; the stateful server parks the
		// session in standby.
		conn.Close()
		waitFor(t, "server pipe to reach standby", func() bool {
			p := srv.LookupPipe(claimed)
			return p != nil && snap(p).state == stateStandby
		})

		// the peer crashes and reconnects from scratch with
		// cseq=0: session reset, remote-reset surfaced, new
		// session opens at cseq 1 again.
		conn2, _, _, err := rawDialHandshake(saddr, claimed)
		panicOn(err)
		defer conn2.Close()

		c2 := connectFrame{
			// no reconnect-by-seq, so the reply is a plain READY.
			Features: FeatureNoSrcAddr | FeatureMsgAuth, ProtocolVersion: ProtoVersion,
			HostType: HostClient, GlobalSeq: 2, ConnectSeq: 0,
		}
		reply, _, err = rawConnectRound(conn2, c2, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagReady)
		cv.So(reply.ConnectSeq, cv.ShouldEqual, 1)

		expectEvent(t, sdq, EventRemoteReset)
		expectEvent(t, sdq, EventAccept)
	})
}

func TestAccept204_feature_shortfall(t *testing.T) {

	cv.Convey("a server requiring MsgAuth answers every under-featured connect attempt with FEATURES", t, func() {

		srv, sdq, saddr := startTableServer(t, PolicyStatefulServer(FeatureMsgAuth), nil)
		defer func() { srv.Shutdown(); sdq.Stop() }()

		claimed, err := ParseAddr("10.2.2.2:7777")
		panicOn(err)
		claimed.Nonce = 3

		conn, _, _, err := rawDialHandshake(saddr, claimed)
		panicOn(err)
		defer conn.Close()

		c := connectFrame{
			Features: FeatureNoSrcAddr | FeatureReconnectSeq, ProtocolVersion: ProtoVersion,
			HostType: HostClient, GlobalSeq: 1, ConnectSeq: 0,
		}
		for i := 0; i < 3; i++ {
			reply, _, err := rawConnectRound(conn, c, nil)
			panicOn(err)
			cv.So(reply.Tag, cv.ShouldEqual, tagFeatures)
			cv.So(reply.Features&FeatureMsgAuth, cv.ShouldNotEqual, 0)
		}
	})
}

func TestAccept205_bad_authorizer(t *testing.T) {

	cv.Convey("a keyed server refuses a garbage credential, and refuses flavor none outright", t, func() {

		srv, sdq, saddr := startTableServer(t, PolicyStatefulServer(0), []byte("sesame"))
		defer func() { srv.Shutdown(); sdq.Stop() }()

		claimed, err := ParseAddr("10.3.3.3:8888")
		panicOn(err)
		claimed.Nonce = 4

		conn, _, _, err := rawDialHandshake(saddr, claimed)
		panicOn(err)
		defer conn.Close()

		c := connectFrame{
			Features: FeaturesAll, ProtocolVersion: ProtoVersion,
			HostType: HostClient, GlobalSeq: 1, ConnectSeq: 0,
			AuthorizerProtocol: AuthFlavorKeyed,
		}
		reply, _, err := rawConnectRound(conn, c, []byte("not a real credential"))
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagBadAuthorizer)

		c.AuthorizerProtocol = AuthFlavorNone
		reply, _, err = rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagBadAuthorizer)
	})
}

func TestAccept206_blank_ip_substitution(t *testing.T) {

	cv.Convey("a peer declaring a blank ip gets its observed socket ip substituted, keeping its declared port and nonce", t, func() {

		srv, sdq, saddr := startTableServer(t, PolicyStatefulServer(0), nil)
		defer func() { srv.Shutdown(); sdq.Stop() }()

		var blank Addr
		blank.Port = 7070
		blank.Nonce = 123

		conn, _, observedMe, err := rawDialHandshake(saddr, blank)
		panicOn(err)
		defer conn.Close()

		c := connectFrame{
			Features: FeaturesAll, ProtocolVersion: ProtoVersion,
			HostType: HostClient, GlobalSeq: 1, ConnectSeq: 0,
		}
		reply, _, err := rawConnectRound(conn, c, nil)
		panicOn(err)
		cv.So(reply.Tag, cv.ShouldEqual, tagReady)
		expectEvent(t, sdq, EventAccept)

		want := blank
		want.IP = observedMe.IP // same host: loopback
		want.Family = observedMe.Family
		want.Port = 7070
		want.Nonce = 123
		waitFor(t, "substituted registration", func() bool {
			return srv.LookupPipe(want) != nil
		})
	})
}
