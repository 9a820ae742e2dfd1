package msgpipe

// reconnect_test.go: a scripted server drives a real
// client through fault, reconnect-by-seq, and replay,
// with full control over which messages get acked.

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// scriptedAccept accepts one conn and runs the accepting
// side of the handshake, then reads connect rounds with
// the supplied reply function until it returns done.
func scriptedAccept(t *testing.T, ln net.Listener, self Addr,
	rounds func(c connectFrame) (reply connectReply, done bool)) (conn net.Conn, last connectFrame) {
	t.Helper()
	conn, err := ln.Accept()
	panicOn(err)
	_, err = rawAcceptHandshake(conn, self)
	panicOn(err)
	for {
		c, _, err := rawReadConnect(conn)
		panicOn(err)
		last = c
		reply, done := rounds(c)
		panicOn(rawWriteReply(conn, reply, nil))
		if done {
			return
		}
	}
}

func TestReconnect301_replay_after_fault(t *testing.T) {

	cv.Convey("after a transport fault, the client reconnects with SEQ, discards what the peer acked, and replays the rest with the original sequence numbers", t, func() {

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		panicOn(err)
		defer ln.Close()

		self := addrFromNetAddr(ln.Addr())
		self.Nonce = 77

		cfg := NewConfig()
		cfg.ConnectTimeout = 5 * time.Second
		cfg.InitialBackoff = 10 * time.Millisecond
		cfg.MaxBackoff = 100 * time.Millisecond

		cdq := NewDispatchQueue()
		cli := NewMessenger("cli", HostClient, cfg, cdq)
		cli.SetDefaultPolicy(PolicyLosslessClient(0))
		defer func() { cli.Shutdown(); cdq.Stop() }()

		for _, payload := range []string{"a", "b", "c"} {
			m := NewMessage()
			m.Front = []byte(payload)
			panicOn(cli.Send(self, HostStore, m))
		}

		// session 1: open at cseq 0, read the three sends,
		// ack only seq 1.
		conn1, c1 := scriptedAccept(t, ln, self, func(c connectFrame) (connectReply, bool) {
			return connectReply{
				Tag: tagReady, Features: FeaturesAll, GlobalSeq: 1,
				ConnectSeq: c.ConnectSeq + 1, ProtocolVersion: ProtoVersion,
			}, true
		})
		cv.So(c1.ConnectSeq, cv.ShouldEqual, 0)

		var seqs []uint64
		var fronts []string
		for i := 0; i < 3; i++ {
			tag, hdr, front, _, _, ftr, err := rawReadFrame(conn1)
			panicOn(err)
			cv.So(tag, cv.ShouldEqual, tagMsg)
			cv.So(ftr.Flags&footerComplete, cv.ShouldNotEqual, 0)
			seqs = append(seqs, hdr.Seq)
			fronts = append(fronts, string(front))
		}
		cv.So(seqs, cv.ShouldResemble, []uint64{1, 2, 3})
		cv.So(fronts, cv.ShouldResemble, []string{"a", "b", "c"})

		panicOn(rawWriteAck(conn1, 1))

		cliPipe := cli.LookupPipe(self)
		cv.So(cliPipe, cv.ShouldNotBeNil)
		waitFor(t, "ack 1 to trim the sent list", func() bool {
			return snap(cliPipe).sentLen == 2
		})

		// fault the transport.
		conn1.Close()

		// session 2: the client redials with a bumped cseq;
		// answer SEQ, claim we kept seq 1, and watch 2 and 3
		// replay with their original numbers.
		conn2, c2 := scriptedAccept(t, ln, self, func(c connectFrame) (connectReply, bool) {
			return connectReply{
				Tag: tagSeq, Features: FeaturesAll, GlobalSeq: 2,
				ConnectSeq: c.ConnectSeq + 1, ProtocolVersion: ProtoVersion,
			}, true
		})
		defer conn2.Close()
		cv.So(c2.ConnectSeq, cv.ShouldEqual, 2)
		cv.So(c2.Features&FeatureReconnectSeq, cv.ShouldNotEqual, 0)

		// accept->connect: we write our in_seq first, then
		// read the client's.
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, 1)
		_, err = conn2.Write(b)
		panicOn(err)
		_, err = io.ReadFull(conn2, b)
		panicOn(err)
		cv.So(binary.LittleEndian.Uint64(b), cv.ShouldEqual, 0)

		seqs = nil
		fronts = nil
		for i := 0; i < 2; i++ {
			tag, hdr, front, _, _, _, err := rawReadFrame(conn2)
			panicOn(err)
			cv.So(tag, cv.ShouldEqual, tagMsg)
			seqs = append(seqs, hdr.Seq)
			fronts = append(fronts, string(front))
		}
		cv.So(seqs, cv.ShouldResemble, []uint64{2, 3})
		cv.So(fronts, cv.ShouldResemble, []string{"b", "c"})

		panicOn(rawWriteAck(conn2, 3))
		waitFor(t, "ack 3 to drain the sent list", func() bool {
			s := snap(cliPipe)
			return s.sentLen == 0 && s.state == stateOpen
		})
		s := snap(cliPipe)
		cv.So(s.outSeq, cv.ShouldEqual, 3)
		cv.So(s.connectSeq, cv.ShouldEqual, 3)
	})
}

func TestReconnect302_connect_side_reset_and_wait(t *testing.T) {

	cv.Convey("a RESETSESSION reply makes the client discard its session and retry at cseq 0", t, func() {

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		panicOn(err)
		defer ln.Close()

		self := addrFromNetAddr(ln.Addr())
		self.Nonce = 88

		cfg := NewConfig()
		cfg.ConnectTimeout = 5 * time.Second
		cfg.InitialBackoff = 10 * time.Millisecond

		cdq := NewDispatchQueue()
		cli := NewMessenger("cli", HostClient, cfg, cdq)
		cli.SetDefaultPolicy(PolicyLosslessClient(0))
		defer func() { cli.Shutdown(); cdq.Stop() }()

		m := NewMessage()
		m.Front = []byte("after the reset")
		panicOn(cli.Send(self, HostStore, m))

		nrounds := 0
		conn, last := scriptedAccept(t, ln, self, func(c connectFrame) (connectReply, bool) {
			nrounds++
			if nrounds == 1 {
				return connectReply{
					Tag: tagResetSession, Features: FeaturesAll,
					ProtocolVersion: ProtoVersion,
				}, false
			}
			return connectReply{
				Tag: tagReady, Features: FeaturesAll, GlobalSeq: 1,
				ConnectSeq: c.ConnectSeq + 1, ProtocolVersion: ProtoVersion,
			}, true
		})
		defer conn.Close()

		// the retry came back at cseq 0 and the session
		// reset surfaced as a remote-reset event.
		cv.So(last.ConnectSeq, cv.ShouldEqual, 0)
		expectEvent(t, cdq, EventRemoteReset)
		expectEvent(t, cdq, EventConnect)

		// the queued message survived? no: a session reset
		// discards queued traffic by design of the reset,
		// so nothing should arrive. confirm the pipe opened.
		cliPipe := cli.LookupPipe(self)
		waitFor(t, "client pipe open after reset+retry", func() bool {
			return snap(cliPipe).state == stateOpen
		})
	})

	cv.Convey("a WAIT reply parks the connecting pipe in the wait state", t, func() {

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		panicOn(err)
		defer ln.Close()

		self := addrFromNetAddr(ln.Addr())
		self.Nonce = 89

		cfg := NewConfig()
		cfg.ConnectTimeout = 5 * time.Second

		cdq := NewDispatchQueue()
		cli := NewMessenger("cli", HostClient, cfg, cdq)
		cli.SetDefaultPolicy(PolicyLosslessClient(0))
		defer func() { cli.Shutdown(); cdq.Stop() }()

		m := NewMessage()
		m.Front = []byte("racing")
		panicOn(cli.Send(self, HostStore, m))

		conn, _ := scriptedAccept(t, ln, self, func(c connectFrame) (connectReply, bool) {
			return connectReply{
				Tag: tagWait, Features: FeaturesAll, ProtocolVersion: ProtoVersion,
			}, true
		})
		defer conn.Close()

		cliPipe := cli.LookupPipe(self)
		waitFor(t, "client pipe to reach wait", func() bool {
			return snap(cliPipe).state == stateWait
		})
	})
}
