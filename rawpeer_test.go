package msgpipe

// rawpeer_test.go: helpers that speak the wire protocol
// by hand, so tests can drive one side of the handshake
// deterministically and assert exact replies.

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

const rawDeadline = 10 * time.Second

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %v", what)
}

// rawDialHandshake dials dest and performs the banner and
// address exchange as a scripted connecting peer claiming
// to be self. Returns the open conn ready for connect
// rounds.
func rawDialHandshake(dest Addr, self Addr) (conn net.Conn, theirAddr, observedMe Addr, err error) {
	conn, err = net.Dial("tcp", dest.HostPort())
	if err != nil {
		return
	}
	conn.SetDeadline(time.Now().Add(rawDeadline))

	b := make([]byte, len(Banner))
	if _, err = io.ReadFull(conn, b); err != nil {
		return
	}
	if string(b) != Banner {
		err = fmt.Errorf("bad banner %q", string(b))
		return
	}
	ab := make([]byte, 2*addrWireLen)
	if _, err = io.ReadFull(conn, ab); err != nil {
		return
	}
	if theirAddr, err = DecodeAddr(ab[:addrWireLen]); err != nil {
		return
	}
	if observedMe, err = DecodeAddr(ab[addrWireLen:]); err != nil {
		return
	}
	if _, err = conn.Write([]byte(Banner)); err != nil {
		return
	}
	_, err = conn.Write(self.Encode(nil))
	return
}

// rawConnectRound sends one connect frame (plus optional
// authorizer blob) and reads the reply (plus its blob).
func rawConnectRound(conn net.Conn, c connectFrame, blob []byte) (reply connectReply, replyBlob []byte, err error) {
	c.AuthorizerLen = uint32(len(blob))
	if _, err = conn.Write(append(c.Encode(nil), blob...)); err != nil {
		return
	}
	rb := make([]byte, connectReplyWireLen)
	if _, err = io.ReadFull(conn, rb); err != nil {
		return
	}
	if reply, err = decodeConnectReply(rb); err != nil {
		return
	}
	if reply.AuthorizerLen > 0 {
		replyBlob = make([]byte, reply.AuthorizerLen)
		_, err = io.ReadFull(conn, replyBlob)
	}
	return
}

// rawSeqExchange runs the scripted peer's half of the
// post-SEQ exchange as the CONNECTING side: read the
// acceptor's in_seq first, then write ours.
func rawSeqExchange(conn net.Conn, ourInSeq uint64) (theirInSeq uint64, err error) {
	b := make([]byte, 8)
	if _, err = io.ReadFull(conn, b); err != nil {
		return
	}
	theirInSeq = binary.LittleEndian.Uint64(b)
	binary.LittleEndian.PutUint64(b, ourInSeq)
	_, err = conn.Write(b)
	return
}

// rawAcceptHandshake performs the accepting side of the
// banner and address exchange on an already-accepted conn.
func rawAcceptHandshake(conn net.Conn, self Addr) (peerDeclared Addr, err error) {
	conn.SetDeadline(time.Now().Add(rawDeadline))

	if _, err = conn.Write([]byte(Banner)); err != nil {
		return
	}
	observed := addrFromNetAddr(conn.RemoteAddr())
	buf := self.Encode(nil)
	buf = observed.Encode(buf)
	if _, err = conn.Write(buf); err != nil {
		return
	}

	b := make([]byte, len(Banner))
	if _, err = io.ReadFull(conn, b); err != nil {
		return
	}
	if string(b) != Banner {
		err = fmt.Errorf("bad banner %q", string(b))
		return
	}
	ab := make([]byte, addrWireLen)
	if _, err = io.ReadFull(conn, ab); err != nil {
		return
	}
	peerDeclared, err = DecodeAddr(ab)
	return
}

// rawReadConnect reads one connect frame plus authorizer.
func rawReadConnect(conn net.Conn) (c connectFrame, blob []byte, err error) {
	b := make([]byte, connectWireLen)
	if _, err = io.ReadFull(conn, b); err != nil {
		return
	}
	if c, err = decodeConnectFrame(b); err != nil {
		return
	}
	if c.AuthorizerLen > 0 {
		blob = make([]byte, c.AuthorizerLen)
		_, err = io.ReadFull(conn, blob)
	}
	return
}

func rawWriteReply(conn net.Conn, reply connectReply, blob []byte) (err error) {
	reply.AuthorizerLen = uint32(len(blob))
	_, err = conn.Write(append(reply.Encode(nil), blob...))
	return
}

// rawReadFrame reads one post-open frame with the
// compact (all-features) layouts. For MSG it returns the
// full message; for ACK the sequence rides in hdr.Seq.
func rawReadFrame(conn net.Conn) (tag byte, hdr Header, front, middle, data []byte, ftr Footer, err error) {
	one := make([]byte, 1)
	if _, err = io.ReadFull(conn, one); err != nil {
		return
	}
	tag = one[0]
	switch tag {
	case tagKeepalive, tagClose:
		return
	case tagAck:
		b := make([]byte, 8)
		if _, err = io.ReadFull(conn, b); err != nil {
			return
		}
		hdr.Seq = binary.LittleEndian.Uint64(b)
		return
	case tagMsg:
		hb := make([]byte, headerWireLen)
		if _, err = io.ReadFull(conn, hb); err != nil {
			return
		}
		if hdr, err = DecodeHeader(hb, false); err != nil {
			return
		}
		front = make([]byte, hdr.FrontLen)
		middle = make([]byte, hdr.MiddleLen)
		data = make([]byte, hdr.DataLen)
		for _, section := range [][]byte{front, middle, data} {
			if len(section) > 0 {
				if _, err = io.ReadFull(conn, section); err != nil {
					return
				}
			}
		}
		fb := make([]byte, footerWireLen)
		if _, err = io.ReadFull(conn, fb); err != nil {
			return
		}
		ftr, err = DecodeFooter(fb, false)
		return
	}
	err = fmt.Errorf("rawReadFrame: unexpected tag %v", tag)
	return
}

func rawWriteAck(conn net.Conn, seq uint64) (err error) {
	b := make([]byte, 9)
	b[0] = tagAck
	binary.LittleEndian.PutUint64(b[1:], seq)
	_, err = conn.Write(b)
	return
}

// firstPipe grabs the only registered pipe of m, for
// inspection.
func firstPipe(m *Messenger) (p *Pipe) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for _, v := range m.rankPipe.all() {
		p = v
		break
	}
	return
}

// pipeSnapshot reads the interesting counters under the
// pipe lock.
type pipeSnapshot struct {
	state      pipeState
	connectSeq uint64
	outSeq     uint64
	inSeq      uint64
	inSeqAcked uint64
	sentLen    int
	queuedLen  int
	keepalive  bool
}

func snap(p *Pipe) (s pipeSnapshot) {
	p.mut.Lock()
	s.state = p.state
	s.connectSeq = p.connectSeq
	s.outSeq = p.outSeq
	s.inSeq = p.inSeq
	s.inSeqAcked = p.inSeqAcked
	s.sentLen = len(p.sent)
	s.keepalive = p.keepalive
	for _, kv := range p.outQ.cached() {
		s.queuedLen += len(kv.val)
	}
	p.mut.Unlock()
	return
}
