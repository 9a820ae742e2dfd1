package msgpipe

// writer.go: the per-pipe writer goroutine. Also the
// side that runs the connecting handshake, so a server
// policy pipe (which never connects) parks in standby
// and a client policy pipe redials from here.

import (
	"encoding/binary"
	"net"

	"github.com/glycerine/idem"
)

func (p *Pipe) writer(halt *idem.Halter) {
	defer halt.Done.Close()

	p.mut.Lock()
	for p.state != stateClosed {
		//pp("writer: state = %v policy.server=%v", p.state, p.policy.Server)

		// standby?
		if p.isQueued() && p.state == stateStandby && !p.policy.Server {
			p.connectSeq++
			p.state = stateConnecting
		}

		// connect?
		if p.state == stateConnecting {
			p.connect()
			continue
		}

		if p.state == stateClosing {
			// write close tag: best effort, we don't care
			// whether it lands.
			//pp("writer writing CLOSE tag")
			conn := p.conn
			p.state = stateClosed
			p.stateClosedFlag.Store(true)
			p.mut.Unlock()
			if conn != nil {
				tcpWriteBuffers(p.cfg, conn, net.Buffers{{tagClose}})
			}
			p.mut.Lock()
			continue
		}

		if p.state != stateConnecting && p.state != stateWait && p.state != stateStandby &&
			(p.isQueued() || p.inSeq > p.inSeqAcked || p.keepalive) {

			// keepalive?
			if p.keepalive {
				conn := p.conn
				p.mut.Unlock()
				err := p.writeKeepalive(conn)
				p.mut.Lock()
				if err != nil {
					//pp("writer couldn't write keepalive, '%v'", err)
					p.fault(false)
					continue
				}
				p.keepalive = false
			}

			// send ack?
			if p.inSeq > p.inSeqAcked {
				sendSeq := p.inSeq
				conn := p.conn
				p.mut.Unlock()
				err := p.writeAck(conn, sendSeq)
				p.mut.Lock()
				if err != nil {
					//pp("writer couldn't write ack, '%v'", err)
					p.fault(false)
					continue
				}
				p.inSeqAcked = sendSeq
			}

			// grab outgoing message
			m := p.getNextOutgoing()
			if m != nil {
				p.outSeq++
				m.Seq = p.outSeq
				if !p.policy.Lossy || p.closeOnEmpty {
					// keep it for replay until acked.
					p.sent = append(p.sent, m)
				}

				features := p.cs.Features()
				sec := p.sec
				conn := p.conn
				nocrc := p.cfg.NoCRC

				//pp("writer sending %v %v", m.Seq, m)
				p.mut.Unlock()
				err := p.writeMessage(conn, m, features, sec, nocrc)
				p.mut.Lock()
				if err != nil {
					alwaysPrintf("writer error sending %v: '%v'", m, err)
					p.fault(false)
				}
				if p.policy.Lossy && !p.closeOnEmpty {
					m.markDone()
				}
			}
			continue
		}

		if len(p.sent) == 0 && p.closeOnEmpty {
			//pp("writer out and sent queues empty, closing")
			p.stop()
			continue
		}

		// wait
		//pp("writer sleeping")
		p.cond.Wait()
	}

	//pp("writer finishing")

	// reap?
	p.writerRunning = false
	p.unlockMaybeReap()
	//pp("writer done")
}

func (p *Pipe) writeAck(conn net.Conn, seq uint64) (err error) {
	//pp("write_ack %v", seq)
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], seq)
	return tcpWriteBuffers(p.cfg, conn, net.Buffers{{tagAck}, s[:]})
}

func (p *Pipe) writeKeepalive(conn net.Conn) (err error) {
	//pp("write_keepalive")
	return tcpWriteBuffers(p.cfg, conn, net.Buffers{{tagKeepalive}})
}

// writeMessage frames and sends m under the negotiated
// features: compact or legacy header by FeatureNoSrcAddr,
// compact (signed) or legacy footer by FeatureMsgAuth.
// Runs without p.mut held.
func (p *Pipe) writeMessage(conn net.Conn, m *Message, features uint64, sec *sessionSecurity, nocrc bool) (err error) {

	legacyHdr := features&FeatureNoSrcAddr == 0
	legacyFtr := features&FeatureMsgAuth == 0

	hdr := m.header(p.msgr.MyAddr())
	hdrBytes := hdr.Encode(legacyHdr)

	ftr := Footer{Flags: footerComplete}
	if nocrc {
		ftr.Flags |= footerNoCrc
	} else {
		ftr.FrontCrc = crc32c(0, m.Front)
		ftr.MiddleCrc = crc32c(0, m.Middle)
		ftr.DataCrc = crc32c(0, m.Data)
	}

	// with the crcs in hand, sign. the signature rides in
	// the compact footer only; sec is nil unless msg auth
	// was negotiated, which implies the compact footer.
	if sec != nil {
		sec.signMessage(hdrBytes[:len(hdrBytes)-4], &ftr)
	}

	bufs := net.Buffers{{tagMsg}, hdrBytes}
	if len(m.Front) > 0 {
		bufs = append(bufs, m.Front)
	}
	if len(m.Middle) > 0 {
		bufs = append(bufs, m.Middle)
	}
	if len(m.Data) > 0 {
		bufs = append(bufs, m.Data)
	}
	bufs = append(bufs, ftr.Encode(legacyFtr))

	return tcpWriteBuffers(p.cfg, conn, bufs)
}
