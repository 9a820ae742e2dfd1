package msgpipe

// connect.go: the connecting side of the handshake. Runs
// on the writer goroutine with p.mut held on entry and
// exit; the socket work happens with it dropped.

import (
	"bytes"
	"encoding/binary"
	"net"
	"time"
)

func (p *Pipe) connect() int {
	//pp("connect %v", p.connectSeq)

	var (
		err           error
		conn          net.Conn
		connect       connectFrame
		reply         connectReply
		authorizer    *Authorizer
		authReply     []byte
		featMissing   uint64
		newlyAckedSeq uint64
		paddr         Addr
		peerAddrForMe Addr
		buf           []byte
		myaddr        Addr
		gotBadAuth    bool
		tag           int8 = -1
	)

	cfg := p.cfg
	msgr := p.msgr

	cseq := p.connectSeq
	gseq := msgr.GetGlobalSeq()

	// stop reader task
	p.joinReader()

	p.mut.Unlock()

	// close old socket. this is safe because we stopped
	// the reader above.
	if p.conn != nil {
		p.conn.Close()
	}

	// create socket and connect
	//pp("connecting to %v", &p.peerAddr)
	{
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err = d.Dial("tcp", p.peerAddr.HostPort())
	}
	if err != nil {
		//pp("connect error %v: '%v'", &p.peerAddr, err)
		goto fail
	}

	p.mut.Lock()
	p.conn = conn
	p.mut.Unlock()

	setSocketOptions(cfg, conn)

	// verify banner
	buf = make([]byte, len(Banner))
	if err = tcpReadFull(cfg, conn, buf); err != nil {
		//pp("connect couldn't read banner, '%v'", err)
		goto fail
	}
	if !bytes.Equal(buf, []byte(Banner)) {
		alwaysPrintf("connect protocol error (bad banner) on peer %v", &p.peerAddr)
		goto fail
	}
	if err = tcpWriteBuffers(cfg, conn, net.Buffers{[]byte(Banner)}); err != nil {
		//pp("connect couldn't write my banner, '%v'", err)
		goto fail
	}

	// identify peer: their declared addr, then what we
	// look like from their side.
	buf = make([]byte, 2*addrWireLen)
	if err = tcpReadFull(cfg, conn, buf); err != nil {
		//pp("connect couldn't read peer addrs, '%v'", err)
		goto fail
	}
	paddr, err = DecodeAddr(buf[:addrWireLen])
	if err != nil {
		goto fail
	}
	peerAddrForMe, err = DecodeAddr(buf[addrWireLen:])
	if err != nil {
		goto fail
	}
	p.port = int(peerAddrForMe.Port)

	//pp("connect read peer addr %v", &paddr)
	if !paddr.Equal(p.peerAddr) {
		if paddr.IsBlankIP() &&
			p.peerAddr.Port == paddr.Port &&
			p.peerAddr.Nonce == paddr.Nonce {
			alwaysPrintf("connect claims to be %v not %v - presumably this is the same node!",
				&paddr, &p.peerAddr)
		} else {
			alwaysPrintf("connect claims to be %v not %v - wrong node!", &paddr, &p.peerAddr)
			goto fail
		}
	}

	//pp("connect peer addr for me is %v", &peerAddrForMe)
	msgr.learnedAddr(peerAddrForMe)

	myaddr = msgr.MyAddr()
	if err = tcpWriteBuffers(cfg, conn, net.Buffers{myaddr.Encode(nil)}); err != nil {
		//pp("connect couldn't write my addr, '%v'", err)
		goto fail
	}
	//pp("connect sent my addr %v", &myaddr)

	for {
		authorizer = msgr.getAuthorizer(p.peerType, false)

		connect = connectFrame{}
		connect.Features = p.policy.FeaturesSupported
		connect.HostType = msgr.myType
		connect.GlobalSeq = gseq
		connect.ConnectSeq = cseq
		connect.ProtocolVersion = ProtoVersion
		if authorizer != nil {
			connect.AuthorizerProtocol = authorizer.Protocol
			connect.AuthorizerLen = uint32(len(authorizer.Blob))
			//pp("connect.authorizer_len=%v protocol=%v", connect.AuthorizerLen, connect.AuthorizerProtocol)
		}
		connect.Flags = 0
		if p.policy.Lossy {
			connect.Flags |= flagLossy // this is fyi, actually, server decides!
		}

		//pp("connect sending gseq=%v cseq=%v proto=%v", gseq, cseq, connect.ProtocolVersion)
		{
			bufs := net.Buffers{connect.Encode(nil)}
			if authorizer != nil {
				bufs = append(bufs, authorizer.Blob)
			}
			if err = tcpWriteBuffers(cfg, conn, bufs); err != nil {
				//pp("connect couldn't write gseq, cseq, '%v'", err)
				goto fail
			}
		}

		//pp("connect wrote (self +) cseq, waiting for reply")
		buf = make([]byte, connectReplyWireLen)
		if err = tcpReadFull(cfg, conn, buf); err != nil {
			//pp("connect read reply '%v'", err)
			goto fail
		}
		reply, err = decodeConnectReply(buf)
		if err != nil {
			goto fail
		}
		//pp("connect got reply tag %v connect_seq %v global_seq %v proto %v flags %v",
		//	tagName(reply.Tag), reply.ConnectSeq, reply.GlobalSeq, reply.ProtocolVersion, reply.Flags)

		authReply = nil
		if reply.AuthorizerLen > 0 {
			//pp("reply.authorizer_len=%v", reply.AuthorizerLen)
			authReply = make([]byte, reply.AuthorizerLen)
			if err = tcpReadFull(cfg, conn, authReply); err != nil {
				//pp("connect couldn't read connect authorizer_reply")
				goto fail
			}
		}

		if authorizer != nil && reply.Tag != tagBadAuthorizer {
			if !authorizer.VerifyReply(authReply) {
				alwaysPrintf("failed verifying authorize reply")
				goto fail
			}
		}

		if cfg.InjectInternalDelays > 0 {
			//pp("sleep for %v", cfg.InjectInternalDelays)
			time.Sleep(cfg.InjectInternalDelays)
		}

		p.mut.Lock()
		if p.state != stateConnecting {
			alwaysPrintf("connect got RESETSESSION but no longer connecting")
			goto stopLocked
		}

		if reply.Tag == tagFeatures {
			alwaysPrintf("connect protocol feature mismatch, my %x < peer %x missing %x",
				connect.Features, reply.Features,
				reply.Features&^p.policy.FeaturesSupported)
			goto failLocked
		}

		if reply.Tag == tagBadProtoVer {
			alwaysPrintf("connect protocol version mismatch, my %v != %v",
				connect.ProtocolVersion, reply.ProtocolVersion)
			goto failLocked
		}

		if reply.Tag == tagBadAuthorizer {
			alwaysPrintf("connect got BADAUTHORIZER")
			if gotBadAuth {
				goto stopLocked
			}
			gotBadAuth = true
			p.mut.Unlock()
			authorizer = msgr.getAuthorizer(p.peerType, true) // try harder
			continue
		}
		if reply.Tag == tagResetSession {
			alwaysPrintf("connect got RESETSESSION")
			p.wasSessionReset()
			cseq = 0
			p.mut.Unlock()
			continue
		}
		if reply.Tag == tagRetryGlobal {
			gseq = msgr.GetGlobalSeqAtLeast(reply.GlobalSeq)
			//pp("connect got RETRY_GLOBAL %v chose new %v", reply.GlobalSeq, gseq)
			p.mut.Unlock()
			continue
		}
		if reply.Tag == tagRetrySession {
			if reply.ConnectSeq <= p.connectSeq {
				panic("RETRY_SESSION did not advance connect_seq")
			}
			//pp("connect got RETRY_SESSION %v -> %v", p.connectSeq, reply.ConnectSeq)
			cseq = reply.ConnectSeq
			p.connectSeq = reply.ConnectSeq
			p.mut.Unlock()
			continue
		}

		if reply.Tag == tagWait {
			alwaysPrintf("connect got WAIT (connection race)")
			p.state = stateWait
			goto stopLocked
		}

		if reply.Tag == tagReady || reply.Tag == tagSeq {
			featMissing = p.policy.FeaturesRequired &^ reply.Features
			if featMissing != 0 {
				alwaysPrintf("connect missing required features %x", featMissing)
				goto failLocked
			}

			if reply.Tag == tagSeq {
				//pp("got SEQ, reading acked_seq and writing in_seq")
				buf = make([]byte, 8)
				if err = tcpReadFull(cfg, conn, buf); err != nil {
					//pp("connect read error on newly_acked_seq")
					goto failLocked
				}
				newlyAckedSeq = binary.LittleEndian.Uint64(buf)
				p.handleAck(newlyAckedSeq)
				// anything already requeued for resend that
				// the peer has acked can go too.
				p.discardRequeuedUpTo(newlyAckedSeq)
				buf = make([]byte, 8)
				binary.LittleEndian.PutUint64(buf, p.inSeq)
				if err = tcpWriteBuffers(cfg, conn, net.Buffers{buf}); err != nil {
					//pp("connect write error on in_seq")
					goto failLocked
				}
			}

			// hooray!
			p.peerGlobalSeq = reply.GlobalSeq
			p.policy.Lossy = reply.Flags&flagLossy != 0
			p.state = stateOpen
			p.connectSeq = cseq + 1
			if p.connectSeq != reply.ConnectSeq {
				panic("connect_seq disagreement at open")
			}
			p.backoff = 0
			p.cs.setFeatures(reply.Features & connect.Features)
			//pp("connect success %v, lossy = %v, features %x", p.connectSeq, p.policy.Lossy, p.cs.Features())

			// with an authorizer in hand, set up ongoing
			// message security for the session.
			if authorizer != nil {
				p.sec = newSessionSecurity(authorizer.Protocol, authorizer.SessionKey, p.cs.Features())
			} else {
				// no authorizer, so no security on this pipe.
				p.sec = nil
			}

			msgr.dispatch.QueueConnect(p.cs)

			if !p.readerRunning {
				//pp("connect starting reader")
				p.startReader()
			}
			p.maybeStartDelayThread()
			return 0
		}

		// protocol error
		alwaysPrintf("connect got bad tag %v", tag)
		goto failLocked
	}

fail:
	if cfg.InjectInternalDelays > 0 {
		//pp("sleep for %v", cfg.InjectInternalDelays)
		time.Sleep(cfg.InjectInternalDelays)
	}

	p.mut.Lock()
failLocked:
	if p.state == stateConnecting {
		p.fault(false)
	} else {
		alwaysPrintf("connect fault, but state = %v != connecting, stopping", p.state)
	}

stopLocked:
	return -1
}
