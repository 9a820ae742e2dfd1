package msgpipe

// accept.go: the accepting side of the handshake. Runs
// on the reader goroutine of a freshly accepted pipe,
// before the read loop proper. The decision table is
// evaluated under the messenger lock, then under the
// existing pipe's lock when there is one; the reply goes
// out with no locks held.

import (
	"bytes"
	"encoding/binary"
	"net"
	"time"
)

func (p *Pipe) accept() int {
	//pp("accept")

	var (
		err             error
		conn            net.Conn
		connect         connectFrame
		reply           connectReply
		existing        *Pipe
		authorizer      []byte
		authorizerReply []byte
		authorizerValid bool
		sessionKey      []byte
		featMissing     uint64
		replaced        bool
		replyTag        byte
		existingSeq     uint64
		newlyAckedSeq   uint64
		queued          bool
		myAddr          Addr
		socketAddr      Addr
		peerAddr        Addr
		buf             []byte
	)

	cfg := p.cfg
	msgr := p.msgr
	conn = p.conn

	setSocketOptions(cfg, conn)

	// announce myself.
	if err = tcpWriteBuffers(cfg, conn, net.Buffers{[]byte(Banner)}); err != nil {
		//pp("accept couldn't write banner")
		goto failClosed
	}

	// and my addr, plus the peer's socket addr as we see
	// it (they might not know their own ip).
	myAddr = msgr.MyAddr()
	socketAddr = addrFromNetAddr(conn.RemoteAddr())
	buf = myAddr.Encode(nil)
	buf = socketAddr.Encode(buf)
	if err = tcpWriteBuffers(cfg, conn, net.Buffers{buf}); err != nil {
		//pp("accept couldn't write my+peer addr")
		goto failClosed
	}

	//pp("accept socket_addr %v", socketAddr)

	// identify peer
	buf = make([]byte, len(Banner))
	if err = tcpReadFull(cfg, conn, buf); err != nil {
		//pp("accept couldn't read banner")
		goto failClosed
	}
	if !bytes.Equal(buf, []byte(Banner)) {
		alwaysPrintf("accept peer sent bad banner '%v' (should be '%v')", string(buf), Banner)
		goto failClosed
	}
	buf = make([]byte, addrWireLen)
	if err = tcpReadFull(cfg, conn, buf); err != nil {
		//pp("accept couldn't read peer_addr")
		goto failClosed
	}
	peerAddr, err = DecodeAddr(buf)
	if err != nil {
		goto failClosed
	}

	//pp("accept peer addr is %v", peerAddr)
	if peerAddr.IsBlankIP() {
		// peer apparently doesn't know what ip they have;
		// figure it out for them, keeping their declared
		// port and nonce.
		port, nonce := peerAddr.Port, peerAddr.Nonce
		peerAddr.IP = socketAddr.IP
		peerAddr.Family = socketAddr.Family
		peerAddr.Port = port
		peerAddr.Nonce = nonce
		alwaysPrintf("accept peer addr is really %v (socket is %v)", &peerAddr, &socketAddr)
	}
	p.setPeerAddr(peerAddr)

	for {
		buf = make([]byte, connectWireLen)
		if err = tcpReadFull(cfg, conn, buf); err != nil {
			//pp("accept couldn't read connect")
			goto failUnlocked
		}
		connect, err = decodeConnectFrame(buf)
		if err != nil {
			goto failUnlocked
		}

		authorizer = nil
		authorizerReply = nil
		if connect.AuthorizerLen > 0 {
			authorizer = make([]byte, connect.AuthorizerLen)
			if err = tcpReadFull(cfg, conn, authorizer); err != nil {
				//pp("accept couldn't read connect authorizer")
				goto failUnlocked
			}
		}

		//pp("accept got peer connect_seq %v global_seq %v", connect.ConnectSeq, connect.GlobalSeq)

		msgr.mut.Lock()
		if msgr.dispatch.Stopped() {
			goto shuttingDown
		}

		// note peer's type, and pick our policy for it.
		p.setPeerType(connect.HostType)
		p.policy = msgr.getPolicyLocked(connect.HostType)
		//pp("accept of host_type %v, policy.lossy=%v", connect.HostType, p.policy.Lossy)

		reply = connectReply{}
		reply.ProtocolVersion = ProtoVersion

		// mismatch?
		//pp("accept my proto %v, their proto %v", ProtoVersion, connect.ProtocolVersion)
		if connect.ProtocolVersion != ProtoVersion {
			reply.Tag = tagBadProtoVer
			msgr.mut.Unlock()
			goto sendReply
		}

		// require signatures for the keyed flavor?
		if connect.AuthorizerProtocol == AuthFlavorKeyed {
			if connect.HostType == HostStore || connect.HostType == HostMeta {
				if cfg.RequireSignatures || cfg.ClusterRequireSignatures {
					//pp("using keyed auth, requiring MsgAuth feature bit for cluster")
					p.policy.FeaturesRequired |= FeatureMsgAuth
				}
			} else {
				if cfg.RequireSignatures || cfg.ServiceRequireSignatures {
					//pp("using keyed auth, requiring MsgAuth feature bit for service")
					p.policy.FeaturesRequired |= FeatureMsgAuth
				}
			}
		}

		featMissing = p.policy.FeaturesRequired &^ connect.Features
		if featMissing != 0 {
			alwaysPrintf("accept peer missing required features %x", featMissing)
			reply.Tag = tagFeatures
			msgr.mut.Unlock()
			goto sendReply
		}

		msgr.mut.Unlock()

		// check the authorizer. if not good, bail out.
		authorizerValid, authorizerReply, sessionKey =
			msgr.verifyAuthorizer(p.cs, connect.HostType, connect.AuthorizerProtocol, authorizer)
		if !authorizerValid {
			alwaysPrintf("accept: got bad authorizer")
			reply.Tag = tagBadAuthorizer
			p.sec = nil
			goto sendReply
		}

		//pp("accept: setting up session security")

		msgr.mut.Lock()
		if msgr.dispatch.Stopped() {
			goto shuttingDown
		}

		// existing?
		existing = msgr.lookupPipeLocked(peerAddr)
		if existing != nil {
			existing.mut.Lock()

			if connect.GlobalSeq < existing.peerGlobalSeq {
				//pp("accept existing pgs %v > %v, RETRY_GLOBAL", existing.peerGlobalSeq, connect.GlobalSeq)
				reply.Tag = tagRetryGlobal
				reply.GlobalSeq = existing.peerGlobalSeq // so we can send it below
				existing.mut.Unlock()
				msgr.mut.Unlock()
				goto sendReply
			}

			if existing.policy.Lossy {
				alwaysPrintf("accept replacing existing (lossy) channel (new one lossy=%v)", p.policy.Lossy)
				existing.wasSessionReset()
				goto replace
			}

			alwaysPrintf("accept connect_seq %v vs existing %v state %v",
				connect.ConnectSeq, existing.connectSeq, existing.state)

			if connect.ConnectSeq == 0 && existing.connectSeq > 0 {
				alwaysPrintf("accept peer reset, then tried to connect to us, replacing")
				if p.policy.Resetcheck {
					// this resets out_queue and the seq counters
					existing.wasSessionReset()
				}
				goto replace
			}

			if connect.ConnectSeq < existing.connectSeq {
				// old attempt, or we sent READY but they didn't get it.
				//pp("accept existing cseq %v > %v, RETRY_SESSION", existing.connectSeq, connect.ConnectSeq)
				goto retrySession
			}

			if connect.ConnectSeq == existing.connectSeq {
				// if the existing connection successfully opened, and/or
				// subsequently went to standby, then the peer should bump
				// their connect_seq and retry: this is not a connection race
				// we need to resolve here.
				if existing.state == stateOpen || existing.state == stateStandby {
					//pp("accept connection race, OPEN|STANDBY, RETRY_SESSION")
					goto retrySession
				}

				// connection race?
				if peerAddr.Less(myAddr) || existing.policy.Server {
					// incoming wins
					//pp("accept connection race, incoming wins, replacing my attempt")
					goto replace
				}
				// our existing outgoing wins
				//pp("accept connection race, existing outgoing wins, sending WAIT")
				// make sure our outgoing connection will follow through
				existing.sendKeepalive()
				reply.Tag = tagWait
				existing.mut.Unlock()
				msgr.mut.Unlock()
				goto sendReply
			}

			// connect.ConnectSeq > existing.connectSeq
			if p.policy.Resetcheck && existing.connectSeq == 0 {
				// RESETSESSION only used by servers; peers do not reset each other
				alwaysPrintf("accept we reset (peer sent cseq %v, existing.cseq = 0), sending RESETSESSION",
					connect.ConnectSeq)
				reply.Tag = tagResetSession
				msgr.mut.Unlock()
				existing.mut.Unlock()
				goto sendReply
			}

			// reconnect
			//pp("accept peer sent cseq %v > %v", connect.ConnectSeq, existing.connectSeq)
			goto replace
		} // existing

		if p.policy.Resetcheck && connect.ConnectSeq > 0 {
			// we reset, and they are opening a new session
			alwaysPrintf("accept we reset (peer sent cseq %v), sending RESETSESSION", connect.ConnectSeq)
			msgr.mut.Unlock()
			reply.Tag = tagResetSession
			goto sendReply
		}

		// new session
		//pp("accept new session")
		existing = nil
		goto open

	retrySession:
		reply.Tag = tagRetrySession
		reply.ConnectSeq = existing.connectSeq + 1
		existing.mut.Unlock()
		msgr.mut.Unlock()

	sendReply:
		reply.Features = (connect.Features & p.policy.FeaturesSupported) | p.policy.FeaturesRequired
		reply.AuthorizerLen = uint32(len(authorizerReply))
		if err = tcpWriteBuffers(cfg, conn, net.Buffers{reply.Encode(nil)}); err != nil {
			goto failUnlocked
		}
		if len(authorizerReply) > 0 {
			if err = tcpWriteBuffers(cfg, conn, net.Buffers{authorizerReply}); err != nil {
				goto failUnlocked
			}
		}
	}

replace:
	if connect.Features&FeatureReconnectSeq != 0 {
		replyTag = tagSeq
		existingSeq = existing.inSeq
	}
	//pp("accept replacing %v", existing.connID)
	existing.stop()
	existing.unregisterPipe()
	replaced = true

	if !existing.policy.Lossy {
		// drop my ConnState and take over the existing one,
		// so user code holding it keeps working. readMessage
		// and writeMessage dereference it without the pipe
		// lock, so the swap happens before existing restarts.
		p.cs = existing.cs
		existing.cs.resetPipe(p)

		// flush any existing delayed messages
		if existing.delay != nil {
			existing.delay.flush()
		}

		// steal incoming queue
		p.connID, existing.connID = existing.connID, p.connID
		p.inSeq = existing.inSeq
		p.inSeqAcked = existing.inSeq

		// steal outgoing queue and out_seq
		existing.requeueSent()
		p.outSeq = existing.outSeq
		//pp("accept re-queuing on out_seq %v in_seq %v", p.outSeq, p.inSeq)
		for prio, q := range existing.outQ.all() {
			mine, _ := p.outQ.get2(prio)
			p.outQ.set(prio, append(append([]*Message{}, q...), mine...))
		}
		existing.outQ.deleteAll()
	}
	existing.mut.Unlock()

open:
	p.mut.Lock()
	p.connectSeq = connect.ConnectSeq + 1
	p.peerGlobalSeq = connect.GlobalSeq
	p.state = stateOpen
	//pp("accept success, connect_seq = %v, sending READY", p.connectSeq)

	// send READY reply
	reply.Tag = tagReady
	if replyTag != 0 {
		reply.Tag = replyTag
	}
	reply.Features = p.policy.FeaturesSupported
	reply.GlobalSeq = msgr.GetGlobalSeq()
	reply.ConnectSeq = p.connectSeq
	reply.Flags = 0
	reply.AuthorizerLen = uint32(len(authorizerReply))
	if p.policy.Lossy {
		reply.Flags |= flagLossy
	}

	p.cs.setFeatures(reply.Features & connect.Features)
	//pp("accept features %x", p.cs.Features())

	p.sec = newSessionSecurity(connect.AuthorizerProtocol, sessionKey, p.cs.Features())

	// notify
	msgr.dispatch.QueueAccept(p.cs)

	// ok!
	if msgr.dispatch.Stopped() {
		p.mut.Unlock()
		goto shuttingDown
	}
	p.registerPipe()
	p.mut.Unlock()
	msgr.mut.Unlock()

	if err = tcpWriteBuffers(cfg, conn, net.Buffers{reply.Encode(nil)}); err != nil {
		goto failRegistered
	}
	if len(authorizerReply) > 0 {
		if err = tcpWriteBuffers(cfg, conn, net.Buffers{authorizerReply}); err != nil {
			goto failRegistered
		}
	}

	if replyTag == tagSeq {
		buf = make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, existingSeq)
		if err = tcpWriteBuffers(cfg, conn, net.Buffers{buf}); err != nil {
			//pp("accept write error on in_seq")
			goto failRegistered
		}
		buf = make([]byte, 8)
		if err = tcpReadFull(cfg, conn, buf); err != nil {
			//pp("accept read error on newly_acked_seq")
			goto failRegistered
		}
		newlyAckedSeq = binary.LittleEndian.Uint64(buf)
	}

	p.mut.Lock()
	p.discardRequeuedUpTo(newlyAckedSeq)
	if p.state != stateClosed {
		//pp("accept starting writer, state %v", p.state)
		p.startWriter()
	}
	//pp("accept done")
	p.mut.Unlock()

	p.maybeStartDelayThread()

	return 0 // success.

failRegistered:
	//pp("accept fault after register")
	if cfg.InjectInternalDelays > 0 {
		//pp("sleep for %v", cfg.InjectInternalDelays)
		time.Sleep(cfg.InjectInternalDelays)
	}

failUnlocked:
	p.mut.Lock()
	if p.state != stateClosed {
		queued = p.isQueued()
		//pp("accept fail, queued = %v", queued)
		if queued {
			if p.policy.Server {
				p.state = stateStandby
			} else {
				p.state = stateConnecting
			}
		} else if replaced {
			p.state = stateStandby
		} else {
			p.state = stateClosed
			p.stateClosedFlag.Store(true)
		}
		p.fault(false)
		if (queued || replaced) && !p.writerRunning {
			p.startWriter()
		}
	}
	p.mut.Unlock()
	return -1

failClosed:
	p.mut.Lock()
	p.state = stateClosed
	p.stateClosedFlag.Store(true)
	p.mut.Unlock()
	return -1

shuttingDown:
	msgr.mut.Unlock()

	if cfg.InjectInternalDelays > 0 {
		//pp("sleep for %v", cfg.InjectInternalDelays)
		time.Sleep(cfg.InjectInternalDelays)
	}

	p.mut.Lock()
	p.state = stateClosed
	p.stateClosedFlag.Store(true)
	p.fault(false)
	p.mut.Unlock()
	return -1
}
