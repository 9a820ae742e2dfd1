package msgpipe

// reader.go: the per-pipe reader goroutine. Reads one
// tag byte at a time and dispatches; any read error at
// any byte faults the pipe and the loop decides what to
// do from the resulting state.

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/glycerine/idem"
)

func (p *Pipe) reader(halt *idem.Halter) {
	defer halt.Done.Close()

	p.mut.Lock()
	st := p.state
	p.mut.Unlock()
	if st == stateAccepting {
		p.accept()
	}

	p.mut.Lock()

	// loop.
	for p.state != stateClosed && p.state != stateConnecting {

		// sleep if (re)connecting
		if p.state == stateStandby {
			//pp("reader sleeping during reconnect|standby")
			p.cond.Wait()
			continue
		}

		conn := p.conn
		p.mut.Unlock()

		var tag [1]byte
		//pp("reader reading tag...")
		if err := tcpReadFull(p.cfg, conn, tag[:]); err != nil {
			p.mut.Lock()
			//pp("reader couldn't read tag, '%v'", err)
			p.fault(true)
			continue
		}

		switch tag[0] {
		case tagKeepalive:
			//pp("reader got KEEPALIVE")
			p.mut.Lock()
			continue

		case tagAck:
			//pp("reader got ACK")
			var seqb [8]byte
			err := tcpReadFull(p.cfg, conn, seqb[:])
			p.mut.Lock()
			if err != nil {
				//pp("reader couldn't read ack seq, '%v'", err)
				p.fault(true)
			} else if p.state != stateClosed {
				p.handleAck(binary.LittleEndian.Uint64(seqb[:]))
			}
			continue

		case tagMsg:
			//pp("reader got MSG")
			m, err := p.readMessage(conn)

			p.mut.Lock()

			if m == nil {
				if err != nil {
					p.fault(true)
				}
				continue
			}

			if p.state == stateClosed || p.state == stateConnecting {
				p.msgr.dispatchThrottleRelease(m.dispatchSize)
				m.Release()
				continue
			}

			// check received seq#. if it is old, drop the
			// message: an idempotent redelivery after a
			// reconnect replay.
			if m.Seq <= p.inSeq {
				alwaysPrintf("reader got old message %v <= %v, discarding", m.Seq, p.inSeq)
				p.msgr.dispatchThrottleRelease(m.dispatchSize)
				m.Release()
				continue
			}

			m.conn = p.cs

			// note last received message.
			p.inSeq = m.Seq

			p.cond.Broadcast() // wake up writer, to ack this

			//pp("reader got message %v %v", m.Seq, m)

			if p.delay != nil {
				var release time.Time
				if pseudoRandN(10000) < int(p.cfg.InjectDelayProbability*10000.0) {
					release = m.recvStamp.Add(
						time.Duration(float64(p.cfg.InjectDelayMax) * float64(pseudoRandN(10000)) / 10000.0))
					alwaysPrintf("queue_received will delay until %v on %v", nice(release), m)
				}
				p.delay.queue(release, m)
			} else {
				p.msgr.dispatch.Enqueue(m, m.Prio, p.connID)
			}
			continue

		case tagClose:
			//pp("reader got CLOSE")
			p.mut.Lock()
			if p.state == stateClosing {
				p.state = stateClosed
				p.stateClosedFlag.Store(true)
			} else {
				p.state = stateClosing
			}
			p.cond.Broadcast()

		default:
			alwaysPrintf("reader bad tag %v", int(tag[0]))
			p.mut.Lock()
			p.fault(true)
			continue
		}
		break
	}

	// reap?
	p.readerRunning = false
	p.readerNeedsJoin = true
	p.unlockMaybeReap()
	//pp("reader done")
}

// readMessage pulls one framed message off the wire.
// Throttle reservations taken here are balanced on every
// exit path: errors and aborted messages release them
// before returning; successful messages carry them out
// for release at dispatch completion.
//
// Returns (nil, nil) for an aborted message (footer
// Complete flag absent): silently discarded, no fault.
func (p *Pipe) readMessage(conn net.Conn) (m *Message, err error) {

	// the header and footer layouts are negotiated by two
	// independent feature bits.
	legacyHdr := !p.cs.HasFeature(FeatureNoSrcAddr)
	legacyFtr := !p.cs.HasFeature(FeatureMsgAuth)
	hdrBytes := make([]byte, headerLen(legacyHdr))
	if err = tcpReadFull(p.cfg, conn, hdrBytes); err != nil {
		return nil, err
	}
	hdr, err := DecodeHeader(hdrBytes, legacyHdr)
	if err != nil {
		// bad header crc or truncation
		alwaysPrintf("reader got bad header: '%v'", err)
		return nil, err
	}

	//pp("reader got envelope type=%v front=%v middle=%v data=%v off=%v",
	//	hdr.Type, hdr.FrontLen, hdr.MiddleLen, hdr.DataLen, hdr.DataOff)

	recvStamp := time.Now()

	if p.policy.ThrottlerMessages != nil {
		//pp("reader wants 1 message from policy throttler %v/%v",
		//	p.policy.ThrottlerMessages.Current(), p.policy.ThrottlerMessages.Max())
		p.policy.ThrottlerMessages.Get(1)
	}

	messageSize := uint64(hdr.FrontLen) + uint64(hdr.MiddleLen) + uint64(hdr.DataLen)
	if messageSize > 0 {
		if p.policy.ThrottlerBytes != nil {
			//pp("reader wants %v bytes from policy throttler %v/%v", messageSize,
			//	p.policy.ThrottlerBytes.Current(), p.policy.ThrottlerBytes.Max())
			p.policy.ThrottlerBytes.Get(int64(messageSize))
		}

		// throttle total bytes waiting for dispatch. do this
		// _after_ the policy throttle, as this one does not
		// deadlock (unless dispatch blocks indefinitely,
		// which it shouldn't). in contrast, the policy
		// throttle carries for the lifetime of the message.
		p.msgr.dispatchThrottler.Get(int64(messageSize))
	}

	// dethrottle releases everything taken above; used by
	// every early exit below.
	dethrottle := func() {
		if p.policy.ThrottlerMessages != nil {
			p.policy.ThrottlerMessages.Put(1)
		}
		if messageSize > 0 {
			if p.policy.ThrottlerBytes != nil {
				p.policy.ThrottlerBytes.Put(int64(messageSize))
			}
			p.msgr.dispatchThrottleRelease(messageSize)
		}
	}

	throttleStamp := time.Now()

	// read front
	var front, middle []byte
	if hdr.FrontLen > 0 {
		front = make([]byte, hdr.FrontLen)
		if err = tcpReadFull(p.cfg, conn, front); err != nil {
			dethrottle()
			return nil, err
		}
	}

	// read middle
	if hdr.MiddleLen > 0 {
		middle = make([]byte, hdr.MiddleLen)
		if err = tcpReadFull(p.cfg, conn, middle); err != nil {
			dethrottle()
			return nil, err
		}
	}

	// read data, into a caller-staged rx buffer when one
	// is registered for this tid, else into a fresh
	// alignment-preserving allocation.
	var data []byte
	if hdr.DataLen > 0 {
		var pieces [][]byte
		if rxb, ok := p.cs.rxBuffers.Get(hdr.TID); ok {
			//pp("reader selecting rx buffer v %v len pieces %v", rxb.version, len(rxb.pieces))
			pieces = rxb.pieces
			if totalLen(pieces) < int(hdr.DataLen) {
				pieces = allocAlignedBuffer(hdr.DataLen, hdr.DataOff)
			}
		} else {
			//pp("reader allocating new rx buffer")
			pieces = allocAlignedBuffer(hdr.DataLen, hdr.DataOff)
		}
		left := int(hdr.DataLen)
		for _, piece := range pieces {
			if left == 0 {
				break
			}
			n := len(piece)
			if n > left {
				n = left
			}
			if err = tcpReadFull(p.cfg, conn, piece[:n]); err != nil {
				dethrottle()
				return nil, err
			}
			data = append(data, piece[:n]...)
			left -= n
		}
	}

	// footer
	ftrBytes := make([]byte, footerLen(legacyFtr))
	if err = tcpReadFull(p.cfg, conn, ftrBytes); err != nil {
		dethrottle()
		return nil, err
	}
	ftr, err := DecodeFooter(ftrBytes, legacyFtr)
	if err != nil {
		dethrottle()
		return nil, err
	}

	if ftr.Flags&footerComplete == 0 {
		alwaysPrintf("reader got %v + %v + %v byte message.. ABORTED",
			len(front), len(middle), len(data))
		dethrottle()
		return nil, nil
	}

	if ftr.Flags&footerNoCrc == 0 {
		if got := crc32c(0, front); got != ftr.FrontCrc {
			dethrottle()
			return nil, fmt.Errorf("reader got bad front crc %v != %v", got, ftr.FrontCrc)
		}
		if got := crc32c(0, middle); got != ftr.MiddleCrc {
			dethrottle()
			return nil, fmt.Errorf("reader got bad middle crc %v != %v", got, ftr.MiddleCrc)
		}
		if got := crc32c(0, data); got != ftr.DataCrc {
			dethrottle()
			return nil, fmt.Errorf("reader got bad data crc %v != %v", got, ftr.DataCrc)
		}
	}

	// check the signature if one should be present.
	if p.sec != nil {
		if err = p.sec.checkSignature(hdrBytes[:len(hdrBytes)-4], &ftr); err != nil {
			alwaysPrintf("%v", err)
			dethrottle()
			return nil, err
		}
	}

	m = &Message{
		Type:    hdr.Type,
		TID:     hdr.TID,
		Prio:    int(hdr.Prio),
		Seq:     hdr.Seq,
		DataOff: hdr.DataOff,
		Front:   front,
		Middle:  middle,
		Data:    data,
	}

	// store the reservations in the message, so we don't
	// get confused by messages entering the dispatch
	// queue through other paths.
	m.byteTh = p.policy.ThrottlerBytes
	m.msgTh = p.policy.ThrottlerMessages
	m.dispatchSize = messageSize
	m.recvStamp = recvStamp
	m.throttleStamp = throttleStamp

	return m, nil
}

func totalLen(pieces [][]byte) (n int) {
	for _, p := range pieces {
		n += len(p)
	}
	return
}

