package msgpipe

import (
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/loquet"
)

// Message transports three opaque byte sections for the
// user: Front, Middle, and Data. The pipe owns the
// sequence number; everything else is the caller's.
type Message struct {

	// Type and TID mean whatever the dispatch layer wants
	// them to mean; the pipe only carries them.
	Type uint16
	TID  uint64

	// Prio picks the outgoing queue; higher drains first.
	Prio int

	// Seq is assigned by the writer at transmit time. It
	// is stable across a reconnect replay, which is what
	// lets the receiver drop redeliveries.
	Seq uint64

	// DataOff conveys the sender's alignment of Data so
	// the receiver can reproduce it.
	DataOff uint32

	Front  []byte
	Middle []byte
	Data   []byte

	// LocalErr communicates only local information; it is
	// never serialized.
	LocalErr error

	// DoneCh.WhenClosed() fires once the pipe is done with
	// the message: when the peer acks it on a pipe that
	// keeps sent messages for replay, right after the
	// write on a lossy pipe, or when it is discarded.
	// NewMessage allocates it; readers leave it nil.
	DoneCh *loquet.Chan[Message]

	recvStamp     time.Time
	throttleStamp time.Time

	// dispatchSize remembers the throttle reservation so
	// release stays balanced no matter which path the
	// message leaves by.
	dispatchSize uint64

	// the policy throttlers this message reserved from;
	// Release returns the reservation exactly once.
	byteTh      *Throttle
	msgTh       *Throttle
	releaseOnce sync.Once

	// conn is set on received messages so consumers can
	// answer on the same session.
	conn *ConnState
}

// Connection returns the session a received message
// arrived on; nil on messages the caller built.
func (m *Message) Connection() *ConnState {
	return m.conn
}

// Release returns the policy throttler reservations held
// by a received message. The consumer of the dispatch
// queue calls it when done with the message; every
// internal drop path calls it too. Idempotent.
func (m *Message) Release() {
	m.releaseOnce.Do(func() {
		if m.msgTh != nil {
			m.msgTh.Put(1)
		}
		if m.byteTh != nil {
			m.byteTh.Put(int64(m.PayloadLen()))
		}
	})
}

// NewMessage allocates a Message with its DoneCh ready.
func NewMessage() (m *Message) {
	m = &Message{Prio: PrioDefault}
	m.DoneCh = loquet.NewChan(m)
	return
}

// NewMessageFromBytes puts by in Front of a new Message.
func NewMessageFromBytes(by []byte) (m *Message) {
	m = NewMessage()
	m.Front = by
	return
}

func (m *Message) String() string {
	return fmt.Sprintf("&Message{Type:%v, Seq:%v, Prio:%v, front %v, middle %v, data %v}",
		m.Type, m.Seq, m.Prio, len(m.Front), len(m.Middle), len(m.Data))
}

// PayloadLen is the byte count that throttlers meter.
func (m *Message) PayloadLen() uint64 {
	return uint64(len(m.Front) + len(m.Middle) + len(m.Data))
}

// header builds the envelope for m. The Src field is
// only consulted by the legacy codec.
func (m *Message) header(src Addr) (h Header) {
	h.Seq = m.Seq
	h.TID = m.TID
	h.Type = m.Type
	h.Prio = uint16(m.Prio)
	h.Ver = uint16(ProtoVersion)
	h.FrontLen = uint32(len(m.Front))
	h.MiddleLen = uint32(len(m.Middle))
	h.DataLen = uint32(len(m.Data))
	h.DataOff = m.DataOff
	h.Src = src
	return
}

// markDone closes DoneCh if present.
func (m *Message) markDone() {
	if m.DoneCh != nil {
		m.DoneCh.Close()
	}
}
