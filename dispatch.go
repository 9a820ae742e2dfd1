package msgpipe

// dispatch.go: the sink that successfully received
// messages (and connection control events) drain into.
// Pipes only ever talk to the DispatchSink interface;
// the DispatchQueue below is the default implementation
// used by cmd/ and the tests.

import (
	"container/heap"
	"sync"

	"github.com/glycerine/idem"
)

// EventKind labels the control events a pipe can surface.
type EventKind int

const (
	// EventAccept: an inbound session reached open.
	EventAccept EventKind = iota
	// EventConnect: an outbound session reached open.
	EventConnect
	// EventReset: a lossy pipe died; the connection is gone.
	EventReset
	// EventRemoteReset: the peer restarted and the session
	// state (queues, sequence numbers) was discarded.
	EventRemoteReset
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventConnect:
		return "connect"
	case EventReset:
		return "reset"
	case EventRemoteReset:
		return "remote-reset"
	}
	return "unknown-event"
}

// Event pairs a control event with its connection.
type Event struct {
	Kind EventKind
	Conn *ConnState
}

// Delivered is one received message ready for the
// application, tagged with the pipe's connection id.
type Delivered struct {
	Msg    *Message
	ConnID string
}

// DispatchSink receives everything a pipe produces.
// Enqueue order for a given (pipe, priority) matches
// wire arrival order; ordering across priorities is the
// sink's business.
type DispatchSink interface {
	Enqueue(m *Message, prio int, connID string)
	QueueAccept(cs *ConnState)
	QueueConnect(cs *ConnState)
	QueueReset(cs *ConnState)
	QueueRemoteReset(cs *ConnState)
	DiscardQueue(connID string)
	Stopped() bool
}

// dqItem is one entry in the dispatch heap: either a
// message or a control event (ev != nil).
type dqItem struct {
	m      *Message
	connID string
	ev     *Event

	prio    int
	arrival int64 // tie break: lower arrives first
	index   int   // maintained by heap.Interface
}

// dqHeap implements heap.Interface; highest priority
// first, then arrival order.
type dqHeap []*dqItem

func (h dqHeap) Len() int { return len(h) }

func (h dqHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].arrival < h[j].arrival
}

func (h dqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dqHeap) Push(x any) {
	n := len(*h)
	item := x.(*dqItem)
	item.index = n
	*h = append(*h, item)
}

func (h *dqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // don't stop the GC from reclaiming the item eventually
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// DispatchQueue is the default DispatchSink: a priority
// heap drained by one consumer goroutine into ReceiveCh
// and EventCh.
type DispatchQueue struct {
	mut  sync.Mutex
	cond *sync.Cond

	hea     dqHeap
	arrival int64
	stop    bool

	halt *idem.Halter

	// ReceiveCh delivers messages in priority order.
	ReceiveCh chan *Delivered

	// EventCh delivers connection control events.
	EventCh chan Event

	// releaseFunc, when set, returns the message's
	// dispatch-throttle reservation as it leaves the
	// queue (delivery or discard).
	releaseFunc func(uint64)
}

// NewDispatchQueue starts the consumer goroutine.
func NewDispatchQueue() (q *DispatchQueue) {
	q = &DispatchQueue{
		ReceiveCh: make(chan *Delivered, 128),
		EventCh:   make(chan Event, 32),
		halt:      idem.NewHalter(),
	}
	q.cond = sync.NewCond(&q.mut)
	go q.run()
	return
}

func (q *DispatchQueue) push(it *dqItem) {
	q.mut.Lock()
	if q.stop {
		rf := q.releaseFunc
		q.mut.Unlock()
		if it.m != nil {
			if rf != nil {
				rf(it.m.dispatchSize)
			}
			it.m.Release()
		}
		return
	}
	it.arrival = q.arrival
	q.arrival++
	heap.Push(&q.hea, it)
	q.cond.Signal()
	q.mut.Unlock()
}

// Enqueue queues m for the application.
func (q *DispatchQueue) Enqueue(m *Message, prio int, connID string) {
	q.push(&dqItem{m: m, connID: connID, prio: prio})
}

func (q *DispatchQueue) queueEvent(kind EventKind, cs *ConnState) {
	// events outrank every message priority.
	q.push(&dqItem{ev: &Event{Kind: kind, Conn: cs}, prio: PrioHighest + 1})
}

func (q *DispatchQueue) QueueAccept(cs *ConnState)      { q.queueEvent(EventAccept, cs) }
func (q *DispatchQueue) QueueConnect(cs *ConnState)     { q.queueEvent(EventConnect, cs) }
func (q *DispatchQueue) QueueReset(cs *ConnState)       { q.queueEvent(EventReset, cs) }
func (q *DispatchQueue) QueueRemoteReset(cs *ConnState) { q.queueEvent(EventRemoteReset, cs) }

// DiscardQueue drops every queued message from connID,
// returning their throttle reservations.
func (q *DispatchQueue) DiscardQueue(connID string) {
	q.mut.Lock()
	var keep dqHeap
	var dropped []*dqItem
	for _, it := range q.hea {
		if it.m != nil && it.connID == connID {
			dropped = append(dropped, it)
		} else {
			keep = append(keep, it)
		}
	}
	q.hea = keep
	heap.Init(&q.hea)
	rf := q.releaseFunc
	q.mut.Unlock()
	for _, it := range dropped {
		if rf != nil {
			rf(it.m.dispatchSize)
		}
		it.m.Release()
	}
}

// Stopped reports whether Stop was called; the messenger
// checks this under its lock before opening new sessions.
func (q *DispatchQueue) Stopped() (r bool) {
	q.mut.Lock()
	r = q.stop
	q.mut.Unlock()
	return
}

// Stop halts the consumer and discards the backlog.
func (q *DispatchQueue) Stop() {
	q.mut.Lock()
	if q.stop {
		q.mut.Unlock()
		return
	}
	q.stop = true
	var dropped dqHeap
	dropped, q.hea = q.hea, nil
	rf := q.releaseFunc
	q.cond.Signal()
	q.mut.Unlock()

	for _, it := range dropped {
		if it.m != nil {
			if rf != nil {
				rf(it.m.dispatchSize)
			}
			it.m.Release()
		}
	}
	q.halt.ReqStop.Close()
	<-q.halt.Done.Chan
}

func (q *DispatchQueue) run() {
	defer q.halt.Done.Close()
	for {
		q.mut.Lock()
		for len(q.hea) == 0 && !q.stop {
			q.cond.Wait()
		}
		if q.stop {
			q.mut.Unlock()
			return
		}
		it := heap.Pop(&q.hea).(*dqItem)
		rf := q.releaseFunc
		q.mut.Unlock()

		// never wedge on a consumer that has gone away:
		// Stop closes ReqStop and we bail.
		if it.ev != nil {
			select {
			case q.EventCh <- *it.ev:
			case <-q.halt.ReqStop.Chan:
				return
			}
			continue
		}
		select {
		case q.ReceiveCh <- &Delivered{Msg: it.m, ConnID: it.connID}:
			if rf != nil {
				rf(it.m.dispatchSize)
			}
		case <-q.halt.ReqStop.Chan:
			if rf != nil {
				rf(it.m.dispatchSize)
			}
			it.m.Release()
			return
		}
	}
}
