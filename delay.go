package msgpipe

// delay.go: optional per-pipe delayed delivery, a fault
// injection aid. Received messages are held until a
// wall-clock release time before moving on to the
// dispatch queue.

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
)

type delayedMsg struct {
	release time.Time
	m       *Message
}

type delayedDelivery struct {
	pipe *Pipe

	mut  sync.Mutex
	cond *sync.Cond

	delayQueue []delayedMsg
	stop       bool

	halt *idem.Halter
}

func newDelayedDelivery(p *Pipe) (d *delayedDelivery) {
	d = &delayedDelivery{
		pipe: p,
		halt: idem.NewHalter(),
	}
	d.cond = sync.NewCond(&d.mut)
	go d.run()
	return
}

// queue holds m until release; a zero release forwards
// at the next wakeup.
func (d *delayedDelivery) queue(release time.Time, m *Message) {
	d.mut.Lock()
	d.delayQueue = append(d.delayQueue, delayedMsg{release: release, m: m})
	d.cond.Signal()
	d.mut.Unlock()
}

// discard drops everything held, returning throttle
// reservations.
func (d *delayedDelivery) discard() {
	//pp("delayedDelivery discard")
	d.mut.Lock()
	q := d.delayQueue
	d.delayQueue = nil
	d.mut.Unlock()
	for _, dm := range q {
		d.pipe.msgr.dispatchThrottleRelease(dm.m.dispatchSize)
		dm.m.Release()
	}
}

// flush forwards everything held to the dispatch queue
// immediately.
func (d *delayedDelivery) flush() {
	//pp("delayedDelivery flush")
	d.mut.Lock()
	q := d.delayQueue
	d.delayQueue = nil
	d.mut.Unlock()
	for _, dm := range q {
		d.pipe.msgr.dispatch.Enqueue(dm.m, dm.m.Prio, d.pipe.connID)
	}
}

func (d *delayedDelivery) stopDelivery() {
	d.mut.Lock()
	d.stop = true
	d.cond.Signal()
	d.mut.Unlock()
	<-d.halt.Done.Chan
}

func (d *delayedDelivery) run() {
	defer d.halt.Done.Close()
	d.mut.Lock()
	//pp("delayedDelivery start")
	for !d.stop {
		if len(d.delayQueue) == 0 {
			d.cond.Wait()
			continue
		}
		release := d.delayQueue[0].release
		now := time.Now()
		if release.After(now) {
			// sleep until release, interruptible by queue
			// changes or stop.
			timer := time.AfterFunc(release.Sub(now), func() {
				d.mut.Lock()
				d.cond.Signal()
				d.mut.Unlock()
			})
			d.cond.Wait()
			timer.Stop()
			continue
		}
		dm := d.delayQueue[0]
		d.delayQueue = d.delayQueue[1:]
		//pp("delayedDelivery dequeuing message %v for delivery, past %v", dm.m, nice(release))
		d.mut.Unlock()
		d.pipe.msgr.dispatch.Enqueue(dm.m, dm.m.Prio, d.pipe.connID)
		d.mut.Lock()
	}
	//pp("delayedDelivery stop")
	d.mut.Unlock()
}
