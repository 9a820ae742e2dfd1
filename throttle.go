package msgpipe

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Throttle meters a resource (bytes or message count)
// with blocking reservation. A nil *Throttle is a no-op,
// so policies leave them unset to mean unlimited.
//
// Reservations must be balanced: every Get is matched by
// exactly one Put on whatever path the message leaves
// the system by (dispatch completion, drop, or fault
// teardown).
type Throttle struct {
	max     int64
	sem     *semaphore.Weighted
	current atomic.Int64
}

// NewThrottle returns nil when max <= 0 (unlimited).
func NewThrottle(max int64) *Throttle {
	if max <= 0 {
		return nil
	}
	return &Throttle{max: max, sem: semaphore.NewWeighted(max)}
}

// Get blocks until n units are available. Requests over
// max are clamped so a single huge message cannot jam
// the semaphore forever.
func (t *Throttle) Get(n int64) {
	if t == nil || n <= 0 {
		return
	}
	if n > t.max {
		n = t.max
	}
	err := t.sem.Acquire(context.Background(), n)
	panicOn(err) // background context never errors
	t.current.Add(n)
}

// Put releases n units.
func (t *Throttle) Put(n int64) {
	if t == nil || n <= 0 {
		return
	}
	if n > t.max {
		n = t.max
	}
	t.sem.Release(n)
	t.current.Add(-n)
}

// Current reports outstanding reservations, for logging.
func (t *Throttle) Current() int64 {
	if t == nil {
		return 0
	}
	return t.current.Load()
}

// Max reports the configured limit; 0 means unlimited.
func (t *Throttle) Max() int64 {
	if t == nil {
		return 0
	}
	return t.max
}
