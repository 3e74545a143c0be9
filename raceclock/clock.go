// Package raceclock provides the simulation clock: monotonic simulation
// time plus one-shot and periodic scheduled callbacks, optionally rebased
// and scaled for replay or acceleration.
package raceclock

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/race/racelog"
)

// Time is simulation time expressed in nanoseconds since the Clock's base.
type Time int64

// CancelFunc cancels a scheduled callback. Calling it more than once is a
// no-op.
type CancelFunc func()

type entry struct {
	due      Time
	interval Time // zero for one-shot
	seq      uint64
	cb       func()
	cancelled *bool
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].due < h[j].due || (h[i].due == h[j].due && h[i].seq < h[j].seq) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Clock provides monotonic simulation time and scheduled callbacks for one
// Runtime. Callbacks fire on a single dedicated timer goroutine; they must
// not block or mutate Entity state directly — post a message instead.
type Clock struct {
	mu       sync.Mutex
	base     Time      // simulation time at baseWall
	baseWall time.Time // wall-clock instant base corresponds to
	scale    float64

	heap   entryHeap
	nextSeq uint64
	timer  *time.Timer
	wake   chan struct{}
	stopCh chan struct{}
	stopped bool

	log zerolog.Logger
}

// New creates a Clock whose simulation time starts at zero, rebased to the
// current wall-clock instant, running at 1x scale.
func New() *Clock {
	c := &Clock{
		base:     0,
		baseWall: time.Now(),
		scale:    1.0,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		log:      racelog.WithComponent("clock"),
	}
	heap.Init(&c.heap)
	go c.run()
	return c
}

// Now returns the current simulation time.
func (c *Clock) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *Clock) nowLocked() Time {
	elapsed := time.Since(c.baseWall)
	return c.base + Time(float64(elapsed)*c.scale)
}

// simToWallLocked converts a simulation Time to the wall-clock instant it
// corresponds to under the current base/scale.
func (c *Clock) simToWallLocked(t Time) time.Time {
	if c.scale <= 0 {
		// A non-advancing or paused clock: never due on its own; caller
		// relies on SetScale/SetBase to wake it.
		return c.baseWall.Add(365 * 24 * time.Hour)
	}
	deltaSim := float64(t - c.base)
	return c.baseWall.Add(time.Duration(deltaSim / c.scale))
}

// Schedule fires cb once at or after simulation time t.
func (c *Clock) Schedule(t Time, cb func()) CancelFunc {
	return c.schedule(t, 0, cb)
}

// SchedulePeriodic fires cb repeatedly starting at initial, every interval
// of simulation time, until cancelled.
func (c *Clock) SchedulePeriodic(initial, interval Time, cb func()) CancelFunc {
	if interval <= 0 {
		panic("raceclock: SchedulePeriodic interval must be positive")
	}
	return c.schedule(initial, interval, cb)
}

func (c *Clock) schedule(t Time, interval Time, cb func()) CancelFunc {
	cancelled := new(bool)
	e := &entry{due: t, interval: interval, cb: cb, cancelled: cancelled}

	c.mu.Lock()
	c.nextSeq++
	e.seq = c.nextSeq
	heap.Push(&c.heap, e)
	c.mu.Unlock()

	c.notify()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			*cancelled = true
			c.mu.Unlock()
		})
	}
}

// SetBase rebases simulation time t to correspond to wallClock, changing
// the effective offset for all future Now()/scheduling calculations.
func (c *Clock) SetBase(t Time, wallClock time.Time) {
	c.mu.Lock()
	c.base = t
	c.baseWall = wallClock
	c.mu.Unlock()
	c.notify()
}

// SetScale changes the rate at which simulation time advances relative to
// wall-clock time. A scale of 1.0 is real-time; 0 pauses the clock.
func (c *Clock) SetScale(rate float64) {
	c.mu.Lock()
	// Re-anchor the base to now so the rate change takes effect from this
	// instant rather than retroactively.
	c.base = c.nowLocked()
	c.baseWall = time.Now()
	c.scale = rate
	c.mu.Unlock()
	c.notify()
}

// Stop terminates the timer goroutine. A stopped Clock schedules nothing
// further.
func (c *Clock) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	close(c.stopCh)
}

func (c *Clock) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Clock) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		c.mu.Lock()
		// Drop cancelled entries at the top.
		for c.heap.Len() > 0 && *c.heap[0].cancelled {
			heap.Pop(&c.heap)
		}

		var wait time.Duration
		var due *entry
		if c.heap.Len() > 0 {
			due = c.heap[0]
			wall := c.simToWallLocked(due.due)
			wait = time.Until(wall)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		c.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-c.stopCh:
			return
		case <-c.wake:
			continue
		case <-timer.C:
			c.fireDue()
		}
	}
}

func (c *Clock) fireDue() {
	now := c.Now()
	var fire []*entry

	c.mu.Lock()
	for c.heap.Len() > 0 && c.heap[0].due <= now {
		e := heap.Pop(&c.heap).(*entry)
		if *e.cancelled {
			continue
		}
		fire = append(fire, e)
		if e.interval > 0 {
			next := &entry{due: e.due + e.interval, interval: e.interval, cb: e.cb, cancelled: e.cancelled}
			c.nextSeq++
			next.seq = c.nextSeq
			heap.Push(&c.heap, next)
		}
	}
	c.mu.Unlock()

	for _, e := range fire {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Msg("scheduled callback panicked")
				}
			}()
			e.cb()
		}()
	}
}
