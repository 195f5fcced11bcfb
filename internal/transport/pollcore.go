package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// tickInterval is the PollCore idle wake-up period (spec.md §4.3: "timeout
// of min(100ms, nearest timer deadline)"). Registered Pollables are
// responsible for their own finer-grained timers; PollCore only guarantees
// a tick at least this often.
const tickInterval = 100 * time.Millisecond

// Pollable is one subsystem driven by PollCore: a Connection, an LLRP
// Target, or an LLRP Manager. Tick is invoked from the PollCore goroutine
// on every iteration with no locks held on PollCore's own state — a
// Pollable is free to call back into the core (e.g. mark itself for
// removal) from within Tick.
type Pollable interface {
	Tick(now time.Time)
}

// entry pairs a registered Pollable with the handle PollCore uses to find
// it again on Remove.
type entry struct {
	handle uint64
	p      Pollable
}

// PollCore is the single background event loop that drives every
// registered subsystem (spec.md §4.3). Registration and removal are safe
// to call from any goroutine; they take effect on the next iteration via
// the to-add/to-remove pending lists, which is what lets a Pollable mark
// itself for destruction from inside its own Tick without lifetime
// hazards (spec.md §4.3, §5).
type PollCore struct {
	mu      sync.Mutex
	active  map[uint64]Pollable
	toAdd   []entry
	toRemove map[uint64]struct{}
	nextHandle uint64

	stop chan struct{}
	done chan struct{}

	tickObserver func(time.Duration)
}

// SetTickObserver installs a callback invoked with the wall-clock duration
// of each completed tickOnce iteration, for exporting a tick-duration
// histogram (SPEC_FULL.md §5.5). Must be called before Run.
func (c *PollCore) SetTickObserver(f func(time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickObserver = f
}

// NewPollCore constructs an idle PollCore. Call Run to start the loop.
func NewPollCore() *PollCore {
	return &PollCore{
		active:   make(map[uint64]Pollable),
		toRemove: make(map[uint64]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register schedules p to begin receiving Tick calls starting on the next
// iteration and returns a handle usable with Remove.
func (c *PollCore) Register(p Pollable) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	h := c.nextHandle
	c.toAdd = append(c.toAdd, entry{handle: h, p: p})
	return h
}

// Remove schedules the Pollable identified by handle for destruction.
// Remove is idempotent and asynchronous-safe: after it returns, no further
// Tick call for handle will begin, though one already in progress on the
// PollCore goroutine completes first (spec.md §5 "Cancellation").
func (c *PollCore) Remove(handle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toRemove[handle] = struct{}{}
}

// Run drives the loop until Stop is called. It is intended to run on its
// own goroutine for the lifetime of the process; callers block on Stop's
// return (or on <-c.done) to know the loop has fully exited.
func (c *PollCore) Run() {
	defer close(c.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.tickOnce(now)
		}
	}
}

// tickOnce drains to-add, ticks every active Pollable, then drains
// to-remove — the ordering spec.md §4.3 requires so a callback can safely
// mark its own owner for destruction.
func (c *PollCore) tickOnce(now time.Time) {
	start := time.Now()
	c.mu.Lock()
	for _, e := range c.toAdd {
		c.active[e.handle] = e.p
	}
	c.toAdd = c.toAdd[:0]
	handles := make([]uint64, 0, len(c.active))
	pollables := make([]Pollable, 0, len(c.active))
	for h, p := range c.active {
		handles = append(handles, h)
		pollables = append(pollables, p)
	}
	c.mu.Unlock()

	for i, p := range pollables {
		c.mu.Lock()
		_, removed := c.toRemove[handles[i]]
		c.mu.Unlock()
		if removed {
			continue
		}
		c.tickOne(handles[i], p, now)
	}

	c.mu.Lock()
	for h := range c.toRemove {
		delete(c.active, h)
	}
	c.toRemove = make(map[uint64]struct{})
	c.mu.Unlock()

	if c.tickObserver != nil {
		c.tickObserver(time.Since(start))
	}
}

// tickOne recovers from a panicking Pollable so one misbehaving
// subsystem cannot take down the whole core.
func (c *PollCore) tickOne(handle uint64, p Pollable, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Uint64("handle", handle).Interface("panic", r).Msg("pollcore: recovered from Pollable panic")
			c.Remove(handle)
		}
	}()
	p.Tick(now)
}

// Stop signals the loop to exit and blocks until it has.
func (c *PollCore) Stop() {
	close(c.stop)
	<-c.done
}
