package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingPollable struct {
	ticks int32
	core  *PollCore
	self  uint64
	// removeAfter, when > 0, marks itself for removal on reaching that
	// many ticks — exercises a callback removing its own owner.
	removeAfter int32
}

func (p *countingPollable) Tick(now time.Time) {
	n := atomic.AddInt32(&p.ticks, 1)
	if p.removeAfter > 0 && n >= p.removeAfter {
		p.core.Remove(p.self)
	}
}

func TestPollCoreTicksRegisteredPollable(t *testing.T) {
	core := NewPollCore()
	p := &countingPollable{}
	core.Register(p)
	go core.Run()
	defer core.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&p.ticks) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestPollCoreSelfRemoval(t *testing.T) {
	core := NewPollCore()
	p := &countingPollable{removeAfter: 2, core: core}
	p.self = core.Register(p)
	go core.Run()
	defer core.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&p.ticks) >= 2
	}, time.Second, 5*time.Millisecond)

	stopped := atomic.LoadInt32(&p.ticks)
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, stopped, atomic.LoadInt32(&p.ticks), "ticks must stop firing once removed")
}

func TestPollCorePanicRecovery(t *testing.T) {
	core := NewPollCore()
	panicker := &panicPollable{}
	core.Register(panicker)
	survivor := &countingPollable{}
	core.Register(survivor)
	go core.Run()
	defer core.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&survivor.ticks) >= 2
	}, time.Second, 5*time.Millisecond)
}

type panicPollable struct{}

func (p *panicPollable) Tick(now time.Time) {
	panic("boom")
}
