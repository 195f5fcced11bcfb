package llrp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
)

type recordingManagerCallbacks struct {
	discovered []DiscoveredTarget
	finished   int
}

func (r *recordingManagerCallbacks) TargetDiscovered(t DiscoveredTarget) {
	r.discovered = append(r.discovered, t)
}
func (r *recordingManagerCallbacks) DiscoveryFinished()                              { r.finished++ }
func (r *recordingManagerCallbacks) RdmResponseReceived(resp rdm.Response, txn uint32) {}

func newBareManager(cb ManagerCallbacks) *Manager {
	return &Manager{
		uid:     rdm.UID{Manufacturer: 0x8574, Device: 1},
		cb:      cb,
		pending: make(map[uint32]pendingReply),
	}
}

func TestHalveUIDRange(t *testing.T) {
	mid := halve(rdm.UID{}, rdm.BroadcastUID)
	require.Equal(t, rdm.UID{Manufacturer: 0x7fff, Device: 0xffffffff}, mid)
}

func TestIncrementWrapsDeviceIntoManufacturer(t *testing.T) {
	u := rdm.UID{Manufacturer: 0x0001, Device: 0xffffffff}
	next := increment(u)
	require.Equal(t, rdm.UID{Manufacturer: 0x0002, Device: 0}, next)
}

func TestManagerDiscoveryFinishesWhenNoRangeRemains(t *testing.T) {
	cb := &recordingManagerCallbacks{}
	m := newBareManager(cb)
	m.discoveryActive = true
	m.lower = rdm.UID{}
	m.upper = rdm.BroadcastUID
	m.discovered = make(map[rdm.UID]*DiscoveredTarget)
	m.discTimerDeadline = time.Now().Add(-time.Second)
	m.cleanSends = 2 // next tick pushes to 3, the exit threshold

	// sendProbeLocked tries to write to nil sockets; guard against that by
	// using a manager with no send sockets configured, which sendDatagram
	// already tolerates (nil check before WriteToUDP).
	m.Tick(time.Now())
	require.Equal(t, 1, cb.finished)
}

func TestManagerRetransmitsBeforeAdvancing(t *testing.T) {
	cb := &recordingManagerCallbacks{}
	m := newBareManager(cb)
	m.discoveryActive = true
	m.lower = rdm.UID{}
	m.upper = rdm.UID{Manufacturer: 0x1000}
	m.discovered = make(map[rdm.UID]*DiscoveredTarget)
	m.discTimerDeadline = time.Now().Add(-time.Second)
	m.cleanSends = 0

	m.Tick(time.Now())
	require.Equal(t, 1, m.cleanSends)
	require.Equal(t, rdm.UID{}, m.lower)
	require.Equal(t, rdm.UID{Manufacturer: 0x1000}, m.upper)
	require.Equal(t, 0, cb.finished)
}

func TestManagerHalvesWhenRangeOverflowsKnownUIDCap(t *testing.T) {
	cb := &recordingManagerCallbacks{}
	m := newBareManager(cb)
	m.discoveryActive = true
	m.lower = rdm.UID{}
	m.upper = rdm.BroadcastUID
	m.discovered = make(map[rdm.UID]*DiscoveredTarget)
	for i := 0; i < knownUIDSize+1; i++ {
		uid := rdm.UID{Manufacturer: 0x8574, Device: uint32(i)}
		m.discovered[uid] = &DiscoveredTarget{UID: uid}
	}
	m.discTimerDeadline = time.Now().Add(-time.Second)

	m.Tick(time.Now())
	require.NotEqual(t, rdm.BroadcastUID, m.upper)
	require.Equal(t, 0, m.cleanSends)
}

func TestTargetRejectsOutOfRangeProbe(t *testing.T) {
	tgt := &Target{uid: rdm.UID{Manufacturer: 0x6574, Device: 5}}
	tgt.considerProbe(codec.LlrpHeader{}, codec.ProbeRequest{
		Lower: rdm.UID{Manufacturer: 0x6574, Device: 10},
		Upper: rdm.BroadcastUID,
	})
	require.False(t, tgt.armed)
}

func TestTargetArmsOnMatchingProbe(t *testing.T) {
	tgt := &Target{uid: rdm.UID{Manufacturer: 0x6574, Device: 5}, componentType: codec.ComponentTypeRptDevice}
	tgt.considerProbe(codec.LlrpHeader{TransactionNum: 9}, codec.ProbeRequest{
		Lower: rdm.UID{},
		Upper: rdm.BroadcastUID,
	})
	require.True(t, tgt.armed)
	require.Equal(t, uint32(9), tgt.replyTxn)
}

func TestTargetRejectsKnownUID(t *testing.T) {
	self := rdm.UID{Manufacturer: 0x6574, Device: 5}
	tgt := &Target{uid: self}
	tgt.considerProbe(codec.LlrpHeader{}, codec.ProbeRequest{
		Lower:     rdm.UID{},
		Upper:     rdm.BroadcastUID,
		KnownUIDs: []rdm.UID{self},
	})
	require.False(t, tgt.armed)
}

func TestTargetRejectsBrokersOnlyFilter(t *testing.T) {
	tgt := &Target{uid: rdm.UID{Manufacturer: 0x6574, Device: 5}, componentType: codec.ComponentTypeRptDevice}
	tgt.considerProbe(codec.LlrpHeader{}, codec.ProbeRequest{
		Lower:  rdm.UID{},
		Upper:  rdm.BroadcastUID,
		Filter: codec.FilterBrokersOnly,
	})
	require.False(t, tgt.armed)
}
