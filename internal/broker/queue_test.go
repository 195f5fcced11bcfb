package broker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/rdm"
)

func TestOutboundQueuePriorityOrdering(t *testing.T) {
	q := NewOutboundQueue(10)
	q.Push(PriorityRptData, 1, []byte("data"))
	q.Push(PriorityBrokerLayer, 1, []byte("broker"))
	q.Push(PriorityRptStatus, 1, []byte("status"))

	m, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "broker", string(m.payload))

	m, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, "status", string(m.payload))

	m, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, "data", string(m.payload))

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestOutboundQueueDropsWhenLaneFull(t *testing.T) {
	q := NewOutboundQueue(2)
	require.True(t, q.Push(PriorityRptData, 1, []byte("a")))
	require.True(t, q.Push(PriorityRptData, 1, []byte("b")))
	require.False(t, q.Push(PriorityRptData, 1, []byte("c")))
	require.Equal(t, uint64(1), q.Dropped(PriorityRptData))
}

func TestDeviceQueueRoundRobinsAcrossControllers(t *testing.T) {
	dq := NewDeviceQueue(10)
	a := rdm.CID{0xa}
	b := rdm.CID{0xb}

	dq.Push(a, 1, []byte("a1"))
	dq.Push(a, 1, []byte("a2"))
	dq.Push(b, 1, []byte("b1"))

	c, m, ok := dq.Next()
	require.True(t, ok)
	require.Equal(t, a, c)
	require.Equal(t, "a1", string(m.payload))

	// b has pending work too; a shouldn't be serviced twice in a row
	// while b is starved.
	c, m, ok = dq.Next()
	require.True(t, ok)
	require.Equal(t, b, c)
	require.Equal(t, "b1", string(m.payload))

	c, m, ok = dq.Next()
	require.True(t, ok)
	require.Equal(t, a, c)
	require.Equal(t, "a2", string(m.payload))

	_, _, ok = dq.Next()
	require.False(t, ok)
}

func TestDeviceQueueDropsAtLimit(t *testing.T) {
	dq := NewDeviceQueue(1)
	a := rdm.CID{0xa}
	require.True(t, dq.Push(a, 1, []byte("a1")))
	require.False(t, dq.Push(a, 1, []byte("a2")))
}
