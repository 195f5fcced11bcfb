package broker

import (
	"sync"

	"rdmnet-go/internal/rdm"
)

// Default per-queue size limits (spec.md §4.4 "Broker-side throttling").
const (
	DefaultControllerQueueLimit = 500
	DefaultDeviceQueueLimit     = 500
)

// priority orders a ServerConn's outbound lanes: broker-layer messages
// drain before RPT status, which drains before RPT data (spec.md §4.4).
type priority int

const (
	PriorityBrokerLayer priority = iota
	PriorityRptStatus
	PriorityRptData
	numPriorities
)

// queuedMessage is an already-encoded broker or RPT PDU, ready to be
// wrapped in the root layer and written to a socket.
type queuedMessage struct {
	vector  uint32
	payload []byte
}

// OutboundQueue is one connected client's per-priority outbound send
// queue. A message arriving at a full lane is dropped; the sender remains
// responsible for retransmission at a higher protocol layer (spec.md
// §4.4) — this is deliberate backpressure, not a parse error.
type OutboundQueue struct {
	mu      sync.Mutex
	lanes   [numPriorities][]queuedMessage
	limit   int
	dropped [numPriorities]uint64
}

// NewOutboundQueue constructs a queue with the given per-lane limit; limit
// <= 0 uses DefaultControllerQueueLimit.
func NewOutboundQueue(limit int) *OutboundQueue {
	if limit <= 0 {
		limit = DefaultControllerQueueLimit
	}
	return &OutboundQueue{limit: limit}
}

// Push enqueues a message on lane p. It returns false if the lane was
// already full and the message was dropped.
func (q *OutboundQueue) Push(p priority, vector uint32, payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.lanes[p]) >= q.limit {
		q.dropped[p]++
		return false
	}
	q.lanes[p] = append(q.lanes[p], queuedMessage{vector: vector, payload: payload})
	return true
}

// Pop removes and returns the highest-priority queued message.
func (q *OutboundQueue) Pop() (queuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := priority(0); p < numPriorities; p++ {
		if len(q.lanes[p]) > 0 {
			m := q.lanes[p][0]
			q.lanes[p] = q.lanes[p][1:]
			return m, true
		}
	}
	return queuedMessage{}, false
}

// Dropped returns the number of messages dropped from lane p so far.
func (q *OutboundQueue) Dropped(p priority) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped[p]
}

// Depth returns the number of messages currently queued across all lanes.
func (q *OutboundQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// DeviceQueue serializes RPT Request commands addressed to a single
// device UID across the controllers sending them, round-robin by
// last_controller_serviced so no one controller can starve the others
// (spec.md §4.4).
type DeviceQueue struct {
	mu           sync.Mutex
	limit        int
	depth        int
	byController map[rdm.CID][]queuedMessage
	order        []rdm.CID
	lastServiced rdm.CID
}

// NewDeviceQueue constructs a device queue with the given total-depth
// limit; limit <= 0 uses DefaultDeviceQueueLimit.
func NewDeviceQueue(limit int) *DeviceQueue {
	if limit <= 0 {
		limit = DefaultDeviceQueueLimit
	}
	return &DeviceQueue{limit: limit, byController: make(map[rdm.CID][]queuedMessage)}
}

// Push enqueues a command from controller, returning false if the
// device's total queue depth is already at its limit.
func (d *DeviceQueue) Push(controller rdm.CID, vector uint32, payload []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.depth >= d.limit {
		return false
	}
	if _, ok := d.byController[controller]; !ok {
		d.order = append(d.order, controller)
	}
	d.byController[controller] = append(d.byController[controller], queuedMessage{vector: vector, payload: payload})
	d.depth++
	return true
}

// Next dequeues the next command, starting from the controller after
// last_controller_serviced in arrival order, so every source controller
// with pending work gets a turn before any one repeats.
func (d *DeviceQueue) Next() (rdm.CID, queuedMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.order) == 0 {
		return rdm.CID{}, queuedMessage{}, false
	}
	start := 0
	for i, c := range d.order {
		if c == d.lastServiced {
			start = (i + 1) % len(d.order)
			break
		}
	}
	for i := 0; i < len(d.order); i++ {
		idx := (start + i) % len(d.order)
		c := d.order[idx]
		q := d.byController[c]
		if len(q) == 0 {
			continue
		}
		m := q[0]
		d.byController[c] = q[1:]
		d.depth--
		d.lastServiced = c
		// Drop other controllers whose queues have emptied, but keep c in
		// place so the next call resumes after it.
		kept := d.order[:0]
		for _, o := range d.order {
			if o == c || len(d.byController[o]) > 0 {
				kept = append(kept, o)
			} else {
				delete(d.byController, o)
			}
		}
		d.order = kept
		return c, m, true
	}
	return rdm.CID{}, queuedMessage{}, false
}
