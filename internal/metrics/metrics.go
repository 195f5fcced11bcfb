// Package metrics exposes a prometheus.Collector over connection, LLRP,
// and broker-queue state that callers report through its Set/Add/Inc
// methods (SPEC_FULL.md §5.5, an ambient concern carried regardless of
// spec.md's Non-goals). Within this module only cmd/broker feeds it, and
// only the PollCore tick-duration histogram via ObserveTick; no package
// reports connection, queue or LLRP values.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// connEntry is one tracked rptconn.Connection or broker.ServerConn.
type connEntry struct {
	role  string // "controller", "device", "broker-client"
	state float64
}

// queueEntry is one tracked broker outbound/device queue.
type queueEntry struct {
	depth   float64
	dropped map[string]float64 // priority label -> cumulative drops
}

// Collector implements prometheus.Collector by computing every metric
// value live on Collect from internally tracked maps, the same shape as
// a push-registration collector that samples on demand rather than
// maintaining standalone prometheus.Gauge objects per connection.
type Collector struct {
	mu     sync.Mutex
	conns  map[uint64]connEntry
	queues map[string]*queueEntry

	llrpDiscovered prometheus.Counter
	llrpProbesSent prometheus.Counter
	tickDuration   prometheus.Histogram

	connStateDesc    *prometheus.Desc
	queueDepthDesc   *prometheus.Desc
	queueDroppedDesc *prometheus.Desc
}

// NewCollector constructs a Collector. Register it with a
// prometheus.Registry (or prometheus.DefaultRegisterer) before serving
// /metrics.
func NewCollector() *Collector {
	return &Collector{
		conns:  make(map[uint64]connEntry),
		queues: make(map[string]*queueEntry),
		llrpDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdmnet", Subsystem: "llrp", Name: "targets_discovered_total",
			Help: "Count of distinct LLRP targets discovered by a Manager.",
		}),
		llrpProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdmnet", Subsystem: "llrp", Name: "probes_sent_total",
			Help: "Count of LLRP probe requests sent by a Manager.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rdmnet", Subsystem: "pollcore", Name: "tick_duration_seconds",
			Help:    "Wall-clock duration of one PollCore tick iteration.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		connStateDesc: prometheus.NewDesc(
			"rdmnet_connection_state",
			"Current state of one tracked connection (numeric, see rptconn.State/broker connState).",
			[]string{"handle", "role"}, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"rdmnet_broker_queue_depth",
			"Current number of messages queued for one broker client or device queue.",
			[]string{"queue"}, nil,
		),
		queueDroppedDesc: prometheus.NewDesc(
			"rdmnet_broker_queue_dropped_total",
			"Cumulative count of messages dropped from a full broker queue.",
			[]string{"queue", "priority"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.connStateDesc
	descs <- c.queueDepthDesc
	descs <- c.queueDroppedDesc
	c.llrpDiscovered.Describe(descs)
	c.llrpProbesSent.Describe(descs)
	c.tickDuration.Describe(descs)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	conns := make(map[uint64]connEntry, len(c.conns))
	for h, e := range c.conns {
		conns[h] = e
	}
	queues := make(map[string]queueEntry, len(c.queues))
	for name, q := range c.queues {
		dropped := make(map[string]float64, len(q.dropped))
		for k, v := range q.dropped {
			dropped[k] = v
		}
		queues[name] = queueEntry{depth: q.depth, dropped: dropped}
	}
	c.mu.Unlock()

	for h, e := range conns {
		ch <- prometheus.MustNewConstMetric(c.connStateDesc, prometheus.GaugeValue, e.state,
			handleLabel(h), e.role)
	}
	for name, q := range queues {
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, q.depth, name)
		for priority, n := range q.dropped {
			ch <- prometheus.MustNewConstMetric(c.queueDroppedDesc, prometheus.CounterValue, n, name, priority)
		}
	}

	c.llrpDiscovered.Collect(ch)
	c.llrpProbesSent.Collect(ch)
	c.tickDuration.Collect(ch)
}

// SetConnState records the current state of one tracked connection,
// identified by its PollCore handle.
func (c *Collector) SetConnState(handle uint64, role string, state int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[handle] = connEntry{role: role, state: float64(state)}
}

// RemoveConn stops tracking a connection, e.g. once it reaches Shutdown
// and is removed from its PollCore.
func (c *Collector) RemoveConn(handle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, handle)
}

// SetQueueDepth records the current depth of a broker queue, identified
// by a caller-chosen name (e.g. a client CID or a destination UID).
func (c *Collector) SetQueueDepth(queue string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[queue]
	if q == nil {
		q = &queueEntry{dropped: make(map[string]float64)}
		c.queues[queue] = q
	}
	q.depth = float64(depth)
}

// AddQueueDropped accumulates n messages dropped from queue at priority.
func (c *Collector) AddQueueDropped(queue, priority string, n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[queue]
	if q == nil {
		q = &queueEntry{dropped: make(map[string]float64)}
		c.queues[queue] = q
	}
	q.dropped[priority] += float64(n)
}

// IncLLRPDiscovered records one newly discovered LLRP target.
func (c *Collector) IncLLRPDiscovered() { c.llrpDiscovered.Inc() }

// IncLLRPProbeSent records one LLRP probe request transmitted.
func (c *Collector) IncLLRPProbeSent() { c.llrpProbesSent.Inc() }

// ObserveTick feeds one PollCore.SetTickObserver sample into the tick
// duration histogram.
func (c *Collector) ObserveTick(d time.Duration) {
	c.tickDuration.Observe(d.Seconds())
}

func handleLabel(h uint64) string {
	return strconv.FormatUint(h, 10)
}
