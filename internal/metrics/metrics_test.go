package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorReportsConnAndQueueState(t *testing.T) {
	c := NewCollector()
	c.SetConnState(1, "controller", 2)
	c.SetQueueDepth("device:1234:5678", 3)
	c.AddQueueDropped("device:1234:5678", "rpt-data", 5)
	c.IncLLRPDiscovered()
	c.ObserveTick(0)

	count := testutil.CollectAndCount(c)
	require.Greater(t, count, 0)

	c.RemoveConn(1)
	countAfter := testutil.CollectAndCount(c, "rdmnet_connection_state")
	require.Equal(t, 0, countAfter)
}
