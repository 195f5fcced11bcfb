package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/client"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/transport"
)

type recordingMonitor struct {
	mu     sync.Mutex
	found  []client.BrokerInfo
	lost   []string
}

func (m *recordingMonitor) BrokerFound(info client.BrokerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.found = append(m.found, info)
}
func (m *recordingMonitor) BrokerUpdated(info client.BrokerInfo) {}
func (m *recordingMonitor) BrokerLost(name string, cid rdm.CID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, name)
}
func (m *recordingMonitor) snapshot() []client.BrokerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]client.BrokerInfo, len(m.found))
	copy(out, m.found)
	return out
}

// TestMDNSAdapterDiscoversRegisteredBroker exercises a RegisterBroker /
// StartMonitoring pair across two independent adapters on the loopback
// multicast-capable interface, verifying a real announce/query/response
// round trip over the wire.
func TestMDNSAdapterDiscoversRegisteredBroker(t *testing.T) {
	brokerCore := transport.NewPollCore()
	go brokerCore.Run()
	defer brokerCore.Stop()
	brokerAdapter, err := NewMDNSAdapter(brokerCore)
	require.NoError(t, err)
	defer brokerAdapter.Close()

	brokerCID := rdm.NewCID()
	info := client.BrokerInfo{
		CID:                 brokerCID,
		UID:                 rdm.UID{Manufacturer: 0x6574, Device: 1},
		ServiceInstanceName: "test-broker-" + brokerCID.String(),
		ListenAddrs:         []string{"127.0.0.1:8888"},
		Scope:               rdm.DefaultScope,
	}
	_, err = brokerAdapter.RegisterBroker(info)
	require.NoError(t, err)

	clientCore := transport.NewPollCore()
	go clientCore.Run()
	defer clientCore.Stop()
	clientAdapter, err := NewMDNSAdapter(clientCore)
	require.NoError(t, err)
	defer clientAdapter.Close()

	mon := &recordingMonitor{}
	_, err = clientAdapter.StartMonitoring(client.ScopeConfig{Scope: rdm.DefaultScope}, mon)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, found := range mon.snapshot() {
			if found.CID == brokerCID {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}
