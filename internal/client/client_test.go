package client

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/broker"
	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/rptconn"
	"rdmnet-go/internal/transport"
)

type recordingCallbacks struct {
	mu        sync.Mutex
	connected []rdm.UID
	responses []rdm.Response
}

func (r *recordingCallbacks) Connected(scope ScopeHandle, brokerUID rdm.UID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, brokerUID)
}
func (r *recordingCallbacks) ConnectFailed(ScopeHandle, rptconn.ConnectFailReason, codec.ConnectStatus) {
}
func (r *recordingCallbacks) Disconnected(ScopeHandle, rptconn.DisconnectReason, string) {}
func (r *recordingCallbacks) RdmCommandReceived(ScopeHandle, codec.RptHeader, rdm.Command) {}
func (r *recordingCallbacks) RdmResponseReceived(scope ScopeHandle, hdr codec.RptHeader, resp rdm.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
}
func (r *recordingCallbacks) StatusReceived(ScopeHandle, codec.RptHeader, codec.RPTStatusCode, string) {
}
func (r *recordingCallbacks) ClientListUpdate(ScopeHandle, uint16, []codec.ClientEntry) {}
func (r *recordingCallbacks) ResponderIDsReceived(ScopeHandle, []codec.DynamicUIDAssignment) {}
func (r *recordingCallbacks) LlrpRdmCommandReceived(rdm.Command, uint32)                    {}

func (r *recordingCallbacks) snapshotConnected() []rdm.UID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rdm.UID, len(r.connected))
	copy(out, r.connected)
	return out
}

// TestClientConnectsThroughRealBroker exercises the full stack end to
// end: a broker.Service accepting a real TCP connection, and a Client
// driving its rptconn.Connection through Connect to Heartbeat against it.
func TestClientConnectsThroughRealBroker(t *testing.T) {
	brokerCID := rdm.NewCID()
	brokerUID := rdm.UID{Manufacturer: 0x6574, Device: 1}
	svc, err := broker.NewService(broker.Config{
		ListenAddr: "127.0.0.1:0",
		Scope:      rdm.DefaultScope,
		CID:        brokerCID,
		UID:        brokerUID,
	})
	require.NoError(t, err)
	go svc.Serve()
	defer svc.Close()

	core := transport.NewPollCore()
	go core.Run()
	defer core.Stop()

	cb := &recordingCallbacks{}
	clientCID := rdm.NewCID()
	entry := codec.ClientEntry{ClientType: codec.RPTClientTypeController, UID: rdm.UID{Manufacturer: 0x1234, Device: 1}}
	c := New(core, clientCID, entry, codec.ComponentTypeRptController, nil, cb)

	addr := svc.Addr().(*net.TCPAddr)
	c.AddScope(rdm.DefaultScope, addr)

	require.Eventually(t, func() bool {
		return len(cb.snapshotConnected()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, brokerUID, cb.snapshotConnected()[0])
}
