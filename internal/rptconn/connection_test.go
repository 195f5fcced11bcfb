package rptconn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/transport"
)

// recordingCallbacks captures every callback invocation for assertions.
type recordingCallbacks struct {
	mu           sync.Mutex
	connected    int
	connectFail  []ConnectFailReason
	disconnected []DisconnectReason
	rdmResponses []rdm.Response
	statuses     []codec.RPTStatusCode
	brokerMsgs   []uint16
}

func (r *recordingCallbacks) Connected(handle uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}
func (r *recordingCallbacks) ConnectFailed(handle uint64, reason ConnectFailReason, status codec.ConnectStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectFail = append(r.connectFail, reason)
}
func (r *recordingCallbacks) Disconnected(handle uint64, reason DisconnectReason, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, reason)
}
func (r *recordingCallbacks) RdmCommandReceived(handle uint64, hdr codec.RptHeader, cmd rdm.Command) {
}
func (r *recordingCallbacks) RdmResponseReceived(handle uint64, hdr codec.RptHeader, resp rdm.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rdmResponses = append(r.rdmResponses, resp)
}
func (r *recordingCallbacks) StatusReceived(handle uint64, hdr codec.RptHeader, code codec.RPTStatusCode, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, code)
}
func (r *recordingCallbacks) BrokerMessage(handle uint64, vector uint16, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokerMsgs = append(r.brokerMsgs, vector)
}

func (r *recordingCallbacks) snapshotConnected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *recordingCallbacks) snapshotDisconnected() []DisconnectReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DisconnectReason, len(r.disconnected))
	copy(out, r.disconnected)
	return out
}

// acceptOne starts a listener and returns the address plus a channel
// delivering the first accepted connection, standing in for a broker.
func acceptOne(t *testing.T) (*net.TCPAddr, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			ch <- conn
		}
		ln.Close()
	}()
	return ln.Addr().(*net.TCPAddr), ch
}

func writeRootPdu(t *testing.T, conn net.Conn, vector uint32, sender rdm.CID, payload []byte) {
	t.Helper()
	rootBuf := make([]byte, 3+codec.RootLayerHeaderLen+len(payload))
	n, err := codec.PackRootLayer(rootBuf, vector, sender, payload)
	require.NoError(t, err)
	rootBuf = rootBuf[:n]
	out := make([]byte, codec.TCPPreambleLen+len(rootBuf))
	_, err = codec.PackTCPPreamble(out, uint32(len(rootBuf)))
	require.NoError(t, err)
	copy(out[codec.TCPPreambleLen:], rootBuf)
	_, err = conn.Write(out)
	require.NoError(t, err)
}

func TestConnectionReachesHeartbeatOnOKReply(t *testing.T) {
	core := transport.NewPollCore()
	go core.Run()
	defer core.Stop()

	addr, acceptCh := acceptOne(t)
	cb := &recordingCallbacks{}
	localCID := rdm.NewCID()
	conn := New(1, localCID, core, cb)

	conn.Connect(addr, codec.ConnectMsg{
		ClientCID:   localCID,
		E133Version: 1,
		Scope:       rdm.DefaultScope,
		Entry: codec.ClientEntry{
			CID:        localCID,
			Protocol:   codec.ClientProtocolRPT,
			UID:        rdm.UID{Manufacturer: 0x6574, Device: 1},
			ClientType: codec.RPTClientTypeController,
		},
	})

	var brokerSide net.Conn
	select {
	case brokerSide = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("broker never accepted connection")
	}
	defer brokerSide.Close()

	replyBuf := make([]byte, 256)
	n, err := codec.PackConnectReply(replyBuf, codec.ConnectReplyMsg{
		Status:      codec.ConnectStatusOK,
		E133Version: 1,
		BrokerUID:   rdm.UID{Manufacturer: 0x6574, Device: 2},
		ClientUID:   rdm.UID{Manufacturer: 0x6574, Device: 1},
	})
	require.NoError(t, err)
	writeRootPdu(t, brokerSide, codec.VectorRootBroker, rdm.NewCID(), replyBuf[:n])

	require.Eventually(t, func() bool {
		return conn.Snapshot().State == Heartbeat
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, cb.snapshotConnected())
}

func TestConnectionConnectFailedOnRefusal(t *testing.T) {
	core := transport.NewPollCore()
	go core.Run()
	defer core.Stop()

	// Bind then immediately close, so the port refuses connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	cb := &recordingCallbacks{}
	localCID := rdm.NewCID()
	conn := New(2, localCID, core, cb)
	conn.Connect(addr, codec.ConnectMsg{ClientCID: localCID, Scope: rdm.DefaultScope})

	require.Eventually(t, func() bool {
		return conn.Snapshot().State == BackoffPending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionDisconnectOnRemoteDisconnect(t *testing.T) {
	core := transport.NewPollCore()
	go core.Run()
	defer core.Stop()

	addr, acceptCh := acceptOne(t)
	cb := &recordingCallbacks{}
	localCID := rdm.NewCID()
	conn := New(3, localCID, core, cb)
	conn.Connect(addr, codec.ConnectMsg{ClientCID: localCID, Scope: rdm.DefaultScope})

	var brokerSide net.Conn
	select {
	case brokerSide = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("broker never accepted connection")
	}
	defer brokerSide.Close()

	replyBuf := make([]byte, 256)
	n, err := codec.PackConnectReply(replyBuf, codec.ConnectReplyMsg{Status: codec.ConnectStatusOK})
	require.NoError(t, err)
	writeRootPdu(t, brokerSide, codec.VectorRootBroker, rdm.NewCID(), replyBuf[:n])

	require.Eventually(t, func() bool {
		return conn.Snapshot().State == Heartbeat
	}, 2*time.Second, 10*time.Millisecond)

	discBuf := make([]byte, 64)
	n, err = codec.PackDisconnect(discBuf, codec.DisconnectShutdown)
	require.NoError(t, err)
	writeRootPdu(t, brokerSide, codec.VectorRootBroker, rdm.NewCID(), discBuf[:n])

	require.Eventually(t, func() bool {
		reasons := cb.snapshotDisconnected()
		return len(reasons) == 1 && reasons[0] == DisconnectRemote
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, Shutdown, conn.Snapshot().State)
}
