package broker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/client"
	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/rptconn"
	"rdmnet-go/internal/transport"
)

// recordingCallbacks implements client.Callbacks, recording just enough to
// assert on the connect/ClientList/routing paths exercised below.
type recordingCallbacks struct {
	mu          sync.Mutex
	connected   []rdm.UID
	clientLists [][]codec.ClientEntry
	commands    []rdm.Command
}

func (r *recordingCallbacks) Connected(scope client.ScopeHandle, brokerUID rdm.UID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, brokerUID)
}
func (r *recordingCallbacks) ConnectFailed(client.ScopeHandle, rptconn.ConnectFailReason, codec.ConnectStatus) {
}
func (r *recordingCallbacks) Disconnected(client.ScopeHandle, rptconn.DisconnectReason, string) {}
func (r *recordingCallbacks) RdmCommandReceived(scope client.ScopeHandle, hdr codec.RptHeader, cmd rdm.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
}
func (r *recordingCallbacks) RdmResponseReceived(client.ScopeHandle, codec.RptHeader, rdm.Response) {}
func (r *recordingCallbacks) StatusReceived(client.ScopeHandle, codec.RptHeader, codec.RPTStatusCode, string) {
}
func (r *recordingCallbacks) ClientListUpdate(scope client.ScopeHandle, vector uint16, entries []codec.ClientEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientLists = append(r.clientLists, entries)
}
func (r *recordingCallbacks) ResponderIDsReceived(client.ScopeHandle, []codec.DynamicUIDAssignment) {}
func (r *recordingCallbacks) LlrpRdmCommandReceived(rdm.Command, uint32)                            {}

func (r *recordingCallbacks) snapshotCommands() []rdm.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rdm.Command, len(r.commands))
	copy(out, r.commands)
	return out
}

func (r *recordingCallbacks) sawClientListContaining(uid rdm.UID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.clientLists {
		for _, e := range list {
			if e.UID == uid {
				return true
			}
		}
	}
	return false
}

// TestBrokerRoutesControllerRequestToDevice exercises a broker.Service
// end to end over loopback sockets: a controller and a device each
// connect as real client.Client instances, the broker broadcasts
// ClientAdd to the controller once the device joins, and an RPT Request
// sent by the controller is routed to the device's RdmCommandReceived.
func TestBrokerRoutesControllerRequestToDevice(t *testing.T) {
	brokerCID := rdm.NewCID()
	brokerUID := rdm.UID{Manufacturer: 0x4567, Device: 1}
	svc, err := NewService(Config{
		ListenAddr: "127.0.0.1:0",
		Scope:      rdm.DefaultScope,
		CID:        brokerCID,
		UID:        brokerUID,
	})
	require.NoError(t, err)
	go svc.Serve()
	defer svc.Close()

	addr := svc.Addr().(*net.TCPAddr)

	core := transport.NewPollCore()
	go core.Run()
	defer core.Stop()

	// The controller connects first so that the device's later ClientAdd
	// broadcast (broker side, on its own connect) has somewhere to go.
	controllerUID := rdm.UID{Manufacturer: 0x1234, Device: 0x00000002}
	controllerEntry := codec.ClientEntry{UID: controllerUID, ClientType: codec.RPTClientTypeController, Protocol: codec.ClientProtocolRPT}
	controllerCB := &recordingCallbacks{}
	controller := client.New(core, rdm.NewCID(), controllerEntry, codec.ComponentTypeRptController, nil, controllerCB)
	controllerScope := controller.AddScope(rdm.DefaultScope, addr)

	require.Eventually(t, func() bool {
		controllerCB.mu.Lock()
		defer controllerCB.mu.Unlock()
		return len(controllerCB.connected) == 1
	}, 2*time.Second, 10*time.Millisecond, "controller should reach Connected")

	deviceUID := rdm.UID{Manufacturer: 0x1234, Device: 0x00000001}
	deviceEntry := codec.ClientEntry{UID: deviceUID, ClientType: codec.RPTClientTypeDevice, Protocol: codec.ClientProtocolRPT}
	deviceCB := &recordingCallbacks{}
	device := client.New(core, rdm.NewCID(), deviceEntry, codec.ComponentTypeRptDevice, nil, deviceCB)
	device.AddScope(rdm.DefaultScope, addr)

	require.Eventually(t, func() bool {
		deviceCB.mu.Lock()
		defer deviceCB.mu.Unlock()
		return len(deviceCB.connected) == 1
	}, 2*time.Second, 10*time.Millisecond, "device should reach Connected")

	require.Eventually(t, func() bool {
		return controllerCB.sawClientListContaining(deviceUID)
	}, 2*time.Second, 10*time.Millisecond, "controller should observe the device joining via ClientAdd/ConnectedClientList")

	hdr := codec.RptHeader{SourceUID: controllerUID, DestUID: deviceUID, SeqNum: 1}
	cmd := rdm.Command{
		SourceUID:    controllerUID,
		DestUID:      deviceUID,
		CommandClass: rdm.CCGetCommand,
		ParamID:      0x0060, // E120_IDENTIFY_DEVICE, used here only as a representative PID
	}
	require.NoError(t, controller.SendRdmCommand(controllerScope, hdr, cmd))

	require.Eventually(t, func() bool {
		cmds := deviceCB.snapshotCommands()
		for _, c := range cmds {
			if c.ParamID == cmd.ParamID && c.SourceUID == controllerUID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "device should receive the routed RDM command")
}
