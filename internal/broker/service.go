package broker

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/transport"
)

// Config holds the parameters a Service is started with (spec.md §4.4,
// §6 "broker service").
type Config struct {
	ListenAddr string
	Scope      rdm.Scope
	CID        rdm.CID
	UID        rdm.UID
	MaxClients int
}

// Service is the broker façade tying the TCP acceptor, the client
// registry, and the per-client/per-device outbound queues together
// (spec.md §5.3). It owns a transport.PollCore driving every accepted
// ServerConn.
type Service struct {
	scope      rdm.Scope
	brokerCID  rdm.CID
	brokerUID  rdm.UID
	maxClients int

	listener net.Listener
	core     *transport.PollCore
	registry *Registry
	allocator *DynamicUIDAllocator
	logger   zerolog.Logger

	mu           sync.Mutex
	deviceQueues map[rdm.UID]*DeviceQueue
}

// NewService opens the listener and prepares the broker, but does not yet
// accept connections; call Serve to begin.
func NewService(cfg Config) (*Service, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = 20000
	}
	svc := &Service{
		scope:        cfg.Scope,
		brokerCID:    cfg.CID,
		brokerUID:    cfg.UID,
		maxClients:   maxClients,
		listener:     ln,
		core:         transport.NewPollCore(),
		registry:     NewRegistry(),
		allocator:    NewDynamicUIDAllocator(),
		logger:       log.With().Str("component", "broker").Str("scope", string(cfg.Scope)).Logger(),
		deviceQueues: make(map[rdm.UID]*DeviceQueue),
	}
	return svc, nil
}

// Serve starts the service's own PollCore in a background goroutine, then
// runs the accept loop until the listener is closed. Every accepted
// connection is wrapped in a ServerConn and registered with that PollCore.
func (svc *Service) Serve() error {
	go svc.core.Run()
	for {
		conn, err := svc.listener.Accept()
		if err != nil {
			return err
		}
		svc.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("broker: accepted connection")
		newServerConn(svc, conn)
	}
}

// Close stops accepting new connections and tears down the poll loop.
func (svc *Service) Close() error {
	svc.core.Stop()
	return svc.listener.Close()
}

// Addr returns the listener's bound address.
func (svc *Service) Addr() net.Addr {
	return svc.listener.Addr()
}

func (svc *Service) deviceQueue(uid rdm.UID) *DeviceQueue {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	dq, ok := svc.deviceQueues[uid]
	if !ok {
		dq = NewDeviceQueue(DefaultDeviceQueueLimit)
		svc.deviceQueues[uid] = dq
	}
	return dq
}

// onClientConnected broadcasts a ClientAdd PDU to every other connected
// client (spec.md §6 "ClientAdd"; controllers learn about new clients
// as they join rather than only on an explicit FetchClientList).
func (svc *Service) onClientConnected(rec *ClientRecord) {
	buf := make([]byte, maxPduSize)
	n, err := codec.PackClientList(buf, codec.VectorBrokerClientAdd, []codec.ClientEntry{rec.Entry})
	if err != nil {
		svc.logger.Warn().Err(err).Msg("broker: failed to encode ClientAdd")
		return
	}
	for _, other := range svc.registry.Snapshot() {
		if other.CID == rec.CID {
			continue
		}
		other.Conn.Enqueue(PriorityBrokerLayer, codec.VectorRootBroker, buf[:n])
	}
}

func (svc *Service) onClientDisconnected(cid rdm.CID) {
	rec, ok := svc.registry.ByCID(cid)
	if !ok {
		return
	}
	svc.registry.Remove(cid)

	buf := make([]byte, maxPduSize)
	n, err := codec.PackClientList(buf, codec.VectorBrokerClientRemove, []codec.ClientEntry{rec.Entry})
	if err != nil {
		return
	}
	for _, other := range svc.registry.Snapshot() {
		other.Conn.Enqueue(PriorityBrokerLayer, codec.VectorRootBroker, buf[:n])
	}
}

func (svc *Service) replyClientList(sc *ServerConn) {
	var entries []codec.ClientEntry
	for _, rec := range svc.registry.Snapshot() {
		entries = append(entries, rec.Entry)
	}
	buf := make([]byte, maxPduSize)
	n, err := codec.PackClientList(buf, codec.VectorBrokerConnectedClientList, entries)
	if err != nil {
		svc.logger.Warn().Err(err).Msg("broker: failed to encode ConnectedClientList")
		return
	}
	sc.Enqueue(PriorityBrokerLayer, codec.VectorRootBroker, buf[:n])
}

func (svc *Service) assignDynamicUIDs(sc *ServerConn, reqs []codec.DynamicUIDRequest) {
	assignments := make([]codec.DynamicUIDAssignment, len(reqs))
	for i, r := range reqs {
		uid := svc.allocator.Assign(r.ManufacturerID, r.HardwareID)
		assignments[i] = codec.DynamicUIDAssignment{HardwareID: r.HardwareID, AssignedUID: uid, Status: codec.ConnectStatusOK}
	}
	buf := make([]byte, maxPduSize)
	n, err := codec.PackAssignedDynamicUidList(buf, assignments)
	if err != nil {
		svc.logger.Warn().Err(err).Msg("broker: failed to encode AssignedDynamicUidList")
		return
	}
	sc.Enqueue(PriorityBrokerLayer, codec.VectorRootBroker, buf[:n])
}

func (svc *Service) replyFetchDynamicUIDs(sc *ServerConn, uids []rdm.UID) {
	assignments := make([]codec.DynamicUIDAssignment, len(uids))
	for i, uid := range uids {
		hw, ok := svc.allocator.HardwareID(uid)
		status := codec.ConnectStatusOK
		if !ok {
			status = codec.ConnectStatusInvalidUID
		}
		assignments[i] = codec.DynamicUIDAssignment{HardwareID: hw, AssignedUID: uid, Status: status}
	}
	buf := make([]byte, maxPduSize)
	n, err := codec.PackAssignedDynamicUidList(buf, assignments)
	if err != nil {
		svc.logger.Warn().Err(err).Msg("broker: failed to encode AssignedDynamicUidList")
		return
	}
	sc.Enqueue(PriorityBrokerLayer, codec.VectorRootBroker, buf[:n])
}

// routeRequest delivers an RPT Request from sourceCID to its destination
// device's DeviceQueue, then attempts to drain that queue straight into
// the destination's outbound queue (spec.md §4.4 round-robin fairness).
func (svc *Service) routeRequest(sourceCID rdm.CID, hdr codec.RptHeader, body []byte) {
	destRec, ok := svc.registry.ByUID(hdr.DestUID)
	if !ok {
		svc.sendStatus(hdr, codec.RPTStatusUnknownRPTUID, "destination UID not connected")
		return
	}

	buf := make([]byte, maxPduSize)
	n, err := codec.PackRptPduHeader(buf, codec.VectorRptRequest, hdr, len(body))
	if err != nil {
		return
	}
	copy(buf[n:], body)
	full := append([]byte(nil), buf[:n+len(body)]...)

	dq := svc.deviceQueue(hdr.DestUID)
	if !dq.Push(sourceCID, codec.VectorRootRpt, full) {
		return
	}
	svc.drainDeviceQueue(hdr.DestUID, destRec)
}

func (svc *Service) drainDeviceQueue(uid rdm.UID, rec *ClientRecord) {
	dq := svc.deviceQueue(uid)
	for {
		_, m, ok := dq.Next()
		if !ok {
			return
		}
		if !rec.Conn.Enqueue(PriorityRptData, m.vector, m.payload) {
			return
		}
	}
}

// routeToController delivers an RPT Notification or Status from a device
// back to the controller named by hdr.DestUID.
func (svc *Service) routeToController(hdr codec.RptHeader, vector uint32, body []byte) {
	rec, ok := svc.registry.ByUID(hdr.DestUID)
	if !ok {
		return
	}
	buf := make([]byte, maxPduSize)
	n, err := codec.PackRptPduHeader(buf, vector, hdr, len(body))
	if err != nil {
		return
	}
	copy(buf[n:], body)

	p := PriorityRptData
	if vector == codec.VectorRptStatus {
		p = PriorityRptStatus
	}
	rec.Conn.Enqueue(p, codec.VectorRootRpt, append([]byte(nil), buf[:n+len(body)]...))
}

// sendStatus delivers an RPT Status back to the controller that
// originated hdr (roles swapped: the broker speaks as the addressed
// device would have).
func (svc *Service) sendStatus(hdr codec.RptHeader, code codec.RPTStatusCode, msg string) {
	rec, ok := svc.registry.ByUID(hdr.SourceUID)
	if !ok {
		return
	}
	reply := codec.RptHeader{
		SourceUID:      hdr.DestUID,
		SourceEndpoint: hdr.DestEndpoint,
		DestUID:        hdr.SourceUID,
		DestEndpoint:   hdr.SourceEndpoint,
		SeqNum:         hdr.SeqNum,
	}
	buf := make([]byte, maxPduSize)
	n, err := codec.PackRptStatus(buf, reply, code, msg)
	if err != nil {
		return
	}
	rec.Conn.Enqueue(PriorityRptStatus, codec.VectorRootRpt, buf[:n])
}
