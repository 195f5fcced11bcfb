package client

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/llrp"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/rptconn"
	"rdmnet-go/internal/transport"
)

// ScopeHandle identifies one (Connection, DiscoveryAdapter subscription,
// ClientConnectMsg template) tuple within a Client (spec.md §4.7).
type ScopeHandle uint64

// Callbacks are the Client façade's full set of typed user callbacks
// (spec.md §4.7). All are invoked from the PollCore goroutine with no
// internal locks held; implementations must not block.
type Callbacks interface {
	Connected(scope ScopeHandle, brokerUID rdm.UID)
	ConnectFailed(scope ScopeHandle, reason rptconn.ConnectFailReason, status codec.ConnectStatus)
	Disconnected(scope ScopeHandle, reason rptconn.DisconnectReason, detail string)
	RdmCommandReceived(scope ScopeHandle, hdr codec.RptHeader, cmd rdm.Command)
	RdmResponseReceived(scope ScopeHandle, hdr codec.RptHeader, resp rdm.Response)
	StatusReceived(scope ScopeHandle, hdr codec.RptHeader, code codec.RPTStatusCode, msg string)
	ClientListUpdate(scope ScopeHandle, vector uint16, entries []codec.ClientEntry)
	ResponderIDsReceived(scope ScopeHandle, assignments []codec.DynamicUIDAssignment)
	LlrpRdmCommandReceived(cmd rdm.Command, transactionNum uint32)
}

// scopeState is one entry of the Client's scope_handle map (spec.md §4.7).
type scopeState struct {
	handle        ScopeHandle
	scope         rdm.Scope
	conn          *rptconn.Connection
	connHandle    uint64
	connectMsg    codec.ConnectMsg
	staticAddr    *net.TCPAddr
	monitorHandle uint64
	monitoring    bool
}

// Client is the higher-level binding described in spec.md §4.7: it
// composes one rptconn.Connection per added scope with one shared
// llrp.Target, and drives a DiscoveryAdapter to locate each scope's
// broker unless a static address is configured.
type Client struct {
	cid           rdm.CID
	entryTemplate codec.ClientEntry
	componentType codec.ComponentType
	core          *transport.PollCore
	discovery     DiscoveryAdapter
	cb            Callbacks
	logger        zerolog.Logger

	mu         sync.Mutex
	scopes     map[ScopeHandle]*scopeState
	connToScope map[uint64]ScopeHandle
	nextHandle uint64

	llrpTarget *llrp.Target
}

// New constructs a Client. entryTemplate.CID and entryTemplate.Protocol
// are filled in automatically; callers set UID, ClientType (RPT) or
// EptProtocolIDs (EPT).
func New(core *transport.PollCore, cid rdm.CID, entryTemplate codec.ClientEntry, componentType codec.ComponentType, discovery DiscoveryAdapter, cb Callbacks) *Client {
	entryTemplate.CID = cid
	if entryTemplate.Protocol == 0 {
		entryTemplate.Protocol = codec.ClientProtocolRPT
		if len(entryTemplate.EptProtocolIDs) > 0 {
			entryTemplate.Protocol = codec.ClientProtocolEPT
		}
	}
	return &Client{
		cid:           cid,
		entryTemplate: entryTemplate,
		componentType: componentType,
		core:          core,
		discovery:     discovery,
		cb:            cb,
		logger:        log.With().Str("client_cid", cid.String()).Logger(),
		scopes:        make(map[ScopeHandle]*scopeState),
		connToScope:   make(map[uint64]ScopeHandle),
	}
}

// AddScope begins participating in scope. If staticAddr is non-nil it is
// connected to directly; otherwise the DiscoveryAdapter is used to locate
// the scope's broker (spec.md §4.7 "drives the DiscoveryAdapter on
// addScope").
func (c *Client) AddScope(scope rdm.Scope, staticAddr *net.TCPAddr) ScopeHandle {
	c.mu.Lock()
	c.nextHandle++
	handle := ScopeHandle(c.nextHandle)
	st := &scopeState{handle: handle, scope: scope, staticAddr: staticAddr}
	st.connectMsg = codec.ConnectMsg{ClientCID: c.cid, E133Version: 1, Scope: scope, Entry: c.entryTemplate}
	c.scopes[handle] = st
	c.mu.Unlock()

	if staticAddr != nil {
		c.connectScope(st, staticAddr)
		return handle
	}

	if c.discovery == nil {
		c.logger.Warn().Str("scope", string(scope)).Msg("client: no DiscoveryAdapter configured and no static broker address")
		return handle
	}
	mh, err := c.discovery.StartMonitoring(ScopeConfig{Scope: scope}, &scopeMonitor{client: c, handle: handle})
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", string(scope)).Msg("client: failed to start discovery monitoring")
		return handle
	}
	c.mu.Lock()
	st.monitorHandle = mh
	st.monitoring = true
	c.mu.Unlock()
	return handle
}

// RemoveScope tears down the scope's connection and discovery
// subscription (spec.md §4.7 "destroy... processed on the next tick").
func (c *Client) RemoveScope(handle ScopeHandle) {
	c.mu.Lock()
	st, ok := c.scopes[handle]
	if ok {
		delete(c.scopes, handle)
		if st.connHandle != 0 {
			delete(c.connToScope, st.connHandle)
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if st.monitoring && c.discovery != nil {
		c.discovery.StopMonitoring(st.monitorHandle)
	}
	if st.conn != nil {
		st.conn.Destroy(codec.DisconnectUserReconfigure)
	}
}

func (c *Client) connectScope(st *scopeState, addr *net.TCPAddr) {
	c.mu.Lock()
	c.nextHandle++
	connHandle := c.nextHandle
	st.connHandle = connHandle
	c.connToScope[connHandle] = st.handle
	c.mu.Unlock()

	st.conn = rptconn.New(connHandle, c.cid, c.core, c)
	st.conn.Connect(addr, st.connectMsg)
}

// scopeMonitor adapts DiscoveryAdapter's MonitorCallbacks to one scope of
// a Client without polluting Client's own method set.
type scopeMonitor struct {
	client *Client
	handle ScopeHandle
}

func (m *scopeMonitor) BrokerFound(info BrokerInfo) {
	m.client.mu.Lock()
	st, ok := m.client.scopes[m.handle]
	alreadyConnecting := ok && st.conn != nil
	m.client.mu.Unlock()
	if !ok || alreadyConnecting || len(info.ListenAddrs) == 0 {
		return
	}
	addr, err := net.ResolveTCPAddr("tcp", info.ListenAddrs[0])
	if err != nil {
		m.client.logger.Warn().Err(err).Msg("client: discovered broker address did not resolve")
		return
	}
	m.client.connectScope(st, addr)
}

func (m *scopeMonitor) BrokerUpdated(info BrokerInfo) {}

func (m *scopeMonitor) BrokerLost(serviceName string, cid rdm.CID) {}

// SendRdmCommand sends an RPT Request on the given scope's connection.
func (c *Client) SendRdmCommand(handle ScopeHandle, hdr codec.RptHeader, cmd rdm.Command) error {
	st, ok := c.scope(handle)
	if !ok || st.conn == nil {
		return fmt.Errorf("client: scope %d is not connected", handle)
	}
	return st.conn.SendRdmCommand(hdr, cmd)
}

func (c *Client) scope(handle ScopeHandle) (*scopeState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.scopes[handle]
	return st, ok
}

// EnableLLRP starts the Client's shared LLRP Target so it can answer
// probe requests and accept addressed RDM commands (spec.md §4.7 "owns
// one LLRP Target per instance").
func (c *Client) EnableLLRP(uid rdm.UID, hwAddr [6]byte) error {
	t, err := llrp.NewTarget(c.core, c.cid, uid, hwAddr, c.componentType, &llrpAdapter{client: c})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.llrpTarget = t
	c.mu.Unlock()
	return nil
}

// RespondLlrpRdm sends the user's RDM response for a command previously
// delivered via Callbacks.LlrpRdmCommandReceived.
func (c *Client) RespondLlrpRdm(resp rdm.Response, transactionNum uint32) {
	c.mu.Lock()
	t := c.llrpTarget
	c.mu.Unlock()
	if t != nil {
		t.RespondRdm(resp, transactionNum)
	}
}

type llrpAdapter struct {
	client *Client
}

func (a *llrpAdapter) RdmCommandReceived(cmd rdm.Command, transactionNum uint32) {
	a.client.cb.LlrpRdmCommandReceived(cmd, transactionNum)
}

// The following methods implement rptconn.Callbacks, dispatched by
// connection handle back to the owning scope (spec.md §4.7 dispatch path:
// "socket -> PollCore -> Connection -> Codec.parse -> Client dispatch ->
// user callback").

func (c *Client) scopeForConn(connHandle uint64) (ScopeHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.connToScope[connHandle]
	return h, ok
}

func (c *Client) Connected(connHandle uint64) {
	scope, ok := c.scopeForConn(connHandle)
	if !ok {
		return
	}
	st, _ := c.scope(scope)
	c.cb.Connected(scope, st.conn.BrokerUID())
}

func (c *Client) ConnectFailed(connHandle uint64, reason rptconn.ConnectFailReason, status codec.ConnectStatus) {
	if scope, ok := c.scopeForConn(connHandle); ok {
		c.cb.ConnectFailed(scope, reason, status)
	}
}

func (c *Client) Disconnected(connHandle uint64, reason rptconn.DisconnectReason, detail string) {
	if scope, ok := c.scopeForConn(connHandle); ok {
		c.cb.Disconnected(scope, reason, detail)
	}
}

func (c *Client) RdmCommandReceived(connHandle uint64, hdr codec.RptHeader, cmd rdm.Command) {
	if scope, ok := c.scopeForConn(connHandle); ok {
		c.cb.RdmCommandReceived(scope, hdr, cmd)
	}
}

func (c *Client) RdmResponseReceived(connHandle uint64, hdr codec.RptHeader, resp rdm.Response) {
	if scope, ok := c.scopeForConn(connHandle); ok {
		c.cb.RdmResponseReceived(scope, hdr, resp)
	}
}

func (c *Client) StatusReceived(connHandle uint64, hdr codec.RptHeader, code codec.RPTStatusCode, msg string) {
	if scope, ok := c.scopeForConn(connHandle); ok {
		c.cb.StatusReceived(scope, hdr, code, msg)
	}
}

// BrokerMessage handles broker-layer PDUs the Connection itself does not
// interpret: client-list updates and dynamic-UID assignment replies.
func (c *Client) BrokerMessage(connHandle uint64, vector uint16, payload []byte) {
	scope, ok := c.scopeForConn(connHandle)
	if !ok {
		return
	}
	switch vector {
	case codec.VectorBrokerConnectedClientList, codec.VectorBrokerClientAdd,
		codec.VectorBrokerClientRemove, codec.VectorBrokerClientEntryChange:
		entries, err := codec.ParseClientList(payload)
		if err != nil {
			return
		}
		c.cb.ClientListUpdate(scope, vector, entries)
	case codec.VectorBrokerAssignedDynamicUidList:
		assignments, err := codec.ParseAssignedDynamicUidList(payload)
		if err != nil {
			return
		}
		c.cb.ResponderIDsReceived(scope, assignments)
	}
}
