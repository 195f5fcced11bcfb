package rptconn

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/transport"
)

// maxPduSize bounds a single encode buffer for the PDUs a Connection sends:
// ClientConnect, Null, Disconnect and RPT Request.
const maxPduSize = 4096

// Connection is one client-to-broker TCP link (spec.md §4.4). It is owned
// by exactly one Client, registered as a transport.Pollable, and every
// state field is mutated only from the PollCore goroutine; other
// goroutines read a consistent snapshot through Snapshot.
type Connection struct {
	handle   uint64
	localCID rdm.CID
	core     *transport.PollCore
	pollID   uint64
	cb       Callbacks
	logger   zerolog.Logger

	mu    sync.RWMutex
	state State
	addr  *net.TCPAddr

	connectMsg    codec.ConnectMsg
	redirectCount int

	brokerUID rdm.UID

	conn   net.Conn
	msgBuf *transport.MessageBuffer

	recvCh chan []byte
	errCh  chan error
	dialCh chan dialResult

	// sendMu is the partial-send lock (spec.md §4.4 "Partial send
	// discipline"): startMessage/endMessage bracket a multi-segment send
	// so heartbeat Nulls cannot interleave mid-PDU.
	sendMu sync.Mutex

	connectReplyDeadline time.Time
	sendTimerDeadline    time.Time
	hbDeadline           time.Time
	backoffDeadline      time.Time

	closeOnce sync.Once
}

type dialResult struct {
	conn net.Conn
	err  error
}

// Snapshot is the read-only view of connection state available to
// goroutines other than PollCore (spec.md §4.4 invariant).
type Snapshot struct {
	State State
	Addr  *net.TCPAddr
}

// New constructs a Connection in state NotConnected and registers it with
// core. handle is the opaque integer the owning Client uses to refer to it.
func New(handle uint64, localCID rdm.CID, core *transport.PollCore, cb Callbacks) *Connection {
	c := &Connection{
		handle:   handle,
		localCID: localCID,
		core:     core,
		cb:       cb,
		logger:   log.With().Uint64("conn", handle).Logger(),
		state:    NotConnected,
		msgBuf:   transport.NewMessageBuffer(),
	}
	c.pollID = core.Register(c)
	return c
}

// Snapshot returns a consistent read-only copy of the connection's state.
func (c *Connection) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{State: c.state, Addr: c.addr}
}

// BrokerUID returns the UID the broker assigned this connection in its
// ConnectReply. Only meaningful once the connection has reached Heartbeat.
func (c *Connection) BrokerUID() rdm.UID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.brokerUID
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect begins a connection attempt to addr using msg as the
// ClientConnect template. Only valid from NotConnected.
func (c *Connection) Connect(addr *net.TCPAddr, msg codec.ConnectMsg) {
	c.mu.Lock()
	c.addr = addr
	c.connectMsg = msg
	c.state = Connecting
	c.mu.Unlock()
	c.beginDial(addr)
}

func (c *Connection) beginDial(addr *net.TCPAddr) {
	c.dialCh = make(chan dialResult, 1)
	dialCh := c.dialCh
	go func() {
		conn, err := net.DialTimeout("tcp", addr.String(), ConnectReplyTimeout)
		dialCh <- dialResult{conn: conn, err: err}
	}()
}

// Tick implements transport.Pollable. It is invoked once per PollCore
// iteration; all state transitions happen here.
func (c *Connection) Tick(now time.Time) {
	switch c.Snapshot().State {
	case Connecting:
		c.tickConnecting(now)
	case RdmnetConnPending:
		c.tickRdmnetConnPending(now)
	case Heartbeat:
		c.tickHeartbeat(now)
	case BackoffPending:
		c.tickBackoffPending(now)
	case Shutdown:
		c.core.Remove(c.pollID)
	}
}

func (c *Connection) tickConnecting(now time.Time) {
	select {
	case res := <-c.dialCh:
		if res.err != nil {
			c.logger.Warn().Err(res.err).Msg("rptconn: tcp connect failed")
			c.scheduleBackoff(FailTCP, 0)
			return
		}
		c.conn = res.conn
		c.startReader()
		if err := c.sendConnect(); err != nil {
			c.logger.Warn().Err(err).Msg("rptconn: failed to send ClientConnect")
			c.closeSocket()
			c.scheduleBackoff(FailTCP, 0)
			return
		}
		c.connectReplyDeadline = now.Add(ConnectReplyTimeout)
		c.setState(RdmnetConnPending)
	default:
	}
}

func (c *Connection) sendConnect() error {
	buf := make([]byte, maxPduSize)
	n, err := codec.PackConnect(buf, c.connectMsg)
	if err != nil {
		return err
	}
	return c.sendRootPdu(codec.VectorRootBroker, buf[:n])
}

func (c *Connection) tickRdmnetConnPending(now time.Time) {
	if now.After(c.connectReplyDeadline) {
		c.closeSocket()
		c.scheduleBackoff(FailNoReply, 0)
		return
	}
	c.drainRecv(func(msg *transport.Message) {
		if msg.RootLayer.Vector != codec.VectorRootBroker {
			return
		}
		vector, payload, _, err := codec.ParseBrokerPduHeader(msg.RootLayer.Payload)
		if err != nil {
			c.protocolError(err)
			return
		}
		if vector != codec.VectorBrokerConnectReply {
			return
		}
		reply, err := codec.ParseConnectReply(payload)
		if err != nil {
			c.protocolError(err)
			return
		}
		c.handleConnectReply(reply)
	})
	if err := c.checkReadError(); err != nil {
		c.closeSocket()
		c.scheduleBackoff(FailTCP, 0)
	}
}

func (c *Connection) handleConnectReply(reply codec.ConnectReplyMsg) {
	switch reply.Status {
	case codec.ConnectStatusOK:
		now := time.Now()
		c.redirectCount = 0
		c.sendTimerDeadline = now.Add(SendTimerPeriod)
		c.hbDeadline = now.Add(HeartbeatTimeout)
		c.mu.Lock()
		c.brokerUID = reply.BrokerUID
		c.mu.Unlock()
		c.setState(Heartbeat)
		c.cb.Connected(c.handle)
	case codec.ConnectStatusRedirectV4, codec.ConnectStatusRedirectV6:
		c.redirectCount++
		if c.redirectCount > MaxRedirects {
			c.closeSocket()
			c.cb.ConnectFailed(c.handle, FailRedirectLoop, reply.Status)
			c.setState(NotConnected)
			return
		}
		newAddr, err := net.ResolveTCPAddr("tcp", reply.BrokerAddr)
		if err != nil {
			c.closeSocket()
			c.scheduleBackoff(FailRejected, reply.Status)
			return
		}
		c.closeSocket()
		c.mu.Lock()
		c.addr = newAddr
		c.state = Connecting
		c.mu.Unlock()
		c.beginDial(newAddr)
	default:
		c.closeSocket()
		c.scheduleBackoff(FailRejected, reply.Status)
	}
}

func (c *Connection) tickHeartbeat(now time.Time) {
	if now.After(c.sendTimerDeadline) {
		buf := make([]byte, maxPduSize)
		n, err := codec.PackNull(buf)
		if err == nil {
			c.sendRootPdu(codec.VectorRootBroker, buf[:n])
		}
		c.sendTimerDeadline = now.Add(SendTimerPeriod)
	}
	if now.After(c.hbDeadline) {
		c.closeSocket()
		c.setState(Shutdown)
		c.cb.Disconnected(c.handle, DisconnectNoHeartbeat, "heartbeat timeout")
		return
	}

	sawTraffic := false
	c.drainRecv(func(msg *transport.Message) {
		sawTraffic = true
		c.dispatch(msg)
	})
	if sawTraffic {
		c.hbDeadline = now.Add(HeartbeatTimeout)
	}
	if err := c.checkReadError(); err != nil {
		c.setState(Shutdown)
		c.cb.Disconnected(c.handle, DisconnectSocket, err.Error())
	}
}

func (c *Connection) tickBackoffPending(now time.Time) {
	if now.After(c.backoffDeadline) {
		addr := c.Snapshot().Addr
		c.mu.Lock()
		c.state = Connecting
		c.mu.Unlock()
		c.beginDial(addr)
	}
}

func (c *Connection) scheduleBackoff(reason ConnectFailReason, status codec.ConnectStatus) {
	c.backoffDeadline = time.Now().Add(randomBackoff())
	c.setState(BackoffPending)
	c.cb.ConnectFailed(c.handle, reason, status)
}

func (c *Connection) dispatch(msg *transport.Message) {
	root := msg.RootLayer
	switch root.Vector {
	case codec.VectorRootBroker:
		c.dispatchBroker(root.Payload)
	case codec.VectorRootRpt:
		c.dispatchRpt(root.Payload)
	default:
		c.logger.Debug().Uint32("vector", root.Vector).Msg("rptconn: ignoring unsupported root vector")
	}
}

func (c *Connection) dispatchBroker(payload []byte) {
	vector, body, _, err := codec.ParseBrokerPduHeader(payload)
	if err != nil {
		c.protocolError(err)
		return
	}
	switch vector {
	case codec.VectorBrokerNull:
		// heartbeat only; hbDeadline already refreshed by the caller.
	case codec.VectorBrokerDisconnect:
		reason, err := codec.ParseDisconnect(body)
		if err != nil {
			c.protocolError(err)
			return
		}
		c.closeSocket()
		c.setState(Shutdown)
		c.cb.Disconnected(c.handle, DisconnectRemote, reasonString(reason))
	default:
		c.cb.BrokerMessage(c.handle, vector, body)
	}
}

func (c *Connection) dispatchRpt(payload []byte) {
	vector, hdr, body, _, err := codec.ParseRptPduHeader(payload)
	if err != nil {
		c.protocolError(err)
		return
	}
	switch vector {
	case codec.VectorRptRequest:
		cmd, _, err := codec.ParseRdmCommand(body)
		if err != nil {
			c.protocolError(err)
			return
		}
		c.cb.RdmCommandReceived(c.handle, hdr, cmd)
	case codec.VectorRptNotification:
		responses, err := codec.ParseRptNotificationResponses(body)
		if err != nil {
			c.protocolError(err)
			return
		}
		for _, r := range responses {
			c.cb.RdmResponseReceived(c.handle, hdr, r)
		}
	case codec.VectorRptStatus:
		code, msg, err := codec.ParseRptStatus(body)
		if err != nil {
			c.protocolError(err)
			return
		}
		c.cb.StatusReceived(c.handle, hdr, code, msg)
	}
}

func reasonString(r codec.DisconnectReason) string {
	switch r {
	case codec.DisconnectShutdown:
		return "shutdown"
	case codec.DisconnectCapacityExhausted:
		return "capacity_exhausted"
	case codec.DisconnectHardwareFault:
		return "hardware_fault"
	case codec.DisconnectSoftwareFault:
		return "software_fault"
	case codec.DisconnectSoftwareReset:
		return "software_reset"
	case codec.DisconnectIncorrectScope:
		return "incorrect_scope"
	case codec.DisconnectRptReconfigure:
		return "rpt_reconfigure"
	case codec.DisconnectLlrpReconfigure:
		return "llrp_reconfigure"
	case codec.DisconnectUserReconfigure:
		return "user_reconfigure"
	default:
		return "unknown"
	}
}

// protocolError handles a malformed PDU: per spec.md §7 the connection
// always closes on a ParseError.
func (c *Connection) protocolError(err error) {
	c.logger.Warn().Err(err).Msg("rptconn: protocol error, closing connection")
	c.closeSocket()
	c.setState(Shutdown)
	c.cb.Disconnected(c.handle, DisconnectSocket, err.Error())
}

// startReader spawns the per-connection read goroutine. The socket is
// read in a loop with a short deadline so the goroutine can notice the
// connection closing without blocking forever; chunks are handed to
// PollCore through recvCh, which Tick drains without blocking.
func (c *Connection) startReader() {
	c.recvCh = make(chan []byte, 64)
	c.errCh = make(chan error, 1)
	conn := c.conn
	recvCh := c.recvCh
	errCh := c.errCh
	go func() {
		buf := make([]byte, 4096)
		for {
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				// Blocks while PollCore is behind; the stalled reads let
				// TCP flow control push back on the sender.
				recvCh <- chunk
			}
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}()
}

// drainRecv feeds every chunk currently queued from the reader into the
// MessageBuffer and invokes fn for each fully parsed message, without
// blocking if the channel is empty.
func (c *Connection) drainRecv(fn func(*transport.Message)) {
	if c.recvCh == nil {
		return
	}
	for {
		select {
		case chunk := <-c.recvCh:
			c.msgBuf.Feed(chunk)
			for {
				msg, err := c.msgBuf.TakeNext()
				if err == transport.ErrIncomplete {
					break
				}
				if err != nil {
					c.protocolError(err)
					return
				}
				fn(msg)
			}
		default:
			return
		}
	}
}

func (c *Connection) checkReadError() error {
	if c.errCh == nil {
		return nil
	}
	select {
	case err := <-c.errCh:
		return err
	default:
		return nil
	}
}

// startMessage/endMessage bracket a multi-segment send (spec.md §4.4
// "Partial send discipline") so a concurrent heartbeat Null cannot
// interleave mid-PDU.
func (c *Connection) startMessage() { c.sendMu.Lock() }
func (c *Connection) endMessage()   { c.sendMu.Unlock() }

// sendRootPdu wraps payload (an already-encoded broker/RPT/EPT PDU) in the
// TCP preamble and root layer and writes it to the socket under the
// partial-send lock.
func (c *Connection) sendRootPdu(vector uint32, payload []byte) error {
	c.startMessage()
	defer c.endMessage()

	rootBuf := make([]byte, 3+codec.RootLayerHeaderLen+len(payload))
	n, err := codec.PackRootLayer(rootBuf, vector, c.localCID, payload)
	if err != nil {
		return err
	}
	rootBuf = rootBuf[:n]

	out := make([]byte, codec.TCPPreambleLen+len(rootBuf))
	if _, err := codec.PackTCPPreamble(out, uint32(len(rootBuf))); err != nil {
		return err
	}
	copy(out[codec.TCPPreambleLen:], rootBuf)

	if c.conn == nil {
		return rdm.NewError(rdm.ErrKindTransport, "sendRootPdu", net.ErrClosed)
	}
	_, err = c.conn.Write(out)
	return err
}

// SendRdmCommand sends an RPT Request carrying one RDM command. Valid only
// while the connection is in Heartbeat.
func (c *Connection) SendRdmCommand(hdr codec.RptHeader, cmd rdm.Command) error {
	cmdBuf := make([]byte, 20+len(cmd.ParamData))
	cn, err := codec.PackRdmCommand(cmdBuf, cmd)
	if err != nil {
		return err
	}
	buf := make([]byte, maxPduSize)
	n, err := codec.PackRptPduHeader(buf, codec.VectorRptRequest, hdr, cn)
	if err != nil {
		return err
	}
	copy(buf[n:], cmdBuf[:cn])
	return c.sendRootPdu(codec.VectorRootRpt, buf[:n+cn])
}

func (c *Connection) closeSocket() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.msgBuf.Reset()
}

// Destroy sends a best-effort Disconnect, closes the socket and schedules
// the Connection for removal from PollCore on the next iteration
// (spec.md §4.4 "any -> user calls destroy").
func (c *Connection) Destroy(reason codec.DisconnectReason) {
	c.closeOnce.Do(func() {
		if c.Snapshot().State == Heartbeat {
			buf := make([]byte, maxPduSize)
			if n, err := codec.PackDisconnect(buf, reason); err == nil {
				c.sendRootPdu(codec.VectorRootBroker, buf[:n])
			}
		}
		c.closeSocket()
		c.setState(Shutdown)
		c.core.Remove(c.pollID)
	})
}
