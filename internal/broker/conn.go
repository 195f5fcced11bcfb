package broker

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

const maxPduSize = 4096

// connectTimeout bounds how long a ServerConn waits for the client's
// initial Connect PDU before giving up (a broker-side analogue of
// rptconn's ConnectReplyTimeout, applied in the opposite direction).
const connectTimeout = 5 * time.Second

// heartbeatTimeout mirrors rptconn.HeartbeatTimeout: no traffic (not even
// a Null) within this window closes the link.
const heartbeatTimeout = 45 * time.Second

type connState int

const (
	awaitingConnect connState = iota
	heartbeat
	shutdown
)

// ServerConn is one accepted client-to-broker TCP link. Unlike
// rptconn.Connection it never dials out, so it has no
// Connecting/BackoffPending/redirect states — only "waiting for Connect",
// "Heartbeat", and "Shutdown" (spec.md §4.4, broker side).
type ServerConn struct {
	svc    *Service
	conn   net.Conn
	logger zerolog.Logger

	msgBuf *transport.MessageBuffer
	recvCh chan []byte
	errCh  chan error

	sendMu sync.Mutex

	mu    sync.RWMutex
	state connState
	cid   rdm.CID
	entry codec.ClientEntry
	scope rdm.Scope

	connectDeadline time.Time
	hbDeadline      time.Time

	outbound  *OutboundQueue
	pollID    uint64
	closeOnce sync.Once
}

func newServerConn(svc *Service, conn net.Conn) *ServerConn {
	sc := &ServerConn{
		svc:             svc,
		conn:            conn,
		logger:          log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		msgBuf:          transport.NewMessageBuffer(),
		outbound:        NewOutboundQueue(DefaultControllerQueueLimit),
		state:           awaitingConnect,
		connectDeadline: time.Now().Add(connectTimeout),
	}
	sc.startReader()
	sc.pollID = svc.core.Register(sc)
	return sc
}

func (sc *ServerConn) snapshotState() connState {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.state
}

func (sc *ServerConn) setState(s connState) {
	sc.mu.Lock()
	sc.state = s
	sc.mu.Unlock()
}

// CID returns the client's component ID. Valid once past awaitingConnect.
func (sc *ServerConn) CID() rdm.CID {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cid
}

// Entry returns the client's ClientEntry as registered.
func (sc *ServerConn) Entry() codec.ClientEntry {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.entry
}

// Tick implements transport.Pollable.
func (sc *ServerConn) Tick(now time.Time) {
	switch sc.snapshotState() {
	case awaitingConnect:
		sc.tickAwaitingConnect(now)
	case heartbeat:
		sc.tickHeartbeat(now)
	case shutdown:
		sc.svc.core.Remove(sc.pollID)
	}
}

func (sc *ServerConn) tickAwaitingConnect(now time.Time) {
	if now.After(sc.connectDeadline) {
		sc.logger.Debug().Msg("broker: client did not send Connect in time")
		sc.closeAndShutdown()
		return
	}
	sc.drainRecv(func(msg *transport.Message) {
		if msg.RootLayer.Vector != codec.VectorRootBroker {
			return
		}
		vector, payload, _, err := codec.ParseBrokerPduHeader(msg.RootLayer.Payload)
		if err != nil || vector != codec.VectorBrokerConnect {
			return
		}
		cmsg, err := codec.ParseConnect(payload)
		if err != nil {
			sc.closeAndShutdown()
			return
		}
		sc.handleConnect(cmsg)
	})
	if err := sc.checkReadError(); err != nil {
		sc.closeAndShutdown()
	}
}

func (sc *ServerConn) handleConnect(msg codec.ConnectMsg) {
	if !msg.Scope.Valid() || msg.Scope != sc.svc.scope {
		sc.replyConnect(codec.ConnectStatusScopeMismatch, msg.Entry.UID)
		sc.closeAndShutdown()
		return
	}
	if sc.svc.registry.Count() >= sc.svc.maxClients {
		sc.replyConnect(codec.ConnectStatusCapacityExceeded, msg.Entry.UID)
		sc.closeAndShutdown()
		return
	}

	uid := msg.Entry.UID
	if uid.IsDynamic() {
		uid = sc.svc.allocator.Assign(uid.Manufacturer&^rdm.DynamicUIDRequestBit, hardwareIDFromCID(msg.ClientCID))
	} else if sc.svc.registry.HasUID(uid) {
		sc.replyConnect(codec.ConnectStatusDuplicateUID, uid)
		sc.closeAndShutdown()
		return
	}

	msg.Entry.UID = uid
	sc.mu.Lock()
	sc.cid = msg.ClientCID
	sc.entry = msg.Entry
	sc.scope = msg.Scope
	sc.state = heartbeat
	sc.hbDeadline = time.Now().Add(heartbeatTimeout)
	sc.mu.Unlock()

	rec := &ClientRecord{CID: msg.ClientCID, Entry: msg.Entry, Scope: msg.Scope, Conn: sc}
	sc.svc.registry.Add(rec)
	sc.svc.onClientConnected(rec)

	sc.replyConnect(codec.ConnectStatusOK, uid)
}

func (sc *ServerConn) replyConnect(status codec.ConnectStatus, uid rdm.UID) {
	buf := make([]byte, maxPduSize)
	reply := codec.ConnectReplyMsg{
		Status:      status,
		E133Version: 1,
		BrokerUID:   sc.svc.brokerUID,
		ClientUID:   uid,
	}
	n, err := codec.PackConnectReply(buf, reply)
	if err != nil {
		sc.logger.Warn().Err(err).Msg("broker: failed to encode ConnectReply")
		return
	}
	sc.sendRootPdu(codec.VectorRootBroker, buf[:n])
}

func (sc *ServerConn) tickHeartbeat(now time.Time) {
	if now.After(sc.hbDeadline) {
		sc.logger.Debug().Msg("broker: client heartbeat timeout")
		sc.closeAndShutdown()
		return
	}

	sawTraffic := false
	sc.drainRecv(func(msg *transport.Message) {
		sawTraffic = true
		sc.dispatch(msg)
	})
	if sawTraffic {
		sc.mu.Lock()
		sc.hbDeadline = now.Add(heartbeatTimeout)
		sc.mu.Unlock()
	}
	if err := sc.checkReadError(); err != nil {
		sc.closeAndShutdown()
		return
	}

	// Drain one queued outbound message per tick so a burst of replies
	// can't monopolize the socket ahead of this client's own heartbeat.
	if m, ok := sc.outbound.Pop(); ok {
		sc.sendRootPdu(m.vector, m.payload)
	}
}

func (sc *ServerConn) dispatch(msg *transport.Message) {
	root := msg.RootLayer
	switch root.Vector {
	case codec.VectorRootBroker:
		sc.dispatchBroker(root.Payload)
	case codec.VectorRootRpt:
		sc.dispatchRpt(root.Payload)
	default:
		sc.logger.Debug().Uint32("vector", root.Vector).Msg("broker: ignoring unsupported root vector")
	}
}

func (sc *ServerConn) dispatchBroker(payload []byte) {
	vector, body, _, err := codec.ParseBrokerPduHeader(payload)
	if err != nil {
		sc.closeAndShutdown()
		return
	}
	switch vector {
	case codec.VectorBrokerNull:
		// heartbeat only.
	case codec.VectorBrokerDisconnect:
		sc.closeAndShutdown()
	case codec.VectorBrokerFetchClientList:
		sc.svc.replyClientList(sc)
	case codec.VectorBrokerRequestDynamicUidList:
		reqs, err := codec.ParseRequestDynamicUidList(body)
		if err != nil {
			return
		}
		sc.svc.assignDynamicUIDs(sc, reqs)
	case codec.VectorBrokerFetchDynamicUidList:
		uids, err := codec.ParseFetchDynamicUidList(body)
		if err != nil {
			return
		}
		sc.svc.replyFetchDynamicUIDs(sc, uids)
	default:
		sc.logger.Debug().Uint16("vector", vector).Msg("broker: ignoring unsupported broker vector")
	}
}

func (sc *ServerConn) dispatchRpt(payload []byte) {
	vector, hdr, body, _, err := codec.ParseRptPduHeader(payload)
	if err != nil {
		sc.closeAndShutdown()
		return
	}
	switch vector {
	case codec.VectorRptRequest:
		sc.svc.routeRequest(sc.CID(), hdr, body)
	case codec.VectorRptNotification, codec.VectorRptStatus:
		sc.svc.routeToController(hdr, vector, body)
	}
}

// startReader spawns the per-connection read goroutine, mirroring
// rptconn.Connection.startReader: short read deadlines so it can notice
// closure without blocking the PollCore tick.
func (sc *ServerConn) startReader() {
	sc.recvCh = make(chan []byte, 64)
	sc.errCh = make(chan error, 1)
	conn := sc.conn
	recvCh := sc.recvCh
	errCh := sc.errCh
	go func() {
		buf := make([]byte, 4096)
		for {
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case recvCh <- chunk:
				default:
				}
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

func (sc *ServerConn) drainRecv(fn func(*transport.Message)) {
	for {
		select {
		case chunk := <-sc.recvCh:
			sc.msgBuf.Feed(chunk)
			for {
				msg, err := sc.msgBuf.TakeNext()
				if err == transport.ErrIncomplete {
					break
				}
				if err != nil {
					sc.closeAndShutdown()
					return
				}
				fn(msg)
			}
		default:
			return
		}
	}
}

func (sc *ServerConn) checkReadError() error {
	select {
	case err := <-sc.errCh:
		return err
	default:
		return nil
	}
}

func (sc *ServerConn) startMessage() { sc.sendMu.Lock() }
func (sc *ServerConn) endMessage()   { sc.sendMu.Unlock() }

func (sc *ServerConn) sendRootPdu(vector uint32, payload []byte) error {
	sc.startMessage()
	defer sc.endMessage()

	rootBuf := make([]byte, 3+codec.RootLayerHeaderLen+len(payload))
	n, err := codec.PackRootLayer(rootBuf, vector, sc.svc.brokerCID, payload)
	if err != nil {
		return err
	}
	rootBuf = rootBuf[:n]

	out := make([]byte, codec.TCPPreambleLen+len(rootBuf))
	if _, err := codec.PackTCPPreamble(out, uint32(len(rootBuf))); err != nil {
		return err
	}
	copy(out[codec.TCPPreambleLen:], rootBuf)

	_, err = sc.conn.Write(out)
	return err
}

// Enqueue pushes a pre-encoded broker/RPT PDU onto this client's outbound
// queue at priority p.
func (sc *ServerConn) Enqueue(p priority, vector uint32, payload []byte) bool {
	return sc.outbound.Push(p, vector, payload)
}

func (sc *ServerConn) closeAndShutdown() {
	sc.closeOnce.Do(func() {
		sc.conn.Close()
		sc.setState(shutdown)
		if cid := sc.CID(); cid != rdm.NilCID {
			sc.svc.onClientDisconnected(cid)
		}
	})
}
