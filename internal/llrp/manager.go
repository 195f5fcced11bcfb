package llrp

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

// discTimerPeriod is the window a Manager waits for probe replies before
// deciding how to narrow or advance its search range (spec.md §4.6).
const discTimerPeriod = 3 * time.Second

// knownUIDSize caps how many UIDs fit in one probe request's known_uids
// list so the range-halving step keeps every probe within one UDP
// datagram (spec.md §4.6, implementation choice of 200).
const knownUIDSize = 200

// DiscoveredTarget is one (UID, CID) pair the Manager has observed. Per
// spec.md §4.6, the same UID may legally appear under more than one CID;
// Chain holds any additional CIDs discovered at the same UID.
type DiscoveredTarget struct {
	UID   rdm.UID
	CID   rdm.CID
	Chain []rdm.CID
}

// ManagerCallbacks surfaces discovery and RDM events to the owning Client.
type ManagerCallbacks interface {
	TargetDiscovered(t DiscoveredTarget)
	DiscoveryFinished()
	RdmResponseReceived(resp rdm.Response, transactionNum uint32)
}

// pendingReply correlates a response multicast datagram back to the
// command that requested it.
type pendingReply struct {
	sentAt time.Time
}

// Manager drives binary-search UID discovery over the request multicast
// groups and sends correlated LLRP RDM commands (spec.md §4.6).
type Manager struct {
	cid    rdm.CID
	uid    rdm.UID
	cb     ManagerCallbacks
	logger zerolog.Logger

	recvV4, recvV6 *net.UDPConn
	sendV4, sendV6 *net.UDPConn

	mu         sync.Mutex
	txnCounter uint32
	pending    map[uint32]pendingReply

	discoveryActive bool
	lower, upper    rdm.UID
	cleanSends      int
	discovered      map[rdm.UID]*DiscoveredTarget
	roundReplies    map[rdm.UID]*DiscoveredTarget
	discTimerDeadline time.Time
	filter          codec.ProbeRequestFilter

	pollID uint64
}

// NewManager opens the response-group listeners and registers the manager
// with core. uid's manufacturer ID must carry the dynamic-manager bit
// (spec.md §3 "DynamicUIDRequestBit") OR-ed in by the caller.
func NewManager(core *transport.PollCore, cid rdm.CID, uid rdm.UID, cb ManagerCallbacks) (*Manager, error) {
	m := &Manager{
		cid:     cid,
		uid:     uid,
		cb:      cb,
		logger:  log.With().Str("manager_uid", uid.String()).Logger(),
		pending: make(map[uint32]pendingReply),
	}
	var err error
	m.recvV4, err = listenMulticast(ResponseGroupV4, Port)
	if err != nil {
		return nil, err
	}
	m.recvV6, err = listenMulticast(ResponseGroupV6, Port)
	if err != nil {
		m.logger.Warn().Err(err).Msg("llrp: IPv6 response group unavailable, continuing IPv4-only")
	}
	m.sendV4, err = sendSocket(false)
	if err != nil {
		return nil, err
	}
	m.sendV6, _ = sendSocket(true)

	m.startReaders()
	m.pollID = core.Register(m)
	return m, nil
}

func (m *Manager) startReaders() {
	if m.recvV4 != nil {
		go m.readLoop(m.recvV4)
	}
	if m.recvV6 != nil {
		go m.readLoop(m.recvV6)
	}
}

func (m *Manager) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		m.handleDatagram(buf[:n])
	}
}

func (m *Manager) handleDatagram(data []byte) {
	if err := codec.ParseUDPPreamble(data); err != nil {
		return
	}
	vector, hdr, payload, _, err := codec.ParseLlrpPduHeader(data[codec.UDPPreambleLen:])
	if err != nil {
		return
	}
	if hdr.DestCID != m.cid {
		return
	}
	switch vector {
	case codec.VectorLlrpProbeReply:
		reply, err := codec.ParseProbeReply(payload)
		if err != nil {
			return
		}
		m.handleProbeReply(reply)
	case codec.VectorLlrpRdmCmd:
		resp, err := codec.ParseLlrpRdmResponse(payload)
		if err != nil {
			return
		}
		m.mu.Lock()
		_, known := m.pending[hdr.TransactionNum]
		delete(m.pending, hdr.TransactionNum)
		m.mu.Unlock()
		if known {
			m.cb.RdmResponseReceived(resp, hdr.TransactionNum)
		}
	}
}

func (m *Manager) handleProbeReply(reply codec.ProbeReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.discoveryActive {
		return
	}
	target, exists := m.roundReplies[reply.UID]
	if !exists {
		target = &DiscoveredTarget{UID: reply.UID, CID: reply.CID}
		m.roundReplies[reply.UID] = target
		m.discovered[reply.UID] = target
	} else if target.CID != reply.CID {
		target.Chain = append(target.Chain, reply.CID)
	}
	m.cleanSends = 0
	notify := *target
	m.mu.Unlock()
	// Delivered synchronously from the UDP reader goroutine so replies
	// reach the user in wire order (spec.md §5 "Ordering guarantees").
	m.cb.TargetDiscovered(notify)
	m.mu.Lock()
}

// Start begins a discovery cycle over the full UID space (spec.md §4.6).
func (m *Manager) Start(filter codec.ProbeRequestFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoveryActive = true
	m.lower = rdm.UID{}
	m.upper = rdm.BroadcastUID
	m.cleanSends = 0
	m.discovered = make(map[rdm.UID]*DiscoveredTarget)
	m.filter = filter
	m.sendProbeLocked()
}

func (m *Manager) sendProbeLocked() {
	m.roundReplies = make(map[rdm.UID]*DiscoveredTarget)
	known := m.knownInRangeLocked()
	req := codec.ProbeRequest{Lower: m.lower, Upper: m.upper, KnownUIDs: known, Filter: m.filter}
	buf := make([]byte, 2048)
	hdr := codec.LlrpHeader{DestCID: rdm.NilCID, SenderCID: m.cid, TransactionNum: m.nextTxnLocked()}
	n, err := codec.PackProbeRequest(buf, hdr, req)
	if err != nil {
		m.logger.Warn().Err(err).Msg("llrp: failed to encode probe request")
		return
	}
	m.sendDatagram(buf[:n], false)
	m.discTimerDeadline = time.Now().Add(discTimerPeriod)
}

func (m *Manager) knownInRangeLocked() []rdm.UID {
	var out []rdm.UID
	for uid := range m.discovered {
		if uid.Compare(m.lower) >= 0 && uid.Compare(m.upper) <= 0 {
			out = append(out, uid)
			if len(out) >= knownUIDSize {
				break
			}
		}
	}
	return out
}

func (m *Manager) nextTxnLocked() uint32 {
	m.txnCounter++
	return m.txnCounter
}

// Tick implements transport.Pollable: advances the discovery state machine
// when disc_timer expires (spec.md §4.6 steps 4-5).
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.discoveryActive || now.Before(m.discTimerDeadline) {
		return
	}

	inRange := 0
	for uid := range m.discovered {
		if uid.Compare(m.lower) >= 0 && uid.Compare(m.upper) <= 0 {
			inRange++
		}
	}

	if inRange > knownUIDSize {
		m.upper = halve(m.lower, m.upper)
		m.sendProbeLocked()
		return
	}

	m.cleanSends++
	if m.cleanSends < 3 {
		// Retransmit the same probe to protect against packet loss.
		m.sendProbeLocked()
		return
	}

	if m.upper == rdm.BroadcastUID {
		// The range just searched already reached the top of the UID
		// space; there is nothing left to advance into.
		m.discoveryActive = false
		m.mu.Unlock()
		m.cb.DiscoveryFinished()
		m.mu.Lock()
		return
	}
	m.lower = increment(m.upper)
	m.upper = rdm.BroadcastUID
	m.cleanSends = 0
	m.sendProbeLocked()
}

// halve returns the UID at the midpoint of [lower, upper], treating the
// pair as a 48-bit integer range.
func halve(lower, upper rdm.UID) rdm.UID {
	lo := uidToUint64(lower)
	hi := uidToUint64(upper)
	mid := lo + (hi-lo)/2
	return uint64ToUID(mid)
}

func increment(u rdm.UID) rdm.UID {
	return uint64ToUID(uidToUint64(u) + 1)
}

func uidToUint64(u rdm.UID) uint64 {
	return uint64(u.Manufacturer)<<32 | uint64(u.Device)
}

func uint64ToUID(v uint64) rdm.UID {
	return rdm.UID{Manufacturer: uint16(v >> 32), Device: uint32(v)}
}

// SendRdmCommand assigns the next transaction number, transmits cmd to
// destCID over the request multicast group, and arms a response-match
// slot. cmd.SourceUID, cmd.PortID and cmd.TransactionNum are overwritten
// per spec.md §4.6 ("the manager's UID as source... port_id = 1,
// transaction_num = lower 8 bits of the LLRP transaction").
func (m *Manager) SendRdmCommand(destCID rdm.CID, cmd rdm.Command) uint32 {
	m.mu.Lock()
	txn := m.nextTxnLocked()
	m.pending[txn] = pendingReply{sentAt: time.Now()}
	m.mu.Unlock()

	cmd.SourceUID = m.uid
	cmd.PortID = 1
	cmd.TransactionNum = uint8(txn)

	hdr := codec.LlrpHeader{DestCID: destCID, SenderCID: m.cid, TransactionNum: txn}
	buf := make([]byte, 512)
	n, err := codec.PackLlrpRdmCommand(buf, hdr, cmd)
	if err != nil {
		m.logger.Warn().Err(err).Msg("llrp: failed to encode RDM command")
		return txn
	}
	m.sendDatagram(buf[:n], false)
	return txn
}

func (m *Manager) sendDatagram(pdu []byte, v6 bool) {
	out := make([]byte, codec.UDPPreambleLen+len(pdu))
	codec.PackUDPPreamble(out)
	copy(out[codec.UDPPreambleLen:], pdu)

	if v6 {
		if m.sendV6 != nil {
			m.sendV6.WriteToUDP(out, groupAddr(RequestGroupV6, Port))
		}
		return
	}
	if m.sendV4 != nil {
		m.sendV4.WriteToUDP(out, groupAddr(RequestGroupV4, Port))
	}
}

// Close stops the manager's readers and releases its sockets.
func (m *Manager) Close() {
	for _, c := range []*net.UDPConn{m.recvV4, m.recvV6, m.sendV4, m.sendV6} {
		if c != nil {
			c.Close()
		}
	}
}
