package llrp

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/transport"
)

// TargetCallbacks delivers inbound RDM commands to the owning component.
// RdmCommandReceived must eventually lead to a RespondRdm call with
// the matching transaction number; Targets never send unsolicited RDM
// (spec.md §4.5).
type TargetCallbacks interface {
	RdmCommandReceived(cmd rdm.Command, transactionNum uint32)
}

// Target is a passive LLRP responder: it joins the request multicast
// groups, answers matching probe requests after a randomized backoff, and
// relays addressed RDM commands upward (spec.md §4.5).
type Target struct {
	cid           rdm.CID
	uid           rdm.UID
	hwAddr        [6]byte
	componentType codec.ComponentType
	cb            TargetCallbacks
	logger        zerolog.Logger

	mu              sync.Mutex
	connectedToBroker bool
	armed           bool
	replyCID        rdm.CID
	replyTxn        uint32
	replyDeadline   time.Time
	rdmSenders      map[uint32]rdm.CID

	recvV4, recvV6 *net.UDPConn
	sendV4, sendV6 *net.UDPConn

	pollID uint64
}

// NewTarget opens the request-group listeners and registers the target
// with core. hwAddr is the component's link-layer (MAC) address, used
// verbatim in ProbeReply.
func NewTarget(core *transport.PollCore, cid rdm.CID, uid rdm.UID, hwAddr [6]byte, ct codec.ComponentType, cb TargetCallbacks) (*Target, error) {
	t := &Target{
		cid:           cid,
		uid:           uid,
		hwAddr:        hwAddr,
		componentType: ct,
		cb:            cb,
		logger:        log.With().Str("uid", uid.String()).Logger(),
		rdmSenders:    make(map[uint32]rdm.CID),
	}

	var err error
	t.recvV4, err = listenMulticast(RequestGroupV4, Port)
	if err != nil {
		return nil, err
	}
	t.recvV6, err = listenMulticast(RequestGroupV6, Port)
	if err != nil {
		t.logger.Warn().Err(err).Msg("llrp: IPv6 request group unavailable, continuing IPv4-only")
	}
	t.sendV4, err = sendSocket(false)
	if err != nil {
		return nil, err
	}
	t.sendV6, _ = sendSocket(true)

	t.startReaders()
	t.pollID = core.Register(t)
	return t, nil
}

// SetConnectedToBroker updates the flag the CLIENT_CONN_INACTIVE probe
// filter checks (spec.md §4.5 step 4).
func (t *Target) SetConnectedToBroker(connected bool) {
	t.mu.Lock()
	t.connectedToBroker = connected
	t.mu.Unlock()
}

func (t *Target) startReaders() {
	if t.recvV4 != nil {
		go t.readLoop(t.recvV4, false)
	}
	if t.recvV6 != nil {
		go t.readLoop(t.recvV6, true)
	}
}

func (t *Target) readLoop(conn *net.UDPConn, v6 bool) {
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		t.handleDatagram(buf[:n], v6)
	}
}

func (t *Target) handleDatagram(data []byte, v6 bool) {
	if err := codec.ParseUDPPreamble(data); err != nil {
		return
	}
	vector, hdr, payload, _, err := codec.ParseLlrpPduHeader(data[codec.UDPPreambleLen:])
	if err != nil {
		return
	}
	switch vector {
	case codec.VectorLlrpProbeRequest:
		req, err := codec.ParseProbeRequest(payload)
		if err != nil {
			return
		}
		t.considerProbe(hdr, req)
	case codec.VectorLlrpRdmCmd:
		if hdr.DestCID != t.cid {
			return
		}
		cmd, err := codec.ParseLlrpRdmCommand(payload)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.rdmSenders[hdr.TransactionNum] = hdr.SenderCID
		t.mu.Unlock()
		t.cb.RdmCommandReceived(cmd, hdr.TransactionNum)
	}
}

// considerProbe implements the rejection ladder in spec.md §4.5.
func (t *Target) considerProbe(hdr codec.LlrpHeader, req codec.ProbeRequest) {
	if t.uid.Compare(req.Lower) < 0 || t.uid.Compare(req.Upper) > 0 {
		return
	}
	for _, known := range req.KnownUIDs {
		if known == t.uid {
			return
		}
	}
	if req.Filter&codec.FilterBrokersOnly != 0 && t.componentType != codec.ComponentTypeBroker {
		return
	}
	t.mu.Lock()
	connected := t.connectedToBroker
	alreadyArmed := t.armed
	t.mu.Unlock()
	if req.Filter&codec.FilterClientConnInactive != 0 && connected {
		return
	}
	if alreadyArmed {
		return
	}

	delay := time.Duration(rand.Intn(LlrpMaxBackoffMs+1)) * time.Millisecond
	t.mu.Lock()
	t.armed = true
	t.replyCID = hdr.SenderCID
	t.replyTxn = hdr.TransactionNum
	t.replyDeadline = time.Now().Add(delay)
	t.mu.Unlock()
}

// Tick implements transport.Pollable: fires an armed probe reply once its
// backoff deadline passes.
func (t *Target) Tick(now time.Time) {
	t.mu.Lock()
	if !t.armed || now.Before(t.replyDeadline) {
		t.mu.Unlock()
		return
	}
	managerCID := t.replyCID
	txn := t.replyTxn
	t.armed = false
	t.mu.Unlock()

	t.sendProbeReply(managerCID, txn)
}

func (t *Target) sendProbeReply(managerCID rdm.CID, txn uint32) {
	reply := codec.ProbeReply{CID: t.cid, UID: t.uid, HardwareAddr: t.hwAddr, ComponentType: t.componentType}
	hdr := codec.LlrpHeader{DestCID: managerCID, SenderCID: t.cid, TransactionNum: txn}
	buf := make([]byte, 256)
	n, err := codec.PackProbeReply(buf, hdr, reply)
	if err != nil {
		t.logger.Warn().Err(err).Msg("llrp: failed to encode probe reply")
		return
	}
	t.sendDatagram(buf[:n], false)
}

// RespondRdm sends the user's RDM response back to the response multicast
// group, correlated by transactionNum (spec.md §4.5). The reply is
// addressed to the Manager that sent the originating command, recorded in
// handleDatagram's VectorLlrpRdmCmd branch at the same transaction number.
func (t *Target) RespondRdm(resp rdm.Response, transactionNum uint32) {
	t.mu.Lock()
	managerCID, ok := t.rdmSenders[transactionNum]
	delete(t.rdmSenders, transactionNum)
	t.mu.Unlock()
	if !ok {
		t.logger.Warn().Uint32("transaction_num", transactionNum).Msg("llrp: no pending RDM command for this transaction, dropping response")
		return
	}

	hdr := codec.LlrpHeader{DestCID: managerCID, SenderCID: t.cid, TransactionNum: transactionNum}
	buf := make([]byte, 512)
	n, err := codec.PackLlrpRdmResponse(buf, hdr, resp)
	if err != nil {
		t.logger.Warn().Err(err).Msg("llrp: failed to encode RDM response")
		return
	}
	t.sendDatagram(buf[:n], false)
}

func (t *Target) sendDatagram(pdu []byte, v6 bool) {
	out := make([]byte, codec.UDPPreambleLen+len(pdu))
	codec.PackUDPPreamble(out)
	copy(out[codec.UDPPreambleLen:], pdu)

	if v6 {
		if t.sendV6 != nil {
			t.sendV6.WriteToUDP(out, groupAddr(ResponseGroupV6, Port))
		}
		return
	}
	if t.sendV4 != nil {
		t.sendV4.WriteToUDP(out, groupAddr(ResponseGroupV4, Port))
	}
}

// Close stops the target's readers and releases its sockets.
func (t *Target) Close() {
	for _, c := range []*net.UDPConn{t.recvV4, t.recvV6, t.sendV4, t.sendV6} {
		if c != nil {
			c.Close()
		}
	}
}
