package codec

import (
	"encoding/binary"

	"rdmnet-go/internal/rdm"
)

// Broker PDU vectors (16-bit), spec.md §6.
const (
	VectorBrokerConnect               uint16 = 0x0001
	VectorBrokerConnectReply          uint16 = 0x0002
	VectorBrokerClientEntryUpdate     uint16 = 0x0003
	VectorBrokerRedirect              uint16 = 0x0004
	VectorBrokerFetchClientList       uint16 = 0x0005
	VectorBrokerConnectedClientList   uint16 = 0x0006
	VectorBrokerClientAdd             uint16 = 0x0007
	VectorBrokerClientRemove          uint16 = 0x0008
	VectorBrokerClientEntryChange     uint16 = 0x0009
	VectorBrokerRequestDynamicUidList uint16 = 0x000b
	VectorBrokerAssignedDynamicUidList uint16 = 0x000c
	VectorBrokerFetchDynamicUidList   uint16 = 0x000d
	VectorBrokerDisconnect            uint16 = 0x000e
	VectorBrokerNull                  uint16 = 0x000f
)

// Client protocol identifiers, reusing the root-layer vector space
// (spec.md §6 "Client protocol IDs").
const (
	ClientProtocolRPT uint32 = VectorRootRpt
	ClientProtocolEPT uint32 = VectorRootEpt
)

// RPT client type (ANSI E1.33 §7.2).
type RPTClientType uint8

const (
	RPTClientTypeDevice     RPTClientType = 0x00
	RPTClientTypeController RPTClientType = 0x01
)

// ConnectStatus is the status field of a ConnectReply PDU (spec.md §6).
type ConnectStatus uint16

const (
	ConnectStatusOK                ConnectStatus = 0x0000
	ConnectStatusScopeMismatch     ConnectStatus = 0x0001
	ConnectStatusCapacityExceeded  ConnectStatus = 0x0002
	ConnectStatusDuplicateUID      ConnectStatus = 0x0003
	ConnectStatusInvalidClientEntry ConnectStatus = 0x0004
	ConnectStatusInvalidUID        ConnectStatus = 0x0005

	// ConnectStatusRedirectV4/V6 are encoded in the ConnectReply status
	// field like any other status, with the redirect target carried in
	// ConnectReplyMsg.BrokerAddr; no PDU in this package uses
	// VectorBrokerRedirect. The Connection state machine treats them
	// uniformly with the other statuses (spec.md §4.4).
	ConnectStatusRedirectV4 ConnectStatus = 0xfffe
	ConnectStatusRedirectV6 ConnectStatus = 0xffff
)

// DisconnectReason (spec.md §6).
type DisconnectReason uint16

const (
	DisconnectShutdown          DisconnectReason = 0x0000
	DisconnectCapacityExhausted DisconnectReason = 0x0001
	DisconnectHardwareFault     DisconnectReason = 0x0002
	DisconnectSoftwareFault     DisconnectReason = 0x0003
	DisconnectSoftwareReset     DisconnectReason = 0x0004
	DisconnectIncorrectScope    DisconnectReason = 0x0005
	DisconnectRptReconfigure    DisconnectReason = 0x0006
	DisconnectLlrpReconfigure   DisconnectReason = 0x0007
	DisconnectUserReconfigure   DisconnectReason = 0x0008
)

// brokerPduHeaderLen is the 3-byte length+flags field plus the 2-byte
// broker vector; broker PDUs carry no further common header.
const brokerPduHeaderLen = pduFlagsLen + 2

// PackBrokerPduHeader writes the length+flags and vector for a broker PDU
// whose payload is payloadLen bytes long.
func PackBrokerPduHeader(buf []byte, vector uint16, payloadLen int) (int, error) {
	total := brokerPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackBrokerPduHeader", Needed: total, Capacity: len(buf)}
	}
	n, err := PackPduLengthFlags(buf, uint32(total))
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(buf[n:], vector)
	n += 2
	return n, nil
}

// ParseBrokerPduHeader parses the broker-layer length+flags and vector,
// returning the vector and the payload slice bounded by the declared length.
func ParseBrokerPduHeader(buf []byte) (vector uint16, payload []byte, totalLen int, err error) {
	pduLen, _, err := ParsePduLengthFlags(buf)
	if err != nil {
		return 0, nil, 0, err
	}
	if pduLen < uint32(brokerPduHeaderLen) {
		return 0, nil, 0, newParseError("ParseBrokerPduHeader", "length too small for header")
	}
	if err := checkBounds(buf, int(pduLen), "ParseBrokerPduHeader"); err != nil {
		return 0, nil, 0, err
	}
	vector = binary.BigEndian.Uint16(buf[pduFlagsLen:brokerPduHeaderLen])
	payload = buf[brokerPduHeaderLen:pduLen]
	return vector, payload, int(pduLen), nil
}

// ClientEntry describes one RPT or EPT client, as carried in Connect,
// ClientAdd/Remove/Change and ConnectedClientList PDUs.
type ClientEntry struct {
	CID      rdm.CID
	Protocol uint32 // ClientProtocolRPT or ClientProtocolEPT

	// RPT fields, valid when Protocol == ClientProtocolRPT.
	UID        rdm.UID
	ClientType RPTClientType
	BindingCID rdm.CID

	// EPT fields, valid when Protocol == ClientProtocolEPT.
	EptProtocolIDs []uint16
}

// clientEntryFixedLen is the encoded size of a ClientEntry excluding the
// variable-length EPT protocol ID list: CID(16) + Protocol(4) + UID(6) +
// ClientType(1) + BindingCID(16) + EptCount(2).
const clientEntryFixedLen = 16 + 4 + 6 + 1 + 16 + 2

func packUID(buf []byte, u rdm.UID) {
	binary.BigEndian.PutUint16(buf[0:2], u.Manufacturer)
	binary.BigEndian.PutUint32(buf[2:6], u.Device)
}

func parseUID(buf []byte) rdm.UID {
	return rdm.UID{
		Manufacturer: binary.BigEndian.Uint16(buf[0:2]),
		Device:       binary.BigEndian.Uint32(buf[2:6]),
	}
}

// PackClientEntry encodes e into buf, returning bytes written.
func PackClientEntry(buf []byte, e ClientEntry) (int, error) {
	total := clientEntryFixedLen + len(e.EptProtocolIDs)*2
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackClientEntry", Needed: total, Capacity: len(buf)}
	}
	n := 0
	copy(buf[n:], e.CID[:])
	n += 16
	binary.BigEndian.PutUint32(buf[n:], e.Protocol)
	n += 4
	packUID(buf[n:], e.UID)
	n += 6
	buf[n] = byte(e.ClientType)
	n++
	copy(buf[n:], e.BindingCID[:])
	n += 16
	binary.BigEndian.PutUint16(buf[n:], uint16(len(e.EptProtocolIDs)))
	n += 2
	for _, id := range e.EptProtocolIDs {
		binary.BigEndian.PutUint16(buf[n:], id)
		n += 2
	}
	return n, nil
}

// ParseClientEntry decodes a ClientEntry from buf, returning the entry and
// the number of bytes consumed.
func ParseClientEntry(buf []byte) (ClientEntry, int, error) {
	if err := checkBounds(buf, clientEntryFixedLen, "ParseClientEntry"); err != nil {
		return ClientEntry{}, 0, err
	}
	var e ClientEntry
	n := 0
	copy(e.CID[:], buf[n:n+16])
	n += 16
	e.Protocol = binary.BigEndian.Uint32(buf[n:])
	n += 4
	e.UID = parseUID(buf[n:])
	n += 6
	e.ClientType = RPTClientType(buf[n])
	n++
	copy(e.BindingCID[:], buf[n:n+16])
	n += 16
	count := int(binary.BigEndian.Uint16(buf[n:]))
	n += 2
	if err := checkBounds(buf, n+count*2, "ParseClientEntry"); err != nil {
		return ClientEntry{}, 0, err
	}
	e.EptProtocolIDs = make([]uint16, count)
	for i := 0; i < count; i++ {
		e.EptProtocolIDs[i] = binary.BigEndian.Uint16(buf[n:])
		n += 2
	}
	return e, n, nil
}

// ConnectMsg is the payload of a Connect PDU (spec.md §3, §4.4).
type ConnectMsg struct {
	ClientCID    rdm.CID
	E133Version  uint16
	Scope        rdm.Scope
	Entry        ClientEntry
}

// scopeFieldLen is the fixed on-wire size of the scope field: up to
// MaxScopeLen bytes of UTF-8 plus a NUL terminator.
const scopeFieldLen = rdm.MaxScopeLen + 1

// PackConnect encodes a full Connect broker PDU (header + payload) into buf.
func PackConnect(buf []byte, msg ConnectMsg) (int, error) {
	if !msg.Scope.Valid() {
		return 0, newParseError("PackConnect", "invalid scope")
	}
	payloadLen := 16 + 2 + scopeFieldLen + clientEntryFixedLen + len(msg.Entry.EptProtocolIDs)*2
	total := brokerPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackConnect", Needed: total, Capacity: len(buf)}
	}
	n, err := PackBrokerPduHeader(buf, VectorBrokerConnect, payloadLen)
	if err != nil {
		return 0, err
	}
	copy(buf[n:], msg.ClientCID[:])
	n += 16
	binary.BigEndian.PutUint16(buf[n:], msg.E133Version)
	n += 2
	copy(buf[n:n+scopeFieldLen], msg.Scope)
	n += scopeFieldLen
	written, err := PackClientEntry(buf[n:], msg.Entry)
	if err != nil {
		return 0, err
	}
	n += written
	return n, nil
}

// ParseConnect decodes a Connect PDU's payload (post broker-header).
func ParseConnect(payload []byte) (ConnectMsg, error) {
	const fixedLen = 16 + 2 + scopeFieldLen
	if err := checkBounds(payload, fixedLen, "ParseConnect"); err != nil {
		return ConnectMsg{}, err
	}
	var msg ConnectMsg
	n := 0
	copy(msg.ClientCID[:], payload[n:n+16])
	n += 16
	msg.E133Version = binary.BigEndian.Uint16(payload[n:])
	n += 2
	scopeBuf := payload[n : n+scopeFieldLen]
	end := 0
	for end < len(scopeBuf) && scopeBuf[end] != 0 {
		end++
	}
	msg.Scope = rdm.Scope(scopeBuf[:end])
	n += scopeFieldLen
	entry, _, err := ParseClientEntry(payload[n:])
	if err != nil {
		return ConnectMsg{}, err
	}
	msg.Entry = entry
	return msg, nil
}

// ConnectReplyMsg is the payload of a ConnectReply PDU.
type ConnectReplyMsg struct {
	Status      ConnectStatus
	E133Version uint16
	BrokerUID   rdm.UID
	ClientUID   rdm.UID
	// BrokerAddr carries the redirect target when Status is
	// ConnectStatusRedirectV4/V6 (spec.md §4.4).
	BrokerAddr string
}

func PackConnectReply(buf []byte, msg ConnectReplyMsg) (int, error) {
	addrBytes := []byte(msg.BrokerAddr)
	payloadLen := 2 + 2 + 6 + 6 + 2 + len(addrBytes)
	total := brokerPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackConnectReply", Needed: total, Capacity: len(buf)}
	}
	n, err := PackBrokerPduHeader(buf, VectorBrokerConnectReply, payloadLen)
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(buf[n:], uint16(msg.Status))
	n += 2
	binary.BigEndian.PutUint16(buf[n:], msg.E133Version)
	n += 2
	packUID(buf[n:], msg.BrokerUID)
	n += 6
	packUID(buf[n:], msg.ClientUID)
	n += 6
	binary.BigEndian.PutUint16(buf[n:], uint16(len(addrBytes)))
	n += 2
	copy(buf[n:], addrBytes)
	n += len(addrBytes)
	return n, nil
}

func ParseConnectReply(payload []byte) (ConnectReplyMsg, error) {
	const fixedLen = 2 + 2 + 6 + 6 + 2
	if err := checkBounds(payload, fixedLen, "ParseConnectReply"); err != nil {
		return ConnectReplyMsg{}, err
	}
	var msg ConnectReplyMsg
	n := 0
	msg.Status = ConnectStatus(binary.BigEndian.Uint16(payload[n:]))
	n += 2
	msg.E133Version = binary.BigEndian.Uint16(payload[n:])
	n += 2
	msg.BrokerUID = parseUID(payload[n:])
	n += 6
	msg.ClientUID = parseUID(payload[n:])
	n += 6
	addrLen := int(binary.BigEndian.Uint16(payload[n:]))
	n += 2
	if err := checkBounds(payload, n+addrLen, "ParseConnectReply"); err != nil {
		return ConnectReplyMsg{}, err
	}
	msg.BrokerAddr = string(payload[n : n+addrLen])
	return msg, nil
}

// PackDisconnect encodes a Disconnect broker PDU.
func PackDisconnect(buf []byte, reason DisconnectReason) (int, error) {
	total := brokerPduHeaderLen + 2
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackDisconnect", Needed: total, Capacity: len(buf)}
	}
	n, err := PackBrokerPduHeader(buf, VectorBrokerDisconnect, 2)
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(buf[n:], uint16(reason))
	n += 2
	return n, nil
}

func ParseDisconnect(payload []byte) (DisconnectReason, error) {
	if err := checkBounds(payload, 2, "ParseDisconnect"); err != nil {
		return 0, err
	}
	return DisconnectReason(binary.BigEndian.Uint16(payload)), nil
}

// PackNull encodes a Null (heartbeat) broker PDU: header only, no payload.
func PackNull(buf []byte) (int, error) {
	total := brokerPduHeaderLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackNull", Needed: total, Capacity: len(buf)}
	}
	return PackBrokerPduHeader(buf, VectorBrokerNull, 0)
}

// FetchClientList and ConnectedClientList carry no fixed payload of their
// own beyond a list of ClientEntry values (FetchClientList has none at all).

func PackFetchClientList(buf []byte) (int, error) {
	return PackBrokerPduHeader(buf, VectorBrokerFetchClientList, 0)
}

// PackClientList encodes a ConnectedClientList/ClientAdd/ClientRemove/
// ClientEntryChange PDU body, which is simply a sequence of ClientEntry
// values, under the given vector.
func PackClientList(buf []byte, vector uint16, entries []ClientEntry) (int, error) {
	payloadLen := 0
	for _, e := range entries {
		payloadLen += clientEntryFixedLen + len(e.EptProtocolIDs)*2
	}
	total := brokerPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackClientList", Needed: total, Capacity: len(buf)}
	}
	n, err := PackBrokerPduHeader(buf, vector, payloadLen)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		w, err := PackClientEntry(buf[n:], e)
		if err != nil {
			return 0, err
		}
		n += w
	}
	return n, nil
}

// ParseClientList decodes a sequence of ClientEntry values from payload
// until it is exhausted.
func ParseClientList(payload []byte) ([]ClientEntry, error) {
	var entries []ClientEntry
	for len(payload) > 0 {
		e, n, err := ParseClientEntry(payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		payload = payload[n:]
	}
	return entries, nil
}

// DynamicUIDRequest is one entry of a RequestDynamicUidList PDU: a
// requested (manufacturer, hardware ID) pair awaiting assignment.
type DynamicUIDRequest struct {
	ManufacturerID uint16
	HardwareID     [6]byte
}

// PackRequestDynamicUidList encodes the broker's dynamic-UID assignment
// request PDU.
func PackRequestDynamicUidList(buf []byte, reqs []DynamicUIDRequest) (int, error) {
	payloadLen := len(reqs) * 8
	total := brokerPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackRequestDynamicUidList", Needed: total, Capacity: len(buf)}
	}
	n, err := PackBrokerPduHeader(buf, VectorBrokerRequestDynamicUidList, payloadLen)
	if err != nil {
		return 0, err
	}
	for _, r := range reqs {
		binary.BigEndian.PutUint16(buf[n:], r.ManufacturerID)
		n += 2
		copy(buf[n:], r.HardwareID[:])
		n += 6
	}
	return n, nil
}

func ParseRequestDynamicUidList(payload []byte) ([]DynamicUIDRequest, error) {
	if len(payload)%8 != 0 {
		return nil, newParseError("ParseRequestDynamicUidList", "payload not a multiple of entry size")
	}
	out := make([]DynamicUIDRequest, len(payload)/8)
	for i := range out {
		off := i * 8
		out[i].ManufacturerID = binary.BigEndian.Uint16(payload[off:])
		copy(out[i].HardwareID[:], payload[off+2:off+8])
	}
	return out, nil
}

// DynamicUIDAssignment pairs a requested hardware ID with its assigned UID.
type DynamicUIDAssignment struct {
	HardwareID [6]byte
	AssignedUID rdm.UID
	Status      ConnectStatus // ConnectStatusOK or an error status
}

func PackAssignedDynamicUidList(buf []byte, assignments []DynamicUIDAssignment) (int, error) {
	payloadLen := len(assignments) * 14
	total := brokerPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackAssignedDynamicUidList", Needed: total, Capacity: len(buf)}
	}
	n, err := PackBrokerPduHeader(buf, VectorBrokerAssignedDynamicUidList, payloadLen)
	if err != nil {
		return 0, err
	}
	for _, a := range assignments {
		copy(buf[n:], a.HardwareID[:])
		n += 6
		packUID(buf[n:], a.AssignedUID)
		n += 6
		binary.BigEndian.PutUint16(buf[n:], uint16(a.Status))
		n += 2
	}
	return n, nil
}

func ParseAssignedDynamicUidList(payload []byte) ([]DynamicUIDAssignment, error) {
	if len(payload)%14 != 0 {
		return nil, newParseError("ParseAssignedDynamicUidList", "payload not a multiple of entry size")
	}
	out := make([]DynamicUIDAssignment, len(payload)/14)
	for i := range out {
		off := i * 14
		copy(out[i].HardwareID[:], payload[off:off+6])
		out[i].AssignedUID = parseUID(payload[off+6:])
		out[i].Status = ConnectStatus(binary.BigEndian.Uint16(payload[off+12:]))
	}
	return out, nil
}

func PackFetchDynamicUidList(buf []byte, uids []rdm.UID) (int, error) {
	payloadLen := len(uids) * 6
	total := brokerPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackFetchDynamicUidList", Needed: total, Capacity: len(buf)}
	}
	n, err := PackBrokerPduHeader(buf, VectorBrokerFetchDynamicUidList, payloadLen)
	if err != nil {
		return 0, err
	}
	for _, u := range uids {
		packUID(buf[n:], u)
		n += 6
	}
	return n, nil
}

func ParseFetchDynamicUidList(payload []byte) ([]rdm.UID, error) {
	if len(payload)%6 != 0 {
		return nil, newParseError("ParseFetchDynamicUidList", "payload not a multiple of UID size")
	}
	out := make([]rdm.UID, len(payload)/6)
	for i := range out {
		out[i] = parseUID(payload[i*6:])
	}
	return out, nil
}
