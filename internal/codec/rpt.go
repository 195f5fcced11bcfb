package codec

import (
	"encoding/binary"

	"rdmnet-go/internal/rdm"
)

// RPT vectors (32-bit), spec.md §6.
const (
	VectorRptRequest      uint32 = 0x00000001
	VectorRptStatus       uint32 = 0x00000002
	VectorRptNotification uint32 = 0x00000003
)

// RptHeaderLen is the fixed RPT header carried on every RPT PDU: source
// UID(6) + source endpoint(2) + dest UID(6) + dest endpoint(2) +
// sequence number(4) + reserved(1) = 21 bytes (spec.md §3).
const RptHeaderLen = 6 + 2 + 6 + 2 + 4 + 1

// rptPduHeaderLen is the 3-byte length+flags, 4-byte vector and the RPT
// header.
const rptPduHeaderLen = pduFlagsLen + 4 + RptHeaderLen

// RptHeader is carried on every RPT PDU (spec.md §3).
type RptHeader struct {
	SourceUID      rdm.UID
	SourceEndpoint rdm.Endpoint
	DestUID        rdm.UID
	DestEndpoint   rdm.Endpoint
	SeqNum         uint32
	// Reserved must be zero on send and is ignored on receive.
}

func packRptHeader(buf []byte, h RptHeader) {
	packUID(buf[0:6], h.SourceUID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.SourceEndpoint))
	packUID(buf[8:14], h.DestUID)
	binary.BigEndian.PutUint16(buf[14:16], uint16(h.DestEndpoint))
	binary.BigEndian.PutUint32(buf[16:20], h.SeqNum)
	buf[20] = 0
}

func parseRptHeader(buf []byte) RptHeader {
	return RptHeader{
		SourceUID:      parseUID(buf[0:6]),
		SourceEndpoint: rdm.Endpoint(binary.BigEndian.Uint16(buf[6:8])),
		DestUID:        parseUID(buf[8:14]),
		DestEndpoint:   rdm.Endpoint(binary.BigEndian.Uint16(buf[14:16])),
		SeqNum:         binary.BigEndian.Uint32(buf[16:20]),
	}
}

// PackRptPduHeader writes the length+flags, RPT vector, and RPT header for
// a PDU whose payload (the RDM sub-PDUs) is payloadLen bytes.
func PackRptPduHeader(buf []byte, vector uint32, h RptHeader, payloadLen int) (int, error) {
	total := rptPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackRptPduHeader", Needed: total, Capacity: len(buf)}
	}
	n, err := PackPduLengthFlags(buf, uint32(total))
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[n:], vector)
	n += 4
	packRptHeader(buf[n:], h)
	n += RptHeaderLen
	return n, nil
}

// ParseRptPduHeader parses the RPT length+flags, vector and header,
// returning the payload bounded by the declared length.
func ParseRptPduHeader(buf []byte) (vector uint32, hdr RptHeader, payload []byte, totalLen int, err error) {
	pduLen, _, err := ParsePduLengthFlags(buf)
	if err != nil {
		return 0, RptHeader{}, nil, 0, err
	}
	if pduLen < uint32(rptPduHeaderLen) {
		return 0, RptHeader{}, nil, 0, newParseError("ParseRptPduHeader", "length too small for header")
	}
	if err := checkBounds(buf, int(pduLen), "ParseRptPduHeader"); err != nil {
		return 0, RptHeader{}, nil, 0, err
	}
	vector = binary.BigEndian.Uint32(buf[pduFlagsLen:])
	hdr = parseRptHeader(buf[pduFlagsLen+4:])
	payload = buf[rptPduHeaderLen:pduLen]
	return vector, hdr, payload, int(pduLen), nil
}

// rdmSubPduHeaderLen is the fixed size of one RDM command/response
// sub-PDU's header: source UID(6) + dest UID(6) + transaction num(1) +
// port-id-or-response-type(1) + sub-device(2) + command class(1) +
// param ID(2) + param data length(1) = 20 bytes.
const rdmSubPduHeaderLen = 6 + 6 + 1 + 1 + 2 + 1 + 2 + 1

// PackRdmCommand encodes one RDM command sub-PDU into buf.
func PackRdmCommand(buf []byte, c rdm.Command) (int, error) {
	total := rdmSubPduHeaderLen + len(c.ParamData)
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackRdmCommand", Needed: total, Capacity: len(buf)}
	}
	if len(c.ParamData) > rdm.MaxRdmDataLen {
		return 0, newParseError("PackRdmCommand", "param data exceeds maximum")
	}
	n := 0
	packUID(buf[n:], c.SourceUID)
	n += 6
	packUID(buf[n:], c.DestUID)
	n += 6
	buf[n] = c.TransactionNum
	n++
	buf[n] = c.PortID
	n++
	binary.BigEndian.PutUint16(buf[n:], c.SubDevice)
	n += 2
	buf[n] = byte(c.CommandClass)
	n++
	binary.BigEndian.PutUint16(buf[n:], c.ParamID)
	n += 2
	buf[n] = byte(len(c.ParamData))
	n++
	copy(buf[n:], c.ParamData)
	n += len(c.ParamData)
	return n, nil
}

// ParseRdmCommand decodes one RDM command sub-PDU, returning the command
// and bytes consumed.
func ParseRdmCommand(buf []byte) (rdm.Command, int, error) {
	if err := checkBounds(buf, rdmSubPduHeaderLen, "ParseRdmCommand"); err != nil {
		return rdm.Command{}, 0, err
	}
	var c rdm.Command
	n := 0
	c.SourceUID = parseUID(buf[n:])
	n += 6
	c.DestUID = parseUID(buf[n:])
	n += 6
	c.TransactionNum = buf[n]
	n++
	c.PortID = buf[n]
	n++
	c.SubDevice = binary.BigEndian.Uint16(buf[n:])
	n += 2
	c.CommandClass = rdm.CommandClass(buf[n])
	n++
	c.ParamID = binary.BigEndian.Uint16(buf[n:])
	n += 2
	dataLen := int(buf[n])
	n++
	if err := checkBounds(buf, n+dataLen, "ParseRdmCommand"); err != nil {
		return rdm.Command{}, 0, err
	}
	c.ParamData = append([]byte(nil), buf[n:n+dataLen]...)
	n += dataLen
	return c, n, nil
}

// rdmResponsePacket is one still-unreassembled RDM response packet: it
// uses the same layout as a command sub-PDU, with PortID replaced by
// ResponseType.
type rdmResponsePacket struct {
	SourceUID      rdm.UID
	DestUID        rdm.UID
	TransactionNum uint8
	ResponseType   rdm.ResponseType
	SubDevice      uint16
	CommandClass   rdm.CommandClass
	ParamID        uint16
	ParamData      []byte
}

// PackRdmResponsePacket encodes one physical RDM response packet (which
// may be one link in an ACK_OVERFLOW chain).
func PackRdmResponsePacket(buf []byte, r rdmResponsePacket) (int, error) {
	total := rdmSubPduHeaderLen + len(r.ParamData)
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackRdmResponsePacket", Needed: total, Capacity: len(buf)}
	}
	n := 0
	packUID(buf[n:], r.SourceUID)
	n += 6
	packUID(buf[n:], r.DestUID)
	n += 6
	buf[n] = r.TransactionNum
	n++
	buf[n] = byte(r.ResponseType)
	n++
	binary.BigEndian.PutUint16(buf[n:], r.SubDevice)
	n += 2
	buf[n] = byte(r.CommandClass)
	n++
	binary.BigEndian.PutUint16(buf[n:], r.ParamID)
	n += 2
	buf[n] = byte(len(r.ParamData))
	n++
	copy(buf[n:], r.ParamData)
	n += len(r.ParamData)
	return n, nil
}

func parseRdmResponsePacket(buf []byte) (rdmResponsePacket, int, error) {
	if err := checkBounds(buf, rdmSubPduHeaderLen, "parseRdmResponsePacket"); err != nil {
		return rdmResponsePacket{}, 0, err
	}
	var r rdmResponsePacket
	n := 0
	r.SourceUID = parseUID(buf[n:])
	n += 6
	r.DestUID = parseUID(buf[n:])
	n += 6
	r.TransactionNum = buf[n]
	n++
	r.ResponseType = rdm.ResponseType(buf[n])
	n++
	r.SubDevice = binary.BigEndian.Uint16(buf[n:])
	n += 2
	r.CommandClass = rdm.CommandClass(buf[n])
	n++
	r.ParamID = binary.BigEndian.Uint16(buf[n:])
	n += 2
	dataLen := int(buf[n])
	n++
	if err := checkBounds(buf, n+dataLen, "parseRdmResponsePacket"); err != nil {
		return rdmResponsePacket{}, 0, err
	}
	r.ParamData = append([]byte(nil), buf[n:n+dataLen]...)
	n += dataLen
	return r, n, nil
}

// AckOverflowAccumulator reassembles a chain of ACK_OVERFLOW RDM response
// packets into one logical rdm.Response (spec.md §4.1). It is owned by a
// single RPT Notification parse stream: create one, feed every RDM
// response sub-PDU found in the notification payload in order, and collect
// completed responses as they terminate.
type AckOverflowAccumulator struct {
	data    []byte
	first   *rdmResponsePacket
	pending bool
}

// Feed processes one physical response packet. It returns a completed
// rdm.Response when pkt terminates a chain (ResponseType != ACK_OVERFLOW),
// or ok=false while the chain is still accumulating.
func (a *AckOverflowAccumulator) Feed(pkt rdmResponsePacket) (resp rdm.Response, ok bool) {
	if !a.pending {
		first := pkt
		a.first = &first
		a.data = nil
		a.pending = true
	}

	if pkt.ResponseType == rdm.ResponseTypeAckOverflow {
		if len(a.data)+len(pkt.ParamData) > rdm.MaxSentAckOverflowResponses*rdm.MaxRdmDataLen {
			// Cap exceeded: emit what we have as a partial response, then
			// seed a fresh accumulation with pkt's own data rather than
			// dropping it (spec.md §4.1).
			resp = a.buildResponse(rdm.ResponseTypeAckOverflow, true)
			first := pkt
			a.first = &first
			a.data = append([]byte(nil), pkt.ParamData...)
			a.pending = true
			return resp, true
		}
		a.data = append(a.data, pkt.ParamData...)
		return rdm.Response{}, false
	}

	// Terminator: ACK, ACK_TIMER or NACK.
	a.data = append(a.data, pkt.ParamData...)
	resp = a.buildResponse(pkt.ResponseType, false)
	a.pending = false
	a.data = nil
	a.first = nil
	return resp, true
}

func (a *AckOverflowAccumulator) buildResponse(responseType rdm.ResponseType, partial bool) rdm.Response {
	return rdm.Response{
		SourceUID:      a.first.SourceUID,
		DestUID:        a.first.DestUID,
		TransactionNum: a.first.TransactionNum,
		ResponseType:   responseType,
		SubDevice:      a.first.SubDevice,
		CommandClass:   a.first.CommandClass,
		ParamID:        a.first.ParamID,
		RdmData:        append([]byte(nil), a.data...),
		Partial:        partial,
	}
}

// ParseRptNotificationResponses parses every RDM response sub-PDU in an
// RPT Notification payload and reassembles ACK_OVERFLOW chains, returning
// one rdm.Response per completed (or capped-partial) chain, in order.
func ParseRptNotificationResponses(payload []byte) ([]rdm.Response, error) {
	var out []rdm.Response
	var acc AckOverflowAccumulator
	for len(payload) > 0 {
		pkt, n, err := parseRdmResponsePacket(payload)
		if err != nil {
			return nil, err
		}
		if resp, ok := acc.Feed(pkt); ok {
			out = append(out, resp)
		}
		payload = payload[n:]
	}
	return out, nil
}

// RPTStatusCode enumerates the RPT Status PDU's status field. Not
// enumerated on the wire by spec.md beyond "RPT Status"; these are the
// status codes an RPT-aware broker reports to a controller.
type RPTStatusCode uint16

const (
	RPTStatusUnknownRPTUID  RPTStatusCode = 0x0001
	RPTStatusRDMTimeout     RPTStatusCode = 0x0002
	RPTStatusRDMInvalidResponse RPTStatusCode = 0x0003
	RPTStatusUnknownRDMUID  RPTStatusCode = 0x0004
	RPTStatusUnknownEndpoint RPTStatusCode = 0x0005
	RPTStatusBroadcastComplete RPTStatusCode = 0x0006
)

// PackRptStatus encodes an RPT Status PDU: header + a status code and
// optional human-readable status string.
func PackRptStatus(buf []byte, hdr RptHeader, code RPTStatusCode, msg string) (int, error) {
	msgBytes := []byte(msg)
	payloadLen := 2 + 2 + len(msgBytes)
	n, err := PackRptPduHeader(buf, VectorRptStatus, hdr, payloadLen)
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(buf[n:], uint16(code))
	n += 2
	binary.BigEndian.PutUint16(buf[n:], uint16(len(msgBytes)))
	n += 2
	copy(buf[n:], msgBytes)
	n += len(msgBytes)
	return n, nil
}

func ParseRptStatus(payload []byte) (code RPTStatusCode, msg string, err error) {
	if err := checkBounds(payload, 4, "ParseRptStatus"); err != nil {
		return 0, "", err
	}
	code = RPTStatusCode(binary.BigEndian.Uint16(payload))
	msgLen := int(binary.BigEndian.Uint16(payload[2:]))
	if err := checkBounds(payload, 4+msgLen, "ParseRptStatus"); err != nil {
		return 0, "", err
	}
	msg = string(payload[4 : 4+msgLen])
	return code, msg, nil
}
