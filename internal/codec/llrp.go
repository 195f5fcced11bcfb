package codec

import (
	"encoding/binary"

	"rdmnet-go/internal/rdm"
)

// LLRP vectors (32-bit), spec.md §6.
const (
	VectorLlrpProbeRequest uint32 = 0x00000001
	VectorLlrpProbeReply   uint32 = 0x00000002
	VectorLlrpRdmCmd       uint32 = 0x00000003
)

// llrpPduHeaderLen: 3-byte length+flags + 4-byte vector + 16-byte dest CID
// + 16-byte sender CID + 4-byte transaction number (spec.md §6 "LLRP
// header"). The sender CID lets a Target echo an RDM response or Probe
// Reply back to the Manager that addressed it, mirroring the SenderCID
// carried by every TCP root-layer PDU (root.go).
const llrpPduHeaderLen = pduFlagsLen + 4 + 16 + 16 + 4

// LlrpHeader is carried on every LLRP PDU.
type LlrpHeader struct {
	DestCID        rdm.CID
	SenderCID      rdm.CID
	TransactionNum uint32
}

// PackLlrpPduHeader writes the LLRP header for a payload of payloadLen bytes.
func PackLlrpPduHeader(buf []byte, vector uint32, h LlrpHeader, payloadLen int) (int, error) {
	total := llrpPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackLlrpPduHeader", Needed: total, Capacity: len(buf)}
	}
	n, err := PackPduLengthFlags(buf, uint32(total))
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[n:], vector)
	n += 4
	copy(buf[n:], h.DestCID[:])
	n += 16
	copy(buf[n:], h.SenderCID[:])
	n += 16
	binary.BigEndian.PutUint32(buf[n:], h.TransactionNum)
	n += 4
	return n, nil
}

// ParseLlrpPduHeader parses the LLRP header, returning vector, header and
// the payload bounded by the declared length.
func ParseLlrpPduHeader(buf []byte) (vector uint32, hdr LlrpHeader, payload []byte, totalLen int, err error) {
	pduLen, _, err := ParsePduLengthFlags(buf)
	if err != nil {
		return 0, LlrpHeader{}, nil, 0, err
	}
	if pduLen < uint32(llrpPduHeaderLen) {
		return 0, LlrpHeader{}, nil, 0, newParseError("ParseLlrpPduHeader", "length too small for header")
	}
	if err := checkBounds(buf, int(pduLen), "ParseLlrpPduHeader"); err != nil {
		return 0, LlrpHeader{}, nil, 0, err
	}
	vector = binary.BigEndian.Uint32(buf[pduFlagsLen:])
	n := pduFlagsLen + 4
	copy(hdr.DestCID[:], buf[n:n+16])
	n += 16
	copy(hdr.SenderCID[:], buf[n:n+16])
	n += 16
	hdr.TransactionNum = binary.BigEndian.Uint32(buf[n:])
	n += 4
	payload = buf[llrpPduHeaderLen:pduLen]
	return vector, hdr, payload, int(pduLen), nil
}

// ProbeRequestFilter bits (spec.md §4.5).
type ProbeRequestFilter uint16

const (
	FilterBrokersOnly         ProbeRequestFilter = 0x0001
	FilterClientConnInactive  ProbeRequestFilter = 0x0002
)

// ProbeRequest is the LLRP Manager's discovery probe payload (spec.md §4.6).
type ProbeRequest struct {
	Lower     rdm.UID
	Upper     rdm.UID
	KnownUIDs []rdm.UID
	Filter    ProbeRequestFilter
}

func PackProbeRequest(buf []byte, hdr LlrpHeader, req ProbeRequest) (int, error) {
	payloadLen := 6 + 6 + 2 + len(req.KnownUIDs)*6
	n, err := PackLlrpPduHeader(buf, VectorLlrpProbeRequest, hdr, payloadLen)
	if err != nil {
		return 0, err
	}
	packUID(buf[n:], req.Lower)
	n += 6
	packUID(buf[n:], req.Upper)
	n += 6
	binary.BigEndian.PutUint16(buf[n:], uint16(req.Filter))
	n += 2
	for _, u := range req.KnownUIDs {
		packUID(buf[n:], u)
		n += 6
	}
	return n, nil
}

func ParseProbeRequest(payload []byte) (ProbeRequest, error) {
	if err := checkBounds(payload, 14, "ParseProbeRequest"); err != nil {
		return ProbeRequest{}, err
	}
	var req ProbeRequest
	req.Lower = parseUID(payload[0:6])
	req.Upper = parseUID(payload[6:12])
	req.Filter = ProbeRequestFilter(binary.BigEndian.Uint16(payload[12:14]))
	rest := payload[14:]
	if len(rest)%6 != 0 {
		return ProbeRequest{}, newParseError("ParseProbeRequest", "known UID list not a multiple of UID size")
	}
	req.KnownUIDs = make([]rdm.UID, len(rest)/6)
	for i := range req.KnownUIDs {
		req.KnownUIDs[i] = parseUID(rest[i*6:])
	}
	return req, nil
}

// ProbeReply is an LLRP target's response to a matching probe (spec.md §4.5).
type ProbeReply struct {
	CID           rdm.CID
	UID           rdm.UID
	HardwareAddr  [6]byte
	ComponentType ComponentType
}

// ComponentType tags an LLRP target's role (spec.md §3).
type ComponentType uint8

const (
	ComponentTypeRptDevice     ComponentType = 0x00
	ComponentTypeRptController ComponentType = 0x01
	ComponentTypeBroker        ComponentType = 0x02
	ComponentTypeNonRdmnet     ComponentType = 0xff
)

func PackProbeReply(buf []byte, hdr LlrpHeader, reply ProbeReply) (int, error) {
	const payloadLen = 16 + 6 + 6 + 1
	n, err := PackLlrpPduHeader(buf, VectorLlrpProbeReply, hdr, payloadLen)
	if err != nil {
		return 0, err
	}
	copy(buf[n:], reply.CID[:])
	n += 16
	packUID(buf[n:], reply.UID)
	n += 6
	copy(buf[n:], reply.HardwareAddr[:])
	n += 6
	buf[n] = byte(reply.ComponentType)
	n++
	return n, nil
}

func ParseProbeReply(payload []byte) (ProbeReply, error) {
	const payloadLen = 16 + 6 + 6 + 1
	if err := checkBounds(payload, payloadLen, "ParseProbeReply"); err != nil {
		return ProbeReply{}, err
	}
	var reply ProbeReply
	copy(reply.CID[:], payload[0:16])
	reply.UID = parseUID(payload[16:22])
	copy(reply.HardwareAddr[:], payload[22:28])
	reply.ComponentType = ComponentType(payload[28])
	return reply, nil
}

// LlrpRdmCmd wraps one RDM command or response for transport over LLRP.
// Port ID is always 1 and the transaction number is the low 8 bits of the
// LLRP transaction (spec.md §4.6).
type LlrpRdmCmd struct {
	Command  *rdm.Command
	Response *rdm.Response
}

func PackLlrpRdmCommand(buf []byte, hdr LlrpHeader, c rdm.Command) (int, error) {
	subLen := rdmSubPduHeaderLen + len(c.ParamData)
	n, err := PackLlrpPduHeader(buf, VectorLlrpRdmCmd, hdr, subLen)
	if err != nil {
		return 0, err
	}
	written, err := PackRdmCommand(buf[n:], c)
	if err != nil {
		return 0, err
	}
	return n + written, nil
}

func PackLlrpRdmResponse(buf []byte, hdr LlrpHeader, r rdm.Response) (int, error) {
	subLen := rdmSubPduHeaderLen + len(r.RdmData)
	n, err := PackLlrpPduHeader(buf, VectorLlrpRdmCmd, hdr, subLen)
	if err != nil {
		return 0, err
	}
	written, err := PackRdmResponsePacket(buf[n:], rdmResponsePacket{
		SourceUID:      r.SourceUID,
		DestUID:        r.DestUID,
		TransactionNum: r.TransactionNum,
		ResponseType:   r.ResponseType,
		SubDevice:      r.SubDevice,
		CommandClass:   r.CommandClass,
		ParamID:        r.ParamID,
		ParamData:      r.RdmData,
	})
	if err != nil {
		return 0, err
	}
	return n + written, nil
}

// ParseLlrpRdmCommand decodes an RDM command carried over LLRP.
func ParseLlrpRdmCommand(payload []byte) (rdm.Command, error) {
	c, _, err := ParseRdmCommand(payload)
	return c, err
}

// ParseLlrpRdmResponse decodes a (non-chained; LLRP never uses
// ACK_OVERFLOW) RDM response carried over LLRP.
func ParseLlrpRdmResponse(payload []byte) (rdm.Response, error) {
	pkt, _, err := parseRdmResponsePacket(payload)
	if err != nil {
		return rdm.Response{}, err
	}
	return rdm.Response{
		SourceUID:      pkt.SourceUID,
		DestUID:        pkt.DestUID,
		TransactionNum: pkt.TransactionNum,
		ResponseType:   pkt.ResponseType,
		SubDevice:      pkt.SubDevice,
		CommandClass:   pkt.CommandClass,
		ParamID:        pkt.ParamID,
		RdmData:        pkt.ParamData,
	}, nil
}
