package codec

import (
	"encoding/binary"

	"rdmnet-go/internal/rdm"
)

// EPT vectors. EPT is the second client protocol (spec.md §9 "Open
// question — EPT"): it reuses the root-layer framing with VectorRootEpt
// and mirrors RPT's Data/Status shape, since spec.md notes EPT PDUs
// "follow the same framing pattern as RPT but are not further detailed".
const (
	VectorEptData   uint32 = 0x00000001
	VectorEptStatus uint32 = 0x00000002
)

// eptPduHeaderLen: 3-byte length+flags + 4-byte vector + dest CID (16) +
// manufacturer ID (2) + opaque protocol ID (2).
const eptPduHeaderLen = pduFlagsLen + 4 + 16 + 2 + 2

// EptHeader addresses an EPT message to a specific component and
// manufacturer-defined sub-protocol, since EPT payloads are opaque
// vendor data rather than RDM commands.
type EptHeader struct {
	DestCID        rdm.CID
	ManufacturerID uint16
	ProtocolID     uint16
}

// PackEptPduHeader writes an EPT PDU's header for a payload of payloadLen
// bytes.
func PackEptPduHeader(buf []byte, vector uint32, h EptHeader, payloadLen int) (int, error) {
	total := eptPduHeaderLen + payloadLen
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackEptPduHeader", Needed: total, Capacity: len(buf)}
	}
	n, err := PackPduLengthFlags(buf, uint32(total))
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[n:], vector)
	n += 4
	copy(buf[n:], h.DestCID[:])
	n += 16
	binary.BigEndian.PutUint16(buf[n:], h.ManufacturerID)
	n += 2
	binary.BigEndian.PutUint16(buf[n:], h.ProtocolID)
	n += 2
	return n, nil
}

// ParseEptPduHeader parses an EPT PDU header, returning the vector, header
// fields, and the opaque payload bounded by the declared length.
func ParseEptPduHeader(buf []byte) (vector uint32, hdr EptHeader, payload []byte, totalLen int, err error) {
	pduLen, _, err := ParsePduLengthFlags(buf)
	if err != nil {
		return 0, EptHeader{}, nil, 0, err
	}
	if pduLen < uint32(eptPduHeaderLen) {
		return 0, EptHeader{}, nil, 0, newParseError("ParseEptPduHeader", "length too small for header")
	}
	if err := checkBounds(buf, int(pduLen), "ParseEptPduHeader"); err != nil {
		return 0, EptHeader{}, nil, 0, err
	}
	vector = binary.BigEndian.Uint32(buf[pduFlagsLen:])
	n := pduFlagsLen + 4
	copy(hdr.DestCID[:], buf[n:n+16])
	n += 16
	hdr.ManufacturerID = binary.BigEndian.Uint16(buf[n:])
	n += 2
	hdr.ProtocolID = binary.BigEndian.Uint16(buf[n:])
	n += 2
	payload = buf[eptPduHeaderLen:pduLen]
	return vector, hdr, payload, int(pduLen), nil
}
