package codec

import (
	"encoding/binary"

	"rdmnet-go/internal/rdm"
)

// Root-layer vectors (spec.md §6).
const (
	VectorRootBroker uint32 = 0x00000005
	VectorRootRpt    uint32 = 0x00000003
	VectorRootEpt    uint32 = 0x0000000b
	VectorRootLlrp   uint32 = 0x0000000a
)

// RootLayerHeaderLen is the size, in bytes, of the root-layer PDU's fixed
// portion after the 3-byte length+flags field: a 32-bit vector and a
// 16-byte sender CID.
const RootLayerHeaderLen = 4 + 16

// RootLayerPdu is one parsed root-layer PDU: the vector identifying the
// nested protocol, the sender's CID, and the still-encoded nested payload.
type RootLayerPdu struct {
	Vector    uint32
	SenderCID rdm.CID
	Payload   []byte
}

// PackRootLayer writes the root-layer header and copies payload after it.
// Returns the total bytes written (header + payload).
func PackRootLayer(buf []byte, vector uint32, sender rdm.CID, payload []byte) (int, error) {
	total := pduFlagsLen + RootLayerHeaderLen + len(payload)
	if len(buf) < total {
		return 0, &ErrBufferTooSmall{Op: "PackRootLayer", Needed: total, Capacity: len(buf)}
	}
	n, err := PackPduLengthFlags(buf, uint32(total))
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[n:], vector)
	n += 4
	copy(buf[n:], sender[:])
	n += 16
	copy(buf[n:], payload)
	n += len(payload)
	return n, nil
}

// ParseRootLayer parses a root-layer PDU. buf must contain at least the
// declared PDU length; ParseRootLayer never reads beyond it.
func ParseRootLayer(buf []byte) (*RootLayerPdu, int, error) {
	pduLen, _, err := ParsePduLengthFlags(buf)
	if err != nil {
		return nil, 0, err
	}
	if pduLen < pduFlagsLen+RootLayerHeaderLen {
		return nil, 0, newParseError("ParseRootLayer", "length too small for header")
	}
	if err := checkBounds(buf, int(pduLen), "ParseRootLayer"); err != nil {
		return nil, 0, err
	}

	vector := binary.BigEndian.Uint32(buf[pduFlagsLen:])
	var sender rdm.CID
	copy(sender[:], buf[pduFlagsLen+4:pduFlagsLen+4+16])

	payloadStart := pduFlagsLen + RootLayerHeaderLen
	payload := buf[payloadStart:pduLen]

	return &RootLayerPdu{Vector: vector, SenderCID: sender, Payload: payload}, int(pduLen), nil
}
