package codec

import (
	"bytes"
	"encoding/binary"
)

// TCPPreambleLen is the fixed size of the ACN TCP preamble: the 12-byte
// ASCII marker plus a 4-byte big-endian length of the following root-layer
// PDU (spec.md §6).
const TCPPreambleLen = 16

var tcpPreambleMarker = []byte("ASC-E1.17\x00\x00\x00")

// PackTCPPreamble writes the 16-byte TCP preamble for a root-layer PDU of
// rootLayerLen bytes into buf. Returns the number of bytes written.
func PackTCPPreamble(buf []byte, rootLayerLen uint32) (int, error) {
	if len(buf) < TCPPreambleLen {
		return 0, &ErrBufferTooSmall{Op: "PackTCPPreamble", Needed: TCPPreambleLen, Capacity: len(buf)}
	}
	copy(buf, tcpPreambleMarker)
	binary.BigEndian.PutUint32(buf[12:16], rootLayerLen)
	return TCPPreambleLen, nil
}

// ParseTCPPreamble validates and decodes a 16-byte TCP preamble, returning
// the declared length of the following root-layer PDU.
func ParseTCPPreamble(buf []byte) (rootLayerLen uint32, err error) {
	if len(buf) < TCPPreambleLen {
		return 0, newParseError("ParseTCPPreamble", "short buffer")
	}
	if !bytes.Equal(buf[:12], tcpPreambleMarker) {
		return 0, newParseError("ParseTCPPreamble", "bad marker")
	}
	return binary.BigEndian.Uint32(buf[12:16]), nil
}

// UDPPreambleLen is the fixed ACN UDP preamble used by LLRP: the same
// 12-byte ASCII marker with no explicit length field, since the UDP
// datagram boundary already delimits the message (spec.md §6).
const UDPPreambleLen = 12

// PackUDPPreamble writes the 12-byte UDP preamble into buf.
func PackUDPPreamble(buf []byte) (int, error) {
	if len(buf) < UDPPreambleLen {
		return 0, &ErrBufferTooSmall{Op: "PackUDPPreamble", Needed: UDPPreambleLen, Capacity: len(buf)}
	}
	copy(buf, tcpPreambleMarker)
	return UDPPreambleLen, nil
}

// ParseUDPPreamble validates the 12-byte UDP preamble.
func ParseUDPPreamble(buf []byte) error {
	if len(buf) < UDPPreambleLen {
		return newParseError("ParseUDPPreamble", "short buffer")
	}
	if !bytes.Equal(buf[:12], tcpPreambleMarker) {
		return newParseError("ParseUDPPreamble", "bad marker")
	}
	return nil
}
