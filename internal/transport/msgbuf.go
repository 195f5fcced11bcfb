// Package transport holds the per-connection byte-stream reassembler and
// the single background poll loop that drives every socket in the core
// (spec.md §4.2, §4.3).
package transport

import (
	"errors"

	"rdmnet-go/internal/codec"
)

// defaultBufSize covers the common case (a Connect or small RPT PDU)
// without growing; maxBufSize bounds the largest RPT notification this
// implementation will reassemble before rejecting the connection.
const (
	defaultBufSize = 1232
	maxBufSize     = 1 << 20
)

// ErrIncomplete is returned by TakeNext when the buffered bytes do not yet
// contain one full top-level PDU.
var ErrIncomplete = errors.New("transport: incomplete message")

// Message is one fully reassembled top-level PDU: a parsed preamble length
// plus the still-encoded root-layer PDU that followed it.
type Message struct {
	RootLayer *codec.RootLayerPdu
}

// MessageBuffer is a per-connection streaming reassembler. It accepts
// arbitrary byte chunks off the wire and emits completed top-level
// messages, compacting its internal buffer after each one (spec.md §4.2).
type MessageBuffer struct {
	buf []byte
	// len is the number of valid bytes at the front of buf; buf may have
	// spare capacity beyond it to avoid reallocating on every feed.
	len int
}

// NewMessageBuffer returns an empty reassembler sized for the common case.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{buf: make([]byte, 0, defaultBufSize)}
}

// Feed appends bytes read off the socket to the internal buffer.
func (m *MessageBuffer) Feed(chunk []byte) {
	m.buf = append(m.buf[:m.len], chunk...)
	m.len = len(m.buf)
}

// TakeNext attempts to parse one top-level PDU (TCP preamble + root-layer
// PDU) from the buffered bytes. It returns ErrIncomplete if more bytes are
// needed, or an error if the stream is malformed: a *codec.ParseError from
// the preamble or root-layer parse, or a plain error when the declared
// length exceeds maxBufSize or disagrees with the root layer. The caller
// must close the connection on any such error (spec.md §4.2, §7).
func (m *MessageBuffer) TakeNext() (*Message, error) {
	if m.len < codec.TCPPreambleLen {
		return nil, ErrIncomplete
	}
	rootLen, err := codec.ParseTCPPreamble(m.buf[:m.len])
	if err != nil {
		return nil, err
	}
	if int(rootLen) > maxBufSize {
		return nil, errors.New("transport: declared PDU length exceeds maximum")
	}

	total := codec.TCPPreambleLen + int(rootLen)
	if m.len < total {
		m.growTo(total)
		return nil, ErrIncomplete
	}

	root, consumed, err := codec.ParseRootLayer(m.buf[codec.TCPPreambleLen:total])
	if err != nil {
		return nil, err
	}
	if consumed != int(rootLen) {
		return nil, errors.New("transport: root-layer length mismatch with preamble")
	}

	// root.Payload aliases m.buf; compact below shifts trailing bytes over
	// that same backing array, so the payload must be copied out first.
	root.Payload = append([]byte(nil), root.Payload...)

	msg := &Message{RootLayer: root}
	m.compact(total)
	return msg, nil
}

// growTo ensures the buffer's capacity can hold at least need bytes without
// discarding what has already been fed.
func (m *MessageBuffer) growTo(need int) {
	if cap(m.buf) >= need {
		return
	}
	grown := make([]byte, m.len, need)
	copy(grown, m.buf[:m.len])
	m.buf = grown
}

// compact removes the first n consumed bytes and shifts any trailing
// partial message to the front, so the next Feed appends cleanly.
func (m *MessageBuffer) compact(n int) {
	remaining := m.len - n
	copy(m.buf[:remaining], m.buf[n:m.len])
	m.buf = m.buf[:remaining]
	m.len = remaining
}

// Reset discards any buffered bytes, e.g. after a ParseError forces the
// caller to close and recreate the connection.
func (m *MessageBuffer) Reset() {
	m.buf = m.buf[:0]
	m.len = 0
}
