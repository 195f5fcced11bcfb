package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
)

func buildPdu(t *testing.T, payload []byte) []byte {
	t.Helper()
	sender := rdm.NewCID()
	rootBuf := make([]byte, 3+codec.RootLayerHeaderLen+len(payload))
	n, err := codec.PackRootLayer(rootBuf, codec.VectorRootBroker, sender, payload)
	require.NoError(t, err)
	rootBuf = rootBuf[:n]

	out := make([]byte, codec.TCPPreambleLen+len(rootBuf))
	_, err = codec.PackTCPPreamble(out, uint32(len(rootBuf)))
	require.NoError(t, err)
	copy(out[codec.TCPPreambleLen:], rootBuf)
	return out
}

func TestMessageBufferWholeMessageInOneFeed(t *testing.T) {
	pdu := buildPdu(t, []byte("payload-one"))
	mb := NewMessageBuffer()
	mb.Feed(pdu)

	msg, err := mb.TakeNext()
	require.NoError(t, err)
	require.Equal(t, codec.VectorRootBroker, msg.RootLayer.Vector)
	require.Equal(t, []byte("payload-one"), msg.RootLayer.Payload)

	_, err = mb.TakeNext()
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestMessageBufferSplitAcrossFeeds(t *testing.T) {
	pdu := buildPdu(t, []byte("split-payload"))
	mb := NewMessageBuffer()

	mb.Feed(pdu[:5])
	_, err := mb.TakeNext()
	require.ErrorIs(t, err, ErrIncomplete)

	mb.Feed(pdu[5:])
	msg, err := mb.TakeNext()
	require.NoError(t, err)
	require.Equal(t, []byte("split-payload"), msg.RootLayer.Payload)
}

func TestMessageBufferTwoMessagesBackToBack(t *testing.T) {
	first := buildPdu(t, []byte("first"))
	second := buildPdu(t, []byte("second"))
	mb := NewMessageBuffer()
	mb.Feed(append(append([]byte{}, first...), second...))

	msg1, err := mb.TakeNext()
	require.NoError(t, err)
	require.Equal(t, []byte("first"), msg1.RootLayer.Payload)

	msg2, err := mb.TakeNext()
	require.NoError(t, err)
	require.Equal(t, []byte("second"), msg2.RootLayer.Payload)

	_, err = mb.TakeNext()
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestMessageBufferRejectsBadPreamble(t *testing.T) {
	mb := NewMessageBuffer()
	mb.Feed(make([]byte, codec.TCPPreambleLen))
	_, err := mb.TakeNext()
	require.Error(t, err)
}
