package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rdmnet-go/internal/rdm"
)

func TestPduLengthFlagsRoundTrip(t *testing.T) {
	buf := make([]byte, 3)
	n, err := PackPduLengthFlags(buf, 12345)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	length, flags, err := ParsePduLengthFlags(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(12345), length)
	require.Equal(t, byte(FlagsByte), flags)
}

func TestPduLengthFlagsBufferTooSmall(t *testing.T) {
	_, err := PackPduLengthFlags(make([]byte, 2), 10)
	require.Error(t, err)

	_, _, err = ParsePduLengthFlags(make([]byte, 2))
	require.Error(t, err)
}

func TestTCPPreambleRoundTrip(t *testing.T) {
	buf := make([]byte, TCPPreambleLen)
	_, err := PackTCPPreamble(buf, 500)
	require.NoError(t, err)

	length, err := ParseTCPPreamble(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(500), length)
}

func TestRootLayerRoundTrip(t *testing.T) {
	sender := rdm.NewCID()
	payload := []byte("hello-broker-layer")
	buf := make([]byte, pduFlagsLen+RootLayerHeaderLen+len(payload))

	n, err := PackRootLayer(buf, VectorRootBroker, sender, payload)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	parsed, total, err := ParseRootLayer(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), total)
	require.Equal(t, VectorRootBroker, parsed.Vector)
	require.Equal(t, sender, parsed.SenderCID)
	require.Equal(t, payload, parsed.Payload)
}

func TestRootLayerRejectsTruncatedLength(t *testing.T) {
	sender := rdm.NewCID()
	buf := make([]byte, pduFlagsLen+RootLayerHeaderLen+10)
	_, err := PackRootLayer(buf, VectorRootRpt, sender, make([]byte, 10))
	require.NoError(t, err)

	// Truncate the buffer below the declared length: parse must fail, not
	// read past the available bytes (spec.md §8 "Length authority").
	_, _, err = ParseRootLayer(buf[:len(buf)-1])
	require.Error(t, err)
}

func TestClientEntryRoundTrip(t *testing.T) {
	entry := ClientEntry{
		CID:        rdm.NewCID(),
		Protocol:   ClientProtocolRPT,
		UID:        rdm.UID{Manufacturer: 0x6574, Device: 2},
		ClientType: RPTClientTypeController,
		BindingCID: rdm.NilCID,
	}
	buf := make([]byte, clientEntryFixedLen)
	n, err := PackClientEntry(buf, entry)
	require.NoError(t, err)

	parsed, consumed, err := ParseClientEntry(buf)
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	require.Equal(t, entry.CID, parsed.CID)
	require.Equal(t, entry.UID, parsed.UID)
	require.Equal(t, entry.ClientType, parsed.ClientType)
}

func TestConnectRoundTrip(t *testing.T) {
	msg := ConnectMsg{
		ClientCID:   rdm.NewCID(),
		E133Version: 1,
		Scope:       rdm.DefaultScope,
		Entry: ClientEntry{
			CID:        rdm.NewCID(),
			Protocol:   ClientProtocolRPT,
			UID:        rdm.UID{Manufacturer: 0x6574, Device: 1},
			ClientType: RPTClientTypeController,
		},
	}
	buf := make([]byte, 1024)
	n, err := PackConnect(buf, msg)
	require.NoError(t, err)

	vector, payload, total, err := ParseBrokerPduHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, VectorBrokerConnect, vector)
	require.Equal(t, n, total)

	parsed, err := ParseConnect(payload)
	require.NoError(t, err)
	require.Equal(t, msg.ClientCID, parsed.ClientCID)
	require.Equal(t, msg.Scope, parsed.Scope)
	require.Equal(t, msg.Entry.UID, parsed.Entry.UID)
}

func TestConnectRejectsInvalidScope(t *testing.T) {
	msg := ConnectMsg{ClientCID: rdm.NewCID(), Scope: rdm.Scope("")}
	_, err := PackConnect(make([]byte, 1024), msg)
	require.Error(t, err)
}

func TestConnectReplyRoundTripWithRedirect(t *testing.T) {
	msg := ConnectReplyMsg{
		Status:      ConnectStatusRedirectV4,
		E133Version: 1,
		BrokerUID:   rdm.UID{Manufacturer: 0x6574, Device: 1},
		BrokerAddr:  "10.101.1.200:8888",
	}
	buf := make([]byte, 256)
	n, err := PackConnectReply(buf, msg)
	require.NoError(t, err)

	_, payload, _, err := ParseBrokerPduHeader(buf[:n])
	require.NoError(t, err)

	parsed, err := ParseConnectReply(payload)
	require.NoError(t, err)
	require.Equal(t, msg.BrokerAddr, parsed.BrokerAddr)
	require.Equal(t, ConnectStatusRedirectV4, parsed.Status)
}

func TestRptCommandRoundTrip(t *testing.T) {
	hdr := RptHeader{
		SourceUID:    rdm.UID{Manufacturer: 0x6574, Device: 1},
		DestUID:      rdm.UID{Manufacturer: 0x6574, Device: 2},
		DestEndpoint: rdm.RootEndpoint,
		SeqNum:       42,
	}
	cmd := rdm.Command{
		SourceUID:    hdr.SourceUID,
		DestUID:      hdr.DestUID,
		CommandClass: rdm.CCGetCommand,
		ParamID:      0x0060,
		ParamData:    []byte{0x01, 0x02, 0x03},
	}

	cmdBuf := make([]byte, rdmSubPduHeaderLen+len(cmd.ParamData))
	cn, err := PackRdmCommand(cmdBuf, cmd)
	require.NoError(t, err)

	buf := make([]byte, 256)
	n, err := PackRptPduHeader(buf, VectorRptRequest, hdr, cn)
	require.NoError(t, err)
	copy(buf[n:], cmdBuf[:cn])
	n += cn

	vector, parsedHdr, payload, total, err := ParseRptPduHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, VectorRptRequest, vector)
	require.Equal(t, n, total)
	require.Equal(t, hdr.SeqNum, parsedHdr.SeqNum)

	parsedCmd, consumed, err := ParseRdmCommand(payload)
	require.NoError(t, err)
	require.Equal(t, cn, consumed)
	require.Equal(t, cmd.ParamData, parsedCmd.ParamData)
	require.Equal(t, cmd.ParamID, parsedCmd.ParamID)
}

// TestAckOverflowReassembly mirrors spec.md §8 scenario 6: four
// ACK_OVERFLOW packets of 200 bytes each, terminated by one 50-byte ACK,
// reassembles into exactly one response of 850 bytes equal to the
// concatenation in order.
func TestAckOverflowReassembly(t *testing.T) {
	src := rdm.UID{Manufacturer: 0x6574, Device: 1}
	dst := rdm.UID{Manufacturer: 0x6574, Device: 2}

	var payload []byte
	var want []byte
	for i := 0; i < 4; i++ {
		chunk := make([]byte, 200)
		for b := range chunk {
			chunk[b] = byte(i)
		}
		want = append(want, chunk...)
		pktBuf := make([]byte, rdmSubPduHeaderLen+len(chunk))
		_, err := PackRdmResponsePacket(pktBuf, rdmResponsePacket{
			SourceUID: src, DestUID: dst, ResponseType: rdm.ResponseTypeAckOverflow, ParamData: chunk,
		})
		require.NoError(t, err)
		payload = append(payload, pktBuf...)
	}
	final := make([]byte, 50)
	for b := range final {
		final[b] = 0xAA
	}
	want = append(want, final...)
	finalBuf := make([]byte, rdmSubPduHeaderLen+len(final))
	_, err := PackRdmResponsePacket(finalBuf, rdmResponsePacket{
		SourceUID: src, DestUID: dst, ResponseType: rdm.ResponseTypeAck, ParamData: final,
	})
	require.NoError(t, err)
	payload = append(payload, finalBuf...)

	responses, err := ParseRptNotificationResponses(payload)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.Equal(t, 850, len(responses[0].RdmData))
	require.Equal(t, want, responses[0].RdmData)
	require.False(t, responses[0].Partial)
}

func TestAckOverflowCapEmitsPartial(t *testing.T) {
	src := rdm.UID{Manufacturer: 0x6574, Device: 1}
	dst := rdm.UID{Manufacturer: 0x6574, Device: 2}

	var payload []byte
	// MaxSentAckOverflowResponses chunks of MaxRdmDataLen bytes fill the
	// cap exactly; feeding two more forces an overflow.
	chunk := make([]byte, rdm.MaxRdmDataLen)
	for i := 0; i < rdm.MaxSentAckOverflowResponses+2; i++ {
		pktBuf := make([]byte, rdmSubPduHeaderLen+len(chunk))
		_, err := PackRdmResponsePacket(pktBuf, rdmResponsePacket{
			SourceUID: src, DestUID: dst, ResponseType: rdm.ResponseTypeAckOverflow, ParamData: chunk,
		})
		require.NoError(t, err)
		payload = append(payload, pktBuf...)
	}
	finalBuf := make([]byte, rdmSubPduHeaderLen)
	_, err := PackRdmResponsePacket(finalBuf, rdmResponsePacket{
		SourceUID: src, DestUID: dst, ResponseType: rdm.ResponseTypeAck,
	})
	require.NoError(t, err)
	payload = append(payload, finalBuf...)

	responses, err := ParseRptNotificationResponses(payload)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(responses), 2)
	require.True(t, responses[0].Partial)
}

func TestProbeRequestReplyRoundTrip(t *testing.T) {
	hdr := LlrpHeader{DestCID: rdm.NewCID(), TransactionNum: 7}
	req := ProbeRequest{
		Lower:     rdm.UID{},
		Upper:     rdm.BroadcastUID,
		KnownUIDs: []rdm.UID{{Manufacturer: 0x6574, Device: 1}},
		Filter:    FilterBrokersOnly,
	}
	buf := make([]byte, 256)
	n, err := PackProbeRequest(buf, hdr, req)
	require.NoError(t, err)

	vector, parsedHdr, payload, total, err := ParseLlrpPduHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, VectorLlrpProbeRequest, vector)
	require.Equal(t, hdr.TransactionNum, parsedHdr.TransactionNum)
	require.Equal(t, n, total)

	parsedReq, err := ParseProbeRequest(payload)
	require.NoError(t, err)
	require.Equal(t, req.Upper, parsedReq.Upper)
	require.Equal(t, req.KnownUIDs, parsedReq.KnownUIDs)
	require.Equal(t, req.Filter, parsedReq.Filter)

	reply := ProbeReply{CID: rdm.NewCID(), UID: req.KnownUIDs[0], ComponentType: ComponentTypeRptDevice}
	rbuf := make([]byte, 256)
	rn, err := PackProbeReply(rbuf, hdr, reply)
	require.NoError(t, err)

	_, _, rpayload, _, err := ParseLlrpPduHeader(rbuf[:rn])
	require.NoError(t, err)
	parsedReply, err := ParseProbeReply(rpayload)
	require.NoError(t, err)
	require.Equal(t, reply.CID, parsedReply.CID)
	require.Equal(t, reply.UID, parsedReply.UID)
}

func TestBoundsSafetyNeverPanics(t *testing.T) {
	// A variety of short/garbage buffers must return errors, never panic
	// or read past the slice (spec.md §8 "Bounds safety").
	inputs := [][]byte{
		nil,
		{},
		{0xf0},
		{0xf0, 0x00},
		{0xf0, 0x00, 0x05, 0x00, 0x00, 0x00},
	}
	for _, in := range inputs {
		_, _, _ = ParsePduLengthFlags(in)
		_, _, _ = ParseRootLayer(in)
		_, _, _, _, _ = ParseRptPduHeader(in)
		_, _, _, _, _ = ParseLlrpPduHeader(in)
		_, _, _ = ParseRdmCommand(in)
	}
}
