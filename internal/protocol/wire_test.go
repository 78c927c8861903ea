package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDataFrame(t *testing.T) {
	in := Frame{
		Kind:     FrameData,
		SocketID: "lobby",
		UserID:   "user_0002",
		Channel:  3,
		Payload:  []byte{PacketEventData, 0xDE, 0xAD, 0xBE, 0xEF},
	}

	raw, err := EncodeFrame(in)
	require.NoError(t, err)
	assert.Equal(t, WireMagic, raw[0])

	out, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeDecodeControlFrames(t *testing.T) {
	for _, kind := range []byte{FrameConnect, FrameClose, FramePing} {
		raw, err := EncodeFrame(Frame{Kind: kind, SocketID: "arena", UserID: "user_0007"})
		require.NoError(t, err)

		out, err := DecodeFrame(raw)
		require.NoError(t, err)
		assert.Equal(t, kind, out.Kind)
		assert.Equal(t, "arena", out.SocketID)
		assert.Equal(t, "user_0007", out.UserID)
		assert.Nil(t, out.Payload)
	}
}

func TestDecodeFrameRejectsBadInput(t *testing.T) {
	_, err := DecodeFrame(nil)
	assert.Error(t, err)

	_, err = DecodeFrame([]byte{0x00, FrameData})
	assert.Error(t, err, "wrong magic byte must be rejected")

	_, err = DecodeFrame([]byte{WireMagic, 0x7F})
	assert.Error(t, err, "unknown frame kind must be rejected")

	// Data frame truncated inside the payload.
	raw, err := EncodeFrame(Frame{
		Kind:     FrameData,
		SocketID: "lobby",
		UserID:   "user_0001",
		Payload:  []byte{PacketEventData, 1, 2, 3},
	})
	require.NoError(t, err)
	_, err = DecodeFrame(raw[:len(raw)-2])
	assert.Error(t, err)
}

func TestPacketEventType(t *testing.T) {
	identity := &Packet{Data: []byte{PacketEventPeerIdentity, 0x01}, RemoteUserID: "user_0001"}
	assert.True(t, identity.IsPeerIdentity())
	assert.Equal(t, PacketEventPeerIdentity, identity.EventType())

	ordinary := &Packet{Data: []byte{PacketEventData, 0x01}, RemoteUserID: "user_0001"}
	assert.False(t, ordinary.IsPeerIdentity())

	empty := &Packet{RemoteUserID: "user_0001"}
	assert.False(t, empty.IsPeerIdentity())
	assert.Equal(t, PacketEventData, empty.EventType())
}
