package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportDrain(t *testing.T) {
	mt := NewMemoryTransport()
	mt.InjectPacket("user-1", InboundPacket{SocketID: "game", RemoteUserID: "peer-a", Channel: 2, Data: []byte("hello")})
	mt.InjectPacket("user-1", InboundPacket{SocketID: "chat", RemoteUserID: "peer-b", Data: []byte("hi")})

	size, err := mt.NextPacketSize("user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	pkt, err := mt.ReceivePacket("user-1", size)
	require.NoError(t, err)
	assert.Equal(t, "game", pkt.SocketID)
	assert.Equal(t, "peer-a", pkt.RemoteUserID)
	assert.Equal(t, uint8(2), pkt.Channel)
	assert.Equal(t, []byte("hello"), pkt.Data)

	size, err = mt.NextPacketSize("user-1")
	require.NoError(t, err)
	pkt, err = mt.ReceivePacket("user-1", size)
	require.NoError(t, err)
	assert.Equal(t, "chat", pkt.SocketID)

	_, err = mt.NextPacketSize("user-1")
	assert.ErrorIs(t, err, ErrNoPendingPackets)
}

func TestMemoryTransportInvalidParameters(t *testing.T) {
	mt := NewMemoryTransport()

	_, err := mt.NextPacketSize("")
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = mt.ReceivePacket("", 16)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = mt.ReceivePacket("user-1", -1)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestMemoryTransportSizeMismatchKeepsPacket(t *testing.T) {
	mt := NewMemoryTransport()
	mt.InjectPacket("user-1", InboundPacket{SocketID: "game", Data: []byte("abcd")})

	_, err := mt.ReceivePacket("user-1", 2)
	require.ErrorIs(t, err, ErrPacketSizeMismatch)

	// The packet must survive the mismatch so a later drain can succeed.
	size, err := mt.NextPacketSize("user-1")
	require.NoError(t, err)
	pkt, err := mt.ReceivePacket("user-1", size)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), pkt.Data)
}

func TestMemoryTransportErrorInjectionIsOneShot(t *testing.T) {
	mt := NewMemoryTransport()
	mt.InjectPacket("user-1", InboundPacket{SocketID: "game", Data: []byte("x")})

	boom := errors.New("boom")
	mt.FailNextSize(boom)
	_, err := mt.NextPacketSize("user-1")
	assert.ErrorIs(t, err, boom)

	size, err := mt.NextPacketSize("user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	mt.FailNextReceive(boom)
	_, err = mt.ReceivePacket("user-1", size)
	assert.ErrorIs(t, err, boom)

	_, err = mt.ReceivePacket("user-1", size)
	assert.NoError(t, err)
}

func TestMemoryTransportNotifications(t *testing.T) {
	mt := NewMemoryTransport()

	var got []Notification
	unsubscribe, err := mt.Subscribe("user-1", func(n Notification) {
		got = append(got, n)
	})
	require.NoError(t, err)

	mt.EmitNotification(Notification{
		Kind:         NotifyConnectionRequest,
		SocketID:     "game",
		LocalUserID:  "user-1",
		RemoteUserID: "peer-a",
	})
	require.Len(t, got, 1)
	assert.Equal(t, NotifyConnectionRequest, got[0].Kind)
	assert.Equal(t, "game", got[0].SocketID)

	unsubscribe()
	mt.EmitNotification(Notification{Kind: NotifyConnectionClosed, SocketID: "game"})
	assert.Len(t, got, 1)
}

func TestMemoryTransportSubscribeRequiresUser(t *testing.T) {
	mt := NewMemoryTransport()
	_, err := mt.Subscribe("", func(Notification) {})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}
