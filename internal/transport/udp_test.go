package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/protocol"
)

func testAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 30000}
}

func TestUDPConnectFrameEmitsRequest(t *testing.T) {
	tr := NewUDPTransport(config.DefaultConfig())

	var got []Notification
	_, err := tr.Subscribe("local-user", func(n Notification) { got = append(got, n) })
	require.NoError(t, err)

	tr.handleFrame(protocol.Frame{Kind: protocol.FrameConnect, SocketID: "main", UserID: "remote-1"}, testAddr())

	require.Len(t, got, 1)
	assert.Equal(t, NotifyConnectionRequest, got[0].Kind)
	assert.Equal(t, "main", got[0].SocketID)
	assert.Equal(t, "local-user", got[0].LocalUserID)
	assert.Equal(t, "remote-1", got[0].RemoteUserID)

	// A repeated connect refreshes the link without a second notification.
	tr.handleFrame(protocol.Frame{Kind: protocol.FrameConnect, SocketID: "main", UserID: "remote-1"}, testAddr())
	assert.Len(t, got, 1)
	assert.Equal(t, 1, tr.Links())
}

func TestUDPDataFrameEstablishesAndQueues(t *testing.T) {
	tr := NewUDPTransport(config.DefaultConfig())

	var got []Notification
	_, err := tr.Subscribe("local-user", func(n Notification) { got = append(got, n) })
	require.NoError(t, err)

	tr.handleFrame(protocol.Frame{Kind: protocol.FrameConnect, SocketID: "main", UserID: "remote-1"}, testAddr())
	tr.handleFrame(protocol.Frame{Kind: protocol.FrameData, SocketID: "main", UserID: "remote-1", Channel: 3, Payload: []byte("ping")}, testAddr())

	require.Len(t, got, 2)
	assert.Equal(t, NotifyConnectionEstablished, got[1].Kind)

	size, err := tr.NextPacketSize("local-user")
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	pkt, err := tr.ReceivePacket("local-user", size)
	require.NoError(t, err)
	assert.Equal(t, "main", pkt.SocketID)
	assert.Equal(t, "remote-1", pkt.RemoteUserID)
	assert.Equal(t, uint8(3), pkt.Channel)
	assert.Equal(t, []byte("ping"), pkt.Data)

	// An already established link queues without another notification.
	tr.handleFrame(protocol.Frame{Kind: protocol.FrameData, SocketID: "main", UserID: "remote-1", Payload: []byte("pong")}, testAddr())
	assert.Len(t, got, 2)

	_, err = tr.ReceivePacket("local-user", 4)
	require.NoError(t, err)

	// Data from a user that never sent a connect is dropped.
	tr.handleFrame(protocol.Frame{Kind: protocol.FrameData, SocketID: "main", UserID: "stranger", Payload: []byte("x")}, testAddr())
	_, err = tr.NextPacketSize("local-user")
	assert.ErrorIs(t, err, ErrNoPendingPackets)
}

func TestUDPCloseFrameRemovesLink(t *testing.T) {
	tr := NewUDPTransport(config.DefaultConfig())

	var got []Notification
	_, err := tr.Subscribe("local-user", func(n Notification) { got = append(got, n) })
	require.NoError(t, err)

	tr.handleFrame(protocol.Frame{Kind: protocol.FrameConnect, SocketID: "main", UserID: "remote-1"}, testAddr())
	tr.handleFrame(protocol.Frame{Kind: protocol.FrameClose, SocketID: "main", UserID: "remote-1"}, testAddr())

	require.Len(t, got, 2)
	assert.Equal(t, NotifyConnectionClosed, got[1].Kind)
	assert.Equal(t, 0, tr.Links())

	// Closing a link that was never opened is silent.
	tr.handleFrame(protocol.Frame{Kind: protocol.FrameClose, SocketID: "main", UserID: "ghost"}, testAddr())
	assert.Len(t, got, 2)
}

func TestUDPSweepDowngradesSilentLinks(t *testing.T) {
	tr := NewUDPTransport(config.DefaultConfig())
	key := linkKey{socketID: "main", remoteUserID: "remote-1"}

	var got []Notification
	_, err := tr.Subscribe("local-user", func(n Notification) { got = append(got, n) })
	require.NoError(t, err)

	tr.handleFrame(protocol.Frame{Kind: protocol.FrameConnect, SocketID: "main", UserID: "remote-1"}, testAddr())
	tr.handleFrame(protocol.Frame{Kind: protocol.FrameData, SocketID: "main", UserID: "remote-1", Payload: []byte("x")}, testAddr())
	require.Len(t, got, 2)

	// A ping keeps the link alive through a sweep.
	tr.mu.Lock()
	tr.links[key].lastSeen = time.Now().Add(-45 * time.Second)
	tr.mu.Unlock()
	tr.handleFrame(protocol.Frame{Kind: protocol.FramePing, SocketID: "main", UserID: "remote-1"}, testAddr())
	tr.sweep(30 * time.Second)
	assert.Len(t, got, 2)

	// Silence past the timeout interrupts an established link.
	tr.mu.Lock()
	tr.links[key].lastSeen = time.Now().Add(-45 * time.Second)
	tr.mu.Unlock()
	tr.sweep(30 * time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, NotifyConnectionInterrupted, got[2].Kind)
	assert.Equal(t, 1, tr.Links())

	// Silence past twice the timeout closes it for good.
	tr.mu.Lock()
	tr.links[key].lastSeen = time.Now().Add(-90 * time.Second)
	tr.mu.Unlock()
	tr.sweep(30 * time.Second)
	require.Len(t, got, 4)
	assert.Equal(t, NotifyConnectionClosed, got[3].Kind)
	assert.Equal(t, 0, tr.Links())
}

func TestUDPUnsubscribeDropsInbound(t *testing.T) {
	tr := NewUDPTransport(config.DefaultConfig())

	unsubscribe, err := tr.Subscribe("local-user", func(Notification) {})
	require.NoError(t, err)

	tr.handleFrame(protocol.Frame{Kind: protocol.FrameConnect, SocketID: "main", UserID: "remote-1"}, testAddr())
	unsubscribe()

	// With no bound user the data frame has nowhere to go.
	tr.handleFrame(protocol.Frame{Kind: protocol.FrameData, SocketID: "main", UserID: "remote-1", Payload: []byte("x")}, testAddr())
	_, err = tr.NextPacketSize("local-user")
	assert.ErrorIs(t, err, ErrNoPendingPackets)
}
