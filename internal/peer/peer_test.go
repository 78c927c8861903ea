package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/protocol"
	"github.com/partyline-project/partyline/internal/transport"
)

const testUser = "local-user"

func newTestEnv(t *testing.T, sockets ...string) (*Manager, *mediator.Mediator, *transport.MemoryTransport) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MediatorData.Sockets = sockets
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	mt := transport.NewMemoryTransport()
	med := mediator.New(cfg, bus, mt, mt)
	return NewManager(cfg, bus, med), med, mt
}

func dataPacket(body string) []byte {
	return append([]byte{protocol.PacketEventData}, body...)
}

func identityPacket(body string) []byte {
	return append([]byte{protocol.PacketEventPeerIdentity}, body...)
}

func inject(mt *transport.MemoryTransport, socketID, remoteUserID string, data []byte) {
	mt.InjectPacket(testUser, transport.InboundPacket{
		SocketID:     socketID,
		RemoteUserID: remoteUserID,
		Data:         data,
	})
}

// stubPeer occupies a socket descriptor on the mediator without a session.
type stubPeer struct{ socketID string }

func (p *stubPeer) SocketID() string                               { return p.socketID }
func (p *stubPeer) OnConnectionRequest(mediator.ConnectionRequest) {}
func (p *stubPeer) OnConnectionEstablished(string)                 {}
func (p *stubPeer) OnConnectionInterrupted(string)                 {}
func (p *stubPeer) OnConnectionClosed(string)                      {}

func TestManagerInitializesConfiguredSessions(t *testing.T) {
	mgr, _, _ := newTestEnv(t, "game", "lobby", "game", "")

	// Duplicates and empty descriptors are skipped.
	assert.Equal(t, 2, mgr.Count())
	assert.Equal(t, 0, mgr.RegisteredCount())

	info := mgr.GetAllInfo()
	require.Len(t, info, 2)
	assert.Equal(t, "game", info[0].SocketID)
	assert.Equal(t, "lobby", info[1].SocketID)
	assert.False(t, info[0].Registered)
	assert.Zero(t, info[0].QueuedPackets)
}

func TestRegisterAllRequiresInitializedMediator(t *testing.T) {
	mgr, _, _ := newTestEnv(t, "game")

	mgr.RegisterAll()
	assert.Equal(t, 0, mgr.RegisteredCount())
}

func TestRegisterAllAndUnregisterAll(t *testing.T) {
	mgr, med, _ := newTestEnv(t, "game", "lobby")
	require.NoError(t, med.Initialize(testUser))

	mgr.RegisterAll()
	assert.Equal(t, 2, mgr.RegisteredCount())
	assert.True(t, med.HasSocket("game"))
	assert.True(t, med.HasSocket("lobby"))

	mgr.UnregisterAll()
	assert.Equal(t, 0, mgr.RegisteredCount())
	assert.False(t, med.HasSocket("game"))
	assert.False(t, med.HasSocket("lobby"))

	// Sessions survive for the next login.
	assert.Equal(t, 2, mgr.Count())
}

func TestOpenSocket(t *testing.T) {
	mgr, med, _ := newTestEnv(t)

	require.Error(t, mgr.Open(""))

	// Before login the session is created but stays unregistered.
	require.NoError(t, mgr.Open("arena"))
	sess, ok := mgr.GetSession("arena")
	require.True(t, ok)
	assert.False(t, sess.Registered())
	assert.False(t, med.HasSocket("arena"))

	require.NoError(t, med.Initialize(testUser))
	mgr.RegisterAll()

	// After login new sockets register immediately.
	require.NoError(t, mgr.Open("duel"))
	sess, ok = mgr.GetSession("duel")
	require.True(t, ok)
	assert.True(t, sess.Registered())
	assert.True(t, med.HasSocket("duel"))

	require.Error(t, mgr.Open("duel"))
}

func TestOpenSocketRollsBackOnRegisterFailure(t *testing.T) {
	mgr, med, _ := newTestEnv(t)
	require.NoError(t, med.Initialize(testUser))

	// Occupy the descriptor so registration fails.
	require.NoError(t, med.RegisterPeer(&stubPeer{socketID: "clash"}))

	err := mgr.Open("clash")
	require.ErrorIs(t, err, mediator.ErrSocketRegistered)

	_, ok := mgr.GetSession("clash")
	assert.False(t, ok)
}

func TestCloseSocket(t *testing.T) {
	mgr, med, _ := newTestEnv(t, "game")
	require.NoError(t, med.Initialize(testUser))
	mgr.RegisterAll()

	require.NoError(t, mgr.Close("game"))
	assert.False(t, med.HasSocket("game"))
	assert.Equal(t, 0, mgr.Count())

	require.Error(t, mgr.Close("game"))
}

func TestSessionTracksConnectionLifecycle(t *testing.T) {
	mgr, med, mt := newTestEnv(t, "game")
	require.NoError(t, med.Initialize(testUser))
	mgr.RegisterAll()

	mt.EmitNotification(transport.Notification{
		Kind:         transport.NotifyConnectionRequest,
		SocketID:     "game",
		LocalUserID:  testUser,
		RemoteUserID: "friend",
	})

	sess, ok := mgr.GetSession("game")
	require.True(t, ok)

	info := sess.GetInfo()
	assert.Equal(t, 1, info.RequestsReceived)
	require.Len(t, info.Remotes, 1)
	assert.Equal(t, "friend", info.Remotes[0].RemoteUserID)
	assert.Equal(t, events.ConnectionStatePending, info.Remotes[0].State)

	mt.EmitNotification(transport.Notification{
		Kind:         transport.NotifyConnectionEstablished,
		SocketID:     "game",
		LocalUserID:  testUser,
		RemoteUserID: "friend",
	})
	assert.Equal(t, 1, sess.EstablishedCount())

	mt.EmitNotification(transport.Notification{
		Kind:         transport.NotifyConnectionInterrupted,
		SocketID:     "game",
		LocalUserID:  testUser,
		RemoteUserID: "friend",
	})
	assert.Equal(t, 0, sess.EstablishedCount())
	info = sess.GetInfo()
	assert.Equal(t, events.ConnectionStateInterrupted, info.Remotes[0].State)
}

func TestClosedRemoteDropsQueuedPackets(t *testing.T) {
	mgr, med, mt := newTestEnv(t, "game")
	require.NoError(t, med.Initialize(testUser))
	mgr.RegisterAll()

	inject(mt, "game", "alpha", dataPacket("a1"))
	inject(mt, "game", "beta", dataPacket("b1"))
	inject(mt, "game", "alpha", dataPacket("a2"))
	require.NoError(t, med.Tick())
	require.Equal(t, 3, med.PacketCountForSocket("game"))

	mt.EmitNotification(transport.Notification{
		Kind:         transport.NotifyConnectionClosed,
		SocketID:     "game",
		LocalUserID:  testUser,
		RemoteUserID: "alpha",
	})

	// The disconnected user's packets are gone, the other user's remain.
	assert.Equal(t, 1, med.PacketCountForSocket("game"))
	pkt, ok := med.PollNextPacket("game")
	require.True(t, ok)
	assert.Equal(t, "beta", pkt.RemoteUserID)

	sess, _ := mgr.GetSession("game")
	info := sess.GetInfo()
	require.Len(t, info.Remotes, 1)
	assert.Equal(t, events.ConnectionStateClosed, info.Remotes[0].State)
}

func TestSessionDrainDeliversInQueueOrder(t *testing.T) {
	_, med, mt := newTestEnv(t)
	require.NoError(t, med.Initialize(testUser))

	var got [][]byte
	sess := NewSession("game", med, func(socketID string, pkt protocol.Packet) {
		got = append(got, pkt.Data)
	})
	require.NoError(t, med.RegisterPeer(sess))

	inject(mt, "game", "friend", dataPacket("d1"))
	inject(mt, "game", "friend", identityPacket("k1"))
	inject(mt, "game", "friend", dataPacket("d2"))
	require.NoError(t, med.Tick())

	assert.Equal(t, 3, sess.Drain())

	// The identity packet was front-inserted during ingestion.
	require.Len(t, got, 3)
	assert.Equal(t, identityPacket("k1"), got[0])
	assert.Equal(t, dataPacket("d1"), got[1])
	assert.Equal(t, dataPacket("d2"), got[2])

	info := sess.GetInfo()
	assert.Equal(t, 3, info.PacketsDrained)
	assert.Equal(t, len(got[0])+len(got[1])+len(got[2]), info.BytesDrained)
	assert.Zero(t, info.QueuedPackets)

	assert.Equal(t, 0, sess.Drain())
}

func TestDrainAllTotalsAcrossSessions(t *testing.T) {
	mgr, med, mt := newTestEnv(t, "game", "lobby")
	require.NoError(t, med.Initialize(testUser))
	mgr.RegisterAll()

	inject(mt, "game", "friend", dataPacket("g1"))
	inject(mt, "game", "friend", dataPacket("g2"))
	inject(mt, "lobby", "friend", dataPacket("l1"))
	require.NoError(t, med.Tick())

	assert.Equal(t, 3, mgr.DrainAll())
	assert.Equal(t, 0, mgr.DrainAll())
	assert.Zero(t, med.TotalPacketCount())
}

func TestOpenAndCloseCommandEvents(t *testing.T) {
	mgr, med, _ := newTestEnv(t)
	require.NoError(t, med.Initialize(testUser))

	mgr.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventOpenSocket,
		Source:  "test",
		Payload: events.SocketPayload{SocketID: "arena"},
	})
	require.Eventually(t, func() bool {
		_, ok := mgr.GetSession("arena")
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.True(t, med.HasSocket("arena"))

	mgr.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventCloseSocket,
		Source:  "test",
		Payload: events.SocketPayload{SocketID: "arena"},
	})
	require.Eventually(t, func() bool {
		_, ok := mgr.GetSession("arena")
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.False(t, med.HasSocket("arena"))
}
