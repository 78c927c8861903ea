package health

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/db"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/peer"
	"github.com/partyline-project/partyline/internal/protocol"
	"github.com/partyline-project/partyline/internal/transport"
)

const testUser = "local-user"

func newTestManager(t *testing.T) (*Manager, *mediator.Mediator, *peer.Manager, *transport.MemoryTransport, *db.Journal) {
	t.Helper()

	cfg := config.DefaultConfig()
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	tr := transport.NewMemoryTransport()
	med := mediator.New(cfg, bus, tr, tr)
	peers := peer.NewManager(cfg, bus, med)

	journal, err := db.NewJournal(filepath.Join(t.TempDir(), "journal.db"), bus)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	return NewManager(cfg, bus, med, peers, journal), med, peers, tr, journal
}

func alertCount(t *testing.T, journal *db.Journal) int {
	t.Helper()
	entries, err := journal.RecentEvents(50, "health_alert")
	require.NoError(t, err)
	return len(entries)
}

func TestQueuePressureAlert(t *testing.T) {
	m, med, peers, tr, journal := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, med.Initialize(testUser))
	peers.RegisterAll()
	med.SetQueueSizeLimit(4)

	// Below the 75% threshold: no alert
	for i := 0; i < 2; i++ {
		tr.InjectPacket(testUser, transport.InboundPacket{
			SocketID:     "main",
			RemoteUserID: "remote-1",
			Data:         append([]byte{protocol.PacketEventData}, "payload"...),
		})
	}
	require.NoError(t, med.Tick())
	m.checkQueuePressure(ctx)
	require.Equal(t, 0, alertCount(t, journal))

	// 3 of 4 queued crosses 75%
	tr.InjectPacket(testUser, transport.InboundPacket{
		SocketID:     "main",
		RemoteUserID: "remote-1",
		Data:         append([]byte{protocol.PacketEventData}, "payload"...),
	})
	require.NoError(t, med.Tick())
	m.checkQueuePressure(ctx)
	require.Equal(t, 1, alertCount(t, journal))

	entries, err := journal.RecentEvents(1, "health_alert")
	require.NoError(t, err)
	require.Contains(t, entries[0].Detail, `"level":"warning"`)

	// At the limit the alert escalates
	tr.InjectPacket(testUser, transport.InboundPacket{
		SocketID:     "main",
		RemoteUserID: "remote-1",
		Data:         append([]byte{protocol.PacketEventData}, "payload"...),
	})
	require.NoError(t, med.Tick())
	m.checkQueuePressure(ctx)

	entries, err = journal.RecentEvents(1, "health_alert")
	require.NoError(t, err)
	require.Contains(t, entries[0].Detail, `"level":"critical"`)
}

func TestGeneralHealthFlagsUnregisteredSessions(t *testing.T) {
	m, med, _, _, journal := newTestManager(t)
	ctx := context.Background()

	// Logged in, but RegisterAll never ran
	require.NoError(t, med.Initialize(testUser))

	m.checkGeneralHealth(ctx)

	entries, err := journal.RecentEvents(10, "health_alert")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Detail, "socket_registration")
}

func TestGeneralHealthQuietWhenRegistered(t *testing.T) {
	m, med, peers, _, journal := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, med.Initialize(testUser))
	peers.RegisterAll()

	m.checkGeneralHealth(ctx)
	require.Equal(t, 0, alertCount(t, journal))
}

func TestHeartbeatPublishesStats(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)

	var beats atomic.Int32
	m.eventBus.Subscribe(events.EventNotifyMQTT, "test.heartbeat", func(ctx context.Context, event events.Event) error {
		payload, ok := event.Payload.(map[string]interface{})
		if ok && payload["type"] == "heartbeat" {
			beats.Add(1)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.heartbeatLoop(ctx, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return beats.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
