package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/peer"
	"github.com/partyline-project/partyline/internal/protocol"
	"github.com/partyline-project/partyline/internal/transport"
)

const testUser = "local-user"

func newTestScheduler(t *testing.T) (*Scheduler, *mediator.Mediator, *peer.Manager, *transport.MemoryTransport, *events.EventBus) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.MediatorData.TickIntervalMS = 5
	cfg.ApplicationData.Timers.StatsPollingInterval = 1
	cfg.ApplicationData.Timers.RequestSweepInterval = 1

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	tr := transport.NewMemoryTransport()
	med := mediator.New(cfg, bus, tr, tr)
	peers := peer.NewManager(cfg, bus, med)

	return NewScheduler(cfg, bus, med, peers, nil), med, peers, tr, bus
}

func TestTickLoopDrainsPackets(t *testing.T) {
	sched, med, peers, tr, _ := newTestScheduler(t)

	require.NoError(t, med.Initialize(testUser))
	peers.RegisterAll()

	for i := 0; i < 3; i++ {
		tr.InjectPacket(testUser, transport.InboundPacket{
			SocketID:     "main",
			RemoteUserID: "remote-1",
			Data:         append([]byte{protocol.PacketEventData}, "payload"...),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	require.Eventually(t, func() bool {
		sess, ok := peers.GetSession("main")
		return ok && sess.GetInfo().PacketsDrained == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 0, med.TotalPacketCount())
}

func TestStatsLoopPublishesToBus(t *testing.T) {
	sched, _, _, _, bus := newTestScheduler(t)

	var received atomic.Int32
	bus.Subscribe(events.EventNotifyMQTT, "test.stats", func(ctx context.Context, event events.Event) error {
		if _, ok := event.Payload.(events.StatsPayload); ok {
			received.Add(1)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	require.Eventually(t, func() bool {
		return received.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestCalculateNextPruneTime(t *testing.T) {
	sched, _, _, _, _ := newTestScheduler(t)
	sched.cfg.ApplicationData.Journal.PruneTime = "04:30"

	next := sched.calculateNextPruneTime()

	require.Equal(t, 4, next.Hour())
	require.Equal(t, 30, next.Minute())
	require.True(t, next.After(time.Now()))

	// Garbage falls back to the 04:00 default
	sched.cfg.ApplicationData.Journal.PruneTime = "not-a-time"
	next = sched.calculateNextPruneTime()
	require.Equal(t, 4, next.Hour())
	require.Equal(t, 0, next.Minute())
}
