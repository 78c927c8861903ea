package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/peer"
	"github.com/partyline-project/partyline/internal/transport"
)

func newTestCLI(t *testing.T) (*CLI, *mediator.Mediator, *peer.Manager) {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	tr := transport.NewMemoryTransport()
	med := mediator.New(cfg, bus, tr, tr)
	peers := peer.NewManager(cfg, bus, med)

	return NewCLI(cfg, bus, med, peers, nil, nil), med, peers
}

func TestCmdLimit(t *testing.T) {
	c, med, _ := newTestCLI(t)

	require.NoError(t, c.execute(context.Background(), "limit", []string{"128"}))
	require.Equal(t, 128, med.QueueSizeLimit())

	require.Error(t, c.execute(context.Background(), "limit", []string{"zero"}))
	require.Error(t, c.execute(context.Background(), "limit", nil))
}

func TestCmdClearUnknownSocket(t *testing.T) {
	c, _, _ := newTestCLI(t)

	err := c.execute(context.Background(), "clear", []string{"ghost"})
	require.ErrorIs(t, err, mediator.ErrSocketNotRegistered)
}

func TestOpenAndCloseCommandsRoundTrip(t *testing.T) {
	c, _, peers := newTestCLI(t)
	ctx := context.Background()

	require.NoError(t, c.execute(ctx, "open", []string{"lobby"}))
	require.Eventually(t, func() bool {
		_, ok := peers.GetSession("lobby")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.execute(ctx, "close", []string{"lobby"}))
	require.Eventually(t, func() bool {
		_, ok := peers.GetSession("lobby")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCmdSetConfigCoercesTypes(t *testing.T) {
	c, _, _ := newTestCLI(t)

	require.NoError(t, c.execute(context.Background(), "setconfig",
		[]string{"med_queue_size_limit", "512"}))
	require.Equal(t, 512, c.cfg.GetMediatorData().QueueSizeLimit)

	require.NoError(t, c.execute(context.Background(), "setconfig",
		[]string{"idp_static_user_id", "user-1"}))
	require.Equal(t, "user-1", c.cfg.GetMediatorData().StaticUserID)
}

func TestHistoryWithoutJournal(t *testing.T) {
	c, _, _ := newTestCLI(t)

	require.Error(t, c.execute(context.Background(), "history", nil))
	require.Error(t, c.execute(context.Background(), "tokens", nil))
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "512 B", formatBytes(512))
	require.Equal(t, "2.00 KB", formatBytes(2048))
	require.Equal(t, "1.50 MB", formatBytes(1536*1024))
}
