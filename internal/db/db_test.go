package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyline-project/partyline/internal/events"
)

func newTestJournal(t *testing.T) (*Journal, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"), bus)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, bus
}

func TestJournalRecordsBusEvents(t *testing.T) {
	j, bus := newTestJournal(t)

	bus.Emit(context.Background(), events.Event{
		Type:   events.EventUserLoggedIn,
		Source: "identity",
		Payload: events.IdentityPayload{
			LocalUserID: "local-user",
		},
	})
	bus.Emit(context.Background(), events.Event{
		Type:   events.EventPacketQueueFull,
		Source: "mediator",
		Payload: events.QueueFullPayload{
			SocketID:    "game",
			TotalQueued: 3,
			Limit:       2,
		},
	})
	bus.Emit(context.Background(), events.Event{
		Type:   events.EventConnectionRequestReceived,
		Source: "mediator",
		Payload: events.ConnectionRequestPayload{
			RequestID:    "req-1",
			SocketID:     "game",
			LocalUserID:  "local-user",
			RemoteUserID: "friend",
			ReceivedAt:   time.Now(),
		},
	})

	require.Eventually(t, func() bool {
		counts, err := j.CountByEvent()
		return err == nil &&
			counts[string(events.EventUserLoggedIn)] == 1 &&
			counts[string(events.EventPacketQueueFull)] == 1 &&
			counts[string(events.EventConnectionRequestReceived)] == 1
	}, time.Second, 10*time.Millisecond)

	full, err := j.RecentEvents(10, string(events.EventPacketQueueFull))
	require.NoError(t, err)
	require.Len(t, full, 1)
	assert.Equal(t, "game", full[0].SocketID)
	assert.Contains(t, full[0].Detail, `"total_queued":3`)

	reqs, err := j.RecentEvents(10, string(events.EventConnectionRequestReceived))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "friend", reqs[0].RemoteUserID)
	assert.Equal(t, "local-user", reqs[0].LocalUserID)
	assert.Contains(t, reqs[0].Detail, `"request_id":"req-1"`)
}

func TestJournalRecentEventsNewestFirst(t *testing.T) {
	j, _ := newTestJournal(t)

	base := time.Now().Add(-time.Hour)
	for i, event := range []string{"first", "second", "third"} {
		require.NoError(t, j.Record(JournalEntry{
			Event:     event,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := j.RecentEvents(2, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].Event)
	assert.Equal(t, "second", entries[1].Event)
	assert.NotEmpty(t, entries[0].ID)
}

func TestJournalPrune(t *testing.T) {
	j, _ := newTestJournal(t)

	require.NoError(t, j.Record(JournalEntry{
		Event:     "old",
		Timestamp: time.Now().AddDate(0, 0, -40),
	}))
	require.NoError(t, j.Record(JournalEntry{
		Event: "fresh",
	}))

	// Pruning is disabled for non-positive retention.
	removed, err := j.Prune(0)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = j.Prune(30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	entries, err := j.RecentEvents(10, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Event)
}

func newTestTokenStore(t *testing.T) *TokenStore {
	t.Helper()
	ts, err := NewTokenStore(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestTokenStoreSeedsDefaultRoles(t *testing.T) {
	ts := newTestTokenStore(t)

	roles, err := ts.GetAllRoles()
	require.NoError(t, err)
	require.Len(t, roles, 3)

	byName := make(map[string][]string)
	for _, r := range roles {
		byName[r.Name] = r.Permissions
	}
	assert.ElementsMatch(t, []string{"monitor"}, byName["user"])
	assert.ElementsMatch(t, []string{"monitor", "control"}, byName["admin"])
	assert.ElementsMatch(t, []string{"monitor", "control", "configure"}, byName["superadmin"])
}

func TestTokenStoreCreateAndVerify(t *testing.T) {
	ts := newTestTokenStore(t)

	secret, err := ts.CreateToken("ci-monitor", "user")
	require.NoError(t, err)
	require.Len(t, secret, 64)

	ok, err := ts.TokenHasPermission(secret, "monitor")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ts.TokenHasPermission(secret, "control")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ts.TokenHasPermission("not-a-real-secret", "monitor")
	require.NoError(t, err)
	assert.False(t, ok)

	tokens, err := ts.GetAllTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "ci-monitor", tokens[0].Name)
	assert.Equal(t, secret[:tokenPrefixLen], tokens[0].Prefix)
	assert.Equal(t, []string{"user"}, tokens[0].Roles)
}

func TestTokenStoreRejectsUnknownRole(t *testing.T) {
	ts := newTestTokenStore(t)

	_, err := ts.CreateToken("broken", "ghost")
	require.Error(t, err)

	tokens, err := ts.GetAllTokens()
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestTokenStoreRoleManagement(t *testing.T) {
	ts := newTestTokenStore(t)

	secret, err := ts.CreateToken("ops", "admin")
	require.NoError(t, err)

	ok, err := ts.TokenHasPermission(secret, "configure")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ts.AssignRole("ops", "superadmin"))
	ok, err = ts.TokenHasPermission(secret, "configure")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ts.RemoveRole("ops", "superadmin"))
	ok, err = ts.TokenHasPermission(secret, "configure")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Error(t, ts.AssignRole("ghost", "admin"))
}

func TestTokenStoreDeleteRevokes(t *testing.T) {
	ts := newTestTokenStore(t)

	secret, err := ts.CreateToken("temp", "user")
	require.NoError(t, err)

	require.NoError(t, ts.DeleteToken("temp"))

	ok, err := ts.TokenHasPermission(secret, "monitor")
	require.NoError(t, err)
	assert.False(t, ok)

	tokens, err := ts.GetAllTokens()
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestDatabaseTransactionRollsBackOnError(t *testing.T) {
	d, err := NewDatabase(filepath.Join(t.TempDir(), "scratch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	_, err = d.Exec("CREATE TABLE scratch (id INTEGER PRIMARY KEY, val TEXT)")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = d.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO scratch (val) VALUES ('x')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM scratch").Scan(&count))
	assert.Zero(t, count)
}
