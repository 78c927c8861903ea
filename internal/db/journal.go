package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/events"
)

// tsLayout is the storage format for journal timestamps. It matches SQLite's
// datetime() output so retention cutoffs compare textually.
const tsLayout = "2006-01-02 15:04:05"

// Journal records mediator lifecycle events to SQLite so queue-full spikes,
// pending-request churn and login history survive restarts and can be
// inspected from the CLI and API.
type Journal struct {
	db  *Database
	bus *events.EventBus
}

// JournalEntry is one recorded event.
type JournalEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"ts"`
	Event        string    `json:"event"`
	SocketID     string    `json:"socket_id,omitempty"`
	RemoteUserID string    `json:"remote_user_id,omitempty"`
	LocalUserID  string    `json:"local_user_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// NewJournal opens the journal database and subscribes to the bus events it
// records.
func NewJournal(dbPath string, bus *events.EventBus) (*Journal, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: database, bus: bus}

	if err := j.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}

	j.subscribeEvents()

	return j, nil
}

// migrate creates the journal schema.
func (j *Journal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS journal (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
			event TEXT NOT NULL,
			socket_id TEXT NOT NULL DEFAULT '',
			remote_user_id TEXT NOT NULL DEFAULT '',
			local_user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_journal_ts ON journal(ts);
		CREATE INDEX IF NOT EXISTS idx_journal_event ON journal(event);
	`

	_, err := j.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("journal schema migrated")
	return nil
}

// subscribeEvents registers all journal recorders on the EventBus.
func (j *Journal) subscribeEvents() {
	bus := j.bus

	bus.Subscribe(events.EventPacketQueueFull, "journal.queueFull", j.onQueueFull)
	bus.Subscribe(events.EventConnectionRequestReceived, "journal.requestReceived", j.onConnectionRequest)
	bus.Subscribe(events.EventConnectionRequestRemoved, "journal.requestRemoved", j.onConnectionRequest)
	bus.Subscribe(events.EventSocketRegistered, "journal.socketRegistered", j.onSocket)
	bus.Subscribe(events.EventSocketUnregistered, "journal.socketUnregistered", j.onSocket)
	bus.Subscribe(events.EventUserLoggedIn, "journal.userLoggedIn", j.onIdentity)
	bus.Subscribe(events.EventUserLoggedOut, "journal.userLoggedOut", j.onIdentity)

	log.Debug().Msg("journal event subscriptions registered")
}

// Record writes one entry. A zero ID or Timestamp is filled in.
func (j *Journal) Record(entry JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, err := j.db.Exec(`
		INSERT INTO journal (id, ts, event, socket_id, remote_user_id, local_user_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp.UTC().Format(tsLayout), entry.Event,
		entry.SocketID, entry.RemoteUserID, entry.LocalUserID, entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

// RecentEvents returns the newest entries, optionally filtered by event
// type. Entries come back newest first.
func (j *Journal) RecentEvents(limit int, eventFilter string) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, ts, event, socket_id, remote_user_id, local_user_id, detail
		FROM journal
	`
	args := []interface{}{}
	if eventFilter != "" {
		query += " WHERE event = ?"
		args = append(args, eventFilter)
	}
	query += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Event, &e.SocketID,
			&e.RemoteUserID, &e.LocalUserID, &e.Detail); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// CountByEvent returns entry counts grouped by event type.
func (j *Journal) CountByEvent() (map[string]int, error) {
	rows, err := j.db.Query("SELECT event, COUNT(*) FROM journal GROUP BY event")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var event string
		var count int
		if err := rows.Scan(&event, &count); err != nil {
			continue
		}
		counts[event] = count
	}

	return counts, nil
}

// Prune removes entries older than the retention window. A non-positive
// retention disables pruning.
func (j *Journal) Prune(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	res, err := j.db.Exec(
		"DELETE FROM journal WHERE ts < datetime('now', ?)",
		fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		log.Info().Int64("removed", removed).Int("retention_days", retentionDays).Msg("journal pruned")
	}
	return removed, nil
}

// Path returns the journal database file location.
func (j *Journal) Path() string {
	return j.db.Path()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Event handlers

func (j *Journal) onQueueFull(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.QueueFullPayload)
	if !ok {
		return nil
	}

	return j.Record(JournalEntry{
		Event:    string(event.Type),
		SocketID: payload.SocketID,
		Detail:   detailJSON(payload),
	})
}

func (j *Journal) onConnectionRequest(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ConnectionRequestPayload)
	if !ok {
		return nil
	}

	return j.Record(JournalEntry{
		Event:        string(event.Type),
		SocketID:     payload.SocketID,
		RemoteUserID: payload.RemoteUserID,
		LocalUserID:  payload.LocalUserID,
		Detail:       detailJSON(payload),
	})
}

func (j *Journal) onSocket(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.SocketPayload)
	if !ok {
		return nil
	}

	return j.Record(JournalEntry{
		Event:    string(event.Type),
		SocketID: payload.SocketID,
	})
}

func (j *Journal) onIdentity(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.IdentityPayload)
	if !ok {
		return nil
	}

	return j.Record(JournalEntry{
		Event:       string(event.Type),
		LocalUserID: payload.LocalUserID,
	})
}

// detailJSON marshals a payload for the detail column.
func detailJSON(payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}
