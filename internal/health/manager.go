// Package health implements periodic health check monitoring for the
// Partyline subsystems: packet queue pressure, stale connection requests,
// socket registration drift and disk utilization.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/db"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/peer"
	"github.com/partyline-project/partyline/internal/util"
)

// staleRequestAge is how old the oldest pending connection request may get
// before the general health check raises an alert.
const staleRequestAge = 5 * time.Minute

// Manager runs periodic health checks on all subsystems.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	med      *mediator.Mediator
	peers    *peer.Manager
	journal  *db.Journal
}

// NewManager creates a new health check manager. journal may be nil when
// journaling is disabled; alerts are then log-only.
func NewManager(
	cfg *config.Config,
	eventBus *events.EventBus,
	med *mediator.Mediator,
	peers *peer.Manager,
	journal *db.Journal,
) *Manager {
	return &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		med:      med,
		peers:    peers,
		journal:  journal,
	}
}

// Start launches all health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.ApplicationData.Timers

	// Launch each health check as a separate goroutine with its own ticker
	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"queue_pressure", timers.StatsPollingInterval, m.checkQueuePressure},
		{"general_health", timers.GeneralHealthInterval, m.checkGeneralHealth},
		{"disk_utilization", timers.DiskCheckInterval, m.checkDiskUtilization},
	}

	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		check := check
		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			// Run immediately on startup
			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	// Heartbeat (special: publishes MQTT status)
	if timers.HeartbeatInterval > 0 {
		go m.heartbeatLoop(ctx, time.Duration(timers.HeartbeatInterval)*time.Second)
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")

	// Block until context is cancelled
	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

// checkQueuePressure alerts when the packet queues approach the size limit.
// The queue-full event fires only once packets are being dropped; this
// check catches sustained pressure before that point.
func (m *Manager) checkQueuePressure(ctx context.Context) {
	stats := m.med.Stats()
	if stats.QueueLimit <= 0 || stats.TotalQueued == 0 {
		return
	}

	pct := float64(stats.TotalQueued) / float64(stats.QueueLimit) * 100

	var level string
	switch {
	case pct >= 100:
		level = "critical"
	case pct >= 90:
		level = "error"
	case pct >= 75:
		level = "warning"
	default:
		return
	}

	message := fmt.Sprintf("Packet queues at %.1f%% of limit (%d of %d queued)",
		pct, stats.TotalQueued, stats.QueueLimit)

	log.Warn().Str("level", level).Msg(message)
	m.recordAlert("queue_pressure", level, message)
}

// checkGeneralHealth finds registration drift and stale pending requests.
func (m *Manager) checkGeneralHealth(ctx context.Context) {
	// Sessions that exist but never made it onto the mediator after login
	if m.med.IsInitialized() {
		total := m.peers.Count()
		registered := m.peers.RegisteredCount()
		if registered < total {
			message := fmt.Sprintf("%d of %d socket sessions are not registered with the mediator",
				total-registered, total)
			log.Warn().Msg(message)
			m.recordAlert("socket_registration", "warning", message)
		}
	}

	// Connection requests nothing is claiming
	pending := m.med.PendingRequests()
	if len(pending) == 0 {
		return
	}

	oldest := pending[0].ReceivedAt
	for _, req := range pending[1:] {
		if req.ReceivedAt.Before(oldest) {
			oldest = req.ReceivedAt
		}
	}

	if age := time.Since(oldest); age > staleRequestAge {
		message := fmt.Sprintf("%d pending connection requests, oldest %s; no socket is claiming them",
			len(pending), age.Round(time.Second))
		log.Warn().Msg(message)
		m.recordAlert("pending_requests", "warning", message)
	}
}

// checkDiskUtilization monitors disk space and alerts at thresholds.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := "/"
	if m.journal != nil {
		path = filepath.Dir(m.journal.Path())
	}

	usage, err := util.GetDiskUsage(path)
	if err != nil {
		log.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	// Alert thresholds: 80%, 90%, 95%, 100%
	var level string
	switch {
	case usage.UsedPercent >= 100:
		level = "critical"
	case usage.UsedPercent >= 95:
		level = "error"
	case usage.UsedPercent >= 90:
		level = "warning"
	case usage.UsedPercent >= 80:
		level = "info"
	default:
		return // No alert needed
	}

	message := fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total)

	log.Warn().Str("level", level).Msg(message)
	m.recordAlert("disk_utilization", level, message)
}

// heartbeatLoop publishes a periodic heartbeat via MQTT.
func (m *Manager) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := m.med.Stats()
			m.eventBus.Emit(ctx, events.Event{
				Type:   events.EventNotifyMQTT,
				Source: "heartbeat",
				Payload: map[string]interface{}{
					"type":        "heartbeat",
					"sockets":     stats.Sockets,
					"registered":  m.peers.RegisteredCount(),
					"queued":      stats.TotalQueued,
					"pending":     stats.PendingRequests,
					"initialized": stats.Initialized,
					"timestamp":   time.Now().Unix(),
				},
			})
		}
	}
}

// recordAlert writes a health finding to the journal.
func (m *Manager) recordAlert(check, level, message string) {
	if m.journal == nil {
		return
	}

	detail, err := json.Marshal(map[string]string{
		"check":   check,
		"level":   level,
		"message": message,
	})
	if err != nil {
		return
	}

	if err := m.journal.Record(db.JournalEntry{
		Event:  "health_alert",
		Detail: string(detail),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record health alert")
	}
}
