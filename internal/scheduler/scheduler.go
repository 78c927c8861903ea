// Package scheduler drives the periodic work in Partyline: the mediator
// tick loop, stats publishing, pending-request expiry and journal pruning.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/db"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/peer"
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	med      *mediator.Mediator
	peers    *peer.Manager
	journal  *db.Journal
}

// NewScheduler creates a new task scheduler. journal may be nil when
// journaling is disabled.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, med *mediator.Mediator, peers *peer.Manager, journal *db.Journal) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		med:      med,
		peers:    peers,
		journal:  journal,
	}
}

// Start begins running all scheduled tasks.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	go s.runTickLoop(ctx)
	go s.runStatsLoop(ctx)
	go s.runExpirySweepLoop(ctx)

	// Journal pruner - runs at configured time daily
	if s.journal != nil && s.cfg.ApplicationData.Journal.Enabled {
		go s.runJournalPruneLoop(ctx)
	}

	// Block until context is cancelled
	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runTickLoop pumps the mediator and drains the socket sessions. This is
// the packet path: without it nothing moves from the transport to the
// session handlers.
func (s *Scheduler) runTickLoop(ctx context.Context) {
	interval := s.cfg.MediatorData.TickIntervalMS
	if interval < 1 {
		interval = config.DefaultTickMS
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()

	log.Info().Int("interval_ms", interval).Msg("tick loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.med.Tick(); err != nil {
				log.Warn().Err(err).Msg("mediator tick failed")
			}
			s.peers.DrainAll()
		}
	}
}

// runStatsLoop periodically publishes mediator stats for telemetry.
func (s *Scheduler) runStatsLoop(ctx context.Context) {
	interval := s.cfg.ApplicationData.Timers.StatsPollingInterval
	if interval < 1 {
		return
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.med.Stats()
			log.Debug().
				Int("sockets", stats.Sockets).
				Int("queued", stats.TotalQueued).
				Int("pending_requests", stats.PendingRequests).
				Bool("initialized", stats.Initialized).
				Msg("stats collected")

			s.eventBus.Emit(ctx, events.Event{
				Type:    events.EventNotifyMQTT,
				Source:  "scheduler",
				Payload: stats,
			})
		}
	}
}

// runExpirySweepLoop removes stale pending connection requests. The sweep
// re-reads the configured expiry each pass so config changes apply live;
// an expiry of 0 disables the sweep without stopping the loop.
func (s *Scheduler) runExpirySweepLoop(ctx context.Context) {
	interval := s.cfg.ApplicationData.Timers.RequestSweepInterval
	if interval < 1 {
		return
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expirySec := s.cfg.GetMediatorData().RequestExpirySec
			if expirySec <= 0 {
				continue
			}
			s.med.ExpirePendingRequests(time.Duration(expirySec) * time.Second)
		}
	}
}

// runJournalPruneLoop prunes the journal at the configured time daily.
func (s *Scheduler) runJournalPruneLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Calculate time until next prune
		nextRun := s.calculateNextPruneTime()
		sleepDuration := time.Until(nextRun)

		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("journal pruner scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.runJournalPrune()
		}
	}
}

// runJournalPrune removes journal entries past the retention window.
func (s *Scheduler) runJournalPrune() {
	retentionDays := s.cfg.ApplicationData.Journal.RetentionDays

	removed, err := s.journal.Prune(retentionDays)
	if err != nil {
		log.Warn().Err(err).Msg("journal prune failed")
		return
	}

	log.Info().
		Int64("removed", removed).
		Int("retention_days", retentionDays).
		Msg("journal prune completed")
}

// calculateNextPruneTime returns the next time the journal prune should run.
func (s *Scheduler) calculateNextPruneTime() time.Time {
	pruneTime := s.cfg.ApplicationData.Journal.PruneTime
	parts := strings.Split(pruneTime, ":")

	hour, minute := 4, 0 // Default: 4:00 AM
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	if next.Before(now) {
		next = next.Add(24 * time.Hour)
	}

	return next
}
