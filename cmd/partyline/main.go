// Partyline - Packet Peer Mediator & API
//
// Partyline multiplexes one shared datagram transport across any number of
// local packet sockets: inbound packets are sorted into per-socket queues,
// connection requests are buffered until a socket claims them, and the whole
// lifecycle is bound to the local user's login state. A REST API, an MQTT
// telemetry feed and an interactive CLI ride on top.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/api"
	"github.com/partyline-project/partyline/internal/cli"
	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/db"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/health"
	"github.com/partyline-project/partyline/internal/identity"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/peer"
	"github.com/partyline-project/partyline/internal/scheduler"
	"github.com/partyline-project/partyline/internal/telemetry"
	"github.com/partyline-project/partyline/internal/transport"
	"github.com/partyline-project/partyline/internal/util"
)

const (
	AppName    = "Partyline"
	AppVersion = "1.0.0"
	Banner     = `
  ____            _         _ _
 |  _ \ __ _ _ __| |_ _   _| (_)_ __   ___
 | |_) / _' | '__| __| | | | | | '_ \ / _ \
 |  __/ (_| | |  | |_| |_| | | | | | |  __/
 |_|   \__,_|_|   \__|\__, |_|_|_| |_|\___|
                      |___/  v%s
 Packet Peer Mediator & API
`
)

func main() {
	// Print banner
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Partyline")

	// Load configuration
	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize logger with config-based settings
	logCfg := util.LogConfig{
		Level:      cfg.ApplicationData.Logging.Level,
		Directory:  cfg.ApplicationData.Logging.Directory,
		MaxSizeMB:  cfg.ApplicationData.Logging.MaxSizeMB,
		MaxBackups: cfg.ApplicationData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	// Validate configuration
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg); err != nil {
				log.Fatal().Err(err).Msg("setup wizard failed")
			}
			if result := config.Validate(cfg); !result.IsValid() {
				log.Fatal().Msg("configuration is still invalid after setup, please fix the errors above")
			}
		} else {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
	}

	// Log system info
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize core components
	eventBus := events.NewEventBus()

	// Select the transport. UDP is the wire mode; the in-memory transport
	// serves local single-process deployments and testing.
	medData := cfg.GetMediatorData()
	var (
		tr  transport.Transport
		nt  transport.Notifier
		udp *transport.UDPTransport
	)
	if medData.TransportMode == config.TransportModeMemory {
		mem := transport.NewMemoryTransport()
		tr, nt = mem, mem
		log.Info().Msg("using in-memory transport")
	} else {
		udp = transport.NewUDPTransport(cfg)
		tr, nt = udp, udp
	}

	// Initialize the mediator (central orchestrator) and socket sessions
	med := mediator.New(cfg, eventBus, tr, nt)
	peers := peer.NewManager(cfg, eventBus, med)

	// Select the identity provider
	var provider identity.Provider
	if medData.ProviderMode == config.ProviderModeHTTP {
		provider = identity.NewConnector(cfg, eventBus)
	} else {
		provider = identity.NewStaticProvider(cfg, eventBus)
	}

	// Bind the mediator lifecycle to identity transitions: login initializes
	// the mediator and registers the configured sockets, logout tears both
	// down in the reverse order.
	eventBus.Subscribe(events.EventUserLoggedIn, "main.login", func(ctx context.Context, event events.Event) error {
		payload, ok := event.Payload.(events.IdentityPayload)
		if !ok {
			return fmt.Errorf("invalid payload for user_logged_in event")
		}
		if err := med.Initialize(payload.LocalUserID); err != nil {
			return err
		}
		peers.RegisterAll()
		return nil
	})
	eventBus.Subscribe(events.EventUserLoggedOut, "main.logout", func(ctx context.Context, event events.Event) error {
		peers.UnregisterAll()
		med.Terminate()
		return nil
	})

	// Config changes made through the API take effect without a restart.
	eventBus.Subscribe(events.EventConfigChanged, "main.applyConfig", func(ctx context.Context, event events.Event) error {
		med.SetQueueSizeLimit(cfg.GetMediatorData().QueueSizeLimit)
		return nil
	})

	// The CLI's quit command requests shutdown over the bus.
	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, event events.Event) error {
		shutdownOnce.Do(func() { close(shutdownCh) })
		return nil
	})

	// Open the event journal
	var journal *db.Journal
	if cfg.ApplicationData.Journal.Enabled {
		journal, err = db.NewJournal(cfg.ApplicationData.Journal.Path, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open event journal, journaling disabled")
			journal = nil
		}
	}

	// Open the API token store
	tokens, err := db.NewTokenStore(cfg.ApplicationData.Security.TokenDBPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open token store, token management disabled")
		tokens = nil
	}

	// Initialize REST API
	apiServer := api.NewServer(cfg, eventBus, med, peers)
	apiServer.SetDependencies(journal, tokens)

	// Initialize health check manager
	healthMgr := health.NewManager(cfg, eventBus, med, peers, journal)

	// Initialize MQTT telemetry
	var mqttHandler *telemetry.MQTTHandler
	if cfg.ApplicationData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// Initialize scheduler
	sched := scheduler.NewScheduler(cfg, eventBus, med, peers, journal)

	// Initialize CLI
	cliHandler := cli.NewCLI(cfg, eventBus, med, peers, journal, tokens)

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	// Task 1: UDP transport (the packet path; bind failures are fatal).
	// The in-memory transport has no socket to run.
	if udp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", medData.UDPPort).Msg("starting UDP transport")
			if err := startWithRetry(ctx, "UDP transport", udp.Start, 15); err != nil {
				log.Error().Err(err).Msg("UDP transport failed after retries")
				errCh <- fmt.Errorf("udp transport: %w", err)
			}
		}()
	}

	// Task 2: Identity provider. Non-fatal: without a login the mediator
	// simply stays uninitialized and queues nothing.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("mode", medData.ProviderMode).Msg("starting identity provider")
		if err := provider.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("identity provider stopped (mediator stays uninitialized until login)")
		}
	}()

	// Task 3: REST API server (with retry for port binding)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", medData.APIPort).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	}()

	// Task 4: Health check manager
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	// Task 5: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 6: Scheduler (tick loop, stats, request expiry, journal pruning)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// Task 7: Interactive CLI
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Cancel the root context to signal all goroutines
	cancel()

	// Emit shutdown event
	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	// Wait for all goroutines with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Stop the event bus last
	eventBus.Stop()

	if journal != nil {
		journal.Close()
	}
	if tokens != nil {
		tokens.Close()
	}

	log.Info().Msg("Partyline stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
// Uses a fixed 3-second interval between retries, giving the OS time to
// release sockets after a previous process was force-killed.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			time.Sleep(3 * time.Second)
		}
	}
	return lastErr
}
