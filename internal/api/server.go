package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/db"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	intnet "github.com/partyline-project/partyline/internal/network"
	"github.com/partyline-project/partyline/internal/peer"
	"github.com/partyline-project/partyline/internal/util"
)

// Server is the REST API server for Partyline. It exposes the mediator,
// the socket sessions, the event journal and the token store for remote
// monitoring and control.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	med      *mediator.Mediator
	peers    *peer.Manager

	// Dependencies
	journal *db.Journal
	tokens  *db.TokenStore
	auth    *AuthMiddleware

	// HTTP server
	httpServer *http.Server
	router     *gin.Engine

	startedAt time.Time
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, med *mediator.Mediator, peers *peer.Manager) *Server {
	// Set Gin mode based on log level
	if cfg.ApplicationData.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		med:      med,
		peers:    peers,
	}

	return s
}

// SetDependencies injects runtime dependencies (called after all components are initialized).
func (s *Server) SetDependencies(journal *db.Journal, tokens *db.TokenStore) {
	s.journal = journal
	s.tokens = tokens
}

// Start initializes and starts the API server.
func (s *Server) Start(ctx context.Context) error {
	// Initialize dependencies if not set
	if s.tokens == nil {
		var err error
		s.tokens, err = db.NewTokenStore(s.cfg.ApplicationData.Security.TokenDBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize token store: %w", err)
		}
	}

	s.auth = NewAuthMiddleware(s.tokens, s.cfg)
	s.startedAt = time.Now()

	// Build router
	s.router = s.buildRouter()

	// Create HTTP server
	addr := fmt.Sprintf(":%d", s.cfg.MediatorData.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// TLS configuration
	if s.cfg.ApplicationData.Security.TLSEnabled {
		cert, err := s.loadCertificate()
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
			Certificates: []tls.Certificate{cert},
		}
	}

	// Create listener with SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", s.cfg.ApplicationData.Security.TLSEnabled).
		Msg("REST API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.cfg.ApplicationData.Security.TLSEnabled {
		tlsListener := tls.NewListener(ln, s.httpServer.TLSConfig)
		err = s.httpServer.Serve(tlsListener)
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// loadCertificate loads the configured TLS key pair, generating a
// self-signed one on first use if the files do not exist yet.
func (s *Server) loadCertificate() (tls.Certificate, error) {
	secCfg := s.cfg.ApplicationData.Security
	if !util.FileExists(secCfg.TLSCertFile) || !util.FileExists(secCfg.TLSKeyFile) {
		log.Info().Str("cert", secCfg.TLSCertFile).Str("key", secCfg.TLSKeyFile).
			Msg("TLS certificate not found, generating self-signed certificate")
		if err := util.GenerateSelfSignedCert(secCfg.TLSCertFile, secCfg.TLSKeyFile); err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to generate TLS certificate: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(secCfg.TLSCertFile, secCfg.TLSKeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return cert, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	// CORS
	allowedOrigins := s.cfg.ApplicationData.Security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	// Rate limiting
	rateLimiter := NewRateLimiter(s.cfg.ApplicationData.Security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	// ---- Public endpoints (no auth required) ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/get_version", s.handleGetVersion)
		public.GET("/get_system_info", s.handleGetSystemInfo)
	}

	// ---- Protected endpoints ----
	protected := router.Group("/api")
	protected.Use(s.auth.IPWhitelist())
	protected.Use(s.auth.RequireAuth())

	// Monitor-level endpoints
	monitor := protected.Group("/monitor")
	monitor.Use(s.auth.RequirePermission(PermMonitor))
	{
		monitor.GET("/get_mediator_status", s.handleGetMediatorStatus)
		monitor.GET("/get_sockets", s.handleGetSockets)
		monitor.GET("/get_socket/:socket_id", s.handleGetSocket)
		monitor.GET("/get_pending_requests", s.handleGetPendingRequests)
		monitor.GET("/get_journal_events", s.handleGetJournalEvents)
		monitor.GET("/get_journal_summary", s.handleGetJournalSummary)
		monitor.GET("/get_cpu_usage", s.handleGetCPUUsage)
		monitor.GET("/get_memory_usage", s.handleGetMemoryUsage)
		monitor.GET("/get_log_entries", s.handleGetLogEntries)
	}

	// Control-level endpoints
	control := protected.Group("/control")
	control.Use(s.auth.RequirePermission(PermControl))
	{
		control.POST("/open_socket/:socket_id", s.handleOpenSocket)
		control.POST("/close_socket/:socket_id", s.handleCloseSocket)
		control.POST("/clear_queue/:socket_id", s.handleClearQueue)
		control.POST("/clear_remote/:socket_id", s.handleClearRemote)
		control.POST("/set_queue_limit", s.handleSetQueueLimit)
		control.POST("/expire_requests", s.handleExpireRequests)
	}

	// Configure-level endpoints
	configure := protected.Group("/configure")
	configure.Use(s.auth.RequirePermission(PermConfigure))
	{
		configure.GET("/get_config", s.handleGetConfig)
		configure.POST("/set_mediator_data", s.handleSetMediatorData)
		configure.POST("/set_app_data", s.handleSetAppData)

		// Token/Role management
		configure.GET("/tokens", s.handleGetTokens)
		configure.POST("/tokens", s.handleCreateToken)
		configure.DELETE("/tokens/:name", s.handleDeleteToken)
		configure.GET("/roles", s.handleGetRoles)
		configure.POST("/tokens/:name/roles", s.handleAssignRole)
		configure.DELETE("/tokens/:name/roles/:role", s.handleRemoveRole)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Partyline API is running. See /api/public/ping.",
		})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
