package peer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
)

// Manager keeps the registry of socket sessions. Sessions are pre-created
// from configuration, registered with the mediator when the local user logs
// in, and opened or closed at runtime through command events from the CLI
// and API.
type Manager struct {
	mu sync.RWMutex

	cfg      *config.Config
	eventBus *events.EventBus
	med      *mediator.Mediator

	// Sessions indexed by socket descriptor
	sessions map[string]*Session
}

// NewManager creates the session manager, pre-creates sessions for every
// configured socket and subscribes to command events.
func NewManager(cfg *config.Config, eventBus *events.EventBus, med *mediator.Mediator) *Manager {
	mgr := &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		med:      med,
		sessions: make(map[string]*Session),
	}

	mgr.subscribeEvents()
	mgr.initializeSessions()

	return mgr
}

// subscribeEvents registers all event handlers on the EventBus.
func (m *Manager) subscribeEvents() {
	bus := m.eventBus

	// Command events
	bus.Subscribe(events.EventOpenSocket, "peers.openSocket", m.onCmdOpenSocket)
	bus.Subscribe(events.EventCloseSocket, "peers.closeSocket", m.onCmdCloseSocket)

	// Shutdown
	bus.Subscribe(events.EventShutdown, "peers.shutdown", m.onShutdown)

	log.Debug().Msg("peer manager event subscriptions registered")
}

// initializeSessions pre-creates sessions based on configuration. They stay
// unregistered until the local user logs in.
func (m *Manager) initializeSessions() {
	sockets := m.cfg.GetMediatorData().Sockets

	log.Info().Int("count", len(sockets)).Msg("initializing socket sessions")

	for _, socketID := range sockets {
		if socketID == "" {
			continue
		}
		if _, exists := m.sessions[socketID]; exists {
			log.Warn().Str("socket", socketID).Msg("duplicate socket in config, skipping")
			continue
		}
		m.sessions[socketID] = NewSession(socketID, m.med, nil)
		log.Debug().Str("socket", socketID).Msg("socket session created")
	}
}

// RegisterAll registers every session with the mediator. Called once the
// local user has logged in and the mediator is initialized.
func (m *Manager) RegisterAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SocketID() < sessions[j].SocketID()
	})

	registered := 0
	for _, sess := range sessions {
		if err := m.med.RegisterPeer(sess); err != nil {
			log.Warn().Err(err).Str("socket", sess.SocketID()).Msg("failed to register socket")
			continue
		}
		sess.setRegistered(true)
		registered++
	}

	log.Info().Int("registered", registered).Int("total", len(sessions)).Msg("socket sessions registered")
}

// UnregisterAll unregisters every session from the mediator. Called on
// logout and on shutdown. Sessions stay in the registry so a later login
// can register them again.
func (m *Manager) UnregisterAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		m.med.UnregisterPeer(sess)
		sess.setRegistered(false)
	}

	log.Info().Int("count", len(sessions)).Msg("socket sessions unregistered")
}

// Open creates a session for the socket and, if the mediator is initialized,
// registers it immediately.
func (m *Manager) Open(socketID string) error {
	if socketID == "" {
		return fmt.Errorf("socket id must not be empty")
	}

	m.mu.Lock()
	if _, exists := m.sessions[socketID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("socket %q already open", socketID)
	}
	sess := NewSession(socketID, m.med, nil)
	m.sessions[socketID] = sess
	m.mu.Unlock()

	if m.med.IsInitialized() {
		if err := m.med.RegisterPeer(sess); err != nil {
			m.mu.Lock()
			delete(m.sessions, socketID)
			m.mu.Unlock()
			return err
		}
		sess.setRegistered(true)
	}

	log.Info().Str("socket", socketID).Bool("registered", sess.Registered()).Msg("socket opened")
	return nil
}

// Close unregisters the socket's session from the mediator and removes it
// from the registry.
func (m *Manager) Close(socketID string) error {
	m.mu.Lock()
	sess, exists := m.sessions[socketID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("socket %q not open", socketID)
	}
	delete(m.sessions, socketID)
	m.mu.Unlock()

	m.med.UnregisterPeer(sess)
	sess.setRegistered(false)

	log.Info().Str("socket", socketID).Msg("socket closed")
	return nil
}

// DrainAll drains every session's packet queue once and returns the total
// number of packets handed to the application.
func (m *Manager) DrainAll() int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	total := 0
	for _, sess := range sessions {
		total += sess.Drain()
	}
	return total
}

// GetSession returns the session for a socket descriptor.
func (m *Manager) GetSession(socketID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[socketID]
	return sess, ok
}

// GetAllInfo returns status information for all sessions (for API), sorted
// by socket descriptor.
func (m *Manager) GetAllInfo() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	info := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info = append(info, sess.GetInfo())
	}
	sort.Slice(info, func(i, j int) bool {
		return info[i].SocketID < info[j].SocketID
	})
	return info
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RegisteredCount returns the number of sessions currently registered with
// the mediator.
func (m *Manager) RegisteredCount() int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	count := 0
	for _, sess := range sessions {
		if sess.Registered() {
			count++
		}
	}
	return count
}

func (m *Manager) onCmdOpenSocket(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.SocketPayload)
	if !ok {
		return fmt.Errorf("invalid open socket payload")
	}

	if err := m.Open(payload.SocketID); err != nil {
		log.Warn().Err(err).Str("socket", payload.SocketID).Msg("open socket command failed")
		return err
	}
	return nil
}

func (m *Manager) onCmdCloseSocket(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.SocketPayload)
	if !ok {
		return fmt.Errorf("invalid close socket payload")
	}

	if err := m.Close(payload.SocketID); err != nil {
		log.Warn().Err(err).Str("socket", payload.SocketID).Msg("close socket command failed")
		return err
	}
	return nil
}

func (m *Manager) onShutdown(ctx context.Context, event events.Event) error {
	log.Info().Msg("shutdown event received, unregistering socket sessions")
	m.UnregisterAll()
	return nil
}
