// Package peer owns the socket sessions that consume mediated packets.
// Each Session is registered with the mediator as the receiver for one
// socket descriptor; the Manager keeps the session registry and reacts
// to open/close commands from the CLI and API.
package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/protocol"
)

// PacketHandler consumes packets drained from a session's queue.
type PacketHandler func(socketID string, pkt protocol.Packet)

// remoteEntry tracks the mediator-visible connection state of one remote user.
type remoteEntry struct {
	state events.ConnectionState
	since time.Time
}

// Session owns one socket descriptor. While registered it receives the
// socket's connection lifecycle callbacks from the mediator and drains the
// socket's packet queue on every scheduler tick.
type Session struct {
	mu     sync.Mutex
	logger zerolog.Logger

	socketID string
	med      *mediator.Mediator
	handler  PacketHandler

	registered   bool
	createdAt    time.Time
	lastActivity time.Time

	remotes map[string]*remoteEntry

	packetsDrained   int
	bytesDrained     int
	requestsReceived int
}

// NewSession creates a session for the given socket descriptor. A nil
// handler falls back to logging each drained packet at debug level.
func NewSession(socketID string, med *mediator.Mediator, handler PacketHandler) *Session {
	logger := log.With().
		Str("component", "peer").
		Str("socket", socketID).
		Logger()

	s := &Session{
		logger:    logger,
		socketID:  socketID,
		med:       med,
		handler:   handler,
		createdAt: time.Now(),
		remotes:   make(map[string]*remoteEntry),
	}
	if s.handler == nil {
		s.handler = s.logPacket
	}
	return s
}

// SocketID returns the socket descriptor this session owns.
func (s *Session) SocketID() string {
	return s.socketID
}

// OnConnectionRequest records an incoming connection request from a remote
// user. The transport promotes the link once data starts flowing, so the
// remote is tracked as pending until then.
func (s *Session) OnConnectionRequest(req mediator.ConnectionRequest) {
	s.mu.Lock()
	s.requestsReceived++
	s.setRemoteStateLocked(req.RemoteUserID, events.ConnectionStatePending)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.logger.Info().
		Str("remote_user_id", req.RemoteUserID).
		Str("request_id", req.ID.String()).
		Msg("connection request received")
}

// OnConnectionEstablished marks the remote user's connection as established.
func (s *Session) OnConnectionEstablished(remoteUserID string) {
	s.setRemoteState(remoteUserID, events.ConnectionStateEstablished)
	s.logger.Info().Str("remote_user_id", remoteUserID).Msg("connection established")
}

// OnConnectionInterrupted marks the remote user's connection as interrupted.
// The link stays tracked; the transport reports it established again once
// traffic resumes.
func (s *Session) OnConnectionInterrupted(remoteUserID string) {
	s.setRemoteState(remoteUserID, events.ConnectionStateInterrupted)
	s.logger.Warn().Str("remote_user_id", remoteUserID).Msg("connection interrupted")
}

// OnConnectionClosed marks the remote user's connection as closed and drops
// any packets still queued from that user, so a disconnected peer's stale
// traffic is never handed to the application.
func (s *Session) OnConnectionClosed(remoteUserID string) {
	s.setRemoteState(remoteUserID, events.ConnectionStateClosed)

	if err := s.med.ClearPacketsFromRemoteUser(s.socketID, remoteUserID); err != nil {
		s.logger.Debug().Err(err).Str("remote_user_id", remoteUserID).Msg("no queue to clear on close")
		return
	}
	s.logger.Info().Str("remote_user_id", remoteUserID).Msg("connection closed")
}

// Drain polls the session's packet queue until it is empty, handing each
// packet to the configured handler. It returns the number of packets drained.
func (s *Session) Drain() int {
	drained := 0
	for {
		pkt, ok := s.med.PollNextPacket(s.socketID)
		if !ok {
			break
		}

		s.mu.Lock()
		s.packetsDrained++
		s.bytesDrained += len(pkt.Data)
		s.lastActivity = time.Now()
		handler := s.handler
		s.mu.Unlock()

		handler(s.socketID, pkt)
		drained++
	}
	return drained
}

// Registered reports whether the session is currently registered with the
// mediator.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// EstablishedCount returns the number of remote users currently in the
// established state.
func (s *Session) EstablishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, entry := range s.remotes {
		if entry.state == events.ConnectionStateEstablished {
			count++
		}
	}
	return count
}

// GetInfo returns a JSON-serializable snapshot of the session.
func (s *Session) GetInfo() SessionInfo {
	queued := s.med.PacketCountForSocket(s.socketID)

	s.mu.Lock()
	defer s.mu.Unlock()

	remotes := make([]RemoteInfo, 0, len(s.remotes))
	for userID, entry := range s.remotes {
		remotes = append(remotes, RemoteInfo{
			RemoteUserID: userID,
			State:        entry.state,
			Since:        entry.since,
		})
	}
	sort.Slice(remotes, func(i, j int) bool {
		return remotes[i].RemoteUserID < remotes[j].RemoteUserID
	})

	return SessionInfo{
		SocketID:         s.socketID,
		Registered:       s.registered,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
		QueuedPackets:    queued,
		PacketsDrained:   s.packetsDrained,
		BytesDrained:     s.bytesDrained,
		RequestsReceived: s.requestsReceived,
		Remotes:          remotes,
	}
}

func (s *Session) setRegistered(v bool) {
	s.mu.Lock()
	s.registered = v
	s.mu.Unlock()
}

func (s *Session) setRemoteState(remoteUserID string, state events.ConnectionState) {
	s.mu.Lock()
	s.setRemoteStateLocked(remoteUserID, state)
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setRemoteStateLocked(remoteUserID string, state events.ConnectionState) {
	entry, ok := s.remotes[remoteUserID]
	if !ok {
		entry = &remoteEntry{}
		s.remotes[remoteUserID] = entry
	}
	if entry.state == state {
		return
	}
	entry.state = state
	entry.since = time.Now()
}

// logPacket is the default packet handler.
func (s *Session) logPacket(socketID string, pkt protocol.Packet) {
	s.logger.Debug().
		Str("remote_user_id", pkt.RemoteUserID).
		Uint8("channel", pkt.Channel).
		Int("bytes", len(pkt.Data)).
		Bool("peer_identity", pkt.IsPeerIdentity()).
		Msg("packet drained")
}

// RemoteInfo is a JSON-serializable summary of one remote user's connection.
type RemoteInfo struct {
	RemoteUserID string                 `json:"remote_user_id"`
	State        events.ConnectionState `json:"state"`
	Since        time.Time              `json:"since"`
}

// SessionInfo is a JSON-serializable summary of a socket session.
type SessionInfo struct {
	SocketID         string       `json:"socket_id"`
	Registered       bool         `json:"registered"`
	CreatedAt        time.Time    `json:"created_at"`
	LastActivity     time.Time    `json:"last_activity"`
	QueuedPackets    int          `json:"queued_packets"`
	PacketsDrained   int          `json:"packets_drained"`
	BytesDrained     int          `json:"bytes_drained"`
	RequestsReceived int          `json:"requests_received"`
	Remotes          []RemoteInfo `json:"remotes"`
}
