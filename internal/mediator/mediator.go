// Package mediator implements the packet peer mediator, the core of
// partyline. Multiple session peers share one platform transport; the
// mediator drains that single inbound stream once per tick and sorts packets
// into per-socket queues so each peer can poll its own traffic. Connection
// lifecycle notifications are routed the same way, and connection requests
// arriving before their socket is open are buffered until a peer claims the
// socket or the remote gives up.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/protocol"
	"github.com/partyline-project/partyline/internal/transport"
	"github.com/partyline-project/partyline/internal/util"
)

// Errors reported for misuse of the mediator API. Operations failing with
// one of these have no side effects.
var (
	ErrNotInitialized      = errors.New("mediator is not initialized")
	ErrNoLocalUser         = errors.New("local user id has not been set")
	ErrPeerNotActive       = errors.New("peer has no active socket")
	ErrSocketRegistered    = errors.New("socket is already registered")
	ErrSocketNotRegistered = errors.New("socket is not registered")
)

// Peer is the contract a session must satisfy to register with the mediator.
// Once registered, the peer receives its socket's connection lifecycle
// callbacks and can poll its queued packets.
type Peer interface {
	// SocketID returns the socket descriptor this peer owns. An empty
	// descriptor means the peer is not active and cannot register.
	SocketID() string

	OnConnectionRequest(req ConnectionRequest)
	OnConnectionEstablished(remoteUserID string)
	OnConnectionInterrupted(remoteUserID string)
	OnConnectionClosed(remoteUserID string)
}

// ConnectionRequest is a buffered "remote wants to connect to socket S"
// record. It is created when a request arrives for a socket with no
// registered peer and consumed when a matching peer registers, the remote
// closes, or the request expires.
type ConnectionRequest struct {
	ID           uuid.UUID
	SocketID     string
	LocalUserID  string
	RemoteUserID string
	ReceivedAt   time.Time
}

// Mediator owns the socket queues, the socket to peer map and the pending
// connection request buffer. All exported methods are safe for concurrent
// use; one mutex serializes every entry point. Peer callbacks and event
// emissions always happen after the mutex is released, so a callback may
// call back into the mediator.
type Mediator struct {
	mu sync.Mutex

	cfg       *config.Config
	bus       *events.EventBus
	transport transport.Transport
	notifier  transport.Notifier
	logger    zerolog.Logger

	initialized bool
	localUserID string
	unsubscribe func()

	queues     map[string]*packetQueue
	peers      map[string]Peer
	pending    []ConnectionRequest
	queueLimit int
}

// New creates a mediator in the uninitialized state. It starts ticking only
// after Initialize is called with a logged-in local user.
func New(cfg *config.Config, bus *events.EventBus, tr transport.Transport, notifier transport.Notifier) *Mediator {
	return &Mediator{
		cfg:        cfg,
		bus:        bus,
		transport:  tr,
		notifier:   notifier,
		logger:     util.ComponentLogger("mediator"),
		queues:     make(map[string]*packetQueue),
		peers:      make(map[string]Peer),
		queueLimit: cfg.MediatorData.QueueSizeLimit,
	}
}

// Initialize transitions the mediator to the initialized state for the given
// local user and subscribes it to connection notifications. Calling it again
// while initialized is a no-op. An empty user id is an error.
func (m *Mediator) Initialize(localUserID string) error {
	m.mu.Lock()
	if localUserID == "" {
		m.mu.Unlock()
		return ErrNoLocalUser
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}

	unsubscribe, err := m.notifier.Subscribe(localUserID, m.HandleNotification)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to subscribe connection notifications: %w", err)
	}

	m.localUserID = localUserID
	m.unsubscribe = unsubscribe
	m.initialized = true
	m.mu.Unlock()

	m.logger.Info().Str("local_user", localUserID).Msg("mediator initialized")
	return nil
}

// Terminate returns the mediator to the uninitialized state: the
// notification subscription is dropped, the local user identity is cleared
// and all socket, queue and pending request state is discarded. Sessions do
// not survive a logout. No-op when already uninitialized.
func (m *Mediator) Terminate() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}

	unsubscribe := m.unsubscribe
	localUserID := m.localUserID
	dropped := m.totalQueuedLocked()
	pending := len(m.pending)

	m.unsubscribe = nil
	m.localUserID = ""
	m.queues = make(map[string]*packetQueue)
	m.peers = make(map[string]Peer)
	m.pending = nil
	m.initialized = false
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	m.logger.Info().
		Str("local_user", localUserID).
		Int("dropped_packets", dropped).
		Int("dropped_requests", pending).
		Msg("mediator terminated")
}

// IsInitialized reports whether the mediator is currently initialized.
func (m *Mediator) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// LocalUserID returns the local user the mediator is operating for, or the
// empty string when uninitialized.
func (m *Mediator) LocalUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localUserID
}

// Tick drains the transport's inbound stream into the per-socket queues.
// It is a no-op without a local user, without registered sockets, or when
// the queues are already at the limit.
//
// Draining stops early in three cases: a packet addressed to an unknown
// socket (dropped, remaining traffic deferred to the next tick), the queue
// limit being reached (the packet that tripped the limit is kept), or a
// fatal transport error, which is returned. Leftover platform-buffered
// packets are picked up on the next tick.
func (m *Mediator) Tick() error {
	var emissions []events.Event
	var tickErr error

	m.mu.Lock()
	if m.localUserID == "" || len(m.queues) == 0 || m.totalQueuedLocked() >= m.queueLimit {
		m.mu.Unlock()
		return nil
	}

	for {
		size, err := m.transport.NextPacketSize(m.localUserID)
		if errors.Is(err, transport.ErrNoPendingPackets) {
			break
		}
		if err != nil {
			tickErr = fmt.Errorf("failed to get next packet size: %w", err)
			break
		}

		inbound, err := m.transport.ReceivePacket(m.localUserID, size)
		if err != nil {
			tickErr = fmt.Errorf("failed to receive packet: %w", err)
			break
		}

		queue, ok := m.queues[inbound.SocketID]
		if !ok {
			// Unroutable traffic means local registration is lagging
			// behind the remote side. Back off until the next tick.
			m.logger.Trace().
				Str("socket", inbound.SocketID).
				Str("remote_user", inbound.RemoteUserID).
				Msg("dropped packet for unregistered socket")
			break
		}

		pkt := protocol.Packet{
			Data:         inbound.Data,
			Channel:      inbound.Channel,
			RemoteUserID: inbound.RemoteUserID,
		}
		if pkt.IsPeerIdentity() {
			queue.pushFront(pkt)
		} else {
			queue.pushBack(pkt)
		}

		// The packet that trips the limit is kept, so the total can
		// overshoot by exactly one before ingestion pauses.
		if total := m.totalQueuedLocked(); total > m.queueLimit {
			m.logger.Warn().
				Str("socket", inbound.SocketID).
				Int("total_queued", total).
				Int("limit", m.queueLimit).
				Msg("packet queue limit reached, deferring ingestion")
			emissions = append(emissions, events.Event{
				Type:   events.EventPacketQueueFull,
				Source: "mediator",
				Payload: events.QueueFullPayload{
					SocketID:    inbound.SocketID,
					TotalQueued: total,
					Limit:       m.queueLimit,
				},
			})
			break
		}
	}
	m.mu.Unlock()

	for _, ev := range emissions {
		m.bus.Emit(context.Background(), ev)
	}
	return tickErr
}

// HandleNotification routes one connection lifecycle notification. It is
// the sink passed to the notifier at Initialize time, and tests feed
// synthetic notifications through it directly.
func (m *Mediator) HandleNotification(n transport.Notification) {
	var after []func()

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	if n.LocalUserID != m.localUserID {
		m.logger.Warn().
			Str("kind", n.Kind.String()).
			Str("local_user", n.LocalUserID).
			Msg("dropped notification addressed to another local user")
		m.mu.Unlock()
		return
	}

	switch n.Kind {
	case transport.NotifyConnectionRequest:
		req := ConnectionRequest{
			ID:           uuid.New(),
			SocketID:     n.SocketID,
			LocalUserID:  n.LocalUserID,
			RemoteUserID: n.RemoteUserID,
			ReceivedAt:   time.Now(),
		}
		if peer, ok := m.peers[n.SocketID]; ok {
			after = append(after, func() { peer.OnConnectionRequest(req) })
			break
		}
		// Hold onto the request in case a peer opens this socket later.
		m.pending = append(m.pending, req)
		m.logger.Debug().
			Str("socket", req.SocketID).
			Str("remote_user", req.RemoteUserID).
			Int("pending", len(m.pending)).
			Msg("buffered connection request for unopened socket")
		after = append(after, func() {
			m.emitRequest(events.EventConnectionRequestReceived, req, events.RemovalReasonNone)
		})

	case transport.NotifyConnectionClosed:
		for i, req := range m.pending {
			if req.RemoteUserID == n.RemoteUserID && req.SocketID == n.SocketID {
				removed := req
				m.pending = append(m.pending[:i], m.pending[i+1:]...)
				after = append(after, func() {
					m.emitRequest(events.EventConnectionRequestRemoved, removed, events.RemovalReasonClosed)
				})
				break
			}
		}
		if peer, ok := m.peers[n.SocketID]; ok {
			after = append(after, func() { peer.OnConnectionClosed(n.RemoteUserID) })
		}

	case transport.NotifyConnectionEstablished:
		if peer, ok := m.peers[n.SocketID]; ok {
			after = append(after, func() { peer.OnConnectionEstablished(n.RemoteUserID) })
		}

	case transport.NotifyConnectionInterrupted:
		if peer, ok := m.peers[n.SocketID]; ok {
			after = append(after, func() { peer.OnConnectionInterrupted(n.RemoteUserID) })
		}
	}
	m.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}

// RegisterPeer registers a peer and its socket with the mediator. Once
// registered the peer receives packets, notifications and connection
// requests for its socket. Any buffered connection requests matching the
// socket are forwarded to the peer and removed from the pending buffer.
func (m *Mediator) RegisterPeer(peer Peer) error {
	var after []func()

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	socketID := peer.SocketID()
	if socketID == "" {
		m.mu.Unlock()
		return ErrPeerNotActive
	}
	if _, exists := m.peers[socketID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSocketRegistered, socketID)
	}

	m.peers[socketID] = peer
	m.queues[socketID] = &packetQueue{}

	// Flush buffered requests for this socket: forward them all first,
	// then report each removal.
	var matched []ConnectionRequest
	kept := m.pending[:0]
	for _, req := range m.pending {
		if req.SocketID == socketID {
			matched = append(matched, req)
			continue
		}
		kept = append(kept, req)
	}
	m.pending = kept

	for _, req := range matched {
		req := req
		after = append(after, func() { peer.OnConnectionRequest(req) })
	}
	for _, req := range matched {
		req := req
		after = append(after, func() {
			m.emitRequest(events.EventConnectionRequestRemoved, req, events.RemovalReasonClaimed)
		})
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("socket", socketID).
		Int("flushed_requests", len(matched)).
		Msg("peer registered")

	m.bus.Emit(context.Background(), events.Event{
		Type:    events.EventSocketRegistered,
		Source:  "mediator",
		Payload: events.SocketPayload{SocketID: socketID},
	})
	for _, fn := range after {
		fn()
	}
	return nil
}

// UnregisterPeer removes a peer's socket, dropping its queue. Pending
// requests for other sockets are untouched. Unknown sockets are a no-op;
// unregistration races with remote close timing and must stay quiet.
func (m *Mediator) UnregisterPeer(peer Peer) {
	m.mu.Lock()
	socketID := peer.SocketID()
	if _, ok := m.peers[socketID]; !ok {
		m.mu.Unlock()
		return
	}

	dropped := 0
	if queue, ok := m.queues[socketID]; ok {
		dropped = queue.clear()
	}
	delete(m.queues, socketID)
	delete(m.peers, socketID)
	m.mu.Unlock()

	m.logger.Info().
		Str("socket", socketID).
		Int("dropped_packets", dropped).
		Msg("peer unregistered")

	m.bus.Emit(context.Background(), events.Event{
		Type:    events.EventSocketUnregistered,
		Source:  "mediator",
		Payload: events.SocketPayload{SocketID: socketID},
	})
}

// PollNextPacket removes and returns the front packet of the socket's
// queue. The second return is false when the socket is unknown or its
// queue is empty.
func (m *Mediator) PollNextPacket(socketID string) (protocol.Packet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[socketID]
	if !ok {
		return protocol.Packet{}, false
	}
	return queue.popFront()
}

// ClearPacketQueue drops every packet queued for the socket.
func (m *Mediator) ClearPacketQueue(socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[socketID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSocketNotRegistered, socketID)
	}
	dropped := queue.clear()
	m.logger.Debug().
		Str("socket", socketID).
		Int("dropped_packets", dropped).
		Msg("packet queue cleared")
	return nil
}

// ClearPacketsFromRemoteUser drops the socket's queued packets sent by the
// given remote user, keeping the relative order of the rest. This is the
// teardown path when one remote leaves while the session stays up.
func (m *Mediator) ClearPacketsFromRemoteUser(socketID, remoteUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[socketID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSocketNotRegistered, socketID)
	}
	dropped := queue.removeFrom(remoteUserID)
	m.logger.Debug().
		Str("socket", socketID).
		Str("remote_user", remoteUserID).
		Int("dropped_packets", dropped).
		Msg("cleared packets from remote user")
	return nil
}

// ExpirePendingRequests drops buffered connection requests older than
// maxAge and reports how many were dropped. A non-positive maxAge disables
// expiry.
func (m *Mediator) ExpirePendingRequests(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	var expired []ConnectionRequest

	m.mu.Lock()
	kept := m.pending[:0]
	for _, req := range m.pending {
		if req.ReceivedAt.Before(cutoff) {
			expired = append(expired, req)
			continue
		}
		kept = append(kept, req)
	}
	m.pending = kept
	m.mu.Unlock()

	for _, req := range expired {
		m.logger.Debug().
			Str("socket", req.SocketID).
			Str("remote_user", req.RemoteUserID).
			Time("received_at", req.ReceivedAt).
			Msg("expired pending connection request")
		m.emitRequest(events.EventConnectionRequestRemoved, req, events.RemovalReasonExpired)
	}
	return len(expired)
}

// TotalPacketCount reports the number of packets queued across all sockets.
func (m *Mediator) TotalPacketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalQueuedLocked()
}

// PacketCountForSocket reports the number of packets queued for one socket,
// zero when the socket is unknown.
func (m *Mediator) PacketCountForSocket(socketID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if queue, ok := m.queues[socketID]; ok {
		return queue.len()
	}
	return 0
}

// PacketCountFromRemoteUser reports how many packets sent by remoteUserID
// are queued for the socket.
func (m *Mediator) PacketCountFromRemoteUser(remoteUserID, socketID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[socketID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrSocketNotRegistered, socketID)
	}
	return queue.countFrom(remoteUserID), nil
}

// NextPacketIsPeerIdentity reports whether the socket's front packet is a
// peer identity packet. False with no error when the queue is empty.
func (m *Mediator) NextPacketIsPeerIdentity(socketID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[socketID]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrSocketNotRegistered, socketID)
	}
	pkt, ok := queue.peekFront()
	if !ok {
		return false, nil
	}
	return pkt.IsPeerIdentity(), nil
}

// HasSocket reports whether a peer is registered for the socket.
func (m *Mediator) HasSocket(socketID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[socketID]
	return ok
}

// Sockets returns the registered socket descriptors in sorted order.
func (m *Mediator) Sockets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sockets := make([]string, 0, len(m.peers))
	for socketID := range m.peers {
		sockets = append(sockets, socketID)
	}
	sort.Strings(sockets)
	return sockets
}

// PendingRequestCount reports the number of buffered connection requests.
func (m *Mediator) PendingRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PendingRequests returns a copy of the buffered connection requests in
// arrival order.
func (m *Mediator) PendingRequests() []ConnectionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	requests := make([]ConnectionRequest, len(m.pending))
	copy(requests, m.pending)
	return requests
}

// QueueSizeLimit returns the configured cap on total queued packets.
func (m *Mediator) QueueSizeLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueLimit
}

// SetQueueSizeLimit changes the cap on total queued packets. Already queued
// packets are never dropped; a lowered limit only pauses future ingestion.
func (m *Mediator) SetQueueSizeLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueLimit = limit
	m.logger.Info().Int("limit", limit).Msg("queue size limit updated")
}

// Stats returns a snapshot of the mediator's load for telemetry and the API.
func (m *Mediator) Stats() events.StatsPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	return events.StatsPayload{
		Sockets:         len(m.peers),
		TotalQueued:     m.totalQueuedLocked(),
		QueueLimit:      m.queueLimit,
		PendingRequests: len(m.pending),
		Initialized:     m.initialized,
	}
}

func (m *Mediator) totalQueuedLocked() int {
	total := 0
	for _, queue := range m.queues {
		total += queue.len()
	}
	return total
}

// emitRequest publishes a request lifecycle event. Callers must not hold
// the mediator lock.
func (m *Mediator) emitRequest(eventType events.EventType, req ConnectionRequest, reason events.RemovalReason) {
	m.bus.Emit(context.Background(), events.Event{
		Type:   eventType,
		Source: "mediator",
		Payload: events.ConnectionRequestPayload{
			RequestID:    req.ID.String(),
			SocketID:     req.SocketID,
			LocalUserID:  req.LocalUserID,
			RemoteUserID: req.RemoteUserID,
			ReceivedAt:   req.ReceivedAt,
			Reason:       reason,
		},
	})
}
