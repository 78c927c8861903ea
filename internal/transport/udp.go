package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/network"
	"github.com/partyline-project/partyline/internal/protocol"
)

const (
	linkPending uint8 = iota
	linkEstablished
	linkInterrupted
)

type linkKey struct {
	socketID     string
	remoteUserID string
}

// peerLink tracks one remote peer on one socket, keyed by the pair.
type peerLink struct {
	addr     *net.UDPAddr
	lastSeen time.Time
	state    uint8
}

// UDPTransport is the wire implementation of Transport and Notifier. It
// listens for datagrams carrying wire frames: data frames are queued for the
// bound local user, connect and close frames turn into notifications, and a
// sweep loop downgrades links that stop sending pings.
//
// One process serves one local identity. The user passed to Subscribe becomes
// the bound user; datagrams arriving while nobody is subscribed are dropped.
type UDPTransport struct {
	cfg  *config.Config
	conn *net.UDPConn

	mu        sync.Mutex
	queues    map[string][]InboundPacket
	links     map[linkKey]*peerLink
	sinks     map[uint64]subscription
	nextSub   uint64
	boundUser string
}

// NewUDPTransport creates a UDP transport from the network settings in cfg.
func NewUDPTransport(cfg *config.Config) *UDPTransport {
	return &UDPTransport{
		cfg:    cfg,
		queues: make(map[string][]InboundPacket),
		links:  make(map[linkKey]*peerLink),
		sinks:  make(map[uint64]subscription),
	}
}

// Start binds the UDP socket and blocks reading datagrams until ctx is
// cancelled. The silence sweep runs alongside the read loop.
func (t *UDPTransport) Start(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.MediatorData.BindAddress, fmt.Sprintf("%d", t.cfg.MediatorData.UDPPort))

	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := network.ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP transport on %s: %w", addr, err)
	}
	t.conn = pc.(*net.UDPConn)

	log.Info().Str("addr", addr).Msg("UDP transport started")

	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()
	go t.sweepLoop(ctx)

	buf := make([]byte, protocol.MaxPacketSize+64)
	for {
		n, remoteAddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("UDP transport stopping")
				return nil
			default:
				log.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		frame, err := protocol.DecodeFrame(buf[:n])
		if err != nil {
			log.Trace().
				Err(err).
				Str("remote", remoteAddr.String()).
				Msg("dropped undecodable datagram")
			continue
		}

		t.handleFrame(frame, remoteAddr)
	}
}

// Stop closes the UDP socket.
func (t *UDPTransport) Stop() error {
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// handleFrame updates link state under the lock, then emits any resulting
// notification after releasing it.
func (t *UDPTransport) handleFrame(frame protocol.Frame, remoteAddr *net.UDPAddr) {
	key := linkKey{socketID: frame.SocketID, remoteUserID: frame.UserID}
	now := time.Now()

	var notify []Notification

	t.mu.Lock()
	switch frame.Kind {
	case protocol.FrameConnect:
		if link, ok := t.links[key]; ok {
			link.lastSeen = now
			link.addr = remoteAddr
			break
		}
		t.links[key] = &peerLink{addr: remoteAddr, lastSeen: now, state: linkPending}
		notify = append(notify, Notification{
			Kind:         NotifyConnectionRequest,
			SocketID:     frame.SocketID,
			LocalUserID:  t.boundUser,
			RemoteUserID: frame.UserID,
		})

	case protocol.FrameClose:
		if _, ok := t.links[key]; !ok {
			break
		}
		delete(t.links, key)
		notify = append(notify, Notification{
			Kind:         NotifyConnectionClosed,
			SocketID:     frame.SocketID,
			LocalUserID:  t.boundUser,
			RemoteUserID: frame.UserID,
		})

	case protocol.FramePing:
		if link, ok := t.links[key]; ok {
			link.lastSeen = now
		}

	case protocol.FrameData:
		link, ok := t.links[key]
		if !ok {
			log.Trace().
				Str("socket", frame.SocketID).
				Str("remote_user", frame.UserID).
				Msg("dropped data frame from unknown link")
			break
		}
		link.lastSeen = now
		if link.state != linkEstablished {
			link.state = linkEstablished
			notify = append(notify, Notification{
				Kind:         NotifyConnectionEstablished,
				SocketID:     frame.SocketID,
				LocalUserID:  t.boundUser,
				RemoteUserID: frame.UserID,
			})
		}
		if t.boundUser == "" {
			log.Trace().Str("socket", frame.SocketID).Msg("dropped data frame, no bound user")
			break
		}
		t.queues[t.boundUser] = append(t.queues[t.boundUser], InboundPacket{
			SocketID:     frame.SocketID,
			RemoteUserID: frame.UserID,
			Channel:      frame.Channel,
			Data:         frame.Payload,
		})
	}
	t.mu.Unlock()

	for _, n := range notify {
		t.emit(n)
	}
}

// sweepLoop downgrades links whose pings stopped: silent past the ping
// timeout means interrupted, silent past twice the timeout means closed.
func (t *UDPTransport) sweepLoop(ctx context.Context) {
	interval := time.Duration(t.cfg.MediatorData.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := time.Duration(t.cfg.MediatorData.PingTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(timeout)
		}
	}
}

func (t *UDPTransport) sweep(timeout time.Duration) {
	now := time.Now()
	var notify []Notification

	t.mu.Lock()
	for key, link := range t.links {
		silent := now.Sub(link.lastSeen)
		switch {
		case silent > 2*timeout:
			delete(t.links, key)
			notify = append(notify, Notification{
				Kind:         NotifyConnectionClosed,
				SocketID:     key.socketID,
				LocalUserID:  t.boundUser,
				RemoteUserID: key.remoteUserID,
			})
		case silent > timeout && link.state == linkEstablished:
			link.state = linkInterrupted
			notify = append(notify, Notification{
				Kind:         NotifyConnectionInterrupted,
				SocketID:     key.socketID,
				LocalUserID:  t.boundUser,
				RemoteUserID: key.remoteUserID,
			})
		}
	}
	t.mu.Unlock()

	for _, n := range notify {
		log.Debug().
			Str("kind", n.Kind.String()).
			Str("socket", n.SocketID).
			Str("remote_user", n.RemoteUserID).
			Msg("link silence notification")
		t.emit(n)
	}
}

// NextPacketSize implements Transport.
func (t *UDPTransport) NextPacketSize(localUserID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if localUserID == "" {
		return 0, ErrInvalidParameters
	}
	queue := t.queues[localUserID]
	if len(queue) == 0 {
		return 0, ErrNoPendingPackets
	}
	return len(queue[0].Data), nil
}

// ReceivePacket implements Transport.
func (t *UDPTransport) ReceivePacket(localUserID string, maxSize int) (InboundPacket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if localUserID == "" || maxSize < 0 {
		return InboundPacket{}, ErrInvalidParameters
	}
	queue := t.queues[localUserID]
	if len(queue) == 0 {
		return InboundPacket{}, ErrNoPendingPackets
	}
	if len(queue[0].Data) != maxSize {
		return InboundPacket{}, ErrPacketSizeMismatch
	}

	pkt := queue[0]
	t.queues[localUserID] = queue[1:]
	return pkt, nil
}

// Subscribe implements Notifier. The most recent subscriber's user becomes
// the bound user that inbound datagrams are queued for.
func (t *UDPTransport) Subscribe(localUserID string, sink func(Notification)) (func(), error) {
	if localUserID == "" {
		return nil, ErrInvalidParameters
	}

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.sinks[id] = subscription{localUserID: localUserID, sink: sink}
	t.boundUser = localUserID
	t.mu.Unlock()

	log.Debug().Str("local_user", localUserID).Msg("notification sink subscribed")

	return func() {
		t.mu.Lock()
		delete(t.sinks, id)
		if len(t.sinks) == 0 {
			t.boundUser = ""
		}
		t.mu.Unlock()
	}, nil
}

func (t *UDPTransport) emit(n Notification) {
	t.mu.Lock()
	sinks := make([]func(Notification), 0, len(t.sinks))
	for _, sub := range t.sinks {
		sinks = append(sinks, sub.sink)
	}
	t.mu.Unlock()

	for _, sink := range sinks {
		sink(n)
	}
}

// Links reports how many remote links are currently tracked.
func (t *UDPTransport) Links() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}
