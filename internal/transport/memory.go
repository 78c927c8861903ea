package transport

import "sync"

// MemoryTransport is an in-process Transport and Notifier. It backs the
// "memory" transport mode and the test suites: packets are injected
// directly, notifications are emitted by the caller, and the next size or
// receive call can be scripted to fail.
type MemoryTransport struct {
	mu      sync.Mutex
	queues  map[string][]InboundPacket
	sinks   map[uint64]subscription
	nextSub uint64
	sizeErr error
	recvErr error
}

type subscription struct {
	localUserID string
	sink        func(Notification)
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[string][]InboundPacket),
		sinks:  make(map[uint64]subscription),
	}
}

// InjectPacket queues pkt for localUserID as if the platform had received it.
func (m *MemoryTransport) InjectPacket(localUserID string, pkt InboundPacket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[localUserID] = append(m.queues[localUserID], pkt)
}

// Pending reports how many packets are queued for localUserID.
func (m *MemoryTransport) Pending(localUserID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[localUserID])
}

// FailNextSize makes the next NextPacketSize call return err.
func (m *MemoryTransport) FailNextSize(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizeErr = err
}

// FailNextReceive makes the next ReceivePacket call return err.
func (m *MemoryTransport) FailNextReceive(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvErr = err
}

// NextPacketSize implements Transport.
func (m *MemoryTransport) NextPacketSize(localUserID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sizeErr != nil {
		err := m.sizeErr
		m.sizeErr = nil
		return 0, err
	}
	if localUserID == "" {
		return 0, ErrInvalidParameters
	}
	queue := m.queues[localUserID]
	if len(queue) == 0 {
		return 0, ErrNoPendingPackets
	}
	return len(queue[0].Data), nil
}

// ReceivePacket implements Transport. The head packet stays queued when the
// requested size does not match, so a later drain can pick it up correctly.
func (m *MemoryTransport) ReceivePacket(localUserID string, maxSize int) (InboundPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recvErr != nil {
		err := m.recvErr
		m.recvErr = nil
		return InboundPacket{}, err
	}
	if localUserID == "" || maxSize < 0 {
		return InboundPacket{}, ErrInvalidParameters
	}
	queue := m.queues[localUserID]
	if len(queue) == 0 {
		return InboundPacket{}, ErrNoPendingPackets
	}
	if len(queue[0].Data) != maxSize {
		return InboundPacket{}, ErrPacketSizeMismatch
	}

	pkt := queue[0]
	m.queues[localUserID] = queue[1:]
	return pkt, nil
}

// Subscribe implements Notifier. Every sink receives every emitted
// notification; the LocalUserID field tells a sink whom it addresses.
func (m *MemoryTransport) Subscribe(localUserID string, sink func(Notification)) (func(), error) {
	if localUserID == "" {
		return nil, ErrInvalidParameters
	}

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.sinks[id] = subscription{localUserID: localUserID, sink: sink}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.sinks, id)
		m.mu.Unlock()
	}, nil
}

// EmitNotification delivers n synchronously to all subscribed sinks.
func (m *MemoryTransport) EmitNotification(n Notification) {
	m.mu.Lock()
	sinks := make([]func(Notification), 0, len(m.sinks))
	for _, sub := range m.sinks {
		sinks = append(sinks, sub.sink)
	}
	m.mu.Unlock()

	for _, sink := range sinks {
		sink(n)
	}
}
