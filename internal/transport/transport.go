// Package transport abstracts the platform connection layer that feeds the
// mediator. A Transport hands over received packets one at a time, a Notifier
// reports peer connection lifecycle changes. Both are implemented in-process
// (MemoryTransport) and over the wire (UDPTransport).
package transport

import "errors"

// Sentinel errors returned by Transport implementations. Callers are expected
// to distinguish the benign drain-end case from the fatal ones.
var (
	// ErrNoPendingPackets signals that the receive queue for the requested
	// user is empty. This is the normal end of a drain cycle, not a failure.
	ErrNoPendingPackets = errors.New("no pending packets")

	// ErrInvalidParameters signals a malformed request (empty user id,
	// non-positive buffer size). A drain cycle must abort on it.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrPacketSizeMismatch signals that the packet handed over does not
	// match the size previously announced. A drain cycle must abort on it.
	ErrPacketSizeMismatch = errors.New("packet size mismatch")
)

// InboundPacket is one received packet together with its routing metadata.
// SocketID names the logical socket the sender addressed, RemoteUserID
// identifies the sending peer.
type InboundPacket struct {
	SocketID     string
	RemoteUserID string
	Channel      uint8
	Data         []byte
}

// Transport is the receive side of the platform connection layer.
type Transport interface {
	// NextPacketSize reports the size in bytes of the next packet queued
	// for localUserID, or ErrNoPendingPackets when the queue is empty.
	NextPacketSize(localUserID string) (int, error)

	// ReceivePacket removes and returns the next packet queued for
	// localUserID. maxSize must match the size announced by
	// NextPacketSize; a mismatch yields ErrPacketSizeMismatch.
	ReceivePacket(localUserID string, maxSize int) (InboundPacket, error)
}

// NotificationKind enumerates the peer connection lifecycle changes a
// Notifier reports.
type NotificationKind uint8

const (
	// NotifyConnectionRequest fires when a remote peer asks to connect on
	// a socket. The request stays open until accepted or closed.
	NotifyConnectionRequest NotificationKind = iota

	// NotifyConnectionEstablished fires once traffic flows on an accepted
	// connection.
	NotifyConnectionEstablished

	// NotifyConnectionInterrupted fires when an established connection
	// goes silent but may still recover.
	NotifyConnectionInterrupted

	// NotifyConnectionClosed fires when a connection is gone for good.
	NotifyConnectionClosed
)

var notificationKindStrings = map[NotificationKind]string{
	NotifyConnectionRequest:     "connection_request",
	NotifyConnectionEstablished: "connection_established",
	NotifyConnectionInterrupted: "connection_interrupted",
	NotifyConnectionClosed:      "connection_closed",
}

// String returns the string representation of the notification kind.
func (k NotificationKind) String() string {
	if s, ok := notificationKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// Notification is one peer connection lifecycle change. LocalUserID names
// the user the notification is addressed to; sinks must check it against
// their own identity before acting.
type Notification struct {
	Kind         NotificationKind
	SocketID     string
	LocalUserID  string
	RemoteUserID string
}

// Notifier delivers connection lifecycle notifications to subscribed sinks.
type Notifier interface {
	// Subscribe registers sink for notifications addressed to localUserID.
	// The returned function removes the subscription. Subscribing with an
	// empty user id fails.
	Subscribe(localUserID string, sink func(Notification)) (func(), error)
}
