// Package events defines event types and enumerations for the Partyline event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Mediator events
	EventPacketQueueFull           EventType = "packet_queue_full"
	EventConnectionRequestReceived EventType = "connection_request_received"
	EventConnectionRequestRemoved  EventType = "connection_request_removed"
	EventSocketRegistered          EventType = "socket_registered"
	EventSocketUnregistered        EventType = "socket_unregistered"

	// Identity events
	EventUserLoggedIn  EventType = "user_logged_in"
	EventUserLoggedOut EventType = "user_logged_out"

	// Command events (CLI / API driven)
	EventOpenSocket  EventType = "cmd_open_socket"
	EventCloseSocket EventType = "cmd_close_socket"

	// Notification events
	EventNotifyMQTT EventType = "notify_mqtt"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// ConnectionState represents the mediator-visible state of one remote user's
// connection to a socket.
type ConnectionState int

const (
	ConnectionStateUnknown ConnectionState = iota
	ConnectionStatePending
	ConnectionStateEstablished
	ConnectionStateInterrupted
	ConnectionStateClosed
)

// connectionStateStrings maps ConnectionState values to their lowercase JSON string representation.
var connectionStateStrings = map[ConnectionState]string{
	ConnectionStateUnknown:     "unknown",
	ConnectionStatePending:     "pending",
	ConnectionStateEstablished: "established",
	ConnectionStateInterrupted: "interrupted",
	ConnectionStateClosed:      "closed",
}

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	if str, ok := connectionStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ConnectionState as a JSON string (e.g. "established").
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// RemovalReason explains why a pending connection request left the buffer.
type RemovalReason int

const (
	RemovalReasonNone    RemovalReason = iota // Not a removal
	RemovalReasonClaimed                      // A peer registered for the socket
	RemovalReasonClosed                       // The remote connection closed before any peer claimed it
	RemovalReasonExpired                      // The request outlived the configured expiry window
)

// removalReasonStrings maps RemovalReason values to their lowercase JSON string representation.
var removalReasonStrings = map[RemovalReason]string{
	RemovalReasonNone:    "none",
	RemovalReasonClaimed: "claimed",
	RemovalReasonClosed:  "closed",
	RemovalReasonExpired: "expired",
}

// String returns the string representation of RemovalReason.
func (r RemovalReason) String() string {
	if str, ok := removalReasonStrings[r]; ok {
		return str
	}
	return "none"
}

// MarshalJSON serializes RemovalReason as a JSON string (e.g. "claimed").
func (r RemovalReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// QueueFullPayload is emitted when ingestion hits the queue size limit.
type QueueFullPayload struct {
	SocketID    string `json:"socket_id"` // Socket whose insert tripped the limit
	TotalQueued int    `json:"total_queued"`
	Limit       int    `json:"limit"`
}

// ConnectionRequestPayload carries a pending connection request record.
type ConnectionRequestPayload struct {
	RequestID    string    `json:"request_id"`
	SocketID     string    `json:"socket_id"`
	LocalUserID  string    `json:"local_user_id"`
	RemoteUserID string    `json:"remote_user_id"`
	ReceivedAt   time.Time `json:"received_at"`

	// Reason is set only on connection_request_removed.
	Reason RemovalReason `json:"reason,omitempty"`
}

// SocketPayload identifies a socket for registration and command events.
type SocketPayload struct {
	SocketID string `json:"socket_id"`
}

// IdentityPayload carries the local user identity for login state events.
type IdentityPayload struct {
	LocalUserID string `json:"local_user_id"`
}

// StatsPayload is a periodic snapshot of mediator load, published via MQTT.
type StatsPayload struct {
	Sockets         int  `json:"sockets"`
	TotalQueued     int  `json:"total_queued"`
	QueueLimit      int  `json:"queue_limit"`
	PendingRequests int  `json:"pending_requests"`
	Initialized     bool `json:"initialized"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
