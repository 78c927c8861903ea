// Package protocol defines the packet model shared by the mediator and its
// transport, and the binary frame codec used by the UDP transport. All
// multi-byte fields use little-endian byte order; strings carry a 1-byte
// length prefix.
package protocol

// Event-type tag carried in the first payload byte of every mediated packet.
// The tag is written by the sending peer and never stripped by the mediator;
// it only decides queue placement.
const (
	PacketEventData         byte = 0x00 // Ordinary session traffic
	PacketEventPeerIdentity byte = 0x01 // Peer identity exchange, delivered ahead of queued traffic
)

// Frame kinds on the datagram wire.
const (
	FrameData    byte = 0x10 // Mediated packet: socket, sender, channel, payload
	FrameConnect byte = 0x11 // Remote wants to connect to a socket
	FrameClose   byte = 0x12 // Remote closed its connection to a socket
	FramePing    byte = 0x13 // Liveness probe from a connected remote
)

// WireMagic is the leading byte of every partyline datagram. Datagrams
// without it are not ours and are dropped before parsing.
const WireMagic byte = 0xA7

// MaxPacketSize is the hard cap for a single mediated payload.
const MaxPacketSize = 65535

// MaxDescriptorLen bounds socket descriptors and user identifiers on the wire.
const MaxDescriptorLen = 255

// Packet is one mediated packet as held in a per-socket queue. It is
// immutable after construction: created on ingestion, shared with its queue,
// released when polled or when the queue is cleared.
type Packet struct {
	Data         []byte
	Channel      uint8
	RemoteUserID string
}

// EventType returns the leading event-type tag, or PacketEventData for an
// empty payload.
func (p *Packet) EventType() byte {
	if len(p.Data) == 0 {
		return PacketEventData
	}
	return p.Data[0]
}

// IsPeerIdentity reports whether this packet carries peer identity data and
// must be delivered ahead of ordinary traffic on the same socket.
func (p *Packet) IsPeerIdentity() bool {
	return p.EventType() == PacketEventPeerIdentity
}
