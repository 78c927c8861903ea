package mediator

import "github.com/partyline-project/partyline/internal/protocol"

// packetQueue is one socket's inbound packet buffer. Ordering is FIFO with
// one exception: peer-identity packets are pushed to the front so a consumer
// always learns who it is talking to before reading ordinary traffic.
type packetQueue struct {
	packets []protocol.Packet
}

func (q *packetQueue) pushBack(p protocol.Packet) {
	q.packets = append(q.packets, p)
}

func (q *packetQueue) pushFront(p protocol.Packet) {
	q.packets = append([]protocol.Packet{p}, q.packets...)
}

func (q *packetQueue) popFront() (protocol.Packet, bool) {
	if len(q.packets) == 0 {
		return protocol.Packet{}, false
	}
	p := q.packets[0]
	q.packets = q.packets[1:]
	return p, true
}

func (q *packetQueue) peekFront() (protocol.Packet, bool) {
	if len(q.packets) == 0 {
		return protocol.Packet{}, false
	}
	return q.packets[0], true
}

func (q *packetQueue) len() int {
	return len(q.packets)
}

// countFrom reports how many queued packets were sent by remoteUserID.
func (q *packetQueue) countFrom(remoteUserID string) int {
	count := 0
	for _, p := range q.packets {
		if p.RemoteUserID == remoteUserID {
			count++
		}
	}
	return count
}

// removeFrom drops every packet sent by remoteUserID and reports how many
// were dropped. The relative order of the remaining packets is unchanged.
func (q *packetQueue) removeFrom(remoteUserID string) int {
	kept := q.packets[:0]
	removed := 0
	for _, p := range q.packets {
		if p.RemoteUserID == remoteUserID {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(q.packets); i++ {
		q.packets[i] = protocol.Packet{}
	}
	q.packets = kept
	return removed
}

// clear empties the queue and reports how many packets were dropped.
func (q *packetQueue) clear() int {
	dropped := len(q.packets)
	q.packets = nil
	return dropped
}
