package mediator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyline-project/partyline/internal/protocol"
)

func pkt(remote, body string) protocol.Packet {
	return protocol.Packet{Data: []byte(body), RemoteUserID: remote}
}

func TestPacketQueueOrdering(t *testing.T) {
	q := &packetQueue{}
	q.pushBack(pkt("a", "1"))
	q.pushBack(pkt("a", "2"))
	q.pushFront(pkt("b", "id"))

	front, ok := q.peekFront()
	require.True(t, ok)
	assert.Equal(t, "id", string(front.Data))
	assert.Equal(t, 3, q.len())

	var order []string
	for {
		p, ok := q.popFront()
		if !ok {
			break
		}
		order = append(order, string(p.Data))
	}
	assert.Equal(t, []string{"id", "1", "2"}, order)

	_, ok = q.peekFront()
	assert.False(t, ok)
}

func TestPacketQueueRemoveFrom(t *testing.T) {
	q := &packetQueue{}
	q.pushBack(pkt("keep", "1"))
	q.pushBack(pkt("drop", "2"))
	q.pushBack(pkt("keep", "3"))
	q.pushBack(pkt("drop", "4"))

	assert.Equal(t, 2, q.countFrom("drop"))
	assert.Equal(t, 2, q.removeFrom("drop"))
	assert.Zero(t, q.countFrom("drop"))

	var order []string
	for {
		p, ok := q.popFront()
		if !ok {
			break
		}
		order = append(order, string(p.Data))
	}
	assert.Equal(t, []string{"1", "3"}, order)

	assert.Zero(t, q.removeFrom("drop"))
}

func TestPacketQueueClear(t *testing.T) {
	q := &packetQueue{}
	q.pushBack(pkt("a", "1"))
	q.pushBack(pkt("a", "2"))

	assert.Equal(t, 2, q.clear())
	assert.Zero(t, q.len())
	assert.Zero(t, q.clear())
}
