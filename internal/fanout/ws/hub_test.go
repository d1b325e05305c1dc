package ws

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestConnection(t *testing.T, apiKeyID, tier string) *connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return &connection{
		conn:     server,
		rw:       bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)),
		apiKeyID: apiKeyID,
		tier:     tier,
	}
}

func TestHub_RegisterUnregisterTracksPerKeyCount(t *testing.T) {
	h := NewHub(zerolog.New(io.Discard))
	c1 := newTestConnection(t, "key-1", "free")
	c2 := newTestConnection(t, "key-1", "free")

	h.register(c1)
	h.register(c2)
	assert.Equal(t, 2, h.countForKey("key-1"))
	assert.Equal(t, 2, h.ConnectionCount())

	h.unregister(c1)
	assert.Equal(t, 1, h.countForKey("key-1"))
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestTierOrdinal_OrdersAscending(t *testing.T) {
	assert.True(t, TierOrdinal("free") > TierOrdinal("public"))
	assert.True(t, TierOrdinal("standard") > TierOrdinal("free"))
	assert.True(t, TierOrdinal("premium") > TierOrdinal("standard"))
	assert.True(t, TierOrdinal("internal") > TierOrdinal("premium"))
}

func TestHub_SnapshotReflectsRegisteredConnections(t *testing.T) {
	h := NewHub(zerolog.New(io.Discard))
	c1 := newTestConnection(t, "key-1", "free")
	c2 := newTestConnection(t, "key-2", "premium")
	h.register(c1)
	h.register(c2)

	snap := h.snapshot()
	assert.Len(t, snap, 2)
}

func TestConnection_SendFailsAfterClose(t *testing.T) {
	c := newTestConnection(t, "key-1", "free")
	c.close()
	err := c.send(Message{Event: "k", Data: 1, Ts: 0})
	assert.Error(t, err)
}
