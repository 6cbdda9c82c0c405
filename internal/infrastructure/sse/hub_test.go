package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastFiltersBySubject(t *testing.T) {
	h := NewHub()
	all := NewClient("all", nil, 4)
	settled := NewClient("settled", []string{"escrow.session_completed"}, 4)
	h.Register(all)
	h.Register(settled)
	require.Equal(t, 2, h.ClientCount())

	h.Broadcast("escrow.session_created", "tx-1:0", map[string]int{"sessionId": 1})
	h.Broadcast("escrow.session_completed", "tx-2:0", map[string]int{"sessionId": 1})

	require.Len(t, all.C, 2)
	require.Len(t, settled.C, 1)
	msg := <-settled.C
	assert.Equal(t, "tx-2:0", msg.ID)
	assert.JSONEq(t, `{"sessionId":1}`, string(msg.Data))
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := NewHub()
	c := NewClient("slow", nil, 1)
	h.Register(c)

	h.Broadcast("escrow.a", "1", 1)
	h.Broadcast("escrow.a", "2", 2)
	assert.Equal(t, uint64(1), h.Dropped())
	assert.Equal(t, "1", (<-c.C).ID)
}

func TestRegisterReplacesClient(t *testing.T) {
	h := NewHub()
	first := NewClient("dup", nil, 1)
	second := NewClient("dup", nil, 1)
	h.Register(first)
	h.Register(second)

	_, open := <-first.C
	assert.False(t, open)

	// Unregistering the replaced client leaves the live one in place.
	h.Unregister(first)
	assert.Equal(t, 1, h.ClientCount())

	h.Unregister(second)
	_, open = <-second.C
	assert.False(t, open)
	assert.Zero(t, h.ClientCount())
}

func TestStopClosesClients(t *testing.T) {
	h := NewHub()
	c := NewClient("c", nil, 0)
	h.Register(c)
	h.Stop()
	_, open := <-c.C
	assert.False(t, open)
	assert.Zero(t, h.ClientCount())
}
