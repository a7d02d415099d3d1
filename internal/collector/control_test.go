package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testControl(sessions, channelCap int) (*Control, *ConnectionPool) {
	buffer := NewTickBuffer(16, 16, 16)
	stats := &Stats{}
	pool := NewConnectionPool(sessions, channelCap, "wss://127.0.0.1:1/ws", buffer, stats)
	partitioner := NewPartitioner(sessions, channelCap)
	return NewControl(pool, partitioner), pool
}

func TestControlSubscribePlacesInstruments(t *testing.T) {
	control, pool := testControl(2, 100)
	names := []string{"BTC-26SEP25-100000-C", "BTC-26SEP25-90000-P", "BTC-PERPETUAL"}

	result := control.Subscribe(names)

	assert.ElementsMatch(t, names, result.Subscribed)
	assert.Equal(t, 3, result.TotalInstruments)
	assert.ElementsMatch(t, names, pool.TrackedInstruments())
}

func TestControlSubscribePlacementIsStable(t *testing.T) {
	control, _ := testControl(3, 100)
	control.Subscribe([]string{"BTC-26SEP25-100000-C"})

	first, ok := control.Which("BTC-26SEP25-100000-C")
	require.True(t, ok)

	// resubscribing must not move the instrument
	result := control.Subscribe([]string{"BTC-26SEP25-100000-C"})
	assert.Equal(t, []string{"BTC-26SEP25-100000-C"}, result.AlreadySubscribed)

	second, ok := control.Which("BTC-26SEP25-100000-C")
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestControlUnsubscribeFindsOwningSession(t *testing.T) {
	control, pool := testControl(3, 100)
	control.Subscribe([]string{"BTC-26SEP25-100000-C", "BTC-26SEP25-90000-P"})

	result := control.Unsubscribe([]string{"BTC-26SEP25-100000-C", "BTC-UNKNOWN"})

	assert.Equal(t, []string{"BTC-26SEP25-100000-C"}, result.Unsubscribed)
	assert.Equal(t, []string{"BTC-UNKNOWN"}, result.NotFound)
	assert.Equal(t, []string{"BTC-26SEP25-90000-P"}, pool.TrackedInstruments())

	_, ok := control.Which("BTC-26SEP25-100000-C")
	assert.False(t, ok)
}

func TestControlSubscribeFailsWhenEverySessionFull(t *testing.T) {
	control, _ := testControl(2, 4) // 2 instruments per session
	full := control.Subscribe([]string{"A", "B", "C", "D"})
	require.Len(t, full.Subscribed, 4)

	overflow := control.Subscribe([]string{"E"})

	assert.Empty(t, overflow.Subscribed)
	require.Len(t, overflow.Failed, 1)
	assert.Equal(t, "capacity_exceeded", overflow.Failed[0].Error)
}

func TestControlApplyMovesMigrates(t *testing.T) {
	control, pool := testControl(2, 100)
	control.Subscribe([]string{"A", "B"})

	source, ok := control.Which("A")
	require.True(t, ok)
	destination := 1 - source

	migrated := control.ApplyMoves([]Move{
		{SessionID: source, Op: "unsubscribe", Instruments: []string{"A"}},
		{SessionID: destination, Op: "subscribe", Instruments: []string{"A"}},
	})

	assert.Equal(t, 1, migrated)
	now, ok := control.Which("A")
	require.True(t, ok)
	assert.Equal(t, destination, now)
	assert.ElementsMatch(t, []string{"A", "B"}, pool.TrackedInstruments())
}
