package congestion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWindowDefaultsCapacity(t *testing.T) {
	w := NewWindow(0)
	require.Equal(t, 8, w.Capacity())
}

func TestPushAndBackpressure(t *testing.T) {
	w := NewWindow(4)
	w.Push(1)
	w.Push(2)
	require.Equal(t, 2, w.Backpressure())
	require.Equal(t, 2, w.Len())
	require.False(t, w.Saturated())
}

func TestPushEvictsOldestWhenFull(t *testing.T) {
	w := NewWindow(2)
	w.Push(1)
	w.Push(2)
	require.True(t, w.Saturated())
	w.Push(3)
	require.Equal(t, 2, w.Backpressure())
	// id 1 should have been evicted; acking it should fall into the
	// not-found path rather than sliding any real entries off.
	w.Ack(1)
	require.Equal(t, 1, w.Backpressure())
}

func TestAckConsumesUpToMatchedEntry(t *testing.T) {
	w := NewWindow(8)
	w.Push(1)
	w.Push(2)
	w.Push(3)
	w.Ack(2)
	require.Equal(t, 1, w.Backpressure())
}

func TestAckUnknownIDClearsOrTruncatesToTail(t *testing.T) {
	w := NewWindow(8)
	w.Push(1)
	w.Push(2)
	w.Push(3)
	w.Ack(999)
	require.Equal(t, 1, w.Backpressure())
}

func TestAckOnSingleEntryIsNoop(t *testing.T) {
	w := NewWindow(8)
	w.Push(1)
	w.Ack(999)
	require.Equal(t, 1, w.Backpressure())
}

func TestAckOnEmptyWindowIsNoop(t *testing.T) {
	w := NewWindow(4)
	require.NotPanics(t, func() { w.Ack(5) })
	require.Equal(t, 0, w.Backpressure())
}
