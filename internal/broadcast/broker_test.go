package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedmux/feedmux/internal/progress"
)

func keepAlive() progress.Envelope {
	return progress.Envelope{Type: progress.TypeKeepAlive}
}

// TestBrokerFanOut verifies every live observer receives each broadcast.
func TestBrokerFanOut(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{Buffer: 4})
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	require.Equal(t, 2, b.Len())

	b.Broadcast(keepAlive())
	require.Equal(t, progress.TypeKeepAlive, (<-s1.C).Type)
	require.Equal(t, progress.TypeKeepAlive, (<-s2.C).Type)
}

// TestBrokerSlowObserverIsolated verifies a full observer buffer drops that
// observer's frame without blocking the producer or the other observers.
func TestBrokerSlowObserverIsolated(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{Buffer: 1})
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Broadcast(keepAlive())
		b.Broadcast(keepAlive()) // slow observer's buffer is now full
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow observer")
	}

	require.Len(t, fast.C, 2)
	require.Len(t, slow.C, 1)
	require.Equal(t, int64(1), b.Dropped())
}

// TestBrokerDroppedIsMonotonic verifies the drop counter keeps accumulating
// across the rate-limited warning, so delta-based metrics never undercount.
func TestBrokerDroppedIsMonotonic(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{Buffer: 1})
	defer b.Close()

	slow := b.Subscribe()
	defer slow.Cancel()

	// First broadcast fills the buffer; the next three each drop, and the
	// first drop fires the warning.
	for i := 0; i < 4; i++ {
		b.Broadcast(keepAlive())
	}
	require.Equal(t, int64(3), b.Dropped())
}

// TestBrokerCancelPrunesObserver verifies cancellation detaches the observer
// and closes its channel, leaving others untouched.
func TestBrokerCancelPrunesObserver(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{})
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	s1.Cancel()
	s1.Cancel() // idempotent
	require.Equal(t, 1, b.Len())

	_, open := <-s1.C
	require.False(t, open)

	b.Broadcast(keepAlive())
	require.Equal(t, progress.TypeKeepAlive, (<-s2.C).Type)
}

// TestBrokerClose verifies shutdown closes all channels and later
// subscriptions arrive pre-closed.
func TestBrokerClose(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{})
	s := b.Subscribe()
	b.Close()
	b.Close() // idempotent

	_, open := <-s.C
	require.False(t, open)
	require.Zero(t, b.Len())

	late := b.Subscribe()
	_, open = <-late.C
	require.False(t, open)

	b.Broadcast(keepAlive()) // no-op, must not panic
}
