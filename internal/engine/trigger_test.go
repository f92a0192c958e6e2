package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerQueue_CoalescesRequests(t *testing.T) {
	q := newTriggerQueue()

	require.True(t, q.Enqueue(ReasonTimer))
	require.True(t, q.Enqueue(ReasonConnectivity))
	require.True(t, q.Enqueue(ReasonTimer))

	batch, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, []Reason{ReasonTimer, ReasonConnectivity, ReasonTimer}, batch.reasons)
	assert.False(t, batch.explicit)

	_, ok = q.TryDequeue()
	assert.False(t, ok, "batch is taken whole")
}

func TestTriggerQueue_ManualIsExplicit(t *testing.T) {
	q := newTriggerQueue()
	q.Enqueue(ReasonBackground)
	q.Enqueue(ReasonManual)

	batch, ok := q.TryDequeue()
	require.True(t, ok)
	assert.True(t, batch.explicit)

	assert.True(t, ReasonManual.Explicit())
	assert.False(t, ReasonTimer.Explicit())
	assert.False(t, ReasonConnectivity.Explicit())
	assert.False(t, ReasonBackground.Explicit())
}

func TestTriggerQueue_TryDequeue_Empty(t *testing.T) {
	q := newTriggerQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestTriggerQueue_WaitSignals(t *testing.T) {
	q := newTriggerQueue()
	q.Enqueue(ReasonManual)

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected a signal after enqueue")
	}
}

func TestTriggerQueue_Close(t *testing.T) {
	q := newTriggerQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(ReasonManual), "enqueue after close is rejected")

	select {
	case _, ok := <-q.Wait():
		assert.False(t, ok, "wait channel is closed")
	case <-time.After(time.Second):
		t.Fatal("close should wake waiters")
	}
}
