package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_OnlyTransitionsNotify(t *testing.T) {
	m := NewManual(false)

	var got []bool
	unsubscribe := m.OnChange(func(online bool) { got = append(got, online) })

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.IsOnline())

	unsubscribe()
	m.SetOnline(true)
	assert.Len(t, got, 2)
	assert.True(t, m.IsOnline())
}

func TestProber_Check(t *testing.T) {
	var fail atomic.Bool
	p := NewProber(func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})
	assert.False(t, p.IsOnline(), "offline until the first probe")

	var changes []bool
	p.OnChange(func(online bool) { changes = append(changes, online) })

	assert.True(t, p.Check(context.Background()))
	assert.True(t, p.Check(context.Background()))
	fail.Store(true)
	assert.False(t, p.Check(context.Background()))

	assert.Equal(t, []bool{true, false}, changes)
}

func TestProber_InitialState(t *testing.T) {
	p := NewProber(func(ctx context.Context) error { return nil }, WithInitialState(true))
	assert.True(t, p.IsOnline())
}

func TestProber_ProbeTimeout(t *testing.T) {
	p := NewProber(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithProbeTimeout(10*time.Millisecond), WithInitialState(true))

	assert.False(t, p.Check(context.Background()))
}

func TestProber_Run(t *testing.T) {
	var calls atomic.Int32
	p := NewProber(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, WithInterval(5*time.Millisecond))

	online := make(chan bool, 1)
	p.OnChange(func(v bool) { online <- v })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case v := <-online:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("prober never reported online")
	}

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHTTPProbe(t *testing.T) {
	var method atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	probe := HTTPProbe(srv.Client(), srv.URL+"/rest/v1/")
	require.NoError(t, probe(context.Background()), "any response means reachable")
	assert.Equal(t, http.MethodHead, method.Load())

	srv.Close()
	assert.Error(t, probe(context.Background()))
}
