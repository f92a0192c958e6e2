package status

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_SubscribeAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	_, ok := b.Last()
	assert.False(t, ok)

	var got []Snapshot
	unsubscribe := b.Subscribe(func(s Snapshot) { got = append(got, s) })

	b.Publish(Snapshot{PendingCount: 1})
	b.Publish(Snapshot{PendingCount: 1, InProgress: true})
	unsubscribe()
	unsubscribe()
	b.Publish(Snapshot{})

	assert.Equal(t, []Snapshot{{PendingCount: 1}, {PendingCount: 1, InProgress: true}}, got)

	last, ok := b.Last()
	assert.True(t, ok)
	assert.Equal(t, Snapshot{}, last)
}

func TestBroadcaster_SubscribeChanKeepsLatest(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.SubscribeChan(1)

	b.Publish(Snapshot{PendingCount: 3})
	b.Publish(Snapshot{PendingCount: 2})
	b.Publish(Snapshot{PendingCount: 1})

	assert.Equal(t, Snapshot{PendingCount: 1}, <-ch)

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Snapshot{})
}

type fakeActions struct {
	synced  atomic.Int32
	retried atomic.Int32
}

func (f *fakeActions) SyncNow(context.Context) error { f.synced.Add(1); return nil }
func (f *fakeActions) RetryFailed(context.Context) (int, error) {
	f.retried.Add(1)
	return 2, nil
}
func (f *fakeActions) ClearFailed(context.Context) (int, error) {
	return 0, errors.New("store closed")
}

func dial(t *testing.T, b *Broadcaster, actions Actions) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(Handler(b, actions, nil))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	for {
		var m Message
		require.NoError(t, wsjson.Read(ctx, conn, &m))
		if m.Type == msgType {
			return m
		}
	}
}

func TestHandler_StreamsSnapshots(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Snapshot{PendingCount: 1, IsOnline: false})

	conn, ctx := dial(t, b, &fakeActions{})

	first := readUntil(t, ctx, conn, MessageStatus)
	require.NotNil(t, first.Status)
	assert.Equal(t, Snapshot{PendingCount: 1}, *first.Status)

	b.Publish(Snapshot{PendingCount: 0, IsOnline: true})
	next := readUntil(t, ctx, conn, MessageStatus)
	assert.Equal(t, Snapshot{IsOnline: true}, *next.Status)
}

func TestHandler_Actions(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Snapshot{})
	actions := &fakeActions{}
	conn, ctx := dial(t, b, actions)
	readUntil(t, ctx, conn, MessageStatus)

	require.NoError(t, wsjson.Write(ctx, conn, Request{Action: ActionRetryFailed}))
	ack := readUntil(t, ctx, conn, MessageAck)
	assert.Equal(t, ActionRetryFailed, ack.Action)
	assert.Equal(t, 2, ack.Count)
	assert.Equal(t, int32(1), actions.retried.Load())

	require.NoError(t, wsjson.Write(ctx, conn, Request{Action: ActionSyncNow}))
	ack = readUntil(t, ctx, conn, MessageAck)
	assert.Equal(t, ActionSyncNow, ack.Action)
	assert.Equal(t, int32(1), actions.synced.Load())

	require.NoError(t, wsjson.Write(ctx, conn, Request{Action: ActionClearFailed}))
	msg := readUntil(t, ctx, conn, MessageError)
	assert.Equal(t, "store closed", msg.Error)

	require.NoError(t, wsjson.Write(ctx, conn, Request{Action: "reboot"}))
	msg = readUntil(t, ctx, conn, MessageError)
	assert.Equal(t, "reboot", msg.Action)
}

func TestActionFuncs_NilRejects(t *testing.T) {
	var f ActionFuncs
	assert.Error(t, f.SyncNow(context.Background()))
	_, err := f.RetryFailed(context.Background())
	assert.Error(t, err)
}
