package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// User actions accepted over the status stream.
const (
	ActionSyncNow     = "sync_now"
	ActionRetryFailed = "retry_failed"
	ActionClearFailed = "clear_failed"
)

// Message types sent to clients.
const (
	MessageStatus = "status"
	MessageAck    = "ack"
	MessageError  = "error"
)

// Actions performs the user actions offered by a status indicator.
type Actions interface {
	SyncNow(ctx context.Context) error
	RetryFailed(ctx context.Context) (int, error)
	ClearFailed(ctx context.Context) (int, error)
}

// ActionFuncs adapts plain functions to Actions. Nil fields reject the action.
type ActionFuncs struct {
	SyncNowFunc     func(ctx context.Context) error
	RetryFailedFunc func(ctx context.Context) (int, error)
	ClearFailedFunc func(ctx context.Context) (int, error)
}

var errUnsupported = errors.New("action not supported")

func (f ActionFuncs) SyncNow(ctx context.Context) error {
	if f.SyncNowFunc == nil {
		return errUnsupported
	}
	return f.SyncNowFunc(ctx)
}

func (f ActionFuncs) RetryFailed(ctx context.Context) (int, error) {
	if f.RetryFailedFunc == nil {
		return 0, errUnsupported
	}
	return f.RetryFailedFunc(ctx)
}

func (f ActionFuncs) ClearFailed(ctx context.Context) (int, error) {
	if f.ClearFailedFunc == nil {
		return 0, errUnsupported
	}
	return f.ClearFailedFunc(ctx)
}

// Message is a server-to-client frame.
type Message struct {
	Type   string    `json:"type"`
	Status *Snapshot `json:"status,omitempty"`
	Action string    `json:"action,omitempty"`
	Count  int       `json:"count,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Request is a client-to-server frame.
type Request struct {
	Action string `json:"action"`
}

const writeTimeout = 5 * time.Second

// Handler serves the status stream over WebSocket. Each connection first
// receives the latest snapshot, then every published one, and may send
// Requests to trigger actions.
func Handler(b *Broadcaster, actions Actions, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			logger.Warn("status websocket upgrade failed", "error", err)
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		updates, unsubscribe := b.SubscribeChan(8)
		defer unsubscribe()

		send := func(m Message) error {
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			defer wcancel()
			return wsjson.Write(wctx, conn, m)
		}

		if last, ok := b.Last(); ok {
			if err := send(Message{Type: MessageStatus, Status: &last}); err != nil {
				return
			}
		}

		go func() {
			defer cancel()
			for {
				var req Request
				if err := wsjson.Read(ctx, conn, &req); err != nil {
					return
				}
				if err := send(perform(ctx, actions, req.Action)); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case s, ok := <-updates:
				if !ok {
					return
				}
				if err := send(Message{Type: MessageStatus, Status: &s}); err != nil {
					return
				}
			}
		}
	})
}

func perform(ctx context.Context, actions Actions, action string) Message {
	var (
		n   int
		err error
	)
	switch action {
	case ActionSyncNow:
		err = actions.SyncNow(ctx)
	case ActionRetryFailed:
		n, err = actions.RetryFailed(ctx)
	case ActionClearFailed:
		n, err = actions.ClearFailed(ctx)
	default:
		err = errors.New("unknown action")
	}
	if err != nil {
		return Message{Type: MessageError, Action: action, Error: err.Error()}
	}
	return Message{Type: MessageAck, Action: action, Count: n}
}
