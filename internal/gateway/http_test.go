package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/payload"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

type backend struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func newBackend(t *testing.T, status int, body string) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{status: status, body: body}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(data),
		})
		status, body := b.status, b.body
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *backend) last(t *testing.T) recordedRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.requests)
	return b.requests[len(b.requests)-1]
}

func newClient(t *testing.T, url string, opts ...HTTPOption) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(url, opts...)
	require.NoError(t, err)
	return c
}

func TestHTTPClient_Insert(t *testing.T) {
	b, srv := newBackend(t, http.StatusCreated, `[{"id":"j-100","title":"Fix HVAC","status":"open"}]`)
	c := newClient(t, srv.URL, WithStaticToken("tok"), WithAPIKey("anon"))

	ctx := WithIdempotencyKey(context.Background(), "m-1")
	row, err := c.Insert(ctx, "jobs", payload.Object{"title": "Fix HVAC"})
	require.NoError(t, err)
	assert.Equal(t, payload.Object{"id": "j-100", "title": "Fix HVAC", "status": "open"}, row)

	req := b.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/rest/v1/jobs", req.Path)
	assert.JSONEq(t, `{"title":"Fix HVAC"}`, req.Body)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "anon", req.Header.Get("apikey"))
	assert.Equal(t, "m-1", req.Header.Get("Idempotency-Key"))
	assert.Equal(t, "return=representation", req.Header.Get("Prefer"))
}

func TestHTTPClient_InsertWithoutRepresentation(t *testing.T) {
	_, srv := newBackend(t, http.StatusCreated, "")
	c := newClient(t, srv.URL)

	row, err := c.Insert(context.Background(), "jobs", payload.Object{"id": "j-1", "title": "a"})
	require.NoError(t, err)
	assert.Equal(t, payload.Object{"id": "j-1", "title": "a"}, row)
}

func TestHTTPClient_UpdateAndDelete(t *testing.T) {
	b, srv := newBackend(t, http.StatusOK, `[{"id":"i1","quantity":12}]`)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	row, err := c.Update(ctx, "inventory_items", "i1", payload.Object{"quantity": int64(12)})
	require.NoError(t, err)
	assert.Equal(t, int64(12), row["quantity"])

	req := b.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "/rest/v1/inventory_items", req.Path)
	assert.Equal(t, "id=eq.i1", req.Query)
	assert.Empty(t, req.Header.Get("Idempotency-Key"))

	require.NoError(t, c.Delete(ctx, "inventory_items", "i1"))
	req = b.last(t)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "id=eq.i1", req.Query)
	assert.Empty(t, req.Body)
}

func TestHTTPClient_UpdateAndDeleteMatchingNothingAreRejected(t *testing.T) {
	_, srv := newBackend(t, http.StatusOK, `[]`)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	row, err := c.Update(ctx, "jobs", "local-id", payload.Object{"status": "done"})
	require.Error(t, err)
	assert.Nil(t, row)
	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, ErrNoMatch)

	err = c.Delete(ctx, "jobs", "local-id")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestHTTPClient_UpdateWithoutRepresentation(t *testing.T) {
	_, srv := newBackend(t, http.StatusNoContent, "")
	c := newClient(t, srv.URL)

	row, err := c.Update(context.Background(), "jobs", "j-1", payload.Object{"status": "done"})
	require.NoError(t, err)
	assert.Nil(t, row)
	require.NoError(t, c.Delete(context.Background(), "jobs", "j-1"))
}

func TestHTTPClient_UploadBlob(t *testing.T) {
	b, srv := newBackend(t, http.StatusOK, `{"Key":"attachments/inventory_items/m-1/a.jpg"}`)
	c := newClient(t, srv.URL, WithBucket("photos"))

	url, err := c.UploadBlob(context.Background(), "inventory_items/m-1/a.jpg", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/photos/inventory_items/m-1/a.jpg", url)

	req := b.last(t)
	assert.Equal(t, "/storage/v1/object/photos/inventory_items/m-1/a.jpg", req.Path)
	assert.Equal(t, "image/jpeg", req.Header.Get("Content-Type"))
	assert.Equal(t, "true", req.Header.Get("x-upsert"))
	assert.Equal(t, "jpeg", req.Body)
}

func TestHTTPClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, Auth},
		{http.StatusForbidden, Auth},
		{http.StatusRequestTimeout, Transient},
		{http.StatusTooManyRequests, Transient},
		{http.StatusInternalServerError, Transient},
		{http.StatusServiceUnavailable, Transient},
		{http.StatusBadRequest, Rejected},
		{http.StatusConflict, Rejected},
		{http.StatusUnprocessableEntity, Rejected},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			_, srv := newBackend(t, tt.status, `{"message":"nope"}`)
			c := newClient(t, srv.URL)

			_, err := c.Insert(context.Background(), "jobs", payload.Object{"title": "x"})
			require.Error(t, err)

			var gwErr *Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tt.want, gwErr.Kind)
			assert.Equal(t, tt.status, gwErr.StatusCode)
			assert.Equal(t, "nope", gwErr.Message)
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := newClient(t, srv.URL, WithTimeout(20*time.Millisecond))
	err := c.Delete(context.Background(), "jobs", "j1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPClient_ConnectionRefusedIsTransient(t *testing.T) {
	_, srv := newBackend(t, http.StatusOK, "")
	c := newClient(t, srv.URL)
	srv.Close()

	_, err := c.Insert(context.Background(), "jobs", payload.Object{"title": "x"})
	assert.True(t, IsTransient(err))
}

func TestHTTPClient_TokenFailureIsAuth(t *testing.T) {
	_, srv := newBackend(t, http.StatusOK, "")
	c := newClient(t, srv.URL, WithTokenSource(func(context.Context) (string, error) {
		return "", errors.New("refresh token expired")
	}))

	err := c.Delete(context.Background(), "jobs", "j1")
	assert.True(t, IsAuth(err))
}

func TestNewHTTPClient_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPClient("ftp://example.com")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Transient, Classify(errors.New("boom")))
	assert.Equal(t, Transient, Classify(context.DeadlineExceeded))
	assert.Equal(t, Rejected, Classify(NewError(Rejected, "insert jobs", errors.New("dup"))))
	assert.False(t, IsTransient(nil))

	wrapped := errors.Join(errors.New("context"), NewError(Auth, "update jobs", nil))
	assert.True(t, IsAuth(wrapped))
}

func TestIdempotencyKey(t *testing.T) {
	_, ok := IdempotencyKey(context.Background())
	assert.False(t, ok)

	key, ok := IdempotencyKey(WithIdempotencyKey(context.Background(), "m-7"))
	assert.True(t, ok)
	assert.Equal(t, "m-7", key)
}
