package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/payload"
)

// DefaultTimeout bounds each remote call. Expiry is a transient failure.
const DefaultTimeout = 30 * time.Second

// DefaultBucket is the storage bucket for attachment uploads.
const DefaultBucket = "attachments"

// TokenSource returns the bearer token for a request.
type TokenSource func(ctx context.Context) (string, error)

// HTTPClient is a Gateway over a PostgREST-style REST API:
//
//	POST   {base}/rest/v1/{entity}
//	PATCH  {base}/rest/v1/{entity}?id=eq.{id}
//	DELETE {base}/rest/v1/{entity}?id=eq.{id}
//	POST   {base}/storage/v1/object/{bucket}/{path}
type HTTPClient struct {
	base    *url.URL
	bucket  string
	apiKey  string
	token   TokenSource
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithTokenSource sets how bearer tokens are obtained.
func WithTokenSource(ts TokenSource) HTTPOption {
	return func(h *HTTPClient) {
		h.token = ts
	}
}

// WithStaticToken uses a fixed bearer token.
func WithStaticToken(token string) HTTPOption {
	return WithTokenSource(func(context.Context) (string, error) {
		return token, nil
	})
}

// WithAPIKey sends an apikey header on every request.
func WithAPIKey(key string) HTTPOption {
	return func(h *HTTPClient) {
		h.apiKey = key
	}
}

// WithTimeout bounds each call.
//
// Default: 30s (DefaultTimeout)
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		h.timeout = d
	}
}

// WithBucket sets the storage bucket for uploads.
func WithBucket(bucket string) HTTPOption {
	return func(h *HTTPClient) {
		h.bucket = bucket
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		h.logger = logger
	}
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	h := &HTTPClient{
		base:    base,
		bucket:  DefaultBucket,
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Insert implements RecordWriter.
func (h *HTTPClient) Insert(ctx context.Context, entityType string, record payload.Object) (payload.Object, error) {
	body, err := payload.Marshal(record)
	if err != nil {
		return nil, err
	}
	op := "insert " + entityType
	resp, err := h.do(ctx, call{op: op, method: http.MethodPost, url: h.tableURL(entityType, ""), body: body, contentType: "application/json"})
	if err != nil {
		return nil, err
	}
	row, err := decodeRow(resp)
	if err != nil {
		return nil, NewError(Rejected, op, err)
	}
	if row == nil {
		return record.Clone(), nil
	}
	return row, nil
}

// Update implements RecordWriter.
func (h *HTTPClient) Update(ctx context.Context, entityType, id string, patch payload.Object) (payload.Object, error) {
	body, err := payload.Marshal(patch)
	if err != nil {
		return nil, err
	}
	op := "update " + entityType
	resp, err := h.do(ctx, call{op: op, method: http.MethodPatch, url: h.tableURL(entityType, id), body: body, contentType: "application/json"})
	if err != nil {
		return nil, err
	}
	if emptyArray(resp) {
		return nil, NewError(Rejected, op, fmt.Errorf("%w: id %s", ErrNoMatch, id))
	}
	row, err := decodeRow(resp)
	if err != nil {
		return nil, NewError(Rejected, op, err)
	}
	return row, nil
}

// Delete implements RecordWriter.
func (h *HTTPClient) Delete(ctx context.Context, entityType, id string) error {
	op := "delete " + entityType
	resp, err := h.do(ctx, call{op: op, method: http.MethodDelete, url: h.tableURL(entityType, id)})
	if err != nil {
		return err
	}
	if emptyArray(resp) {
		return NewError(Rejected, op, fmt.Errorf("%w: id %s", ErrNoMatch, id))
	}
	return nil
}

// UploadBlob implements BlobUploader. Uploads overwrite, so a resend after
// a crash stores the same object again.
func (h *HTTPClient) UploadBlob(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	objectPath := h.bucket + "/" + strings.TrimLeft(path, "/")
	u := h.base.JoinPath("storage", "v1", "object", objectPath)
	_, err := h.do(ctx, call{
		op:          "upload " + path,
		method:      http.MethodPost,
		url:         u.String(),
		body:        data,
		contentType: contentType,
		upsert:      true,
	})
	if err != nil {
		return "", err
	}
	return h.base.JoinPath("storage", "v1", "object", "public", objectPath).String(), nil
}

func (h *HTTPClient) tableURL(entityType, id string) string {
	u := h.base.JoinPath("rest", "v1", entityType)
	if id != "" {
		u.RawQuery = url.Values{"id": {"eq." + id}}.Encode()
	}
	return u.String()
}

type call struct {
	op          string
	method      string
	url         string
	body        []byte
	contentType string
	upsert      bool
}

func (h *HTTPClient) do(ctx context.Context, c call) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	op := c.op
	var reader io.Reader
	if c.body != nil {
		reader = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, reader)
	if err != nil {
		return nil, NewError(Rejected, op, err)
	}
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if c.upsert {
		req.Header.Set("x-upsert", "true")
	}
	if h.apiKey != "" {
		req.Header.Set("apikey", h.apiKey)
	}
	if h.token != nil {
		token, err := h.token(ctx)
		if err != nil {
			return nil, NewError(Auth, op, fmt.Errorf("token: %w", err))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if key, ok := IdempotencyKey(ctx); ok {
		req.Header.Set("Idempotency-Key", key)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, NewError(Transient, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(Transient, op, fmt.Errorf("read response: %w", err))
	}

	h.logger.Debug("gateway call",
		"op", op,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, &Error{
		Kind:       StatusKind(resp.StatusCode),
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(data, resp.Status),
	}
}

// decodeRow reads a PostgREST representation: an array of rows or a single
// object. Returns nil for an empty body or empty array.
func decodeRow(data []byte) (payload.Object, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		data = rows[0]
	}
	row, err := payload.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return row, nil
}

// emptyArray reports whether a representation body is "[]". PostgREST
// answers a PATCH or DELETE that filtered out every row this way, while
// an empty body means the server did not return a representation at all.
func emptyArray(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return false
	}
	var rows []json.RawMessage
	return json.Unmarshal(data, &rows) == nil && len(rows) == 0
}

// errorMessage extracts the "message" field of a JSON error body, falling
// back to the HTTP status text.
func errorMessage(body []byte, status string) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return status
}

var _ Gateway = (*HTTPClient)(nil)
