// Package transport carries thingsync requests to a gateway. Requester is
// the round-trip contract the protocol consumes; HTTP implements it over
// net/http and Stream follows the gateway's WebSocket message feed.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Requester performs single JSON round trips against a gateway. Each call
// either returns the decoded response body or an error, exactly once.
type Requester interface {
	PutJSON(ctx context.Context, url string, payload any) (json.RawMessage, error)
	GetJSON(ctx context.Context, url string) (json.RawMessage, error)
}

// Editor changes and deletes gateway resources.
type Editor interface {
	PatchJSON(ctx context.Context, url string, payload any) (json.RawMessage, error)
	DeleteJSON(ctx context.Context, url string) (json.RawMessage, error)
}

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// maxBody caps how much of a response is read.
const maxBody = 10 << 20

// HTTP implements Requester and Editor over net/http.
type HTTP struct {
	client *http.Client
	header http.Header
	log    *zap.Logger
}

// Option configures an HTTP requester.
type Option func(*HTTP)

// WithClient replaces the default http.Client.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(h *HTTP) {
		if token != "" {
			h.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(h *HTTP) {
		h.header.Add(key, value)
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(log *zap.Logger) Option {
	return func(h *HTTP) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHTTP returns a requester with a 30 second client timeout unless
// WithClient overrides it.
func NewHTTP(opts ...Option) *HTTP {
	h := &HTTP{
		client: &http.Client{Timeout: 30 * time.Second},
		header: make(http.Header),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.Named("transport")
	return h
}

// PutJSON implements Requester.PutJSON.
func (h *HTTP) PutJSON(ctx context.Context, url string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return h.do(ctx, http.MethodPut, url, bytes.NewReader(body))
}

// GetJSON implements Requester.GetJSON.
func (h *HTTP) GetJSON(ctx context.Context, url string) (json.RawMessage, error) {
	return h.do(ctx, http.MethodGet, url, nil)
}

// PatchJSON implements Editor.PatchJSON.
func (h *HTTP) PatchJSON(ctx context.Context, url string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return h.do(ctx, http.MethodPatch, url, bytes.NewReader(body))
}

// DeleteJSON implements Editor.DeleteJSON.
func (h *HTTP) DeleteJSON(ctx context.Context, url string) (json.RawMessage, error) {
	return h.do(ctx, http.MethodDelete, url, nil)
}

func (h *HTTP) do(ctx context.Context, method, url string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range h.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, url, err)
	}
	h.log.Debug("request done",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: response is not valid JSON", method, url)
	}
	return json.RawMessage(data), nil
}
