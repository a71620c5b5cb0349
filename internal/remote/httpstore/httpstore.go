// Package httpstore is a remote.Store backed by the formsync document
// service API. Live subscriptions use the service's WebSocket watch
// endpoint.
package httpstore

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
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/types"
)

// maxMessageBytes bounds a single watch message.
const maxMessageBytes = 32 << 20

// Client talks to one document service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

var _ remote.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, which has a 30 second
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New returns a client for the service at baseURL, for example
// "https://forms.example.com". apiKey is sent as a bearer token.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/") + "/api/v1",
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "httpstore")
	return c
}

func (c *Client) Create(ctx context.Context, collection string, doc types.Document) (string, error) {
	if err := remote.CheckDocument(doc); err != nil {
		return "", err
	}
	var resp types.CreateResponse
	if err := c.do(ctx, "create", http.MethodPost, c.documentsURL(collection, ""), doc, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: create returned no id", remote.ErrRejected)
	}
	return resp.ID, nil
}

func (c *Client) Update(ctx context.Context, collection, id string, patch types.Patch) error {
	if err := remote.CheckPatch(patch); err != nil {
		return err
	}
	return c.do(ctx, "update", http.MethodPatch, c.documentsURL(collection, id), patch, http.StatusNoContent, nil)
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, c.documentsURL(collection, id), nil, http.StatusNoContent, nil)
}

func (c *Client) List(ctx context.Context, collection string, order types.Order) ([]types.Document, error) {
	u := c.documentsURL(collection, "") + "?" + orderQuery(order)
	var resp types.ListResponse
	if err := c.do(ctx, "list", http.MethodGet, u, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return remote.Sanitize(c.logger, collection, resp.Documents), nil
}

// Ping calls the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var resp types.HealthResponse
	return c.do(ctx, "ping", http.MethodGet, c.baseURL+"/health", nil, http.StatusOK, &resp)
}

// Subscribe opens a watch connection. The first message carries the
// current collection; each later one follows a change. A dropped
// connection is reported once through onError.
func (c *Client) Subscribe(ctx context.Context, collection string, order types.Order,
	onChange func([]types.Document), onError func(error)) (func(), error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/collections/" + url.PathEscape(collection) + "/watch?" + orderQuery(order)

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	// The connection outlives any client timeout; ctx bounds the handshake.
	wsClient := *c.http
	wsClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &wsClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, classify("subscribe", resp)
		}
		return nil, remote.Unavailable("subscribe", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	watchCtx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			conn.Close(websocket.StatusNormalClosure, "")
		})
	}

	go func() {
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(watchCtx)
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				c.logger.Warn("watch connection lost", "collection", collection, "error", err)
				if onError != nil {
					onError(remote.Unavailable("subscribe", err))
				}
				return
			}
			var msg types.ListResponse
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn("dropping malformed watch message", "collection", collection, "error", err)
				continue
			}
			onChange(remote.Sanitize(c.logger, collection, msg.Documents))
		}
	}()

	return unsubscribe, nil
}

func (c *Client) documentsURL(collection, id string) string {
	u := c.baseURL + "/collections/" + url.PathEscape(collection) + "/documents"
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func orderQuery(order types.Order) string {
	if !order.Valid() {
		order = types.DefaultOrder
	}
	q := url.Values{}
	q.Set("order_by", string(order.Field))
	q.Set("direction", string(order.Direction))
	return q.Encode()
}

// do sends one request and decodes the response into out when it is
// non-nil. Any status other than want is classified.
func (c *Client) do(ctx context.Context, op, method, u string, body any, want int, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return remote.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return classify(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// StatusError is an unexpected response from the service. It unwraps
// to the remote error class the status maps to.
type StatusError struct {
	Op     string
	Code   int
	Detail string
	kind   error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v: status %d: %s", e.Op, e.kind, e.Code, e.Detail)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// classify maps an unexpected response to the remote error taxonomy.
// Server-side, throttling and credential failures stay retryable; other
// client errors are permanent.
func classify(op string, resp *http.Response) error {
	e := &StatusError{Op: op, Code: resp.StatusCode, Detail: problemDetail(resp.Body)}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		e.kind = remote.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		e.kind = remote.ErrAlreadyExists
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		e.kind = remote.ErrInvalidDocument
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusProxyAuthRequired:
		e.kind = remote.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		e.kind = remote.ErrUnavailable
	default:
		e.kind = remote.ErrRejected
	}
	return e
}

func problemDetail(body io.Reader) string {
	var p struct {
		Detail string `json:"detail"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "unreadable body"
	}
	if json.Unmarshal(data, &p) == nil && p.Detail != "" {
		return p.Detail
	}
	return strings.TrimSpace(string(data))
}
