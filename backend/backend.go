// CLAUDE:SUMMARY REST client for the help-desk backend: FAQ CRUD, paginated listing, chat questions and test notifications.
// Package backend is the REST client for the help-desk server.
//
// Every call goes through a connectivity chain: logging, panic recovery,
// a circuit breaker shared by the whole client, then retry for idempotent
// methods.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/capdesk/connectivity"
	"github.com/hazyhaar/capdesk/notify"
)

// DefaultBaseURL is where the backend listens in development.
const DefaultBaseURL = "http://127.0.0.1:8000"

// ErrStatus is returned for non-2xx responses.
type ErrStatus = connectivity.ErrStatus

// Client talks to the backend. Safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *connectivity.CircuitBreaker
	retries    int
	backoff    time.Duration
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBreaker shares a circuit breaker across clients.
func WithBreaker(cb *connectivity.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithRetry sets the retry count and base backoff for GET, PUT and DELETE.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.backoff = backoff
	}
}

// WithTimeout bounds each attempt. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New returns a client for baseURL ("" means DefaultBaseURL).
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:       u,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		retries:    2,
		backoff:    200 * time.Millisecond,
		timeout:    15 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = connectivity.NewCircuitBreaker()
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Breaker exposes the client's breaker state.
func (c *Client) Breaker() *connectivity.CircuitBreaker { return c.breaker }

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do sends in (JSON, when non-nil) and decodes the response into out
// (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: %s %s: encode: %w", method, path, err)
		}
		payload = b
	}

	target := c.endpoint(path, q)
	logger := c.logger.With("method", method, "url", target)

	mws := []connectivity.HandlerMiddleware{
		connectivity.Logging(logger),
		connectivity.Recovery(logger),
		connectivity.WithCircuitBreaker(c.breaker, "backend", nil),
	}
	if idempotent(method) && c.retries > 0 {
		mws = append(mws, connectivity.WithRetry(c.retries, c.backoff, nil, logger))
	}
	mws = append(mws, connectivity.Timeout(c.timeout))
	h := connectivity.Chain(mws...)(connectivity.HTTP(c.httpClient, method, target, nil))

	resp, err := h(ctx, payload)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("backend: %s %s: decode: %w", method, path, err)
	}
	return nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// ListFAQ returns every FAQ entry.
func (c *Client) ListFAQ(ctx context.Context) ([]FAQ, error) {
	var items []FAQ
	if err := c.do(ctx, http.MethodGet, "/faq", nil, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// FAQPage returns one page of FAQ entries. page < 1 is 1, size < 1 is 10.
func (c *Client) FAQPage(ctx context.Context, page, size int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var p Page
	if err := c.do(ctx, http.MethodGet, "/faq/paginated", q, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetFAQ returns one entry.
func (c *Client) GetFAQ(ctx context.Context, id int) (*FAQ, error) {
	var f FAQ
	if err := c.do(ctx, http.MethodGet, "/faq/"+strconv.Itoa(id), nil, nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFAQ adds an entry. The backend assigns the id.
func (c *Client) CreateFAQ(ctx context.Context, in FAQInput) (*FAQ, error) {
	if err := in.Check(); err != nil {
		return nil, err
	}
	var f FAQ
	body := FAQ{ID: 0, Question: in.Question, Procede: in.Procede}
	if err := c.do(ctx, http.MethodPost, "/faq", nil, body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// UpdateFAQ replaces entry id.
func (c *Client) UpdateFAQ(ctx context.Context, id int, in FAQInput) (*FAQ, error) {
	if err := in.Check(); err != nil {
		return nil, err
	}
	var f FAQ
	body := FAQ{ID: id, Question: in.Question, Procede: in.Procede}
	if err := c.do(ctx, http.MethodPut, "/faq/"+strconv.Itoa(id), nil, body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteFAQ removes entry id.
func (c *Client) DeleteFAQ(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodDelete, "/faq/"+strconv.Itoa(id), nil, nil, nil)
}

// Ask sends a chat question. The answer bag is backend-defined.
func (c *Client) Ask(ctx context.Context, question string) (map[string]any, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("backend: ask: %w", ErrEmptyQuestion)
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/ask", nil, map[string]string{"question": question}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerNotification asks the backend to push n on the notification
// channel.
func (c *Client) TriggerNotification(ctx context.Context, n notify.Notification) error {
	return c.do(ctx, http.MethodPost, "/popup", nil, notify.Normalize(n), nil)
}
