// CLAUDE:SUMMARY Development push server: /ws/popup and /ws/form WebSocket fan-out, REST triggers, form response log and an in-memory FAQ backend.
// Package hub is a small stand-in for the help-desk backend. It accepts
// WebSocket clients on the notification and form channels, broadcasts what
// is POSTed to /popup and /form, records the form responses clients send
// back, and serves an in-memory FAQ so the REST client can run against it.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/shield"
)

// Channel names, matching the WebSocket paths.
const (
	ChannelPopup = "popup"
	ChannelForm  = "form"
)

// Config configures a Hub.
type Config struct {
	// History is how many form responses are kept. Default 200.
	History int
	// MaxBodyBytes caps REST request bodies. Default 1 MiB.
	MaxBodyBytes int64
	// TriggerLimit caps POST /popup and POST /form per client per minute.
	// Zero disables the limit.
	TriggerLimit int
	// OnResponse, when set, is called for every form response received.
	OnResponse func(forms.Response)
	// SeedFAQ preloads the FAQ store.
	SeedFAQ []FAQEntry
	Logger  *slog.Logger
}

// Hub is safe for concurrent use.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limiter  *shield.RateLimiter
	faq      *faqStore

	mu        sync.Mutex
	clients   map[string]map[*client]struct{}
	responses []forms.Response
	closed    bool
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.History <= 0 {
		cfg.History = 200
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
			// Desk clients run from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		faq: newFAQStore(cfg.SeedFAQ),
		clients: map[string]map[*client]struct{}{
			ChannelPopup: {},
			ChannelForm:  {},
		},
	}
	if cfg.TriggerLimit > 0 {
		h.limiter = shield.NewRateLimiter(map[string]shield.RateLimitConfig{
			"POST /popup": {MaxRequests: cfg.TriggerLimit, Window: time.Minute},
			"POST /form":  {MaxRequests: cfg.TriggerLimit, Window: time.Minute},
		})
	}
	return h
}

// Handler returns the hub routes behind the shield middleware.
func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(h.logger, h.cfg.MaxBodyBytes) {
		r.Use(mw)
	}
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}

	r.Get("/health", h.handleHealth)
	r.Get("/ws/popup", h.serveWS(ChannelPopup))
	r.Get("/ws/form", h.serveWS(ChannelForm))
	r.Post("/popup", h.handlePopup)
	r.Post("/form", h.handleForm)
	r.Get("/responses", h.handleResponses)

	r.Get("/faq", h.handleFAQList)
	r.Post("/faq", h.handleFAQCreate)
	r.Get("/faq/paginated", h.handleFAQPage)
	r.Get("/faq/{id}", h.handleFAQGet)
	r.Put("/faq/{id}", h.handleFAQUpdate)
	r.Delete("/faq/{id}", h.handleFAQDelete)
	r.Post("/ask", h.handleAsk)
	return r
}

// StartGC runs the rate limiter's bucket GC until ctx is done.
func (h *Hub) StartGC(ctx context.Context) {
	if h.limiter != nil {
		h.limiter.StartGC(ctx, 5*time.Minute)
	}
}

// Broadcast sends frame to every client of channel and returns how many
// clients it was queued for. Slow clients whose queue is full are dropped.
func (h *Hub) Broadcast(channel string, frame []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients[channel] {
		select {
		case c.send <- frame:
			n++
		default:
			h.logger.Warn("hub: client queue full, dropping", "channel", channel, "client", c.id)
			h.removeLocked(c)
		}
	}
	return n
}

// Clients returns the number of connected clients per channel.
func (h *Hub) Clients() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.clients))
	for name, set := range h.clients {
		out[name] = len(set)
	}
	return out
}

// Responses returns the recorded form responses, oldest first, optionally
// filtered by form id.
func (h *Hub) Responses(formID string) []forms.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]forms.Response, 0, len(h.responses))
	for _, r := range h.responses {
		if formID == "" || r.FormID == formID {
			out = append(out, r)
		}
	}
	return out
}

// Close disconnects every client. The Handler keeps serving REST routes
// but refuses new WebSocket clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			h.removeLocked(c)
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.channel][c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked must be called with mu held. Closing send stops the writer,
// which closes the connection.
func (h *Hub) removeLocked(c *client) {
	set := h.clients[c.channel]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
}

func (h *Hub) recordResponse(r forms.Response) {
	h.mu.Lock()
	h.responses = append(h.responses, r)
	if over := len(h.responses) - h.cfg.History; over > 0 {
		h.responses = append(h.responses[:0:0], h.responses[over:]...)
	}
	h.mu.Unlock()

	if h.cfg.OnResponse != nil {
		h.cfg.OnResponse(r)
	}
}
