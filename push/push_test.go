package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// wsServer accepts WebSocket clients, records what they send and lets the
// test push frames to the latest client.
type wsServer struct {
	t     *testing.T
	srv   *httptest.Server
	conns atomic.Int32
	got   chan []byte

	mu   sync.Mutex
	live []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, got: make(chan []byte, 16)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns.Add(1)
		s.mu.Lock()
		s.live = append(s.live, conn)
		s.mu.Unlock()
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				s.got <- data
			}
		}()
	}))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *wsServer) push(frame string) {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) == 0 {
		s.t.Fatal("no client connected")
	}
	if err := s.live[len(s.live)-1].WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.live {
		c.Close()
	}
	s.live = nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func newChannel(t *testing.T, cfg Config) *Channel {
	t.Helper()
	cfg.Logger = quietLogger()
	c := New(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func TestConnect_Idempotent(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, NotificationConfig(srv.url(), nil))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()
	waitFor(t, "open state", c.IsConnected)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect while open: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := srv.conns.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
	if d := c.Status().Dials; d != 1 {
		t.Errorf("dials = %d, want 1", d)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, NotificationConfig(srv.url(), nil))

	c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()
	c.Disconnect()
	if c.State() != Closed {
		t.Errorf("state = %v, want closed", c.State())
	}

	// The channel can be connected again.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second connection", func() bool { return srv.conns.Load() == 2 })
}

func TestConnect_AfterCloseFails(t *testing.T) {
	c := newChannel(t, NotificationConfig("ws://127.0.0.1:1/ws/popup", nil))
	c.Close()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("err = %v, want ErrChannelClosed", err)
	}
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

func TestFormChannel_PublishesDescriptor(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, FormConfig(srv.url(), nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server side", func() bool { return srv.conns.Load() == 1 })

	srv.push(`{"data":{"foo":1}}`)
	srv.push(`not json at all`)
	srv.push(`{"data":{"fields":[{"key":"a","label":"A","type":"text"}],"title":"T"}}`)

	ev := recv(t, events)
	if ev.Kind != KindForm || ev.Form == nil {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Channel != "form" {
		t.Errorf("channel = %q", ev.Channel)
	}
	if ev.Form.Title != "T" || len(ev.Form.Fields) != 1 || ev.Form.Fields[0].Key != "a" {
		t.Errorf("descriptor = %+v", ev.Form)
	}

	st := c.Status()
	if st.Rejected != 2 || st.Received != 1 {
		t.Errorf("rejected=%d received=%d, want 2/1", st.Rejected, st.Received)
	}
	if !c.IsConnected() {
		t.Error("bad frames must not close the channel")
	}
}

func TestFormChannel_UnwrappedPayloadAndOrder(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, FormConfig(srv.url(), nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server side", func() bool { return srv.conns.Load() == 1 })

	srv.push(`{"title":"first","fields":[{"key":"x"}]}`)
	srv.push(`{"data":null,"title":"second","fields":[{"key":"y"}]}`)

	if ev := recv(t, events); ev.Form.Title != "first" {
		t.Errorf("first event title = %q", ev.Form.Title)
	}
	if ev := recv(t, events); ev.Form.Title != "second" {
		t.Errorf("second event title = %q", ev.Form.Title)
	}
}

func TestNotificationChannel_PublishesData(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, NotificationConfig(srv.url(), nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server side", func() bool { return srv.conns.Load() == 1 })

	srv.push(`{"data":{"title":"Hi","message":"There","type":"warning","duration":2500}}`)
	srv.push(`{"other":true}`)

	ev := recv(t, events)
	if ev.Kind != KindNotification || ev.Notification == nil {
		t.Fatalf("event = %+v", ev)
	}
	n := ev.Notification
	if n.Title != "Hi" || n.Message != "There" || n.Level != "warning" || n.Duration != 2500*time.Millisecond {
		t.Errorf("notification = %+v", n)
	}

	// No data: still published, with defaults.
	ev = recv(t, events)
	if ev.Notification == nil || ev.Notification.Title != "Notification" {
		t.Errorf("defaulted notification = %+v", ev.Notification)
	}
}

func TestDecodeForm(t *testing.T) {
	cases := []struct {
		frame string
		err   error
	}{
		{`{"data":{"fields":[{"key":"a"}]}}`, nil},
		{`{"fields":[{"key":"a"}]}`, nil},
		{`{"data":{"foo":1}}`, ErrInvalidPayload},
		{`{"data":{"fields":"a"}}`, ErrInvalidPayload},
		{`{"data":{"fields":[{"key":"a"},{"key":"a"}]}}`, ErrInvalidPayload},
		{`[{"fields":[]}]`, ErrMalformedFrame},
		{`{"fields":`, ErrMalformedFrame},
	}
	for _, c := range cases {
		_, err := DecodeForm([]byte(c.frame))
		if c.err == nil && err != nil {
			t.Errorf("%s: unexpected error %v", c.frame, err)
		}
		if c.err != nil && !errors.Is(err, c.err) {
			t.Errorf("%s: err = %v, want %v", c.frame, err, c.err)
		}
	}
}

func TestSubscribe_ClosedOnCancel(t *testing.T) {
	c := newChannel(t, NotificationConfig("ws://127.0.0.1:1/ws/popup", nil))
	ctx, cancel := context.WithCancel(context.Background())
	events := c.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func TestSend_WhileClosedDropped(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, FormConfig(srv.url(), nil))

	err := c.Send(context.Background(), map[string]string{"type": "form_response"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	select {
	case got := <-srv.got:
		t.Errorf("server received %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend_WhileOpenExactJSON(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, FormConfig(srv.url(), nil))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg := struct {
		Type      string         `json:"type"`
		FormID    string         `json:"form_id"`
		Status    string         `json:"status"`
		Responses map[string]any `json:"responses"`
	}{"form_response", "f-1", "cancelled", nil}
	want, _ := json.Marshal(msg)

	if err := c.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-srv.got:
		if string(got) != string(want) {
			t.Errorf("got %s, want %s", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server received nothing")
	}
	if s := c.Status().Sent; s != 1 {
		t.Errorf("sent = %d", s)
	}
}

func TestSend_UnencodableMessage(t *testing.T) {
	c := newChannel(t, FormConfig("ws://127.0.0.1:1/ws/form", nil))
	err := c.Send(context.Background(), map[string]any{"f": func() {}})
	var sf *ErrSendFailed
	if !errors.As(err, &sf) || sf.Channel != "form" {
		t.Errorf("err = %v, want ErrSendFailed", err)
	}
}

// ---------------------------------------------------------------------------
// Reconnect policy
// ---------------------------------------------------------------------------

func TestReconnect_FixedDelay(t *testing.T) {
	srv := newWSServer(t)
	cfg := FormConfig(srv.url(), nil)
	cfg.Reconnect = FixedDelay(50 * time.Millisecond)
	c := newChannel(t, cfg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first connection", func() bool { return srv.conns.Load() == 1 })

	srv.dropAll()
	waitFor(t, "reconnection", func() bool { return srv.conns.Load() == 2 })
	waitFor(t, "open again", c.IsConnected)
}

func TestReconnect_None(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, NotificationConfig(srv.url(), nil))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first connection", func() bool { return srv.conns.Load() == 1 })

	srv.dropAll()
	waitFor(t, "closed state", func() bool { return c.State() == Closed })
	time.Sleep(150 * time.Millisecond)
	if n := srv.conns.Load(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	if c.Status().LastError == "" {
		t.Error("close reason not recorded")
	}
}

func TestReconnect_AfterDialFailure(t *testing.T) {
	srv := newWSServer(t)
	var reject atomic.Bool
	reject.Store(true)
	gate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reject.Load() {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		srv.srv.Config.Handler.ServeHTTP(w, r)
	}))
	defer gate.Close()

	cfg := FormConfig("ws"+strings.TrimPrefix(gate.URL, "http"), nil)
	cfg.Reconnect = FixedDelay(50 * time.Millisecond)
	c := newChannel(t, cfg)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial failure")
	}
	reject.Store(false)
	waitFor(t, "reconnect after failed dial", c.IsConnected)
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	srv := newWSServer(t)
	cfg := FormConfig(srv.url(), nil)
	cfg.Reconnect = FixedDelay(100 * time.Millisecond)
	c := newChannel(t, cfg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first connection", func() bool { return srv.conns.Load() == 1 })
	srv.dropAll()
	waitFor(t, "closed state", func() bool { return c.State() == Closed })

	c.Disconnect()
	time.Sleep(300 * time.Millisecond)
	if n := srv.conns.Load(); n != 1 {
		t.Errorf("connections = %d, want 1 (reconnect not cancelled)", n)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("fixed-delay", 3*time.Second)
	if err != nil || p.Delay != 3*time.Second || p.String() != "fixed-delay 3s" {
		t.Errorf("fixed-delay = %+v, %v", p, err)
	}
	p, err = ParsePolicy("", 0)
	if err != nil || p.Enabled() || p.String() != "none" {
		t.Errorf("empty = %+v, %v", p, err)
	}
	if _, err := ParsePolicy("fixed-delay", 0); err == nil {
		t.Error("fixed-delay without delay must fail")
	}
	if _, err := ParsePolicy("exponential", time.Second); err == nil {
		t.Error("unknown mode must fail")
	}
}

func TestDisconnect_StopsRetryLoop(t *testing.T) {
	// Nothing listens here: every dial fails fast and schedules the next one.
	cfg := FormConfig("ws://127.0.0.1:1/ws/form", nil)
	cfg.Reconnect = FixedDelay(200 * time.Microsecond)
	c := newChannel(t, cfg)

	for round := 0; round < 20; round++ {
		c.Connect(context.Background())
		time.Sleep(time.Duration(round%5) * time.Millisecond)
		c.Disconnect()

		time.Sleep(5 * time.Millisecond)
		before := c.Status().Dials
		time.Sleep(30 * time.Millisecond)
		if after := c.Status().Dials; after != before {
			t.Fatalf("round %d: %d dials after Disconnect", round, after-before)
		}
		if c.State() != Closed {
			t.Fatalf("round %d: state = %s", round, c.State())
		}
	}
}

func TestClose_ReleasesSubscriptions(t *testing.T) {
	c := newChannel(t, NotificationConfig("ws://127.0.0.1:1/ws/popup", nil))
	before := runtime.NumGoroutine()

	streams := make([]<-chan Event, 50)
	for i := range streams {
		streams[i] = c.Subscribe(context.Background())
	}
	c.Close()

	for i, s := range streams {
		if _, ok := <-s; ok {
			t.Fatalf("stream %d still open", i)
		}
	}
	waitFor(t, "watchers to exit", func() bool { return runtime.NumGoroutine() <= before })
}

func TestDecodeNotification(t *testing.T) {
	for _, frame := range []string{`[1]`, `"x"`, `42`, `true`, `{}`, `{"data":null}`} {
		ev, err := DecodeNotification([]byte(frame))
		if err != nil {
			t.Errorf("%s: %v", frame, err)
			continue
		}
		if ev.Notification.Title != "Notification" || ev.Notification.Level != "info" {
			t.Errorf("%s: notification = %+v", frame, ev.Notification)
		}
	}
	for _, frame := range []string{``, `null`, `{"data":`, `not json`} {
		if _, err := DecodeNotification([]byte(frame)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%q: err = %v, want ErrMalformedFrame", frame, err)
		}
	}
}
