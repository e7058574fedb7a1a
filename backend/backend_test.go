package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/capdesk/connectivity"
	"github.com/hazyhaar/capdesk/notify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", WithHTTPClient(srv.Client()), WithLogger(quietLogger()), WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := New("ws://127.0.0.1:8000"); err == nil {
		t.Fatal("expected error for ws scheme")
	}
	c, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL() != DefaultBaseURL {
		t.Fatalf("base = %q", c.BaseURL())
	}
}

func TestListFAQ(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/faq" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"id":1,"question":"Q1","procede":"<p>P1</p>"},{"id":2,"question":"Q2","procede":"P2"}]`))
	}))

	items, err := c.ListFAQ(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != 1 || items[1].Question != "Q2" {
		t.Fatalf("items = %+v", items)
	}
}

func TestFAQPage(t *testing.T) {
	var query string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`{
			"items":[{"id":11,"question":"Q","procede":"P"}],
			"pagination":{"total":11,"page":2,"size":10,"pages":2,"has_next":false,"has_prev":true},
			"links":{"self":"/faq/paginated?page=2&size=10","next":null,"prev":"/faq/paginated?page=1&size=10","first":"/faq/paginated?page=1&size=10","last":"/faq/paginated?page=2&size=10"}
		}`))
	}))

	p, err := c.FAQPage(context.Background(), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if query != "page=2&size=10" {
		t.Errorf("query = %q", query)
	}
	if !p.Pagination.HasPrev || p.Pagination.HasNext || p.Pagination.Pages != 2 {
		t.Errorf("pagination = %+v", p.Pagination)
	}
	if p.Links.Next != nil {
		t.Errorf("next = %v, want nil", *p.Links.Next)
	}
	if p.Links.Prev == nil || !strings.Contains(*p.Links.Prev, "page=1") {
		t.Errorf("prev = %v", p.Links.Prev)
	}
}

func TestGetFAQ_NotFound(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"detail":"FAQ not found"}`, http.StatusNotFound)
	}))

	_, err := c.GetFAQ(context.Background(), 42)
	var st *ErrStatus
	if !errors.As(err, &st) || st.Code != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("404 retried: %d hits", hits.Load())
	}
	if c.Breaker().State() != connectivity.BreakerClosed {
		t.Error("404 must not trip the breaker")
	}
}

func TestCreateUpdateDelete(t *testing.T) {
	var seen []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodPost, http.MethodPut:
			var f FAQ
			if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			if f.ID == 0 {
				f.ID = 7
			}
			json.NewEncoder(w).Encode(f)
		case http.MethodDelete:
			w.Write([]byte(`{"message":"deleted"}`))
		}
	}))
	ctx := context.Background()

	f, err := c.CreateFAQ(ctx, FAQInput{Question: "Imprimante ?", Procede: "<p>Redémarrer</p>"})
	if err != nil || f.ID != 7 {
		t.Fatalf("create = %+v, %v", f, err)
	}
	f, err = c.UpdateFAQ(ctx, 7, FAQInput{Question: "Imprimante HS ?", Procede: "<p>Appeler</p>"})
	if err != nil || f.ID != 7 || f.Question != "Imprimante HS ?" {
		t.Fatalf("update = %+v, %v", f, err)
	}
	if err := c.DeleteFAQ(ctx, 7); err != nil {
		t.Fatal(err)
	}

	want := "POST /faq,PUT /faq/7,DELETE /faq/7"
	if got := strings.Join(seen, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}

	if _, err := c.CreateFAQ(ctx, FAQInput{Question: " ", Procede: "x"}); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("blank question: %v", err)
	}
}

func TestRetryOnlyIdempotent(t *testing.T) {
	var posts, gets atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		} else {
			gets.Add(1)
		}
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	ctx := context.Background()

	if _, err := c.Ask(ctx, "bonjour"); err == nil {
		t.Fatal("expected error")
	}
	if posts.Load() != 1 {
		t.Errorf("POST attempts = %d, want 1", posts.Load())
	}
	if _, err := c.ListFAQ(ctx); err == nil {
		t.Fatal("expected error")
	}
	if gets.Load() != 3 {
		t.Errorf("GET attempts = %d, want 3", gets.Load())
	}
}

func TestBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := connectivity.NewCircuitBreaker(connectivity.WithBreakerThreshold(2))
	c, err := New(srv.URL, WithHTTPClient(srv.Client()), WithLogger(quietLogger()), WithBreaker(cb), WithRetry(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	c.ListFAQ(ctx)
	c.ListFAQ(ctx)

	_, err = c.ListFAQ(ctx)
	var eco *connectivity.ErrCircuitOpen
	if !errors.As(err, &eco) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestPanicBecomesError(t *testing.T) {
	c, err := New("http://backend.invalid",
		WithHTTPClient(&http.Client{Transport: panicTransport{}}),
		WithLogger(quietLogger()),
		WithRetry(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ListFAQ(context.Background())
	var ep *connectivity.ErrPanic
	if !errors.As(err, &ep) {
		t.Fatalf("err = %v, want recovered panic", err)
	}
	if ep.Value != "transport exploded" {
		t.Fatalf("panic value = %v", ep.Value)
	}
}

func TestAsk(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"answer": "echo: " + body["question"], "score": 0.9})
	}))

	out, err := c.Ask(context.Background(), "  wifi ?  ")
	if err != nil {
		t.Fatal(err)
	}
	if out["answer"] != "echo: wifi ?" {
		t.Fatalf("answer = %v", out["answer"])
	}
	if _, err := c.Ask(context.Background(), ""); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("empty: %v", err)
	}
}

func TestTriggerNotification(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/popup" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"sent"}`))
	}))

	err := c.TriggerNotification(context.Background(), notify.Notification{
		Title:    "Test Notification",
		Message:  "Ceci est un test",
		Level:    notify.Success,
		Duration: 4 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got["type"] != "success" || got["duration"] != float64(4000) || got["title"] != "Test Notification" {
		t.Fatalf("body = %v", got)
	}
}

func TestProcedeText(t *testing.T) {
	f := FAQ{Procede: `<p>Ouvrir <strong>Paramètres</strong></p><script>alert(1)</script>`}
	if strings.Contains(f.SafeProcede(), "script") {
		t.Errorf("safe = %q", f.SafeProcede())
	}
	if got := f.ProcedeText(); got != "Ouvrir **Paramètres**" {
		t.Errorf("text = %q", got)
	}
}
