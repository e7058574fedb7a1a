package agent

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/capdesk/backend"
	"github.com/hazyhaar/capdesk/capture"
	"github.com/hazyhaar/capdesk/dbopen"
	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/hub"
	"github.com/hazyhaar/capdesk/journal"
	"github.com/hazyhaar/capdesk/notify"
	"github.com/hazyhaar/capdesk/push"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu        sync.Mutex
	notes     []notify.Notification
	forms     []forms.Descriptor
	dismissed []string
}

func (r *recorder) ShowNotification(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) ShowForm(_ context.Context, d forms.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forms = append(r.forms, d)
}

func (r *recorder) DismissForm(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dismissed = append(r.dismissed, id)
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes), len(r.forms), len(r.dismissed)
}

type fakeCapturer struct {
	got capture.Request
	res capture.Result
	err error
}

func (f *fakeCapturer) Capture(_ context.Context, req capture.Request) (capture.Result, error) {
	f.got = req
	return f.res, f.err
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

type harness struct {
	agent *Agent
	hub   *hub.Hub
	srv   *httptest.Server
	pres  *recorder
	jr    *journal.Journal
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := hub.New(hub.Config{Logger: quiet(), SeedFAQ: []hub.FAQEntry{
		{Question: "Imprimante bloquée", Procede: "<p>Redémarrer <em>l'imprimante</em></p>"},
	}})
	srv := httptest.NewServer(h.Handler())
	ws := "ws" + strings.TrimPrefix(srv.URL, "http")

	jr, err := journal.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	bc, err := backend.New(srv.URL, backend.WithHTTPClient(srv.Client()), backend.WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}

	pres := &recorder{}
	formCfg := push.FormConfig(ws+"/ws/form", quiet())
	formCfg.Reconnect = push.NoReconnect()
	cfg := Config{
		Notification: push.NotificationConfig(ws+"/ws/popup", quiet()),
		Form:         formCfg,
		Presenter:    pres,
		Backend:      bc,
		Journal:      jr,
		ClientID:     "desk-1",
		Logger:       quiet(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &harness{agent: New(cfg), hub: h, srv: srv, pres: pres, jr: jr}
}

// run starts the agent and waits until both channels are registered on the hub.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, "both channels", func() bool {
		c := h.hub.Clients()
		return c[hub.ChannelPopup] == 1 && c[hub.ChannelForm] == 1
	})
}

func (h *harness) post(t *testing.T, path, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s: status %d", path, resp.StatusCode)
	}
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func TestRun_NotificationPresentedAndJournaled(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)

	h.post(t, "/popup", `{"title":"Maintenance","message":"Redémarrage à 18h","type":"warning"}`)
	waitFor(t, "notification", func() bool { n, _, _ := h.pres.counts(); return n == 1 })

	h.pres.mu.Lock()
	n := h.pres.notes[0]
	h.pres.mu.Unlock()
	if n.Title != "Maintenance" || n.Level != notify.Warning {
		t.Fatalf("notification = %+v", n)
	}

	waitFor(t, "journal row", func() bool {
		rows, err := h.jr.Notifications(context.Background(), 0)
		return err == nil && len(rows) == 1
	})
}

func TestRun_FormSubmittedToServer(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)

	out := h.post(t, "/form", `{"title":"Poste","target_client":"desk-1","process_id":"p-9","fields":[
		{"key":"email","label":"Email","type":"email","required":true},
		{"key":"note","label":"Note","type":"textarea"}]}`)
	formID := out["form_id"].(string)

	waitFor(t, "form", func() bool { return len(h.agent.Pending()) == 1 })
	if got := h.agent.Pending()[0]; got.ID != formID || got.ProcessID != "p-9" {
		t.Fatalf("pending = %+v", got)
	}

	ctx := context.Background()
	_, err := h.agent.RespondForm(ctx, formID, map[string]any{"email": "pas-un-email"}, false)
	var verr *forms.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(h.agent.Pending()) != 1 {
		t.Fatal("invalid answer must keep the form pending")
	}

	resp, err := h.agent.RespondForm(ctx, formID, map[string]any{"email": "a@b.fr"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != forms.Submitted || resp.ProcessID != "p-9" || resp.Responses["note"] != "" {
		t.Fatalf("response = %+v", resp)
	}
	if len(h.agent.Pending()) != 0 {
		t.Fatal("answered form still pending")
	}
	if _, _, d := h.pres.counts(); d != 1 {
		t.Fatalf("dismissed = %d", d)
	}

	waitFor(t, "hub response", func() bool { return len(h.hub.Responses(formID)) == 1 })
	rows, err := h.jr.Responses(ctx, formID)
	if err != nil || len(rows) != 1 || !rows[0].Delivered {
		t.Fatalf("journal = %+v, %v", rows, err)
	}

	if _, err := h.agent.RespondForm(ctx, formID, nil, true); !errors.Is(err, ErrUnknownForm) {
		t.Fatalf("second answer err = %v", err)
	}
}

func TestRespondForm_NotConnectedKeepsPending(t *testing.T) {
	h := newHarness(t, nil)
	d := forms.Descriptor{ID: "frm_offline", Title: "T", Fields: []forms.Field{{Key: "a", Label: "A", Kind: forms.Text}}}
	h.agent.addPending(d, false)

	_, err := h.agent.RespondForm(context.Background(), d.ID, nil, true)
	if !errors.Is(err, push.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if len(h.agent.Pending()) != 1 {
		t.Fatal("form dropped after failed send")
	}
	rows, _ := h.jr.Responses(context.Background(), d.ID)
	if len(rows) != 1 || rows[0].Delivered || rows[0].Status != "cancelled" {
		t.Fatalf("journal = %+v", rows)
	}
}

func TestRespondForm_SingleAnswerUnderConcurrency(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	d := h.agent.OpenReport(ctx)
	values := map[string]any{"nom": "Durand", "prenom": "Alice", "contact": "poste 42", "description": "Écran noir"}

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	start := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.agent.RespondForm(ctx, d.ID, values, false)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok != 1 {
		t.Fatalf("successful answers = %d, want 1", ok)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrFormBusy) && !errors.Is(err, ErrUnknownForm) {
			t.Fatalf("unexpected err = %v", err)
		}
	}
	rows, _ := h.jr.Responses(ctx, d.ID)
	if len(rows) != 1 {
		t.Fatalf("journaled %d responses, want 1", len(rows))
	}
	if n, _, _ := h.pres.counts(); n != 1 {
		t.Fatalf("confirmations = %d, want 1", n)
	}
}

func TestRespondForm_BusyThenReleased(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	d := h.agent.OpenReport(ctx)

	if _, err := h.agent.claimPending(d.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.agent.RespondForm(ctx, d.ID, nil, true); !errors.Is(err, ErrFormBusy) {
		t.Fatalf("err while claimed = %v", err)
	}
	h.agent.releasePending(d.ID)

	// A rejected answer releases the claim too.
	var verr *forms.ValidationError
	if _, err := h.agent.RespondForm(ctx, d.ID, map[string]any{}, false); !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.agent.RespondForm(ctx, d.ID, nil, true); err != nil {
		t.Fatalf("answer after release: %v", err)
	}
	if len(h.agent.Pending()) != 0 {
		t.Fatal("form still pending")
	}
}

func TestOpenReport_StaysLocal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	d := h.agent.OpenReport(ctx)
	if d.TargetClient != "desk-1" || len(d.Fields) != 4 {
		t.Fatalf("report = %+v", d)
	}

	resp, err := h.agent.RespondForm(ctx, d.ID, map[string]any{
		"nom": "Durand", "prenom": "Alice", "contact": "poste 42", "description": "Écran noir",
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != forms.Submitted {
		t.Fatalf("status = %s", resp.Status)
	}

	n, _, _ := h.pres.counts()
	if n != 1 || h.pres.notes[0].Message != ReportSent || h.pres.notes[0].Level != notify.Success {
		t.Fatalf("notes = %+v", h.pres.notes)
	}
	if len(h.hub.Responses("")) != 0 {
		t.Fatal("local report reached the server")
	}
	rows, _ := h.jr.Responses(ctx, d.ID)
	if len(rows) != 1 || rows[0].Delivered {
		t.Fatalf("journal = %+v", rows)
	}
}

func TestCapture_MergesDefaultsAndJournals(t *testing.T) {
	now := time.Now()
	fc := &fakeCapturer{res: capture.Result{
		ID:       "cap_1",
		Outcome:  capture.Succeeded,
		Rect:     capture.Rect{X: 1, Y: 2, Width: 30, Height: 40},
		Image:    image.NewRGBA(image.Rect(0, 0, 30, 40)),
		DataURI:  "data:image/png;base64,AAAA",
		Started:  now,
		Finished: now.Add(50 * time.Millisecond),
	}}
	h := newHarness(t, func(c *Config) {
		c.Capturer = fc
		c.CaptureDefaults = capture.Request{Hide: []string{"#chat", ".toolbar"}}
	})

	res, err := h.agent.Capture(context.Background(), capture.Request{Hide: []string{".toolbar", "#banner"}, Exclude: []string{".ad"}})
	if err != nil || res.ID != "cap_1" {
		t.Fatalf("capture = %+v, %v", res, err)
	}
	if got := strings.Join(fc.got.Hide, ","); got != "#chat,.toolbar,#banner" {
		t.Fatalf("hide = %s", got)
	}
	if got := strings.Join(fc.got.Exclude, ","); got != ".ad" {
		t.Fatalf("exclude = %s", got)
	}

	rows, err := h.jr.Captures(context.Background(), 0)
	if err != nil || len(rows) != 1 || rows[0].Outcome != "succeeded" {
		t.Fatalf("journal = %+v, %v", rows, err)
	}
}

func TestCapture_NotConfigured(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.agent.Capture(context.Background(), capture.Request{}); !errors.Is(err, ErrNoCapture) {
		t.Fatalf("err = %v", err)
	}
}

func TestCapture_BusyNotJournaled(t *testing.T) {
	fc := &fakeCapturer{err: capture.ErrCaptureInProgress}
	h := newHarness(t, func(c *Config) { c.Capturer = fc })
	if _, err := h.agent.Capture(context.Background(), capture.Request{}); !errors.Is(err, capture.ErrCaptureInProgress) {
		t.Fatalf("err = %v", err)
	}
	if rows, _ := h.jr.Captures(context.Background(), 0); len(rows) != 0 {
		t.Fatalf("journal = %+v", rows)
	}
}

func TestMergeSelectors(t *testing.T) {
	got := mergeSelectors([]string{"a", "", "b"}, []string{"b", "c", "a"})
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("got %v", got)
	}
	if mergeSelectors(nil, nil) != nil {
		t.Fatal("expected nil")
	}
}

// --- MCP ---

func mcpSession(t *testing.T, a *Agent) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(&mcp.Implementation{Name: "capdesk-test", Version: "0.0.1"}, nil)
	a.RegisterMCP(srv)

	ctx := context.Background()
	st, ct := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cs.Close()
		ss.Close()
	})
	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (map[string]any, bool) {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("%s: empty content", name)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if res.IsError {
		return map[string]any{"error": text}, true
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("%s: %v in %s", name, err, text)
	}
	return out, false
}

func TestMCP_ListsTools(t *testing.T) {
	h := newHarness(t, nil)
	cs := mcpSession(t, h.agent)
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"capdesk_capture": false, "capdesk_channel_status": false, "capdesk_forms_pending": false,
		"capdesk_form_respond": false, "capdesk_report": false, "capdesk_faq_list": false, "capdesk_ask": false,
	}
	for _, tool := range res.Tools {
		want[tool.Name] = true
	}
	for name, ok := range want {
		if !ok {
			t.Errorf("missing tool %s", name)
		}
	}
}

func TestMCP_ReportAndRespond(t *testing.T) {
	h := newHarness(t, nil)
	cs := mcpSession(t, h.agent)

	form, isErr := callTool(t, cs, "capdesk_report", nil)
	if isErr {
		t.Fatal(form["error"])
	}
	id := form["form_id"].(string)

	pending, _ := callTool(t, cs, "capdesk_forms_pending", nil)
	if list := pending["forms"].([]any); len(list) != 1 {
		t.Fatalf("pending = %v", pending)
	}

	out, isErr := callTool(t, cs, "capdesk_form_respond", map[string]any{"form_id": id, "values": map[string]any{"nom": "X"}})
	if isErr || out["status"] != "invalid" {
		t.Fatalf("partial answer = %v", out)
	}
	fields := out["errors"].(map[string]any)
	if _, ok := fields["description"]; !ok {
		t.Fatalf("errors = %v", fields)
	}

	out, isErr = callTool(t, cs, "capdesk_form_respond", map[string]any{"form_id": id, "cancel": true})
	if isErr || out["status"] != "cancelled" {
		t.Fatalf("cancel = %v", out)
	}

	if out, isErr := callTool(t, cs, "capdesk_form_respond", map[string]any{"form_id": id}); !isErr {
		t.Fatalf("unknown form = %v", out)
	}
}

func TestMCP_StatusAndFAQ(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	cs := mcpSession(t, h.agent)

	st, _ := callTool(t, cs, "capdesk_channel_status", nil)
	chans := st["channels"].([]any)
	if len(chans) != 2 || chans[0].(map[string]any)["connected"] != true {
		t.Fatalf("status = %v", st)
	}

	faq, isErr := callTool(t, cs, "capdesk_faq_list", map[string]any{"page": 1, "size": 5})
	if isErr {
		t.Fatal(faq["error"])
	}
	items := faq["items"].([]any)
	if len(items) != 1 || !strings.Contains(items[0].(map[string]any)["answer"].(string), "*l'imprimante*") {
		t.Fatalf("faq = %v", faq)
	}

	ans, isErr := callTool(t, cs, "capdesk_ask", map[string]any{"question": "mon imprimante est bloquée"})
	if isErr || ans["faq_id"] != float64(1) {
		t.Fatalf("ask = %v", ans)
	}
	if out, isErr := callTool(t, cs, "capdesk_ask", map[string]any{"question": "  "}); !isErr {
		t.Fatalf("empty question = %v", out)
	}
}

func TestMCP_CaptureWithoutCapturer(t *testing.T) {
	h := newHarness(t, nil)
	cs := mcpSession(t, h.agent)
	out, isErr := callTool(t, cs, "capdesk_capture", map[string]any{})
	if !isErr || !strings.Contains(out["error"].(string), "not configured") {
		t.Fatalf("capture = %v", out)
	}
}

func TestMCP_CaptureImageOptIn(t *testing.T) {
	fc := &fakeCapturer{res: capture.Result{ID: "cap_2", Outcome: capture.Succeeded, DataURI: "data:image/png;base64,AAAA"}}
	h := newHarness(t, func(c *Config) { c.Capturer = fc })
	cs := mcpSession(t, h.agent)

	out, _ := callTool(t, cs, "capdesk_capture", map[string]any{"hide": []string{"#x"}})
	if _, ok := out["data_uri"]; ok || out["outcome"] != "succeeded" {
		t.Fatalf("without image = %v", out)
	}
	out, _ = callTool(t, cs, "capdesk_capture", map[string]any{"include_image": true})
	if out["data_uri"] != "data:image/png;base64,AAAA" {
		t.Fatalf("with image = %v", out)
	}
}
