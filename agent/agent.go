// CLAUDE:SUMMARY Desk agent: runs both push channels, presents events, answers forms, runs captures and journals everything.
// Package agent ties the desk together: it keeps the notification and form
// channels connected, hands inbound events to a Presenter, sends form
// answers back, runs screen captures and records all of it in the journal.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/capdesk/backend"
	"github.com/hazyhaar/capdesk/capture"
	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/journal"
	"github.com/hazyhaar/capdesk/notify"
	"github.com/hazyhaar/capdesk/push"
)

var (
	ErrUnknownForm = errors.New("agent: unknown or already answered form")
	ErrNoCapture   = errors.New("agent: screen capture is not configured")
	ErrNoBackend   = errors.New("agent: backend is not configured")
	ErrFormBusy    = errors.New("agent: form is already being answered")
)

// ReportSent is shown once a local report form is submitted.
const ReportSent = "Signalement envoyé avec succès !"

// Capturer runs one capture; *capture.Manager implements it.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) (capture.Result, error)
}

// Config wires an Agent. Only the two channel configs are required.
type Config struct {
	Notification push.Config
	Form         push.Config

	Presenter Presenter
	Backend   *backend.Client
	Journal   *journal.Journal
	Capturer  Capturer
	// CaptureDefaults is merged into every capture request.
	CaptureDefaults capture.Request
	// ClientID is set as target_client on local forms.
	ClientID string

	Logger *slog.Logger
	Now    func() time.Time
}

type pendingForm struct {
	desc  forms.Descriptor
	local bool
	busy  bool
}

// Agent is safe for concurrent use. Run it once.
type Agent struct {
	cfg    Config
	logger *slog.Logger
	notif  *push.Channel
	form   *push.Channel

	mu      sync.Mutex
	pending map[string]pendingForm
	order   []string
}

// New builds an Agent and its channels. Nothing connects until Run.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Presenter == nil {
		cfg.Presenter = LogPresenter{Logger: cfg.Logger}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notification.Logger == nil {
		cfg.Notification.Logger = cfg.Logger
	}
	if cfg.Form.Logger == nil {
		cfg.Form.Logger = cfg.Logger
	}
	return &Agent{
		cfg:     cfg,
		logger:  cfg.Logger,
		notif:   push.New(cfg.Notification),
		form:    push.New(cfg.Form),
		pending: make(map[string]pendingForm),
	}
}

// Run connects both channels and dispatches their events until ctx is
// done. A failed first dial is logged, not fatal: the form channel keeps
// retrying per its policy.
func (a *Agent) Run(ctx context.Context) error {
	notifEvents := a.notif.Subscribe(ctx)
	formEvents := a.form.Subscribe(ctx)
	defer a.notif.Close()
	defer a.form.Close()

	for _, ch := range []*push.Channel{a.notif, a.form} {
		if err := ch.Connect(ctx); err != nil {
			a.logger.WarnContext(ctx, "agent: initial connect failed", "channel", ch.Name(), "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-notifEvents:
			if !ok {
				notifEvents = nil
				continue
			}
			a.handle(ctx, ev)
		case ev, ok := <-formEvents:
			if !ok {
				formEvents = nil
				continue
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Agent) handle(ctx context.Context, ev push.Event) {
	if a.cfg.Journal != nil {
		if err := a.cfg.Journal.RecordEvent(ctx, ev); err != nil {
			a.logger.ErrorContext(ctx, "agent: journal event", "channel", ev.Channel, "error", err)
		}
	}
	switch ev.Kind {
	case push.KindNotification:
		a.cfg.Presenter.ShowNotification(ctx, *ev.Notification)
	case push.KindForm:
		a.addPending(*ev.Form, false)
		a.cfg.Presenter.ShowForm(ctx, *ev.Form)
	}
}

func (a *Agent) addPending(d forms.Descriptor, local bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[d.ID]; !ok {
		a.order = append(a.order, d.ID)
	}
	a.pending[d.ID] = pendingForm{desc: d, local: local}
}

// claimPending marks a form as being answered so a concurrent answer to the
// same form is refused. releasePending undoes it when the answer fails.
func (a *Agent) claimPending(id string) (pendingForm, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[id]
	if !ok {
		return p, fmt.Errorf("%w: %s", ErrUnknownForm, id)
	}
	if p.busy {
		return p, fmt.Errorf("%w: %s", ErrFormBusy, id)
	}
	p.busy = true
	a.pending[id] = p
	return p, nil
}

func (a *Agent) releasePending(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pending[id]; ok {
		p.busy = false
		a.pending[id] = p
	}
}

func (a *Agent) dropPending(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Pending lists unanswered forms in arrival order.
func (a *Agent) Pending() []forms.Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]forms.Descriptor, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.pending[id].desc)
	}
	return out
}

// OpenReport shows the local report form. Its answer is journaled, not
// sent to the server.
func (a *Agent) OpenReport(ctx context.Context) forms.Descriptor {
	d := forms.ReportForm()
	d.TargetClient = a.cfg.ClientID
	a.addPending(d, true)
	a.cfg.Presenter.ShowForm(ctx, d)
	return d
}

// RespondForm answers a pending form: cancel sends a cancelled response,
// otherwise values are validated (*forms.ValidationError on failure) and
// submitted. A form stays pending when the send fails so it can be
// answered again. While one answer is in flight, another for the same form
// gets ErrFormBusy.
func (a *Agent) RespondForm(ctx context.Context, formID string, values map[string]any, cancel bool) (forms.Response, error) {
	p, err := a.claimPending(formID)
	if err != nil {
		return forms.Response{}, err
	}

	var resp forms.Response
	if cancel {
		resp = forms.Cancel(p.desc, a.cfg.Now())
	} else {
		r, err := forms.Submit(p.desc, values, a.cfg.Now())
		if err != nil {
			a.releasePending(formID)
			return forms.Response{}, err
		}
		resp = r
	}

	var sendErr error
	if !p.local {
		sendErr = a.form.Send(ctx, resp)
	}
	if a.cfg.Journal != nil {
		if _, err := a.cfg.Journal.RecordResponse(ctx, resp, !p.local && sendErr == nil); err != nil {
			a.logger.ErrorContext(ctx, "agent: journal response", "form_id", formID, "error", err)
		}
	}
	if sendErr != nil {
		a.releasePending(formID)
		return resp, sendErr
	}

	a.dropPending(formID)
	a.cfg.Presenter.DismissForm(ctx, formID)
	if p.local && resp.Status == forms.Submitted {
		a.cfg.Presenter.ShowNotification(ctx, notify.Normalize(notify.Notification{
			Title:   "Signalement",
			Message: ReportSent,
			Level:   notify.Success,
		}))
	}
	return resp, nil
}

// Capture runs one capture with the configured defaults merged in and
// journals the outcome.
func (a *Agent) Capture(ctx context.Context, req capture.Request) (capture.Result, error) {
	if a.cfg.Capturer == nil {
		return capture.Result{}, ErrNoCapture
	}
	req.Hide = mergeSelectors(a.cfg.CaptureDefaults.Hide, req.Hide)
	req.Exclude = mergeSelectors(a.cfg.CaptureDefaults.Exclude, req.Exclude)

	res, err := a.cfg.Capturer.Capture(ctx, req)
	if err != nil {
		return res, err
	}
	if a.cfg.Journal != nil {
		if err := a.cfg.Journal.RecordCapture(context.WithoutCancel(ctx), res); err != nil {
			a.logger.ErrorContext(ctx, "agent: journal capture", "id", res.ID, "error", err)
		}
	}
	return res, nil
}

// Status snapshots both channels.
func (a *Agent) Status() []push.Status {
	return []push.Status{a.notif.Status(), a.form.Status()}
}

// Backend returns the REST client, or ErrNoBackend.
func (a *Agent) Backend() (*backend.Client, error) {
	if a.cfg.Backend == nil {
		return nil, ErrNoBackend
	}
	return a.cfg.Backend, nil
}

func mergeSelectors(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, s := range append(append([]string{}, base...), extra...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
