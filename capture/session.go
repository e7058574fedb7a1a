package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/capdesk/idgen"
)

// ErrCaptureInProgress is returned when Capture is called while another
// capture on the same Manager has not finished.
var ErrCaptureInProgress = errors.New("capture: capture already in progress")

// ErrNoRasterizer is the Failed reason when no Rasterizer is configured.
var ErrNoRasterizer = errors.New("capture: rasterizer unavailable")

// ErrOverlayClosed is the Failed reason when the overlay disappears (page
// navigated, tab closed) before the gesture ends.
var ErrOverlayClosed = errors.New("capture: overlay closed before selection ended")

// Outcome classifies a capture result.
type Outcome int

const (
	Succeeded Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Request parameterizes one capture.
type Request struct {
	// Hide lists CSS selectors of page chrome to hide while capturing.
	Hide []string `json:"hide,omitempty"`
	// Exclude lists extra selectors left out of rasterization without
	// being hidden on screen. The overlay is always excluded.
	Exclude []string `json:"exclude,omitempty"`
}

// Result is the settled state of a capture. Err is set for Failed, and for
// Cancelled when the context ended the gesture.
type Result struct {
	ID       string
	Outcome  Outcome
	Rect     Rect
	Image    image.Image
	PNG      []byte
	DataURI  string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Manager runs captures against one page, one at a time.
type Manager struct {
	doc     Document
	overlay Overlay
	raster  Rasterizer
	logger  *slog.Logger
	newID   idgen.Generator

	busy atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithIDGenerator sets the generator for capture IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager returns a Manager. raster may be nil; captures then fail with
// ErrNoRasterizer after the selection completes.
func NewManager(doc Document, overlay Overlay, raster Rasterizer, opts ...Option) *Manager {
	m := &Manager{
		doc:     doc,
		overlay: overlay,
		raster:  raster,
		logger:  slog.Default(),
		newID:   idgen.Capture,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Busy reports whether a capture is running.
func (m *Manager) Busy() bool { return m.busy.Load() }

// Capture hides the requested chrome, shows the overlay, waits for the user
// to finish a drag, then rasterizes and crops the page. It blocks until the
// capture settles. Cancelling ctx ends an unfinished gesture as Cancelled.
// The only error returned is ErrCaptureInProgress; every other failure is
// reported through Result.
func (m *Manager) Capture(ctx context.Context, req Request) (Result, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return Result{}, ErrCaptureInProgress
	}
	defer m.busy.Store(false)

	s := &Session{
		id:      m.newID(),
		guard:   NewGuard(m.doc, m.logger),
		overlay: m.overlay,
		raster:  m.raster,
		logger:  m.logger,
	}
	res := s.run(ctx, req)

	attrs := []any{
		"id", res.ID,
		"outcome", res.Outcome.String(),
		"duration_ms", res.Finished.Sub(res.Started).Milliseconds(),
	}
	switch res.Outcome {
	case Succeeded:
		m.logger.InfoContext(ctx, "capture: done", append(attrs, "width", res.Rect.Width, "height", res.Rect.Height)...)
	case Cancelled:
		m.logger.InfoContext(ctx, "capture: cancelled", attrs...)
	case Failed:
		m.logger.ErrorContext(ctx, "capture: failed", append(attrs, "error", res.Err)...)
	}
	return res, nil
}

// Session is the state of a single capture: its guard, its selector and
// the overlay it drives. Sessions are created by Manager.Capture.
type Session struct {
	id       string
	guard    *Guard
	selector Selector
	overlay  Overlay
	raster   Rasterizer
	logger   *slog.Logger
}

func (s *Session) run(ctx context.Context, req Request) (res Result) {
	res = Result{ID: s.id, Started: time.Now()}
	defer func() { res.Finished = time.Now() }()

	// Cleanup must run even when ctx is already cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	s.guard.Hide(ctx, req.Hide)
	defer s.guard.Restore(cleanupCtx)

	width, err := s.overlay.ViewportWidth(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "capture: viewport width unknown, using desktop overlay", "error", err)
	}
	events, err := s.overlay.Show(ctx, OverlayOptionsFor(width))
	if err != nil {
		return s.fail(res, fmt.Errorf("capture: show overlay: %w", err))
	}
	defer func() {
		if err := s.overlay.Remove(cleanupCtx); err != nil {
			s.logger.WarnContext(ctx, "capture: remove overlay", "error", err)
		}
	}()

	rect, err := s.collect(ctx, events)
	res.Rect = rect
	if err != nil {
		if ctx.Err() != nil {
			res.Outcome = Cancelled
			res.Err = err
			return res
		}
		return s.fail(res, err)
	}
	if rect.BelowThreshold() {
		res.Outcome = Cancelled
		return res
	}

	if s.raster == nil {
		return s.fail(res, ErrNoRasterizer)
	}
	exclude := append([]string{s.overlay.Selector()}, req.Exclude...)
	raster, err := s.raster.Rasterize(ctx, exclude)
	if err != nil {
		return s.fail(res, fmt.Errorf("capture: rasterize: %w", err))
	}
	out, err := Composite(raster, rect)
	if err != nil {
		return s.fail(res, err)
	}

	res.Outcome = Succeeded
	res.Image = out.Image
	res.PNG = out.PNG
	res.DataURI = out.DataURI
	return res
}

// collect feeds pointer events to the selector until the gesture ends.
func (s *Session) collect(ctx context.Context, events <-chan PointerEvent) (Rect, error) {
	for {
		select {
		case <-ctx.Done():
			return s.selector.Rect(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return s.selector.Rect(), ErrOverlayClosed
			}
			s.selector.Handle(ev)
			if s.selector.Done() {
				return s.selector.End(), nil
			}
		}
	}
}

func (s *Session) fail(res Result, err error) Result {
	res.Outcome = Failed
	res.Err = err
	return res
}
