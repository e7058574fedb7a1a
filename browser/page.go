package browser

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"image/png"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/capdesk/capture"
)

//go:embed overlay.js
var overlayJS string

const (
	overlayID      = "capdesk-overlay"
	excludeStyleID = "capdesk-exclude"
	pointerBinding = "__capdesk_pointer"
)

// Page is a Chrome tab prepared for captures. It is the capture.Document,
// capture.Overlay and capture.Rasterizer of that tab.
type Page struct {
	Page     *rod.Page
	URL      string
	logger   *slog.Logger
	router   *rod.HijackRouter
	bound    bool
	mu       sync.Mutex
	unlisten context.CancelFunc
}

var (
	_ capture.Document   = (*Page)(nil)
	_ capture.Overlay    = (*Page)(nil)
	_ capture.Rasterizer = (*Page)(nil)
)

// Open creates a tab on the manager's browser, applies stealth, resource
// blocking and viewport emulation, then navigates to pageURL.
func Open(ctx context.Context, mgr *Manager, pageURL string) (*Page, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var (
		page *rod.Page
		err  error
	)
	if mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	p := &Page{Page: page, URL: pageURL, logger: mgr.cfg.Logger}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		p.router = applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
	}

	if v := mgr.cfg.Viewport; v.Width > 0 && v.Height > 0 {
		scale := v.Scale
		if scale <= 0 {
			scale = 1
		}
		err := proto.EmulationSetDeviceMetricsOverride{
			Width:             v.Width,
			Height:            v.Height,
			DeviceScaleFactor: scale,
			Mobile:            v.Mobile,
		}.Call(page)
		if err != nil {
			p.logger.WarnContext(ctx, "browser: viewport emulation failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		p.logger.WarnContext(ctx, "browser: wait load timeout", "url", pageURL, "error", err)
	}
	return p, nil
}

// Wrap adapts an existing Rod page.
func Wrap(page *rod.Page, logger *slog.Logger) *Page {
	if logger == nil {
		logger = slog.Default()
	}
	return &Page{Page: page, logger: logger}
}

// QueryAll implements capture.Document.
func (p *Page) QueryAll(ctx context.Context, selector string) ([]capture.Element, error) {
	els, err := p.Page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %q: %w", selector, err)
	}
	out := make([]capture.Element, len(els))
	for i, el := range els {
		out[i] = &element{el: el}
	}
	return out, nil
}

// ViewportWidth implements capture.Overlay.
func (p *Page) ViewportWidth(ctx context.Context) (int, error) {
	res, err := p.Page.Context(ctx).Eval(`() => window.innerWidth`)
	if err != nil {
		return 0, fmt.Errorf("browser: viewport width: %w", err)
	}
	return res.Value.Int(), nil
}

// Selector implements capture.Overlay.
func (p *Page) Selector() string { return "#" + overlayID }

// Show implements capture.Overlay. Pointer events reach Go through a
// Runtime binding; the stream closes when Remove is called or the main
// frame navigates away.
func (p *Page) Show(ctx context.Context, opts capture.OverlayOptions) (<-chan capture.PointerEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.unlisten != nil {
		return nil, fmt.Errorf("browser: overlay already shown")
	}
	if !p.bound {
		if err := (proto.RuntimeAddBinding{Name: pointerBinding}).Call(p.Page); err != nil {
			p.logger.WarnContext(ctx, "browser: addBinding failed (may already exist)", "error", err)
		}
		p.bound = true
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events := make(chan capture.PointerEvent, 64)

	wait := p.Page.Context(lctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != pointerBinding {
				return
			}
			ev, err := capture.ParsePointerEvent([]byte(e.Payload))
			if err != nil {
				p.logger.Warn("browser: bad pointer payload", "error", err)
				return
			}
			select {
			case events <- ev:
			case <-lctx.Done():
			}
		},
		func(e *proto.PageFrameNavigated) bool {
			return e.Frame.ParentID == ""
		},
	)
	go func() {
		defer close(events)
		wait()
	}()

	if _, err := p.Page.Context(ctx).Eval(overlayJS, opts); err != nil {
		cancel()
		return nil, fmt.Errorf("browser: inject overlay: %w", err)
	}
	p.unlisten = cancel
	return events, nil
}

// Remove implements capture.Overlay.
func (p *Page) Remove(ctx context.Context) error {
	p.mu.Lock()
	if p.unlisten != nil {
		p.unlisten()
		p.unlisten = nil
	}
	p.mu.Unlock()

	_, err := p.Page.Context(ctx).Eval(`(id) => {
		const el = document.getElementById(id);
		if (el) el.remove();
	}`, overlayID)
	if err != nil {
		return fmt.Errorf("browser: remove overlay: %w", err)
	}
	return nil
}

// Rasterize implements capture.Rasterizer with a full-page screenshot.
// Excluded elements are made invisible by a temporary stylesheet, which
// keeps layout unchanged.
func (p *Page) Rasterize(ctx context.Context, exclude []string) (capture.Raster, error) {
	page := p.Page.Context(ctx)

	if css := excludeCSS(exclude); css != "" {
		_, err := page.Eval(`(id, css) => {
			const s = document.createElement('style');
			s.id = id;
			s.textContent = css;
			document.head.appendChild(s);
		}`, excludeStyleID, css)
		if err != nil {
			return capture.Raster{}, fmt.Errorf("browser: exclude style: %w", err)
		}
		defer func() {
			_, err := p.Page.Context(context.WithoutCancel(ctx)).Eval(`(id) => {
				const s = document.getElementById(id);
				if (s) s.remove();
			}`, excludeStyleID)
			if err != nil {
				p.logger.WarnContext(ctx, "browser: remove exclude style", "error", err)
			}
		}()
	}

	shot, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return capture.Raster{}, fmt.Errorf("browser: screenshot: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(shot))
	if err != nil {
		return capture.Raster{}, fmt.Errorf("browser: decode screenshot: %w", err)
	}

	scale := 1.0
	res, err := page.Eval(`() => Math.max(document.documentElement.scrollWidth, document.body ? document.body.scrollWidth : 0)`)
	if err != nil {
		p.logger.WarnContext(ctx, "browser: page width unknown, assuming scale 1", "error", err)
	} else if w := res.Value.Num(); w > 0 {
		scale = float64(img.Bounds().Dx()) / w
	}
	return capture.Raster{Image: img, Scale: scale}, nil
}

// Drive performs a mouse drag across rect, in page coordinates, on a shown
// overlay. It is how unattended captures select a region.
func (p *Page) Drive(ctx context.Context, rect capture.Rect) error {
	page := p.Page.Context(ctx)
	if _, err := page.Element(p.Selector()); err != nil {
		return fmt.Errorf("browser: overlay not shown: %w", err)
	}

	res, err := page.Eval(`() => [window.scrollX, window.scrollY]`)
	if err != nil {
		return fmt.Errorf("browser: scroll offset: %w", err)
	}
	var sx, sy float64
	if off := res.Value.Arr(); len(off) == 2 {
		sx, sy = off[0].Num(), off[1].Num()
	}

	from := proto.Point{X: rect.X - sx, Y: rect.Y - sy}
	to := proto.Point{X: rect.X + rect.Width - sx, Y: rect.Y + rect.Height - sy}

	mouse := page.Mouse
	if err := mouse.MoveTo(from); err != nil {
		return fmt.Errorf("browser: mouse move: %w", err)
	}
	if err := mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: mouse down: %w", err)
	}
	if err := mouse.MoveLinear(to, 8); err != nil {
		return fmt.Errorf("browser: mouse drag: %w", err)
	}
	if err := mouse.Up(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: mouse up: %w", err)
	}
	return nil
}

// Close closes the tab.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.unlisten != nil {
		p.unlisten()
		p.unlisten = nil
	}
	p.mu.Unlock()
	if p.router != nil {
		_ = p.router.Stop()
	}
	if p.Page != nil {
		return p.Page.Close()
	}
	return nil
}

// excludeCSS hides the selected elements and their subtrees without
// removing them from layout.
func excludeCSS(selectors []string) string {
	var b strings.Builder
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" || strings.ContainsAny(sel, "{}") {
			continue
		}
		fmt.Fprintf(&b, ":is(%s), :is(%s) * { visibility: hidden !important; }\n", sel, sel)
	}
	return b.String()
}
