package capture

import (
	"context"
	"log/slog"
	"sync"
)

// Element is a page element whose inline display style can be read and
// written.
type Element interface {
	Display(ctx context.Context) (string, error)
	SetDisplay(ctx context.Context, value string) error
}

// Document resolves CSS selectors to elements.
type Document interface {
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

type hiddenElement struct {
	el      Element
	display string
}

// Guard hides page chrome for the duration of a capture. Every element it
// hides is recorded with its original inline display value; Restore puts
// the values back in reverse order and forgets them.
type Guard struct {
	doc    Document
	logger *slog.Logger

	mu     sync.Mutex
	hidden []hiddenElement
}

// NewGuard returns a Guard over doc.
func NewGuard(doc Document, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{doc: doc, logger: logger}
}

// Hide sets display:none on every element matched by selectors and returns
// how many were hidden. Selectors that fail to resolve and elements whose
// style cannot be changed are logged and skipped.
func (g *Guard) Hide(ctx context.Context, selectors []string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, sel := range selectors {
		els, err := g.doc.QueryAll(ctx, sel)
		if err != nil {
			g.logger.WarnContext(ctx, "capture: resolve selector", "selector", sel, "error", err)
			continue
		}
		for _, el := range els {
			display, err := el.Display(ctx)
			if err != nil {
				g.logger.WarnContext(ctx, "capture: read display", "selector", sel, "error", err)
				continue
			}
			if err := el.SetDisplay(ctx, "none"); err != nil {
				g.logger.WarnContext(ctx, "capture: hide element", "selector", sel, "error", err)
				continue
			}
			g.hidden = append(g.hidden, hiddenElement{el: el, display: display})
			n++
		}
	}
	return n
}

// Restore reinstates every recorded display value and clears the record
// list. It returns the number of elements restored; a second call restores
// nothing.
func (g *Guard) Restore(ctx context.Context) int {
	g.mu.Lock()
	hidden := g.hidden
	g.hidden = nil
	g.mu.Unlock()

	// Reverse order: an element matched by two selectors gets its first
	// recorded value back last.
	for i := len(hidden) - 1; i >= 0; i-- {
		h := hidden[i]
		if err := h.el.SetDisplay(ctx, h.display); err != nil {
			g.logger.ErrorContext(ctx, "capture: restore element", "error", err)
		}
	}
	return len(hidden)
}

// Hidden returns the number of elements currently hidden.
func (g *Guard) Hidden() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hidden)
}
