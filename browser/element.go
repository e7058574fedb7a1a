package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
)

// element exposes the inline display style of a Rod element.
type element struct {
	el *rod.Element
}

func (e *element) Display(ctx context.Context) (string, error) {
	res, err := e.el.Context(ctx).Eval(`() => this.style.display`)
	if err != nil {
		return "", fmt.Errorf("browser: read display: %w", err)
	}
	return res.Value.Str(), nil
}

func (e *element) SetDisplay(ctx context.Context, v string) error {
	if _, err := e.el.Context(ctx).Eval(`(v) => { this.style.display = v; }`, v); err != nil {
		return fmt.Errorf("browser: set display: %w", err)
	}
	return nil
}
