package capture

import (
	"context"
	"time"
)

// MobileBreakpoint is the viewport width, in CSS pixels, at or below which
// the overlay uses its touch-friendly presentation.
const MobileBreakpoint = 768

// OverlayOptions describe how the selection overlay is presented.
type OverlayOptions struct {
	Mobile         bool          `json:"mobile"`
	Instruction    string        `json:"instruction"`
	BannerDuration time.Duration `json:"-"`
	BannerMillis   int64         `json:"banner_ms"`
	BorderWidth    int           `json:"border_width"`
	StartIndicator bool          `json:"start_indicator"`
}

// OverlayOptionsFor returns the presentation for a viewport width.
func OverlayOptionsFor(viewportWidth int) OverlayOptions {
	mobile := viewportWidth > 0 && viewportWidth <= MobileBreakpoint
	o := OverlayOptions{
		Mobile:         mobile,
		Instruction:    "Click and drag to select the area to capture",
		BannerDuration: 3 * time.Second,
		BorderWidth:    2,
	}
	if mobile {
		o.Instruction = "Touch and drag to select the area to capture"
		o.BannerDuration = 4 * time.Second
		o.BorderWidth = 3
		o.StartIndicator = true
	}
	o.BannerMillis = o.BannerDuration.Milliseconds()
	return o
}

// Overlay is the full-viewport selection layer. Show installs it and returns
// the stream of pointer events it captures; the stream is closed when the
// overlay goes away. Selector names the overlay root so rasterization can
// leave it out.
type Overlay interface {
	ViewportWidth(ctx context.Context) (int, error)
	Show(ctx context.Context, opts OverlayOptions) (<-chan PointerEvent, error)
	Remove(ctx context.Context) error
	Selector() string
}
