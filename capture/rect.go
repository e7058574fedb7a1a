// Package capture implements interactive screen capture of a rendered page:
// a region selector driven by pointer events, a visibility guard that hides
// page chrome while the capture runs, and a compositor that crops the
// full-page raster to the selected region.
//
// The page itself is reached through three small capabilities (Document,
// Overlay, Rasterizer). The browser package implements them over Chrome
// DevTools; tests implement them in memory.
//
//	m := capture.NewManager(page, page, page, capture.WithLogger(logger))
//	res, err := m.Capture(ctx, capture.Request{Hide: []string{".chat-widget"}})
//	switch res.Outcome {
//	case capture.Succeeded:
//		use(res.DataURI)
//	case capture.Cancelled:
//	case capture.Failed:
//		log(res.Err)
//	}
package capture

import (
	"image"
	"math"
)

// MinSelectionSize is the smallest width and height, in page units, a
// selection must reach. Anything smaller is treated as a cancelled capture.
const MinSelectionSize = 10

// Point is a position in page coordinates.
type Point struct {
	X, Y float64
}

// Rect is an axis-aligned selection rectangle in page coordinates.
// Width and Height are never negative.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RectFromPoints returns the bounding box of a and b.
func RectFromPoints(a, b Point) Rect {
	return Rect{
		X:      math.Min(a.X, b.X),
		Y:      math.Min(a.Y, b.Y),
		Width:  math.Abs(b.X - a.X),
		Height: math.Abs(b.Y - a.Y),
	}
}

// BelowThreshold reports whether either dimension is smaller than
// MinSelectionSize.
func (r Rect) BelowThreshold() bool {
	return r.Width < MinSelectionSize || r.Height < MinSelectionSize
}

// Size returns the output image dimensions in whole pixels.
func (r Rect) Size() (w, h int) {
	return int(math.Round(r.Width)), int(math.Round(r.Height))
}

// Scaled maps the rectangle into raster pixel space at the given device
// scale factor.
func (r Rect) Scaled(scale float64) image.Rectangle {
	if scale <= 0 {
		scale = 1
	}
	return image.Rect(
		int(math.Round(r.X*scale)),
		int(math.Round(r.Y*scale)),
		int(math.Round((r.X+r.Width)*scale)),
		int(math.Round((r.Y+r.Height)*scale)),
	)
}
