package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
)

const dataURIPrefix = "data:image/png;base64,"

// Raster is a full-page rendering. Scale is the number of raster pixels per
// page unit (the device pixel ratio); zero means 1.
type Raster struct {
	Image image.Image
	Scale float64
}

// Rasterizer renders the whole page. Elements matched by the exclude
// selectors, and their descendants, must not appear in the output.
type Rasterizer interface {
	Rasterize(ctx context.Context, exclude []string) (Raster, error)
}

// Output is a composited capture.
type Output struct {
	Image   *image.RGBA
	PNG     []byte
	DataURI string
}

var (
	ErrEmptyRaster   = errors.New("capture: empty raster")
	ErrEmptyRect     = errors.New("capture: empty selection")
	ErrOutsideRaster = errors.New("capture: selection outside raster")
)

// Composite crops rect out of the raster onto a new image of exactly
// rect.Width x rect.Height pixels and encodes it as a PNG data URI. When the
// raster scale is not 1 the region is resampled back to page units. Parts of
// rect that fall outside the raster stay transparent.
func Composite(r Raster, rect Rect) (Output, error) {
	if r.Image == nil {
		return Output{}, ErrEmptyRaster
	}
	w, h := rect.Size()
	if w <= 0 || h <= 0 {
		return Output{}, ErrEmptyRect
	}
	scale := r.Scale
	if scale <= 0 {
		scale = 1
	}

	bounds := r.Image.Bounds()
	src := rect.Scaled(scale).Add(bounds.Min)
	clipped := src.Intersect(bounds)
	if clipped.Empty() {
		return Output{}, ErrOutsideRaster
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if scale == 1 && src.Dx() == w && src.Dy() == h {
		draw.Copy(dst, clipped.Min.Sub(src.Min), r.Image, clipped, draw.Src, nil)
	} else {
		fx := float64(w) / float64(src.Dx())
		fy := float64(h) / float64(src.Dy())
		dr := image.Rect(
			int(float64(clipped.Min.X-src.Min.X)*fx+0.5),
			int(float64(clipped.Min.Y-src.Min.Y)*fy+0.5),
			int(float64(clipped.Max.X-src.Min.X)*fx+0.5),
			int(float64(clipped.Max.Y-src.Min.Y)*fy+0.5),
		)
		draw.CatmullRom.Scale(dst, dr, r.Image, clipped, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Output{}, fmt.Errorf("capture: encode png: %w", err)
	}
	return Output{
		Image:   dst,
		PNG:     buf.Bytes(),
		DataURI: dataURIPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// DecodeDataURI returns the PNG bytes of a data URI produced by Composite.
func DecodeDataURI(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, dataURIPrefix) {
		return nil, fmt.Errorf("capture: not a PNG data URI")
	}
	data, err := base64.StdEncoding.DecodeString(uri[len(dataURIPrefix):])
	if err != nil {
		return nil, fmt.Errorf("capture: decode data URI: %w", err)
	}
	return data, nil
}
