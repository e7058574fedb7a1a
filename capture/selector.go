package capture

type selectorState int

const (
	selectorIdle selectorState = iota
	selectorDragging
	selectorDone
)

// Selector is the region-selection state machine. It is fed either through
// Begin/Update/End directly or through Handle with pointer events; both
// paths share the same semantics. A Selector is used for a single gesture.
type Selector struct {
	state  selectorState
	kind   PointerKind
	origin Point
	rect   Rect
}

// Begin anchors a zero-size rectangle at (x, y).
func (s *Selector) Begin(x, y float64) {
	s.origin = Point{X: x, Y: y}
	s.rect = Rect{X: x, Y: y}
	s.state = selectorDragging
}

// Update stretches the rectangle to the bounding box of the origin and
// (x, y). It is ignored unless a drag is in progress.
func (s *Selector) Update(x, y float64) {
	if s.state != selectorDragging {
		return
	}
	s.rect = RectFromPoints(s.origin, Point{X: x, Y: y})
}

// End finalizes the selection and returns it. Later calls return the same
// rectangle.
func (s *Selector) End() Rect {
	if s.state == selectorDragging {
		s.state = selectorDone
	}
	return s.rect
}

// Rect returns the current rectangle.
func (s *Selector) Rect() Rect { return s.rect }

// Dragging reports whether a gesture is in progress.
func (s *Selector) Dragging() bool { return s.state == selectorDragging }

// Done reports whether the gesture has been finalized.
func (s *Selector) Done() bool { return s.state == selectorDone }

// Handle applies one pointer event. Events of a different kind than the
// one that started the gesture are ignored, so a stray synthetic mouse
// event cannot hijack a touch drag. The return value tells the overlay
// whether the platform default (page scrolling) must be suppressed, which
// is always the case for touch input.
func (s *Selector) Handle(ev PointerEvent) (preventDefault bool) {
	preventDefault = ev.Kind == Touch
	switch ev.Phase {
	case PointerDown:
		if s.state == selectorIdle {
			s.kind = ev.Kind
			s.Begin(ev.X, ev.Y)
		}
	case PointerMove:
		if s.state == selectorDragging && ev.Kind == s.kind {
			s.Update(ev.X, ev.Y)
		}
	case PointerUp, PointerCancel:
		if s.state == selectorDragging && ev.Kind == s.kind {
			if ev.Phase == PointerUp {
				s.Update(ev.X, ev.Y)
			}
			s.End()
		}
	}
	return preventDefault
}
