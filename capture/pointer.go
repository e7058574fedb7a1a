package capture

import (
	"encoding/json"
	"fmt"
)

// PointerKind distinguishes mouse input from touch input.
type PointerKind string

const (
	Mouse PointerKind = "mouse"
	Touch PointerKind = "touch"
)

// PointerPhase is the step of a drag gesture an event belongs to.
type PointerPhase string

const (
	PointerDown   PointerPhase = "down"
	PointerMove   PointerPhase = "move"
	PointerUp     PointerPhase = "up"
	PointerCancel PointerPhase = "cancel"
)

// PointerEvent is one pointer sample in page coordinates. For touch input
// the coordinates are those of the first active touch point.
type PointerEvent struct {
	Kind  PointerKind  `json:"kind"`
	Phase PointerPhase `json:"phase"`
	X     float64      `json:"x"`
	Y     float64      `json:"y"`
}

// ParsePointerEvent decodes an event posted by the overlay script.
func ParsePointerEvent(data []byte) (PointerEvent, error) {
	var ev PointerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return PointerEvent{}, fmt.Errorf("capture: parse pointer event: %w", err)
	}
	switch ev.Kind {
	case Mouse, Touch:
	default:
		return PointerEvent{}, fmt.Errorf("capture: unknown pointer kind %q", ev.Kind)
	}
	switch ev.Phase {
	case PointerDown, PointerMove, PointerUp, PointerCancel:
	default:
		return PointerEvent{}, fmt.Errorf("capture: unknown pointer phase %q", ev.Phase)
	}
	return ev, nil
}
