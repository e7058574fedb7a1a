package push

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when the channel is not Open. The
// message is dropped, not queued.
var ErrNotConnected = errors.New("push: channel not connected")

// ErrChannelClosed is returned by Connect after Close.
var ErrChannelClosed = errors.New("push: channel closed")

// ErrMalformedFrame classifies inbound frames that are not JSON objects.
var ErrMalformedFrame = errors.New("push: malformed frame")

// ErrInvalidPayload classifies well-formed frames whose payload the channel
// does not accept.
var ErrInvalidPayload = errors.New("push: invalid payload")

// ErrSendFailed is returned when an outbound message could not be encoded or
// written to the socket.
type ErrSendFailed struct {
	Channel string
	Cause   error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("push: send failed on %s: %v", e.Channel, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
