package push

import (
	"fmt"
	"strings"
	"time"
)

// ReconnectPolicy says what a channel does after its socket closes.
// A zero Delay means no reconnect.
type ReconnectPolicy struct {
	Delay time.Duration
}

// NoReconnect leaves the channel Closed after a close.
func NoReconnect() ReconnectPolicy { return ReconnectPolicy{} }

// FixedDelay dials again d after every close or failed dial.
func FixedDelay(d time.Duration) ReconnectPolicy { return ReconnectPolicy{Delay: d} }

// Enabled reports whether reconnection is scheduled after a close.
func (p ReconnectPolicy) Enabled() bool { return p.Delay > 0 }

func (p ReconnectPolicy) String() string {
	if !p.Enabled() {
		return "none"
	}
	return "fixed-delay " + p.Delay.String()
}

// ParsePolicy reads a policy from config: mode "none" or "fixed-delay".
func ParsePolicy(mode string, delay time.Duration) (ReconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "none":
		return NoReconnect(), nil
	case "fixed-delay", "fixed":
		if delay <= 0 {
			return ReconnectPolicy{}, fmt.Errorf("push: fixed-delay reconnect needs a positive delay")
		}
		return FixedDelay(delay), nil
	}
	return ReconnectPolicy{}, fmt.Errorf("push: unknown reconnect policy %q", mode)
}
