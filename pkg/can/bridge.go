package can

import (
	"log/slog"
	"time"
)

// BridgeRetryLimit and BridgeRetryInterval bound the bridge's forwarding
// retry loop (spec §5/§9: "MITM TX retry caps at 100 x 100 microseconds",
// the same budget any receive-path retransmitter in this architecture
// shares), grounded on original_source/CANBADGER/CAN_MITM.cpp's
// `wait(0.0001)` busy-retry.
const (
	BridgeRetryLimit    = 100
	BridgeRetryInterval = 100 * time.Microsecond
)

// BridgeListener implements the standing CAN-bridge ISR retransmit spec
// §3/§5 describes (spec.md:74's per-interface "bridge enabled" status
// bits, spec.md:209's "[the receive hook] may also, when the bridge is
// enabled, immediately retransmit the frame on the opposite bus"). It is
// distinct from pkg/mitm.Engine: it never consults a rule store and
// never transforms a payload, it only retransmits verbatim when Enabled
// reports true for the direction this listener was built for.
type BridgeListener struct {
	dest    Bus
	Enabled func() bool
	logger  *slog.Logger
}

// NewBridgeListener builds a listener that forwards frames received on
// its subscribed bus to dest, but only while enabled() returns true.
func NewBridgeListener(dest Bus, enabled func() bool, logger *slog.Logger) *BridgeListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeListener{dest: dest, Enabled: enabled, logger: logger.With("component", "can.bridge")}
}

// Handle implements FrameListener: it must not block the receive path,
// so forwarding uses the same bounded retry pkg/mitm.Engine.forward uses
// rather than waiting indefinitely for the opposite bus's TX path.
func (b *BridgeListener) Handle(frame Frame) {
	if b.Enabled == nil || !b.Enabled() {
		return
	}
	ForwardWithRetry(b.dest, frame, b.logger)
}

// ForwardWithRetry retransmits frame on dest, retrying up to
// BridgeRetryLimit times at BridgeRetryInterval spacing -- the bounded
// busy-wait spec.md:209's retransmit requirement needs without blocking
// the calling receive path forever. It reports whether the frame was
// sent.
func ForwardWithRetry(dest Bus, frame Frame, logger *slog.Logger) bool {
	for attempt := 0; attempt < BridgeRetryLimit; attempt++ {
		if err := dest.Send(frame, BridgeRetryInterval); err == nil {
			return true
		}
	}
	if logger != nil {
		logger.Warn("bridge forward exhausted retry budget", "id", frame.ID)
	}
	return false
}
