package hijack

import (
	"log/slog"
	"time"

	"github.com/canbadger/canbadger/pkg/can"
)

// BusSource implements Source by subscribing as the frame listener on
// two CAN buses, retransmitting every frame to the opposite bus, and
// handing each arriving frame to Run as an Observation tagged by which
// bus it arrived on. Spec §4.6 states the hijack engine's precondition
// as "both CAN buses are bridged" -- on real two-bus hardware nothing
// else provides that bridge while a hijack action owns both buses'
// listener slots, so BusSource must own retransmission itself (the same
// bounded-retry forward pkg/mitm.Engine and can.BridgeListener use)
// rather than only observing a bridge assumed to exist elsewhere.
type BusSource struct {
	mailbox chan Observation
	logger  *slog.Logger
}

// NewBusSource subscribes to bus1 (tagged 1) and bus2 (tagged 2),
// bridging them unconditionally for the duration of the hijack, and
// returns a Source ready for Engine.Run.
func NewBusSource(bus1, bus2 can.Bus) (*BusSource, error) {
	s := &BusSource{mailbox: make(chan Observation, 256), logger: slog.Default().With("component", "hijack.source")}
	if err := bus1.Subscribe(&busListener{source: s, bus: 1, dest: bus2}); err != nil {
		return nil, err
	}
	if err := bus2.Subscribe(&busListener{source: s, bus: 2, dest: bus1}); err != nil {
		return nil, err
	}
	return s, nil
}

type busListener struct {
	source *BusSource
	bus    int
	dest   can.Bus
}

func (l *busListener) Handle(frame can.Frame) {
	obs := Observation{Bus: l.bus, ID: frame.ID, Payload: append([]byte(nil), frame.Payload()...)}
	select {
	case l.source.mailbox <- obs:
	default: // mailbox full: drop rather than block the CAN receive path, per spec §5
	}
	can.ForwardWithRetry(l.dest, frame, l.source.logger)
}

// Next implements Source: blocks up to timeout for the next bridged
// observation.
func (s *BusSource) Next(timeout time.Duration) (Observation, error) {
	select {
	case obs := <-s.mailbox:
		return obs, nil
	case <-time.After(timeout):
		return Observation{}, ErrSourceTimeout
	}
}
