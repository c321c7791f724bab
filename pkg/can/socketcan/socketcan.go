// Package socketcan wraps github.com/brutella/can as a CAN bus backend for
// real Linux hardware, registering itself as "socketcan" in pkg/can's
// interface registry.
package socketcan

import (
	"time"

	sockcan "github.com/brutella/can"
	"golang.org/x/sys/unix"

	"github.com/canbadger/canbadger/pkg/can"
)

const retryInterval = 100 * time.Microsecond

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

// Bus wraps a brutella/can socketcan bus.
type Bus struct {
	bus        *sockcan.Bus
	rxCallback can.FrameListener
}

// NewBus opens the given interface name, e.g. "can0".
func NewBus(channel string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

// Connect starts publishing received frames in the background.
func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

// Disconnect closes the underlying socketcan socket.
func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

// Send retries Publish in short bursts until timeout elapses, matching the
// bounded busy-wait retry the MITM bridge and diagnostic clients rely on
// (spec: "make sure the msg goes out").
func (b *Bus) Send(frame can.Frame, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		lastErr = b.bus.Publish(toBrutella(frame))
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return can.ErrSendTimeout
		}
		time.Sleep(retryInterval)
	}
}

// Subscribe registers the sole frame listener for this bus.
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's Handler interface and adapts its frame
// shape to ours.
func (b *Bus) Handle(frame sockcan.Frame) {
	if b.rxCallback != nil {
		b.rxCallback.Handle(fromBrutella(frame))
	}
}

// brutella/can carries the raw SocketCAN wire ID, which folds the
// extended/RTR/error flags into the top bits the same way the Linux
// can_frame.can_id field does (see linux/can.h); golang.org/x/sys/unix
// exposes those bit layouts so we don't hand-roll them.
func toBrutella(f can.Frame) sockcan.Frame {
	id := f.ID
	if f.IsExtended() {
		id |= unix.CAN_EFF_FLAG
	}
	if f.Kind == can.RemoteFrame {
		id |= unix.CAN_RTR_FLAG
	}
	return sockcan.Frame{ID: id, Length: f.Len, Data: f.Data}
}

func fromBrutella(frame sockcan.Frame) can.Frame {
	format := can.Standard
	id := frame.ID
	if id&unix.CAN_EFF_FLAG != 0 {
		format = can.Extended
		id &= unix.CAN_EFF_MASK
	} else {
		id &= unix.CAN_SFF_MASK
	}
	kind := can.DataFrame
	if frame.ID&unix.CAN_RTR_FLAG != 0 {
		kind = can.RemoteFrame
	}
	out := can.Frame{ID: id, Len: frame.Length, Format: format, Kind: kind}
	copy(out.Data[:], frame.Data[:])
	return out
}
