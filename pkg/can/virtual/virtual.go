// Package virtual provides an in-process CAN bus fake used by tests: no
// kernel SocketCAN stack is required. It is modeled on the teacher's
// pkg/can/virtual TCP-broker bus, simplified to direct channel delivery
// since CANBadger's tests only need deterministic loopback and
// bus-to-bus bridging, not a multi-process broker.
package virtual

import (
	"sync"
	"time"

	"github.com/canbadger/canbadger/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
}

// Bus is a standalone virtual bus. Frames sent on it are delivered to its
// own listener only if ReceiveOwn is set, and to a paired peer bus (see
// NewPair) if one is attached -- modeling CANBadger's two physical CAN
// ports bridged together.
type Bus struct {
	mu         sync.Mutex
	listener   can.FrameListener
	receiveOwn bool
	peer       *Bus
	closed     bool
}

// NewBus satisfies can.NewInterfaceFunc; channel is unused, present only to
// match the registry signature.
func NewBus(channel string) (can.Bus, error) {
	return &Bus{}, nil
}

// NewPair creates two buses wired to forward every Send on one to the
// other's listener, modeling a CANBadger bridge's bus1/bus2.
func NewPair() (*Bus, *Bus) {
	b1, b2 := &Bus{}, &Bus{}
	b1.peer, b2.peer = b2, b1
	return b1, b2
}

// SetReceiveOwn controls whether frames sent on this bus are also delivered
// to its own listener (useful for single-bus loopback tests).
func (b *Bus) SetReceiveOwn(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = v
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Bus) Send(frame can.Frame, timeout time.Duration) error {
	b.mu.Lock()
	closed := b.closed
	receiveOwn := b.receiveOwn
	listener := b.listener
	peer := b.peer
	b.mu.Unlock()
	if closed {
		return can.ErrSendTimeout
	}
	if receiveOwn && listener != nil {
		listener.Handle(frame)
	}
	if peer != nil {
		peer.mu.Lock()
		peerListener := peer.listener
		peer.mu.Unlock()
		if peerListener != nil {
			peerListener.Handle(frame)
		}
	}
	return nil
}

func (b *Bus) Subscribe(callback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = callback
	return nil
}
