// Package can defines the CAN bus abstraction shared by every CANBadger
// subsystem: the ISO-TP transport, the diagnostic clients, the MITM engine
// and the hijack/hammer engine all talk to a bus only through this
// interface, never to a concrete driver.
package can

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Format distinguishes 11-bit standard from 29-bit extended CAN identifiers.
type Format uint8

const (
	Standard Format = iota
	Extended
)

// Kind distinguishes data frames from remote frames.
type Kind uint8

const (
	DataFrame   Kind = iota
	RemoteFrame Kind = iota
)

// MaxStandardID is the highest 11-bit standard CAN identifier.
const MaxStandardID uint32 = unix.CAN_SFF_MASK

// MaxExtendedID is the highest 29-bit extended CAN identifier.
const MaxExtendedID uint32 = unix.CAN_EFF_MASK

// Frame is the CAN frame tuple from the data model: an identifier (with the
// extended/remote flags folded out into Format/Kind instead of being left in
// the top bits of ID), a payload length and up to 8 payload bytes.
type Frame struct {
	ID     uint32
	Len    uint8
	Data   [8]byte
	Format Format
	Kind   Kind
}

// NewFrame builds a data frame, truncating data beyond 8 bytes.
func NewFrame(id uint32, format Format, data []byte) Frame {
	f := Frame{ID: id, Format: format, Kind: DataFrame}
	n := len(data)
	if n > 8 {
		n = 8
	}
	f.Len = uint8(n)
	copy(f.Data[:], data[:n])
	return f
}

// IsExtended reports whether the identifier uses 29-bit addressing.
func (f Frame) IsExtended() bool { return f.Format == Extended }

// Payload returns the frame's data truncated to its declared length.
func (f Frame) Payload() []byte { return f.Data[:f.Len] }

// FrameListener receives CAN frames off the bus. Handle must not block: on
// real hardware it runs on the receive-interrupt path (see internal/ring).
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the thin wrapper around a CAN controller that C1 describes: send
// with a timeout, and a receive hook. Real backends (pkg/can/socketcan) and
// test backends (pkg/can/virtual) both implement it.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	// Send transmits frame, returning ErrSendTimeout if the controller's
	// transmit path does not accept it within timeout.
	Send(frame Frame, timeout time.Duration) error
	// Subscribe registers the sole receiver for frames arriving on this
	// bus. A second call replaces the previous listener.
	Subscribe(callback FrameListener) error
}

// ErrSendTimeout is returned by Bus.Send when the controller's transmit
// path does not become ready within the requested timeout.
var ErrSendTimeout = fmt.Errorf("can: send timeout")

// NewInterfaceFunc constructs a Bus for a registered interface name.
type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// RegisterInterface registers a CAN bus backend under interfaceType. Backend
// packages call this from an init() function, e.g. pkg/can/socketcan.
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// NewBus creates a Bus for a registered interface name ("socketcan",
// "virtual", ...) and channel (e.g. "can0").
func NewBus(interfaceType string, channel string) (Bus, error) {
	createInterface, ok := interfaceRegistry[interfaceType]
	if !ok {
		return nil, fmt.Errorf("can: unsupported interface %q", interfaceType)
	}
	return createInterface(channel)
}
