// Package isotp implements the ISO-TP (ISO 15765-2) transport (C3):
// segmentation, reassembly, flow control and both addressing modes over a
// can.Bus. It sits directly on pkg/can the same way an SDO client sits on
// a CANopen bus manager: a single FrameListener subscription feeds an
// internal mailbox that the blocking Send/Receive calls drain, with every
// wait bounded and tick-counted rather than yielding to a scheduler
// (spec §5).
package isotp

import (
	"errors"
	"log/slog"
	"time"

	"github.com/canbadger/canbadger/internal/fifo"
	"github.com/canbadger/canbadger/pkg/can"
)

// AddressingMode selects how the PCI byte is placed in the CAN frame.
type AddressingMode uint8

const (
	// Standard addressing: the CAN ID identifies the endpoint, byte 0 is
	// the PCI.
	StandardAddressing AddressingMode = iota
	// Extended addressing: byte 0 is a target address, byte 1 is the PCI.
	ExtendedAddressing
)

// FilterMode controls which frames ReceiveISOTP accepts.
type FilterMode uint8

const (
	// FilterRemoteID accepts only frames whose ID equals the configured
	// RemoteID -- used for diagnostic sessions.
	FilterRemoteID FilterMode = iota
	// FilterAny returns the first frame received regardless of ID -- used
	// for scans.
	FilterAny
)

// MaxPayload is the largest ISO-TP message this transport will segment or
// reassemble (12-bit First Frame length field).
const MaxPayload = 4095

// PCI type nibbles (top nibble of the first PCI byte).
const (
	pciSingleFrame       = 0x0
	pciFirstFrame        = 0x1
	pciConsecutiveFrame  = 0x2
	pciFlowControlFrame  = 0x3
)

// Flow control flag (low nibble of the first FC byte).
type FlowStatus uint8

const (
	FlowContinue FlowStatus = 0
	FlowWait     FlowStatus = 1
	FlowAbort    FlowStatus = 2
)

// Errors from the transport-layer taxonomy (spec §7).
var (
	ErrTransportTimeout  = errors.New("isotp: timeout waiting for reply")
	ErrTransportSequence = errors.New("isotp: consecutive frame sequence mismatch")
	ErrTransportAbort    = errors.New("isotp: remote flow control abort")
	ErrTransportOverlong = errors.New("isotp: message exceeds 4095 bytes")
)

// Config holds the parameters set by set_transmission_parameters (spec
// §4.1).
type Config struct {
	LocalID        uint32
	RemoteID       uint32
	Format         can.Format
	PaddingOn      bool
	PaddingByte    byte
	AddressingMode AddressingMode

	// BlockSize/SeparationTimeMs are offered to the remote sender in our
	// own Flow Control frames when receiving.
	BlockSize        uint8
	SeparationTimeMs uint8

	RequestTimeout time.Duration // default request/response timeout (<=1s)
	PerFrameTimeout time.Duration // default per-CF timeout (<=500ms)
}

// DefaultConfig returns sane defaults within the bounds spec §5 requires.
func DefaultConfig() Config {
	return Config{
		PaddingOn:        true,
		PaddingByte:      0xAA,
		AddressingMode:   StandardAddressing,
		BlockSize:        0,
		SeparationTimeMs: 0,
		RequestTimeout:   1 * time.Second,
		PerFrameTimeout:  500 * time.Millisecond,
	}
}

// Transport is an ISO-TP endpoint over a single CAN bus.
type Transport struct {
	bus    can.Bus
	logger *slog.Logger
	cfg    Config
	filter FilterMode

	mailbox chan can.Frame
}

// New creates a transport bound to bus. Call SetTransmissionParameters
// before Send/Receive.
func New(bus can.Bus, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		bus:     bus,
		logger:  logger.With("component", "isotp"),
		cfg:     DefaultConfig(),
		mailbox: make(chan can.Frame, 64),
	}
	return t
}

// SetTransmissionParameters configures addressing and padding, as named by
// spec §4.1.
func (t *Transport) SetTransmissionParameters(localID, remoteID uint32, format can.Format, paddingOn bool, paddingByte byte, mode AddressingMode) {
	t.cfg.LocalID = localID
	t.cfg.RemoteID = remoteID
	t.cfg.Format = format
	t.cfg.PaddingOn = paddingOn
	t.cfg.PaddingByte = paddingByte
	t.cfg.AddressingMode = mode
}

// SetFilterMode selects how ReceiveISOTP chooses which frames to accept.
func (t *Transport) SetFilterMode(mode FilterMode) { t.filter = mode }

// Subscribe attaches this transport to its bus as the frame listener. Must
// be called once before Send/Receive.
func (t *Transport) Subscribe() error {
	return t.bus.Subscribe(t)
}

// Handle implements can.FrameListener. It never blocks: a full mailbox
// drops the oldest-pending frame rather than stalling the bus callback.
func (t *Transport) Handle(frame can.Frame) {
	select {
	case t.mailbox <- frame:
	default:
		select {
		case <-t.mailbox:
		default:
		}
		select {
		case t.mailbox <- frame:
		default:
		}
	}
}

// addrOffset returns how many leading bytes of each frame are consumed by
// addressing before the PCI begins: 0 for standard, 1 for extended.
func (t *Transport) addrOffset() int {
	if t.cfg.AddressingMode == ExtendedAddressing {
		return 1
	}
	return 0
}

// maxSingleFramePayload is the largest payload that fits a Single Frame.
func (t *Transport) maxSingleFramePayload() int {
	if t.cfg.AddressingMode == ExtendedAddressing {
		return 6
	}
	return 7
}

func (t *Transport) buildFrame(data []byte) can.Frame {
	frame := can.Frame{ID: t.cfg.LocalID, Format: t.cfg.Format, Kind: can.DataFrame}
	n := len(data)
	if t.cfg.PaddingOn {
		for i := range frame.Data {
			frame.Data[i] = t.cfg.PaddingByte
		}
		frame.Len = 8
	} else {
		frame.Len = uint8(n)
	}
	copy(frame.Data[:], data)
	return frame
}

func (t *Transport) send(data []byte, timeout time.Duration) error {
	return t.bus.Send(t.buildFrame(data), timeout)
}

func (t *Transport) recvFiltered(timeout time.Duration) (can.Frame, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case frame := <-t.mailbox:
			if t.filter == FilterAny || frame.ID == t.cfg.RemoteID {
				return frame, nil
			}
		case <-deadline.C:
			return can.Frame{}, ErrTransportTimeout
		}
	}
}

// SendISOTP transmits payload, segmenting it if necessary and driving the
// Flow Control handshake for multi-frame messages (spec §4.1).
func (t *Transport) SendISOTP(payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrTransportOverlong
	}
	off := t.addrOffset()
	maxSF := t.maxSingleFramePayload()

	if len(payload) <= maxSF {
		buf := make([]byte, off+1+len(payload))
		if off == 1 {
			buf[0] = byte(t.cfg.LocalID) // extended addressing target byte
		}
		buf[off] = byte(pciSingleFrame<<4) | byte(len(payload))
		copy(buf[off+1:], payload)
		return t.send(buf, t.cfg.RequestTimeout)
	}

	return t.sendMultiFrame(payload)
}

func (t *Transport) sendMultiFrame(payload []byte) error {
	off := t.addrOffset()
	n := len(payload)

	// First Frame payload capacity is fixed at 6 bytes (standard) / 5 (extended).
	ffCap := 6
	if off == 1 {
		ffCap = 5
	}
	ff := make([]byte, off+2+ffCap)
	if off == 1 {
		ff[0] = byte(t.cfg.LocalID)
	}
	ff[off] = byte(pciFirstFrame<<4) | byte((n>>8)&0x0F)
	ff[off+1] = byte(n & 0xFF)
	copy(ff[off+2:], payload[:ffCap])
	if err := t.send(ff, t.cfg.RequestTimeout); err != nil {
		return err
	}

	fc, err := t.waitFlowControl()
	if err != nil {
		return err
	}

	sent := ffCap
	seq := uint8(1)
	cfCap := 7
	if off == 1 {
		cfCap = 6
	}
	inBlock := 0
	for sent < n {
		chunk := payload[sent:]
		if len(chunk) > cfCap {
			chunk = chunk[:cfCap]
		}
		cf := make([]byte, off+1+len(chunk))
		if off == 1 {
			cf[0] = byte(t.cfg.LocalID)
		}
		cf[off] = byte(pciConsecutiveFrame<<4) | (seq & 0x0F)
		copy(cf[off+1:], chunk)
		if err := t.send(cf, t.cfg.PerFrameTimeout); err != nil {
			return err
		}
		sent += len(chunk)
		seq = (seq + 1) % 16
		inBlock++

		if sent >= n {
			break
		}
		if fc.separation > 0 {
			time.Sleep(time.Duration(fc.separation) * time.Millisecond)
		}
		if fc.blockSize != 0 && inBlock >= int(fc.blockSize) {
			fc, err = t.waitFlowControl()
			if err != nil {
				return err
			}
			inBlock = 0
		}
	}
	return nil
}

type flowControl struct {
	status     FlowStatus
	blockSize  uint8
	separation uint8
}

// waitFlowControl blocks (bounded by the response timeout, extended on
// FlowWait) until a Flow Control frame arrives from the remote endpoint.
func (t *Transport) waitFlowControl() (flowControl, error) {
	off := t.addrOffset()
	deadline := time.Now().Add(t.cfg.RequestTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return flowControl{}, ErrTransportTimeout
		}
		frame, err := t.recvFiltered(remaining)
		if err != nil {
			return flowControl{}, err
		}
		if int(frame.Len) < off+3 {
			continue
		}
		pci := frame.Data[off] >> 4
		if pci != pciFlowControlFrame {
			continue
		}
		status := FlowStatus(frame.Data[off] & 0x0F)
		switch status {
		case FlowContinue:
			return flowControl{
				status:     status,
				blockSize:  frame.Data[off+1],
				separation: frame.Data[off+2],
			}, nil
		case FlowWait:
			deadline = time.Now().Add(t.cfg.RequestTimeout)
			continue
		case FlowAbort:
			return flowControl{}, ErrTransportAbort
		default:
			continue
		}
	}
}

// sendFlowControl emits a Flow Control frame with our own offered block
// size / separation time.
func (t *Transport) sendFlowControl(status FlowStatus) error {
	off := t.addrOffset()
	buf := make([]byte, off+3)
	if off == 1 {
		buf[0] = byte(t.cfg.LocalID)
	}
	buf[off] = byte(pciFlowControlFrame<<4) | byte(status)
	buf[off+1] = t.cfg.BlockSize
	buf[off+2] = t.cfg.SeparationTimeMs
	return t.send(buf, t.cfg.PerFrameTimeout)
}

// ReceiveISOTP blocks until a complete ISO-TP message is reassembled or an
// error occurs (spec §4.1).
func (t *Transport) ReceiveISOTP(timeout time.Duration) ([]byte, error) {
	off := t.addrOffset()
	frame, err := t.recvFiltered(timeout)
	if err != nil {
		return nil, err
	}
	if int(frame.Len) <= off {
		return nil, ErrTransportTimeout
	}
	pci := frame.Data[off] >> 4
	switch pci {
	case pciSingleFrame:
		n := int(frame.Data[off] & 0x0F)
		if off+1+n > int(frame.Len) {
			n = int(frame.Len) - off - 1
		}
		return append([]byte(nil), frame.Data[off+1:off+1+n]...), nil
	case pciFirstFrame:
		return t.receiveMultiFrame(frame)
	default:
		return nil, ErrTransportTimeout
	}
}

func (t *Transport) receiveMultiFrame(first can.Frame) ([]byte, error) {
	off := t.addrOffset()
	total := (int(first.Data[off]&0x0F) << 8) | int(first.Data[off+1])
	if total > MaxPayload {
		return nil, ErrTransportOverlong
	}

	buf := fifo.NewFifo(total + 1)
	ffCap := 6
	if off == 1 {
		ffCap = 5
	}
	n := ffCap
	if n > total {
		n = total
	}
	buf.Write(first.Data[off+2 : off+2+n])

	if err := t.sendFlowControl(FlowContinue); err != nil {
		return nil, err
	}

	expected := uint8(1)
	cfCap := 7
	if off == 1 {
		cfCap = 6
	}
	for buf.GetOccupied() < total {
		frame, err := t.recvFiltered(t.cfg.PerFrameTimeout)
		if err != nil {
			return nil, err
		}
		if int(frame.Len) <= off {
			continue
		}
		pci := frame.Data[off] >> 4
		if pci != pciConsecutiveFrame {
			continue
		}
		seq := frame.Data[off] & 0x0F
		if seq != expected {
			return nil, ErrTransportSequence
		}
		remain := total - buf.GetOccupied()
		n := cfCap
		if n > remain {
			n = remain
		}
		buf.Write(frame.Data[off+1 : off+1+n])
		expected = (expected + 1) % 16
	}

	out := make([]byte, total)
	buf.Read(out)
	return out, nil
}

// PackResult encodes (bytesRead, errorCode) into the legacy 32-bit word
// exchanged with the control plane (spec §4.1/§7/§9): low 16 bits = length,
// high 16 bits = error code (0 on success).
func PackResult(n int, code uint16) uint32 {
	return uint32(code)<<16 | uint32(uint16(n))
}

// UnpackResult is the inverse of PackResult.
func UnpackResult(word uint32) (n int, code uint16) {
	return int(uint16(word)), uint16(word >> 16)
}
