// Package tp20 implements the VW TP2.0 connection-oriented diagnostic
// transport (C4, spec §4.4): channel setup on a dedicated per-ECU ID,
// A0/A1 parameter negotiation, an A3 keep-alive, and the three-state
// IDLE/NEGOTIATING/ESTABLISHED FSM spec §4.4 draws out explicitly.
//
// Unlike ISO-TP, TP2.0 is not layered on pkg/isotp -- it owns its own
// addressing and sequencing -- but it borrows isotp's mailbox-over-
// FrameListener shape (a single Subscribe feeding a buffered channel that
// blocking calls drain) since that is the teacher's established pattern
// for talking to a can.Bus. Once ESTABLISHED, application PDUs are KWP
// service requests; tp20.Channel.SendPDU/ReceivePDU carry them as raw
// bytes, and this package does no KWP encoding of its own.
package tp20

import (
	"errors"
	"log/slog"
	"time"

	"github.com/canbadger/canbadger/pkg/can"
)

// State is the channel's position in the spec §4.4 state diagram.
type State uint8

const (
	StateIdle State = iota
	StateNegotiating
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Frame type nibble (low nibble of the first data byte of a data frame).
const (
	frameTypeDataFinal byte = 0x0
	frameTypeDataMore  byte = 0x1
	frameTypeAck       byte = 0xB
)

// Channel-setup/parameter-negotiation PCI bytes.
const (
	pciSetupRequest  byte = 0xC0
	pciSetupResponse byte = 0xD0
	pciParamRequest  byte = 0xA0
	pciParamResponse byte = 0xA1
	pciKeepAlive     byte = 0xA3
)

var (
	// ErrChannelSetupFailed covers a missing or malformed setup response.
	ErrChannelSetupFailed = errors.New("tp20: channel setup failed")
	// ErrNegotiationFailed covers a missing or rejected A0/A1 exchange.
	ErrNegotiationFailed = errors.New("tp20: parameter negotiation failed")
	// ErrChannelTimeout covers any wait exceeding the inactivity timeout.
	ErrChannelTimeout = errors.New("tp20: inactivity timeout")
	// ErrNotEstablished is returned by SendPDU/ReceivePDU before the
	// handshake completes.
	ErrNotEstablished = errors.New("tp20: channel not established")
)

// Params are the block-size/separation-time/inactivity-timeout analogs
// negotiated by the A0/A1 exchange.
type Params struct {
	BlockSize        uint8
	SeparationTimeMs uint8
	InactivityTimeout time.Duration
}

// DefaultParams mirrors the conservative defaults the ISO-TP transport
// offers (spec gives no numeric defaults for TP2.0; these keep the same
// shape as isotp.DefaultConfig).
func DefaultParams() Params {
	return Params{BlockSize: 0, SeparationTimeMs: 0, InactivityTimeout: 5 * time.Second}
}

// Channel is one TP2.0 connection to a single ECU.
type Channel struct {
	bus    can.Bus
	logger *slog.Logger

	ecuID      byte
	testerAddr byte
	txID       uint32 // tester -> ECU, learned from the setup response
	rxID       uint32 // ECU -> tester, learned from the setup response

	params Params
	state  State
	seq    uint8 // 4-bit sequence counter, high nibble of each data frame

	mailbox chan can.Frame
}

// New creates a TP2.0 channel targeting ecuID on bus; testerAddr
// identifies this tester in the setup handshake.
func New(bus can.Bus, ecuID, testerAddr byte, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		bus:        bus,
		logger:     logger.With("component", "tp20", "ecu", ecuID),
		ecuID:      ecuID,
		testerAddr: testerAddr,
		params:     DefaultParams(),
		mailbox:    make(chan can.Frame, 64),
	}
}

// State returns the channel's current FSM state.
func (c *Channel) State() State { return c.state }

// Subscribe attaches the channel to its bus. Call before Open.
func (c *Channel) Subscribe() error {
	return c.bus.Subscribe(c)
}

// Handle implements can.FrameListener.
func (c *Channel) Handle(frame can.Frame) {
	select {
	case c.mailbox <- frame:
	default:
		select {
		case <-c.mailbox:
		default:
		}
		select {
		case c.mailbox <- frame:
		default:
		}
	}
}

func (c *Channel) recv(id uint32, timeout time.Duration) (can.Frame, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case frame := <-c.mailbox:
			if frame.ID == id {
				return frame, nil
			}
		case <-deadline.C:
			return can.Frame{}, ErrChannelTimeout
		}
	}
}

func (c *Channel) send(id uint32, data []byte, timeout time.Duration) error {
	return c.bus.Send(can.NewFrame(id, can.Standard, data), timeout)
}

// Open drives the channel through IDLE -> NEGOTIATING -> ESTABLISHED
// (spec §4.4's two-phase handshake). On any failure the channel returns
// to IDLE.
func (c *Channel) Open(timeout time.Duration) error {
	c.state = StateIdle
	setupID := 0x200 + uint32(c.ecuID)

	if err := c.send(setupID, []byte{pciSetupRequest, c.testerAddr, c.ecuID}, timeout); err != nil {
		return err
	}
	resp, err := c.recv(0x300+uint32(c.ecuID), timeout)
	if err != nil || resp.Len < 5 || resp.Data[0] != pciSetupResponse {
		return ErrChannelSetupFailed
	}
	c.txID = uint32(resp.Data[1]) | uint32(resp.Data[2])<<8
	c.rxID = uint32(resp.Data[3]) | uint32(resp.Data[4])<<8
	c.state = StateNegotiating
	c.logger.Debug("channel setup complete", "tx_id", c.txID, "rx_id", c.rxID)

	if err := c.negotiate(timeout); err != nil {
		c.state = StateIdle
		return err
	}
	c.state = StateEstablished
	c.seq = 0
	return nil
}

func (c *Channel) negotiate(timeout time.Duration) error {
	req := []byte{pciParamRequest, c.params.BlockSize, c.params.SeparationTimeMs}
	if err := c.send(c.txID, req, timeout); err != nil {
		return err
	}
	resp, err := c.recv(c.rxID, timeout)
	if err != nil || resp.Len < 3 || resp.Data[0] != pciParamResponse {
		return ErrNegotiationFailed
	}
	c.params.BlockSize = resp.Data[1]
	c.params.SeparationTimeMs = resp.Data[2]
	return nil
}

// KeepAlive emits an A3 frame; callers must call this within the
// negotiated inactivity timeout to hold the channel open (spec §4.4).
func (c *Channel) KeepAlive(timeout time.Duration) error {
	if c.state != StateEstablished {
		return ErrNotEstablished
	}
	return c.send(c.txID, []byte{pciKeepAlive}, timeout)
}

// Close returns the channel to IDLE. TP2.0 has no explicit close frame
// in spec §4.4; callers simply stop driving KeepAlive and let the ECU's
// own inactivity timeout tear the channel down.
func (c *Channel) Close() {
	c.state = StateIdle
}

// SendPDU transmits an application PDU (a KWP service request) inside
// one or more TP2.0 data frames, each carrying a 4-bit sequence counter
// in the high nibble and a data/more-follows type in the low nibble of
// the first byte.
func (c *Channel) SendPDU(pdu []byte, timeout time.Duration) error {
	if c.state != StateEstablished {
		return ErrNotEstablished
	}
	const maxChunk = 7 // 8-byte frame minus the type/sequence byte
	for offset := 0; offset < len(pdu); offset += maxChunk {
		end := offset + maxChunk
		if end > len(pdu) {
			end = len(pdu)
		}
		chunk := pdu[offset:end]
		more := end < len(pdu)
		frameType := frameTypeDataFinal
		if more {
			frameType = frameTypeDataMore
		}
		data := append([]byte{(c.seq << 4) | frameType}, chunk...)
		if err := c.send(c.txID, data, timeout); err != nil {
			return err
		}
		c.seq = (c.seq + 1) & 0x0F
		if more {
			if _, err := c.recv(c.rxID, timeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReceivePDU reassembles one application PDU from consecutive data
// frames, acknowledging each more-follows frame, until a final frame
// arrives.
func (c *Channel) ReceivePDU(timeout time.Duration) ([]byte, error) {
	if c.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	var pdu []byte
	for {
		frame, err := c.recv(c.rxID, timeout)
		if err != nil {
			return nil, err
		}
		if frame.Len == 0 {
			continue
		}
		frameType := frame.Data[0] & 0x0F
		pdu = append(pdu, frame.Data[1:frame.Len]...)
		if frameType == frameTypeDataFinal {
			return pdu, nil
		}
		if frameType == frameTypeDataMore {
			ack := []byte{(frame.Data[0] & 0xF0) | frameTypeAck}
			if err := c.send(c.txID, ack, timeout); err != nil {
				return nil, err
			}
			continue
		}
	}
}
