// Package control implements the control plane (C7, spec §4.7/§6): the
// length-prefixed message framing, the UDP discovery beacon and CONNECT
// handshake, the action dispatcher, and the paced file-transfer actions.
//
// No retrieved example repo implements this kind of custom binary
// control-plane framing (the teacher's own network code is an HTTP/JSON
// CiA 309-5 gateway, a different protocol shape entirely), so the wire
// format and action catalog here are grounded directly on
// original_source/CANBADGER/ethernet_message.hpp and command_handler.cpp,
// written in the error/logging idiom the rest of this module's packages
// (pkg/uds, pkg/mitm) already established.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType is the first byte of every control-plane message (spec
// §4.7's wire format), from ethernet_message.hpp's MessageType enum.
type MessageType uint8

const (
	TypeACK MessageType = iota
	TypeNACK
	TypeData
	TypeAction
	TypeConnect
	TypeDebug
)

func (t MessageType) String() string {
	switch t {
	case TypeACK:
		return "ACK"
	case TypeNACK:
		return "NACK"
	case TypeData:
		return "DATA"
	case TypeAction:
		return "ACTION"
	case TypeConnect:
		return "CONNECT"
	case TypeDebug:
		return "DEBUG"
	default:
		return "unknown"
	}
}

// ActionType is the second byte of an ACTION message, from
// ethernet_message.hpp's ActionType enum (order preserved verbatim so
// any recorded traffic dump is byte-for-byte comparable).
type ActionType uint8

const (
	ActionNone ActionType = iota
	ActionSettings
	ActionEEPROMWrite
	ActionLogRawCANTraffic
	ActionEnableTestMode
	ActionStop
	ActionReset
	ActionStartUDS
	ActionStartTP
	ActionUDS
	ActionTP
	ActionHijack
	ActionMITM
	ActionUpdateSD
	ActionDownloadFile
	ActionDeleteFile
	ActionReceiveRules
	ActionAddRule
	ActionEnableMITMMode
	ActionStartReplay
	ActionRelay
	ActionLED
)

// MaxDataLength is the dispatcher's bound check on an incoming message's
// declared data length (spec §4.7: "bound-check data_length (<= 2048)").
const MaxDataLength = 2048

// ErrBadFraming is returned when a message's declared data_length
// violates MaxDataLength, or the stream ends mid-frame.
var ErrBadFraming = errors.New("control: bad framing")

// Message is one decoded control-plane frame.
type Message struct {
	Type   MessageType
	Action ActionType
	Data   []byte
}

// Encode serializes m to its wire form: type | action_type | data_length
// (u32 LE) | data.
func (m Message) Encode() []byte {
	buf := make([]byte, 6+len(m.Data))
	buf[0] = byte(m.Type)
	buf[1] = byte(m.Action)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(m.Data)))
	copy(buf[6:], m.Data)
	return buf
}

// WriteMessage encodes and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// ReadMessage decodes one frame from r, rejecting a declared
// data_length over MaxDataLength as ErrBadFraming before attempting to
// read it.
func ReadMessage(r io.Reader) (Message, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	dataLength := binary.LittleEndian.Uint32(header[2:6])
	if dataLength > MaxDataLength {
		return Message{}, fmt.Errorf("%w: data_length %d exceeds %d", ErrBadFraming, dataLength, MaxDataLength)
	}
	data := make([]byte, dataLength)
	if dataLength > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrBadFraming, err)
		}
	}
	return Message{Type: MessageType(header[0]), Action: ActionType(header[1]), Data: data}, nil
}

// ACK builds an empty acknowledgement message.
func ACK() Message { return Message{Type: TypeACK} }

// NACK builds an empty negative-acknowledgement message; spec §7: "in
// Ethernet mode, NACK messages carry no payload".
func NACK() Message { return Message{Type: TypeNACK} }

// DataMessage builds a DATA message carrying payload.
func DataMessage(payload []byte) Message {
	return Message{Type: TypeData, Action: ActionNone, Data: payload}
}

// DebugMessage builds a DEBUG message carrying descriptive text (spec
// §7: "DEBUG messages may carry descriptive text").
func DebugMessage(text string) Message {
	return Message{Type: TypeDebug, Data: []byte(text)}
}
