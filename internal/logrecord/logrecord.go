// Package logrecord implements the fixed 14-byte log record header from the
// data model (spec §3): the format every CAN/K-Line frame is rendered into
// before it enters the ring buffer (internal/ring) or an outbound TCP DATA
// message (pkg/control).
package logrecord

import (
	"encoding/binary"
	"errors"

	"github.com/canbadger/canbadger/pkg/can"
)

// HeaderSize is the fixed header length preceding the payload.
const HeaderSize = 14

// Flag bits, offset 0 of the header.
const (
	FlagBus1     = 1 << 0
	FlagBus2     = 1 << 1
	FlagCAN      = 1 << 2
	FlagKLine    = 1 << 3
	FlagStandard = 1 << 4
	FlagExtended = 1 << 5
)

// ErrTruncated is returned when a buffer is too short to hold a declared
// record.
var ErrTruncated = errors.New("logrecord: truncated record")

// Record is the decoded form of a log record.
type Record struct {
	Flags     uint8
	TimestampMs uint32
	FrameID     uint32 // for KLINE: high16 = sender, low16 = target
	BitrateAtCapture uint32
	Payload          []byte
}

// EncodeCANFrame builds a Record from a CAN frame captured on the given bus
// index (1 or 2), at timestampMs since logger start, with the interface
// bit-rate in effect at capture time.
func EncodeCANFrame(bus int, frame can.Frame, timestampMs uint32, bitrate uint32) Record {
	flags := uint8(FlagCAN)
	if bus == 1 {
		flags |= FlagBus1
	} else {
		flags |= FlagBus2
	}
	if frame.Format == can.Extended {
		flags |= FlagExtended
	} else {
		flags |= FlagStandard
	}
	return Record{
		Flags:            flags,
		TimestampMs:      timestampMs,
		FrameID:          frame.ID,
		BitrateAtCapture: bitrate,
		Payload:          append([]byte(nil), frame.Payload()...),
	}
}

// Marshal encodes a record as header || payload. A payload longer than 255
// bytes is rejected by the caller (field is one byte); Marshal truncates to
// 255 bytes defensively rather than producing a corrupt length byte.
func (r Record) Marshal() []byte {
	n := len(r.Payload)
	if n > 255 {
		n = 255
	}
	buf := make([]byte, HeaderSize+n)
	buf[0] = r.Flags
	binary.BigEndian.PutUint32(buf[1:5], r.TimestampMs)
	binary.BigEndian.PutUint32(buf[5:9], r.FrameID)
	binary.BigEndian.PutUint32(buf[9:13], r.BitrateAtCapture)
	buf[13] = uint8(n)
	copy(buf[HeaderSize:], r.Payload[:n])
	return buf
}

// Unmarshal decodes a record from the start of buf, returning the record and
// the number of bytes consumed (HeaderSize + payload length).
func Unmarshal(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, ErrTruncated
	}
	n := int(buf[13])
	if len(buf) < HeaderSize+n {
		return Record{}, 0, ErrTruncated
	}
	r := Record{
		Flags:            buf[0],
		TimestampMs:      binary.BigEndian.Uint32(buf[1:5]),
		FrameID:          binary.BigEndian.Uint32(buf[5:9]),
		BitrateAtCapture: binary.BigEndian.Uint32(buf[9:13]),
		Payload:          append([]byte(nil), buf[HeaderSize:HeaderSize+n]...),
	}
	return r, HeaderSize + n, nil
}

// ToCANFrame reconstructs the CAN frame a record was built from. Only valid
// when FlagCAN is set.
func (r Record) ToCANFrame() can.Frame {
	format := can.Standard
	if r.Flags&FlagExtended != 0 {
		format = can.Extended
	}
	return can.NewFrame(r.FrameID, format, r.Payload)
}

// Bus reports which physical bus (1 or 2) produced the record.
func (r Record) Bus() int {
	if r.Flags&FlagBus1 != 0 {
		return 1
	}
	return 2
}
