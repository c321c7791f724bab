package logrecord

import (
	"testing"

	"github.com/canbadger/canbadger/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCANFrameMarshalUnmarshalRoundTrip(t *testing.T) {
	frame := can.NewFrame(0x7E8, can.Standard, []byte{0x04, 0x62, 0xF1, 0x90})
	rec := EncodeCANFrame(1, frame, 4200, 500000)

	buf := rec.Marshal()
	decoded, n, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	assert.Equal(t, rec.Flags, decoded.Flags)
	assert.Equal(t, rec.TimestampMs, decoded.TimestampMs)
	assert.Equal(t, rec.FrameID, decoded.FrameID)
	assert.Equal(t, rec.BitrateAtCapture, decoded.BitrateAtCapture)
	assert.Equal(t, rec.Payload, decoded.Payload)

	back := decoded.ToCANFrame()
	assert.Equal(t, frame.ID, back.ID)
	assert.Equal(t, frame.Format, back.Format)
	assert.Equal(t, frame.Payload(), back.Payload())
}

func TestEncodeCANFrameSetsBusAndFormatFlags(t *testing.T) {
	std := EncodeCANFrame(1, can.NewFrame(0x100, can.Standard, nil), 0, 0)
	assert.Equal(t, 1, std.Bus())
	assert.NotZero(t, std.Flags&FlagStandard)
	assert.Zero(t, std.Flags&FlagExtended)

	ext := EncodeCANFrame(2, can.NewFrame(0x1FFFFFFF, can.Extended, nil), 0, 0)
	assert.Equal(t, 2, ext.Bus())
	assert.NotZero(t, ext.Flags&FlagExtended)
	assert.Zero(t, ext.Flags&FlagStandard)
}

func TestUnmarshalTruncatedHeaderErrors(t *testing.T) {
	_, _, err := Unmarshal([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestUnmarshalTruncatedPayloadErrors(t *testing.T) {
	rec := Record{Flags: FlagBus1 | FlagCAN | FlagStandard, FrameID: 0x123, Payload: []byte{1, 2, 3, 4}}
	buf := rec.Marshal()

	_, _, err := Unmarshal(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestMarshalTruncatesOversizedPayload(t *testing.T) {
	rec := Record{Flags: FlagBus1 | FlagCAN, Payload: make([]byte, 300)}
	buf := rec.Marshal()
	assert.Equal(t, HeaderSize+255, len(buf))
	assert.EqualValues(t, 255, buf[13])
}

func TestUnmarshalConsumesOnlyOneRecordFromLongerBuffer(t *testing.T) {
	first := Record{Flags: FlagBus1 | FlagCAN | FlagStandard, FrameID: 1, Payload: []byte{0xAA}}
	second := Record{Flags: FlagBus2 | FlagCAN | FlagStandard, FrameID: 2, Payload: []byte{0xBB, 0xCC}}
	buf := append(first.Marshal(), second.Marshal()...)

	decodedFirst, n, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodedFirst.FrameID)

	decodedSecond, _, err := Unmarshal(buf[n:])
	require.NoError(t, err)
	assert.EqualValues(t, 2, decodedSecond.FrameID)
	assert.Equal(t, []byte{0xBB, 0xCC}, decodedSecond.Payload)
}
