package tp20

import (
	"testing"

	"github.com/canbadger/canbadger/pkg/hijack"
	"github.com/stretchr/testify/assert"
)

func TestHijackMatchersStripsFramingByte(t *testing.T) {
	m := HijackMatchers()

	// sequence counter 3, final frame, KWP seed request (SID 0x27, level 1)
	obs := hijack.Observation{Bus: 1, ID: 0x300, Payload: []byte{0x30, 0x27, 0x01}}
	level, ok := m.IsSeedRequest(obs)
	assert.True(t, ok)
	assert.Equal(t, byte(0x01), level)
}

func TestHijackMatchersRejectsNonDataFrame(t *testing.T) {
	m := HijackMatchers()
	// frame type 0xB (ack), not a data frame: must not be mistaken for a PDU
	obs := hijack.Observation{Payload: []byte{0x0B, 0x27, 0x01}}
	_, ok := m.IsSeedRequest(obs)
	assert.False(t, ok)
}

func TestSequenceCounterExtractsHighNibble(t *testing.T) {
	seq, ok := SequenceCounter(hijack.Observation{Payload: []byte{0x50, 0x27, 0x01}})
	assert.True(t, ok)
	assert.Equal(t, uint8(5), seq)
}

func TestSequenceCounterRejectsEmptyPayload(t *testing.T) {
	_, ok := SequenceCounter(hijack.Observation{Payload: nil})
	assert.False(t, ok)
}
