package kwp

import (
	"testing"

	"github.com/canbadger/canbadger/pkg/hijack"
	"github.com/stretchr/testify/assert"
)

func TestHijackMatchersSeedRequestAndReply(t *testing.T) {
	m := HijackMatchers()

	level, ok := m.IsSeedRequest(hijack.Observation{Payload: []byte{0x27, 0x01}})
	assert.True(t, ok)
	assert.Equal(t, byte(0x01), level)

	seed, ok := m.IsSeedReply(hijack.Observation{Payload: []byte{0x67, 0x01, 0xCA, 0xFE}})
	assert.True(t, ok)
	assert.Equal(t, []byte{0xCA, 0xFE}, seed)
}

func TestHijackMatchersKeyReply(t *testing.T) {
	m := HijackMatchers()
	assert.True(t, m.IsKeyReply(hijack.Observation{Payload: []byte{0x67, 0x02}}))
	assert.False(t, m.IsKeyReply(hijack.Observation{Payload: []byte{0x10, 0x02}}))
}

func TestHijackMatchersAuthFailure(t *testing.T) {
	m := HijackMatchers()
	assert.True(t, m.IsAuthFailure(hijack.Observation{Payload: []byte{0x7F, 0x27, 0x35}}))
	assert.False(t, m.IsAuthFailure(hijack.Observation{Payload: []byte{0x02, 0x27, 0x01}}))
}
