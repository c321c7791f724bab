package hijack

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays a fixed sequence of observations, then times out
// forever -- enough to drive the FSM through a full handshake in tests.
type scriptedSource struct {
	script []Observation
	i      int
}

func (s *scriptedSource) Next(timeout time.Duration) (Observation, error) {
	if s.i >= len(s.script) {
		return Observation{}, ErrSourceTimeout
	}
	o := s.script[s.i]
	s.i++
	return o, nil
}

func udsMatchers() Matchers {
	return Matchers{
		IsSeedRequest: func(o Observation) (byte, bool) {
			if o.Bus == 1 && len(o.Payload) >= 2 && o.Payload[0] == 0x27 && o.Payload[1]%2 == 1 {
				return o.Payload[1], true
			}
			return 0, false
		},
		IsSeedReply: func(o Observation) ([]byte, bool) {
			if o.Bus == 2 && len(o.Payload) >= 3 && o.Payload[0] == 0x67 {
				return o.Payload[2:], true
			}
			return nil, false
		},
		IsKeyReply: func(o Observation) bool {
			return o.Bus == 2 && len(o.Payload) >= 2 && o.Payload[0] == 0x67 && o.Payload[1]%2 == 0
		},
		IsAuthFailure: func(o Observation) bool {
			return o.Bus == 2 && len(o.Payload) >= 3 && o.Payload[0] == 0x7F && o.Payload[1] == 0x27
		},
	}
}

func TestHijackScenarioFromSpec(t *testing.T) {
	// Spec §8 scenario 5: tester emits 02 27 01 then 06 27 02 A B C D;
	// ECU replies 06 67 01 W X Y Z then 02 67 02.
	source := &scriptedSource{script: []Observation{
		{Bus: 1, ID: 0x700, Payload: []byte{0x27, 0x01}},
		{Bus: 2, ID: 0x708, Payload: []byte{0x67, 0x01, 'W', 'X', 'Y', 'Z'}},
		{Bus: 1, ID: 0x700, Payload: []byte{0x27, 0x02, 'A', 'B', 'C', 'D'}},
		{Bus: 2, ID: 0x708, Payload: []byte{0x67, 0x02}},
	}}

	e := New(nil)
	result, err := e.Run(source, udsMatchers(), 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Level)
	assert.Nil(t, result.TP20Counter)
}

func TestHijackResetsOnAuthFailure(t *testing.T) {
	source := &scriptedSource{script: []Observation{
		{Bus: 1, ID: 0x700, Payload: []byte{0x27, 0x01}},
		{Bus: 2, ID: 0x708, Payload: []byte{0x67, 0x01, 1, 2, 3, 4}},
		{Bus: 1, ID: 0x700, Payload: []byte{0x27, 0x02, 0, 0, 0, 0}},
		{Bus: 2, ID: 0x708, Payload: []byte{0x7F, 0x27, 0x35}}, // invalid key
		{Bus: 1, ID: 0x700, Payload: []byte{0x27, 0x01}},
		{Bus: 2, ID: 0x708, Payload: []byte{0x67, 0x01, 5, 6, 7, 8}},
		{Bus: 1, ID: 0x700, Payload: []byte{0x27, 0x02, 1, 1, 1, 1}},
		{Bus: 2, ID: 0x708, Payload: []byte{0x67, 0x02}},
	}}

	e := New(nil)
	result, err := e.Run(source, udsMatchers(), 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Level)
}

type fakeTarget struct {
	seeds      [][]byte
	i          int
	switchErrs map[byte]error
}

func (f *fakeTarget) RequestSeed(level byte, timeout time.Duration) ([]byte, error) {
	if f.i >= len(f.seeds) {
		return f.seeds[len(f.seeds)-1], nil
	}
	s := f.seeds[f.i]
	f.i++
	return s, nil
}

func (f *fakeTarget) SwitchSession(level byte, timeout time.Duration) error {
	if f.switchErrs != nil {
		return f.switchErrs[level]
	}
	return nil
}

func TestHammerVariesOnRepeatedSeed(t *testing.T) {
	target := &fakeTarget{seeds: [][]byte{{1, 2, 3, 4}, {1, 2, 3, 4}, {9, 9, 9, 9}}}
	h := NewHammer(target, nil)
	seeds, err := h.Collect(0x01, 0x01, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, seeds, 3)
}

func TestHammerDeclaresNotVulnerableWhenAllTechniquesRetire(t *testing.T) {
	// Every seed is identical and every technique fails to produce
	// variance (SwitchSession always errors), so after 5 failures per
	// technique the hammer gives up.
	target := &fakeTarget{
		seeds:      [][]byte{{1, 1, 1, 1}},
		switchErrs: map[byte]error{0x03: errors.New("nak"), 0x01: errors.New("nak")},
	}
	h := NewHammer(target, nil)
	_, err := h.Collect(0x01, 0x01, 50, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotVulnerable)
}

func TestExportSeedCSV(t *testing.T) {
	var log bytes.Buffer
	require.NoError(t, AppendSeedSample(&log, []byte{0x00, 0x00, 0x01, 0x02}))
	require.NoError(t, AppendSeedSample(&log, []byte{0xDE, 0xAD, 0xBE, 0xEF}))

	var csv bytes.Buffer
	require.NoError(t, ExportSeedCSV(&log, &csv))

	out := csv.String()
	assert.Contains(t, out, "index,hex,decimal\n")
	assert.Contains(t, out, "0,00000102,258\n")
	assert.Contains(t, out, "1,DEADBEEF,3735928559\n")
}
