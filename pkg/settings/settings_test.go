package settings

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := Default("ABCD1234")
	s.SetStatus(BitEthernetEnabled, true)
	s.SetStatus(BitCAN1Logging, true)
	s.CAN1Speed = 250_000

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))

	got, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	r := bytes.NewBufferString("id: X\nUNKNOWN_FUTURE_KEY: 7\nCAN1Speed: 125000\n")
	s, err := Load(r)
	require.NoError(t, err)
	assert.Equal(t, "X", s.DeviceID)
	assert.EqualValues(t, 125000, s.CAN1Speed)
}

func TestEEPROMRoundTrip(t *testing.T) {
	s := Default("EEEE5678")
	s.SetStatus(BitCAN2Monitor, true)
	s.KLINE2Speed = 10400

	blob, err := s.EncodeEEPROM()
	require.NoError(t, err)

	got, err := DecodeEEPROM(blob)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestEEPROMCRCMismatchRejected(t *testing.T) {
	s := Default("ID")
	blob, err := s.EncodeEEPROM()
	require.NoError(t, err)
	blob[0] ^= 0xFF // corrupt the id-length byte without touching the trailer

	_, err = DecodeEEPROM(blob)
	assert.ErrorIs(t, err, ErrEepromCRCMismatch)
}

func TestEEPROMFreshDeviceRejected(t *testing.T) {
	raw := make([]byte, CompactSettingsBufferSize+4)
	for i := range raw {
		raw[i] = 0xFF
	}
	_, err := DecodeEEPROM(raw)
	assert.ErrorIs(t, err, ErrEepromCRCMismatch)
}
