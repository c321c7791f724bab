// Package settings implements the device-wide configuration (spec §3/§6):
// device ID, IP (or "DHCP"), 30 status bits, and five interface speeds,
// persisted two ways -- an ASCII "key: value" file on SD and a compact
// fixed-layout blob in EEPROM with a CRC-32 trailer.
//
// The SD format is parsed with gopkg.in/ini.v1 configured for a ":"
// key-value delimiter (the teacher's pkg/od/parser.go uses the same
// library for its EDS "key = value" files; this just points it at a
// different delimiter and a flat, single-section file). Writing uses a
// small hand-rolled serializer rather than ini.File.WriteTo: the library's
// writer always emits "key = value" regardless of the delimiter used to
// parse, and the spec's wire format is the literal "key: value\n" text
// the original firmware produces -- so round-tripping through ini.v1's
// writer would change the file's own byte format. See DESIGN.md.
package settings

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/canbadger/canbadger/internal/crc"
)

// Status bit indices, spec §3/§6's 30 enumerated status-bit names, in the
// order original_source/CANBADGER/canbadger_settings.cpp's statusSettings
// table declares them.
const (
	BitSDEnabled uint8 = iota
	BitUSBSerialEnabled
	BitEthernetEnabled
	BitOLEDEnabled
	BitKeyboardEnabled
	BitLEDsEnabled
	BitKLine1IntEnabled
	BitKLine2IntEnabled
	BitCAN1IntEnabled
	BitCAN2IntEnabled
	BitKLineBridgeEnabled
	BitCANBridgeEnabled
	BitCAN1Logging
	BitCAN2Logging
	BitKLine1Logging
	BitKLine2Logging
	BitCAN1Standard
	BitCAN1Extended
	BitCAN2Standard
	BitCAN2Extended
	BitCAN1ToCAN2Bridge
	BitCAN2ToCAN1Bridge
	BitKLine1ToKLine2Bridge
	BitKLine2ToKLine1Bridge
	BitUDSCAN1Enabled
	BitUDSCAN2Enabled
	BitCAN1UseFullframe
	BitCAN2UseFullframe
	BitCAN1Monitor
	BitCAN2Monitor

	numStatusBits = 30
)

var statusBitNames = [numStatusBits]string{
	"SD_ENABLED", "USB_SERIAL_ENABLED", "ETHERNET_ENABLED", "OLED_ENABLED", "KEYBOARD_ENABLED",
	"LEDS_ENABLED", "KLINE1_INT_ENABLED", "KLINE2_INT_ENABLED", "CAN1_INT_ENABLED", "CAN2_INT_ENABLED",
	"KLINE_BRIDE_ENABLED", "CAN_BRIDGE_ENABLED", "CAN1_LOGGING", "CAN2_LOGGING", "KLINE1_LOGGING",
	"KLINE2_LOGGING", "CAN1_STANDARD", "CAN1_EXTENDED", "CAN2_STANDARD", "CAN2_EXTENDED",
	"CAN1_TO_CAN2_BRIDGE", "CAN2_TO_CAN1_BRIDGE", "KLINE1_TO_KLINE2_BRIDGE", "KLINE2_TO_KLINE1_BRIDGE", "UDS_CAN1_ENABLED",
	"UDS_CAN2_ENABLED", "CAN1_USE_FULLFRAME", "CAN2_USE_FULLFRAME", "CAN1_MONITOR", "CAN2_MONITOR",
}

// DefaultPath is the default SD settings file path (spec §6).
const DefaultPath = "/canbadger_settings.txt"

// Settings is the device-wide configuration (spec §3).
type Settings struct {
	DeviceID string // <=32 chars
	IP       string // <=16 chars, or "DHCP"

	StatusBits uint32

	SPISpeed    uint32
	CAN1Speed   uint32
	CAN2Speed   uint32
	KLINE1Speed uint32
	KLINE2Speed uint32
}

// Default returns a Settings with the same defaults the original
// constructor applies: DHCP, 500kbit CAN, 20MHz SPI, both CAN ports
// standard-addressed.
func Default(deviceID string) Settings {
	s := Settings{
		DeviceID:    deviceID,
		IP:          "DHCP",
		SPISpeed:    20_000_000,
		CAN1Speed:   500_000,
		CAN2Speed:   500_000,
		KLINE1Speed: 10_400,
		KLINE2Speed: 10_400,
	}
	s.SetStatus(BitCAN1Standard, true)
	s.SetStatus(BitCAN2Standard, true)
	return s
}

// GetStatus reports the value of one of the 30 enumerated status bits.
func (s Settings) GetStatus(bit uint8) bool {
	return s.StatusBits&(1<<bit) != 0
}

// SetStatus sets or clears one of the 30 enumerated status bits.
func (s *Settings) SetStatus(bit uint8, value bool) {
	if value {
		s.StatusBits |= 1 << bit
	} else {
		s.StatusBits &^= 1 << bit
	}
}

// ---- SD file (spec §6: ASCII, line-oriented "key: value") ----

// Save writes the settings to w in the "key: value\n" form the original
// firmware's persist() produces: device id first, then the IP, then the
// 30 status bits by name, then the five speeds.
func (s Settings) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "id: %s\n", s.DeviceID)
	fmt.Fprintf(bw, "IP: %s\n", s.IP)
	for i, name := range statusBitNames {
		v := 0
		if s.GetStatus(uint8(i)) {
			v = 1
		}
		fmt.Fprintf(bw, "%s: %d\n", name, v)
	}
	fmt.Fprintf(bw, "SPISpeed: %d\n", s.SPISpeed)
	fmt.Fprintf(bw, "CAN1Speed: %d\n", s.CAN1Speed)
	fmt.Fprintf(bw, "CAN2Speed: %d\n", s.CAN2Speed)
	fmt.Fprintf(bw, "KLINE1Speed: %d\n", s.KLINE1Speed)
	fmt.Fprintf(bw, "KLINE2Speed: %d\n", s.KLINE2Speed)
	return bw.Flush()
}

// Load parses a settings file in the format Save produces. Unknown keys
// are ignored, per spec §6.
func Load(r io.Reader) (Settings, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters: ":",
		AllowBooleanKeys:   true,
	}, readAll(r))
	if err != nil {
		return Settings{}, fmt.Errorf("settings: parse: %w", err)
	}

	s := Settings{IP: "DHCP"}
	sec := cfg.Section("")
	nameToBit := make(map[string]uint8, numStatusBits)
	for i, name := range statusBitNames {
		nameToBit[name] = uint8(i)
	}

	for _, key := range sec.Keys() {
		k := strings.TrimSpace(key.Name())
		v := strings.TrimSpace(key.Value())
		switch k {
		case "id":
			s.DeviceID = v
		case "IP":
			s.IP = v
		case "SPISpeed":
			s.SPISpeed = parseUint32(v)
		case "CAN1Speed":
			s.CAN1Speed = parseUint32(v)
		case "CAN2Speed":
			s.CAN2Speed = parseUint32(v)
		case "KLINE1Speed":
			s.KLINE1Speed = parseUint32(v)
		case "KLINE2Speed":
			s.KLINE2Speed = parseUint32(v)
		default:
			if bit, ok := nameToBit[k]; ok {
				s.SetStatus(bit, v == "1")
			}
			// unknown keys are ignored, per spec §6.
		}
	}
	return s, nil
}

func readAll(r io.Reader) []byte {
	buf, _ := io.ReadAll(r)
	return buf
}

func parseUint32(s string) uint32 {
	v, _ := strconv.ParseUint(s, 10, 32)
	return uint32(v)
}

// ---- EEPROM blob (spec §6) ----

// CompactSettingsBufferSize is CBS_COMP_SETT_BUFF_SIZE: the fixed size of
// the encoded settings blob that the CRC-32 trailer protects, and the
// offset at which an alternate settings filename may be stored (spec §6).
const CompactSettingsBufferSize = 96

const (
	maxDeviceIDLen = 32
	maxIPLen       = 16
)

// ErrEepromCRCMismatch is returned by DecodeEEPROM when the trailer does
// not match the blob (spec §7's storage-layer EepromCrcMismatch).
var ErrEepromCRCMismatch = errors.New("settings: eeprom crc mismatch")

// EncodeEEPROM serializes s into the CBS_COMP_SETT_BUFF_SIZE-byte compact
// blob spec §6 describes, followed by its CRC-32 trailer (stored
// big-endian). The blob is padded with zero bytes up to
// CompactSettingsBufferSize before the trailer is appended, exactly as
// the original's fixed uint8[CBS_COMP_SETT_BUFF_SIZE] buffer would be.
func (s Settings) EncodeEEPROM() ([]byte, error) {
	if len(s.DeviceID) > maxDeviceIDLen {
		return nil, fmt.Errorf("settings: device id exceeds %d bytes", maxDeviceIDLen)
	}
	if len(s.IP) > maxIPLen {
		return nil, fmt.Errorf("settings: ip exceeds %d bytes", maxIPLen)
	}

	blob := make([]byte, CompactSettingsBufferSize)
	off := 0
	blob[off] = byte(len(s.DeviceID))
	off++
	off += copy(blob[off:], s.DeviceID)

	blob[off] = byte(len(s.IP))
	off++
	off += copy(blob[off:], s.IP)

	binary.LittleEndian.PutUint32(blob[off:], s.StatusBits)
	off += 4
	binary.LittleEndian.PutUint32(blob[off:], s.SPISpeed)
	off += 4
	binary.LittleEndian.PutUint32(blob[off:], s.CAN1Speed)
	off += 4
	binary.LittleEndian.PutUint32(blob[off:], s.CAN2Speed)
	off += 4
	binary.LittleEndian.PutUint32(blob[off:], s.KLINE1Speed)
	off += 4
	binary.LittleEndian.PutUint32(blob[off:], s.KLINE2Speed)
	off += 4

	if off > CompactSettingsBufferSize {
		return nil, fmt.Errorf("settings: encoded blob exceeds %d bytes", CompactSettingsBufferSize)
	}

	trailer := make([]byte, 4)
	binary.BigEndian.PutUint32(trailer, crc.Checksum(blob))
	return append(blob, trailer...), nil
}

// DecodeEEPROM parses a blob produced by EncodeEEPROM. Per spec §9's Open
// Questions, the original checkEEPROM reads one byte past the declared
// checksum region (EEPROM_CS_OFFS+4) even though the CRC itself only
// covers EEPROM_CS_OFFS bytes; that extra byte is read here too (when
// present) and discarded, rather than silently fixing the off-by-one.
func DecodeEEPROM(raw []byte) (Settings, error) {
	if len(raw) < CompactSettingsBufferSize+4 {
		return Settings{}, ErrEepromCRCMismatch
	}
	blob := raw[:CompactSettingsBufferSize]
	if blob[0] == 0xFF {
		// No data was ever written (fresh/erased EEPROM reads all-0xFF).
		return Settings{}, ErrEepromCRCMismatch
	}

	trailerEnd := CompactSettingsBufferSize + 4
	overreadEnd := trailerEnd + 1 // EEPROM_CS_OFFS+4 quirk, preserved verbatim
	if overreadEnd <= len(raw) {
		_ = raw[CompactSettingsBufferSize:overreadEnd] // read, unused
	}

	wantCRC := binary.BigEndian.Uint32(raw[CompactSettingsBufferSize:trailerEnd])
	if crc.Checksum(blob) != wantCRC {
		return Settings{}, ErrEepromCRCMismatch
	}

	off := 0
	idLen := int(blob[off])
	off++
	if off+idLen > len(blob) {
		return Settings{}, ErrEepromCRCMismatch
	}
	deviceID := string(blob[off : off+idLen])
	off += idLen

	ipLen := int(blob[off])
	off++
	if off+ipLen > len(blob) {
		return Settings{}, ErrEepromCRCMismatch
	}
	ip := string(blob[off : off+ipLen])
	off += ipLen

	s := Settings{DeviceID: deviceID, IP: ip}
	s.StatusBits = binary.LittleEndian.Uint32(blob[off:])
	off += 4
	s.SPISpeed = binary.LittleEndian.Uint32(blob[off:])
	off += 4
	s.CAN1Speed = binary.LittleEndian.Uint32(blob[off:])
	off += 4
	s.CAN2Speed = binary.LittleEndian.Uint32(blob[off:])
	off += 4
	s.KLINE1Speed = binary.LittleEndian.Uint32(blob[off:])
	off += 4
	s.KLINE2Speed = binary.LittleEndian.Uint32(blob[off:])
	return s, nil
}
