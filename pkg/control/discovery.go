package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DiscoveryPort is the UDP port the beacon broadcasts to (spec §6).
const DiscoveryPort = 13370

// ConnectPort is the UDP port the CONNECT handshake arrives on (spec §6).
const ConnectPort = 13371

// BeaconPeriod is the discovery ticker interval (spec §4.7: "a 2-second
// ticker broadcasts").
const BeaconPeriod = 2 * time.Second

// Endpoint is a learned (server_ip, server_port) destination: after
// CONNECT, all further control-plane traffic flows here instead of to
// the broadcast address (spec §4.7).
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

// Beacon periodically broadcasts "CB|<device_id>|<firmware_version>|"
// to the directed broadcast address on DiscoveryPort (spec §4.7/§6),
// until CONNECT is received or Run's stop channel closes.
type Beacon struct {
	DeviceID        string
	FirmwareVersion string
	BroadcastAddr   string // e.g. "255.255.255.255"
	logger          *slog.Logger
}

// NewBeacon creates a Beacon broadcasting to broadcastAddr (a bare IP;
// DiscoveryPort is appended automatically).
func NewBeacon(deviceID, firmwareVersion, broadcastAddr string, logger *slog.Logger) *Beacon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		DeviceID:        deviceID,
		FirmwareVersion: firmwareVersion,
		BroadcastAddr:   broadcastAddr,
		logger:          logger.With("component", "control.beacon"),
	}
}

// payload formats the beacon's wire string, spec §6: "CB|<device_id>|<firmware_version>|".
func (b *Beacon) payload() []byte {
	return []byte(fmt.Sprintf("CB|%s|%s|", b.DeviceID, b.FirmwareVersion))
}

// Run broadcasts the beacon every BeaconPeriod until stop is closed. It
// is meant to run in its own goroutine, cancelled the same way the
// TesterPresent ticker elsewhere in this module is: close(stop) and the
// loop returns promptly.
func (b *Beacon) Run(conn net.PacketConn, stop <-chan struct{}) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", b.BroadcastAddr, DiscoveryPort))
	if err != nil {
		return err
	}
	ticker := time.NewTicker(BeaconPeriod)
	defer ticker.Stop()
	payload := b.payload()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if _, err := conn.WriteTo(payload, addr); err != nil {
				b.logger.Warn("beacon broadcast failed", "error", err)
			}
		}
	}
}

// ErrNotConnect is returned by ListenForConnect when a datagram received
// on ConnectPort is not a CONNECT message.
var ErrNotConnect = errors.New("control: expected CONNECT message")

// ListenForConnect blocks on conn (already bound to ConnectPort) for one
// CONNECT datagram and returns the learned endpoint: the sender's
// source IP, and the destination port carried in the message's 2-byte
// little-endian payload (the port the server wants further traffic sent
// to). The payload layout is not pinned by spec.md beyond naming what
// CONNECT "carries"; 2 bytes LE is this implementation's choice,
// consistent with every other little-endian multi-byte field on this
// wire.
func ListenForConnect(conn net.PacketConn) (Endpoint, error) {
	buf := make([]byte, 256)
	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		return Endpoint{}, err
	}
	msg, err := ReadMessage(bytes.NewReader(buf[:n]))
	if err != nil {
		return Endpoint{}, err
	}
	if msg.Type != TypeConnect {
		return Endpoint{}, ErrNotConnect
	}
	if len(msg.Data) < 2 {
		return Endpoint{}, fmt.Errorf("%w: short CONNECT payload", ErrBadFraming)
	}
	port := binary.LittleEndian.Uint16(msg.Data[:2])

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return Endpoint{}, fmt.Errorf("control: unexpected source address type %T", addr)
	}
	return Endpoint{IP: udpAddr.IP, Port: int(port)}, nil
}
