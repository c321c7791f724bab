// Package uds implements the UDS-over-CAN diagnostic client (C4, spec
// §4.2): fourteen services layered on pkg/isotp, an internal response-
// pending (NRC 0x78) retry loop that never surfaces a pending reply to the
// caller, and a 500 ms TesterPresent ticker that detaches around every
// foreground request and reattaches once it completes (spec §9's
// "response-pending loop" and "TesterPresent ticker" design notes).
//
// Request/response plumbing is modeled conceptually on a CANopen SDO
// client's shape -- an explicit state enum driven by one call per
// transaction -- reused conceptually rather than copied line for line:
// UDS here is one ISO-TP round trip per call, not SDO's segmented/block
// protocol, so the client is a simpler synchronous wrapper around
// isotp.Transport.
package uds

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canbadger/canbadger/pkg/isotp"
)

// Service identifiers, spec §4.2's verbatim SID table.
const (
	SIDDiagnosticSessionControl  byte = 0x10
	SIDECUReset                  byte = 0x11
	SIDClearDiagnosticInfo       byte = 0x14
	SIDReadDTCInformation        byte = 0x19
	SIDReadDataByIdentifier      byte = 0x22
	SIDReadMemoryByAddress       byte = 0x23
	SIDSecurityAccess            byte = 0x27
	SIDCommunicationControl      byte = 0x28
	SIDWriteDataByIdentifier     byte = 0x2E
	SIDRequestDownload           byte = 0x34
	SIDRequestUpload             byte = 0x35
	SIDTransferData              byte = 0x36
	SIDRequestTransferExit       byte = 0x37
	SIDWriteMemoryByAddress      byte = 0x3D
	SIDTesterPresent             byte = 0x3E

	negativeResponseSID byte = 0x7F
	responsePending     byte = 0x78

	// ResponseOffset is added to a request SID to form its positive
	// response SID (e.g. 0x10 DiagnosticSessionControl -> 0x50).
	ResponseOffset byte = 0x40
)

// TesterPresentPeriod is the cooperative ticker interval spec §3/§5 fixes.
const TesterPresentPeriod = 500 * time.Millisecond

// NegativeResponse reports an NRC returned by the ECU for a given request
// SID (spec §7's diagnostic-layer error kind).
type NegativeResponse struct {
	RequestSID byte
	NRC        byte
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("uds: negative response to SID 0x%02X: NRC 0x%02X (%s)", e.RequestSID, e.NRC, nrcText(e.NRC))
}

// ErrSessionLost is returned by the TesterPresent ticker's internal
// monitor when an expected positive reply does not arrive (spec §7's
// session-layer error kind). Callers observe it through LastSessionError.
var ErrSessionLost = errors.New("uds: session lost, tester present not acknowledged")

// ErrUnexpectedReply is returned when a response's SID does not match
// requestSID+ResponseOffset.
var ErrUnexpectedReply = errors.New("uds: reply SID does not match request")

var nrcCatalog = map[byte]string{
	0x10: "general reject",
	0x11: "service not supported",
	0x12: "subfunction not supported",
	0x13: "incorrect message length or invalid format",
	0x22: "conditions not correct",
	0x24: "request sequence error",
	0x31: "request out of range",
	0x33: "security access denied",
	0x35: "invalid key",
	0x36: "exceed number of attempts",
	0x37: "required time delay not expired",
	0x78: "response pending",
}

func nrcText(nrc byte) string {
	if s, ok := nrcCatalog[nrc]; ok {
		return s
	}
	return "unknown NRC"
}

// Client is a UDS diagnostic session over a single ISO-TP transport.
type Client struct {
	transport *isotp.Transport
	logger    *slog.Logger

	mu        sync.Mutex // guards inSession / ticker lifecycle against a foreground request
	inSession bool
	tickerOn  bool
	stopTick  chan struct{}
	tickDone  chan struct{}

	sessionErr error
}

// New binds a UDS client to an already-configured ISO-TP transport (the
// caller must have called SetTransmissionParameters and Subscribe).
func New(transport *isotp.Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: transport,
		logger:    logger.With("component", "uds"),
	}
}

// InSession reports whether a diagnostic session is believed active.
func (c *Client) InSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSession
}

// LastSessionError returns the error (if any) that most recently caused
// the TesterPresent ticker to drop the session.
func (c *Client) LastSessionError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionErr
}

// Request sends an arbitrary raw request and returns its response,
// going through the same response-pending loop and ticker detach/
// reattach every named service method uses. This is the passthrough the
// control plane's ACTION_UDS handler needs: the host chooses the SID
// and request shape (spec §4.2's table), this client just carries it.
func (c *Client) Request(request []byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse(request, timeout)
}

// requestResponse performs one request/response transaction: detach the
// ticker, send, read replies until a non-pending response arrives, and
// reattach the ticker if a session is (still) active. This is the
// adapter spec §9 calls for: a caller observing an error always sees a
// final outcome, never a 0x78 NRC.
func (c *Client) requestResponse(request []byte, timeout time.Duration) ([]byte, error) {
	c.detachTicker()
	defer c.maybeReattachTicker()

	if err := c.transport.SendISOTP(request); err != nil {
		return nil, err
	}

	expectedSID := request[0] + ResponseOffset
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, isotp.ErrTransportTimeout
		}
		resp, err := c.transport.ReceiveISOTP(remaining)
		if err != nil {
			return nil, err
		}
		if len(resp) >= 3 && resp[0] == negativeResponseSID {
			nrc := resp[2]
			if nrc == responsePending {
				c.logger.Debug("response pending, continuing to wait", "sid", resp[1])
				continue
			}
			return nil, &NegativeResponse{RequestSID: resp[1], NRC: nrc}
		}
		if len(resp) == 0 || resp[0] != expectedSID {
			return nil, ErrUnexpectedReply
		}
		return resp, nil
	}
}

func (c *Client) detachTicker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tickerOn {
		return
	}
	close(c.stopTick)
	c.tickerOn = false
	done := c.tickDone
	c.mu.Unlock()
	<-done
	c.mu.Lock()
}

func (c *Client) maybeReattachTicker() {
	c.mu.Lock()
	active := c.inSession
	alreadyOn := c.tickerOn
	c.mu.Unlock()
	if active && !alreadyOn {
		c.startTicker()
	}
}

func (c *Client) startTicker() {
	c.mu.Lock()
	if c.tickerOn {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopTick = stop
	c.tickDone = done
	c.tickerOn = true
	c.mu.Unlock()

	go c.runTicker(stop, done)
}

// runTicker posts TesterPresent every 500ms. It is itself a foreground
// requestResponse-shaped call but must not recursively detach/reattach
// itself, so it talks to the transport directly.
func (c *Client) runTicker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(TesterPresentPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.transport.SendISOTP([]byte{SIDTesterPresent, 0x00}); err != nil {
				c.dropSession(err)
				return
			}
			resp, err := c.transport.ReceiveISOTP(TesterPresentPeriod)
			if err != nil || len(resp) == 0 || resp[0] != SIDTesterPresent+0x40 {
				if err == nil {
					err = ErrSessionLost
				}
				c.dropSession(err)
				return
			}
		}
	}
}

func (c *Client) dropSession(err error) {
	c.mu.Lock()
	c.inSession = false
	c.tickerOn = false
	c.sessionErr = err
	c.mu.Unlock()
	c.logger.Warn("tester present not acknowledged, session lost", "error", err)
}

// DiagSessionStartup sends DiagnosticSessionControl and, on a positive
// response, marks the session active and starts the TesterPresent
// ticker (spec §4.2).
func (c *Client) DiagSessionStartup(level byte, timeout time.Duration) ([]byte, error) {
	resp, err := c.requestResponse([]byte{SIDDiagnosticSessionControl, level}, timeout)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.inSession = true
	c.sessionErr = nil
	c.mu.Unlock()
	c.startTicker()
	return resp, nil
}

// DiagnosticSessionControl sends SID 0x10 without altering ticker state;
// use DiagSessionStartup to establish a session.
func (c *Client) DiagnosticSessionControl(level byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDDiagnosticSessionControl, level}, timeout)
}

// ECUReset sends SID 0x11.
func (c *Client) ECUReset(resetType byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDECUReset, resetType}, timeout)
}

// ClearDiagnosticInformation sends SID 0x14 with a 3-byte DTC group.
func (c *Client) ClearDiagnosticInformation(group [3]byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDClearDiagnosticInfo, group[0], group[1], group[2]}, timeout)
}

// ReadDTCInformation sends SID 0x19 with a subfunction and its arguments.
func (c *Client) ReadDTCInformation(subfunction byte, args []byte, timeout time.Duration) ([]byte, error) {
	req := append([]byte{SIDReadDTCInformation, subfunction}, args...)
	return c.requestResponse(req, timeout)
}

// ReadDataByIdentifier sends SID 0x22.
func (c *Client) ReadDataByIdentifier(did uint16, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)}, timeout)
}

// ReadMemoryByAddress sends SID 0x23. alfid packs the address-and-
// length-format identifier byte (ALFID) per spec; addr/length are encoded
// big-endian at the widths ALFID's nibbles declare.
func (c *Client) ReadMemoryByAddress(alfid byte, addr, length []byte, timeout time.Duration) ([]byte, error) {
	req := []byte{SIDReadMemoryByAddress, alfid}
	req = append(req, addr...)
	req = append(req, length...)
	return c.requestResponse(req, timeout)
}

// SecurityAccess sends SID 0x27. For odd levels (seed request), pass a
// nil keyOrReply; for even levels (send-key), pass the computed key.
func (c *Client) SecurityAccess(level byte, keyOrReply []byte, timeout time.Duration) ([]byte, error) {
	req := append([]byte{SIDSecurityAccess, level}, keyOrReply...)
	return c.requestResponse(req, timeout)
}

// CommunicationControl sends SID 0x28.
func (c *Client) CommunicationControl(ctl, subnet byte, node []byte, timeout time.Duration) ([]byte, error) {
	req := append([]byte{SIDCommunicationControl, ctl, subnet}, node...)
	return c.requestResponse(req, timeout)
}

// WriteDataByIdentifier sends SID 0x2E.
func (c *Client) WriteDataByIdentifier(did uint16, data []byte, timeout time.Duration) ([]byte, error) {
	req := append([]byte{SIDWriteDataByIdentifier, byte(did >> 8), byte(did)}, data...)
	return c.requestResponse(req, timeout)
}

// WriteMemoryByAddress sends SID 0x3D.
func (c *Client) WriteMemoryByAddress(alfid byte, addr, length, data []byte, timeout time.Duration) ([]byte, error) {
	req := []byte{SIDWriteMemoryByAddress, alfid}
	req = append(req, addr...)
	req = append(req, length...)
	req = append(req, data...)
	return c.requestResponse(req, timeout)
}

// RequestDownload sends SID 0x34.
func (c *Client) RequestDownload(dfi, alfid byte, addr, size []byte, timeout time.Duration) ([]byte, error) {
	req := []byte{SIDRequestDownload, dfi, alfid}
	req = append(req, addr...)
	req = append(req, size...)
	return c.requestResponse(req, timeout)
}

// RequestUpload sends SID 0x35.
func (c *Client) RequestUpload(dfi, alfid byte, addr, size []byte, timeout time.Duration) ([]byte, error) {
	req := []byte{SIDRequestUpload, dfi, alfid}
	req = append(req, addr...)
	req = append(req, size...)
	return c.requestResponse(req, timeout)
}

// TransferData sends SID 0x36.
func (c *Client) TransferData(seq byte, data []byte, timeout time.Duration) ([]byte, error) {
	req := append([]byte{SIDTransferData, seq}, data...)
	return c.requestResponse(req, timeout)
}

// RequestTransferExit sends SID 0x37.
func (c *Client) RequestTransferExit(timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDRequestTransferExit}, timeout)
}

// Close detaches the TesterPresent ticker permanently. Safe to call even
// if no session was ever established.
func (c *Client) Close() {
	c.mu.Lock()
	c.inSession = false
	c.mu.Unlock()
	c.detachTicker()
}
