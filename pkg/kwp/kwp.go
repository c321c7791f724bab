// Package kwp implements the KWP2000 (ISO 14230) diagnostic client (C4,
// spec §4.3): the same isotp.Transport the UDS client uses, a different
// SID table, and the `reply = request + 0x40` response offset convention
// instead of UDS's fixed SID-per-service replies.
//
// Beyond spec §4.3's explicit table, StartCommunication (0x81),
// StopCommunication (0x82), StartDiagnosticSession (0x10, same SID as
// UDS but replying 0x50), ReadECUIdentification (0x1A) and
// InputOutputControlByLocalIdentifier (0x30) are recovered from
// original_source/KWP2000/kwp2000_sids.h and kwp2k_can.cpp: additive
// services a complete client needs that the distilled SID table omitted.
package kwp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canbadger/canbadger/pkg/isotp"
)

// Service identifiers (request SIDs; replies are request+ResponseOffset).
const (
	SIDStartDiagnosticSession byte = 0x10
	SIDECUReset               byte = 0x11
	SIDReadDTCByStatus        byte = 0x18
	SIDClearDTC               byte = 0x14
	SIDReadECUIdentification  byte = 0x1A
	SIDReadDataByLocalID      byte = 0x21
	SIDReadMemoryByAddress    byte = 0x23
	SIDSecurityAccess         byte = 0x27
	SIDWriteDataByLocalID     byte = 0x3B
	SIDInputOutputControl     byte = 0x30
	SIDWriteMemoryByAddress   byte = 0x3D
	SIDTesterPresent          byte = 0x3E
	SIDStartCommunication     byte = 0x81
	SIDStopCommunication      byte = 0x82

	negativeResponseSID byte = 0x7F
	responsePending     byte = 0x78

	// ResponseOffset is added to a request SID to form its positive
	// response SID, per spec §4.3.
	ResponseOffset byte = 0x40
)

// Transmission-mode byte for ReadDataByLocalIdentifier (spec §4.3).
const (
	TransmissionSingle byte = 0x01
	TransmissionSlow   byte = 0x02
	TransmissionMedium byte = 0x03
	TransmissionFast   byte = 0x04
	TransmissionStop   byte = 0x05
)

// TesterPresentPeriod matches the UDS client's ticker period (spec §4.3
// says it must match §4.2).
const TesterPresentPeriod = 500 * time.Millisecond

// NegativeResponse reports an NRC returned for a given request SID.
type NegativeResponse struct {
	RequestSID byte
	NRC        byte
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("kwp: negative response to SID 0x%02X: NRC 0x%02X", e.RequestSID, e.NRC)
}

// ErrUnexpectedReply is returned when a response's SID does not match
// requestSID+ResponseOffset.
var ErrUnexpectedReply = errors.New("kwp: reply SID does not match request")

// ErrSessionLost mirrors pkg/uds's session-layer error kind.
var ErrSessionLost = errors.New("kwp: session lost, tester present not acknowledged")

// Client is a KWP2000 diagnostic session over a single ISO-TP transport.
type Client struct {
	transport *isotp.Transport
	logger    *slog.Logger

	mu        sync.Mutex
	inSession bool
	tickerOn  bool
	stopTick  chan struct{}
	tickDone  chan struct{}

	sessionErr error
}

// New binds a KWP client to an already-configured ISO-TP transport.
func New(transport *isotp.Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: transport, logger: logger.With("component", "kwp")}
}

// InSession reports whether a diagnostic session is believed active.
func (c *Client) InSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSession
}

// Request sends an arbitrary raw request and returns its response; see
// pkg/uds.Client.Request for why the control plane needs this
// passthrough.
func (c *Client) Request(request []byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse(request, timeout)
}

func (c *Client) requestResponse(request []byte, timeout time.Duration) ([]byte, error) {
	c.detachTicker()
	defer c.maybeReattachTicker()

	if err := c.transport.SendISOTP(request); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	expectedSID := request[0] + ResponseOffset
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

func (c *Client) runTicker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(TesterPresentPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.transport.SendISOTP([]byte{SIDTesterPresent, 0x01}); err != nil {
				c.dropSession(err)
				return
			}
			resp, err := c.transport.ReceiveISOTP(TesterPresentPeriod)
			if err != nil || len(resp) == 0 || resp[0] != SIDTesterPresent+ResponseOffset {
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

// StartCommunication sends SID 0x81, the KWP physical/functional link
// handshake that precedes any diagnostic session on a fresh bus.
func (c *Client) StartCommunication(timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDStartCommunication}, timeout)
}

// StopCommunication sends SID 0x82.
func (c *Client) StopCommunication(timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDStopCommunication}, timeout)
}

// StartDiagnosticSession sends SID 0x10 and, on a positive response,
// starts the TesterPresent ticker.
func (c *Client) StartDiagnosticSession(mode byte, timeout time.Duration) ([]byte, error) {
	resp, err := c.requestResponse([]byte{SIDStartDiagnosticSession, mode}, timeout)
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

// ReadECUIdentification sends SID 0x1A with the given identification
// parameter (e.g. KWP_ECUID_VIN_SW).
func (c *Client) ReadECUIdentification(parameter byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDReadECUIdentification, parameter}, timeout)
}

// ReadDataByLocalIdentifier sends SID 0x21 with a 1-byte local identifier
// and a transmission-mode byte.
func (c *Client) ReadDataByLocalIdentifier(localID, mode byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDReadDataByLocalID, localID, mode}, timeout)
}

// WriteDataByLocalIdentifier sends SID 0x3B.
func (c *Client) WriteDataByLocalIdentifier(localID byte, data []byte, timeout time.Duration) ([]byte, error) {
	req := append([]byte{SIDWriteDataByLocalID, localID}, data...)
	return c.requestResponse(req, timeout)
}

// InputOutputControlByLocalIdentifier sends SID 0x30.
func (c *Client) InputOutputControlByLocalIdentifier(localID byte, controlParam []byte, timeout time.Duration) ([]byte, error) {
	req := append([]byte{SIDInputOutputControl, localID}, controlParam...)
	return c.requestResponse(req, timeout)
}

// SecurityAccess sends SID 0x27, mirroring the UDS client's odd/even
// level convention for seed-request vs. send-key.
func (c *Client) SecurityAccess(level byte, keyOrReply []byte, timeout time.Duration) ([]byte, error) {
	req := append([]byte{SIDSecurityAccess, level}, keyOrReply...)
	return c.requestResponse(req, timeout)
}

// ReadDTCByStatus sends SID 0x18 with a 1-byte status mask and returns
// the raw positive reply.
func (c *Client) ReadDTCByStatus(statusMask byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDReadDTCByStatus, statusMask}, timeout)
}

// ClearDTC sends SID 0x14 with a 2-byte DTC group.
func (c *Client) ClearDTC(group [2]byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDClearDTC, group[0], group[1]}, timeout)
}

// ECUReset sends SID 0x11.
func (c *Client) ECUReset(resetType byte, timeout time.Duration) ([]byte, error) {
	return c.requestResponse([]byte{SIDECUReset, resetType}, timeout)
}

// Close detaches the TesterPresent ticker permanently.
func (c *Client) Close() {
	c.mu.Lock()
	c.inSession = false
	c.mu.Unlock()
	c.detachTicker()
}
