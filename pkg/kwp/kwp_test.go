package kwp

import (
	"testing"
	"time"

	"github.com/canbadger/canbadger/pkg/can"
	"github.com/canbadger/canbadger/pkg/can/virtual"
	"github.com/canbadger/canbadger/pkg/isotp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeECU struct {
	transport *isotp.Transport
	replies   map[byte][]byte
	stop      chan struct{}
}

func newFakeECU(t *testing.T, bus can.Bus) *fakeECU {
	t.Helper()
	transport := isotp.New(bus, nil)
	transport.SetTransmissionParameters(0x7E8, 0x7E0, can.Standard, true, 0xAA, isotp.StandardAddressing)
	require.NoError(t, transport.Subscribe())
	return &fakeECU{transport: transport, replies: map[byte][]byte{}, stop: make(chan struct{})}
}

func (e *fakeECU) run(t *testing.T) {
	t.Helper()
	go func() {
		for {
			select {
			case <-e.stop:
				return
			default:
			}
			req, err := e.transport.ReceiveISOTP(200 * time.Millisecond)
			if err != nil || len(req) == 0 {
				continue
			}
			if resp, ok := e.replies[req[0]]; ok {
				e.transport.SendISOTP(resp)
			}
		}
	}()
}

func (e *fakeECU) Close() { close(e.stop) }

func newClientAndECU(t *testing.T) (*Client, *fakeECU) {
	t.Helper()
	busClient, busECU := virtual.NewPair()

	transport := isotp.New(busClient, nil)
	transport.SetTransmissionParameters(0x7E0, 0x7E8, can.Standard, true, 0xAA, isotp.StandardAddressing)
	require.NoError(t, transport.Subscribe())

	ecu := newFakeECU(t, busECU)
	ecu.run(t)
	t.Cleanup(ecu.Close)

	return New(transport, nil), ecu
}

func TestStartDiagnosticSessionEstablishesSession(t *testing.T) {
	client, ecu := newClientAndECU(t)
	ecu.replies[SIDStartDiagnosticSession] = []byte{0x50, 0x89}

	resp, err := client.StartDiagnosticSession(0x89, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x89}, resp)
	assert.True(t, client.InSession())
	client.Close()
}

func TestReadECUIdentification(t *testing.T) {
	client, ecu := newClientAndECU(t)
	ecu.replies[SIDReadECUIdentification] = []byte{0x5A, 0x90, 'V', 'I', 'N', '1'}

	resp, err := client.ReadECUIdentification(0x90, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x5A, 0x90, 'V', 'I', 'N', '1'}, resp)
}

func TestNegativeResponseSurfaced(t *testing.T) {
	client, ecu := newClientAndECU(t)
	ecu.replies[SIDSecurityAccess] = []byte{0x7F, SIDSecurityAccess, 0x35}

	_, err := client.SecurityAccess(0x01, nil, time.Second)
	var nr *NegativeResponse
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, byte(0x35), nr.NRC)
}

func TestUnexpectedReplySIDRejected(t *testing.T) {
	client, ecu := newClientAndECU(t)
	// Reply SID doesn't match request+0x40.
	ecu.replies[SIDECUReset] = []byte{0x99, 0x01}

	_, err := client.ECUReset(0x01, time.Second)
	assert.ErrorIs(t, err, ErrUnexpectedReply)
}

func TestReadDataByLocalIdentifierTransmissionMode(t *testing.T) {
	client, ecu := newClientAndECU(t)
	ecu.replies[SIDReadDataByLocalID] = []byte{0x61, 0x10, 0x00, 0x01}

	resp, err := client.ReadDataByLocalIdentifier(0x10, TransmissionSingle, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x61, 0x10, 0x00, 0x01}, resp)
}
