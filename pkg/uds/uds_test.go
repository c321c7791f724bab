package uds

import (
	"testing"
	"time"

	"github.com/canbadger/canbadger/pkg/can"
	"github.com/canbadger/canbadger/pkg/can/virtual"
	"github.com/canbadger/canbadger/pkg/isotp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeECU answers requests on its own goroutine using a simple map of
// request SID -> canned response, so tests can drive the client against
// realistic request/response pairs without a real vehicle.
type fakeECU struct {
	transport *isotp.Transport
	replies   map[byte][]byte
	pending   map[byte]int // SID -> how many 0x78 pendings to emit before the real reply
	stop      chan struct{}
}

func newFakeECU(t *testing.T, bus can.Bus) *fakeECU {
	t.Helper()
	transport := isotp.New(bus, nil)
	transport.SetTransmissionParameters(0x7E8, 0x7E0, can.Standard, true, 0xAA, isotp.StandardAddressing)
	require.NoError(t, transport.Subscribe())
	return &fakeECU{
		transport: transport,
		replies:   map[byte][]byte{},
		pending:   map[byte]int{},
		stop:      make(chan struct{}),
	}
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
			if err != nil {
				continue
			}
			if len(req) == 0 {
				continue
			}
			sid := req[0]
			if n := e.pending[sid]; n > 0 {
				e.pending[sid]--
				e.transport.SendISOTP([]byte{0x7F, sid, 0x78})
				continue
			}
			if resp, ok := e.replies[sid]; ok {
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

func TestDiagSessionStartupEstablishesSession(t *testing.T) {
	client, ecu := newClientAndECU(t)
	ecu.replies[SIDDiagnosticSessionControl] = []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}

	resp, err := client.DiagSessionStartup(0x03, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}, resp)
	assert.True(t, client.InSession())
	client.Close()
}

func TestReadDataByIdentifierReturnsVIN(t *testing.T) {
	client, ecu := newClientAndECU(t)
	vin := []byte("WVWZZZ1KZAW123456")
	ecu.replies[SIDReadDataByIdentifier] = append([]byte{0x62, 0xF1, 0x90}, vin...)

	resp, err := client.ReadDataByIdentifier(0xF190, time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x62), resp[0])
	assert.Equal(t, vin, resp[3:])
}

func TestNegativeResponseSurfaced(t *testing.T) {
	client, ecu := newClientAndECU(t)
	ecu.replies[SIDSecurityAccess] = []byte{0x7F, SIDSecurityAccess, 0x35}

	_, err := client.SecurityAccess(0x01, nil, time.Second)
	var nr *NegativeResponse
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, byte(0x35), nr.NRC)
}

func TestResponsePendingIsNotSurfaced(t *testing.T) {
	client, ecu := newClientAndECU(t)
	ecu.pending[SIDECUReset] = 2
	ecu.replies[SIDECUReset] = []byte{0x51, 0x01}

	resp, err := client.ECUReset(0x01, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x51, 0x01}, resp)
}

func TestTesterPresentTickerDetachesDuringForegroundRequest(t *testing.T) {
	client, ecu := newClientAndECU(t)
	ecu.replies[SIDDiagnosticSessionControl] = []byte{0x50, 0x03}
	ecu.replies[SIDTesterPresent] = []byte{0x7E, 0x00}
	ecu.replies[SIDReadDataByIdentifier] = []byte{0x62, 0xF1, 0x90, 0x01}

	_, err := client.DiagSessionStartup(0x03, time.Second)
	require.NoError(t, err)

	// Let at least one tick fire, then issue a foreground request; it
	// must not race with the ticker's own request/response.
	time.Sleep(TesterPresentPeriod + 100*time.Millisecond)
	resp, err := client.ReadDataByIdentifier(0xF190, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x62, 0xF1, 0x90, 0x01}, resp)
	client.Close()
}
