package isotp

import (
	"sync"
	"testing"
	"time"

	"github.com/canbadger/canbadger/pkg/can"
	"github.com/canbadger/canbadger/pkg/can/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairedTransports(t *testing.T) (client, ecu *Transport) {
	t.Helper()
	busA, busB := virtual.NewPair()

	client = New(busA, nil)
	client.SetTransmissionParameters(0x7E0, 0x7E8, can.Standard, true, 0xAA, StandardAddressing)
	require.NoError(t, client.Subscribe())

	ecu = New(busB, nil)
	ecu.SetTransmissionParameters(0x7E8, 0x7E0, can.Standard, true, 0xAA, StandardAddressing)
	require.NoError(t, ecu.Subscribe())

	return client, ecu
}

func TestSingleFrameRoundTrip(t *testing.T) {
	client, ecu := pairedTransports(t)

	payload := []byte{0x10, 0x03}
	var wg sync.WaitGroup
	wg.Add(1)
	var received []byte
	var recvErr error
	go func() {
		defer wg.Done()
		received, recvErr = ecu.ReceiveISOTP(time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.SendISOTP(payload))
	wg.Wait()

	require.NoError(t, recvErr)
	assert.Equal(t, payload, received)
}

func Test7ByteSendIsSingleFrame(t *testing.T) {
	client, ecu := pairedTransports(t)
	payload := make([]byte, 7)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var gotFrame can.Frame
	go func() {
		defer wg.Done()
		f, _ := ecu.recvFiltered(time.Second)
		gotFrame = f
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.SendISOTP(payload))
	wg.Wait()

	assert.Equal(t, uint8(pciSingleFrame<<4|7), gotFrame.Data[0])
}

func Test8ByteSendIsFirstFramePlusOneConsecutive(t *testing.T) {
	client, ecu := pairedTransports(t)
	payload := make([]byte, 8)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var received []byte
	go func() {
		defer wg.Done()
		received, _ = ecu.ReceiveISOTP(time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.SendISOTP(payload))
	wg.Wait()

	assert.Equal(t, payload, received)
}

func TestLongMessageWrapsSequenceNumber(t *testing.T) {
	client, ecu := pairedTransports(t)
	payload := make([]byte, 112) // forces sequence counter past 15 back to 0
	for i := range payload {
		payload[i] = byte(i)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var received []byte
	var recvErr error
	go func() {
		defer wg.Done()
		received, recvErr = ecu.ReceiveISOTP(2 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.SendISOTP(payload))
	wg.Wait()

	require.NoError(t, recvErr)
	assert.Equal(t, payload, received)
}

func TestOverlongPayloadRejected(t *testing.T) {
	client, _ := pairedTransports(t)
	err := client.SendISOTP(make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrTransportOverlong)
}

func TestOutOfSequenceConsecutiveFrameIsFatal(t *testing.T) {
	client, ecu := pairedTransports(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		_, recvErr = ecu.ReceiveISOTP(time.Second)
	}()
	time.Sleep(10 * time.Millisecond)

	// First Frame announcing 20 bytes.
	ff := can.NewFrame(0x7E0, can.Standard, []byte{0x10, 20, 1, 2, 3, 4, 5, 6})
	require.NoError(t, client.send(ff.Data[:ff.Len], time.Second))

	// First CF, correct sequence 1.
	cf1 := can.NewFrame(0x7E0, can.Standard, []byte{0x21, 7, 8, 9, 10, 11, 12, 13})
	require.NoError(t, client.send(cf1.Data[:cf1.Len], time.Second))

	// Second CF arrives with sequence 3 instead of 2: fatal.
	cf2 := can.NewFrame(0x7E0, can.Standard, []byte{0x23, 14, 15, 16, 17, 18, 19, 20})
	require.NoError(t, client.send(cf2.Data[:cf2.Len], time.Second))

	wg.Wait()
	assert.ErrorIs(t, recvErr, ErrTransportSequence)
}

func TestPackUnpackResult(t *testing.T) {
	word := PackResult(12, 0x31)
	n, code := UnpackResult(word)
	assert.Equal(t, 12, n)
	assert.EqualValues(t, 0x31, code)
}
