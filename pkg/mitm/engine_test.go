package mitm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canbadger/canbadger/pkg/can"
	"github.com/canbadger/canbadger/pkg/can/virtual"
)

// capturingListener records every frame delivered to it.
type capturingListener struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (c *capturingListener) Handle(f can.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *capturingListener) received() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]can.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// virtual.Bus enforces a single listener, and Engine.Attach claims both
// bus1 and bus2's listener slots, so observing what the engine forwards
// requires a three-bus chain: tapBus -- bus1/bus2(engine) -- tapBus.
func buildBridge(t *testing.T) (e *Engine, in *virtual.Bus, out *virtual.Bus, tap *capturingListener) {
	t.Helper()
	in, engineSide1 := virtual.NewPair()
	engineSide2, out := virtual.NewPair()
	e = New(engineSide1, engineSide2, NewMemStorage(1<<20), nil)
	require.NoError(t, e.Attach())
	e.Start()

	tap = &capturingListener{}
	require.NoError(t, out.Subscribe(tap))
	return e, in, out, tap
}

func TestEngineForwardsUnmatchedFrameUnchanged(t *testing.T) {
	_, in, _, tap := buildBridge(t)

	frame := can.NewFrame(0x123, can.Standard, []byte{1, 2, 3})
	require.NoError(t, in.Send(frame, time.Millisecond))

	require.Eventually(t, func() bool { return len(tap.received()) == 1 }, 100*time.Millisecond, time.Millisecond)
	got := tap.received()[0]
	assert.Equal(t, frame.Payload(), got.Payload())
}

func TestEngineAppliesReplaceAllAction(t *testing.T) {
	e, in, _, tap := buildBridge(t)

	rule := Rule{ConditionType: CondWholeFrameExact, ActionType: ActionReplaceAll}
	rule.ConditionPayload[0] = 0xAA
	rule.ActionPayload[0] = 0xFF
	rule.ActionPayload[1] = 0xEE
	require.NoError(t, e.AddRule(0x321, rule))

	frame := can.NewFrame(0x321, can.Standard, []byte{0xAA})
	require.NoError(t, in.Send(frame, time.Millisecond))

	require.Eventually(t, func() bool { return len(tap.received()) == 1 }, 100*time.Millisecond, time.Millisecond)
	got := tap.received()[0]
	assert.Equal(t, []byte{0xFF, 0xEE}, got.Payload())
}

func TestEngineDropAction(t *testing.T) {
	e, in, _, tap := buildBridge(t)

	rule := Rule{ConditionType: CondWholeFrameExact, ActionType: ActionDrop}
	require.NoError(t, e.AddRule(0x55, rule))

	require.NoError(t, in.Send(can.NewFrame(0x55, can.Standard, nil), time.Millisecond))
	require.NoError(t, in.Send(can.NewFrame(0x99, can.Standard, []byte{7}), time.Millisecond))

	require.Eventually(t, func() bool { return len(tap.received()) == 1 }, 100*time.Millisecond, time.Millisecond)
	assert.Equal(t, uint32(0x99), tap.received()[0].ID)
}

func TestEngineStopSuppressesForwarding(t *testing.T) {
	e, in, _, tap := buildBridge(t)
	e.Stop()

	require.NoError(t, in.Send(can.NewFrame(0x10, can.Standard, []byte{1}), time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, tap.received())
}

func TestEngineResetRulesClearsChains(t *testing.T) {
	e, in, _, tap := buildBridge(t)

	rule := Rule{ConditionType: CondWholeFrameExact, ActionType: ActionDrop}
	require.NoError(t, e.AddRule(0x10, rule))
	e.ResetRules()

	require.NoError(t, in.Send(can.NewFrame(0x10, can.Standard, []byte{1}), time.Millisecond))
	require.Eventually(t, func() bool { return len(tap.received()) == 1 }, 100*time.Millisecond, time.Millisecond)
}

func TestEnginePromotesToExtendedOnOverflowingTargetID(t *testing.T) {
	bus1, bus2 := virtual.NewPair()
	e := New(bus1, bus2, NewMemStorage(1<<20), nil)

	assert.Equal(t, can.Standard, e.Format())

	rule := Rule{ConditionType: CondWholeFrameExact, ActionType: ActionDrop}
	require.NoError(t, e.AddRule(can.MaxStandardID+1, rule))

	assert.Equal(t, can.Extended, e.Format())
}

func TestEngineStaysStandardWithinRange(t *testing.T) {
	bus1, bus2 := virtual.NewPair()
	e := New(bus1, bus2, NewMemStorage(1<<20), nil)

	rule := Rule{ConditionType: CondWholeFrameExact, ActionType: ActionDrop}
	require.NoError(t, e.AddRule(can.MaxStandardID, rule))

	assert.Equal(t, can.Standard, e.Format())
}
