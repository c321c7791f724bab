package mitm

import (
	"bufio"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canbadger/canbadger/pkg/can"
)

// TxRetryLimit and TxRetryInterval bound the forwarding retry loop (spec
// §5/§9: "MITM TX retry caps at 100 x 100 microseconds"), grounded on
// original_source/CANBADGER/CAN_MITM.cpp's `wait(0.0001)` busy-retry.
const (
	TxRetryLimit    = 100
	TxRetryInterval = 100 * time.Microsecond
)

// side identifies which of the two bridged buses a frame arrived on.
type side uint8

const (
	side1 side = iota
	side2
)

// Engine is the MITM rule engine (C5): an index+arena rule store and a
// per-frame lookup-and-transform loop bridging two CAN buses.
type Engine struct {
	bus1, bus2 can.Bus
	index      *RuleIndex
	arena      *RuleArena
	logger     *slog.Logger

	mu      sync.Mutex // serializes rule-store mutation against concurrent lookups
	running atomic.Bool
	format  can.Format // engine-wide addressing mode, see AddRule
}

// New creates an engine bridging bus1/bus2 with a fresh, empty rule
// store backed by arenaStorage.
func New(bus1, bus2 can.Bus, arenaStorage Storage, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		bus1:   bus1,
		bus2:   bus2,
		index:  NewRuleIndex(),
		arena:  NewRuleArena(arenaStorage),
		logger: logger.With("component", "mitm"),
	}
}

// frameListener adapts Engine.handleFrame to can.FrameListener, tagging
// which bus a frame arrived on.
type frameListener struct {
	engine *Engine
	from   side
}

func (l *frameListener) Handle(frame can.Frame) { l.engine.handleFrame(l.from, frame) }

// Attach subscribes the engine to both buses. Call once Start is ready
// to bridge; frames arriving beforehand are not the engine's concern
// (the bus has a single-listener discipline, spec §1 C1).
func (e *Engine) Attach() error {
	if err := e.bus1.Subscribe(&frameListener{engine: e, from: side1}); err != nil {
		return err
	}
	return e.bus2.Subscribe(&frameListener{engine: e, from: side2})
}

// Start marks the engine active; Stop clears it.
// Mirrors spec §4.5's "settings.current_action_is_running == false"
// exit condition.
func (e *Engine) Start() { e.running.Store(true) }

// Stop marks the engine inactive. handleFrame becomes a no-op once
// stopped.
func (e *Engine) Stop() { e.running.Store(false) }

// Running reports whether the engine is currently bridging frames.
func (e *Engine) Running() bool { return e.running.Load() }

// Format reports the engine's current addressing mode. It starts
// Standard and latches to Extended the first time a loaded target ID
// overflows 11 bits; see AddRule.
func (e *Engine) Format() can.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

// AddRule loads rule into targetID's chain, allocating a fresh index
// slot and SRAM region on first use of that ID (spec §4.5 step 2).
//
// Per spec §9's preserved Open Question, a target ID that overflows the
// 11-bit standard range while the engine is still in Standard mode
// promotes the engine to Extended rather than being silently clipped;
// this mutates engine-wide behavior mid-load, so it is logged at Warn
// rather than applied quietly.
func (e *Engine) AddRule(targetID uint32, rule Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.format == can.Standard && targetID > can.MaxStandardID {
		e.logger.Warn("target id exceeds 11-bit standard range, promoting engine to extended addressing",
			"target_id", targetID)
		e.format = can.Extended
	}

	base, ok := e.index.Lookup(targetID)
	if !ok {
		base = e.arena.AllocateTarget()
		if err := e.arena.backing.Fill(base, TargetStride, 0xFF); err != nil {
			return err
		}
		if err := e.index.Add(targetID, base); err != nil {
			return err
		}
	}
	return e.arena.Append(base, rule)
}

// ResetRules clears the index and invalidates every allocated SRAM
// region (spec §3's Lifecycles paragraph).
func (e *Engine) ResetRules() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.index.Targets() {
		base, _ := e.index.Lookup(t)
		e.arena.ResetRegion(base)
	}
	e.index.Reset()
	e.arena.cursor = 0
}

// handleFrame is the per-frame body of spec §4.5's do_mitm loop: look
// up the frame's ID, walk any rule chain, apply the first matching
// rule's action, and forward the (possibly transformed) frame to the
// opposite bus with a bounded retry.
func (e *Engine) handleFrame(from side, frame can.Frame) {
	if !e.running.Load() || frame.ID == 0 {
		return
	}

	e.mu.Lock()
	base, found := e.index.Lookup(frame.ID)
	var chain []Rule
	if found {
		chain, _ = e.arena.Chain(base)
	}
	e.mu.Unlock()

	payload := frame.Payload()
	out := payload
	drop := false

	for _, rule := range chain {
		matched := conditionMatches(rule, payload)
		if !matched {
			if !isKnownConditionType(rule.ConditionType) {
				// Unknown condition type: stop processing this frame
				// entirely and forward it unchanged (spec §4.5 step 2).
				break
			}
			continue
		}
		out, drop = applyAction(rule, payload)
		break
	}

	if drop {
		return
	}

	outFrame := frame
	copy(outFrame.Data[:], out)
	outFrame.Len = uint8(len(out))

	var dest can.Bus
	if from == side1 {
		dest = e.bus2
	} else {
		dest = e.bus1
	}
	e.forward(dest, outFrame)
}

// forward retries Send up to TxRetryLimit times at TxRetryInterval
// spacing, matching the bounded busy-wait original_source uses to
// "make sure the msg goes out" without blocking forever.
func (e *Engine) forward(dest can.Bus, frame can.Frame) {
	for attempt := 0; attempt < TxRetryLimit; attempt++ {
		if err := dest.Send(frame, TxRetryInterval); err == nil {
			return
		}
		if !e.running.Load() {
			return
		}
	}
	e.logger.Warn("frame forward exhausted retry budget", "id", frame.ID)
}

func isKnownConditionType(t ConditionType) bool {
	return t <= CondMaskedLess
}

// conditionMatches implements spec §4.5's four condition types.
func conditionMatches(rule Rule, payload []byte) bool {
	switch rule.ConditionType {
	case CondWholeFrameExact:
		n := len(payload)
		if n > 8 {
			n = 8
		}
		for i := 0; i < n; i++ {
			if payload[i] != rule.ConditionPayload[i] {
				return false
			}
		}
		return true
	case CondMaskedExact:
		for i := 0; i < len(payload) && i < 8; i++ {
			if rule.ConditionMask&(1<<uint(i)) == 0 {
				continue
			}
			if payload[i] != rule.ConditionPayload[i] {
				return false
			}
		}
		return true
	case CondMaskedGreater:
		for i := 0; i < len(payload) && i < 8; i++ {
			if rule.ConditionMask&(1<<uint(i)) == 0 {
				continue
			}
			if !(payload[i] > rule.ConditionPayload[i]) {
				return false
			}
		}
		return true
	case CondMaskedLess:
		for i := 0; i < len(payload) && i < 8; i++ {
			if rule.ConditionMask&(1<<uint(i)) == 0 {
				continue
			}
			if !(payload[i] < rule.ConditionPayload[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// applyAction implements spec §4.5's nine action types with 8-bit
// wrapping arithmetic. Division by zero leaves the byte unchanged
// (undefined by spec; chosen to avoid a runtime panic on malformed
// rule data).
func applyAction(rule Rule, payload []byte) (out []byte, drop bool) {
	if rule.ActionType == ActionDrop {
		return nil, true
	}
	out = append([]byte(nil), payload...)
	if rule.ActionType == ActionReplaceAll {
		n := len(out)
		if n > 8 {
			n = 8
		}
		copy(out[:n], rule.ActionPayload[:n])
		return out, false
	}
	for i := 0; i < len(out) && i < 8; i++ {
		if rule.ActionMask&(1<<uint(i)) == 0 {
			continue
		}
		a := rule.ActionPayload[i]
		switch rule.ActionType {
		case ActionReplaceMasked:
			out[i] = a
		case ActionAdd:
			out[i] = out[i] + a
		case ActionSub:
			out[i] = out[i] - a
		case ActionMul:
			out[i] = out[i] * a
		case ActionDiv:
			if a != 0 {
				out[i] = out[i] / a
			}
		case ActionPercentInc:
			out[i] = out[i] + byte(int(out[i])*int(a)/100)
		case ActionPercentDec:
			out[i] = out[i] - byte(int(out[i])*int(a)/100)
		}
	}
	return out, false
}

// LoadRules parses the ASCII rule file format of spec §6: per rule,
// `cond_type,target_id,p0..p7,action_type,a0..a7`, fields separated by
// commas or newlines, decimal or 0x-prefixed hex, malformed rules
// skipped, end of input terminates parsing.
//
// The file format has no separate condition/action byte-mask fields
// (unlike the 20-byte wire rule body, which does); every loaded rule's
// masks default to 0xFF (all eight bytes participate), matching
// condition type 0's whole-frame semantics and giving masked types the
// widest possible match/transform by default. See DESIGN.md.
func LoadRules(r string, into func(targetID uint32, rule Rule) error) (loaded, skipped int) {
	fields := tokenizeRuleFile(r)
	const fieldsPerRule = 19 // cond_type, target_id, 8 cond payload, action_type, 8 action payload
	for len(fields) >= fieldsPerRule {
		values := make([]uint64, fieldsPerRule)
		ok := true
		for i := 0; i < fieldsPerRule; i++ {
			v, err := parseRuleField(fields[i])
			if err != nil {
				ok = false
				break
			}
			values[i] = v
		}
		fields = fields[fieldsPerRule:]
		if !ok {
			skipped++
			continue
		}

		rule := Rule{
			ConditionMask: 0xFF,
			ConditionType: ConditionType(values[0]),
			ActionMask:    0xFF,
			ActionType:    ActionType(values[10]),
		}
		targetID := uint32(values[1])
		for i := 0; i < 8; i++ {
			rule.ConditionPayload[i] = byte(values[2+i])
			rule.ActionPayload[i] = byte(values[11+i])
		}

		if err := into(targetID, rule); err != nil {
			skipped++
			continue
		}
		loaded++
	}
	return loaded, skipped
}

func tokenizeRuleFile(r string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(r))
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := scanner.Text()
		for _, field := range strings.Split(line, ",") {
			field = strings.TrimSpace(field)
			if field != "" {
				out = append(out, field)
			}
		}
	}
	return out
}

func parseRuleField(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
