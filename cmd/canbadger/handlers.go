package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canbadger/canbadger/internal/logrecord"
	"github.com/canbadger/canbadger/internal/ring"
	"github.com/canbadger/canbadger/pkg/can"
	"github.com/canbadger/canbadger/pkg/control"
	"github.com/canbadger/canbadger/pkg/hijack"
	"github.com/canbadger/canbadger/pkg/hw"
	"github.com/canbadger/canbadger/pkg/isotp"
	"github.com/canbadger/canbadger/pkg/kwp"
	"github.com/canbadger/canbadger/pkg/mitm"
	"github.com/canbadger/canbadger/pkg/settings"
	"github.com/canbadger/canbadger/pkg/tp20"
	"github.com/canbadger/canbadger/pkg/uds"
)

// system is the capability struct spec §9 calls for: every subsystem
// this binary owns, held by reference and passed to whichever
// long-running handler the dispatcher activates. No package-level
// state anywhere in this module's tree -- everything routes through
// this struct, the same way pkg/control's tests substitute
// MemFileSystem/MemStorage/MemGPIO fakes by constructing their own.
type system struct {
	bus1, bus2 can.Bus
	fsys       control.FileSystem
	st         *settings.Settings
	gpio       hw.GPIO
	logger     *slog.Logger

	mu   sync.Mutex
	uds  *uds.Client
	kwp  *kwp.Client
	mitm *mitm.Engine
	tp   *tp20.Channel
}

// defaultRequestTimeout bounds every diagnostic round trip the control
// plane forwards on a host's behalf (spec §5: "default ISO-TP request
// timeout ... at most one second").
const defaultRequestTimeout = time.Second

func (s *system) busByID(id byte) (can.Bus, error) {
	switch id {
	case 1:
		return s.bus1, nil
	case 2:
		return s.bus2, nil
	default:
		return nil, fmt.Errorf("cmd/canbadger: unknown bus id %d", id)
	}
}

// bridgeEnabled returns a predicate for can.NewBridgeListener that
// reflects the current value of the master CAN-bridge bit and one
// per-direction bit (spec.md:74's "per-interface bridge enabled" status
// bits), read live off s.st on every frame rather than captured once at
// startup, since a host can flip these through the SETTINGS action while
// the bridge listener is already subscribed.
func (s *system) bridgeEnabled(directionBit uint8) func() bool {
	return func() bool {
		return s.st.GetStatus(settings.BitCANBridgeEnabled) && s.st.GetStatus(directionBit)
	}
}

// registerHandlers wires this system's subsystems into dispatcher as
// LongRunningHandlers -- even the short request/response ones (START_UDS,
// UDS), since the dispatcher's one-action-at-a-time discipline (spec
// §5) requires every registered action to run to completion and
// release before the next one starts, which a handler that does one
// bounded round trip and returns satisfies just as well as a handler
// that loops until STOP.
func (s *system) registerHandlers(d *control.Dispatcher) {
	d.RegisterLongRunning(control.ActionStartUDS, s.handleStartUDS)
	d.RegisterLongRunning(control.ActionUDS, s.handleUDS)
	d.RegisterLongRunning(control.ActionStartTP, s.handleStartTP)
	d.RegisterLongRunning(control.ActionTP, s.handleTP)
	d.RegisterLongRunning(control.ActionLogRawCANTraffic, s.handleLogRawCANTraffic)
	d.RegisterLongRunning(control.ActionHijack, s.handleHijack)
	d.RegisterLongRunning(control.ActionMITM, s.handleMITM)
	d.RegisterLongRunning(control.ActionEnableMITMMode, s.handleMITM)
}

// --- START_UDS / UDS -------------------------------------------------

// handleStartUDS binds a fresh isotp.Transport + uds.Client to the
// requested bus and addressing parameters and runs DiagSessionStartup
// (spec §4.2's "DiagSessionStartup ... sets in_session=true, starts the
// 500ms TesterPresent ticker"). Wire layout (not pinned by spec §6
// beyond "fixed offsets"; chosen to carry exactly the fields
// set_transmission_parameters needs):
//
//	[0]    bus (1 or 2)
//	[1]    addressing mode (0 standard, 1 extended)
//	[2]    CAN id format (0 standard 11-bit, 1 extended 29-bit)
//	[3]    padding on (0/1)
//	[4]    padding byte
//	[5:9]  local id, big-endian u32
//	[9:13] remote id, big-endian u32
//	[13]   diagnostic session level
//	[14]   protocol select, optional: absent or 0 = UDS, 1 = KWP2000-over-CAN
//	       (spec §2's C4 row lists both as siblings of the same isotp.Transport;
//	       the original firmware's ActionType enum has no separate KWP action,
//	       so START_UDS/UDS double as the KWP entry points with this byte)
func (s *system) handleStartUDS(data []byte, stop <-chan struct{}, send func(control.Message) error) error {
	if len(data) < 14 {
		return send(control.NACK())
	}
	bus, err := s.busByID(data[0])
	if err != nil {
		return send(control.NACK())
	}

	transport := isotp.New(bus, s.logger)
	mode := isotp.StandardAddressing
	if data[1] == 1 {
		mode = isotp.ExtendedAddressing
	}
	format := can.Standard
	if data[2] == 1 {
		format = can.Extended
	}
	localID := binary.BigEndian.Uint32(data[5:9])
	remoteID := binary.BigEndian.Uint32(data[9:13])
	transport.SetTransmissionParameters(localID, remoteID, format, data[3] != 0, data[4], mode)
	transport.SetFilterMode(isotp.FilterRemoteID)
	if err := transport.Subscribe(); err != nil {
		return send(control.NACK())
	}

	useKWP := len(data) > 14 && data[14] == protoKWP
	if useKWP {
		client := kwp.New(transport, s.logger)
		resp, err := client.StartDiagnosticSession(data[13], defaultRequestTimeout)
		if err != nil {
			s.logger.Warn("kwp session startup failed", "error", err)
			return send(control.NACK())
		}
		s.mu.Lock()
		s.kwp = client
		s.uds = nil
		s.mu.Unlock()
		return send(control.DataMessage(resp))
	}

	client := uds.New(transport, s.logger)
	resp, err := client.DiagSessionStartup(data[13], defaultRequestTimeout)
	if err != nil {
		s.logger.Warn("uds session startup failed", "error", err)
		return send(control.NACK())
	}

	s.mu.Lock()
	s.uds = client
	s.kwp = nil
	s.mu.Unlock()

	return send(control.DataMessage(resp))
}

// handleUDS forwards data verbatim as a raw diagnostic request over
// whichever session handleStartUDS most recently established -- UDS and
// KWP2000 share the same request/reply SID-offset shape closely enough
// that one forwarding handler covers both (spec §4.2's SID table: the
// host already knows the exact request shape for the service it wants).
func (s *system) handleUDS(data []byte, stop <-chan struct{}, send func(control.Message) error) error {
	s.mu.Lock()
	udsClient, kwpClient := s.uds, s.kwp
	s.mu.Unlock()

	if kwpClient != nil {
		resp, err := kwpClient.Request(data, defaultRequestTimeout)
		if err != nil {
			var nr *kwp.NegativeResponse
			if errors.As(err, &nr) {
				return send(control.DataMessage([]byte{0x7F, nr.RequestSID, nr.NRC}))
			}
			return send(control.NACK())
		}
		return send(control.DataMessage(resp))
	}

	if udsClient == nil {
		return send(control.NACK())
	}
	resp, err := udsClient.Request(data, defaultRequestTimeout)
	if err != nil {
		var nr *uds.NegativeResponse
		if errors.As(err, &nr) {
			return send(control.DataMessage([]byte{0x7F, nr.RequestSID, nr.NRC}))
		}
		return send(control.NACK())
	}
	return send(control.DataMessage(resp))
}

// --- START_TP / TP -----------------------------------------------------

// handleStartTP drives a tp20.Channel through its setup/negotiation
// handshake (spec §4.4) and holds it open for handleTP to use. Wire
// layout:
//
//	[0]   bus (1 or 2)
//	[1]   ECU address
//	[2]   tester address
func (s *system) handleStartTP(data []byte, stop <-chan struct{}, send func(control.Message) error) error {
	if len(data) < 3 {
		return send(control.NACK())
	}
	bus, err := s.busByID(data[0])
	if err != nil {
		return send(control.NACK())
	}

	ch := tp20.New(bus, data[1], data[2], s.logger)
	if err := ch.Subscribe(); err != nil {
		return send(control.NACK())
	}
	if err := ch.Open(defaultRequestTimeout); err != nil {
		s.logger.Warn("tp2.0 channel setup failed", "error", err)
		return send(control.NACK())
	}

	s.mu.Lock()
	s.tp = ch
	s.mu.Unlock()

	return send(control.ACK())
}

// handleTP forwards data verbatim as a KWP service PDU over the channel
// handleStartTP established, and returns the reassembled reply PDU
// (spec §4.4: "once ESTABLISHED, KWP2000 application PDUs ride inside
// TP2.0 data frames").
func (s *system) handleTP(data []byte, stop <-chan struct{}, send func(control.Message) error) error {
	s.mu.Lock()
	ch := s.tp
	s.mu.Unlock()
	if ch == nil {
		return send(control.NACK())
	}

	if err := ch.SendPDU(data, defaultRequestTimeout); err != nil {
		s.logger.Warn("tp2.0 send failed", "error", err)
		return send(control.NACK())
	}
	resp, err := ch.ReceivePDU(defaultRequestTimeout)
	if err != nil {
		return send(control.NACK())
	}
	if len(resp) >= 3 && resp[0] == 0x7F {
		return send(control.DataMessage([]byte{0x7F, resp[1], resp[2]}))
	}
	return send(control.DataMessage(resp))
}

// --- LOG_RAW_CAN_TRAFFIC ----------------------------------------------

// logListener is the sole producer for the frame ring buffer (spec §5):
// it runs on the bus's receive-interrupt-equivalent callback path and
// must not block. It also carries the bridge-enabled ISR retransmit
// (spec.md:74/209, SPEC_FULL.md C1a) for its own bus, since while this
// listener holds the bus's sole listener slot the standing
// can.BridgeListener installed in main is replaced and would otherwise
// stop forwarding for the duration of the logging action.
type logListener struct {
	bus      int
	started  time.Time
	r        *ring.Ring
	bitrate1 uint32
	bitrate2 uint32

	dest    can.Bus
	enabled func() bool
	logger  *slog.Logger
}

func (l *logListener) bitrate() uint32 {
	if l.bus == 1 {
		return l.bitrate1
	}
	return l.bitrate2
}

func (l *logListener) Handle(frame can.Frame) {
	rec := logrecord.EncodeCANFrame(l.bus, frame, uint32(time.Since(l.started).Milliseconds()), l.bitrate())
	l.r.WriteRecord(rec.Marshal())

	if l.enabled != nil && l.enabled() {
		can.ForwardWithRetry(l.dest, frame, l.logger)
	}
}

// handleLogRawCANTraffic runs the C2/C7 logging path of spec §2's
// control-flow paragraph: CAN -> C1 receive hook -> C2 ring -> C7
// reader -> outbound DATA, plus the bridge-enabled retransmit
// spec.md:209 describes as part of the same receive hook. The main loop
// here is the ring's sole consumer, polling at a short fixed interval
// and checking stop on every iteration (spec §5's cancellation rule).
func (s *system) handleLogRawCANTraffic(data []byte, stop <-chan struct{}, send func(control.Message) error) error {
	r := ring.New(ring.DefaultCapacity)
	started := time.Now()
	l1 := &logListener{
		bus: 1, started: started, r: r, bitrate1: s.st.CAN1Speed, bitrate2: s.st.CAN2Speed,
		dest: s.bus2, enabled: s.bridgeEnabled(settings.BitCAN1ToCAN2Bridge), logger: s.logger,
	}
	l2 := &logListener{
		bus: 2, started: started, r: r, bitrate1: s.st.CAN1Speed, bitrate2: s.st.CAN2Speed,
		dest: s.bus1, enabled: s.bridgeEnabled(settings.BitCAN2ToCAN1Bridge), logger: s.logger,
	}
	if err := s.bus1.Subscribe(l1); err != nil {
		return send(control.NACK())
	}
	if err := s.bus2.Subscribe(l2); err != nil {
		return send(control.NACK())
	}
	// Restore the standing bridge listeners once logging releases the
	// bus's listener slot, so bridging (if enabled) keeps running between
	// actions rather than silently stopping forever after the first time
	// LOG_RAW_CAN_TRAFFIC runs.
	defer func() {
		_ = s.bus1.Subscribe(can.NewBridgeListener(s.bus2, s.bridgeEnabled(settings.BitCAN1ToCAN2Bridge), s.logger))
		_ = s.bus2.Subscribe(can.NewBridgeListener(s.bus1, s.bridgeEnabled(settings.BitCAN2ToCAN1Bridge), s.logger))
	}()

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			for {
				rec, ok := r.ReadRecord()
				if !ok {
					break
				}
				if len(rec) == 0 {
					continue // skip marker, spec §3/§8
				}
				if err := send(control.DataMessage(rec)); err != nil {
					return err
				}
			}
		}
	}
}

// --- HIJACK / HAMMER ---------------------------------------------------

// hijackModeHijack and hijackModeHammer are the leading mode byte of an
// ACTION_HIJACK payload: run the passive hijack FSM or the seed hammer.
const (
	hijackModeHijack byte = 0
	hijackModeHammer byte = 1
)

const (
	protoUDS  byte = 0
	protoKWP  byte = 1
	protoTP20 byte = 2
)

// handleHijack implements spec §4.6's two engines behind one ACTION_HIJACK
// action, distinguished by a leading mode byte -- the original firmware's
// own ActionType enum (preserved verbatim in pkg/control, see DESIGN.md)
// has no separate HAMMER entry, so hammer must be a hijack submode on the
// wire, the same way it is a submode in the source firmware's menu UI.
//
// Hijack payload: [0]=hijackModeHijack [1]=protocol (protoUDS/KWP/TP20).
// Hammer payload: [0]=hijackModeHammer [1]=level [2]=currentDiagSession
// [3:5]=maxSeeds big-endian u16. Hammer requires a session already
// established via START_UDS.
func (s *system) handleHijack(data []byte, stop <-chan struct{}, send func(control.Message) error) error {
	if len(data) < 2 {
		return send(control.NACK())
	}
	switch data[0] {
	case hijackModeHijack:
		return s.runHijack(data[1], stop, send)
	case hijackModeHammer:
		if len(data) < 5 {
			return send(control.NACK())
		}
		level, session := data[1], data[2]
		maxSeeds := int(binary.BigEndian.Uint16(data[3:5]))
		return s.runHammer(level, session, maxSeeds, send)
	default:
		return send(control.NACK())
	}
}

func (s *system) runHijack(protocol byte, stop <-chan struct{}, send func(control.Message) error) error {
	source, err := hijack.NewBusSource(s.bus1, s.bus2)
	if err != nil {
		return send(control.NACK())
	}
	engine := hijack.New(s.logger)

	var matchers hijack.Matchers
	var tp20Seq func(hijack.Observation) (uint8, bool)
	switch protocol {
	case protoUDS:
		matchers = uds.HijackMatchers()
	case protoKWP:
		matchers = kwp.HijackMatchers()
	case protoTP20:
		matchers = tp20.HijackMatchers()
		tp20Seq = tp20.SequenceCounter
	default:
		return send(control.NACK())
	}

	type outcome struct {
		result hijack.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := engine.Run(source, matchers, 200*time.Millisecond, tp20Seq)
		done <- outcome{r, err}
	}()

	select {
	case <-stop:
		// The running hijack goroutine has no cooperative cancellation
		// point inside Engine.Run beyond its own step timeout; abandoning
		// it here matches spec §5's requirement that STOP itself stays
		// responsive even if cleanup of the abandoned attempt is best-effort.
		return nil
	case o := <-done:
		if o.err != nil {
			return send(control.NACK())
		}
		reply := []byte{o.result.Level}
		if o.result.TP20Counter != nil {
			reply = append(reply, *o.result.TP20Counter)
		}
		s.logger.Info("hijack succeeded", "level", o.result.Level)
		return send(control.DataMessage(reply))
	}
}

// udsSeedRequester adapts *uds.Client to hijack.SeedRequester.
type udsSeedRequester struct{ client *uds.Client }

func (r udsSeedRequester) RequestSeed(level byte, timeout time.Duration) ([]byte, error) {
	resp, err := r.client.SecurityAccess(level, nil, timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, errors.New("cmd/canbadger: short seed reply")
	}
	return resp[2:], nil
}

func (r udsSeedRequester) SwitchSession(level byte, timeout time.Duration) error {
	_, err := r.client.DiagnosticSessionControl(level, timeout)
	return err
}

func (s *system) runHammer(level, currentSession byte, maxSeeds int, send func(control.Message) error) error {
	s.mu.Lock()
	client := s.uds
	s.mu.Unlock()
	if client == nil {
		return send(control.NACK())
	}

	hammer := hijack.NewHammer(udsSeedRequester{client}, s.logger)
	seeds, err := hammer.Collect(level, currentSession, maxSeeds, defaultRequestTimeout)
	if err != nil && !errors.Is(err, hijack.ErrNotVulnerable) {
		return send(control.NACK())
	}

	if wc, werr := s.fsys.OpenWrite("/hammer_seeds.bin"); werr == nil {
		for _, seed := range seeds {
			_ = hijack.AppendSeedSample(wc, seed)
		}
		wc.Close()
	}

	payload := make([]byte, 0, len(seeds)*4+1)
	if errors.Is(err, hijack.ErrNotVulnerable) {
		payload = append(payload, 0)
	} else {
		payload = append(payload, 1)
	}
	for _, seed := range seeds {
		payload = append(payload, seed...)
	}
	return send(control.DataMessage(payload))
}

// --- MITM ---------------------------------------------------------------

// mitmArenaSize is the external-SRAM address space spec §3 declares (1
// MiB); the real SPI SRAM chip is out of scope per spec §1, so a
// MemStorage fake stands in for it in this binary just as it does in
// pkg/mitm's own tests.
const mitmArenaSize = 1 << 20

// handleMITM implements C5's do_mitm loop (spec §4.5): data is the ASCII
// rule file content (spec §4.5's load_rules(file) format), loaded once,
// then the engine bridges bus1/bus2 until stop closes -- mirroring "the engine's exit conditions are a back-button
// press (standalone) or settings.current_action_is_running==false
// (ethernet mode)".
func (s *system) handleMITM(data []byte, stop <-chan struct{}, send func(control.Message) error) error {
	engine := mitm.New(s.bus1, s.bus2, mitm.NewMemStorage(mitmArenaSize), s.logger)
	if err := engine.Attach(); err != nil {
		return send(control.NACK())
	}

	loaded, skipped := mitm.LoadRules(string(data), engine.AddRule)
	s.logger.Info("mitm rules loaded", "loaded", loaded, "skipped", skipped)
	if loaded == 0 {
		return send(control.NACK())
	}

	s.mu.Lock()
	s.mitm = engine
	s.mu.Unlock()

	engine.Start()
	if err := send(control.ACK()); err != nil {
		return err
	}
	<-stop
	engine.Stop()
	s.mu.Lock()
	s.mitm = nil
	s.mu.Unlock()
	return nil
}
