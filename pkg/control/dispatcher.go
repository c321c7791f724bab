package control

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/canbadger/canbadger/pkg/settings"
)

// ErrUnknownAction is returned for an ACTION message whose action_type
// has no registered handler (spec §7's control-plane error kind).
var ErrUnknownAction = errors.New("control: unknown action")

// ErrDeviceResetRequested is returned by Serve when a RESET action is
// processed. The original firmware performs a hardware NVIC reset with
// no Go analogue; the closest faithful behavior is letting the caller
// (cmd/canbadger's main loop) perform an orderly shutdown, so Serve
// simply surfaces this sentinel
// instead of attempting to simulate a reset itself.
var ErrDeviceResetRequested = errors.New("control: device reset requested")

// LongRunningHandler drives one of the dispatcher's long-running
// actions (logging, UDS, hijack, MITM): it must poll stop at every
// opportunity and return promptly once it closes, per spec §5's
// cancellation rule, and is responsible for sending its own final
// reply via send.
type LongRunningHandler func(data []byte, stop <-chan struct{}, send func(Message) error) error

// ActionHandler handles one synchronous ACTION message. It sends its
// own reply via send (ACK/NACK/DATA), mirroring the original firmware's
// handlers calling the ethernet manager directly rather than returning
// a value for the caller to send.
type ActionHandler func(data []byte, send func(Message) error) error

// allowedWhileRunning mirrors canLogging's inner switch in
// command_handler.cpp: only these actions are serviced while a
// long-running routine is active, everything else is dropped.
var allowedWhileRunning = map[ActionType]bool{
	ActionStop:        true,
	ActionReset:       true,
	ActionRelay:       true,
	ActionLED:         true,
	ActionStartReplay: true,
}

// Dispatcher implements spec §4.7's dispatch loop: decode, bound-check
// (done by ReadMessage), and either run an action synchronously or hand
// it to a long-running handler while remaining responsive to STOP.
type Dispatcher struct {
	fsys   FileSystem
	st     *settings.Settings
	logger *slog.Logger

	running atomic.Bool
	upload  *UploadSession

	handlers    map[ActionType]ActionHandler
	longRunning map[ActionType]LongRunningHandler
}

// NewDispatcher creates a dispatcher with the built-in synchronous
// handlers (SETTINGS, DELETE_FILE, DOWNLOAD_FILE, UPDATE_SD, RELAY,
// LED, EEPROM_WRITE) wired against fsys/st. Long-running actions
// (LOG_RAW_CAN_TRAFFIC, START_UDS/UDS, HIJACK, MITM, ...) have no
// built-in behavior here; register them with RegisterLongRunning once
// the owning subsystem (pkg/uds, pkg/mitm, pkg/hijack) is constructed,
// since only the assembling binary (cmd/canbadger) knows which CAN
// buses and sessions those subsystems should bind to.
func NewDispatcher(fsys FileSystem, st *settings.Settings, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		fsys:        fsys,
		st:          st,
		logger:      logger.With("component", "control.dispatcher"),
		upload:      NewUploadSession(fsys),
		handlers:    map[ActionType]ActionHandler{},
		longRunning: map[ActionType]LongRunningHandler{},
	}
	d.handlers[ActionSettings] = d.handleSettings
	d.handlers[ActionDeleteFile] = d.handleDeleteFile
	d.handlers[ActionDownloadFile] = d.handleDownloadFile
	d.handlers[ActionUpdateSD] = d.handleUpdateSD
	d.handlers[ActionRelay] = handleNoOpACK
	d.handlers[ActionLED] = handleNoOpACK
	d.handlers[ActionEEPROMWrite] = handleNoOpACK
	return d
}

func handleNoOpACK(_ []byte, send func(Message) error) error {
	return send(ACK())
}

// RegisterLongRunning attaches fn as the handler for action, overriding
// any previously registered handler for it.
func (d *Dispatcher) RegisterLongRunning(action ActionType, fn LongRunningHandler) {
	d.longRunning[action] = fn
}

// Running reports whether a long-running action is currently active.
func (d *Dispatcher) Running() bool { return d.running.Load() }

func (d *Dispatcher) handleSettings(data []byte, send func(Message) error) error {
	if len(data) == 0 {
		payload, err := d.st.EncodeEEPROM()
		if err != nil {
			return send(NACK())
		}
		return send(DataMessage(payload))
	}
	updated, err := settings.DecodeEEPROM(data)
	if err != nil {
		return send(NACK())
	}
	*d.st = updated
	return send(ACK())
}

func (d *Dispatcher) handleDeleteFile(data []byte, send func(Message) error) error {
	return DeleteFile(d.fsys, string(data), send)
}

func (d *Dispatcher) handleDownloadFile(data []byte, send func(Message) error) error {
	return SendFile(d.fsys, string(data), send)
}

// handleUpdateSD implements both UPDATE_SD directions (spec §4.7): an
// empty payload (with no upload already in progress) requests the SD
// directory listing; any other payload either opens a new upload or
// feeds the next packet of one already in progress.
func (d *Dispatcher) handleUpdateSD(data []byte, send func(Message) error) error {
	if len(data) == 0 && !d.upload.Active() {
		listing, err := EncodeDirectoryListing(d.fsys, true)
		if err != nil {
			return send(NACK())
		}
		for _, payload := range listing {
			if err := send(DataMessage(payload)); err != nil {
				return err
			}
		}
		return nil
	}
	if !d.upload.Active() {
		reply, err := d.upload.Begin(string(data))
		return sendReply(send, reply, err)
	}
	reply, err := d.upload.Accept(data)
	return sendReply(send, reply, err)
}

func sendReply(send func(Message) error, reply Message, err error) error {
	if sendErr := send(reply); sendErr != nil {
		return sendErr
	}
	return err
}

// Serve reads ACTION messages from r until a RESET action is processed
// (returns ErrDeviceResetRequested) or reading fails (connection closed,
// returns the read error, typically io.EOF).
func (d *Dispatcher) Serve(r io.Reader, send func(Message) error) error {
	var activeStop chan struct{}
	var activeDone chan struct{}

	for {
		msg, err := ReadMessage(r)
		if err != nil {
			return err
		}
		if msg.Type != TypeAction {
			continue
		}

		if d.running.Load() {
			if msg.Action == ActionReset {
				return ErrDeviceResetRequested
			}
			if !allowedWhileRunning[msg.Action] {
				continue
			}
			if msg.Action == ActionStop {
				close(activeStop)
				<-activeDone
				continue
			}
			if handler, ok := d.handlers[msg.Action]; ok {
				if err := handler(msg.Data, send); err != nil {
					d.logger.Warn("action handler failed while running", "action", msg.Action, "error", err)
				}
			}
			continue
		}

		if msg.Action == ActionReset {
			return ErrDeviceResetRequested
		}

		if fn, ok := d.longRunning[msg.Action]; ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			activeStop, activeDone = stop, done
			d.running.Store(true)
			go func(data []byte) {
				defer close(done)
				defer d.running.Store(false)
				if err := fn(data, stop, send); err != nil {
					d.logger.Warn("long-running action exited with error", "action", msg.Action, "error", err)
				}
			}(msg.Data)
			continue
		}

		handler, ok := d.handlers[msg.Action]
		if !ok {
			d.logger.Warn("unknown action", "action", msg.Action, "error", ErrUnknownAction)
			_ = send(NACK())
			continue
		}
		if err := handler(msg.Data, send); err != nil {
			d.logger.Warn("action handler failed", "action", msg.Action, "error", err)
		}
	}
}
