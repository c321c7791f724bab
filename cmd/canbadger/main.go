// Command canbadger assembles the capability struct spec §9 calls for
// (two CAN buses, an SD filesystem, settings store, GPIO) and runs the
// control-plane loop (C7): broadcast the discovery beacon, wait for a
// host to CONNECT, then serve its command socket until a device reset
// is requested or the connection drops, at which point the beacon
// restarts -- the same outer retry shape the teacher's cmd/canopen main
// loop uses around its own INIT/RUNNING/RESETTING states.
package main

import (
	"log/slog"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/canbadger/canbadger/pkg/can"
	_ "github.com/canbadger/canbadger/pkg/can/socketcan"
	_ "github.com/canbadger/canbadger/pkg/can/virtual"
	"github.com/canbadger/canbadger/pkg/control"
	"github.com/canbadger/canbadger/pkg/hw"
	"github.com/canbadger/canbadger/pkg/settings"
)

const firmwareVersion = "1.0.0"

func main() {
	ifaceType := flag.String("iface-type", "socketcan", "CAN backend: socketcan or virtual")
	can1Name := flag.String("can1", "can0", "bus 1 interface name")
	can2Name := flag.String("can2", "can1", "bus 2 interface name")
	sdRoot := flag.String("sd-root", ".", "root directory standing in for the SD card")
	deviceID := flag.String("id", "CANBADGER", "device id advertised in the discovery beacon")
	broadcastAddr := flag.String("broadcast", "255.255.255.255", "directed broadcast address for the discovery beacon")
	gpiochip := flag.String("gpiochip", "", "Linux gpiochip device for LED/relay lines; empty uses an in-memory fake")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	bus1, err := can.NewBus(*ifaceType, *can1Name)
	if err != nil {
		logger.Error("open bus 1", "error", err)
		os.Exit(1)
	}
	bus2, err := can.NewBus(*ifaceType, *can2Name)
	if err != nil {
		logger.Error("open bus 2", "error", err)
		os.Exit(1)
	}
	if err := bus1.Connect(); err != nil {
		logger.Error("connect bus 1", "error", err)
		os.Exit(1)
	}
	if err := bus2.Connect(); err != nil {
		logger.Error("connect bus 2", "error", err)
		os.Exit(1)
	}

	var gpio hw.GPIO
	if *gpiochip != "" {
		gpio, err = hw.NewCdevGPIO(*gpiochip, map[int]int{0: 0, 1: 1}, nil)
		if err != nil {
			logger.Warn("gpio unavailable, falling back to in-memory fake", "error", err)
			gpio = hw.NewMemGPIO()
		}
	} else {
		gpio = hw.NewMemGPIO()
	}
	defer gpio.Close()

	fsys := control.OSFileSystem{Root: *sdRoot}

	st := loadOrDefaultSettings(fsys, *deviceID, logger)

	sys := &system{
		bus1: bus1, bus2: bus2,
		fsys: fsys, st: &st, gpio: gpio,
		logger: logger,
	}

	// Standing bridge-enabled ISR retransmit (spec.md:74/§3/§5, SPEC_FULL.md
	// C1a): each bus carries this as its default listener, independent of
	// whichever long-running action the dispatcher is currently running.
	// LOG_RAW_CAN_TRAFFIC folds the same check into its own listener rather
	// than losing it while it holds the bus's sole listener slot; MITM and
	// the diagnostic clients already forward or own the bus outright for
	// their own reasons and intentionally replace this listener while
	// active.
	if err := bus1.Subscribe(can.NewBridgeListener(bus2, sys.bridgeEnabled(settings.BitCAN1ToCAN2Bridge), logger)); err != nil {
		logger.Error("subscribe bus 1 bridge listener", "error", err)
		os.Exit(1)
	}
	if err := bus2.Subscribe(can.NewBridgeListener(bus1, sys.bridgeEnabled(settings.BitCAN2ToCAN1Bridge), logger)); err != nil {
		logger.Error("subscribe bus 2 bridge listener", "error", err)
		os.Exit(1)
	}

	for {
		dispatcher := control.NewDispatcher(fsys, sys.st, logger)
		sys.registerHandlers(dispatcher)

		if err := runSession(*deviceID, *broadcastAddr, dispatcher, logger); err != nil {
			if err == control.ErrDeviceResetRequested {
				logger.Info("device reset requested, shutting down")
				return
			}
			logger.Warn("session ended, restarting discovery", "error", err)
		}
	}
}

// loadOrDefaultSettings mirrors the original firmware's boot sequence:
// try the SD settings file at its default path, fall back to built-in
// defaults if it is absent or unreadable (spec §6's "unknown keys are
// ignored" extends naturally to "missing file: use defaults").
func loadOrDefaultSettings(fsys control.FileSystem, deviceID string, logger *slog.Logger) settings.Settings {
	if fsys.Exists(settings.DefaultPath) {
		rc, err := fsys.OpenRead(settings.DefaultPath)
		if err == nil {
			defer rc.Close()
			if st, err := settings.Load(rc); err == nil {
				return st
			} else {
				logger.Warn("settings file present but unparseable, using defaults", "error", err)
			}
		}
	}
	return settings.Default(deviceID)
}

// runSession runs one discovery-beacon-then-command-socket cycle: beacon
// until CONNECT, dial the learned (server_ip, server_port) over TCP (the
// "TCP command socket" spec §2's component table names), and serve the
// dispatcher there until the connection drops or a reset is requested.
func runSession(deviceID, broadcastAddr string, dispatcher *control.Dispatcher, logger *slog.Logger) error {
	beaconConn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	defer beaconConn.Close()

	connectConn, err := net.ListenPacket("udp4", ":13371")
	if err != nil {
		return err
	}
	defer connectConn.Close()

	beacon := control.NewBeacon(deviceID, firmwareVersion, broadcastAddr, logger)
	stopBeacon := make(chan struct{})
	beaconDone := make(chan struct{})
	go func() {
		defer close(beaconDone)
		if err := beacon.Run(beaconConn, stopBeacon); err != nil {
			logger.Warn("beacon stopped", "error", err)
		}
	}()

	ep, err := control.ListenForConnect(connectConn)
	close(stopBeacon)
	<-beaconDone
	if err != nil {
		return err
	}
	logger.Info("host connected", "endpoint", ep.String())

	conn, err := net.DialTimeout("tcp4", ep.String(), 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	send := func(m control.Message) error {
		return control.WriteMessage(conn, m)
	}
	return dispatcher.Serve(conn, send)
}
