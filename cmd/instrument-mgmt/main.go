package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/labctrl/instrument-mgmt/internal/pkg/application/events"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/sensor"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/session"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/shutter"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/spectrometer"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/stage"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/config"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/logging"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/router"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/tracing"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/transport"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/api"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/api/auth"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/ws"
)

const serviceName string = "instrument-mgmt"

type flags struct {
	device         string
	listenAddress  string
	servicePort    string
	hardwareConfig string
	serverConfig   string
	devmode        bool
}

func defaultFlags() flags {
	return flags{
		device:         "stage",
		listenAddress:  "0.0.0.0",
		servicePort:    "8080",
		hardwareConfig: "/opt/labctrl/config/hardware.json",
		serverConfig:   "/opt/labctrl/config/server.json",
	}
}

func main() {
	f := parseExternalConfig(defaultFlags())

	ctx, logger := logging.NewLogger(context.Background(), serviceName, version(), f.device)
	logger.Info().Msg("starting up ...")

	cleanup, err := tracing.Init(ctx, serviceName, version())
	exitIf(err, logger, "could not init tracing")
	defer cleanup()

	hwCfg, err := config.LoadHardwareConfig(f.hardwareConfig)
	exitIf(err, logger, "could not load hardware configuration")

	srvCfg, err := config.LoadServerConfig(f.serverConfig)
	exitIf(err, logger, "could not load server configuration")

	authSvc, err := auth.New(srvCfg.Auth)
	exitIf(err, logger, "could not create auth service")

	port := newPort(f, hwCfg.Serial)
	sess := session.New(port, newFramer(f.device, port), serialTimeout(hwCfg.Serial))

	err = sess.Open()
	exitIf(err, logger, "could not open serial session")

	bus := events.NewBus()
	manager := ws.NewManager()

	instrument, err := newInstrument(f.device, sess, bus, hwCfg)
	exitIf(err, logger, "could not create device controller")

	r := router.New(serviceName, srvCfg.CORS)
	_, err = api.RegisterHandlers(r, api.API{
		Auth:         authSvc,
		Stage:        instrument.stage,
		Sensor:       instrument.sensor,
		Shutter:      instrument.shutter,
		Spectrometer: instrument.spectrometer,
		WS:           ws.Handler(authSvc, manager, instrument.protocol),
	})
	exitIf(err, logger, "could not register routes")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go bus.Run(ctx, manager)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", f.listenAddress, f.servicePort),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	exitIf(err, logger, "server failure")

	shutdown(context.Background(), logger, instrument, sess, hwCfg, f.hardwareConfig)
	logger.Info().Msg("shutdown complete")
}

// instrument holds whichever controller the -device flag selected.
type instrument struct {
	stage        *stage.Controller
	sensor       *sensor.Controller
	shutter      *shutter.Controller
	spectrometer *spectrometer.Controller
	protocol     ws.Protocol
}

func newInstrument(device string, sess *session.Session, bus *events.Bus, cfg *config.HardwareConfig) (*instrument, error) {
	switch device {
	case "stage":
		if cfg.Stage == nil {
			return nil, errors.New("hardware configuration has no stage section")
		}
		ctrl := stage.New(sess, bus, *cfg.Stage)
		return &instrument{stage: ctrl, protocol: ws.NewStageProtocol(ctrl)}, nil
	case "sensor":
		if cfg.Sensor == nil {
			return nil, errors.New("hardware configuration has no sensor section")
		}
		ctrl := sensor.New(sess, bus, *cfg.Sensor)
		return &instrument{sensor: ctrl, protocol: ws.NewSensorProtocol(ctrl)}, nil
	case "shutter":
		if cfg.Shutter == nil {
			return nil, errors.New("hardware configuration has no shutter section")
		}
		ctrl := shutter.New(sess, bus, *cfg.Shutter)
		return &instrument{shutter: ctrl, protocol: ws.NewShutterProtocol(ctrl)}, nil
	case "spectrometer":
		if cfg.Spectrometer == nil {
			return nil, errors.New("hardware configuration has no spectrometer section")
		}
		ctrl := spectrometer.New(sess, bus, *cfg.Spectrometer)
		return &instrument{spectrometer: ctrl, protocol: ws.NewSpectrometerProtocol(ctrl)}, nil
	default:
		return nil, fmt.Errorf("unknown device type %s", device)
	}
}

// shutdown stops any continuous acquisition, closes the serial session and
// persists the current parameter values so the next startup restores them.
func shutdown(ctx context.Context, logger zerolog.Logger, in *instrument, sess *session.Session, cfg *config.HardwareConfig, path string) {
	if in.sensor != nil && in.sensor.Continuous() {
		in.sensor.StopContinuous(ctx, false)
	}

	if err := sess.Close(); err != nil {
		logger.Warn().Err(err).Msg("serial session did not close cleanly")
	}

	switch {
	case in.stage != nil:
		snapshot := in.stage.Config()
		cfg.Stage = &snapshot
	case in.sensor != nil:
		snapshot := in.sensor.Config()
		cfg.Sensor = &snapshot
	case in.shutter != nil:
		snapshot := in.shutter.Config()
		cfg.Shutter = &snapshot
	case in.spectrometer != nil:
		snapshot := in.spectrometer.Config()
		cfg.Spectrometer = &snapshot
	}

	if err := config.Dump(path, cfg); err != nil {
		logger.Error().Err(err).Msg("could not persist hardware configuration")
	}
}

// newPort opens the configured serial port, or a loopback mock in devmode
// so the server can run without any instrument attached.
func newPort(f flags, cfg config.SerialConfig) transport.Port {
	if !f.devmode {
		return transport.NewSerialPort(cfg.Port, cfg.Baudrate)
	}

	mock := transport.NewMockPort()
	if framing(f.device) == "line" {
		mock.ResponseFunc = func([]byte) []byte { return []byte("OK\r") }
	} else {
		ack, _ := cbor.Marshal(map[string]string{"result": "OK"})
		mock.ResponseFunc = func([]byte) []byte { return transport.COBSEncode(ack) }
	}
	return mock
}

func newFramer(device string, port transport.Port) transport.Framer {
	if framing(device) == "line" {
		return transport.NewLineFramer(port)
	}
	return transport.NewCOBSFramer(port)
}

// framing maps a device type to its wire framing. Stages and shutters talk
// a line protocol, sensors and spectrometers exchange COBS framed CBOR.
func framing(device string) string {
	switch device {
	case "sensor", "spectrometer":
		return "cobs"
	default:
		return "line"
	}
}

func serialTimeout(cfg config.SerialConfig) time.Duration {
	if cfg.Timeout <= 0 {
		return time.Second
	}
	return time.Duration(cfg.Timeout * float64(time.Second))
}

func parseExternalConfig(f flags) flags {
	// Environment variables override defaults, command line flags override both.
	envOrDef := func(name, def string) string {
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return def
	}

	f.device = envOrDef("INSTRUMENT_DEVICE", f.device)
	f.listenAddress = envOrDef("LISTEN_ADDRESS", f.listenAddress)
	f.servicePort = envOrDef("SERVICE_PORT", f.servicePort)
	f.hardwareConfig = envOrDef("HARDWARE_CONFIG", f.hardwareConfig)
	f.serverConfig = envOrDef("SERVER_CONFIG", f.serverConfig)
	f.devmode = envOrDef("DEVMODE", "false") == "true"

	flag.StringVar(&f.device, "device", f.device, "device type (stage, sensor, shutter or spectrometer)")
	flag.StringVar(&f.listenAddress, "listen", f.listenAddress, "address to listen on")
	flag.StringVar(&f.servicePort, "port", f.servicePort, "port to listen on")
	flag.StringVar(&f.hardwareConfig, "hardware", f.hardwareConfig, "hardware configuration file")
	flag.StringVar(&f.serverConfig, "server", f.serverConfig, "server configuration file")
	flag.BoolVar(&f.devmode, "devmode", f.devmode, "run against a loopback port instead of real hardware")
	flag.Parse()

	return f
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	infoMap := map[string]string{}
	for _, s := range buildInfo.Settings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}
	if sha == "" {
		return "unknown"
	}

	return strings.ToLower(sha)
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Error().Err(err).Msg(msg)
		os.Exit(1)
	}
}
