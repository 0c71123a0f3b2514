package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/ccdpreview/internal/capture"
	"github.com/cjeanneret/ccdpreview/internal/config"
	"github.com/cjeanneret/ccdpreview/internal/console"
	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/device/netbus"
	"github.com/cjeanneret/ccdpreview/internal/device/sim"
	"github.com/cjeanneret/ccdpreview/internal/discovery"
	"github.com/cjeanneret/ccdpreview/internal/events"
	"github.com/cjeanneret/ccdpreview/internal/hw/gpio"
	"github.com/cjeanneret/ccdpreview/internal/hw/indicator"
	"github.com/cjeanneret/ccdpreview/internal/imaging"
	"github.com/cjeanneret/ccdpreview/internal/notify"
	"github.com/cjeanneret/ccdpreview/internal/sequence"
	"github.com/cjeanneret/ccdpreview/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// closeTimeout bounds the wait for in-flight exposures at shutdown.
const closeTimeout = 10 * time.Second

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "override web server port; -web= for 8080, -web 8980 for custom port (default: server.port from config)")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	interactive := flag.Bool("console", false, "start the interactive console")
	debugLevel := flag.Int("debug", -1, "override defaults.debug_level (0-4)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := applyOverrides(cfg, webPort.port(), *debugLevel); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Version", version)
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	if err := a.runAndClose(ctx, cancel, *interactive); err != nil {
		log.Fatalf("ccdpreview: %v", err)
	}
}

// applyOverrides applies CLI values to cfg. A zero port and a negative
// level mean "keep the config value".
func applyOverrides(cfg *config.Config, port, level int) error {
	if port > 0 {
		cfg.Server.Port = port
	}
	if level >= 0 {
		if level > debug.LevelTrace {
			return fmt.Errorf("debug must be between 0 and %d, got %d", debug.LevelTrace, level)
		}
		cfg.Defaults.DebugLevel = level
	}
	return nil
}

// app holds the wired components for the life of the process.
type app struct {
	cfg       *config.Config
	client    device.Client
	session   *device.Session
	conv      *imaging.Converter
	bus       *events.Bus
	gpio      gpio.Driver
	indicator *indicator.Indicator
	ctrl      *capture.Controller
	seqs      *sequence.Coordinator
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	debug.Step(1, "Connecting to the device bus")
	debug.Value("Bus backend", cfg.Bus.Backend)
	client, err := newClientFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.session = device.NewSession(client, cfg.CallTimeout())

	debug.Step(2, "Preparing image conversion")
	debug.Value("Work dir", cfg.Capture.WorkDir)
	a.conv, err = imaging.NewConverter(imaging.Options{
		WorkDir:  cfg.Capture.WorkDir,
		Format:   cfg.Capture.ImageFormat,
		MaxWidth: cfg.Capture.PreviewMaxWidth,
		Settings: imaging.Settings{Bins: cfg.Capture.HistogramBins, LogY: cfg.Capture.HistogramLogY},
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init image converter: %w", err)
	}

	a.bus = events.NewBus(cfg.Events.QueueSize)

	opts := capture.Options{
		Workers:        cfg.Capture.Workers,
		ImageURLPrefix: cfg.Server.ImageURLPrefix,
	}
	if cfg.Indicator.Enabled {
		debug.Step(3, "Initializing exposure indicator")
		debug.Value("Mock GPIO", cfg.Indicator.MockGPIO)
		debug.Value("Indicator pin", cfg.Indicator.Pin)
		a.gpio, err = gpio.NewDriver(cfg.Indicator.MockGPIO)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("init GPIO: %w", err)
		}
		a.indicator, err = indicator.New(a.gpio, cfg.Indicator.Pin)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("init indicator: %w", err)
		}
		opts.Indicator = a.indicator
	}

	debug.Step(4, "Creating capture controller and sequences")
	a.ctrl = capture.NewController(a.session, a.conv, a.bus, opts)
	a.seqs, err = sequence.NewCoordinator(a.ctrl, a.bus, sequence.FromConfig(cfg.Sequences))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init sequences: %w", err)
	}
	debug.Value("Sequences", len(cfg.Sequences))
	return a, nil
}

// newClientFromConfig selects a device-bus client based on configuration.
func newClientFromConfig(cfg *config.Config) (device.Client, error) {
	switch cfg.Bus.Backend {
	case config.BackendSim:
		return sim.New(sim.WithSpeed(cfg.Bus.SimSpeed)), nil
	case config.BackendNetbus:
		debug.Value("Bus address", cfg.Bus.Address)
		return netbus.NewClient(cfg.Bus.Address), nil
	default:
		return nil, fmt.Errorf("unsupported bus backend: %s", cfg.Bus.Backend)
	}
}

// run serves until ctx ends or a component fails. cancel ends ctx; the
// console calls it when the operator quits.
func (a *app) run(ctx context.Context, cancel context.CancelFunc, interactive bool) error {
	static, err := web.StaticFS()
	if err != nil {
		return fmt.Errorf("static assets: %w", err)
	}
	handlers := web.NewHandlers(web.Deps{
		Devices:   a.session,
		Capture:   a.ctrl,
		Sequences: a.seqs,
		Images:    a.conv,
		Events:    a.bus,
		StaticFS:  static,
		Heartbeat: a.cfg.Heartbeat(),
	})
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := web.NewServer(addr, handlers, web.Options{
		ImageURLPrefix: a.cfg.Server.ImageURLPrefix,
		ImageDir:       a.conv.WorkDir(),
	})
	debug.Value("Web address", addr)

	var fwd *notify.Forwarder
	var fwdSub *events.Subscription
	if a.cfg.MQTT.Enabled {
		debug.Step(5, "Connecting to the MQTT broker")
		pub, err := notify.Dial(a.cfg.MQTT)
		if err != nil {
			return err
		}
		defer pub.Close()
		if fwdSub, err = a.bus.Subscribe(); err != nil {
			return err
		}
		fwd = notify.NewForwarder(pub, a.cfg.MQTT.TopicPrefix, byte(a.cfg.MQTT.QoS))
	}

	var adv *discovery.Advertiser
	if a.cfg.Discovery.Enabled {
		debug.Step(6, "Advertising over mDNS")
		adv = discovery.NewAdvertiser(a.cfg.Discovery)
		names, err := a.session.ListDevices(ctx)
		if err != nil {
			debug.Warn("device list for mDNS failed: %v", err)
		}
		if err := adv.Advertise(discovery.Info{Port: a.cfg.Server.Port, Version: version, Devices: names}); err != nil {
			return err
		}
		defer adv.Stop()
	}

	var con *console.Console
	if interactive {
		if con, err = console.New(a.session, a.ctrl, a.seqs); err != nil {
			return err
		}
		debug.SetOutput(con.Stdout())
		defer debug.SetOutput(os.Stdout)
	}

	debug.Section("Ready")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if fwd != nil {
		g.Go(func() error { return fwd.Run(gctx, fwdSub) })
	}
	if con != nil {
		g.Go(func() error {
			con.Run(gctx, cancel)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// runAndClose runs the app and releases it before returning, so that the
// caller may exit without running deferred calls.
func (a *app) runAndClose(ctx context.Context, cancel context.CancelFunc, interactive bool) error {
	defer a.close()
	return a.run(ctx, cancel, interactive)
}

// close releases every component. Safe on a partially built app.
func (a *app) close() {
	if a.ctrl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.ctrl.Close(ctx); err != nil {
			debug.Warn("capture controller close: %v", err)
		}
		cancel()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	// The indicator owns the GPIO driver once created.
	switch {
	case a.indicator != nil:
		if err := a.indicator.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	case a.gpio != nil:
		if err := a.gpio.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}
	if c, ok := a.client.(io.Closer); ok {
		if err := c.Close(); err != nil {
			debug.Warn("closing device bus client failed: %v", err)
		}
	}
}

// webPortFlag implements flag.Value for -web: 0 = not given, -web= → defaultPort, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
