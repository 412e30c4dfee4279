package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/api"
	"github.com/mikeyg42/callsignal/internal/call"
	"github.com/mikeyg42/callsignal/internal/calllog"
	"github.com/mikeyg42/callsignal/internal/config"
	"github.com/mikeyg42/callsignal/internal/consumer"
	"github.com/mikeyg42/callsignal/internal/crypto"
	"github.com/mikeyg42/callsignal/internal/logging"
	"github.com/mikeyg42/callsignal/internal/negotiator"
	"github.com/mikeyg42/callsignal/internal/netwatch"
	"github.com/mikeyg42/callsignal/internal/settings"
	"github.com/mikeyg42/callsignal/internal/signaling"
	"github.com/mikeyg42/callsignal/internal/validate"
)

// Application holds the long-lived components.
type Application struct {
	config    *config.Config
	logger    *zap.Logger
	transport *signaling.Transport
	history   *calllog.Store
	settings  *settings.Store
	machine   *call.Machine
	consumer  *consumer.Consumer
	netwatch  *netwatch.Watcher
	handler   *api.Handler
	apiServer *api.Server
	wg        sync.WaitGroup
}

func main() {
	configPath := flag.String("config", "callsignal.json", "path to the JSON config file")
	addr := flag.String("addr", "", "signaling relay address (overrides config)")
	identity := flag.String("identity", "", "local address (overrides config)")
	apiAddr := flag.String("api", "", "control API listen address (overrides config)")
	genKey := flag.Bool("gen-key", false, "print a new master key and exit")
	seal := flag.String("seal", "", "encrypt a secret for the config file with $"+crypto.MasterKeyEnv+" and exit")
	listDevices := flag.Bool("list-devices", false, "print capture devices and exit")
	flag.Parse()

	if *listDevices {
		devices := negotiator.DetectDevices()
		for _, d := range append(devices.Cameras, devices.Microphones...) {
			fmt.Printf("%-12v %-40s %s\n", d.Kind, d.Label, d.DeviceID)
		}
		return
	}
	if *genKey {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}
	if *seal != "" {
		sealed, err := crypto.Seal(*seal)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(sealed)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.WebSocketAddr = *addr
	}
	if *identity != "" {
		cfg.Identity.LocalAddress = *identity
	}
	if *apiAddr != "" {
		cfg.API.Addr = *apiAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application stopped with error", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	// recorder and lister stay nil interfaces when the call log is off.
	var (
		recorder calllog.Recorder
		lister   api.History
	)
	if cfg.CallLog.Driver != "none" {
		history, err := calllog.Open(cfg.CallLog)
		if err != nil {
			return nil, fmt.Errorf("failed to open call log: %w", err)
		}
		app.history = history
		recorder, lister = history, history
	}

	prefs, err := settings.Open(cfg.Settings.Path, logger)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}
	app.settings = prefs

	devices := negotiator.DetectDevices()
	logger.Info("capture devices",
		zap.Int("cameras", len(devices.Cameras)),
		zap.Int("microphones", len(devices.Microphones)))
	videoAvailable := cfg.ICE.VideoEnabled && devices.VideoAvailable()

	engines := negotiator.NewPionFactory(negotiator.PionConfig{
		STUNServers: cfg.ICE.STUNServers,
		Cameras:     devices.Cameras,
		Logger:      logger,
	})

	app.transport = signaling.NewTransport(cfg.WebSocketAddr, logger)
	local := signaling.PeerID(cfg.Identity.LocalAddress)

	app.machine = call.NewMachine(call.Deps{
		Sender:       app.transport,
		Engines:      engines,
		Audio:        &logAudio{logger: logger.Named("audio")},
		History:      recorder,
		LocalAddress: local,
		Logger:       logger,
	}, call.Options{
		NegotiationTimeout: cfg.Timeouts.Negotiation.Duration,
		DebounceWindow:     cfg.Timeouts.DebounceWindow.Duration,
		SetupTimeout:       cfg.Timeouts.CallSetup.Duration,
		ReconnectInterval:  cfg.Timeouts.ReconnectInterval.Duration,
		MaxReconnects:      cfg.Timeouts.MaxReconnects,
		VideoAvailable:     videoAvailable,
		ValidateRemote:     true,
	})

	app.consumer = consumer.New(app.machine, prefs, recorder, consumer.Options{
		LocalAddress: local,
		Expiry:       cfg.Timeouts.CallSetup.Duration,
		Logger:       logger,
	})

	if cfg.NetWatch.Enabled {
		probe := netwatch.STUNProbe(cfg.ICE.STUNServers, 5*time.Second, logger)
		app.netwatch = netwatch.New(probe, app.machine, netwatch.Options{
			Interval: cfg.NetWatch.Interval.Duration,
			Logger:   logger,
		})
	}

	if cfg.API.Enabled {
		app.handler = api.NewHandler(app.machine, lister, prefs, logger)
		app.apiServer = api.NewServer(cfg.API.Addr, app.handler, logger)
	}
	return app, nil
}

// Run connects to the relay and serves until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	if err := app.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to signaling relay: %w", err)
	}

	app.goRun("consumer", func() error { return app.consumer.Run(ctx, app.transport.Inbound()) })
	if app.config.Settings.Watch {
		app.goRun("settings watcher", func() error { return app.settings.Watch(ctx) })
	}
	if app.netwatch != nil {
		app.goRun("network watcher", func() error { return app.netwatch.Run(ctx) })
	}
	if app.apiServer != nil {
		app.goRun("rate limiter", func() error {
			app.handler.Limiter().Run(ctx)
			return nil
		})
		app.goRun("api server", app.apiServer.Start)
	}

	app.logger.Info("call signaler running",
		zap.String("relay", app.config.WebSocketAddr),
		zap.String("identity", app.config.Identity.LocalAddress))
	<-ctx.Done()
	app.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.machine.OnLocalHangup(shutdownCtx); err != nil {
		app.logger.Warn("hangup on shutdown failed", zap.Error(err))
	}
	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			app.logger.Warn("API shutdown failed", zap.Error(err))
		}
	}
	app.transport.Close()
	app.wg.Wait()
	return ctx.Err()
}

func (app *Application) goRun(name string, fn func() error) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error("component stopped", zap.String("component", name), zap.Error(err))
		}
	}()
}

func (app *Application) Cleanup() {
	if app.history != nil {
		if err := app.history.Close(); err != nil {
			app.logger.Warn("failed to close call log", zap.Error(err))
		}
	}
}

// logAudio stands in for the platform audio layer and records what it was
// asked to do.
type logAudio struct {
	logger *zap.Logger
}

func (a *logAudio) HandleCommand(cmd call.AudioCommand) {
	switch c := cmd.(type) {
	case call.AudioStop:
		a.logger.Info("audio stop", zap.Bool("play_disconnect", c.PlayDisconnect))
	case call.AudioStartIncomingRinger:
		a.logger.Info("incoming ringer", zap.Bool("vibrate", c.Vibrate))
	case call.AudioSetUserDevice:
		a.logger.Info("audio device selected", zap.Stringer("device", c.Device))
	case call.AudioSetDefaultDevice:
		a.logger.Info("default audio device", zap.Stringer("device", c.Device))
	default:
		a.logger.Info("audio command", zap.String("command", fmt.Sprintf("%T", cmd)))
	}
}
