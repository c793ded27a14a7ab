package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/psrecorder/internal/audio"
	"github.com/audiolibrelab/psrecorder/internal/broker"
	"github.com/audiolibrelab/psrecorder/internal/bulb"
	"github.com/audiolibrelab/psrecorder/internal/config"
	"github.com/audiolibrelab/psrecorder/internal/input"
	"github.com/audiolibrelab/psrecorder/internal/light"
	"github.com/audiolibrelab/psrecorder/internal/logging"
	"github.com/audiolibrelab/psrecorder/internal/observe"
	"github.com/audiolibrelab/psrecorder/internal/pipeline"
	"github.com/audiolibrelab/psrecorder/internal/server"
	"github.com/audiolibrelab/psrecorder/internal/session"
)

// Options carries process-level settings that do not live in the config file.
type Options struct {
	Version string
	// Stdin is used for the keyboard trigger. Nil means os.Stdin.
	Stdin *os.File
}

// Service wires the recorder together: trigger loop, reconnect watchdog,
// session controller and the optional control API.
type Service struct {
	cfg *config.Config

	controller *session.Controller
	loop       *input.Loop
	watchdog   *input.Watchdog
	server     *server.Server
	mqtt       *broker.Client
	keyboard   *input.Keyboard
	provider   *observe.Provider
}

// New builds a service from cfg. Bulb discovery happens here, so ctx bounds
// how long startup may take.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	mode, err := cfg.Recording.Mode()
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg}

	if cfg.Server.Listen != "" {
		s.provider, err = observe.InitProvider(observe.ProviderConfig{ServiceVersion: opts.Version})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}
	metrics := observe.DefaultMetrics()

	prober := audio.NewALSA(cfg.Audio.CaptureCommand, cfg.Audio.DeviceMatch, audio.Settings{
		Format:   cfg.Audio.Format,
		Channels: cfg.Audio.Channels,
	})

	manager := pipeline.NewManager(pipeline.Options{
		CaptureCommand:     cfg.Audio.CaptureCommand,
		EncoderCommand:     cfg.Audio.EncoderCommand,
		EncoderPreset:      cfg.Audio.EncoderPreset,
		SampleRate:         cfg.Audio.SampleRate,
		FileMode:           mode,
		Group:              cfg.Recording.Group,
		StartupGrace:       cfg.Pipeline.StartupGrace,
		DiagnosticsWait:    cfg.Pipeline.DiagnosticsWait,
		CaptureStopTimeout: cfg.Pipeline.CaptureStopTimeout,
		EncoderStopTimeout: cfg.Pipeline.EncoderStopTimeout,
	})

	indicator := light.New(nil)
	if cfg.Bulb.Enabled {
		indicator = setupLight(ctx, cfg.Bulb)
	} else {
		slog.Info("Bulb control disabled")
	}

	sessionOpts := []session.Option{
		session.WithIndicator(indicator),
		session.WithProber(prober),
		session.WithMetrics(metrics),
	}
	if cfg.MQTT.Broker != "" {
		s.mqtt = connectBroker(ctx, cfg.MQTT)
		if s.mqtt != nil {
			sessionOpts = append(sessionOpts, session.WithIndicator(s.mqtt))
		}
	}

	s.controller = session.New(session.NewPipelineLauncher(manager), session.Options{
		Directory:       cfg.Recording.Directory,
		Prefix:          cfg.Recording.Prefix,
		Extension:       cfg.Recording.Extension,
		TimestampFormat: cfg.Recording.TimestampFormat,
		MaxDuration:     cfg.Recording.MaxDuration,
	}, sessionOpts...)

	source := input.EvdevSource{Dir: cfg.Input.DevicesDir}

	loopOpts := []input.LoopOption{input.WithLoopMetrics(metrics)}
	if cfg.Input.Keyboard {
		if kb := openKeyboard(opts.Stdin, cfg.Input.KeyboardKey[0]); kb != nil {
			s.keyboard = kb
			loopOpts = append(loopOpts, input.WithKeyboard(kb))
		}
	}
	s.loop = input.NewLoop(source, s.controller, input.LoopOptions{
		TriggerCode: cfg.Input.TriggerCode(),
		Interval:    cfg.Input.PollInterval,
	}, loopOpts...)

	if w := cfg.Input.Watchdog; w.Enabled {
		s.watchdog = input.NewWatchdog(source, s.controller, input.WatchdogOptions{
			Interval:  w.Interval,
			SeedPause: w.SeedPause,
			Stabilize: w.Stabilize,
			Cooldown:  w.Cooldown,
			Keywords:  w.Keywords,
		})
	}

	if cfg.Server.Listen != "" {
		s.server = server.New(s.controller, s.loop, server.Options{
			Listen:       cfg.Server.Listen,
			RecordingDir: cfg.Recording.Directory,
			Extension:    cfg.Recording.Extension,
			Metrics:      s.provider.Handler(),
			Version:      opts.Version,
		})
	}

	return s, nil
}

// Controller exposes the session controller.
func (s *Service) Controller() *session.Controller {
	return s.controller
}

// Loop exposes the trigger loop, mainly so callers can Submit actions.
func (s *Service) Loop() *input.Loop {
	return s.loop
}

// Run blocks until ctx is cancelled or a component fails, then stops any
// active recording and releases devices and the terminal.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("Recorder running",
		"trigger_code", s.cfg.Input.TriggerKeyCode,
		"devices_dir", s.cfg.Input.DevicesDir,
		"recording_dir", s.cfg.Recording.Directory,
		"watchdog", s.watchdog != nil,
		"keyboard", s.keyboard != nil,
		"mqtt", s.mqtt != nil,
		"listen", s.cfg.Server.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop.Run(gctx)
	})
	if s.watchdog != nil {
		g.Go(func() error {
			return s.watchdog.Run(gctx)
		})
	}
	if s.server != nil {
		g.Go(func() error {
			// the API is optional; recording carries on without it
			if err := s.server.Run(gctx); err != nil {
				slog.Error("Control server unavailable, recording continues without it",
					"listen", s.cfg.Server.Listen, "error", err)
			}
			return nil
		})
	}
	if s.mqtt != nil {
		g.Go(func() error {
			return s.mqtt.Run(gctx, s.loop)
		})
	}

	err := g.Wait()
	s.shutdown()
	return err
}

// shutdown runs once every goroutine has returned, so the watchdog can no
// longer race the final stop.
func (s *Service) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Pipeline.ShutdownTimeout)
	defer cancel()

	s.controller.Stop(ctx, session.ReasonShutdown)
	s.loop.Close()
	if s.mqtt != nil {
		s.mqtt.Close()
	}

	if s.keyboard != nil {
		if err := s.keyboard.Restore(); err != nil {
			slog.Warn("Failed to restore terminal", "error", err)
		}
	}
	if s.provider != nil {
		if err := s.provider.Shutdown(ctx); err != nil {
			slog.Warn("Failed to shut down metrics provider", "error", err)
		}
	}
	slog.Info("Recorder terminated")
}

// ResolveBulb finds the configured bulb through the address cache or
// discovery and checks that it answers.
func ResolveBulb(ctx context.Context, cfg config.BulbConfig) (*bulb.Bulb, error) {
	dir := bulb.NewDirectory(
		bulb.NewCache(cfg.CacheFile),
		bulb.UDPDiscoverer{Broadcast: cfg.BroadcastAddress},
		cfg.DiscoveryTimeout,
		bulb.WithTimeout(cfg.RequestTimeout),
	)
	b, err := dir.Resolve(ctx, cfg.Alias)
	if err != nil {
		return nil, err
	}
	if err := b.Probe(ctx); err != nil {
		return nil, fmt.Errorf("failed to control bulb at %s: %w", b.Addr(), err)
	}
	return b, nil
}

// setupLight never fails: recording works without a bulb.
func setupLight(ctx context.Context, cfg config.BulbConfig) *light.Coordinator {
	b, err := ResolveBulb(ctx, cfg)
	if err != nil {
		if errors.Is(err, bulb.ErrBulbNotFound) {
			slog.Info("No bulb found, continuing without light control", "alias", cfg.Alias)
		} else {
			slog.Warn("Bulb setup failed, continuing without light control", "alias", cfg.Alias, "error", err)
		}
		return light.New(nil)
	}

	slog.Info("Connected to bulb", "alias", cfg.Alias, "addr", b.Addr())
	return light.New(b,
		light.WithColor(bulb.HSV{Hue: cfg.Hue, Saturation: cfg.Saturation, Value: cfg.Value}),
		light.WithPowerDelay(cfg.PowerDelay),
	)
}

// connectBroker returns nil when the broker is unreachable; recording does
// not depend on it.
func connectBroker(ctx context.Context, cfg config.MQTTConfig) *broker.Client {
	c, err := broker.Connect(ctx, broker.Options{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		StateTopic:     cfg.StateTopic,
		ControlTopic:   cfg.ControlTopic,
		QoS:            byte(cfg.QoS),
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		slog.Warn("MQTT unavailable, continuing without it", "broker", cfg.Broker, "error", err)
		return nil
	}
	return c
}

// openKeyboard returns nil when there is no interactive terminal, e.g. when
// running under a service manager.
func openKeyboard(f *os.File, key byte) *input.Keyboard {
	if f == nil {
		f = os.Stdin
	}
	if !logging.IsTerminal(os.Stdout.Fd()) {
		slog.Debug("Stdout is not a terminal, keyboard trigger disabled")
		return nil
	}
	kb, err := input.OpenKeyboard(f, key)
	if err != nil {
		slog.Warn("Keyboard trigger unavailable", "error", err)
		return nil
	}
	slog.Info("Keyboard trigger enabled", "key", string(key))
	return kb
}
