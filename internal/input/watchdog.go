package input

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/audiolibrelab/psrecorder/internal/observe"
	"github.com/audiolibrelab/psrecorder/internal/session"
)

// DefaultKeywords mark a device name as a wireless remote.
var DefaultKeywords = []string{"bluetooth", "bt", "wireless", "remote", "shutter"}

// Stopper is what the watchdog may do to the recording: look and stop.
// It never starts one.
type Stopper interface {
	IsRecording() bool
	Stop(ctx context.Context, reason string)
}

// WatchdogOptions configures a Watchdog. Zero values take the defaults.
type WatchdogOptions struct {
	Interval  time.Duration // 1s
	SeedPause time.Duration // 2s
	Stabilize time.Duration // 500ms
	Cooldown  time.Duration // 3s
	Keywords  []string
}

// Watchdog stops a recording when a wireless remote reconnects. Bluetooth
// shutters often reconnect and replay a keypress after going out of range;
// treating that as a stop (never a toggle) avoids starting a stray
// recording.
type Watchdog struct {
	source  Source
	ctrl    Stopper
	metrics *observe.Metrics
	opts    WatchdogOptions

	present       map[string]bool
	cooldownUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWatchdog(source Source, ctrl Stopper, opts WatchdogOptions) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.SeedPause <= 0 {
		opts.SeedPause = 2 * time.Second
	}
	if opts.Stabilize <= 0 {
		opts.Stabilize = 500 * time.Millisecond
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 3 * time.Second
	}
	if len(opts.Keywords) == 0 {
		opts.Keywords = DefaultKeywords
	}
	keywords := make([]string, len(opts.Keywords))
	for i, k := range opts.Keywords {
		keywords[i] = strings.ToLower(k)
	}
	opts.Keywords = keywords

	return &Watchdog{
		source:  source,
		ctrl:    ctrl,
		metrics: observe.DefaultMetrics(),
		opts:    opts,
		present: make(map[string]bool),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Run seeds the presence map, then checks every interval until ctx ends.
func (w *Watchdog) Run(ctx context.Context) error {
	slog.Info("Starting wireless reconnection monitor")
	w.seed()
	if err := w.sleep(ctx, w.opts.SeedPause); err != nil {
		return nil
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// seed records the wireless devices present at startup without acting.
func (w *Watchdog) seed() {
	paths, err := w.source.List()
	if err != nil {
		slog.Warn("Error in reconnection monitor", "error", err)
		return
	}
	for _, path := range paths {
		name, err := w.source.Identify(path)
		if err != nil || !w.isWireless(name) {
			continue
		}
		w.present[path] = true
		slog.Info("Found wireless device to monitor", "name", name, "path", path)
	}
	slog.Info("Initially monitoring wireless devices", "count", len(w.present))
}

// check updates presence and stops the recording on a reconnection. It
// reports whether a stop was issued.
func (w *Watchdog) check(ctx context.Context) bool {
	now := w.now()
	paths, err := w.source.List()
	if err != nil {
		slog.Warn("Error in reconnection monitor", "error", err)
		return false
	}
	current := make(map[string]bool, len(paths))
	for _, p := range paths {
		current[p] = true
	}

	for path := range w.present {
		if !current[path] {
			w.present[path] = false
		}
	}

	stopped := false
	for _, path := range paths {
		was, known := w.present[path]
		if !known {
			if name, err := w.source.Identify(path); err == nil && w.isWireless(name) {
				w.present[path] = true
			}
			continue
		}
		if was {
			continue
		}

		w.present[path] = true
		if !w.ctrl.IsRecording() || !now.After(w.cooldownUntil) {
			continue
		}
		slog.Info("Wireless device reconnected, stopping recording", "path", path)
		if err := w.sleep(ctx, w.opts.Stabilize); err != nil {
			return stopped
		}
		w.metrics.RecordTrigger(ctx, "watchdog")
		w.ctrl.Stop(ctx, session.ReasonWatchdog)
		w.cooldownUntil = now.Add(w.opts.Cooldown)
		stopped = true
	}
	return stopped
}

func (w *Watchdog) isWireless(name string) bool {
	name = strings.ToLower(name)
	for _, k := range w.opts.Keywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
