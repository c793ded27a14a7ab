package input

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/audiolibrelab/psrecorder/internal/observe"
	"github.com/audiolibrelab/psrecorder/internal/session"
)

// DefaultPollInterval is the control loop tick.
const DefaultPollInterval = 100 * time.Millisecond

// Action is a remote request executed on the control loop.
type Action int

const (
	ActionToggle Action = iota
	ActionStop
)

func (a Action) String() string {
	if a == ActionStop {
		return "stop"
	}
	return "toggle"
}

// Request asks the loop to perform Action. The result is sent on Reply.
type Request struct {
	Action Action
	Reply  chan<- error
}

// Controller is the recording state machine driven by the loop.
type Controller interface {
	Toggle(ctx context.Context) error
	Stop(ctx context.Context, reason string)
	Supervise(ctx context.Context) bool
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	TriggerCode uint16
	Interval    time.Duration
}

// Loop is the single-threaded control loop. It owns the tracked-device
// registry; nothing else touches it.
type Loop struct {
	source   Source
	ctrl     Controller
	keyboard KeySource
	metrics  *observe.Metrics
	opts     LoopOptions

	registry *Registry
	requests chan Request
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithKeyboard enables toggling from a local key.
func WithKeyboard(k KeySource) LoopOption {
	return func(l *Loop) { l.keyboard = k }
}

func WithLoopMetrics(m *observe.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

func NewLoop(source Source, ctrl Controller, opts LoopOptions, options ...LoopOption) *Loop {
	if opts.TriggerCode == 0 {
		opts.TriggerCode = KeyVolumeUp
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	l := &Loop{
		source:   source,
		ctrl:     ctrl,
		opts:     opts,
		registry: NewRegistry(),
		requests: make(chan Request, 8),
	}
	for _, o := range options {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// Submit hands action to the loop and waits for its result.
func (l *Loop) Submit(ctx context.Context, action Action) error {
	reply := make(chan error, 1)
	select {
	case l.requests <- Request{Action: action, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run ticks until ctx is cancelled. Tracked devices stay open; call Close
// after Run returns.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	slog.Info("Ready to record. Waiting for button input", "trigger_code", l.opts.TriggerCode)
	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	l.discover()
	l.verify()
	l.readDevices(ctx)
	l.readKeyboard(ctx)
	l.serveRequests(ctx)
	l.ctrl.Supervise(ctx)
}

// discover registers trigger-capable devices not yet tracked.
func (l *Loop) discover() {
	paths, err := l.source.List()
	if err != nil {
		slog.Warn("Error finding input devices", "error", err)
		return
	}
	for _, path := range paths {
		if _, ok := l.registry.Lookup(path); ok {
			continue
		}
		h, err := l.source.OpenTrigger(path, l.opts.TriggerCode)
		if err != nil {
			if !errors.Is(err, ErrNotTrigger) {
				slog.Debug("Skipping input device", "path", path, "error", err)
			}
			continue
		}
		id, _ := l.registry.Add(h)
		l.metrics.TrackedDevices.Add(context.Background(), 1)
		slog.Info("New input device connected", "name", h.Name(), "path", path, "id", id)
	}
}

// verify drops devices whose name can no longer be read.
func (l *Loop) verify() {
	for _, d := range l.registry.Devices() {
		if _, err := d.Handle.Probe(); err != nil {
			l.drop(d.ID, "Input device disconnected", err)
		}
	}
}

func (l *Loop) readDevices(ctx context.Context) {
	if l.registry.Len() == 0 {
		return
	}
	devices := l.registry.Devices()
	handles := make([]Handle, len(devices))
	byHandle := make(map[Handle]DeviceID, len(devices))
	for i, d := range devices {
		handles[i] = d.Handle
		byHandle[d.Handle] = d.ID
	}

	ready, err := l.source.Ready(handles)
	if err != nil {
		slog.Warn("Error polling input devices, dropping all", "error", err)
		for _, d := range devices {
			l.drop(d.ID, "Removed invalid device", nil)
		}
		return
	}

	for _, h := range ready {
		id := byHandle[h]
		events, err := h.ReadEvents()
		for _, ev := range events {
			if !ev.IsPress(l.opts.TriggerCode) {
				continue
			}
			slog.Info("Remote button pressed", "code", ev.Code, "device", h.Name())
			l.toggle(ctx, "device")
		}
		if err != nil {
			l.drop(id, "Removed disconnected device", err)
		}
	}
}

func (l *Loop) readKeyboard(ctx context.Context) {
	if l.keyboard == nil {
		return
	}
	pressed, err := l.keyboard.Pressed()
	if err != nil {
		slog.Warn("Disabling keyboard input", "error", err)
		l.keyboard = nil
		return
	}
	if pressed {
		slog.Info("Spacebar pressed")
		l.toggle(ctx, "keyboard")
	}
}

func (l *Loop) serveRequests(ctx context.Context) {
	for {
		select {
		case req := <-l.requests:
			l.metrics.RecordTrigger(ctx, "http")
			var err error
			switch req.Action {
			case ActionStop:
				l.ctrl.Stop(ctx, session.ReasonRequest)
			default:
				err = l.ctrl.Toggle(ctx)
			}
			if req.Reply != nil {
				req.Reply <- err
			}
		default:
			return
		}
	}
}

func (l *Loop) toggle(ctx context.Context, source string) {
	l.metrics.RecordTrigger(ctx, source)
	if err := l.ctrl.Toggle(ctx); err != nil {
		slog.Error("Toggle failed", "source", source, "error", err)
	}
}

func (l *Loop) drop(id DeviceID, msg string, cause error) {
	d, ok := l.registry.Remove(id)
	if !ok {
		return
	}
	l.metrics.TrackedDevices.Add(context.Background(), -1)
	if err := d.Handle.Close(); err != nil {
		slog.Debug("Error closing input device", "path", d.Path, "error", err)
	}
	if cause != nil {
		slog.Info(msg, "name", d.Name, "path", d.Path, "error", cause)
	} else {
		slog.Info(msg, "name", d.Name, "path", d.Path)
	}
}

// Tracked returns the registered devices in registration order. Only call
// it from the loop goroutine or after Run returned.
func (l *Loop) Tracked() []*TrackedDevice {
	return l.registry.Devices()
}

// Close releases every tracked device. Call it after Run returned.
func (l *Loop) Close() {
	for _, d := range l.registry.Devices() {
		l.drop(d.ID, "Closed input device", nil)
	}
}
