// Package session owns the recording state machine: it starts and stops the
// capture pipeline and keeps the indicator light in step with it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/psrecorder/internal/audio"
	"github.com/audiolibrelab/psrecorder/internal/observe"
	"github.com/audiolibrelab/psrecorder/internal/pipeline"
)

// Status is the controller's state.
type Status int

const (
	StatusIdle Status = iota
	StatusStarting
	StatusRecording
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusRecording:
		return "recording"
	case StatusStopping:
		return "stopping"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrAlreadyActive is returned by Start when a session exists.
var ErrAlreadyActive = errors.New("recording already active")

// Stop reasons reported in logs and metrics.
const (
	ReasonToggle      = "toggle"
	ReasonRequest     = "request"
	ReasonMaxDuration = "max_duration"
	ReasonPipeline    = "pipeline_exited"
	ReasonWatchdog    = "device_reconnected"
	ReasonShutdown    = "shutdown"
)

// Pipeline is a running capture | encode pair.
type Pipeline interface {
	Alive() bool
	Teardown() error
}

// Launcher starts pipelines.
type Launcher interface {
	Launch(ctx context.Context, outputPath string, s audio.Settings) (Pipeline, error)
}

// Indicator mirrors the recording state on a light. It must absorb its own
// failures.
type Indicator interface {
	IndicateRecording(ctx context.Context, on bool)
}

// Prober picks capture settings for the next recording.
type Prober interface {
	Probe(ctx context.Context) audio.Settings
}

// NewPipelineLauncher adapts a pipeline.Manager to Launcher.
func NewPipelineLauncher(m *pipeline.Manager) Launcher {
	return managerLauncher{m}
}

type managerLauncher struct {
	m *pipeline.Manager
}

func (l managerLauncher) Launch(ctx context.Context, path string, s audio.Settings) (Pipeline, error) {
	run, err := l.m.Launch(ctx, path, s)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Options configures output naming and limits.
type Options struct {
	Directory       string
	Prefix          string
	Extension       string
	TimestampFormat string
	// MaxDuration stops a recording that runs longer; 0 disables.
	MaxDuration time.Duration
	// Settings are used when no Prober is set.
	Settings audio.Settings
}

// Info is a point-in-time view of the controller.
type Info struct {
	Status    string     `json:"status"`
	ID        string     `json:"id,omitempty"`
	File      string     `json:"file,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Elapsed   float64    `json:"elapsed_seconds,omitempty"`
}

type recording struct {
	id        string
	pipeline  Pipeline
	path      string
	startedAt time.Time
}

// Controller is the recording state machine. All methods are safe for
// concurrent use; transitions are serialized.
type Controller struct {
	opts       Options
	launcher   Launcher
	indicators []Indicator
	prober     Prober
	metrics    *observe.Metrics
	now        func() time.Time

	// op serializes Start/Stop so a watchdog Stop cannot interleave with a
	// Toggle from the control loop.
	op sync.Mutex

	mu      sync.RWMutex
	status  Status
	current *recording
}

// Option configures a Controller.
type Option func(*Controller)

// WithIndicator adds an indicator. Indicators are notified in the order
// they were added.
func WithIndicator(i Indicator) Option {
	return func(c *Controller) {
		if i != nil {
			c.indicators = append(c.indicators, i)
		}
	}
}

func WithProber(p Prober) Option {
	return func(c *Controller) { c.prober = p }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates an idle controller.
func New(launcher Launcher, opts Options, options ...Option) *Controller {
	if opts.Prefix == "" {
		opts.Prefix = "audio-recorder"
	}
	if opts.Extension == "" {
		opts.Extension = "mp3"
	}
	if opts.TimestampFormat == "" {
		opts.TimestampFormat = "2006-01-02-15-04-05"
	}
	c := &Controller{
		opts:     opts,
		launcher: launcher,
		now:      time.Now,
	}
	for _, o := range options {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsRecording reports whether a recording is in progress.
func (c *Controller) IsRecording() bool {
	return c.Status() == StatusRecording
}

// Snapshot returns the current state for display.
func (c *Controller) Snapshot() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := Info{Status: c.status.String()}
	if c.current != nil {
		started := c.current.startedAt
		info.ID = c.current.id
		info.File = c.current.path
		info.StartedAt = &started
		info.Elapsed = c.now().Sub(started).Seconds()
	}
	return info
}

// OutputPath names a recording started at t.
func (c *Controller) OutputPath(t time.Time) string {
	name := fmt.Sprintf("%s-%s.%s", c.opts.Prefix, t.Format(c.opts.TimestampFormat), c.opts.Extension)
	return filepath.Join(c.opts.Directory, name)
}

// Start launches a recording. The light is engaged only after the pipeline
// is confirmed running. Returns ErrAlreadyActive unless idle.
func (c *Controller) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.start(ctx)
}

// Stop ends the current recording, if any. The light is switched off before
// the pipeline is torn down. Teardown problems are logged, never returned.
func (c *Controller) Stop(ctx context.Context, reason string) {
	c.op.Lock()
	defer c.op.Unlock()
	c.stop(ctx, reason)
}

// Toggle stops a recording in progress or starts a new one.
func (c *Controller) Toggle(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if c.Status() == StatusRecording {
		c.stop(ctx, ReasonToggle)
		return nil
	}
	return c.start(ctx)
}

// Supervise stops a recording that exceeded the maximum duration or whose
// pipeline died. It reports whether it stopped anything.
func (c *Controller) Supervise(ctx context.Context) bool {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur == nil {
		return false
	}

	if limit := c.opts.MaxDuration; limit > 0 && c.now().Sub(cur.startedAt) >= limit {
		slog.Info("Maximum recording time reached", "limit", limit)
		c.stop(ctx, ReasonMaxDuration)
		return true
	}
	if !cur.pipeline.Alive() {
		slog.Error("Recording pipeline exited unexpectedly", "file", cur.path)
		c.stop(ctx, ReasonPipeline)
		return true
	}
	return false
}

func (c *Controller) start(ctx context.Context) error {
	if st := c.Status(); st != StatusIdle {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, st)
	}
	c.setStatus(StatusStarting)

	settings := c.opts.Settings
	if c.prober != nil {
		settings = c.prober.Probe(ctx)
	}

	startedAt := c.now()
	path := c.OutputPath(startedAt)
	p, err := c.launcher.Launch(ctx, path, settings)
	if err != nil {
		c.setStatus(StatusIdle)
		c.metrics.RecordLaunchFailure(ctx)
		slog.Error("Error starting recording", "error", err)
		return err
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.current = &recording{id: id, pipeline: p, path: path, startedAt: startedAt}
	c.status = StatusRecording
	c.mu.Unlock()
	c.metrics.RecordStart(ctx)
	slog.Info("Recording started", "file", path, "session_id", id)

	c.indicate(ctx, true)
	return nil
}

func (c *Controller) stop(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.status != StatusRecording || c.current == nil {
		c.mu.Unlock()
		return
	}
	cur := c.current
	c.status = StatusStopping
	c.mu.Unlock()

	slog.Info("Stopping recording", "reason", reason, "session_id", cur.id)
	c.indicate(ctx, false)
	if err := cur.pipeline.Teardown(); err != nil {
		slog.Warn("Error during pipeline teardown", "error", err)
	}

	c.mu.Lock()
	c.current = nil
	c.status = StatusIdle
	c.mu.Unlock()
	c.metrics.RecordStop(ctx, c.now().Sub(cur.startedAt), reason)
	slog.Info("Recording saved", "file", cur.path, "session_id", cur.id)
}

func (c *Controller) indicate(ctx context.Context, on bool) {
	for _, i := range c.indicators {
		i.IndicateRecording(ctx, on)
	}
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
