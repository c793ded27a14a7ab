// Package pipeline runs the two-stage capture | encode process pipeline
// that produces a recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/psrecorder/internal/audio"
)

// ErrLaunchFailed means a stage could not be started or died during the
// startup grace period.
var ErrLaunchFailed = errors.New("recording pipeline failed to start")

// Options configures a Manager. Zero values take the defaults below.
type Options struct {
	CaptureCommand string
	EncoderCommand string
	EncoderPreset  string
	SampleRate     int

	FileMode os.FileMode
	Group    string // empty disables the chown

	StartupGrace       time.Duration
	DiagnosticsWait    time.Duration
	CaptureStopTimeout time.Duration
	EncoderStopTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.CaptureCommand == "" {
		o.CaptureCommand = "arecord"
	}
	if o.EncoderCommand == "" {
		o.EncoderCommand = "lame"
	}
	if o.EncoderPreset == "" {
		o.EncoderPreset = "extreme"
	}
	if o.SampleRate == 0 {
		o.SampleRate = 48000
	}
	if o.FileMode == 0 {
		o.FileMode = 0o664
	}
	if o.StartupGrace == 0 {
		o.StartupGrace = time.Second
	}
	if o.DiagnosticsWait == 0 {
		o.DiagnosticsWait = 200 * time.Millisecond
	}
	if o.CaptureStopTimeout == 0 {
		o.CaptureStopTimeout = 5 * time.Second
	}
	if o.EncoderStopTimeout == 0 {
		o.EncoderStopTimeout = 10 * time.Second
	}
}

// Manager launches recording pipelines.
type Manager struct {
	opts Options
}

func NewManager(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{opts: opts}
}

// CaptureArgs builds the capture utility's arguments. Audio goes to stdout.
func (m *Manager) CaptureArgs(s audio.Settings) []string {
	args := []string{"-r", strconv.Itoa(m.opts.SampleRate), "-t", "wav"}
	if s.Device != "" {
		args = append(args, "-D", s.Device)
	}
	if s.Format != "" {
		args = append(args, "-f", s.Format)
	}
	channels := s.Channels
	if channels <= 0 {
		channels = 2
	}
	return append(args, "-c", strconv.Itoa(channels))
}

// EncoderArgs builds the encoder's arguments: WAV on stdin, MP3 to path.
func (m *Manager) EncoderArgs(path string) []string {
	return []string{"--ignorelength", "--preset", m.opts.EncoderPreset, "--silent", "-", path}
}

// Launch creates outputPath and starts capture piped into the encoder. It
// returns only after both stages survived the startup grace period; on any
// failure nothing is left running and the output file is removed.
func (m *Manager) Launch(ctx context.Context, outputPath string, s audio.Settings) (*Run, error) {
	if err := prepareOutput(outputPath, m.opts.FileMode, m.opts.Group); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	slog.Info("Setting up recording", "file", outputPath)

	capture := newProcess(m.opts.CaptureCommand, m.CaptureArgs(s)...)
	encoder := newProcess(m.opts.EncoderCommand, m.EncoderArgs(outputPath)...)
	slog.Info("Starting recording pipeline",
		"command", strings.Join(capture.cmd.Args, " ")+" | "+strings.Join(encoder.cmd.Args, " "))

	if err := startPiped(capture, encoder); err != nil {
		os.Remove(outputPath)
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	run := &Run{
		Path:      outputPath,
		Settings:  s,
		StartedAt: time.Now(),
		capture:   capture,
		encoder:   encoder,
		opts:      m.opts,
	}

	if err := m.awaitStartup(ctx, run); err != nil {
		os.Remove(outputPath)
		return nil, err
	}
	slog.Info("Recording (MP3) started successfully", "file", outputPath)
	return run, nil
}

// startPiped connects capture's stdout to encoder's stdin and starts both.
// The parent's copies of the pipe are closed once the children hold them,
// so the encoder sees EOF when capture exits.
func startPiped(capture, encoder *process) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	capture.cmd.Stdout = w
	encoder.cmd.Stdin = r

	if err := capture.start(); err != nil {
		r.Close()
		w.Close()
		return err
	}
	w.Close()

	if err := encoder.start(); err != nil {
		r.Close()
		capture.terminate(time.Second)
		return err
	}
	r.Close()
	return nil
}

func (m *Manager) awaitStartup(ctx context.Context, run *Run) error {
	t := time.NewTimer(m.opts.StartupGrace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		run.abort()
		return fmt.Errorf("%w: %w", ErrLaunchFailed, ctx.Err())
	}

	if run.Alive() {
		return nil
	}

	run.capture.wait(m.opts.DiagnosticsWait)
	run.encoder.wait(m.opts.DiagnosticsWait)
	captureErr := run.capture.diagnostics()
	encoderErr := run.encoder.diagnostics()
	slog.Error("Recording failed to start",
		"capture_exited", run.capture.exited(), "capture_stderr", captureErr,
		"encoder_exited", run.encoder.exited(), "encoder_stderr", encoderErr)
	run.abort()

	return fmt.Errorf("%w: %s", ErrLaunchFailed, joinDiagnostics(captureErr, encoderErr))
}

// joinDiagnostics keeps both stages' output: when one stage dies the other
// often reports only the resulting broken pipe.
func joinDiagnostics(vals ...string) string {
	var parts []string
	for _, v := range vals {
		if v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return "process exited"
	}
	return strings.Join(parts, "; ")
}
