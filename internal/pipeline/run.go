package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/psrecorder/internal/audio"
)

// encoderTermWait bounds the SIGTERM step before the encoder is killed.
const encoderTermWait = 2 * time.Second

// Run is a live capture | encode pipeline. Both stages are owned together.
type Run struct {
	Path      string
	Settings  audio.Settings
	StartedAt time.Time

	capture *process
	encoder *process
	opts    Options

	once        sync.Once
	teardownErr error
}

// Alive reports whether both stages are still running.
func (r *Run) Alive() bool {
	return !r.capture.exited() && !r.encoder.exited()
}

// Elapsed is the time since the pipeline started.
func (r *Run) Elapsed() time.Duration {
	return time.Since(r.StartedAt)
}

// Teardown stops capture so the encoder can flush and finish. Every step
// runs even if an earlier one failed. Safe to call more than once; later
// calls return the first result.
func (r *Run) Teardown() error {
	r.once.Do(func() {
		r.teardownErr = r.teardown()
	})
	return r.teardownErr
}

func (r *Run) teardown() error {
	var errs []error

	if err := r.capture.terminate(r.opts.CaptureStopTimeout); err != nil {
		slog.Warn("Error stopping capture", "error", err)
		errs = append(errs, err)
	}
	if err := r.capture.exitErr(); err != nil {
		slog.Debug("Capture exit", "error", err, "stderr", r.capture.diagnostics())
	}

	// capture is gone, so the encoder reads EOF and finishes the file
	if !r.encoder.wait(r.opts.EncoderStopTimeout) {
		slog.Warn("Encoder did not finish in time, terminating", "timeout", r.opts.EncoderStopTimeout)
		if err := r.encoder.terminate(encoderTermWait); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, errors.New("encoder did not finish in time"))
	} else if err := r.encoder.exitErr(); err != nil {
		slog.Warn("Encoder exited with error", "error", err, "stderr", r.encoder.diagnostics())
		errs = append(errs, err)
	}

	slog.Info("Recording stopped", "file", r.Path, "duration", r.Elapsed().Round(time.Second))
	return errors.Join(errs...)
}

// abort kills both stages without waiting for the encoder to flush.
func (r *Run) abort() {
	r.once.Do(func() {
		for _, p := range []*process{r.capture, r.encoder} {
			if err := p.terminate(time.Second); err != nil {
				slog.Debug("Error terminating process", "name", p.name, "error", err)
			}
		}
	})
}
