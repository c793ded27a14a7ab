// Package light drives the recording indicator. Every operation is best
// effort: failures are logged and never reach the caller.
package light

import (
	"context"
	"log/slog"
	"time"

	"github.com/audiolibrelab/psrecorder/internal/bulb"
)

const (
	// DefaultPowerDelay is how long a bulb needs after power-on before it
	// accepts a colour change.
	DefaultPowerDelay = 1200 * time.Millisecond
	offPause          = 100 * time.Millisecond
)

// DefaultColor is solid red.
var DefaultColor = bulb.HSV{Hue: 0, Saturation: 100, Value: 100}

// Fixture is the subset of a smart bulb the coordinator needs.
type Fixture interface {
	Refresh(ctx context.Context) (bulb.State, error)
	SetPower(ctx context.Context, on bool) error
	SetHSV(ctx context.Context, c bulb.HSV) error
}

// Coordinator switches a fixture into and out of recording colour.
type Coordinator struct {
	fixture    Fixture
	color      bulb.HSV
	powerDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithColor(c bulb.HSV) Option {
	return func(co *Coordinator) { co.color = c }
}

func WithPowerDelay(d time.Duration) Option {
	return func(co *Coordinator) {
		if d >= 0 {
			co.powerDelay = d
		}
	}
}

// New returns a coordinator for f. A nil fixture yields a coordinator whose
// calls do nothing.
func New(f Fixture, opts ...Option) *Coordinator {
	c := &Coordinator{
		fixture:    f,
		color:      DefaultColor,
		powerDelay: DefaultPowerDelay,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a fixture is attached.
func (c *Coordinator) Enabled() bool {
	return c != nil && c.fixture != nil
}

// IndicateRecording turns the indicator on (recording colour) or off.
// Prior colour and brightness are not restored on off.
func (c *Coordinator) IndicateRecording(ctx context.Context, on bool) {
	if !c.Enabled() {
		return
	}
	if on {
		c.engage(ctx)
	} else {
		c.disengage(ctx)
	}
}

func (c *Coordinator) engage(ctx context.Context) {
	st, err := c.fixture.Refresh(ctx)
	if err != nil {
		slog.Warn("Could not read bulb state, assuming off", "error", err)
	}

	if !st.Powered {
		if err := c.fixture.SetPower(ctx, true); err != nil {
			slog.Warn("Error turning bulb on", "error", err)
			return
		}
		if err := c.sleep(ctx, c.powerDelay); err != nil {
			return
		}
	}

	if err := c.fixture.SetHSV(ctx, c.color); err != nil {
		slog.Warn("Error setting bulb colour", "error", err)
		return
	}
	slog.Info("Recording light on", "hue", c.color.Hue, "saturation", c.color.Saturation, "value", c.color.Value)
}

func (c *Coordinator) disengage(ctx context.Context) {
	if _, err := c.fixture.Refresh(ctx); err != nil {
		slog.Debug("Could not read bulb state before power-off", "error", err)
	}
	if err := c.fixture.SetPower(ctx, false); err != nil {
		slog.Warn("Error turning bulb off", "error", err)
		return
	}
	c.sleep(ctx, offPause)
	slog.Info("Recording light off")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
