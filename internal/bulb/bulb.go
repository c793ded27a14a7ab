// Package bulb talks to TP-Link Kasa smart bulbs over the local network and
// resolves the recording light by its alias.
package bulb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultTimeout bounds a single request/response exchange.
const DefaultTimeout = 3 * time.Second

const (
	systemModule   = "system"
	lightingModule = "smartlife.iot.smartbulb.lightingservice"
)

// ErrDevice is returned when the bulb answers with a non-zero err_code.
var ErrDevice = errors.New("bulb reported an error")

// Bulb is a Kasa bulb reachable at a fixed address. It caches the last
// sysinfo it received.
type Bulb struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	info SysInfo
}

// Option configures a Bulb.
type Option func(*Bulb)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bulb) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// New creates a client for addr, which is an IP or host with an optional
// port (default 9999). No connection is made.
func New(addr string, opts ...Option) *Bulb {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	b := &Bulb{addr: addr, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Addr returns host:port.
func (b *Bulb) Addr() string { return b.addr }

// Info returns the sysinfo from the last successful Update.
func (b *Bulb) Info() SysInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// Update fetches sysinfo from the device.
func (b *Bulb) Update(ctx context.Context) (SysInfo, error) {
	raw, err := b.call(ctx, systemModule, "get_sysinfo", struct{}{})
	if err != nil {
		return SysInfo{}, err
	}
	var info SysInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return SysInfo{}, fmt.Errorf("failed to decode sysinfo: %w", err)
	}
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()
	return info, nil
}

// Refresh fetches sysinfo and returns the derived state.
func (b *Bulb) Refresh(ctx context.Context) (State, error) {
	info, err := b.Update(ctx)
	if err != nil {
		return State{}, err
	}
	return info.State(), nil
}

// Probe checks that the bulb can be queried and logs its capabilities.
func (b *Bulb) Probe(ctx context.Context) error {
	info, err := b.Update(ctx)
	if err != nil {
		return fmt.Errorf("bulb connection test failed: %w", err)
	}
	st := info.State()
	slog.Info("Bulb capabilities", "alias", info.Alias, "model", info.Model,
		"dimmable", info.Dimmable(), "color", info.Color(), "on", st.Powered)
	return nil
}

// SetPower switches the bulb on or off.
func (b *Bulb) SetPower(ctx context.Context, on bool) error {
	return b.transition(ctx, map[string]any{"on_off": boolInt(on)})
}

// SetHSV sets the colour; Value is used as brightness.
func (b *Bulb) SetHSV(ctx context.Context, c HSV) error {
	if c.Hue < 0 || c.Hue > 360 || c.Saturation < 0 || c.Saturation > 100 || c.Value < 0 || c.Value > 100 {
		return fmt.Errorf("invalid colour %d/%d/%d", c.Hue, c.Saturation, c.Value)
	}
	return b.transition(ctx, map[string]any{
		"on_off":     1,
		"hue":        c.Hue,
		"saturation": c.Saturation,
		"brightness": c.Value,
		"color_temp": 0,
	})
}

// SetBrightness sets brightness 0-100 without changing the colour.
func (b *Bulb) SetBrightness(ctx context.Context, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("invalid brightness %d", v)
	}
	return b.transition(ctx, map[string]any{"on_off": 1, "brightness": v})
}

func (b *Bulb) transition(ctx context.Context, state map[string]any) error {
	state["ignore_default"] = 1
	state["transition_period"] = 0

	raw, err := b.call(ctx, lightingModule, "transition_light_state", state)
	if err != nil {
		return err
	}
	var ls lightState
	if err := json.Unmarshal(raw, &ls); err != nil {
		return fmt.Errorf("failed to decode light state: %w", err)
	}
	b.mu.Lock()
	b.info.LightState = &ls
	b.mu.Unlock()
	return nil
}

// call issues module.method(args) and returns the method's reply object.
func (b *Bulb) call(ctx context.Context, module, method string, args any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]map[string]any{module: {method: args}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := b.roundTrip(ctx, payload)
	if err != nil {
		return nil, err
	}

	var envelope map[string]map[string]json.RawMessage
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", b.addr, err)
	}
	raw, ok := envelope[module][method]
	if !ok {
		return nil, fmt.Errorf("response from %s has no %s.%s", b.addr, module, method)
	}

	var status struct {
		ErrCode int    `json:"err_code"`
		ErrMsg  string `json:"err_msg"`
	}
	if err := json.Unmarshal(raw, &status); err == nil && status.ErrCode != 0 {
		return nil, fmt.Errorf("%w: %s.%s err_code=%d %s", ErrDevice, module, method, status.ErrCode, status.ErrMsg)
	}
	return raw, nil
}

func (b *Bulb) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bulb %s: %w", b.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("failed to send to bulb %s: %w", b.addr, err)
	}
	resp, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("no reply from bulb %s: %w", b.addr, err)
	}
	return resp, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
