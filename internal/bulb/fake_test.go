package bulb

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
)

// fakeBulb is a minimal Kasa bulb speaking the TCP protocol on localhost.
type fakeBulb struct {
	ln net.Listener

	mu       sync.Mutex
	alias    string
	on       bool
	hue      int
	sat      int
	bri      int
	errCode  int
	requests []string
}

func startFakeBulb(t *testing.T, alias string, on bool) *fakeBulb {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeBulb{ln: ln, alias: alias, on: on, bri: 50, sat: 0}
	t.Cleanup(func() { ln.Close() })
	go f.acceptLoop()
	return f
}

func (f *fakeBulb) Addr() string { return f.ln.Addr().String() }

func (f *fakeBulb) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeBulb) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *fakeBulb) serve(conn net.Conn) {
	defer conn.Close()
	payload, err := readFrame(conn)
	if err != nil {
		return
	}
	var req map[string]map[string]map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var resp any
	switch {
	case req["system"]["get_sysinfo"] != nil:
		f.requests = append(f.requests, "get_sysinfo")
		resp = map[string]any{"system": map[string]any{"get_sysinfo": f.sysinfo()}}
	case req[lightingModule]["transition_light_state"] != nil:
		args := req[lightingModule]["transition_light_state"]
		f.requests = append(f.requests, describeTransition(args))
		if f.errCode == 0 {
			if v, ok := args["on_off"].(float64); ok {
				f.on = v == 1
			}
			if v, ok := args["hue"].(float64); ok {
				f.hue = int(v)
			}
			if v, ok := args["saturation"].(float64); ok {
				f.sat = int(v)
			}
			if v, ok := args["brightness"].(float64); ok {
				f.bri = int(v)
			}
		}
		state := f.lightState()
		state["err_code"] = f.errCode
		resp = map[string]any{lightingModule: map[string]any{"transition_light_state": state}}
	default:
		return
	}

	data, _ := json.Marshal(resp)
	writeFrame(conn, data)
}

func (f *fakeBulb) lightState() map[string]any {
	if f.on {
		return map[string]any{"on_off": 1, "hue": f.hue, "saturation": f.sat, "brightness": f.bri, "color_temp": 0}
	}
	return map[string]any{
		"on_off":       0,
		"dft_on_state": map[string]any{"hue": f.hue, "saturation": f.sat, "brightness": f.bri, "color_temp": 0},
	}
}

func (f *fakeBulb) sysinfo() map[string]any {
	return map[string]any{
		"alias":       f.alias,
		"model":       "KL130(US)",
		"mic_type":    "IOT.SMARTBULB",
		"is_color":    1,
		"is_dimmable": 1,
		"light_state": f.lightState(),
		"err_code":    0,
	}
}

func describeTransition(args map[string]any) string {
	if _, ok := args["hue"]; ok {
		return "set_hsv"
	}
	if v, ok := args["on_off"].(float64); ok && v == 0 {
		return "power_off"
	}
	if _, ok := args["brightness"]; ok {
		return "set_brightness"
	}
	return "power_on"
}

// fakeDiscoverer returns a fixed list of devices.
type fakeDiscoverer struct {
	found []Found
	err   error
	calls int
}

func (d *fakeDiscoverer) Discover(ctx context.Context) ([]Found, error) {
	d.calls++
	return d.found, d.err
}

// closedAddr returns a localhost address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
