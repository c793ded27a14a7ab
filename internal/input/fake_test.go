package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
)

type fakeDevice struct {
	path     string
	name     string
	trigger  bool
	events   []Event
	probeErr error
	readErr  error
	closed   bool
}

func (d *fakeDevice) Path() string { return d.path }
func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Probe() (string, error) {
	if d.probeErr != nil {
		return "", d.probeErr
	}
	return d.name, nil
}

func (d *fakeDevice) ReadEvents() ([]Event, error) {
	ev := d.events
	d.events = nil
	return ev, d.readErr
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// fakeSource serves a mutable set of fake devices.
type fakeSource struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
	opens   map[string]int
	listErr error
	pollErr error
}

func newFakeSource(devs ...*fakeDevice) *fakeSource {
	s := &fakeSource{devices: make(map[string]*fakeDevice), opens: make(map[string]int)}
	for _, d := range devs {
		s.devices[d.path] = d
	}
	return s
}

func (s *fakeSource) plug(d *fakeDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.path] = d
}

func (s *fakeSource) unplug(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, path)
}

func (s *fakeSource) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	paths := make([]string, 0, len(s.devices))
	for p := range s.devices {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths, nil
}

func (s *fakeSource) Identify(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return d.name, nil
}

func (s *fakeSource) OpenTrigger(path string, code uint16) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens[path]++
	d, ok := s.devices[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	if !d.trigger {
		return nil, fmt.Errorf("%s: %w", path, ErrNotTrigger)
	}
	return d, nil
}

func (s *fakeSource) Ready(handles []Handle) ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	var ready []Handle
	for _, h := range handles {
		d := h.(*fakeDevice)
		if len(d.events) > 0 || d.readErr != nil {
			ready = append(ready, h)
		}
	}
	return ready, nil
}

// fakeController records calls from the loop and the watchdog.
type fakeController struct {
	mu         sync.Mutex
	recording  bool
	toggles    int
	stops      []string
	supervised int
	toggleErr  error
}

func (c *fakeController) Toggle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toggles++
	if c.toggleErr != nil {
		return c.toggleErr
	}
	c.recording = !c.recording
	return nil
}

func (c *fakeController) Stop(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, reason)
	c.recording = false
}

func (c *fakeController) Supervise(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supervised++
	return false
}

func (c *fakeController) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *fakeController) setRecording(v bool) {
	c.mu.Lock()
	c.recording = v
	c.mu.Unlock()
}

func (c *fakeController) counts() (toggles int, stops []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toggles, slices.Clone(c.stops)
}

type fakeKeyboard struct {
	presses int
	err     error
}

func (k *fakeKeyboard) Pressed() (bool, error) {
	if k.err != nil {
		return false, k.err
	}
	if k.presses > 0 {
		k.presses--
		return true, nil
	}
	return false, nil
}

var errUnplugged = errors.New("no such device")

func press(code uint16) []Event {
	return []Event{
		{Type: EvKey, Code: code, Value: 1},
		{Type: 0, Code: 0, Value: 0}, // SYN_REPORT
		{Type: EvKey, Code: code, Value: 0},
	}
}
