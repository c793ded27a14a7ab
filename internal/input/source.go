package input

import "fmt"

// Handle is an open trigger device.
type Handle interface {
	Path() string
	Name() string
	// Probe fails once the device is gone.
	Probe() (string, error)
	ReadEvents() ([]Event, error)
	Close() error
}

// Source enumerates, identifies and opens input devices.
type Source interface {
	List() ([]string, error)
	// Identify returns the device name without keeping it open.
	Identify(path string) (string, error)
	// OpenTrigger opens path if it can emit code, else returns ErrNotTrigger.
	OpenTrigger(path string, code uint16) (Handle, error)
	// Ready returns the handles with pending input or errors. It never blocks.
	Ready(handles []Handle) ([]Handle, error)
}

// EvdevSource is the Linux implementation of Source.
type EvdevSource struct {
	Dir string // default /dev/input
}

func (s EvdevSource) dir() string {
	if s.Dir == "" {
		return "/dev/input"
	}
	return s.Dir
}

func (s EvdevSource) List() ([]string, error) {
	return List(s.dir())
}

func (s EvdevSource) Identify(path string) (string, error) {
	d, err := Open(path)
	if err != nil {
		return "", err
	}
	defer d.Close()
	return d.Name(), nil
}

func (s EvdevSource) OpenTrigger(path string, code uint16) (Handle, error) {
	d, err := Open(path)
	if err != nil {
		return nil, err
	}
	if !d.HasKey(code) {
		d.Close()
		return nil, fmt.Errorf("%s: %w %d", path, ErrNotTrigger, code)
	}
	return d, nil
}

// Ready starts reading any handle that is not yet being read and returns
// those with queued events or a stopped reader.
func (s EvdevSource) Ready(handles []Handle) ([]Handle, error) {
	var ready []Handle
	for _, h := range handles {
		if d, ok := h.(*Device); ok && d.pending() {
			ready = append(ready, h)
		}
	}
	return ready, nil
}
