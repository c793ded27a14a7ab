// Package input tracks hot-pluggable trigger devices (Linux evdev), the
// local keyboard, and wireless remotes reconnecting mid-recording.
package input

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	evdev "github.com/holoplot/go-evdev"
)

const (
	// EvKey is the evdev event type for key and button changes.
	EvKey = uint16(evdev.EV_KEY)
	// KeyVolumeUp is what most Bluetooth camera shutters send.
	KeyVolumeUp = uint16(evdev.KEY_VOLUMEUP)

	// KeyPress is the value of a key-down event; 0 is release, 2 autorepeat.
	KeyPress = 1

	// events held per device between two loop ticks
	eventBuffer = 64
)

// ErrNotTrigger means the device cannot emit the trigger key.
var ErrNotTrigger = errors.New("device lacks trigger key")

// Event is a decoded input_event without its timestamp.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

// IsPress reports whether e is a key-down of code.
func (e Event) IsPress(code uint16) bool {
	return e.Type == EvKey && e.Code == code && e.Value == KeyPress
}

// inputDevice is the subset of *evdev.InputDevice we use.
type inputDevice interface {
	Name() (string, error)
	CapableEvents(t evdev.EvType) []evdev.EvCode
	ReadOne() (*evdev.InputEvent, error)
	Close() error
}

// Device is an open evdev device. Once reading starts, a goroutine blocks in
// ReadOne and queues events, so the control loop can check every device
// without blocking.
type Device struct {
	dev  inputDevice
	path string
	name string

	listen sync.Once
	events chan Event
	done   chan struct{}
	err    error // valid after done is closed

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens path and reads its name.
func Open(path string) (*Device, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return newDevice(dev, path)
}

func newDevice(dev inputDevice, path string) (*Device, error) {
	d := &Device{
		dev:    dev,
		path:   path,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	if _, err := d.Probe(); err != nil {
		dev.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) Path() string { return d.path }
func (d *Device) Name() string { return d.name }

// Probe re-reads the device name. It fails once the device is unplugged.
func (d *Device) Probe() (string, error) {
	name, err := d.dev.Name()
	if err != nil {
		return "", fmt.Errorf("failed to read name of %s: %w", d.path, err)
	}
	d.name = name
	return name, nil
}

// HasKey reports whether the device advertises code among its key events.
func (d *Device) HasKey(code uint16) bool {
	return slices.Contains(d.dev.CapableEvents(evdev.EV_KEY), evdev.EvCode(code))
}

func (d *Device) start() {
	d.listen.Do(func() { go d.read() })
}

func (d *Device) read() {
	defer close(d.done)
	for {
		ev, err := d.dev.ReadOne()
		if err != nil {
			d.err = err
			return
		}
		select {
		case d.events <- Event{Type: uint16(ev.Type), Code: uint16(ev.Code), Value: ev.Value}:
		case <-d.closed:
			return
		}
	}
}

func (d *Device) stopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// pending reports whether ReadEvents has events or an error to return.
func (d *Device) pending() bool {
	d.start()
	return len(d.events) > 0 || d.stopped()
}

// ReadEvents drains queued events. No pending input returns nil, nil. Once
// the device stops delivering (unplugged or closed) the read error is
// returned after the remaining events.
func (d *Device) ReadEvents() ([]Event, error) {
	d.start()
	stopped := d.stopped()
	var events []Event
	for {
		select {
		case e := <-d.events:
			events = append(events, e)
			continue
		default:
		}
		break
	}
	if !stopped {
		return events, nil
	}
	err := d.err
	if err == nil {
		err = errors.New("device closed")
	}
	return events, fmt.Errorf("failed to read %s: %w", d.path, err)
}

// Close stops the reader and releases the device.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.dev.Close()
	})
	return err
}

// List returns the event device paths under dir in order.
func List(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "event*"))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)
	return paths, nil
}
