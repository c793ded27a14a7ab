package input

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNotTerminal is returned when keyboard input is requested without a TTY.
var ErrNotTerminal = errors.New("not a terminal")

// KeySource reports whether the toggle key was pressed since the last call.
type KeySource interface {
	Pressed() (bool, error)
}

// Keyboard reads single key presses from a terminal in cbreak mode.
type Keyboard struct {
	fd  int
	key byte
	old *term.State
}

// OpenKeyboard puts f into cbreak mode (no line buffering, no echo). Call
// Restore to undo.
func OpenKeyboard(f *os.File, key byte) (*Keyboard, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%w: %s", ErrNotTerminal, f.Name())
	}
	old, err := term.GetState(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to save terminal state: %w", err)
	}

	// term.MakeRaw would also drop output processing and break log lines
	raw, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("failed to read terminal mode: %w", err)
	}
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, raw); err != nil {
		return nil, fmt.Errorf("failed to set cbreak mode: %w", err)
	}
	return &Keyboard{fd: fd, key: key, old: old}, nil
}

// Pressed consumes pending input without blocking and reports whether it
// contained the toggle key.
func (k *Keyboard) Pressed() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(k.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("keyboard poll failed: %w", err)
	}
	if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
		return false, nil
	}

	var buf [16]byte
	n, err = unix.Read(k.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, fmt.Errorf("keyboard read failed: %w", err)
	}
	for _, b := range buf[:n] {
		if b == k.key {
			return true, nil
		}
	}
	return false, nil
}

// Restore puts the terminal back into its original mode.
func (k *Keyboard) Restore() error {
	if k.old == nil {
		return nil
	}
	err := term.Restore(k.fd, k.old)
	k.old = nil
	return err
}
