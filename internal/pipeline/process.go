package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stderrLimit caps how much diagnostic output is kept per process.
const stderrLimit = 64 << 10

// process is a started child with its exit observed in the background.
type process struct {
	name   string
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}
	err    error // valid after done is closed
}

func newProcess(name string, args ...string) *process {
	p := &process{
		name:   name,
		cmd:    exec.Command(name, args...),
		stderr: &tailBuffer{limit: stderrLimit},
		done:   make(chan struct{}),
	}
	p.cmd.Stderr = p.stderr
	// grandchildren holding stderr open must not block Wait forever
	p.cmd.WaitDelay = time.Second
	// own process group: a terminal Ctrl+C reaches only us, and we stop
	// the stages in order
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return p
}

func (p *process) start() error {
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.name, err)
	}
	go func() {
		p.err = p.cmd.Wait()
		close(p.done)
	}()
	return nil
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// wait reports whether the process exited within timeout.
func (p *process) wait(timeout time.Duration) bool {
	if p.exited() {
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func (p *process) signal(sig os.Signal) error {
	if p.exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal %s: %w", p.name, err)
	}
	return nil
}

// terminate sends SIGTERM, waits up to timeout, then kills.
func (p *process) terminate(timeout time.Duration) error {
	if err := p.signal(syscall.SIGTERM); err != nil {
		return err
	}
	if p.wait(timeout) {
		return nil
	}
	return p.kill()
}

func (p *process) kill() error {
	if err := p.signal(syscall.SIGKILL); err != nil {
		return err
	}
	<-p.done
	return fmt.Errorf("%s killed after timeout", p.name)
}

// exitErr returns the exit error, ignoring deaths by SIGTERM/SIGKILL that we
// requested.
func (p *process) exitErr() error {
	if !p.exited() || p.err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return nil
		}
	}
	return fmt.Errorf("%s failed: %w", p.name, p.err)
}

func (p *process) diagnostics() string {
	return strings.TrimSpace(p.stderr.String())
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) > b.limit {
		p = p[len(p)-b.limit:]
	}
	if over := b.buf.Len() + len(p) - b.limit; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
