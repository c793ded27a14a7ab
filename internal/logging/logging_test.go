package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFanout_WritesToEveryEnabledHandler(t *testing.T) {
	var info, debug bytes.Buffer
	logger := slog.New(NewFanout(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))

	logger.Debug("probe", "device", "hw:1,0")
	logger.Info("Recording started", "output", "/srv/recordings/a.mp3")

	if strings.Contains(info.String(), "probe") {
		t.Errorf("Info handler should not receive debug records: %s", info.String())
	}
	if !strings.Contains(info.String(), "Recording started") {
		t.Errorf("Info handler missing record: %s", info.String())
	}
	if !strings.Contains(debug.String(), "probe") || !strings.Contains(debug.String(), "Recording started") {
		t.Errorf("Debug handler missing records: %s", debug.String())
	}
}

func TestFanout_WithAttrsPropagates(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(NewFanout(
		slog.NewTextHandler(&a, nil),
		slog.NewTextHandler(&b, nil),
	)).With("component", "watchdog").WithGroup("dev")

	logger.Info("reconnected", "path", "/dev/input/event3")

	for _, out := range []string{a.String(), b.String()} {
		if !strings.Contains(out, "component=watchdog") || !strings.Contains(out, "dev.path=/dev/input/event3") {
			t.Errorf("Attributes not propagated: %s", out)
		}
	}
}

func TestSetup_AppendsToLogFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	defer devNull.Close()

	path := filepath.Join(t.TempDir(), "logs", "recorder.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("earlier line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	closer, err := Setup(Options{Level: slog.LevelInfo, File: path, Terminal: devNull})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	slog.Info("Script started")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "earlier line\n") {
		t.Errorf("Log file was truncated: %q", data)
	}
	if !strings.Contains(string(data), "Script started") {
		t.Errorf("Log file missing new record: %q", data)
	}
}

func TestSetup_UnwritableFileFallsBackToTerminal(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer devNull.Close()

	// a regular file used as a directory component cannot be created
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	closer, err := Setup(Options{File: filepath.Join(blocker, "x.log"), Terminal: devNull})
	if err == nil {
		t.Fatal("Expected error for unusable log path")
	}
	if closer == nil {
		t.Fatal("Expected non-nil closer even on error")
	}
	slog.Info("still logging")
}
