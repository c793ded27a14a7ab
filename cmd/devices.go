package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/psrecorder/internal/input"
)

var watchTrigger bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List input devices and whether they can send the trigger key",
	Long: `List evdev input devices with their names, whether they report the
configured trigger key, and whether the reconnect watchdog treats them as
wireless. With --watch, print trigger presses until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source := input.EvdevSource{Dir: cfg.Input.DevicesDir}
		paths, err := source.List()
		if err != nil {
			return fmt.Errorf("failed to list input devices: %w", err)
		}

		code := cfg.Input.TriggerCode()
		fmt.Printf("Input devices in %s (trigger code %d):\n", cfg.Input.DevicesDir, code)
		var triggers []input.Handle
		for _, path := range paths {
			d, err := input.Open(path)
			if err != nil {
				fmt.Printf("  %-20s (unreadable: %v)\n", path, err)
				continue
			}
			hasKey := d.HasKey(code)
			flags := ""
			if hasKey {
				flags += " [trigger]"
			}
			if isWireless(d.Name(), cfg.Input.Watchdog.Keywords) {
				flags += " [wireless]"
			}
			fmt.Printf("  %-20s %s%s\n", path, d.Name(), flags)

			if watchTrigger && hasKey {
				triggers = append(triggers, d)
				continue
			}
			d.Close()
		}

		if !watchTrigger {
			return nil
		}
		defer func() {
			for _, h := range triggers {
				h.Close()
			}
		}()
		if len(triggers) == 0 {
			return fmt.Errorf("no device reports trigger code %d", code)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Println("\nWatching for trigger presses, Ctrl+C to stop...")
		return watchPresses(ctx, source, triggers, code, cfg.Input.PollInterval)
	},
}

func watchPresses(ctx context.Context, source input.Source, handles []input.Handle, code uint16, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ready, err := source.Ready(handles)
		if err != nil {
			return fmt.Errorf("failed to poll input devices: %w", err)
		}
		for _, h := range ready {
			events, err := h.ReadEvents()
			if err != nil {
				return err
			}
			for _, ev := range events {
				if ev.IsPress(code) {
					fmt.Printf("  %s  press on %s (%s)\n", time.Now().Format(time.TimeOnly), h.Name(), h.Path())
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func isWireless(name string, keywords []string) bool {
	name = strings.ToLower(name)
	for _, k := range keywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

func init() {
	devicesCmd.Flags().BoolVarP(&watchTrigger, "watch", "w", false, "print trigger presses until interrupted")
}
