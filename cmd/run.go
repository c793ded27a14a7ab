package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/psrecorder/internal/service"
)

var (
	listenAddr string
	noBulb     bool
	noKeyboard bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the recorder until interrupted",
	Long: `Run the recorder: watch input devices for the trigger key, record while
toggled on, drive the recording light and optionally serve the control API.

SIGINT or SIGTERM stops an active recording cleanly before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("listen") {
			cfg.Server.Listen = listenAddr
		}
		if noBulb {
			cfg.Bulb.Enabled = false
		}
		if noKeyboard {
			cfg.Input.Keyboard = false
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		slog.Info("Starting audio recorder",
			"version", version,
			"recording_dir", cfg.Recording.Directory,
			"max_duration", cfg.Recording.MaxDuration)

		svc, err := service.New(ctx, cfg, service.Options{Version: version})
		if err != nil {
			return fmt.Errorf("failed to start recorder: %w", err)
		}
		if err := svc.Run(ctx); err != nil {
			return fmt.Errorf("recorder stopped with error: %w", err)
		}
		return nil
	},
}

func addRunFlags(c *cobra.Command) {
	c.Flags().StringVar(&listenAddr, "listen", "", "control API listen address, e.g. :8080 (overrides config)")
	c.Flags().BoolVar(&noBulb, "no-bulb", false, "disable the recording light")
	c.Flags().BoolVar(&noKeyboard, "no-keyboard", false, "disable the keyboard trigger")
}

func init() {
	addRunFlags(runCmd)
}
