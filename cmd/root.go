package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/psrecorder/internal/config"
	"github.com/audiolibrelab/psrecorder/internal/logging"
)

// version is set at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

var (
	cfg          *config.Config
	cfgFile      string
	envFile      string
	verboseLevel int
	logCloser    io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "psrecorder",
	Short: "Push-to-record audio recorder for a rehearsal space",
	Long: `psrecorder records the rehearsal-space mixer to MP3 files. A press on a
Bluetooth remote (or the configured key) starts a recording, the next press
stops it. A smart bulb lights up while recording.

Without a subcommand it behaves like 'psrecorder run'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(config.ResolveFile(cfgFile))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Only the long-running recorder writes to the persistent log file.
		logFile := ""
		if cmd.Name() == "run" || cmd == cmd.Root() {
			logFile = cfg.Log.File
		}
		logCloser, err = logging.Setup(logging.Options{
			Level: logLevel(verboseLevel),
			File:  logFile,
		})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		slog.Debug("Configuration loaded", "file", config.ResolveFile(cfgFile))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultConfigFile+" when present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with PSRECORDER_* overrides, ignored when missing")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	addRunFlags(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(bulbCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("psrecorder", version)
	},
}

// loadEnvFile loads path into the environment. A missing file is not an
// error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func logLevel(verbose int) slog.Level {
	if verbose >= 1 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
