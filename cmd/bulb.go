package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/psrecorder/internal/bulb"
	"github.com/audiolibrelab/psrecorder/internal/light"
	"github.com/audiolibrelab/psrecorder/internal/service"
)

var (
	bulbTest       bool
	bulbBrightness int
	bulbForget     bool
	bulbHold       time.Duration
)

var bulbCmd = &cobra.Command{
	Use:   "bulb",
	Short: "Find the recording light and optionally exercise it",
	Long: `Resolve the bulb named by bulb.alias through the address cache or LAN
discovery and print its state. --test runs the same on/off sequence a
recording would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if bulbForget {
			if err := bulb.NewCache(cfg.Bulb.CacheFile).Invalidate(); err != nil {
				return fmt.Errorf("failed to remove bulb cache: %w", err)
			}
			fmt.Printf("Removed cached bulb address %s\n", cfg.Bulb.CacheFile)
		}

		b, err := service.ResolveBulb(ctx, cfg.Bulb)
		if err != nil {
			return err
		}

		info := b.Info()
		state := info.State()
		fmt.Printf("Bulb %q at %s\n", info.Alias, b.Addr())
		fmt.Printf("  model:    %s\n", info.Model)
		fmt.Printf("  color:    %t\n", info.Color())
		fmt.Printf("  dimmable: %t\n", info.Dimmable())
		fmt.Printf("  powered:  %t\n", state.Powered)
		if state.Brightness != nil {
			fmt.Printf("  brightness: %d\n", *state.Brightness)
		}
		if state.Color != nil {
			fmt.Printf("  hsv:      %d/%d/%d\n", state.Color.Hue, state.Color.Saturation, state.Color.Value)
		}

		if cmd.Flags().Changed("brightness") {
			if err := b.SetBrightness(ctx, bulbBrightness); err != nil {
				return fmt.Errorf("failed to set brightness: %w", err)
			}
			fmt.Printf("Brightness set to %d\n", bulbBrightness)
		}

		if bulbTest {
			return testLight(ctx, b)
		}
		return nil
	},
}

func testLight(ctx context.Context, b *bulb.Bulb) error {
	c := light.New(b,
		light.WithColor(bulb.HSV{Hue: cfg.Bulb.Hue, Saturation: cfg.Bulb.Saturation, Value: cfg.Bulb.Value}),
		light.WithPowerDelay(cfg.Bulb.PowerDelay),
	)

	fmt.Println("Recording light on")
	c.IndicateRecording(ctx, true)

	select {
	case <-time.After(bulbHold):
	case <-ctx.Done():
	}

	fmt.Println("Recording light off")
	c.IndicateRecording(context.WithoutCancel(ctx), false)
	return nil
}

func init() {
	bulbCmd.Flags().BoolVar(&bulbTest, "test", false, "switch the recording light on, wait, then off")
	bulbCmd.Flags().DurationVar(&bulbHold, "hold", 3*time.Second, "how long --test keeps the light on")
	bulbCmd.Flags().IntVar(&bulbBrightness, "brightness", 100, "set brightness (1-100)")
	bulbCmd.Flags().BoolVar(&bulbForget, "forget", false, "drop the cached address and rediscover")
}
