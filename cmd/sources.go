package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/psrecorder/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List capture cards and the settings a recording would use",
	Long: `List ALSA capture cards reported by the capture utility, mark the one
matching audio.device_match and show the negotiated format and channels.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		alsa := audio.NewALSA(cfg.Audio.CaptureCommand, cfg.Audio.DeviceMatch, audio.Settings{
			Format:   cfg.Audio.Format,
			Channels: cfg.Audio.Channels,
		})

		cards, err := alsa.ListCards(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Capture cards (%d found):\n", len(cards))
		for _, card := range cards {
			marker := " "
			if cfg.Audio.DeviceMatch != "" && strings.Contains(card.Line, cfg.Audio.DeviceMatch) {
				marker = "*"
			}
			fmt.Printf(" %s %-8s %s\n", marker, card.Device(), card.Line)
		}

		s := alsa.Probe(ctx)
		device := s.Device
		if device == "" {
			device = "default"
		}
		format := s.Format
		if format == "" {
			format = "(capture utility default)"
		}
		fmt.Printf("\nRecording would use: device=%s format=%s channels=%d rate=%d\n",
			device, format, s.Channels, cfg.Audio.SampleRate)
		return nil
	},
}
