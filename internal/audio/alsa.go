package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// preferredFormats is the order in which sample formats are negotiated.
var preferredFormats = []string{"S24_3LE", "S24_LE", "S32_LE", "S16_LE"}

var (
	formatLine   = regexp.MustCompile(`FORMAT: (.+)`)
	channelsLine = regexp.MustCompile(`CHANNELS: (.+)`)
)

// Settings describes how the capture utility should open the input.
// An empty Device means the system default; an empty Format lets the
// capture utility choose.
type Settings struct {
	Device   string
	Format   string
	Channels int
}

// Card is one capture-capable sound card reported by `arecord -l`.
type Card struct {
	Number int
	Line   string
}

// Device returns the ALSA hardware selector for the card's first device.
func (c Card) Device() string {
	return fmt.Sprintf("hw:%d,0", c.Number)
}

// runFunc executes a command and returns its stdout and stderr.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ALSA probes capture hardware through the arecord utility.
type ALSA struct {
	command  string
	match    string
	defaults Settings
	run      runFunc
}

// NewALSA creates a prober. match is searched for in `arecord -l` output to
// pick the input card; defaults apply when nothing matches.
func NewALSA(command, match string, defaults Settings) *ALSA {
	return &ALSA{
		command:  command,
		match:    match,
		defaults: defaults,
		run:      execRun,
	}
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ListCards returns all capture cards.
func (a *ALSA) ListCards(ctx context.Context) ([]Card, error) {
	out, _, err := a.run(ctx, a.command, "-l")
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}
	return parseCardList(string(out)), nil
}

// DetectDevice returns the selector of the first card whose line contains
// the configured match string.
func (a *ALSA) DetectDevice(ctx context.Context) (string, bool) {
	cards, err := a.ListCards(ctx)
	if err != nil {
		slog.Warn("Error detecting USB audio device", "error", err)
		return "", false
	}
	for _, card := range cards {
		if strings.Contains(card.Line, a.match) {
			return card.Device(), true
		}
	}
	return "", false
}

// Negotiate asks the hardware for its supported parameters and picks the
// best format and channel count.
func (a *ALSA) Negotiate(ctx context.Context, device string) Settings {
	// arecord writes the parameter dump to stderr and exits non-zero
	_, stderr, err := a.run(ctx, a.command, "--dump-hw-params", "-D", device)
	if len(stderr) == 0 && err != nil {
		slog.Warn("Error getting device settings", "device", device, "error", err)
		return Settings{Device: device, Channels: a.defaults.Channels}
	}
	format, channels := parseHWParams(string(stderr), a.defaults.Channels)
	slog.Debug("Negotiated capture settings", "device", device, "format", format, "channels", channels)
	return Settings{Device: device, Format: format, Channels: channels}
}

// Probe detects the input card and negotiates its settings, falling back to
// the configured defaults when no card matches.
func (a *ALSA) Probe(ctx context.Context) Settings {
	device, ok := a.DetectDevice(ctx)
	if !ok {
		slog.Info("Using default audio device")
		return a.defaults
	}
	slog.Info("Using USB audio device", "device", device)
	return a.Negotiate(ctx, device)
}

// parseCardList extracts "card N: ..." lines from `arecord -l`.
func parseCardList(out string) []Card {
	var cards []Card
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "card ") {
			continue
		}
		head, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(head)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		cards = append(cards, Card{Number: n, Line: line})
	}
	return cards
}

// parseHWParams picks a format and channel count from a --dump-hw-params
// listing. The format is empty when none of the preferred formats is offered.
func parseHWParams(dump string, defaultChannels int) (format string, channels int) {
	if m := formatLine.FindStringSubmatch(dump); m != nil {
		available := strings.Fields(m[1])
		for _, f := range preferredFormats {
			if slices.Contains(available, f) {
				format = f
				break
			}
		}
	}

	channels = defaultChannels
	if m := channelsLine.FindStringSubmatch(dump); m != nil {
		supported := parseChannelSet(m[1])
		if len(supported) > 0 && !slices.Contains(supported, defaultChannels) {
			channels = 1
			if slices.Contains(supported, 2) {
				channels = 2
			}
		}
	}
	return format, channels
}

// parseChannelSet understands both a plain list ("1 2") and the interval
// notation arecord uses for ranges ("[1 2]").
func parseChannelSet(s string) []int {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		bounds := strings.Fields(strings.Trim(s, "[]"))
		if len(bounds) == 2 {
			lo, err1 := strconv.Atoi(bounds[0])
			hi, err2 := strconv.Atoi(bounds[1])
			if err1 == nil && err2 == nil && lo <= hi && hi-lo < 64 {
				var set []int
				for n := lo; n <= hi; n++ {
					set = append(set, n)
				}
				return set
			}
		}
		return nil
	}

	var set []int
	for _, field := range strings.Fields(s) {
		if n, err := strconv.Atoi(field); err == nil {
			set = append(set, n)
		}
	}
	return set
}
