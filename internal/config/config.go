package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFile is read when --config is not given and the file exists.
const DefaultConfigFile = "/etc/psrecorder.yaml"

// EnvPrefix is the prefix for environment overrides, e.g. PSRECORDER_BULB_ALIAS.
const EnvPrefix = "PSRECORDER"

type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Bulb      BulbConfig      `mapstructure:"bulb" yaml:"bulb"`
	Input     InputConfig     `mapstructure:"input" yaml:"input"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
}

type AudioConfig struct {
	SampleRate     int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels       int    `mapstructure:"channels" yaml:"channels"`
	Format         string `mapstructure:"format" yaml:"format"`             // used when no device is detected
	DeviceMatch    string `mapstructure:"device_match" yaml:"device_match"` // substring searched in `arecord -l`
	CaptureCommand string `mapstructure:"capture_command" yaml:"capture_command"`
	EncoderCommand string `mapstructure:"encoder_command" yaml:"encoder_command"`
	EncoderPreset  string `mapstructure:"encoder_preset" yaml:"encoder_preset"`
}

type RecordingConfig struct {
	Directory       string        `mapstructure:"directory" yaml:"directory"`
	Prefix          string        `mapstructure:"prefix" yaml:"prefix"`
	Extension       string        `mapstructure:"extension" yaml:"extension"`
	TimestampFormat string        `mapstructure:"timestamp_format" yaml:"timestamp_format"`
	Group           string        `mapstructure:"group" yaml:"group"`
	FileMode        string        `mapstructure:"file_mode" yaml:"file_mode"` // octal, e.g. "0664"
	MaxDuration     time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
}

type PipelineConfig struct {
	StartupGrace       time.Duration `mapstructure:"startup_grace" yaml:"startup_grace"`
	DiagnosticsWait    time.Duration `mapstructure:"diagnostics_wait" yaml:"diagnostics_wait"`
	CaptureStopTimeout time.Duration `mapstructure:"capture_stop_timeout" yaml:"capture_stop_timeout"`
	EncoderStopTimeout time.Duration `mapstructure:"encoder_stop_timeout" yaml:"encoder_stop_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type BulbConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Alias            string        `mapstructure:"alias" yaml:"alias"`
	CacheFile        string        `mapstructure:"cache_file" yaml:"cache_file"`
	BroadcastAddress string        `mapstructure:"broadcast_address" yaml:"broadcast_address"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout" yaml:"discovery_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	PowerDelay       time.Duration `mapstructure:"power_delay" yaml:"power_delay"`
	Hue              int           `mapstructure:"hue" yaml:"hue"`
	Saturation       int           `mapstructure:"saturation" yaml:"saturation"`
	Value            int           `mapstructure:"value" yaml:"value"`
}

type InputConfig struct {
	DevicesDir     string         `mapstructure:"devices_dir" yaml:"devices_dir"`
	TriggerKeyCode int            `mapstructure:"trigger_key_code" yaml:"trigger_key_code"`
	PollInterval   time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval"`
	Keyboard       bool           `mapstructure:"keyboard" yaml:"keyboard"`
	KeyboardKey    string         `mapstructure:"keyboard_key" yaml:"keyboard_key"`
	Watchdog       WatchdogConfig `mapstructure:"watchdog" yaml:"watchdog"`
}

type WatchdogConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	SeedPause time.Duration `mapstructure:"seed_pause" yaml:"seed_pause"`
	Stabilize time.Duration `mapstructure:"stabilize" yaml:"stabilize"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	Keywords  []string      `mapstructure:"keywords" yaml:"keywords"`
}

type LogConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"` // empty disables the HTTP server
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker" yaml:"broker"` // empty disables MQTT
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	StateTopic     string        `mapstructure:"state_topic" yaml:"state_topic"`
	ControlTopic   string        `mapstructure:"control_topic" yaml:"control_topic"`
	QoS            int           `mapstructure:"qos" yaml:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

var defaultConfig = Config{
	Audio: AudioConfig{
		SampleRate:     48000,
		Channels:       2,
		Format:         "S32_LE",
		DeviceMatch:    "USB Audio",
		CaptureCommand: "arecord",
		EncoderCommand: "lame",
		EncoderPreset:  "extreme",
	},
	Recording: RecordingConfig{
		Directory:       "/srv/recordings",
		Prefix:          "audio-recorder",
		Extension:       "mp3",
		TimestampFormat: "2006-01-02-15-04-05",
		Group:           "audiofiles",
		FileMode:        "0664",
		MaxDuration:     time.Hour,
	},
	Pipeline: PipelineConfig{
		StartupGrace:       time.Second,
		DiagnosticsWait:    200 * time.Millisecond,
		CaptureStopTimeout: 5 * time.Second,
		EncoderStopTimeout: 10 * time.Second,
		ShutdownTimeout:    30 * time.Second,
	},
	Bulb: BulbConfig{
		Enabled:          true,
		Alias:            "Recording Light",
		CacheFile:        "/var/lib/audio-recorder/last_bulb.json",
		BroadcastAddress: "255.255.255.255",
		DiscoveryTimeout: 8 * time.Second,
		RequestTimeout:   3 * time.Second,
		PowerDelay:       1200 * time.Millisecond,
		Hue:              0,
		Saturation:       100,
		Value:            100,
	},
	Input: InputConfig{
		DevicesDir:     "/dev/input",
		TriggerKeyCode: 115,
		PollInterval:   100 * time.Millisecond,
		Keyboard:       true,
		KeyboardKey:    " ",
		Watchdog: WatchdogConfig{
			Enabled:   true,
			Interval:  time.Second,
			SeedPause: 2 * time.Second,
			Stabilize: 500 * time.Millisecond,
			Cooldown:  3 * time.Second,
			Keywords:  []string{"bluetooth", "bt", "wireless", "remote", "shutter"},
		},
	},
	Log: LogConfig{
		File: "/var/log/audio-recorder.log",
	},
	MQTT: MQTTConfig{
		ClientID:       "psrecorder",
		StateTopic:     "psrecorder/recording",
		ControlTopic:   "psrecorder/control",
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	c := defaultConfig
	c.Input.Watchdog.Keywords = append([]string(nil), defaultConfig.Input.Watchdog.Keywords...)
	return &c
}

// Load reads configFile (optional, may be empty) on top of the defaults,
// applies PSRECORDER_* environment overrides and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Recording.Directory = expandPath(cfg.Recording.Directory)
	cfg.Bulb.CacheFile = expandPath(cfg.Bulb.CacheFile)
	cfg.Log.File = expandPath(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ResolveFile picks the config file to load: the explicit path if given,
// otherwise DefaultConfigFile when it exists, otherwise none.
func ResolveFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig

	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.format", d.Audio.Format)
	v.SetDefault("audio.device_match", d.Audio.DeviceMatch)
	v.SetDefault("audio.capture_command", d.Audio.CaptureCommand)
	v.SetDefault("audio.encoder_command", d.Audio.EncoderCommand)
	v.SetDefault("audio.encoder_preset", d.Audio.EncoderPreset)

	v.SetDefault("recording.directory", d.Recording.Directory)
	v.SetDefault("recording.prefix", d.Recording.Prefix)
	v.SetDefault("recording.extension", d.Recording.Extension)
	v.SetDefault("recording.timestamp_format", d.Recording.TimestampFormat)
	v.SetDefault("recording.group", d.Recording.Group)
	v.SetDefault("recording.file_mode", d.Recording.FileMode)
	v.SetDefault("recording.max_duration", d.Recording.MaxDuration)

	v.SetDefault("pipeline.startup_grace", d.Pipeline.StartupGrace)
	v.SetDefault("pipeline.diagnostics_wait", d.Pipeline.DiagnosticsWait)
	v.SetDefault("pipeline.capture_stop_timeout", d.Pipeline.CaptureStopTimeout)
	v.SetDefault("pipeline.encoder_stop_timeout", d.Pipeline.EncoderStopTimeout)
	v.SetDefault("pipeline.shutdown_timeout", d.Pipeline.ShutdownTimeout)

	v.SetDefault("bulb.enabled", d.Bulb.Enabled)
	v.SetDefault("bulb.alias", d.Bulb.Alias)
	v.SetDefault("bulb.cache_file", d.Bulb.CacheFile)
	v.SetDefault("bulb.broadcast_address", d.Bulb.BroadcastAddress)
	v.SetDefault("bulb.discovery_timeout", d.Bulb.DiscoveryTimeout)
	v.SetDefault("bulb.request_timeout", d.Bulb.RequestTimeout)
	v.SetDefault("bulb.power_delay", d.Bulb.PowerDelay)
	v.SetDefault("bulb.hue", d.Bulb.Hue)
	v.SetDefault("bulb.saturation", d.Bulb.Saturation)
	v.SetDefault("bulb.value", d.Bulb.Value)

	v.SetDefault("input.devices_dir", d.Input.DevicesDir)
	v.SetDefault("input.trigger_key_code", d.Input.TriggerKeyCode)
	v.SetDefault("input.poll_interval", d.Input.PollInterval)
	v.SetDefault("input.keyboard", d.Input.Keyboard)
	v.SetDefault("input.keyboard_key", d.Input.KeyboardKey)
	v.SetDefault("input.watchdog.enabled", d.Input.Watchdog.Enabled)
	v.SetDefault("input.watchdog.interval", d.Input.Watchdog.Interval)
	v.SetDefault("input.watchdog.seed_pause", d.Input.Watchdog.SeedPause)
	v.SetDefault("input.watchdog.stabilize", d.Input.Watchdog.Stabilize)
	v.SetDefault("input.watchdog.cooldown", d.Input.Watchdog.Cooldown)
	v.SetDefault("input.watchdog.keywords", d.Input.Watchdog.Keywords)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("server.listen", d.Server.Listen)

	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.state_topic", d.MQTT.StateTopic)
	v.SetDefault("mqtt.control_topic", d.MQTT.ControlTopic)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.connect_timeout", d.MQTT.ConnectTimeout)
}

// Validate checks value ranges. It does not touch the filesystem.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got: %d", c.Audio.Channels)
	}
	if c.Audio.CaptureCommand == "" {
		return fmt.Errorf("audio.capture_command is required")
	}
	if c.Audio.EncoderCommand == "" {
		return fmt.Errorf("audio.encoder_command is required")
	}

	if c.Recording.Directory == "" {
		return fmt.Errorf("recording.directory is required")
	}
	if c.Recording.Extension == "" {
		return fmt.Errorf("recording.extension is required")
	}
	if c.Recording.TimestampFormat == "" {
		return fmt.Errorf("recording.timestamp_format is required")
	}
	if _, err := c.Recording.Mode(); err != nil {
		return err
	}
	if c.Recording.MaxDuration < 0 {
		return fmt.Errorf("recording.max_duration must be >= 0, got: %s", c.Recording.MaxDuration)
	}

	if c.Pipeline.StartupGrace <= 0 {
		return fmt.Errorf("pipeline.startup_grace must be > 0, got: %s", c.Pipeline.StartupGrace)
	}
	if c.Pipeline.CaptureStopTimeout <= 0 || c.Pipeline.EncoderStopTimeout <= 0 {
		return fmt.Errorf("pipeline stop timeouts must be > 0")
	}

	if c.Bulb.Enabled {
		if c.Bulb.Alias == "" {
			return fmt.Errorf("bulb.alias is required when bulb.enabled is set")
		}
		if c.Bulb.DiscoveryTimeout <= 0 {
			return fmt.Errorf("bulb.discovery_timeout must be > 0, got: %s", c.Bulb.DiscoveryTimeout)
		}
	}
	if c.Bulb.Hue < 0 || c.Bulb.Hue > 360 {
		return fmt.Errorf("bulb.hue must be within 0-360, got: %d", c.Bulb.Hue)
	}
	if c.Bulb.Saturation < 0 || c.Bulb.Saturation > 100 {
		return fmt.Errorf("bulb.saturation must be within 0-100, got: %d", c.Bulb.Saturation)
	}
	if c.Bulb.Value < 0 || c.Bulb.Value > 100 {
		return fmt.Errorf("bulb.value must be within 0-100, got: %d", c.Bulb.Value)
	}

	// KEY_MAX is 0x2ff
	if c.Input.TriggerKeyCode <= 0 || c.Input.TriggerKeyCode > 0x2ff {
		return fmt.Errorf("input.trigger_key_code must be within 1-767, got: %d", c.Input.TriggerKeyCode)
	}
	if c.Input.PollInterval <= 0 {
		return fmt.Errorf("input.poll_interval must be > 0, got: %s", c.Input.PollInterval)
	}
	if c.Input.Keyboard && len(c.Input.KeyboardKey) != 1 {
		return fmt.Errorf("input.keyboard_key must be a single character, got: %q", c.Input.KeyboardKey)
	}
	if c.Input.Watchdog.Enabled && c.Input.Watchdog.Interval <= 0 {
		return fmt.Errorf("input.watchdog.interval must be > 0, got: %s", c.Input.Watchdog.Interval)
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.StateTopic == "" {
			return fmt.Errorf("mqtt.state_topic is required when mqtt.broker is set")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got: %d", c.MQTT.QoS)
		}
	}

	return nil
}

// Mode parses FileMode as an octal permission string.
func (r RecordingConfig) Mode() (os.FileMode, error) {
	m, err := strconv.ParseUint(r.FileMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("recording.file_mode must be an octal permission like 0664, got: %q", r.FileMode)
	}
	if m > 0o777 {
		return 0, fmt.Errorf("recording.file_mode must not exceed 0777, got: %q", r.FileMode)
	}
	return os.FileMode(m), nil
}

// TriggerCode returns the trigger key as an evdev code.
func (i InputConfig) TriggerCode() uint16 {
	return uint16(i.TriggerKeyCode)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
