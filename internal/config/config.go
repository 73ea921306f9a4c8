// Package config loads the agent configuration. Precedence is
// environment over config file over defaults; the file is optional
// unless a path is given explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/spf13/viper"

	"github.com/Acbn-Nick/webmumble/internal/capture"
	"github.com/Acbn-Nick/webmumble/internal/transport/bridge"
)

const envPrefix = "WM"

// Config is the full agent configuration.
type Config struct {
	Username string  `mapstructure:"username" json:"username"`
	Bridge   Bridge  `mapstructure:"bridge" json:"bridge"`
	Capture  Capture `mapstructure:"capture" json:"capture"`
	API      API     `mapstructure:"api" json:"api"`
	Logging  Logging `mapstructure:"logging" json:"logging"`
}

// Bridge points the agent at the websocket bridge in front of the
// Mumble server. Server and port name the Mumble server the backend
// connects to on the agent's behalf.
type Bridge struct {
	URL          string        `mapstructure:"url" json:"url"`
	Server       string        `mapstructure:"server" json:"server"`
	Port         int           `mapstructure:"port" json:"port"`
	Insecure     bool          `mapstructure:"insecure" json:"insecure"`
	Channel      string        `mapstructure:"channel" json:"channel,omitempty"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min" json:"reconnectMin"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max" json:"reconnectMax"`
}

// Capture tunes the outbound pipeline. A preset fills fps and quality
// unless they are set explicitly; other zero values fall back to the
// capture defaults.
type Capture struct {
	Display          int    `mapstructure:"display" json:"display"`
	Preset           string `mapstructure:"preset" json:"preset,omitempty"`
	FPS              int    `mapstructure:"fps" json:"fps"`
	Quality          int    `mapstructure:"quality" json:"quality"`
	MaxWidth         int    `mapstructure:"max_width" json:"maxWidth"`
	MaxHeight        int    `mapstructure:"max_height" json:"maxHeight"`
	DiffThreshold    int    `mapstructure:"diff_threshold" json:"diffThreshold"`
	KeyframeInterval int    `mapstructure:"keyframe_interval" json:"keyframeInterval"`
}

// API configures the local HTTP surface.
type API struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// Logging selects the log level.
type Logging struct {
	Level string `mapstructure:"level" json:"level"`
}

// Load reads the configuration. With an empty path the usual locations
// are searched and a missing file just means defaults; an explicit
// path must be readable. Environment variables override everything,
// WM_CAPTURE_FPS style.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("username", defaultUsername())
	v.SetDefault("bridge.url", "ws://127.0.0.1:9847/ws")
	v.SetDefault("bridge.server", "127.0.0.1")
	v.SetDefault("bridge.port", 64738)
	v.SetDefault("bridge.insecure", true)
	v.SetDefault("bridge.channel", "")
	v.SetDefault("bridge.reconnect_min", 2*time.Second)
	v.SetDefault("bridge.reconnect_max", 30*time.Second)
	v.SetDefault("capture.display", 0)
	v.SetDefault("capture.preset", "")
	v.SetDefault("capture.fps", 0)
	v.SetDefault("capture.quality", 0)
	v.SetDefault("capture.max_width", capture.DefaultMaxWidth)
	v.SetDefault("capture.max_height", capture.DefaultMaxHeight)
	v.SetDefault("capture.diff_threshold", capture.DefaultDiffThreshold)
	v.SetDefault("capture.keyframe_interval", capture.DefaultKeyframeInterval)
	v.SetDefault("api.addr", "127.0.0.1:8844")
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("webmumble")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.webmumble")
		v.AddConfigPath("/etc/webmumble")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish resolves the preset, fills remaining zero values and checks
// ranges.
func (c *Config) finish() error {
	if c.Capture.Preset != "" {
		p, err := capture.LookupPreset(c.Capture.Preset)
		if err != nil {
			return fmt.Errorf("config: unknown capture preset %q", c.Capture.Preset)
		}
		if c.Capture.FPS == 0 {
			c.Capture.FPS = p.FPS
		}
		if c.Capture.Quality == 0 {
			c.Capture.Quality = p.Quality
		}
	}
	if c.Capture.FPS == 0 {
		c.Capture.FPS = capture.DefaultFPS
	}
	if c.Capture.Quality == 0 {
		c.Capture.Quality = capture.DefaultQuality
	}

	switch {
	case c.Username == "":
		return errors.New("config: username must not be empty")
	case c.Bridge.URL == "":
		return errors.New("config: bridge.url must not be empty")
	case c.Bridge.Server == "":
		return errors.New("config: bridge.server must not be empty")
	case c.Bridge.Port < 1 || c.Bridge.Port > 65535:
		return fmt.Errorf("config: bridge.port %d out of range", c.Bridge.Port)
	case c.Bridge.ReconnectMin <= 0 || c.Bridge.ReconnectMax < c.Bridge.ReconnectMin:
		return errors.New("config: bridge reconnect bounds must satisfy 0 < min <= max")
	case c.Capture.Display < 0:
		return fmt.Errorf("config: capture.display %d must not be negative", c.Capture.Display)
	case c.Capture.FPS < 1 || c.Capture.FPS > 60:
		return fmt.Errorf("config: capture.fps %d out of range 1..60", c.Capture.FPS)
	case c.Capture.Quality < 1 || c.Capture.Quality > 100:
		return fmt.Errorf("config: capture.quality %d out of range 1..100", c.Capture.Quality)
	case c.Capture.MaxWidth < 1 || c.Capture.MaxHeight < 1:
		return errors.New("config: capture.max_width and capture.max_height must be positive")
	case c.Capture.DiffThreshold < 1:
		return errors.New("config: capture.diff_threshold must be positive")
	case c.Capture.KeyframeInterval < 1:
		return errors.New("config: capture.keyframe_interval must be positive")
	case c.API.Addr == "":
		return errors.New("config: api.addr must not be empty")
	}
	return nil
}

// CaptureParams converts the capture section into pipeline parameters.
// The user id stays empty until the bridge assigns a session id.
func (c *Config) CaptureParams() capture.Params {
	return capture.Params{
		Username:         c.Username,
		FPS:              c.Capture.FPS,
		Quality:          c.Capture.Quality,
		MaxWidth:         c.Capture.MaxWidth,
		MaxHeight:        c.Capture.MaxHeight,
		DiffThreshold:    c.Capture.DiffThreshold,
		KeyframeInterval: c.Capture.KeyframeInterval,
	}
}

// BridgeOptions converts the bridge section into client options.
func (c *Config) BridgeOptions() bridge.Options {
	return bridge.Options{
		URL:          c.Bridge.URL,
		Server:       c.Bridge.Server,
		Port:         c.Bridge.Port,
		Username:     c.Username,
		Insecure:     c.Bridge.Insecure,
		Channel:      c.Bridge.Channel,
		ReconnectMin: c.Bridge.ReconnectMin,
		ReconnectMax: c.Bridge.ReconnectMax,
	}
}

// defaultUsername derives a stable agent name from the machine id so
// repeated runs keep the same identity on the server.
func defaultUsername() string {
	if id, err := machineid.ProtectedID("webmumble"); err == nil && len(id) >= 8 {
		return "agent-" + id[:8]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "agent"
}
