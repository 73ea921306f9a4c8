package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Acbn-Nick/webmumble/internal/capture"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webmumble.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Username)
	assert.Equal(t, capture.DefaultFPS, cfg.Capture.FPS)
	assert.Equal(t, capture.DefaultQuality, cfg.Capture.Quality)
	assert.Equal(t, capture.DefaultMaxWidth, cfg.Capture.MaxWidth)
	assert.Equal(t, capture.DefaultMaxHeight, cfg.Capture.MaxHeight)
	assert.Equal(t, 2*time.Second, cfg.Bridge.ReconnectMin)
	assert.Equal(t, 30*time.Second, cfg.Bridge.ReconnectMax)
	assert.Equal(t, "127.0.0.1", cfg.Bridge.Server)
	assert.Equal(t, 64738, cfg.Bridge.Port)
	assert.True(t, cfg.Bridge.Insecure)
	assert.NotEmpty(t, cfg.Bridge.URL)
	assert.NotEmpty(t, cfg.API.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
username: demo
bridge:
  url: ws://bridge:9000/ws
  channel: ops
capture:
  fps: 6
  quality: 80
  max_width: 800
  max_height: 600
api:
  addr: 127.0.0.1:9999
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Username)
	assert.Equal(t, "ws://bridge:9000/ws", cfg.Bridge.URL)
	assert.Equal(t, "ops", cfg.Bridge.Channel)
	assert.Equal(t, 6, cfg.Capture.FPS)
	assert.Equal(t, 80, cfg.Capture.Quality)
	assert.Equal(t, 800, cfg.Capture.MaxWidth)
	assert.Equal(t, 600, cfg.Capture.MaxHeight)
	assert.Equal(t, capture.DefaultDiffThreshold, cfg.Capture.DiffThreshold,
		"unset keys keep their defaults")
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err, "an explicit config path must exist")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("WM_CAPTURE_FPS", "4")
	t.Setenv("WM_BRIDGE_URL", "ws://env-bridge:1/ws")
	cfg, err := Load(writeConfig(t, "capture:\n  fps: 12\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Capture.FPS)
	assert.Equal(t, "ws://env-bridge:1/ws", cfg.Bridge.URL)
}

func TestPresetFillsRates(t *testing.T) {
	cfg, err := Load(writeConfig(t, "capture:\n  preset: bandwidth\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Capture.FPS)
	assert.Equal(t, 35, cfg.Capture.Quality)

	cfg, err = Load(writeConfig(t, "capture:\n  preset: bandwidth\n  quality: 90\n"))
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Capture.Quality, "explicit quality wins over the preset")
	assert.Equal(t, 4, cfg.Capture.FPS)
}

func TestUnknownPresetRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "capture:\n  preset: turbo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preset")
}

func TestRangeValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"fps too high", "capture:\n  fps: 200\n"},
		{"quality too high", "capture:\n  quality: 150\n"},
		{"negative display", "capture:\n  display: -1\n"},
		{"broken max width", "capture:\n  max_width: -3\n"},
		{"inverted reconnect bounds", "bridge:\n  reconnect_min: 10s\n  reconnect_max: 2s\n"},
		{"port out of range", "bridge:\n  port: 70000\n"},
		{"empty username", "username: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestCaptureParams(t *testing.T) {
	cfg, err := Load(writeConfig(t, "username: demo\ncapture:\n  fps: 6\n  quality: 70\n"))
	require.NoError(t, err)
	p := cfg.CaptureParams()
	assert.Empty(t, p.UserID, "session id is assigned by the bridge, not config")
	assert.Equal(t, "demo", p.Username)
	assert.Equal(t, 6, p.FPS)
	assert.Equal(t, 70, p.Quality)
	assert.Equal(t, capture.DefaultMaxWidth, p.MaxWidth)
}

func TestBridgeOptions(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
username: demo
bridge:
  url: ws://bridge:9000/ws
  server: mumble.example.net
  port: 64739
  channel: "3"
`))
	require.NoError(t, err)
	opts := cfg.BridgeOptions()
	assert.Equal(t, "ws://bridge:9000/ws", opts.URL)
	assert.Equal(t, "mumble.example.net", opts.Server)
	assert.Equal(t, 64739, opts.Port)
	assert.Equal(t, "demo", opts.Username)
	assert.Equal(t, "3", opts.Channel)
	assert.Equal(t, 2*time.Second, opts.ReconnectMin)
}