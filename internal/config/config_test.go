package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liveswap.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
source_path = "clips/demo.mp4"
source_face = "faces/actor.png"
model_name = "simswap_512"
detect_every_n_frames = 3
color_match_enabled = false
queue_capacity = 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "clips/demo.mp4", cfg.SourcePath)
	assert.True(t, cfg.UsesFile())
	assert.Equal(t, "simswap_512", cfg.ModelName)
	assert.Equal(t, 3, cfg.DetectEveryNFrames)
	assert.False(t, cfg.ColorMatchEnabled)
	assert.Equal(t, 1, cfg.QueueCapacity)

	// untouched options keep their defaults
	assert.Equal(t, 30, cfg.TargetFPS)
	assert.Equal(t, 10, cfg.TrackingLossThreshold)
	assert.Equal(t, SinkWindow, cfg.OutputSinkTarget)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
source_face = "faces/actor.png"
frobnicate = true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frobnicate")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	base := Default()
	base.SourceFace = "faces/actor.png"
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative device", func(c *Config) { c.SourceDeviceID = -1 }},
		{"zero fps", func(c *Config) { c.TargetFPS = 0 }},
		{"absurd fps", func(c *Config) { c.TargetFPS = 1000 }},
		{"empty model", func(c *Config) { c.ModelName = "" }},
		{"no source face", func(c *Config) { c.SourceFace = "" }},
		{"zero duty cycle", func(c *Config) { c.DetectEveryNFrames = 0 }},
		{"zero loss threshold", func(c *Config) { c.TrackingLossThreshold = 0 }},
		{"score out of range", func(c *Config) { c.MinDetectScore = 1.5 }},
		{"negative feather", func(c *Config) { c.MaskFeatherRadius = -1 }},
		{"zero queue", func(c *Config) { c.QueueCapacity = 0 }},
		{"oversized queue", func(c *Config) { c.QueueCapacity = 64 }},
		{"empty sink", func(c *Config) { c.OutputSinkTarget = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFilePathSkipsDeviceCheck(t *testing.T) {
	cfg := Default()
	cfg.SourceFace = "faces/actor.png"
	cfg.SourcePath = "clips/demo.mp4"
	cfg.SourceDeviceID = -1

	assert.NoError(t, cfg.Validate())
}
