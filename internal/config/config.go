// Package config loads and validates the runtime configuration.
//
// Configuration comes from a TOML file, with every option overridable by a
// CLI flag. A loaded Config is immutable; runtime changes go through the
// pipeline's configuration checkpoint, which re-reads the file and bumps the
// epoch.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// Sink targets.
const (
	SinkWindow = "window"
	SinkNull   = "null"
	// anything else is treated as an output video file path
)

// Config is the full runtime configuration.
type Config struct {
	// Input. SourcePath takes precedence over the device when set.
	SourceDeviceID int    `toml:"source_device_id"`
	SourcePath     string `toml:"source_path"`
	SourceLoop     bool   `toml:"source_loop"`
	TargetFPS      int    `toml:"target_fps"`

	// Identity and model selection.
	ModelName  string `toml:"model_name"`
	ModelDir   string `toml:"model_dir"`
	SourceFace string `toml:"source_face"` // image file of the identity to swap in

	// Tracking.
	DetectEveryNFrames    int     `toml:"detect_every_n_frames"`
	TrackingLossThreshold int     `toml:"tracking_loss_threshold"`
	MinDetectScore        float64 `toml:"min_detect_score"`

	// Compositing.
	MaskFeatherRadius int  `toml:"mask_feather_radius"`
	MaskErosion       int  `toml:"mask_erosion"`
	ColorMatchEnabled bool `toml:"color_match_enabled"`

	// Output and scheduling.
	OutputSinkTarget string `toml:"output_sink_target"`
	QueueCapacity    int    `toml:"queue_capacity"`

	// Runtime environment.
	LocatorModel string `toml:"locator_model"` // face detection artifact
	EncoderModel string `toml:"encoder_model"` // identity embedding artifact
	ORTLibrary   string `toml:"ort_library"`   // onnxruntime shared library path
	LogLevel     string `toml:"log_level"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		SourceDeviceID:        0,
		TargetFPS:             30,
		ModelName:             "inswapper_128",
		ModelDir:              "models",
		DetectEveryNFrames:    5,
		TrackingLossThreshold: 10,
		MinDetectScore:        0.5,
		MaskFeatherRadius:     15,
		MaskErosion:           5,
		ColorMatchEnabled:     true,
		OutputSinkTarget:      SinkWindow,
		QueueCapacity:         2,
		LocatorModel:          "models/scrfd_2.5g.onnx",
		EncoderModel:          "models/arcface_w600k_r50.onnx",
		LogLevel:              "info",
	}
}

// Load reads the TOML file at path over the defaults. A missing file is an
// error; use Default directly for a file-less setup.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}

	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, errors.Newf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks option ranges and cross-option consistency.
func (c Config) Validate() error {
	if c.SourcePath == "" && c.SourceDeviceID < 0 {
		return errors.Newf("source_device_id must be >= 0, got %d", c.SourceDeviceID)
	}
	if c.TargetFPS < 1 || c.TargetFPS > 240 {
		return errors.Newf("target_fps must be in [1,240], got %d", c.TargetFPS)
	}
	if c.ModelName == "" {
		return errors.New("model_name must be set")
	}
	if c.SourceFace == "" {
		return errors.New("source_face must point at an identity image")
	}
	if c.DetectEveryNFrames < 1 {
		return errors.Newf("detect_every_n_frames must be >= 1, got %d", c.DetectEveryNFrames)
	}
	if c.TrackingLossThreshold < 1 {
		return errors.Newf("tracking_loss_threshold must be >= 1, got %d", c.TrackingLossThreshold)
	}
	if c.MinDetectScore <= 0 || c.MinDetectScore >= 1 {
		return errors.Newf("min_detect_score must be in (0,1), got %g", c.MinDetectScore)
	}
	if c.MaskFeatherRadius < 0 {
		return errors.Newf("mask_feather_radius must be >= 0, got %d", c.MaskFeatherRadius)
	}
	if c.MaskErosion < 0 {
		return errors.Newf("mask_erosion must be >= 0, got %d", c.MaskErosion)
	}
	if c.QueueCapacity < 1 || c.QueueCapacity > 16 {
		return errors.Newf("queue_capacity must be in [1,16], got %d", c.QueueCapacity)
	}
	if c.OutputSinkTarget == "" {
		return errors.New("output_sink_target must be set")
	}
	return nil
}

// UsesFile reports whether the input is a video file rather than a device.
func (c Config) UsesFile() bool {
	return c.SourcePath != ""
}
