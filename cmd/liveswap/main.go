// Command liveswap runs the real-time face replacement pipeline: capture,
// detect, track, swap, composite, display.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/visagelab/liveswap/internal/compositor"
	"github.com/visagelab/liveswap/internal/config"
	"github.com/visagelab/liveswap/internal/inference"
	"github.com/visagelab/liveswap/internal/locator"
	"github.com/visagelab/liveswap/internal/modelstore"
	"github.com/visagelab/liveswap/internal/pipeline"
	"github.com/visagelab/liveswap/internal/runner"
	"github.com/visagelab/liveswap/internal/sink"
	"github.com/visagelab/liveswap/internal/source"
	"github.com/visagelab/liveswap/internal/tracker"
)

const (
	detectInputSize = 640
	nmsThreshold    = 0.4
)

func init() {
	// The preview window is created and pumped on the main goroutine; highgui
	// needs all of its UI calls pinned to the main OS thread on macOS.
	runtime.LockOSThread()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	sourceFace string
	inputPath  string
	deviceID   int
	modelName  string
	sinkTarget string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags cliFlags

	root := &cobra.Command{
		Use:          "liveswap",
		Short:        "Real-time face replacement over a video stream",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn, or error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until interrupted or the input ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			return run(cmd.Context(), cfg, log)
		},
	}
	runCmd.Flags().StringVarP(&flags.sourceFace, "source-face", "s", "", "image of the identity to swap in")
	runCmd.Flags().StringVarP(&flags.inputPath, "input", "i", "", "video file input (default: capture device)")
	runCmd.Flags().IntVarP(&flags.deviceID, "camera", "c", -1, "capture device index")
	runCmd.Flags().StringVarP(&flags.modelName, "model", "m", "", "swap model name from the model directory")
	runCmd.Flags().StringVarP(&flags.sinkTarget, "sink", "o", "", "window, null, or an output video path")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List swap models available in the model directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			store, err := modelstore.New(cfg.ModelDir, log)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, name := range store.Available() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	root.AddCommand(runCmd, modelsCmd)
	return root
}

// setup resolves the layered configuration (defaults < file < flags) and
// builds the logger.
func setup(cmd *cobra.Command, flags cliFlags) (config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return cfg, nil, err
		}
		cfg = loaded
	}

	if flags.sourceFace != "" {
		cfg.SourceFace = flags.sourceFace
	}
	if flags.inputPath != "" {
		cfg.SourcePath = flags.inputPath
	}
	if flags.deviceID >= 0 {
		cfg.SourceDeviceID = flags.deviceID
	}
	if flags.modelName != "" {
		cfg.ModelName = flags.modelName
	}
	if flags.sinkTarget != "" {
		cfg.OutputSinkTarget = flags.sinkTarget
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	if cmd.Name() == "run" {
		if err := cfg.Validate(); err != nil {
			return cfg, nil, err
		}
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "parse log level %q", level)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if err := inference.Initialize(cfg.ORTLibrary); err != nil {
		return err
	}
	defer inference.Shutdown() //nolint:errcheck

	loc, err := locator.New(cfg.LocatorModel, detectInputSize,
		float32(cfg.MinDetectScore), nmsThreshold)
	if err != nil {
		return err
	}
	defer loc.Close()

	embedding, err := sourceEmbedding(cfg, loc, log)
	if err != nil {
		return err
	}

	store, err := modelstore.New(cfg.ModelDir, log)
	if err != nil {
		return err
	}
	defer store.Close()

	handle, err := store.Load(cfg.ModelName, embedding)
	if err != nil {
		return err
	}

	swapRunner := runner.New()
	swapRunner.SetHandle(handle)
	defer swapRunner.Close()

	trkCfg := tracker.DefaultConfig()
	trkCfg.CropSize = handle.CropSize()
	trkCfg.DetectEveryN = cfg.DetectEveryNFrames
	trkCfg.LossThreshold = cfg.TrackingLossThreshold
	trkCfg.MinScore = float32(cfg.MinDetectScore)
	trk := tracker.New(trkCfg, log)

	comp := compositor.New(compositor.Config{
		ColorMatch:    cfg.ColorMatchEnabled,
		FeatherRadius: cfg.MaskFeatherRadius,
		MaskErosion:   cfg.MaskErosion,
	}, log)

	src, err := openSource(cfg, log)
	if err != nil {
		return err
	}
	defer src.Close()

	// The preview window's quit key drains the pipeline; p exists before the
	// first frame can reach the sink.
	var p *pipeline.Pipeline
	out, err := openSink(cfg, func() { p.Drain() }, log)
	if err != nil {
		return err
	}
	defer out.Close()

	p = pipeline.New(pipeline.Config{QueueCapacity: cfg.QueueCapacity},
		src, out, loc, trk, swapRunner, comp, log)

	if err := p.Start(ctx); err != nil {
		return err
	}
	log.Info("pipeline running",
		zap.String("run_id", p.RunID()),
		zap.String("model", cfg.ModelName),
		zap.String("sink", cfg.OutputSinkTarget))

	runErr := make(chan error, 1)
	stopPump := make(chan struct{})
	go func() {
		runErr <- supervise(p, log)
		close(stopPump)
	}()

	// highgui display must stay on the locked main thread; the sink worker
	// only hands frames over, and everything else runs on the supervisor.
	if w, ok := out.(*sink.Window); ok {
		w.Pump(stopPump)
	}
	return <-runErr
}

// supervise waits for the run to finish, relaying signals and periodic stage
// timings. First signal drains gracefully; a second one aborts.
func supervise(p *pipeline.Pipeline, log *zap.Logger) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	timingTicker := time.NewTicker(5 * time.Second)
	defer timingTicker.Stop()

	for {
		select {
		case <-timingTicker.C:
			timing := p.LastTiming()
			if timing.Total > 0 {
				log.Debug("stage timings",
					zap.Duration("detect", timing.Detection),
					zap.Duration("align", timing.Alignment),
					zap.Duration("swap", timing.Swap),
					zap.Duration("merge", timing.Merge),
					zap.Duration("total", timing.Total),
					zap.Uint64("dropped", p.Stats().Dropped))
			}
		case <-sigCh:
			if p.State() == pipeline.StateDraining {
				log.Warn("second interrupt, aborting")
				p.Stop()
				return p.Err()
			}
			log.Info("interrupt received, draining")
			p.Drain()
		case err := <-done:
			stats := p.Stats()
			log.Info("run finished",
				zap.Uint64("frames_in", stats.FramesIn),
				zap.Uint64("frames_out", stats.FramesOut),
				zap.Uint64("dropped", stats.Dropped),
				zap.Uint64("swapped", stats.Swapped),
				zap.Uint64("no_face", stats.NoFace))
			return err
		}
	}
}

func openSource(cfg config.Config, log *zap.Logger) (pipeline.Source, error) {
	if cfg.UsesFile() {
		return source.OpenFile(source.FileOptions{
			Path:     cfg.SourcePath,
			Loop:     cfg.SourceLoop,
			Realtime: true,
		}, log)
	}
	return source.OpenCamera(source.CameraOptions{
		DeviceID:  cfg.SourceDeviceID,
		TargetFPS: cfg.TargetFPS,
	}, log)
}

func openSink(cfg config.Config, quit func(), log *zap.Logger) (pipeline.Sink, error) {
	switch cfg.OutputSinkTarget {
	case config.SinkWindow:
		return sink.NewWindow("liveswap", func(key int) {
			if key == 'q' || key == 27 {
				quit()
			}
		}), nil
	case config.SinkNull:
		return sink.NewNull(), nil
	default:
		return sink.NewVideoWriter(cfg.OutputSinkTarget, float64(cfg.TargetFPS), log), nil
	}
}
