package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/audiolibrelab/screenclip/internal/config"
	"github.com/audiolibrelab/screenclip/internal/encode"
	"github.com/audiolibrelab/screenclip/internal/procutil"
	"github.com/audiolibrelab/screenclip/internal/recorder"
	"github.com/audiolibrelab/screenclip/internal/tempdir"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "screenclip",
	Short: "Record a region of the screen to GIF, WebP or MP4",
	Long: `screenclip captures a screen region as a numbered frame sequence and
transcodes it with ffmpeg into an animated GIF, an animated WebP or an MP4.

Capture falls back automatically from the native screen API to pixel
polling and finally to an ffmpeg grabber when a method fails to deliver
frames.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		var err error
		cfg, err = config.Load(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.AppliedProfile != "" {
			slog.Debug("Applied capture profile", "profile", cfg.AppliedProfile)
		}
		return nil
	},
}

func Execute() {
	if err := procutil.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: child process tracking unavailable: %v\n", err)
	}
	err := rootCmd.Execute()
	procutil.Dispose()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/screenclip.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "capture profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=ffmpeg report files")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(displaysCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(openCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch {
	case level <= 0:
		slogLevel = slog.LevelInfo
	case level == 1:
		slogLevel = slog.LevelDebug
	default:
		// ffmpeg output is logged below debug
		slogLevel = capture.LevelTrace
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))

	// ffmpeg writes a full report next to the working directory
	if level >= 3 {
		os.Setenv("FFREPORT", "file=screenclip-ffmpeg-%p-%t.log:level=40")
	}
}

// newRecorder wires the production backends, encoder and temp dir manager
// from the loaded configuration.
func newRecorder(cfg *config.Config) *recorder.Recorder {
	resolver := encode.NewResolver(cfg.Transcoder.Path)
	caps := capture.DetectPlatform()
	slog.Debug("Detected platform", "capabilities", caps.Describe())

	return recorder.New(recorder.Options{
		Factory: capture.NewFactory(capture.FactoryOptions{
			Transcoder:  resolver,
			StopTimeout: cfg.Timing.BackendStopTimeout(),
		}),
		Capabilities: caps,
		Encoder:      encode.New(resolver),
		TempDirs:     tempdir.New(cfg.Temp.Root, cfg.Temp.Prefix),
		OutputDir:    cfg.Output.Directory,
		Settings:     cfg.Settings(),
		Timings: recorder.Timings{
			PollInterval:       cfg.Timing.PollInterval(),
			StallTimeout:       cfg.Timing.StallTimeout(),
			EarlyFailureWindow: cfg.Timing.EarlyFailureWindow(),
			EncodeTimeout:      cfg.Timing.EncodeTimeout(),
		},
	})
}

// configuredRegion returns the region from the config file, or nil for the
// whole primary display.
func configuredRegion(cfg *config.Config) (*capture.Rect, error) {
	if cfg.Capture.Region == "" {
		return nil, nil
	}
	r, err := capture.ParseRect(cfg.Capture.Region)
	if err != nil {
		return nil, fmt.Errorf("capture.region: %w", err)
	}
	return &r, nil
}
