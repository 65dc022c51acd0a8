package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/audiolibrelab/screenclip/internal/play"
	"github.com/audiolibrelab/screenclip/internal/recorder"
	"github.com/audiolibrelab/screenclip/internal/session"
	"github.com/audiolibrelab/screenclip/internal/settings"
	"github.com/dustin/go-humanize"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a screen region",
	Long: `Record a region of the screen and save it as GIF, WebP or MP4.

Recording stops on Ctrl+C or when the maximum duration is reached, then the
frames are encoded into the output directory. Press Ctrl+C a second time to
discard the recording instead of saving it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := recordSettings(cmd, cfg.Settings())
		if err != nil {
			return err
		}

		region, err := configuredRegion(cfg)
		if err != nil {
			return err
		}
		if spec, _ := cmd.Flags().GetString("region"); spec != "" {
			r, err := capture.ParseRect(spec)
			if err != nil {
				return err
			}
			region = &r
		}
		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			cfg.Output.Directory = dir
		}

		rec := newRecorder(cfg)
		if err := rec.SetSettings(s); err != nil {
			return fmt.Errorf("invalid capture settings: %w", err)
		}

		done := make(chan recorder.Result, 1)
		err = rec.Start(context.Background(), recorder.StartOptions{
			Region:     region,
			OnComplete: func(res recorder.Result) { done <- res },
		})
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		slog.Info("Recording - press Ctrl+C to stop",
			"format", s.OutputFormat,
			"fps", s.CaptureFPS(),
			"max_duration", time.Duration(s.MaxDurationSeconds)*time.Second)

		sigChan := make(chan os.Signal, 2)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		updates, unsubscribe := rec.Subscribe()
		defer unsubscribe()

		stopping := false
		for {
			select {
			case snap := <-updates:
				printProgress(snap)

			case <-sigChan:
				if !stopping {
					stopping = true
					fmt.Fprintln(os.Stderr)
					slog.Info("Stopping recording... press Ctrl+C again to discard")
					go rec.Stop(context.Background())
					continue
				}
				if err := rec.Cancel(); errors.Is(err, recorder.ErrBusy) {
					fmt.Fprintln(os.Stderr)
					return fmt.Errorf("interrupted while saving; leftover frames are removed on the next run")
				}

			case res := <-done:
				fmt.Fprintln(os.Stderr)
				if verboseLevel >= 1 {
					logDiagnostics(rec.Diagnostics())
				}
				if errors.Is(res.Err, recorder.ErrCanceled) {
					slog.Info("Recording discarded", "session", res.SessionID)
					return nil
				}
				if res.Err != nil {
					return res.Err
				}
				fmt.Printf("Saved %s (%d frames, %s, %s)\n",
					res.OutputPath, res.FrameCount, res.Duration.Round(100*time.Millisecond), res.Method.DisplayName())
				if open, _ := cmd.Flags().GetBool("open"); open {
					if err := play.New().Open(res.OutputPath); err != nil {
						slog.Warn("Could not open recording", "error", err)
					}
				}
				return nil
			}
		}
	},
}

// recordSettings applies the command line overrides to base.
func recordSettings(cmd *cobra.Command, base settings.Settings) (settings.Settings, error) {
	s := base
	flags := cmd.Flags()
	if flags.Changed("format") {
		v, _ := flags.GetString("format")
		f, err := settings.ParseFormat(v)
		if err != nil {
			return s, err
		}
		s.OutputFormat = f
	}
	if flags.Changed("fps") {
		s.TargetFPS, _ = flags.GetInt("fps")
	}
	if flags.Changed("quality") {
		s.Quality, _ = flags.GetInt("quality")
	}
	if flags.Changed("max-duration") {
		d, _ := flags.GetDuration("max-duration")
		s.MaxDurationSeconds = int(d.Round(time.Second) / time.Second)
	}
	if flags.Changed("scale") {
		s.ScaleFactor, _ = flags.GetFloat64("scale")
	}
	if flags.Changed("fast-preview") {
		s.FastPreviewMode, _ = flags.GetBool("fast-preview")
	}
	if n := s.Normalize(); n != s {
		slog.Warn("Capture settings clamped into range",
			"fps", n.TargetFPS, "quality", n.Quality, "max_duration_seconds", n.MaxDurationSeconds, "scale", n.ScaleFactor)
		s = n
	}
	return s, s.Validate()
}

// logDiagnostics dumps the capture method history at debug level.
func logDiagnostics(d recorder.DiagnosticsReport) {
	slog.Debug("Capture diagnostics", "session", d.SessionID, "transcoder", d.TranscoderPath, "platform", d.Platform.Describe())
	for _, a := range d.Attempts {
		slog.Debug("Backend attempt", "method", a.Method, "at", a.At.Format(time.TimeOnly), "error", a.Error)
	}
	for _, t := range d.Transitions {
		slog.Debug("Fallback", "from", t.From, "to", t.To, "reason", t.Reason)
	}
	for m, n := range d.FramesPerMethod {
		slog.Debug("Frames captured", "method", m, "frames", n)
	}
	if d.LastDiagnostic != "" {
		slog.Debug("Last diagnostic", "message", d.LastDiagnostic)
	}
	if d.TranscoderTail != "" {
		slog.Debug("Transcoder output", "stderr", d.TranscoderTail)
	}
}

// printProgress rewrites a single status line on stderr.
func printProgress(snap session.Snapshot) {
	switch {
	case snap.IsSaving:
		fmt.Fprintf(os.Stderr, "\r\033[KSaving %s... %d%%", snap.OutputFormat, snap.SaveProgressPercent)
	case snap.IsRecording:
		state := "REC"
		if snap.IsPaused {
			state = "PAUSED"
		}
		fmt.Fprintf(os.Stderr, "\r\033[K%s %s | %d frames | ~%s | %s",
			state,
			snap.Duration.Truncate(time.Second),
			snap.FrameCount,
			humanize.Bytes(uint64(snap.EstimatedSizeBytes)),
			snap.ActiveCaptureMethod)
	}
}

func init() {
	defineRecordFlags(recordCmd)
}

func defineRecordFlags(c *cobra.Command) {
	c.Flags().String("region", "", "capture region as x,y,width,height (default: primary display)")
	c.Flags().StringP("format", "f", "", "output format: gif, webp or mp4 (overrides config)")
	c.Flags().Int("fps", 0, "target frames per second (overrides config)")
	c.Flags().IntP("quality", "q", 0, "quality 1-50 (overrides config)")
	c.Flags().Duration("max-duration", 0, "stop automatically after this long, e.g. 30s (overrides config)")
	c.Flags().Float64("scale", 0, "scale factor applied to captured frames (overrides config)")
	c.Flags().Bool("fast-preview", false, "smaller, faster GIF encoding")
	c.Flags().StringP("output", "o", "", "output directory (overrides config)")
	c.Flags().Bool("open", false, "open the recording in the system viewer once saved")
}
