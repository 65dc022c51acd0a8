package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/screenclip/internal/encode"
	"github.com/audiolibrelab/screenclip/internal/framesink"
	"github.com/audiolibrelab/screenclip/internal/settings"
	"github.com/audiolibrelab/screenclip/internal/tempdir"
	"github.com/dustin/go-humanize"

	"github.com/spf13/cobra"
)

var encodeCmd = &cobra.Command{
	Use:   "encode [frames-dir]",
	Short: "Encode an existing frame directory",
	Long: `Encode a directory of frame_NNNNNN.jpg files, for example one kept from an
interrupted recording, into GIF, WebP or MP4 using the configured quality.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := recordSettings(cmd, cfg.Settings())
		if err != nil {
			return err
		}
		outputDir := cfg.Output.Directory
		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			outputDir = dir
		}

		sink := framesink.New(args[0])
		if _, err := sink.Poll(); err != nil {
			return err
		}
		if sink.Count() == 0 {
			return fmt.Errorf("no frame files found in %s", args[0])
		}
		slog.Info("Found frames", "dir", args[0], "frames", sink.Count(), "size", humanize.Bytes(uint64(sink.Bytes())))

		dirs := tempdir.New(cfg.Temp.Root, cfg.Temp.Prefix)
		workDir, err := dirs.CreateSessionDir()
		if err != nil {
			return err
		}
		defer dirs.Cleanup(workDir)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		job := encode.Job{
			Frames:      sink.Paths(),
			Format:      s.OutputFormat,
			NominalFPS:  s.TargetFPS,
			Quality:     s.Quality,
			FastPreview: s.FastPreviewMode,
			OutputDir:   outputDir,
			WorkDir:     workDir,
		}
		if s.OutputFormat == settings.FormatGIF {
			job.FPSCap = s.GIFFrameRateCap()
		}

		enc := encode.New(encode.NewResolver(cfg.Transcoder.Path))
		out, err := enc.Encode(ctx, job, func(p int) {
			fmt.Fprintf(os.Stderr, "\r\033[KEncoding %s... %d%%", s.OutputFormat, p)
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	encodeCmd.Flags().StringP("format", "f", "", "output format: gif, webp or mp4 (overrides config)")
	encodeCmd.Flags().Int("fps", 0, "frame rate the frames were captured at (overrides config)")
	encodeCmd.Flags().IntP("quality", "q", 0, "quality 1-50 (overrides config)")
	encodeCmd.Flags().Bool("fast-preview", false, "smaller, faster GIF encoding")
	encodeCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}
