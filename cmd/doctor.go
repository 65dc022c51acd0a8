package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/audiolibrelab/screenclip/internal/encode"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check capture support and the ffmpeg installation",
	Long:  `Show which capture methods will be tried on this machine, where ffmpeg was found and the resolved paths screenclip writes to.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		caps := capture.DetectPlatform()

		fmt.Printf("=== CAPTURE ===\n")
		fmt.Printf("os: %s\n", caps.OS)
		fmt.Printf("native_capture: %t\n", caps.HasNativeCapture)
		if caps.Reason != "" {
			fmt.Printf("reason: %s\n", caps.Reason)
		}
		names := make([]string, 0, len(caps.FallbackOrder))
		for _, m := range caps.FallbackOrder {
			names = append(names, m.DisplayName())
		}
		fmt.Printf("fallback_order: %s\n", strings.Join(names, " -> "))
		fmt.Printf("displays: %d\n", len(capture.ListDisplays()))

		fmt.Printf("\n=== TRANSCODER ===\n")
		healthy := true
		if path, err := encode.NewResolver(cfg.Transcoder.Path).Path(); err != nil {
			healthy = false
			fmt.Printf("ffmpeg: MISSING\n  %v\n", err)
		} else {
			fmt.Printf("ffmpeg: %s\n", path)
		}

		fmt.Printf("\n=== PATHS ===\n")
		fmt.Printf("config: %s\n", cfgFile)
		fmt.Printf("output_directory: %s\n", cfg.Output.Directory)
		tempRoot := cfg.Temp.Root
		if tempRoot == "" {
			tempRoot = os.TempDir()
		}
		fmt.Printf("temp_frames: %s\n", filepath.Join(tempRoot, cfg.Temp.Prefix+"*"))

		if !healthy {
			return fmt.Errorf("ffmpeg is required to save recordings")
		}
		return nil
	},
}
