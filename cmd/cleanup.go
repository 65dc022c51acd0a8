package cmd

import (
	"fmt"

	"github.com/audiolibrelab/screenclip/internal/tempdir"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove frame directories left behind by crashed sessions",
	Long: `Remove temporary frame directories whose owning screenclip process is no
longer running. Directories of live sessions are left alone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := tempdir.New(cfg.Temp.Root, cfg.Temp.Prefix).CleanupStale()
		for _, dir := range removed {
			fmt.Printf("removed %s\n", dir)
		}
		if err != nil {
			return fmt.Errorf("cleanup incomplete: %w", err)
		}
		if len(removed) == 0 {
			fmt.Println("Nothing to clean up")
		}
		return nil
	},
}
