package cmd

import (
	"github.com/audiolibrelab/screenclip/internal/play"

	"github.com/spf13/cobra"
)

var openCmd = &cobra.Command{
	Use:   "open [file]",
	Short: "Open a recording in the system viewer",
	Long:  `Open the given recording, or the newest one in the output directory when no file is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			latest, err := play.Latest(cfg.Output.Directory)
			if err != nil {
				return err
			}
			path = latest
		}
		return play.New().Open(path)
	},
}
