package cmd

import (
	"fmt"

	"github.com/audiolibrelab/screenclip/internal/capture"

	"github.com/spf13/cobra"
)

var displaysCmd = &cobra.Command{
	Use:   "displays",
	Short: "List active displays and their bounds",
	Long:  `List the active displays with the x,y,width,height values accepted by record --region.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		displays := capture.ListDisplays()
		if len(displays) == 0 {
			return fmt.Errorf("no active displays found")
		}

		fmt.Printf("Displays (%d found):\n", len(displays))
		for i, d := range displays {
			primary := ""
			if i == 0 {
				primary = " (primary)"
			}
			fmt.Printf("  %d. %dx%d at %d,%d  --region %s%s\n", i, d.Width, d.Height, d.X, d.Y, d.String(), primary)
		}
		return nil
	},
}
