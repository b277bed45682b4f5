package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OCAP2/locsync/internal/icon"
)

func newIconCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "icon",
		Short: "Prepare marker icons",
	}
	cmd.AddCommand(newIconResizeCmd(a))
	return cmd
}

func newIconResizeCmd(a *app) *cobra.Command {
	var width, height int
	var label string

	cmd := &cobra.Command{
		Use:   "resize <in> <out>",
		Short: "Aspect-fit an image into width x height and write it as PNG",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := icon.ResizeFile(args[0], args[1], width, height, label); err != nil {
				return err
			}
			a.logger.Debug("Resized icon", "in", args[0], "out", args[1])
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[1])
			return nil
		},
	}
	cmd.Flags().IntVar(&width, "width", 64, "target width in pixels")
	cmd.Flags().IntVar(&height, "height", 64, "target height in pixels")
	cmd.Flags().StringVar(&label, "label", "", "text drawn under the icon")
	return cmd
}
