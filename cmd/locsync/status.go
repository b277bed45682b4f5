package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/OCAP2/locsync/internal/api"
	"github.com/OCAP2/locsync/internal/config"
)

func newStatusCmd(a *app) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync state and markers of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				serverURL = localURL(config.GetSinksConfig().HTTP.Address)
			}
			c := api.New(serverURL)
			ctx := cmd.Context()

			health, err := c.Healthcheck(ctx)
			if err != nil {
				return err
			}
			snap, err := c.Markers(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "group %s: %d markers", snap.GroupID, len(snap.Markers))
			if health.Loop != nil {
				fmt.Fprintf(out, ", loop %s, %d ticks, %d skipped, %d fetch errors, %d render errors",
					health.Loop.State, health.Loop.Ticks, health.Loop.SkippedTicks,
					health.Loop.FetchErrors, health.Loop.RenderErrors)
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MEMBER\tLAT\tLON")
			for _, m := range snap.Markers {
				fmt.Fprintf(w, "%s\t%.6f\t%.6f\n", m.DisplayLabel, m.Coordinate.Latitude, m.Coordinate.Longitude)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of the instance (default: the configured http address)")
	return cmd
}

// localURL turns a listen address such as ":8080" into a URL on localhost.
func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
