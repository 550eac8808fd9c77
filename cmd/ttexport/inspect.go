package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ttexport/internal/ics"
)

func newInspectCmd() *cobra.Command {
	var listEvents bool

	cmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Summarize exported ICS documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				info, err := ics.Inspect(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}

				fmt.Fprintf(out, "%s\n  prodid:    %s\n  version:   %s\n  events:    %d\n  timezones: %s\n",
					path, info.ProductID, info.Version, len(info.Events), strings.Join(info.Timezones, ", "))
				if !listEvents {
					continue
				}
				for _, ev := range info.Events {
					start := ev.Start
					if ev.StartTZ != "" {
						start += " (" + ev.StartTZ + ")"
					}
					fmt.Fprintf(out, "  - %s  %s  %s", start, ev.Summary, ev.UID)
					if ev.RRule != "" {
						fmt.Fprintf(out, "  [%s]", ev.RRule)
					}
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&listEvents, "events", false, "list every event")
	return cmd
}
