package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ttexport/internal/export"
	"ttexport/internal/scheduler"
	"ttexport/internal/telemetry"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Export every configured tenant once and exit",
		Long: `once runs the export of every configured tenant a single time, prints a
summary and exits non-zero if any tenant failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			tp, err := telemetry.Setup(telemetry.Config{ServiceVersion: version, Stdout: conf.Tracing.Stdout})
			if err != nil {
				return err
			}
			defer func() { _ = tp.Shutdown(context.WithoutCancel(cmd.Context())) }()

			sched := scheduler.New(newPipeline(conf), scheduler.WithRunTimeout(conf.RunTimeout))
			defer func() { _ = sched.Stop(context.WithoutCancel(cmd.Context())) }()

			hooks, err := registerAll(cmd.Context(), sched, tenantConfigs(conf))
			defer func() {
				for _, h := range hooks {
					_ = h.Wait(context.WithoutCancel(cmd.Context()))
				}
			}()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TENANT\tSTATUS\tEVENTS\tSIZE\tOUTPUT\tERROR")
			failed := 0
			for _, t := range sched.Tenants() {
				snap := t.Snapshot()
				events, msg := "-", ""
				if snap.EventCount != nil {
					events = fmt.Sprint(*snap.EventCount)
				}
				if snap.Status == export.StatusError {
					failed++
					msg = *snap.LastError
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f kB\t%s\t%s\n",
					snap.Name, snap.Status, events, snap.OutputKB, snap.OutputPath, msg)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tenants failed", failed, len(conf.Tenants))
			}
			return nil
		},
	}
}
