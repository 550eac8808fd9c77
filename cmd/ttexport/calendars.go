package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ttexport/internal/export"
	"ttexport/internal/model"
)

func newCalendarsCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "calendars",
		Short: "List the active calendars of a TimeTree account",
		Long: `calendars signs in with the given account and prints the alias code and
name of every active calendar, for use as calendar_alias in the config.

The password may also be given in the TTEXPORT_PASSWORD environment variable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("TTEXPORT_PASSWORD")
			}
			if email == "" || password == "" {
				return errors.New("--email and --password (or TTEXPORT_PASSWORD) are required")
			}

			client := newClient(conf)
			session, err := client.Authenticate(cmd.Context(), model.Credential{Email: email, Password: password})
			if err != nil {
				return err
			}
			metas, err := client.FetchMetadata(cmd.Context(), session)
			if err != nil {
				return err
			}

			active := export.ActiveCalendars(metas)
			if len(active) == 0 {
				return export.ErrNoActiveCalendars
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tNAME\tID")
			for _, m := range active {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.AliasCode, m.Name, m.ID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "TimeTree account email")
	cmd.Flags().StringVar(&password, "password", "", "TimeTree account password")
	return cmd
}
