package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"focus-sync/internal/migrate"
)

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded MySQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.MySQL.DSN == "" {
				return errors.New("MYSQL_DSN is required")
			}
			ctx := cmd.Context()
			if !status {
				return migrate.Run(ctx, cfg.MySQL.DSN, logger)
			}

			all, err := migrate.Status(ctx, cfg.MySQL.DSN)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tFILE\tAPPLIED")
			for _, m := range all {
				fmt.Fprintf(tw, "%04d\t%s\t%t\n", m.Version, m.File, m.Applied)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "List migrations and whether they are applied")
	return cmd
}
