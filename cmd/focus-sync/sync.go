package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"focus-sync/internal/app"
)

func syncCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending operations, pull calendar changes and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, logger, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer a.Close()

			rep, err := a.RunOnce(ctx, full)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if eerr := enc.Encode(rep); eerr != nil {
				return eerr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Force a full sync, ignoring the stored cursor")
	return cmd
}
