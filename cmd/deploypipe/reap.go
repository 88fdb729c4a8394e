package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newReapCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Expire stuck executions and re-enqueue stale queued ones once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			reaper, err := a.reaper()
			if err != nil {
				return err
			}
			report, err := reaper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(opts.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
