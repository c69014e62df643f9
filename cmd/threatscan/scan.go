package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/threatlens/threatscan/pkg/pipeline"
	"github.com/threatlens/threatscan/pkg/processor"
	"github.com/threatlens/threatscan/pkg/scheduler"
)

func newScanCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "scan [asset-id]",
		Short: "Scan one asset, or every asset with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := pipeline.Build(ctx, a.cfg, a.repo, a.log)
			if err != nil {
				return err
			}
			defer p.Close()

			if all {
				spec := a.cfg.Scan.RescanSchedule
				if spec == "" {
					spec = "@daily"
				}
				sched, err := scheduler.New(spec, a.repo, p.Orchestrator, a.cfg.Scan.RescanTimeoutDuration(), a.log)
				if err != nil {
					return err
				}
				sum := sched.RunAll(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d assets, %d failed\n", sum.Scanned, sum.Failed)
				if sum.Failed > 0 {
					return fmt.Errorf("%d scans failed", sum.Failed)
				}
				return nil
			}

			id, err := processor.ParseAssetID(args[0])
			if err != nil {
				return err
			}
			res, err := p.Orchestrator.Run(ctx, id)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "scan every registered asset")
	return cmd
}
