package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/threatlens/threatscan/pkg/processor"
)

func newRiskCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "risk <asset-id>",
		Short: "Show an asset's persisted risk score and linked threats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := processor.ParseAssetID(args[0])
			if err != nil {
				return err
			}
			asset, err := a.repo.GetAsset(ctx, id)
			if err != nil {
				return err
			}
			risk, err := a.repo.RiskScore(ctx, id)
			if err != nil {
				return err
			}
			threats, err := a.repo.AssetThreats(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"asset":   asset,
					"risk":    risk,
					"threats": threats,
				})
			}

			fmt.Fprintf(out, "%s (asset %d): risk %.1f via %s, last scan %s\n",
				asset.Name, asset.ID, risk.RiskScore, risk.Method, risk.LastScanAt.Format("2006-01-02 15:04:05Z07:00"))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tID\tSEVERITY\tSCORE\tNAME")
			for _, t := range threats {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%s\n", t.Source, t.ExternalID, t.Severity, t.Score, t.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
