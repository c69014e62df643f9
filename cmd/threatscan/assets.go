package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/threatlens/threatscan/pkg/assets"
)

func newAssetsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Manage the asset inventory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.csv>",
		Short: "Insert or update assets from a CSV inventory export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			list, err := assets.ReadCSV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			for i := range list {
				if err := a.repo.UpsertAsset(cmd.Context(), &list[i]); err != nil {
					return err
				}
			}
			a.log.Info("assets imported", "file", args[0], "count", len(list))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d assets\n", len(list))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.repo.ListAssets(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tCRITICALITY\tIP\tDOMAIN\tSOFTWARE")
			for _, as := range list {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					as.ID, as.Name, as.Type, as.Criticality, as.IPAddress, as.Domain, strings.Join(as.Software, "; "))
			}
			return tw.Flush()
		},
	})
	return cmd
}
