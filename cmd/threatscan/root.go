package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/threatlens/threatscan/pkg/config"
	"github.com/threatlens/threatscan/pkg/dal/sqlite"
	"github.com/threatlens/threatscan/pkg/logging"
)

type app struct {
	configPath string
	debug      bool

	cfg  *config.Config
	log  *slog.Logger
	repo *sqlite.Repository
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "threatscan",
		Short: "Threat intelligence scanner for IT assets",
		Long: `threatscan collects vulnerability and threat signals for registered assets
from NVD, AlienVault OTX, VirusTotal and MITRE ATT&CK, and keeps a risk score
per asset.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file (default $CONFIG_FILE)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(newScanCmd(a), newRiskCmd(a), newAssetsCmd(a))
	return root
}

func (a *app) open() error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFrom(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	level := a.cfg.Log.Level
	if a.debug {
		level = "debug"
	}
	a.log = logging.New(a.cfg.Log.Format, level)

	a.repo, err = sqlite.New(a.cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	return nil
}

func (a *app) close() error {
	if a.repo == nil {
		return nil
	}
	err := a.repo.Close()
	a.repo = nil
	return err
}
