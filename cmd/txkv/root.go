package main

import (
	"fmt"

	"txkv/pkg/config"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:               "txkv",
		Short:             "Transactional LSM key-value store",
		SilenceUsage:      true,
		PersistentPreRunE: rootPreRun,
	}

	configFile = "txkv.yaml"
	dataDir    string
	layout     string
	addr       string

	cfg config.Config
)

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&configFile, "config", configFile, "`file` to load config from")
	fs.StringVar(&dataDir, "data-dir", "", "data `directory`, overrides db.persistence.path")
	fs.StringVar(&layout, "layout", "", "persistence layout: indexed or append")
	fs.StringVar(&addr, "addr", "", "`url` of a running server; commands go over HTTP instead of opening the data directory")
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configFile)
	if err != nil {
		return fmt.Errorf("txkv: %w", err)
	}

	if dataDir != "" {
		cfg.Persistence.RootPath = dataDir
	}
	if layout != "" {
		cfg.Persistence.Layout = layout
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("txkv: %w", err)
	}

	return initLogger(&cfg)
}
