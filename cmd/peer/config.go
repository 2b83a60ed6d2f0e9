package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of optimystic.yaml, mirroring the
// flag/env keys viper reads at startup.
type fileConfig struct {
	Listen                  string `yaml:"listen"`
	Peers                   int    `yaml:"peers"`
	CohortSize              int    `yaml:"cohort_size"`
	LogLevel                string `yaml:"log_level"`
	DisableSelfCoordination bool   `yaml:"disable_self_coordination"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{Listen: ":9090", Peers: 4, CohortSize: 3, LogLevel: "info"}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the peer config file",
	}

	var out string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file populated with the defaults",
		RunE: func(*cobra.Command, []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("peer: %s already exists, refusing to overwrite", out)
			}
			enc, err := yaml.Marshal(defaultFileConfig())
			if err != nil {
				return fmt.Errorf("peer: encode config: %w", err)
			}
			if err := os.WriteFile(out, enc, 0o644); err != nil {
				return fmt.Errorf("peer: write %s: %w", out, err)
			}
			fmt.Fprintf(os.Stdout, "wrote %s\n", out)
			return nil
		},
	}
	initCmd.Flags().StringVar(&out, "out", "optimystic.yaml", "path to write the config file to")
	cmd.AddCommand(initCmd)
	return cmd
}
