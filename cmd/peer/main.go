// Package main implements the optimystic peer binary: a single process
// that stands up a small cohort of simulated peers over
// internal/netface's in-process transport and runs them through the
// full Transactor/Coordinator Consensus/Log-Structured Collection
// stack.
//
// Optimystic peers are symmetric: there is no separate coordinator
// process, since any peer can be a block's coordinator depending on
// what the routing fabric resolves a key to. One binary, one role.
//
// Configuration:
//   - OPTIMYSTIC_PEERS: number of simulated peers (default 4)
//   - OPTIMYSTIC_LISTEN: metrics listen address (default ":9090")
//   - OPTIMYSTIC_LOG_LEVEL: zerolog level name (default "info")
//
// A config file (--config, default ./optimystic.yaml) or any of the
// above environment variables may set these; flags override both.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "peer",
		Short: "Run an optimystic peer cohort",
		Long: "peer boots a small cohort of optimystic peers in a single " +
			"process, wiring the repo, routing, consensus and transactor " +
			"layers together over the in-process network simulation.",
		RunE: runPeer,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./optimystic.yaml)")
	root.PersistentFlags().String("listen", ":9090", "metrics listen address")
	root.PersistentFlags().Int("peers", 4, "number of simulated peers in the cohort")
	root.PersistentFlags().Int("cohort-size", 3, "number of peers each key routes to")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (debug, info, warn, error)")
	root.PersistentFlags().Bool("disable-self-coordination", false, "never take the coordinator role on this peer")

	_ = viper.BindPFlag("listen", root.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("peers", root.PersistentFlags().Lookup("peers"))
	_ = viper.BindPFlag("cohort_size", root.PersistentFlags().Lookup("cohort-size"))
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("disable_self_coordination", root.PersistentFlags().Lookup("disable-self-coordination"))

	root.AddCommand(newConfigCmd())

	cobra.OnInitialize(initConfig)
	return root
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("optimystic")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("optimystic")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintf(os.Stderr, "peer: reading config: %v\n", err)
		}
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(parsed).
		With().Timestamp().Caller().Logger()
}
