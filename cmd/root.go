// Package cmd holds the go-assistant command line: the HTTP server plus the
// operator commands for ingestion, permissions and maintenance.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/config"
	"github.com/fabfab/go-assistant/logging"
)

type globalFlags struct {
	configFile string
	logLevel   string
}

// NewRootCommand builds the command tree. Each call returns fresh flag state.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "go-assistant",
		Short:         "Permission-aware retrieval assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (yaml, json or toml); environment variables take precedence")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(
		newServeCommand(flags),
		newIngestCommand(flags),
		newGrantCommand(flags),
		newRevokeCommand(flags),
		newSearchCommand(flags),
		newAskCommand(flags),
		newClearCommand(flags),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger every command shares.
func (f *globalFlags) setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
