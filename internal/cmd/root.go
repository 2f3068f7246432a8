// Package cmd holds the teamleader command line.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/config"
)

// Version is stamped at build time.
var Version = "dev"

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "teamleader",
		Short: "Multi-agent development team orchestrator",
		Long: `teamleader delegates development tasks to specialist agents while
enforcing phase scope and a shared complexity budget.

Configuration comes from an optional YAML file and TEAMLEADER_* environment
variables, e.g. TEAMLEADER_RULES_COMPLEXITY_BUDGET=40.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "teamleader.yaml", "config file")

	load := func() (*config.Config, error) { return config.Load(configPath) }
	root.AddCommand(
		newServeCommand(load),
		newPromptsCommand(load),
		newPhasesCommand(load),
		newTokenCommand(load),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

type loader func() (*config.Config, error)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
