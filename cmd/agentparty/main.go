package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Cstolworthy/AgentParty/internal/config"
	"github.com/Cstolworthy/AgentParty/internal/definitions"
	"github.com/Cstolworthy/AgentParty/internal/logging"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentparty",
		Short:         "Coordinate AI agents through approval-gated workflows",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default: ./config.yaml or ./config/config.yaml)")

	load := func() (*config.Config, *logging.Logger, error) {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		return cfg, logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format), nil
	}

	root.AddCommand(newServeCmd(load), newValidateCmd(load), newMigrateCmd(load))
	return root
}

type loader func() (*config.Config, *logging.Logger, error)

func definitionDirs(cfg *config.Config) definitions.Dirs {
	return definitions.Dirs{
		Workflows: cfg.Definitions.WorkflowsDir,
		Agents:    cfg.Definitions.AgentsDir,
		Jobs:      cfg.Definitions.JobsDir,
	}
}
