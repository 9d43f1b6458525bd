package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Cstolworthy/AgentParty/internal/definitions"
)

func newValidateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load every workflow, agent and job definition and report failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			store := definitions.NewStore(definitionDirs(cfg), logger)
			failures, err := store.Load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, wf := range store.Workflows() {
				fmt.Fprintf(out, "ok   workflow %s (%d steps)\n", wf.ID, len(wf.Steps))
			}
			for _, job := range store.Jobs("") {
				fmt.Fprintf(out, "ok   job      %s -> %s\n", job.ID, job.WorkflowID)
			}
			for _, f := range failures {
				fmt.Fprintf(out, "FAIL %-8s %s: %v\n", f.Kind, f.ID, f.Err)
			}
			if len(failures) > 0 {
				return fmt.Errorf("%d definition(s) failed to load", len(failures))
			}
			return nil
		},
	}
}
