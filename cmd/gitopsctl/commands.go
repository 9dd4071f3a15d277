package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [target]",
		Short: "Show sync status of all targets or of one target",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				statuses, err := client().Statuses(cmd.Context())
				if err != nil {
					return err
				}
				return printStatuses(cmd.OutOrStdout(), statuses)
			}
			target, err := models.ParseTargetRef(args[0])
			if err != nil {
				return err
			}
			status, err := client().Status(cmd.Context(), target)
			if err != nil {
				return err
			}
			return printStatuses(cmd.OutOrStdout(), []models.TargetStatus{status})
		},
	}
}

func newRetriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrigger <target>",
		Short: "Ask the reconciler to reconcile a target now",
		Long: `Retrigger wakes the target actor. A degraded target gets a fresh apply,
any other target is observed and compared again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := models.ParseTargetRef(args[0])
			if err != nil {
				return err
			}
			if err = client().Retrigger(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retriggered %s\n", target)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <target>",
		Short: "List committed revisions of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := models.ParseTargetRef(args[0])
			if err != nil {
				return err
			}
			revisions, err := client().History(cmd.Context(), target)
			if err != nil {
				return err
			}
			return printRevisions(cmd.OutOrStdout(), revisions)
		},
	}
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <target> <seq>",
		Short: "Commit a copy of an older revision as the latest one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := models.ParseTargetRef(args[0])
			if err != nil {
				return err
			}
			seq, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad seq %q", models.ErrValidation, args[1])
			}
			resp, err := client().Rollback(cmd.Context(), target, seq)
			if err != nil {
				return err
			}
			if !resp.Written {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already declares revision %d content\n", target, seq)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled %s back to seq %d as %s\n", target, seq, resp.Revision)
			return nil
		},
	}
}

func newArtifactsCmd() *cobra.Command {
	var limit uint64
	cmd := &cobra.Command{
		Use:   "artifacts <repository>",
		Short: "List artifact versions observed in a registry repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			observations, err := client().Artifacts(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printObservations(cmd.OutOrStdout(), observations)
		},
	}
	cmd.Flags().Uint64Var(&limit, "limit", 50, "max observations to show, newest first")
	return cmd
}
