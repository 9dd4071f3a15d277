package main

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sh00ty/gitops-loop/internal/models"
	"github.com/Sh00ty/gitops-loop/internal/statusapi"
)

const (
	exitCodeError    = 1
	exitCodeNotFound = 2
	exitCodeRejected = 3
)

var (
	serverAddr   string
	timeout      time.Duration
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "gitopsctl",
	Short: "Inspect and steer the gitops reconciliation loop",
	Long: `gitopsctl talks to the status API of a running reconciler.
It shows per-target sync status, manifest history and discovered
artifact versions, and can retrigger or roll back a target.`,
	SilenceUsage: true,
}

func client() *statusapi.Client {
	return statusapi.NewClient(serverAddr, timeout)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", envOr("GITOPS_ADDR", "http://127.0.0.1:8080"), "status API address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")

	rootCmd.AddCommand(
		newStatusCmd(),
		newRetriggerCmd(),
		newHistoryCmd(),
		newRollbackCmd(),
		newArtifactsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return exitCodeNotFound
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrConflict):
		return exitCodeRejected
	}
	return exitCodeError
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
