package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
	"github.com/cloud-pipelines/orchestrator/internal/store"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "cancel a pipeline run and its non-terminal executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var cancelledBy string

func init() {
	cancelCmd.Flags().StringVar(&cancelledBy, "by", "cli", "identity recorded as having requested the cancellation")
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	runID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}

	dbURL := viper.GetString("database-url")
	if dbURL == "" {
		return fmt.Errorf("--database-url is required")
	}
	repo, err := store.NewPostgresRepository(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer repo.Close()

	launch, err := buildLauncher()
	if err != nil {
		return err
	}

	orch := &pipeline.Orchestrator{Repo: repo, Launcher: launch}
	if err := orch.Cancel(ctx, runID, cancelledBy); err != nil {
		return fmt.Errorf("cancel run %d: %w", runID, err)
	}
	fmt.Printf("run %d cancelled\n", runID)
	return nil
}
