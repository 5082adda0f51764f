package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
	"github.com/cloud-pipelines/orchestrator/internal/store"
)

var submitCmd = &cobra.Command{
	Use:   "submit <task-spec.json>",
	Short: "compile and persist a pipeline run from a task spec file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var submitCreatedBy string

func init() {
	submitCmd.Flags().StringVar(&submitCreatedBy, "created-by", "cli", "identity recorded on the PipelineRun")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read task spec: %w", err)
	}
	var root pipeline.TaskSpec
	if err := json.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("parse task spec: %w", err)
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

	result, err := pipeline.Compile(ctx, repo, &root, submitCreatedBy, nil)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	fmt.Printf("run_id=%d root_execution_id=%d\n", result.RunID, result.RootExecutionID)
	return nil
}
