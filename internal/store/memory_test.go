package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
	"github.com/cloud-pipelines/orchestrator/internal/store"
)

func mustCreateContainerNode(t *testing.T, repo *store.MemoryRepository, runID int64, status pipeline.ContainerStatus) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := repo.CreateExecutionNode(ctx, &pipeline.ExecutionNode{RunID: runID})
	require.NoError(t, err)
	require.NoError(t, repo.SetInitialExecutionStatus(ctx, id, status))
	return id
}

func TestMemoryRepositoryUpdateExecutionStatusEnforcesTransitions(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	id := mustCreateContainerNode(t, repo, 1, pipeline.StatusQueued)

	require.NoError(t, repo.UpdateExecutionStatus(ctx, id, pipeline.StatusPending))

	err := repo.UpdateExecutionStatus(ctx, id, pipeline.StatusWaitingForUpstream)
	require.Error(t, err)
	var orchErr *pipeline.OrchestratorError
	assert.ErrorAs(t, err, &orchErr)
}

func TestMemoryRepositorySetExecutionCacheKeySetOnce(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	id := mustCreateContainerNode(t, repo, 1, pipeline.StatusQueued)

	require.NoError(t, repo.SetExecutionCacheKey(ctx, id, "key-a"))
	require.NoError(t, repo.SetExecutionCacheKey(ctx, id, "key-b"))

	node, err := repo.GetExecutionNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "key-a", *node.ContainerExecutionCacheKey, "first write wins")
}

func TestMemoryRepositoryPickReadyExecutionOnlyUninitializedOrQueued(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	mustCreateContainerNode(t, repo, 1, pipeline.StatusRunning)
	queuedID := mustCreateContainerNode(t, repo, 1, pipeline.StatusQueued)

	node, ok, err := repo.PickReadyExecution(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queuedID, node.ID)
}

func TestMemoryRepositoryPickInFlightExecutionOrdersByLastProcessedAt(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	older, err := repo.CreateContainerExecution(ctx, &pipeline.ContainerExecution{Status: pipeline.LaunchRunning})
	require.NoError(t, err)
	newer, err := repo.CreateContainerExecution(ctx, &pipeline.ContainerExecution{Status: pipeline.LaunchRunning})
	require.NoError(t, err)

	require.NoError(t, repo.TouchLastProcessedAt(ctx, newer, time.Now().Add(time.Hour)))
	require.NoError(t, repo.TouchLastProcessedAt(ctx, older, time.Now().Add(-time.Hour)))

	ce, ok, err := repo.PickInFlightExecution(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, older, ce.ID, "the least-recently-processed execution is picked first")
}

func TestMemoryRepositoryGetOrCreateArtifactDataDedupsByHash(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	first, err := repo.GetOrCreateArtifactData(ctx, &pipeline.ArtifactData{Hash: "md5=same"})
	require.NoError(t, err)
	second, err := repo.GetOrCreateArtifactData(ctx, &pipeline.ArtifactData{Hash: "md5=same"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestMemoryRepositoryGetSubtreeIncludesDescendants(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	rootID, err := repo.CreateExecutionNode(ctx, &pipeline.ExecutionNode{RunID: 1})
	require.NoError(t, err)
	childID, err := repo.CreateExecutionNode(ctx, &pipeline.ExecutionNode{RunID: 1, ParentExecutionID: &rootID})
	require.NoError(t, err)
	require.NoError(t, repo.CreateClosureLinks(ctx, childID, []int64{rootID}))

	unrelatedID, err := repo.CreateExecutionNode(ctx, &pipeline.ExecutionNode{RunID: 1})
	require.NoError(t, err)

	subtree, err := repo.GetSubtree(ctx, rootID)
	require.NoError(t, err)

	ids := make([]int64, len(subtree))
	for i, n := range subtree {
		ids[i] = n.ID
	}
	assert.Contains(t, ids, rootID)
	assert.Contains(t, ids, childID)
	assert.NotContains(t, ids, unrelatedID)
}

func TestMemoryRepositoryWithTxRunsClosure(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	var sawTx store.Repository
	err := repo.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		sawTx = tx
		_, err := tx.CreatePipelineRun(ctx, &pipeline.PipelineRun{CreatedBy: "tester"})
		return err
	})
	require.NoError(t, err)
	assert.NotNil(t, sawTx)
}

func TestMemoryRepositoryGetExecutionNodeNotFound(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	_, err := repo.GetExecutionNode(ctx, 999)
	require.Error(t, err)
	var notFound *pipeline.ItemNotFoundError
	assert.ErrorAs(t, err, &notFound)
}
