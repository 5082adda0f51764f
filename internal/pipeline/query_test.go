package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
	"github.com/cloud-pipelines/orchestrator/internal/store"
)

func TestQueryServiceGetExecution(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	root := &pipeline.TaskSpec{
		ComponentSpec: constantInputComponent(),
		Arguments: map[string]pipeline.ArgumentSource{
			"in": {Kind: pipeline.ArgumentConstant, ConstantValue: "hello"},
		},
		Annotations: map[string]any{"note": "root"},
	}
	result, err := pipeline.Compile(ctx, repo, root, "tester", nil)
	require.NoError(t, err)

	q := &pipeline.QueryService{Repo: repo}
	detail, err := q.GetExecution(ctx, result.RootExecutionID)
	require.NoError(t, err)

	assert.Nil(t, detail.ParentExecutionID)
	assert.Equal(t, "hello", detail.Task.Arguments["in"].ConstantValue)
	assert.Len(t, detail.InputArtifactIDs, 1)
	assert.Len(t, detail.OutputArtifactIDs, 1)
	assert.Empty(t, detail.ChildExecutionIDs, "a container task has no child executions")
}

func TestQueryServiceGetArtifactInlinesData(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	root := &pipeline.TaskSpec{
		ComponentSpec: constantInputComponent(),
		Arguments: map[string]pipeline.ArgumentSource{
			"in": {Kind: pipeline.ArgumentConstant, ConstantValue: "hello"},
		},
	}
	result, err := pipeline.Compile(ctx, repo, root, "tester", nil)
	require.NoError(t, err)

	q := &pipeline.QueryService{Repo: repo}
	links, err := repo.GetInputArtifactLinks(ctx, result.RootExecutionID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	detail, err := q.GetArtifact(ctx, links[0].ArtifactID)
	require.NoError(t, err)
	require.NotNil(t, detail.Data)
	assert.Equal(t, "hello", *detail.Data.Value)
}

func TestQueryServiceGetArtifactWithoutData(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	producer := &pipeline.TaskSpec{
		ComponentSpec: pipeline.ComponentSpec{
			Outputs:   []pipeline.OutputSpec{{Name: "out"}},
			Container: &pipeline.ContainerImplementation{Image: "alpine:3", Command: []string{"echo"}},
		},
	}
	result, err := pipeline.Compile(ctx, repo, producer, "tester", nil)
	require.NoError(t, err)

	q := &pipeline.QueryService{Repo: repo}
	outputLinks, err := repo.GetOutputArtifactLinks(ctx, result.RootExecutionID)
	require.NoError(t, err)
	require.Len(t, outputLinks, 1)

	detail, err := q.GetArtifact(ctx, outputLinks[0].ArtifactID)
	require.NoError(t, err)
	assert.Nil(t, detail.Data)
}

func TestQueryServiceAggregateStatusCounts(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	a := &pipeline.TaskSpec{
		ComponentSpec: constantInputComponent(),
		Arguments: map[string]pipeline.ArgumentSource{
			"in": {Kind: pipeline.ArgumentConstant, ConstantValue: "x"},
		},
	}
	b := &pipeline.TaskSpec{
		ComponentSpec: constantInputComponent(),
		Arguments: map[string]pipeline.ArgumentSource{
			"in": {Kind: pipeline.ArgumentConstant, ConstantValue: "y"},
		},
	}
	root := &pipeline.TaskSpec{
		ComponentSpec: pipeline.ComponentSpec{
			Graph: &pipeline.GraphImplementation{
				Tasks:     map[string]*pipeline.TaskSpec{"a": a, "b": b},
				TaskOrder: []string{"a", "b"},
			},
		},
	}
	result, err := pipeline.Compile(ctx, repo, root, "tester", nil)
	require.NoError(t, err)

	q := &pipeline.QueryService{Repo: repo}
	counts, err := q.AggregateStatusCounts(ctx, result.RootExecutionID)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	for _, byStatus := range counts {
		assert.Equal(t, 1, byStatus[pipeline.StatusQueued])
	}
}
