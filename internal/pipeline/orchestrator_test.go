package pipeline_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-pipelines/orchestrator/internal/artifactstore"
	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
	"github.com/cloud-pipelines/orchestrator/internal/store"
)

// stubLauncher is a fake pipeline.Launcher that reports RUNNING on its first
// Refresh call and a fixed terminal status, configurable per test, on every
// later one.
type stubLauncher struct {
	mu           sync.Mutex
	launchCount  int
	refreshCount int
	refreshTo    pipeline.LaunchStatus
	exitCode     *int
}

func (s *stubLauncher) Launch(ctx context.Context, spec pipeline.ContainerLaunchSpec) (pipeline.LaunchedContainer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchCount++
	return pipeline.LaunchedContainer{Status: pipeline.LaunchPending, Handle: []byte("handle")}, nil
}

func (s *stubLauncher) Refresh(ctx context.Context, handle []byte) (pipeline.LaunchedContainer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCount++
	if s.refreshCount == 1 {
		return pipeline.LaunchedContainer{Status: pipeline.LaunchRunning, Handle: handle}, nil
	}
	status := s.refreshTo
	if status == "" {
		status = pipeline.LaunchSucceeded
	}
	return pipeline.LaunchedContainer{Status: status, ExitCode: s.exitCode, Handle: handle}, nil
}

func (s *stubLauncher) Terminate(ctx context.Context, handle []byte) error { return nil }

func (s *stubLauncher) Logs(ctx context.Context, handle []byte) (string, error) { return "log output", nil }

func constantInputComponent() pipeline.ComponentSpec {
	return pipeline.ComponentSpec{
		Inputs:  []pipeline.InputSpec{{Name: "in", Required: true}},
		Outputs: []pipeline.OutputSpec{{Name: "out"}},
		Container: &pipeline.ContainerImplementation{
			Image: "alpine:3", Command: []string{"cat"},
		},
	}
}

func newTestOrchestrator(repo *store.MemoryRepository, launcher pipeline.Launcher, artifacts pipeline.ArtifactStore, cacheEnabled bool) *pipeline.Orchestrator {
	return &pipeline.Orchestrator{
		Repo:         repo,
		Launcher:     launcher,
		Artifacts:    artifacts,
		Layout:       pipeline.URILayout{DataRootURI: "mem://data", LogsRootURI: "mem://logs"},
		CacheEnabled: cacheEnabled,
	}
}

func TestSweepOnceLaunchesAndCompletesReadyContainer(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	launcher := &stubLauncher{}
	artifacts := artifactstore.NewMemoryStore()
	orch := newTestOrchestrator(repo, launcher, artifacts, true)

	root := &pipeline.TaskSpec{
		ComponentSpec: constantInputComponent(),
		Arguments: map[string]pipeline.ArgumentSource{
			"in": {Kind: pipeline.ArgumentConstant, ConstantValue: "hello"},
		},
	}
	result, err := pipeline.Compile(ctx, repo, root, "tester", nil)
	require.NoError(t, err)

	// One SweepOnce runs both queues: the ready sweep picks the node,
	// launches it and moves it to PENDING, then the in-flight sweep's first
	// refresh reports RUNNING.
	orch.SweepOnce(ctx)
	node, err := repo.GetExecutionNode(ctx, result.RootExecutionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, *node.ContainerExecutionStatus)
	assert.Equal(t, 1, launcher.launchCount)

	// The stub launcher never actually writes a file; seed the output
	// location the way a real launcher would before the in-flight sweep
	// probes it.
	ce, err := repo.GetContainerExecution(ctx, *node.ContainerExecutionID)
	require.NoError(t, err)
	require.NoError(t, artifacts.UploadText(ctx, orch.Layout.OutputURI(ce.ExecUUID, "out"), "produced value"))

	// in-flight sweep: stub launcher reports SUCCEEDED on the second
	// refresh, so the node should land on SUCCEEDED and the output
	// artifact should have data attached.
	orch.SweepOnce(ctx)
	node, err = repo.GetExecutionNode(ctx, result.RootExecutionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, *node.ContainerExecutionStatus)

	outputLinks, err := repo.GetOutputArtifactLinks(ctx, result.RootExecutionID)
	require.NoError(t, err)
	require.Len(t, outputLinks, 1)
	artifactNode, err := repo.GetArtifactNode(ctx, outputLinks[0].ArtifactID)
	require.NoError(t, err)
	assert.NotNil(t, artifactNode.ArtifactDataID)
}

func TestSweepOnceRecordsCanonicallyFormattedOutputHash(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	launcher := &stubLauncher{}
	artifacts := artifactstore.NewMemoryStore()
	orch := newTestOrchestrator(repo, launcher, artifacts, true)

	root := &pipeline.TaskSpec{
		ComponentSpec: constantInputComponent(),
		Arguments: map[string]pipeline.ArgumentSource{
			"in": {Kind: pipeline.ArgumentConstant, ConstantValue: "hello"},
		},
	}
	result, err := pipeline.Compile(ctx, repo, root, "tester", nil)
	require.NoError(t, err)

	orch.SweepOnce(ctx) // ready -> pending, in-flight -> running
	node, err := repo.GetExecutionNode(ctx, result.RootExecutionID)
	require.NoError(t, err)
	require.NotNil(t, node.ContainerExecutionID)

	// The stub launcher never actually writes a file, so seed the output
	// location the way a real launcher would before the in-flight sweep
	// probes it for size and hash.
	ce, err := repo.GetContainerExecution(ctx, *node.ContainerExecutionID)
	require.NoError(t, err)
	outputURI := orch.Layout.OutputURI(ce.ExecUUID, "out")
	require.NoError(t, artifacts.UploadText(ctx, outputURI, "produced value"))

	orch.SweepOnce(ctx) // in-flight -> succeeded
	node, err = repo.GetExecutionNode(ctx, result.RootExecutionID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusSucceeded, *node.ContainerExecutionStatus)

	outputLinks, err := repo.GetOutputArtifactLinks(ctx, result.RootExecutionID)
	require.NoError(t, err)
	require.Len(t, outputLinks, 1)
	artifactNode, err := repo.GetArtifactNode(ctx, outputLinks[0].ArtifactID)
	require.NoError(t, err)
	require.NotNil(t, artifactNode.ArtifactDataID)

	data, err := repo.GetArtifactData(ctx, *artifactNode.ArtifactDataID)
	require.NoError(t, err)
	assert.Regexp(t, `^md5=[0-9a-f]{32}$`, data.Hash, "output artifact hash must use the canonical md5= prefix")
}

func TestSweepOnceAdoptsCacheHitWithoutRelaunching(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	launcher := &stubLauncher{}
	artifacts := artifactstore.NewMemoryStore()
	orch := newTestOrchestrator(repo, launcher, artifacts, true)

	makeRoot := func() *pipeline.TaskSpec {
		return &pipeline.TaskSpec{
			ComponentSpec: constantInputComponent(),
			Arguments: map[string]pipeline.ArgumentSource{
				"in": {Kind: pipeline.ArgumentConstant, ConstantValue: "same-input"},
			},
		}
	}

	first, err := pipeline.Compile(ctx, repo, makeRoot(), "tester", nil)
	require.NoError(t, err)

	// Drive the first run to SUCCEEDED.
	orch.SweepOnce(ctx) // ready -> pending, in-flight -> running
	node, err := repo.GetExecutionNode(ctx, first.RootExecutionID)
	require.NoError(t, err)
	ce, err := repo.GetContainerExecution(ctx, *node.ContainerExecutionID)
	require.NoError(t, err)
	require.NoError(t, artifacts.UploadText(ctx, orch.Layout.OutputURI(ce.ExecUUID, "out"), "produced value"))

	orch.SweepOnce(ctx) // in-flight -> succeeded
	node, err = repo.GetExecutionNode(ctx, first.RootExecutionID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusSucceeded, *node.ContainerExecutionStatus)
	require.Equal(t, 1, launcher.launchCount)

	// A second, byte-identical submission should adopt the cached success
	// on its very first ready sweep and never reach the launcher again.
	second, err := pipeline.Compile(ctx, repo, makeRoot(), "tester", nil)
	require.NoError(t, err)

	orch.SweepOnce(ctx)
	secondNode, err := repo.GetExecutionNode(ctx, second.RootExecutionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, *secondNode.ContainerExecutionStatus)
	assert.Equal(t, 1, launcher.launchCount, "cache hit must not invoke the launcher a second time")
}

func TestSweepOnceFailurePropagatesSkipToDownstream(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	failCode := 1
	launcher := &stubLauncher{refreshTo: pipeline.LaunchFailed, exitCode: &failCode}
	artifacts := artifactstore.NewMemoryStore()
	orch := newTestOrchestrator(repo, launcher, artifacts, false)

	producer := &pipeline.TaskSpec{
		ComponentSpec: pipeline.ComponentSpec{
			Outputs:   []pipeline.OutputSpec{{Name: "out"}},
			Container: &pipeline.ContainerImplementation{Image: "alpine:3", Command: []string{"false"}},
		},
	}
	consumer := &pipeline.TaskSpec{
		ComponentSpec: constantInputComponent(),
		Arguments: map[string]pipeline.ArgumentSource{
			"in": {Kind: pipeline.ArgumentTaskOutput, TaskID: "producer", OutputName: "out"},
		},
	}
	root := &pipeline.TaskSpec{
		ComponentSpec: pipeline.ComponentSpec{
			Graph: &pipeline.GraphImplementation{
				Tasks:     map[string]*pipeline.TaskSpec{"producer": producer, "consumer": consumer},
				TaskOrder: []string{"producer", "consumer"},
			},
		},
	}
	result, err := pipeline.Compile(ctx, repo, root, "tester", nil)
	require.NoError(t, err)

	orch.SweepOnce(ctx) // ready -> pending, in-flight -> running (producer)
	orch.SweepOnce(ctx) // in-flight -> failed (producer), consumer skipped

	children, err := repo.GetChildExecutions(ctx, result.RootExecutionID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		switch *c.TaskIDInParentExecution {
		case "producer":
			assert.Equal(t, pipeline.StatusFailed, *c.ContainerExecutionStatus)
		case "consumer":
			assert.Equal(t, pipeline.StatusSkipped, *c.ContainerExecutionStatus)
		}
	}
}

func TestCancelMarksNonTerminalSubtreeCancelled(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	launcher := &stubLauncher{}
	artifacts := artifactstore.NewMemoryStore()
	orch := newTestOrchestrator(repo, launcher, artifacts, false)

	root := &pipeline.TaskSpec{
		ComponentSpec: constantInputComponent(),
		Arguments: map[string]pipeline.ArgumentSource{
			"in": {Kind: pipeline.ArgumentConstant, ConstantValue: "hello"},
		},
	}
	result, err := pipeline.Compile(ctx, repo, root, "tester", nil)
	require.NoError(t, err)

	run, err := repo.GetPipelineRun(ctx, result.RunID)
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(ctx, run.ID, "operator"))

	node, err := repo.GetExecutionNode(ctx, result.RootExecutionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, *node.ContainerExecutionStatus)

	// Idempotent: cancelling an already-terminal run leaves it untouched.
	require.NoError(t, orch.Cancel(ctx, run.ID, "operator"))
	node, err = repo.GetExecutionNode(ctx, result.RootExecutionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, *node.ContainerExecutionStatus)
}
