package launcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// fakeLauncher is a minimal pipeline.Launcher that tags its handle with a
// fixed kind, so Registry's decode-and-route logic can be exercised without
// Docker or a real OS process.
type fakeLauncher struct {
	kind       string
	launched   int
	terminated int
}

func (f *fakeLauncher) Launch(ctx context.Context, spec pipeline.ContainerLaunchSpec) (pipeline.LaunchedContainer, error) {
	f.launched++
	var tagged taggedHandle
	switch f.kind {
	case kindDocker:
		tagged.Docker = &dockerHandle{ContainerID: "fake"}
	case kindProcess:
		tagged.Process = &processHandle{PID: 1}
	}
	handle, err := encodeHandle(tagged)
	if err != nil {
		return pipeline.LaunchedContainer{}, err
	}
	return pipeline.LaunchedContainer{Status: pipeline.LaunchRunning, Handle: handle}, nil
}

func (f *fakeLauncher) Refresh(ctx context.Context, handle []byte) (pipeline.LaunchedContainer, error) {
	return pipeline.LaunchedContainer{Status: pipeline.LaunchSucceeded, Handle: handle}, nil
}

func (f *fakeLauncher) Terminate(ctx context.Context, handle []byte) error {
	f.terminated++
	return nil
}

func (f *fakeLauncher) Logs(ctx context.Context, handle []byte) (string, error) { return "", nil }

func TestRegistryRoutesByAnnotation(t *testing.T) {
	docker := &fakeLauncher{kind: kindDocker}
	process := &fakeLauncher{kind: kindProcess}
	reg := &Registry{Docker: docker, Process: process, Default: kindDocker}

	_, err := reg.Launch(context.Background(), pipeline.ContainerLaunchSpec{
		Annotations: map[string]any{kindAnnotation: "process"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, process.launched)
	assert.Equal(t, 0, docker.launched)
}

func TestRegistryFallsBackToDefault(t *testing.T) {
	docker := &fakeLauncher{kind: kindDocker}
	process := &fakeLauncher{kind: kindProcess}
	reg := &Registry{Docker: docker, Process: process, Default: kindProcess}

	_, err := reg.Launch(context.Background(), pipeline.ContainerLaunchSpec{})
	require.NoError(t, err)
	assert.Equal(t, 1, process.launched)
	assert.Equal(t, 0, docker.launched)
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	reg := &Registry{Default: "bogus"}
	_, err := reg.Launch(context.Background(), pipeline.ContainerLaunchSpec{})
	assert.Error(t, err)
}

func TestRegistryRoutesRefreshAndTerminateByHandleTag(t *testing.T) {
	docker := &fakeLauncher{kind: kindDocker}
	process := &fakeLauncher{kind: kindProcess}
	reg := &Registry{Docker: docker, Process: process, Default: kindDocker}

	launched, err := reg.Launch(context.Background(), pipeline.ContainerLaunchSpec{
		Annotations: map[string]any{kindAnnotation: "process"},
	})
	require.NoError(t, err)

	_, err = reg.Refresh(context.Background(), launched.Handle)
	require.NoError(t, err)

	require.NoError(t, reg.Terminate(context.Background(), launched.Handle))
	assert.Equal(t, 1, process.terminated)
	assert.Equal(t, 0, docker.terminated)
}
