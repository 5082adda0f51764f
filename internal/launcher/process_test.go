package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

func waitForTerminal(t *testing.T, l *ProcessLauncher, handle []byte) pipeline.LaunchedContainer {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		refreshed, err := l.Refresh(context.Background(), handle)
		require.NoError(t, err)
		if refreshed.Status == pipeline.LaunchSucceeded || refreshed.Status == pipeline.LaunchFailed {
			return refreshed
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process did not reach a terminal state in time")
	return pipeline.LaunchedContainer{}
}

func TestProcessLauncherSucceeds(t *testing.T) {
	l := NewProcessLauncher(t.TempDir())
	spec := pipeline.ContainerLaunchSpec{
		Container: &pipeline.ContainerImplementation{Command: []string{"true"}},
	}

	launched, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, pipeline.LaunchRunning, launched.Status)

	final := waitForTerminal(t, l, launched.Handle)
	assert.Equal(t, pipeline.LaunchSucceeded, final.Status)
	assert.Equal(t, 0, *final.ExitCode)
}

func TestProcessLauncherReportsNonZeroExit(t *testing.T) {
	l := NewProcessLauncher(t.TempDir())
	spec := pipeline.ContainerLaunchSpec{
		Container: &pipeline.ContainerImplementation{Command: []string{"false"}},
	}

	launched, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)

	final := waitForTerminal(t, l, launched.Handle)
	assert.Equal(t, pipeline.LaunchFailed, final.Status)
	assert.NotEqual(t, 0, *final.ExitCode)
}

func TestProcessLauncherLogsCaptureOutput(t *testing.T) {
	l := NewProcessLauncher(t.TempDir())
	spec := pipeline.ContainerLaunchSpec{
		Container: &pipeline.ContainerImplementation{Command: []string{"echo", "hello-process-launcher"}},
	}

	launched, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)
	waitForTerminal(t, l, launched.Handle)

	// give the background Wait()+Close() goroutine a moment to flush.
	time.Sleep(20 * time.Millisecond)

	logs, err := l.Logs(context.Background(), launched.Handle)
	require.NoError(t, err)
	assert.Contains(t, logs, "hello-process-launcher")
}

func TestProcessLauncherRejectsEmptyCommand(t *testing.T) {
	l := NewProcessLauncher(t.TempDir())
	spec := pipeline.ContainerLaunchSpec{Container: &pipeline.ContainerImplementation{}}

	_, err := l.Launch(context.Background(), spec)
	require.Error(t, err)
	var launchErr *pipeline.LauncherError
	assert.ErrorAs(t, err, &launchErr)
}

func TestProcessLauncherTerminateKillsProcess(t *testing.T) {
	l := NewProcessLauncher(t.TempDir())
	spec := pipeline.ContainerLaunchSpec{
		Container: &pipeline.ContainerImplementation{Command: []string{"sleep", "30"}},
	}

	launched, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, l.Terminate(context.Background(), launched.Handle))

	final := waitForTerminal(t, l, launched.Handle)
	assert.Equal(t, pipeline.LaunchFailed, final.Status, "a killed process exits non-zero")
}
