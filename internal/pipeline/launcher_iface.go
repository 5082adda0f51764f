package pipeline

import "context"

// Launcher is the Container Launcher port (C2) of section 6. Concrete
// implementations (Docker, local process, ...) live in internal/launcher
// and are injected into the Orchestrator; the domain package only depends
// on this interface so compiler/orchestrator tests can stub it.
type Launcher interface {
	// Launch starts a new container task. spec.InputArguments may come
	// back with Value populated (if the launcher downloaded it) or URI
	// populated (if it staged an upload) — callers persist any change.
	Launch(ctx context.Context, spec ContainerLaunchSpec) (LaunchedContainer, error)

	// Refresh returns an updated snapshot for a previously launched
	// container, given its opaque serialized handle.
	Refresh(ctx context.Context, handle []byte) (LaunchedContainer, error)

	// Terminate asks a running container to stop. Best effort: callers do
	// not block indefinitely on it, and it is safe to call on any state.
	Terminate(ctx context.Context, handle []byte) error

	// Logs returns the accumulated stdout/stderr text collected for a
	// container so far, given its opaque handle. Finite, not restartable:
	// callers fetch once per terminal transition, not as a live stream.
	Logs(ctx context.Context, handle []byte) (string, error)
}

// InputArgument mirrors one entry of launch_container_task's
// input_arguments, section 6.
type InputArgument struct {
	TotalSize  int64
	IsDir      bool
	Value      *string
	URI        *string
	StagingURI string
}

// ContainerLaunchSpec is everything the launcher needs to start a task.
type ContainerLaunchSpec struct {
	Container      *ContainerImplementation
	InputArguments map[string]InputArgument
	OutputURIs     map[string]string
	LogURI         string
	Annotations    map[string]any
}

// LaunchedContainer is the launcher's view of a running or finished task.
type LaunchedContainer struct {
	Status    LaunchStatus
	ExitCode  *int
	Handle    []byte // opaque tagged-variant serialization, see internal/launcher
}
