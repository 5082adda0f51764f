package launcher

import (
	"context"
	"fmt"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// kindAnnotation selects which concrete launcher handles a task. When it is
// absent, Registry falls back to Default; an unrecognized value is rejected.
const kindAnnotation = "launcher.cloud-pipelines.net/kind"

const (
	kindDocker  = "docker"
	kindProcess = "process"
)

// Registry routes Launch calls to one of several named launchers by
// annotation, the way executor.Registry picks an Executor by CanHandle —
// here the routing key is explicit instead of inspected from the payload,
// since ContainerImplementation alone doesn't say how to run it.
type Registry struct {
	Docker  pipeline.Launcher
	Process pipeline.Launcher
	Default string // kindDocker or kindProcess
}

var _ pipeline.Launcher = (*Registry)(nil)

func (r *Registry) pick(kind string) (pipeline.Launcher, error) {
	switch kind {
	case kindDocker:
		if r.Docker == nil {
			return nil, fmt.Errorf("no docker launcher configured")
		}
		return r.Docker, nil
	case kindProcess:
		if r.Process == nil {
			return nil, fmt.Errorf("no process launcher configured")
		}
		return r.Process, nil
	default:
		return nil, fmt.Errorf("unknown launcher kind %q", kind)
	}
}

func (r *Registry) Launch(ctx context.Context, spec pipeline.ContainerLaunchSpec) (pipeline.LaunchedContainer, error) {
	kind, _ := spec.Annotations[kindAnnotation].(string)
	if kind == "" {
		kind = r.Default
	}
	if kind == "" {
		kind = kindDocker
	}
	l, err := r.pick(kind)
	if err != nil {
		return pipeline.LaunchedContainer{}, err
	}
	launched, err := l.Launch(ctx, spec)
	if err != nil {
		return launched, err
	}
	return rewrapHandle(kind, launched)
}

func (r *Registry) Refresh(ctx context.Context, handle []byte) (pipeline.LaunchedContainer, error) {
	tagged, err := decodeHandle(handle)
	if err != nil {
		return pipeline.LaunchedContainer{}, fmt.Errorf("decode launcher handle: %w", err)
	}
	switch {
	case tagged.Docker != nil:
		return r.Docker.Refresh(ctx, handle)
	case tagged.Process != nil:
		return r.Process.Refresh(ctx, handle)
	default:
		return pipeline.LaunchedContainer{}, fmt.Errorf("empty launcher handle")
	}
}

func (r *Registry) Terminate(ctx context.Context, handle []byte) error {
	tagged, err := decodeHandle(handle)
	if err != nil {
		return fmt.Errorf("decode launcher handle: %w", err)
	}
	switch {
	case tagged.Docker != nil:
		return r.Docker.Terminate(ctx, handle)
	case tagged.Process != nil:
		return r.Process.Terminate(ctx, handle)
	default:
		return nil
	}
}

func (r *Registry) Logs(ctx context.Context, handle []byte) (string, error) {
	tagged, err := decodeHandle(handle)
	if err != nil {
		return "", fmt.Errorf("decode launcher handle: %w", err)
	}
	switch {
	case tagged.Docker != nil:
		return r.Docker.Logs(ctx, handle)
	case tagged.Process != nil:
		return r.Process.Logs(ctx, handle)
	default:
		return "", nil
	}
}

// rewrapHandle is unnecessary in practice (each concrete launcher already
// emits its own tagged handle) but guards against a launcher forgetting to
// tag itself, which would otherwise make Refresh/Terminate/Logs unroutable.
func rewrapHandle(kind string, launched pipeline.LaunchedContainer) (pipeline.LaunchedContainer, error) {
	tagged, err := decodeHandle(launched.Handle)
	if err == nil && (tagged.Docker != nil || tagged.Process != nil) {
		return launched, nil
	}
	return pipeline.LaunchedContainer{}, fmt.Errorf("launcher kind %q returned an untagged handle", kind)
}
