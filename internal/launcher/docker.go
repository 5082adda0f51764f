package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// dockerHandle is the serialized state a DockerLauncher needs to refresh or
// terminate a previously launched container.
type dockerHandle struct {
	ContainerID string `json:"container_id"`
}

// DockerLauncher runs each task as a container on a local or remote Docker
// engine, bind-mounting input/output staging directories the way
// CopyToVolume stages a host path into a container. Inputs and outputs are
// assumed to live under a shared filesystem path (StagingURI/output URIs
// stripped of a "file://" prefix) — suitable for single-host deployments;
// a networked object store would need a sidecar that syncs the mount.
type DockerLauncher struct {
	Client *client.Client

	// InputGuestRoot and OutputGuestRoot are the paths inside the container
	// where staged inputs/outputs are mounted.
	InputGuestRoot  string
	OutputGuestRoot string
}

var _ pipeline.Launcher = (*DockerLauncher)(nil)

func NewDockerLauncher(cli *client.Client) *DockerLauncher {
	return &DockerLauncher{
		Client:          cli,
		InputGuestRoot:  "/tmp/inputs",
		OutputGuestRoot: "/tmp/outputs",
	}
}

func hostPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func (l *DockerLauncher) Launch(ctx context.Context, spec pipeline.ContainerLaunchSpec) (pipeline.LaunchedContainer, error) {
	env := make([]string, 0, len(spec.Container.Env))
	for k, v := range spec.Container.Env {
		env = append(env, k+"="+v)
	}

	var mounts []mount.Mount
	for name, arg := range spec.InputArguments {
		if arg.Value != nil {
			continue // inputs with an inline value are not mounted or otherwise passed to the container
		}
		guest := filepath.Join(l.InputGuestRoot, name)
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: hostPath(arg.StagingURI), Target: guest})
		env = append(env, "CP_INPUT_"+name+"="+guest)
	}
	for name, uri := range spec.OutputURIs {
		guest := filepath.Join(l.OutputGuestRoot, name)
		host := hostPath(uri)
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "mkdir output staging dir", Err: err}
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: host, Target: guest})
		env = append(env, "CP_OUTPUT_"+name+"="+guest)
	}

	name := "cp--" + uuid.New().String()
	resp, err := l.Client.ContainerCreate(ctx,
		&containertypes.Config{
			Image:        spec.Container.Image,
			Entrypoint:   spec.Container.Command,
			Cmd:          spec.Container.Args,
			Env:          env,
			AttachStdout: true,
			AttachStderr: true,
		},
		&containertypes.HostConfig{Mounts: mounts},
		&networktypes.NetworkingConfig{},
		&ocispec.Platform{},
		name,
	)
	if err != nil {
		return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "container_create", Err: err}
	}
	if err := l.Client.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "container_start", Err: err}
	}

	handle, err := encodeHandle(taggedHandle{Docker: &dockerHandle{ContainerID: resp.ID}})
	if err != nil {
		return pipeline.LaunchedContainer{}, err
	}
	return pipeline.LaunchedContainer{Status: pipeline.LaunchRunning, Handle: handle}, nil
}

func (l *DockerLauncher) Refresh(ctx context.Context, handle []byte) (pipeline.LaunchedContainer, error) {
	h, err := decodeHandle(handle)
	if err != nil || h.Docker == nil {
		return pipeline.LaunchedContainer{}, fmt.Errorf("refresh: not a docker handle")
	}
	info, err := l.Client.ContainerInspect(ctx, h.Docker.ContainerID)
	if err != nil {
		return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "container_inspect", Err: err}
	}

	status := pipeline.LaunchRunning
	var exitCode *int
	if !info.State.Running {
		code := info.State.ExitCode
		exitCode = &code
		if code == 0 {
			status = pipeline.LaunchSucceeded
		} else {
			status = pipeline.LaunchFailed
		}
	}
	return pipeline.LaunchedContainer{Status: status, ExitCode: exitCode, Handle: handle}, nil
}

func (l *DockerLauncher) Terminate(ctx context.Context, handle []byte) error {
	h, err := decodeHandle(handle)
	if err != nil || h.Docker == nil {
		return nil
	}
	timeout := 10
	return l.Client.ContainerStop(ctx, h.Docker.ContainerID, containertypes.StopOptions{Timeout: &timeout})
}

func (l *DockerLauncher) Logs(ctx context.Context, handle []byte) (string, error) {
	h, err := decodeHandle(handle)
	if err != nil || h.Docker == nil {
		return "", fmt.Errorf("logs: not a docker handle")
	}
	out, err := l.Client.ContainerLogs(ctx, h.Docker.ContainerID, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", &pipeline.LauncherError{Op: "container_logs", Err: err}
	}
	defer out.Close()

	var buf strings.Builder
	if _, err := stdcopy.StdCopy(&buf, &buf, out); err != nil && err != io.EOF {
		return "", &pipeline.LauncherError{Op: "demux_logs", Err: err}
	}
	return buf.String(), nil
}

