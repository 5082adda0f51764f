package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// processHandle is the serialized state a ProcessLauncher needs to refresh
// or terminate a previously launched local process.
type processHandle struct {
	PID     int    `json:"pid"`
	LogPath string `json:"log_path"`
}

// ProcessLauncher runs each task as a local OS process, the same shape as
// executor.CommandExecutor but driving an arbitrary command/args pair
// instead of a shell string, and persisting combined output to a file so
// Logs can be read back after the process exits.
type ProcessLauncher struct {
	LogDir string

	mu        sync.Mutex
	processes map[int]*exec.Cmd
}

var _ pipeline.Launcher = (*ProcessLauncher)(nil)

func NewProcessLauncher(logDir string) *ProcessLauncher {
	return &ProcessLauncher{LogDir: logDir, processes: make(map[int]*exec.Cmd)}
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec pipeline.ContainerLaunchSpec) (pipeline.LaunchedContainer, error) {
	args := append([]string{}, spec.Container.Command...)
	args = append(args, spec.Container.Args...)
	if len(args) == 0 {
		return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "launch", Err: fmt.Errorf("empty command")}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = os.Environ()
	for k, v := range spec.Container.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for name, arg := range spec.InputArguments {
		cmd.Env = append(cmd.Env, "CP_INPUT_"+name+"="+hostPath(arg.StagingURI))
	}
	for name, uri := range spec.OutputURIs {
		host := hostPath(uri)
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "mkdir output staging dir", Err: err}
		}
		cmd.Env = append(cmd.Env, "CP_OUTPUT_"+name+"="+host)
	}

	if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
		return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "mkdir log dir", Err: err}
	}
	logFile, err := os.CreateTemp(l.LogDir, "proc-*.log")
	if err != nil {
		return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "create log file", Err: err}
	}
	logPath := logFile.Name()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return pipeline.LaunchedContainer{}, &pipeline.LauncherError{Op: "start", Err: err}
	}
	pid := cmd.Process.Pid

	l.mu.Lock()
	l.processes[pid] = cmd
	l.mu.Unlock()

	go func() {
		cmd.Wait()
		logFile.Close()
	}()

	handle, err := encodeHandle(taggedHandle{Process: &processHandle{PID: pid, LogPath: logPath}})
	if err != nil {
		return pipeline.LaunchedContainer{}, err
	}
	return pipeline.LaunchedContainer{Status: pipeline.LaunchRunning, Handle: handle}, nil
}

func (l *ProcessLauncher) Refresh(ctx context.Context, handle []byte) (pipeline.LaunchedContainer, error) {
	h, err := decodeHandle(handle)
	if err != nil || h.Process == nil {
		return pipeline.LaunchedContainer{}, fmt.Errorf("refresh: not a process handle")
	}

	l.mu.Lock()
	cmd, tracked := l.processes[h.Process.PID]
	l.mu.Unlock()
	if !tracked {
		return pipeline.LaunchedContainer{}, fmt.Errorf("refresh: pid %d not tracked by this launcher instance", h.Process.PID)
	}

	if cmd.ProcessState == nil {
		return pipeline.LaunchedContainer{Status: pipeline.LaunchRunning, Handle: handle}, nil
	}
	code := cmd.ProcessState.ExitCode()
	status := pipeline.LaunchSucceeded
	if code != 0 {
		status = pipeline.LaunchFailed
	}
	return pipeline.LaunchedContainer{Status: status, ExitCode: &code, Handle: handle}, nil
}

func (l *ProcessLauncher) Terminate(ctx context.Context, handle []byte) error {
	h, err := decodeHandle(handle)
	if err != nil || h.Process == nil {
		return nil
	}
	l.mu.Lock()
	cmd, tracked := l.processes[h.Process.PID]
	l.mu.Unlock()
	if !tracked || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (l *ProcessLauncher) Logs(ctx context.Context, handle []byte) (string, error) {
	h, err := decodeHandle(handle)
	if err != nil || h.Process == nil {
		return "", fmt.Errorf("logs: not a process handle")
	}
	data, err := os.ReadFile(h.Process.LogPath)
	if err != nil {
		return "", &pipeline.StorageError{Op: "read_log_file", Err: err}
	}
	return string(data), nil
}

