package pipeline

import "fmt"

// The error taxonomy of section 7. Each is a distinct type so callers can
// classify with errors.As instead of string matching, the way
// db/repository wraps driver errors with fmt.Errorf("%w", ...).

// ItemNotFoundError means a requested entity is absent. It never triggers
// a state change.
type ItemNotFoundError struct {
	Kind string
	ID   any
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Kind, e.ID)
}

// ValidationError is a compile-time defect in a submitted TaskSpec graph:
// a missing required input, a bad root-level argument kind, or an unknown
// component implementation. It is raised synchronously at submit time; no
// partial DAG is persisted. Cycles and unknown task references are reported
// with the separate CyclicDependencyError and UnresolvedReferenceError types.
type ValidationError struct {
	Reason string
	TaskID string
}

func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("validation error in task %q: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// CyclicDependencyError is a compile-time defect, distinct from
// ValidationError, naming the task at which the cycle was detected (section 4.1's tie-break: the task with the smallest
// remaining dependency count when no zero-count task remains).
type CyclicDependencyError struct {
	TaskID string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency detected at task %q", e.TaskID)
}

// UnresolvedReferenceError is a compile-time defect, distinct from
// ValidationError, for a TaskOutputArgument naming a task id that does not
// exist in the enclosing graph.
type UnresolvedReferenceError struct {
	TaskID       string
	ReferencedBy string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("task %q referenced by %q does not exist", e.TaskID, e.ReferencedBy)
}

// LauncherError is raised by the Container Launcher (C2). During launch it
// transitions the node to SYSTEM_ERROR and triggers skip propagation;
// during refresh it either retries (logs/info) or transitions outright.
type LauncherError struct {
	Op  string
	Err error
}

func (e *LauncherError) Error() string { return fmt.Sprintf("launcher %s: %v", e.Op, e.Err) }
func (e *LauncherError) Unwrap() error { return e.Err }

// StorageError is raised by the Artifact Storage Provider (C1). It is
// retried up to 5 times on finalize paths; otherwise it bubbles into
// SYSTEM_ERROR for the node.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// OrchestratorError is an internal invariant violation: a missing
// PipelineRun for an execution, an unexpected launcher status, or a
// missing implementation. It drives the node to SYSTEM_ERROR; the sweep
// logs the error message without a stack trace.
type OrchestratorError struct {
	Reason string
}

func (e *OrchestratorError) Error() string { return "orchestrator invariant violated: " + e.Reason }

// PermissionError means an external identity provider denied an action.
// It never mutates orchestrator state.
type PermissionError struct {
	Action string
}

func (e *PermissionError) Error() string { return fmt.Sprintf("permission denied: %s", e.Action) }
