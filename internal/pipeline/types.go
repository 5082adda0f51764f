// Package pipeline implements the graph compiler, orchestrator state
// machine, cache index, and query projections for compiled container
// pipelines. It is deliberately storage-agnostic: all persistence goes
// through the internal/store.Repository interface so the same logic runs
// against Postgres in production and against an in-memory fake in tests.
package pipeline

import (
	"encoding/json"
	"time"
)

// ContainerStatus is the per-node state machine of section 4.2.1.
type ContainerStatus string

const (
	StatusUninitialized       ContainerStatus = "UNINITIALIZED"
	StatusWaitingForUpstream  ContainerStatus = "WAITING_FOR_UPSTREAM"
	StatusQueued              ContainerStatus = "QUEUED"
	StatusPending             ContainerStatus = "PENDING"
	StatusRunning             ContainerStatus = "RUNNING"
	StatusSucceeded           ContainerStatus = "SUCCEEDED"
	StatusFailed              ContainerStatus = "FAILED"
	StatusSkipped             ContainerStatus = "SKIPPED"
	StatusSystemError         ContainerStatus = "SYSTEM_ERROR"
	StatusCancelled           ContainerStatus = "CANCELLED"
)

// Terminal reports whether s is one of the terminal states of 4.2.1.
func (s ContainerStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusSystemError, StatusCancelled:
		return true
	default:
		return false
	}
}

// permittedTransitions encodes the edges of the state machine in 4.2.1.
// CanTransition is the single place that enforces it; every writer of
// ExecutionNode.ContainerExecutionStatus must go through it.
var permittedTransitions = map[ContainerStatus][]ContainerStatus{
	StatusWaitingForUpstream: {StatusQueued, StatusSkipped, StatusCancelled},
	StatusQueued:             {StatusWaitingForUpstream, StatusPending, StatusSystemError, StatusSucceeded, StatusCancelled},
	StatusPending:            {StatusRunning, StatusSucceeded, StatusFailed, StatusSystemError, StatusCancelled},
	StatusRunning:            {StatusSucceeded, StatusFailed, StatusSystemError, StatusCancelled},
}

// CanTransition reports whether moving a node from `from` to `to` is a
// permitted edge of the state machine. Terminal states have no outgoing
// edges; an attempted transition out of one is a programming bug.
func CanTransition(from, to ContainerStatus) bool {
	if from.Terminal() {
		return false
	}
	for _, allowed := range permittedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ArgumentKind discriminates the ArgumentSource sum type of section 3.
type ArgumentKind string

const (
	ArgumentConstant   ArgumentKind = "constant"
	ArgumentGraphInput ArgumentKind = "graph_input"
	ArgumentTaskOutput ArgumentKind = "task_output"
)

// ArgumentSource is the tagged-union argument binding of a TaskSpec input.
// It is encoded on the wire as a singleton object keyed by variant name,
// matching the source's to_json_dict, e.g. {"task_output": {...}}.
type ArgumentSource struct {
	Kind ArgumentKind

	ConstantValue string // ArgumentConstant

	GraphInputName string // ArgumentGraphInput

	TaskID     string // ArgumentTaskOutput
	OutputName string // ArgumentTaskOutput
}

type argumentSourceWire struct {
	Constant   *struct{ Value string `json:"value"` }      `json:"constant,omitempty"`
	GraphInput *struct{ InputName string `json:"input_name"` } `json:"graph_input,omitempty"`
	TaskOutput *struct {
		TaskID     string `json:"task_id"`
		OutputName string `json:"output_name"`
	} `json:"task_output,omitempty"`
}

// MarshalJSON emits the singleton-object-keyed-by-variant-name encoding.
func (a ArgumentSource) MarshalJSON() ([]byte, error) {
	var w argumentSourceWire
	switch a.Kind {
	case ArgumentConstant:
		w.Constant = &struct{ Value string `json:"value"` }{a.ConstantValue}
	case ArgumentGraphInput:
		w.GraphInput = &struct{ InputName string `json:"input_name"` }{a.GraphInputName}
	case ArgumentTaskOutput:
		w.TaskOutput = &struct {
			TaskID     string `json:"task_id"`
			OutputName string `json:"output_name"`
		}{a.TaskID, a.OutputName}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the singleton-object-keyed-by-variant-name form.
func (a *ArgumentSource) UnmarshalJSON(data []byte) error {
	var w argumentSourceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Constant != nil:
		*a = ArgumentSource{Kind: ArgumentConstant, ConstantValue: w.Constant.Value}
	case w.GraphInput != nil:
		*a = ArgumentSource{Kind: ArgumentGraphInput, GraphInputName: w.GraphInput.InputName}
	case w.TaskOutput != nil:
		*a = ArgumentSource{Kind: ArgumentTaskOutput, TaskID: w.TaskOutput.TaskID, OutputName: w.TaskOutput.OutputName}
	}
	return nil
}

// InputSpec declares one named input of a ComponentSpec.
type InputSpec struct {
	Name     string
	Required bool
	Default  *string
}

// OutputSpec declares one named output of a ComponentSpec.
type OutputSpec struct {
	Name string
}

// ContainerImplementation is a leaf ComponentSpec that launches a container.
type ContainerImplementation struct {
	Image   string
	Command []string
	Args    []string
	Env     map[string]string
}

// GraphImplementation is a ComponentSpec whose body is a nested graph of
// child TaskSpecs plus a mapping of graph output name to the sibling
// TaskOutputArgument that fills it.
type GraphImplementation struct {
	Tasks        map[string]*TaskSpec
	TaskOrder    []string // stable iteration order, per the toposort tie-break in 4.1
	OutputValues map[string]ArgumentSource
}

// ComponentSpec is the declared interface and implementation of a task.
// Exactly one of Container or Graph is set.
type ComponentSpec struct {
	Inputs  []InputSpec
	Outputs []OutputSpec

	Container *ContainerImplementation
	Graph     *GraphImplementation
}

// TaskSpec is a task instance's user input: a component reference plus
// argument bindings and annotations. Never mutated once compiled.
type TaskSpec struct {
	ComponentSpec ComponentSpec
	Arguments     map[string]ArgumentSource
	Annotations   map[string]any
}

// PipelineRun is the user-facing submission; it owns one root ExecutionNode.
type PipelineRun struct {
	ID              int64
	RootExecutionID int64
	Annotations     map[string]any
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExecutionNode is one instance of a task in a compiled pipeline DAG.
type ExecutionNode struct {
	ID                         int64
	RunID                      int64
	TaskSpecJSON               []byte // frozen serialized TaskSpec
	ParentExecutionID          *int64
	TaskIDInParentExecution    *string
	ContainerExecutionID       *int64
	ContainerExecutionCacheKey *string
	ContainerExecutionStatus   *ContainerStatus // non-nil iff ContainerImplementation
}

// IsContainer reports whether this node represents a leaf container task.
func (n *ExecutionNode) IsContainer() bool {
	return n.ContainerExecutionStatus != nil
}

// ArtifactNode is a logical artifact slot within a compiled graph.
type ArtifactNode struct {
	ID                   int64
	ProducerExecutionID  *int64
	ProducerOutputName   *string
	TypeName             string
	TypeProperties       map[string]any
	ArtifactDataID       *int64
	HadDataInPast        bool
}

// ArtifactData is an immutable content record for an artifact.
type ArtifactData struct {
	ID         int64
	TotalSize  int64
	IsDir      bool
	Hash       string // "md5=<hex>"
	URI        *string
	Value      *string
	CreatedAt  time.Time
}

// InputArtifactLink directs an execution node's named input to an artifact.
type InputArtifactLink struct {
	ExecutionID int64
	InputName   string
	ArtifactID  int64
}

// OutputArtifactLink directs an execution node's named output to an artifact.
type OutputArtifactLink struct {
	ExecutionID int64
	OutputName  string
	ArtifactID  int64
}

// LaunchStatus mirrors the Launcher-facing status vocabulary of section 6:
// it shares PENDING, RUNNING, SUCCEEDED and FAILED with ContainerStatus and
// adds ERROR for the launcher's own unknown-failure case, mapped to
// SYSTEM_ERROR by the orchestrator.
type LaunchStatus string

const (
	LaunchPending   LaunchStatus = "PENDING"
	LaunchRunning   LaunchStatus = "RUNNING"
	LaunchSucceeded LaunchStatus = "SUCCEEDED"
	LaunchFailed    LaunchStatus = "FAILED"
	LaunchError     LaunchStatus = "ERROR"
)

// ContainerExecution is one actual launch attempt. Multiple ExecutionNodes
// may share one ContainerExecution when the cache index adopts a prior
// launch; lifetime is then the longest referrer's.
type ContainerExecution struct {
	ID                    int64
	ExecUUID              string
	Status                LaunchStatus
	ExitCode              *int
	LauncherData          []byte // opaque tagged-variant handle, see internal/launcher's taggedHandle
	InputArtifactDataMap  map[string]int64
	OutputArtifactDataMap map[string]int64
	LogURI                string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	LastProcessedAt       time.Time
}
