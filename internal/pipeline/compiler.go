package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/cloud-pipelines/orchestrator/internal/store"
)

// maxGraphDepth bounds recursive graph compilation per section 9's design
// note: adversarial nesting can exhaust a native stack, so depth is capped
// rather than converted to an explicit work stack.
const maxGraphDepth = 64

// CompileResult is the outcome of a successful submission.
type CompileResult struct {
	RunID           int64
	RootExecutionID int64
}

// Compile persists root (and every descendant it expands to) within a
// single transaction, per section 4.1. On any validation failure the
// whole transaction rolls back and no rows are persisted.
func Compile(ctx context.Context, repo store.Repository, root *TaskSpec, createdBy string, runAnnotations map[string]any) (*CompileResult, error) {
	if err := validateRootArguments(root); err != nil {
		return nil, err
	}

	var result CompileResult
	err := repo.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		run := &PipelineRun{
			Annotations: runAnnotations,
			CreatedBy:   createdBy,
		}
		runID, err := tx.CreatePipelineRun(ctx, run)
		if err != nil {
			return fmt.Errorf("create pipeline run: %w", err)
		}

		c := &compiler{tx: tx, runID: runID}
		rootID, _, err := c.compileNode(ctx, root, nil, nil, nil, nil, 0)
		if err != nil {
			return err
		}
		if err := tx.SetPipelineRunRoot(ctx, runID, rootID); err != nil {
			return fmt.Errorf("set pipeline run root: %w", err)
		}

		result = CompileResult{RunID: runID, RootExecutionID: rootID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// validateRootArguments enforces section 4.1's rule that top-level
// arguments may only be constants, never graph-input or task-output.
func validateRootArguments(root *TaskSpec) error {
	for name, arg := range root.Arguments {
		if arg.Kind != ArgumentConstant {
			return &ValidationError{Reason: fmt.Sprintf("root argument %q must be a constant", name)}
		}
	}
	return nil
}

// compiler carries the transaction and run id through the recursive
// compile walk; it holds no other mutable state, so it is safe to use
// across the depth-first descent without extra synchronization.
type compiler struct {
	tx    store.Repository
	runID int64
}

// compileNode implements the per-node algorithm of section 4.1 step 1-4.
// graphInputArtifacts resolves GraphInputArgument references against the
// enclosing graph's own incoming artifact map; it is nil at the root.
// It returns the new node's id and a map of output name -> artifact id
// for use by the caller (a sibling's TaskOutputArgument, or the parent
// graph's own output re-linking).
func (c *compiler) compileNode(
	ctx context.Context,
	task *TaskSpec,
	parentExecutionID *int64,
	taskIDInParent *string,
	ancestors []int64,
	graphInputArtifacts map[string]int64,
	depth int,
) (int64, map[string]int64, error) {
	if depth > maxGraphDepth {
		return 0, nil, &ValidationError{Reason: fmt.Sprintf("graph nesting exceeds depth limit of %d", maxGraphDepth)}
	}

	taskSpecJSON, err := json.Marshal(task)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal task spec: %w", err)
	}

	node := &ExecutionNode{
		RunID:                   c.runID,
		TaskSpecJSON:            taskSpecJSON,
		ParentExecutionID:       parentExecutionID,
		TaskIDInParentExecution: taskIDInParent,
	}
	nodeID, err := c.tx.CreateExecutionNode(ctx, node)
	if err != nil {
		return 0, nil, fmt.Errorf("create execution node: %w", err)
	}
	if len(ancestors) > 0 {
		if err := c.tx.CreateClosureLinks(ctx, nodeID, ancestors); err != nil {
			return 0, nil, fmt.Errorf("create closure links: %w", err)
		}
	}
	childAncestors := append(append([]int64(nil), ancestors...), nodeID)

	inputArtifacts, allInputsResolved, err := c.resolveInputs(ctx, nodeID, task, graphInputArtifacts)
	if err != nil {
		return 0, nil, err
	}

	switch {
	case task.ComponentSpec.Container != nil:
		outputIDs, err := c.materializeContainerOutputs(ctx, nodeID, task.ComponentSpec.Outputs)
		if err != nil {
			return 0, nil, err
		}
		initial := StatusWaitingForUpstream
		if allInputsResolved {
			initial = StatusQueued
		}
		if err := c.tx.SetInitialExecutionStatus(ctx, nodeID, initial); err != nil {
			return 0, nil, fmt.Errorf("set initial status: %w", err)
		}
		return nodeID, outputIDs, nil

	case task.ComponentSpec.Graph != nil:
		outputIDs, err := c.compileGraphBody(ctx, nodeID, task.ComponentSpec.Graph, inputArtifacts, childAncestors, depth)
		if err != nil {
			return 0, nil, err
		}
		return nodeID, outputIDs, nil

	default:
		return 0, nil, &ValidationError{Reason: "task has neither a container nor a graph implementation"}
	}
}

// resolveInputs implements step 2 of section 4.1. It returns the set of
// artifact ids now linked as inputs (by input name) and whether every
// linked input artifact already has data available (used to decide
// QUEUED vs WAITING_FOR_UPSTREAM for container nodes).
func (c *compiler) resolveInputs(ctx context.Context, nodeID int64, task *TaskSpec, graphInputArtifacts map[string]int64) (map[string]int64, bool, error) {
	linked := make(map[string]int64)
	allResolved := true

	for _, input := range task.ComponentSpec.Inputs {
		arg, has := task.Arguments[input.Name]

		if !has {
			if input.Default != nil {
				artifactID, err := c.materializeConstant(ctx, *input.Default)
				if err != nil {
					return nil, false, err
				}
				if err := c.tx.CreateInputArtifactLink(ctx, InputArtifactLink{ExecutionID: nodeID, InputName: input.Name, ArtifactID: artifactID}); err != nil {
					return nil, false, fmt.Errorf("link default input %q: %w", input.Name, err)
				}
				linked[input.Name] = artifactID
				continue
			}
			if input.Required {
				return nil, false, &ValidationError{Reason: fmt.Sprintf("missing required input %q", input.Name)}
			}
			continue // optional, unconnected
		}

		switch arg.Kind {
		case ArgumentConstant:
			artifactID, err := c.materializeConstant(ctx, arg.ConstantValue)
			if err != nil {
				return nil, false, err
			}
			if err := c.tx.CreateInputArtifactLink(ctx, InputArtifactLink{ExecutionID: nodeID, InputName: input.Name, ArtifactID: artifactID}); err != nil {
				return nil, false, fmt.Errorf("link constant input %q: %w", input.Name, err)
			}
			linked[input.Name] = artifactID

		case ArgumentGraphInput:
			artifactID, ok := graphInputArtifacts[arg.GraphInputName]
			if !ok {
				if input.Default != nil {
					defaultID, err := c.materializeConstant(ctx, *input.Default)
					if err != nil {
						return nil, false, err
					}
					if err := c.tx.CreateInputArtifactLink(ctx, InputArtifactLink{ExecutionID: nodeID, InputName: input.Name, ArtifactID: defaultID}); err != nil {
						return nil, false, fmt.Errorf("link graph-input-default %q: %w", input.Name, err)
					}
					linked[input.Name] = defaultID
					continue
				}
				if input.Required {
					return nil, false, &ValidationError{Reason: fmt.Sprintf("unconnected graph input %q for required input %q", arg.GraphInputName, input.Name)}
				}
				continue // optional, left unconnected
			}
			if err := c.tx.CreateInputArtifactLink(ctx, InputArtifactLink{ExecutionID: nodeID, InputName: input.Name, ArtifactID: artifactID}); err != nil {
				return nil, false, fmt.Errorf("link graph input %q: %w", input.Name, err)
			}
			linked[input.Name] = artifactID
			if resolved, err := c.artifactHasData(ctx, artifactID); err != nil {
				return nil, false, err
			} else if !resolved {
				allResolved = false
			}

		case ArgumentTaskOutput:
			// The caller (compileGraphBody) resolves TaskOutputArgument against
			// already-compiled siblings before calling compileNode, passing the
			// resolved artifact id in graphInputArtifacts under a synthetic key.
			artifactID, ok := graphInputArtifacts[taskOutputKey(arg.TaskID, arg.OutputName)]
			if !ok {
				return nil, false, &UnresolvedReferenceError{TaskID: arg.TaskID, ReferencedBy: input.Name}
			}
			if err := c.tx.CreateInputArtifactLink(ctx, InputArtifactLink{ExecutionID: nodeID, InputName: input.Name, ArtifactID: artifactID}); err != nil {
				return nil, false, fmt.Errorf("link task-output input %q: %w", input.Name, err)
			}
			linked[input.Name] = artifactID
			if resolved, err := c.artifactHasData(ctx, artifactID); err != nil {
				return nil, false, err
			} else if !resolved {
				allResolved = false
			}
		}
	}

	return linked, allResolved, nil
}

func taskOutputKey(taskID, outputName string) string { return "task-output:" + taskID + ":" + outputName }

func (c *compiler) artifactHasData(ctx context.Context, artifactID int64) (bool, error) {
	artifact, err := c.tx.GetArtifactNode(ctx, artifactID)
	if err != nil {
		return false, err
	}
	return artifact.ArtifactDataID != nil, nil
}

// materializeConstant implements the constant/default branch of step 2:
// a fresh ArtifactNode plus inline ArtifactData, content-addressed by hash
// and deduplicated across nodes (DESIGN.md open question 1).
func (c *compiler) materializeConstant(ctx context.Context, value string) (int64, error) {
	size := int64(len(value))
	hash := md5Hex([]byte(value))
	dataID, err := c.tx.GetOrCreateArtifactData(ctx, &ArtifactData{
		TotalSize: size,
		IsDir:     false,
		Hash:      hash,
		Value:     &value,
	})
	if err != nil {
		return 0, fmt.Errorf("materialize constant data: %w", err)
	}
	artifactID, err := c.tx.CreateArtifactNode(ctx, &ArtifactNode{
		TypeName:      "String",
		ArtifactDataID: &dataID,
		HadDataInPast: true,
	})
	if err != nil {
		return 0, fmt.Errorf("materialize constant artifact: %w", err)
	}
	return artifactID, nil
}

// materializeContainerOutputs creates one empty output ArtifactNode per
// declared output of a container implementation (step 3).
func (c *compiler) materializeContainerOutputs(ctx context.Context, nodeID int64, outputs []OutputSpec) (map[string]int64, error) {
	result := make(map[string]int64, len(outputs))
	for _, out := range outputs {
		name := out.Name
		artifactID, err := c.tx.CreateArtifactNode(ctx, &ArtifactNode{
			ProducerExecutionID: &nodeID,
			ProducerOutputName:  &name,
			TypeName:            "Artifact",
		})
		if err != nil {
			return nil, fmt.Errorf("materialize output %q: %w", name, err)
		}
		if err := c.tx.CreateOutputArtifactLink(ctx, OutputArtifactLink{ExecutionID: nodeID, OutputName: name, ArtifactID: artifactID}); err != nil {
			return nil, fmt.Errorf("link output %q: %w", name, err)
		}
		result[name] = artifactID
	}
	return result, nil
}

// compileGraphBody implements step 4: toposort, compile children in
// dependency order, then re-link the graph node's own outputs.
func (c *compiler) compileGraphBody(
	ctx context.Context,
	nodeID int64,
	graph *GraphImplementation,
	ownInputArtifacts map[string]int64,
	childAncestors []int64,
	depth int,
) (map[string]int64, error) {
	order, err := topoSortTasks(graph.TaskOrder, graph.Tasks)
	if err != nil {
		return nil, err
	}

	// childOutputArtifacts[taskID][outputName] = artifact id, populated as
	// children compile so later siblings can resolve TaskOutputArgument.
	childOutputArtifacts := make(map[string]map[string]int64, len(order))

	for _, taskID := range order {
		childTask := graph.Tasks[taskID]
		resolverInputs := make(map[string]int64, len(ownInputArtifacts))
		for k, v := range ownInputArtifacts {
			resolverInputs[k] = v
		}
		for _, arg := range childTask.Arguments {
			if arg.Kind == ArgumentTaskOutput {
				siblingOutputs, ok := childOutputArtifacts[arg.TaskID]
				if !ok {
					return nil, &UnresolvedReferenceError{TaskID: arg.TaskID, ReferencedBy: taskID}
				}
				artifactID, ok := siblingOutputs[arg.OutputName]
				if !ok {
					return nil, &UnresolvedReferenceError{TaskID: arg.TaskID, ReferencedBy: taskID}
				}
				resolverInputs[taskOutputKey(arg.TaskID, arg.OutputName)] = artifactID
			}
		}

		taskIDCopy := taskID
		_, outputIDs, err := c.compileNode(ctx, childTask, &nodeID, &taskIDCopy, childAncestors, resolverInputs, depth+1)
		if err != nil {
			return nil, err
		}
		childOutputArtifacts[taskID] = outputIDs
	}

	// Graph-level output mapping: re-link the sibling's output ArtifactNode
	// as an output of the graph node itself.
	graphOutputs := make(map[string]int64, len(graph.OutputValues))
	for outputName, source := range graph.OutputValues {
		if source.Kind != ArgumentTaskOutput {
			return nil, &ValidationError{Reason: fmt.Sprintf("graph output %q must be a task output", outputName)}
		}
		siblingOutputs, ok := childOutputArtifacts[source.TaskID]
		if !ok {
			return nil, &UnresolvedReferenceError{TaskID: source.TaskID, ReferencedBy: outputName}
		}
		artifactID, ok := siblingOutputs[source.OutputName]
		if !ok {
			return nil, &UnresolvedReferenceError{TaskID: source.TaskID, ReferencedBy: outputName}
		}
		if err := c.tx.CreateOutputArtifactLink(ctx, OutputArtifactLink{ExecutionID: nodeID, OutputName: outputName, ArtifactID: artifactID}); err != nil {
			return nil, fmt.Errorf("link graph output %q: %w", outputName, err)
		}
		graphOutputs[outputName] = artifactID
	}

	return graphOutputs, nil
}

// topoSortTasks orders tasks so every TaskOutputArgument dependency comes
// before its consumer, per section 4.1's tie-break: iteration follows the
// stable order slice, not hash-map order, and a cycle is reported at the
// task with the smallest remaining dependency count once no zero-count
// task remains.
func topoSortTasks(order []string, tasks map[string]*TaskSpec) ([]string, error) {
	indegree := make(map[string]int, len(order))
	dependents := make(map[string][]string, len(order))

	for _, taskID := range order {
		indegree[taskID] = 0
	}
	for _, taskID := range order {
		task := tasks[taskID]
		seen := make(map[string]bool)
		for _, arg := range task.Arguments {
			if arg.Kind != ArgumentTaskOutput {
				continue
			}
			if _, ok := tasks[arg.TaskID]; !ok {
				return nil, &UnresolvedReferenceError{TaskID: arg.TaskID, ReferencedBy: taskID}
			}
			if seen[arg.TaskID] {
				continue
			}
			seen[arg.TaskID] = true
			indegree[taskID]++
			dependents[arg.TaskID] = append(dependents[arg.TaskID], taskID)
		}
	}

	remaining := make(map[string]bool, len(order))
	for _, t := range order {
		remaining[t] = true
	}

	result := make([]string, 0, len(order))
	for len(remaining) > 0 {
		next := ""
		for _, t := range order {
			if remaining[t] && indegree[t] == 0 {
				next = t
				break
			}
		}
		if next == "" {
			// Cycle: report the task with the smallest remaining indegree,
			// tie-broken by the stable order slice.
			best := ""
			bestCount := -1
			for _, t := range order {
				if !remaining[t] {
					continue
				}
				if bestCount == -1 || indegree[t] < bestCount {
					best = t
					bestCount = indegree[t]
				}
			}
			return nil, &CyclicDependencyError{TaskID: best}
		}
		result = append(result, next)
		delete(remaining, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
		}
	}

	return result, nil
}

// isUTF8Inlinable reports whether data is a candidate for inline storage
// on ArtifactData.Value: valid UTF-8 and under the 256-byte threshold
// named in section 4.2.3 (the original's literal _MAX_PRELOAD_VALUE_SIZE
// of 255 denotes the same boundary; see SPEC_FULL.md).
func isUTF8Inlinable(data []byte) bool {
	return len(data) < 256 && utf8.Valid(data)
}
