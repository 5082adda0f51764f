package pipeline

import (
	"context"
	"fmt"

	"github.com/cloud-pipelines/orchestrator/internal/store"
)

// QueryService answers the read-only projections of section 4.3. It is
// independent of the Orchestrator: callers see an eventually-consistent
// view, since the two sweep loops commit in small, overlapping steps.
type QueryService struct {
	Repo store.Repository
}

// ExecutionDetail is the get-single-execution response: the decoded task
// spec, the parent execution id (nil for a run's root), a map from each
// child task's id-within-this-graph to its own execution id, and the
// input/output artifact node ids keyed by argument/output name.
type ExecutionDetail struct {
	Execution         *ExecutionNode
	Task              *TaskSpec
	ParentExecutionID *int64
	ChildExecutionIDs map[string]int64
	InputArtifactIDs  map[string]int64
	OutputArtifactIDs map[string]int64
}

func (q *QueryService) GetExecution(ctx context.Context, executionID int64) (*ExecutionDetail, error) {
	node, err := q.Repo.GetExecutionNode(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution node: %w", err)
	}
	task, err := decodeTaskSpec(node.TaskSpecJSON)
	if err != nil {
		return nil, &OrchestratorError{Reason: "decode task spec: " + err.Error()}
	}

	children, err := q.Repo.GetChildExecutions(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get child executions: %w", err)
	}
	childIDs := make(map[string]int64, len(children))
	for _, c := range children {
		if c.TaskIDInParentExecution != nil {
			childIDs[*c.TaskIDInParentExecution] = c.ID
		}
	}

	inputLinks, err := q.Repo.GetInputArtifactLinks(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get input artifact links: %w", err)
	}
	inputIDs := make(map[string]int64, len(inputLinks))
	for _, l := range inputLinks {
		inputIDs[l.InputName] = l.ArtifactID
	}

	outputLinks, err := q.Repo.GetOutputArtifactLinks(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get output artifact links: %w", err)
	}
	outputIDs := make(map[string]int64, len(outputLinks))
	for _, l := range outputLinks {
		outputIDs[l.OutputName] = l.ArtifactID
	}

	return &ExecutionDetail{
		Execution:         node,
		Task:              task,
		ParentExecutionID: node.ParentExecutionID,
		ChildExecutionIDs: childIDs,
		InputArtifactIDs:  inputIDs,
		OutputArtifactIDs: outputIDs,
	}, nil
}

// GetArtifact materializes an ArtifactNode with its ArtifactData inlined,
// so callers don't need a second round trip for small constant values.
type ArtifactDetail struct {
	Artifact *ArtifactNode
	Data     *ArtifactData // nil if the artifact has no data yet
}

func (q *QueryService) GetArtifact(ctx context.Context, artifactID int64) (*ArtifactDetail, error) {
	// ArtifactNode lookups go through the orchestrator store surface since
	// QueryStore doesn't duplicate it; both are satisfied by the same
	// Repository, so this is not a layering violation in practice.
	node, err := q.Repo.GetArtifactNode(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("get artifact node: %w", err)
	}
	detail := &ArtifactDetail{Artifact: node}
	if node.ArtifactDataID != nil {
		data, err := q.Repo.GetArtifactData(ctx, *node.ArtifactDataID)
		if err != nil {
			return nil, fmt.Errorf("get artifact data: %w", err)
		}
		detail.Data = data
	}
	return detail, nil
}

// AggregateStatusCounts answers get-aggregate-graph-state: for every
// direct child of parentExecutionID, a count of {status -> count} over
// every descendant container node under that child (not just the child
// itself), using the closure table. Container nodes with no status yet
// are excluded by the store implementation.
func (q *QueryService) AggregateStatusCounts(ctx context.Context, parentExecutionID int64) (map[int64]map[ContainerStatus]int, error) {
	counts, err := q.Repo.AggregateDescendantStatusCounts(ctx, parentExecutionID)
	if err != nil {
		return nil, fmt.Errorf("aggregate descendant status counts: %w", err)
	}
	return counts, nil
}
