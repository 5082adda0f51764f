// Package store defines the persistence boundary (C3) for compiled
// pipeline DAGs, execution state, and the cache index, plus a Postgres
// (pgx) implementation and an in-memory implementation used by tests that
// cannot talk to a live database. Every concern the orchestrator needs is
// expressed as a narrow sub-interface rather than one wide interface, all
// backed by a single relational schema.
package store

import (
	"context"
	"time"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// CompilerStore is used once per submission, inside a single transaction,
// by the graph compiler (C4).
type CompilerStore interface {
	CreatePipelineRun(ctx context.Context, run *pipeline.PipelineRun) (int64, error)
	SetPipelineRunRoot(ctx context.Context, runID, rootExecutionID int64) error

	CreateExecutionNode(ctx context.Context, node *pipeline.ExecutionNode) (int64, error)
	CreateClosureLinks(ctx context.Context, executionID int64, ancestorIDs []int64) error

	CreateArtifactNode(ctx context.Context, node *pipeline.ArtifactNode) (int64, error)
	// GetOrCreateArtifactData dedups by content hash per DESIGN.md's open
	// question 1: a second insert with the same hash returns the first row.
	GetOrCreateArtifactData(ctx context.Context, data *pipeline.ArtifactData) (int64, error)

	CreateInputArtifactLink(ctx context.Context, link pipeline.InputArtifactLink) error
	CreateOutputArtifactLink(ctx context.Context, link pipeline.OutputArtifactLink) error

	// SetInitialExecutionStatus assigns a container node's very first
	// status (QUEUED or WAITING_FOR_UPSTREAM, the "[start]" bracket of
	// section 4.2.1). It bypasses pipeline.CanTransition, which only
	// governs transitions out of an already-assigned status.
	SetInitialExecutionStatus(ctx context.Context, executionID int64, status pipeline.ContainerStatus) error
}

// OrchestratorStore is used by the two sweep loops (C5) and cancellation.
type OrchestratorStore interface {
	// PickReadyExecution selects one node with status in
	// {UNINITIALIZED, QUEUED}, per section 4.2.2. ok is false if none exist.
	PickReadyExecution(ctx context.Context) (node *pipeline.ExecutionNode, ok bool, err error)

	// PickInFlightExecution selects one ContainerExecution with status in
	// {PENDING, RUNNING}, ordered by LastProcessedAt ascending, per 4.2.3.
	PickInFlightExecution(ctx context.Context) (ce *pipeline.ContainerExecution, ok bool, err error)

	GetExecutionNode(ctx context.Context, id int64) (*pipeline.ExecutionNode, error)
	GetExecutionNodesByContainerExecution(ctx context.Context, containerExecutionID int64) ([]*pipeline.ExecutionNode, error)
	GetPipelineRun(ctx context.Context, runID int64) (*pipeline.PipelineRun, error)
	GetPipelineRunByExecution(ctx context.Context, executionID int64) (*pipeline.PipelineRun, error)

	GetInputArtifactLinks(ctx context.Context, executionID int64) ([]pipeline.InputArtifactLink, error)
	GetOutputArtifactLinks(ctx context.Context, executionID int64) ([]pipeline.OutputArtifactLink, error)
	GetArtifactNode(ctx context.Context, id int64) (*pipeline.ArtifactNode, error)
	GetArtifactData(ctx context.Context, id int64) (*pipeline.ArtifactData, error)
	AttachArtifactData(ctx context.Context, artifactNodeID, artifactDataID int64) error

	// UpdateExecutionStatus enforces pipeline.CanTransition and returns
	// pipeline.OrchestratorError on an illegal transition.
	UpdateExecutionStatus(ctx context.Context, executionID int64, status pipeline.ContainerStatus) error
	SetExecutionCacheKey(ctx context.Context, executionID int64, cacheKey string) error
	SetExecutionContainerExecution(ctx context.Context, executionID, containerExecutionID int64) error

	CreateContainerExecution(ctx context.Context, ce *pipeline.ContainerExecution) (int64, error)
	GetContainerExecution(ctx context.Context, id int64) (*pipeline.ContainerExecution, error)
	UpdateContainerExecution(ctx context.Context, ce *pipeline.ContainerExecution) error
	TouchLastProcessedAt(ctx context.Context, containerExecutionID int64, at time.Time) error

	// FindCachedSuccess looks up a prior SUCCEEDED ContainerExecution with
	// the given cache key, for cache adoption per section 4.4.
	FindCachedSuccess(ctx context.Context, cacheKey string) (ce *pipeline.ContainerExecution, ok bool, err error)

	// GetDirectDownstream returns nodes whose inputs are linked to one of
	// executionID's output artifacts, per section 4.2.4.
	GetDirectDownstream(ctx context.Context, executionID int64) ([]*pipeline.ExecutionNode, error)

	// GetSubtree returns every descendant execution node of rootExecutionID
	// (inclusive) via the closure table, for cancellation (4.5).
	GetSubtree(ctx context.Context, rootExecutionID int64) ([]*pipeline.ExecutionNode, error)
}

// QueryStore backs the read-only projections of the Query Service (C7).
type QueryStore interface {
	GetExecutionNode(ctx context.Context, id int64) (*pipeline.ExecutionNode, error)
	GetChildExecutions(ctx context.Context, parentExecutionID int64) ([]*pipeline.ExecutionNode, error)
	GetInputArtifactLinks(ctx context.Context, executionID int64) ([]pipeline.InputArtifactLink, error)
	GetOutputArtifactLinks(ctx context.Context, executionID int64) ([]pipeline.OutputArtifactLink, error)
	GetArtifactData(ctx context.Context, id int64) (*pipeline.ArtifactData, error)

	// AggregateDescendantStatusCounts returns, for every direct child of
	// parentExecutionID, a count of {status -> count} over every descendant
	// container node under that child (section 4.3), using the closure table.
	AggregateDescendantStatusCounts(ctx context.Context, parentExecutionID int64) (map[int64]map[pipeline.ContainerStatus]int, error)
}

// Repository is the full persistence surface. Postgres and in-memory
// implementations both satisfy it; compiler/orchestrator/query code
// depends only on this interface.
type Repository interface {
	CompilerStore
	OrchestratorStore
	QueryStore

	// WithTx runs fn within a single transaction, matching the compiler's
	// "all within one transaction" requirement (section 4.1) and the
	// per-node commit boundaries of sections 4.2.2-4.2.3. fn's returned
	// error rolls the transaction back; nil commits it.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}
