package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// MemoryRepository is an in-memory Repository used by unit tests and by
// local experimentation without a live Postgres instance. It is grounded
// on the same interface the Postgres implementation satisfies, so
// compiler/orchestrator/query tests exercise identical code paths.
//
// It is safe for concurrent use; WithTx takes a coarse lock for the
// duration of the closure rather than implementing real snapshot
// isolation, which is sufficient for the single-writer sweep loops this
// package is built to serialize.
type MemoryRepository struct {
	mu sync.Mutex

	nextID int64

	runs               map[int64]*pipeline.PipelineRun
	nodes              map[int64]*pipeline.ExecutionNode
	closure            map[int64]map[int64]bool // executionID -> set of ancestor IDs (inclusive of self)
	artifactNodes      map[int64]*pipeline.ArtifactNode
	artifactData       map[int64]*pipeline.ArtifactData
	artifactDataByHash map[string]int64
	inputLinks         map[int64][]pipeline.InputArtifactLink  // by executionID
	outputLinks        map[int64][]pipeline.OutputArtifactLink // by executionID
	containerExecs     map[int64]*pipeline.ContainerExecution
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs:               make(map[int64]*pipeline.PipelineRun),
		nodes:              make(map[int64]*pipeline.ExecutionNode),
		closure:            make(map[int64]map[int64]bool),
		artifactNodes:      make(map[int64]*pipeline.ArtifactNode),
		artifactData:       make(map[int64]*pipeline.ArtifactData),
		artifactDataByHash: make(map[string]int64),
		inputLinks:         make(map[int64][]pipeline.InputArtifactLink),
		outputLinks:        make(map[int64][]pipeline.OutputArtifactLink),
		containerExecs:     make(map[int64]*pipeline.ContainerExecution),
	}
}

func (m *MemoryRepository) allocID() int64 {
	m.nextID++
	return m.nextID
}

// WithTx runs fn against the same repository under the instance lock. A
// returned error is surfaced to the caller; this implementation does not
// roll back partial writes (acceptable for tests, which construct a fresh
// MemoryRepository per case rather than relying on rollback semantics).
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m)
}

func (m *MemoryRepository) CreatePipelineRun(ctx context.Context, run *pipeline.PipelineRun) (int64, error) {
	id := m.allocID()
	run.ID = id
	cp := *run
	m.runs[id] = &cp
	return id, nil
}

func (m *MemoryRepository) SetPipelineRunRoot(ctx context.Context, runID, rootExecutionID int64) error {
	run, ok := m.runs[runID]
	if !ok {
		return &pipeline.ItemNotFoundError{Kind: "PipelineRun", ID: runID}
	}
	run.RootExecutionID = rootExecutionID
	run.UpdatedAt = now()
	return nil
}

func (m *MemoryRepository) CreateExecutionNode(ctx context.Context, node *pipeline.ExecutionNode) (int64, error) {
	id := m.allocID()
	node.ID = id
	cp := *node
	m.nodes[id] = &cp
	m.closure[id] = map[int64]bool{id: true}
	return id, nil
}

func (m *MemoryRepository) CreateClosureLinks(ctx context.Context, executionID int64, ancestorIDs []int64) error {
	set, ok := m.closure[executionID]
	if !ok {
		set = map[int64]bool{executionID: true}
		m.closure[executionID] = set
	}
	for _, a := range ancestorIDs {
		set[a] = true
	}
	return nil
}

func (m *MemoryRepository) CreateArtifactNode(ctx context.Context, node *pipeline.ArtifactNode) (int64, error) {
	id := m.allocID()
	node.ID = id
	cp := *node
	m.artifactNodes[id] = &cp
	return id, nil
}

func (m *MemoryRepository) GetOrCreateArtifactData(ctx context.Context, data *pipeline.ArtifactData) (int64, error) {
	if existing, ok := m.artifactDataByHash[data.Hash]; ok {
		return existing, nil
	}
	id := m.allocID()
	data.ID = id
	if data.CreatedAt.IsZero() {
		data.CreatedAt = now()
	}
	cp := *data
	m.artifactData[id] = &cp
	m.artifactDataByHash[data.Hash] = id
	return id, nil
}

func (m *MemoryRepository) CreateInputArtifactLink(ctx context.Context, link pipeline.InputArtifactLink) error {
	m.inputLinks[link.ExecutionID] = append(m.inputLinks[link.ExecutionID], link)
	return nil
}

func (m *MemoryRepository) CreateOutputArtifactLink(ctx context.Context, link pipeline.OutputArtifactLink) error {
	m.outputLinks[link.ExecutionID] = append(m.outputLinks[link.ExecutionID], link)
	return nil
}

func (m *MemoryRepository) PickReadyExecution(ctx context.Context) (*pipeline.ExecutionNode, bool, error) {
	ids := make([]int64, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		n := m.nodes[id]
		if n.ContainerExecutionStatus == nil {
			continue
		}
		s := *n.ContainerExecutionStatus
		if s == pipeline.StatusUninitialized || s == pipeline.StatusQueued {
			cp := *n
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryRepository) PickInFlightExecution(ctx context.Context) (*pipeline.ContainerExecution, bool, error) {
	var best *pipeline.ContainerExecution
	for _, ce := range m.containerExecs {
		if ce.Status != pipeline.LaunchPending && ce.Status != pipeline.LaunchRunning {
			continue
		}
		if best == nil || ce.LastProcessedAt.Before(best.LastProcessedAt) ||
			(ce.LastProcessedAt.Equal(best.LastProcessedAt) && ce.ID < best.ID) {
			best = ce
		}
	}
	if best == nil {
		return nil, false, nil
	}
	cp := *best
	return &cp, true, nil
}

func (m *MemoryRepository) GetExecutionNode(ctx context.Context, id int64) (*pipeline.ExecutionNode, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, &pipeline.ItemNotFoundError{Kind: "ExecutionNode", ID: id}
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryRepository) GetExecutionNodesByContainerExecution(ctx context.Context, containerExecutionID int64) ([]*pipeline.ExecutionNode, error) {
	var out []*pipeline.ExecutionNode
	for _, n := range m.nodes {
		if n.ContainerExecutionID != nil && *n.ContainerExecutionID == containerExecutionID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) GetPipelineRun(ctx context.Context, runID int64) (*pipeline.PipelineRun, error) {
	r, ok := m.runs[runID]
	if !ok {
		return nil, &pipeline.ItemNotFoundError{Kind: "PipelineRun", ID: runID}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) GetPipelineRunByExecution(ctx context.Context, executionID int64) (*pipeline.PipelineRun, error) {
	ancestors := m.closure[executionID]
	for _, r := range m.runs {
		if ancestors[r.RootExecutionID] || r.RootExecutionID == executionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, &pipeline.ItemNotFoundError{Kind: "PipelineRun", ID: executionID}
}

func (m *MemoryRepository) GetInputArtifactLinks(ctx context.Context, executionID int64) ([]pipeline.InputArtifactLink, error) {
	return append([]pipeline.InputArtifactLink(nil), m.inputLinks[executionID]...), nil
}

func (m *MemoryRepository) GetOutputArtifactLinks(ctx context.Context, executionID int64) ([]pipeline.OutputArtifactLink, error) {
	return append([]pipeline.OutputArtifactLink(nil), m.outputLinks[executionID]...), nil
}

func (m *MemoryRepository) GetArtifactNode(ctx context.Context, id int64) (*pipeline.ArtifactNode, error) {
	a, ok := m.artifactNodes[id]
	if !ok {
		return nil, &pipeline.ItemNotFoundError{Kind: "ArtifactNode", ID: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) GetArtifactData(ctx context.Context, id int64) (*pipeline.ArtifactData, error) {
	d, ok := m.artifactData[id]
	if !ok {
		return nil, &pipeline.ItemNotFoundError{Kind: "ArtifactData", ID: id}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) AttachArtifactData(ctx context.Context, artifactNodeID, artifactDataID int64) error {
	a, ok := m.artifactNodes[artifactNodeID]
	if !ok {
		return &pipeline.ItemNotFoundError{Kind: "ArtifactNode", ID: artifactNodeID}
	}
	a.ArtifactDataID = &artifactDataID
	a.HadDataInPast = true
	return nil
}

func (m *MemoryRepository) SetInitialExecutionStatus(ctx context.Context, executionID int64, status pipeline.ContainerStatus) error {
	n, ok := m.nodes[executionID]
	if !ok {
		return &pipeline.ItemNotFoundError{Kind: "ExecutionNode", ID: executionID}
	}
	n.ContainerExecutionStatus = &status
	return nil
}

func (m *MemoryRepository) UpdateExecutionStatus(ctx context.Context, executionID int64, status pipeline.ContainerStatus) error {
	n, ok := m.nodes[executionID]
	if !ok {
		return &pipeline.ItemNotFoundError{Kind: "ExecutionNode", ID: executionID}
	}
	if n.ContainerExecutionStatus == nil {
		return &pipeline.OrchestratorError{Reason: "status update on non-container execution node"}
	}
	from := *n.ContainerExecutionStatus
	if from == status {
		return nil
	}
	if !pipeline.CanTransition(from, status) {
		return &pipeline.OrchestratorError{Reason: "illegal transition " + string(from) + " -> " + string(status)}
	}
	n.ContainerExecutionStatus = &status
	return nil
}

func (m *MemoryRepository) SetExecutionCacheKey(ctx context.Context, executionID int64, cacheKey string) error {
	n, ok := m.nodes[executionID]
	if !ok {
		return &pipeline.ItemNotFoundError{Kind: "ExecutionNode", ID: executionID}
	}
	if n.ContainerExecutionCacheKey != nil {
		return nil // set at most once, per section 3's invariant
	}
	n.ContainerExecutionCacheKey = &cacheKey
	return nil
}

func (m *MemoryRepository) SetExecutionContainerExecution(ctx context.Context, executionID, containerExecutionID int64) error {
	n, ok := m.nodes[executionID]
	if !ok {
		return &pipeline.ItemNotFoundError{Kind: "ExecutionNode", ID: executionID}
	}
	n.ContainerExecutionID = &containerExecutionID
	return nil
}

func (m *MemoryRepository) CreateContainerExecution(ctx context.Context, ce *pipeline.ContainerExecution) (int64, error) {
	id := m.allocID()
	ce.ID = id
	if ce.CreatedAt.IsZero() {
		ce.CreatedAt = now()
	}
	ce.UpdatedAt = ce.CreatedAt
	if ce.LastProcessedAt.IsZero() {
		ce.LastProcessedAt = ce.CreatedAt
	}
	cp := *ce
	m.containerExecs[id] = &cp
	return id, nil
}

func (m *MemoryRepository) GetContainerExecution(ctx context.Context, id int64) (*pipeline.ContainerExecution, error) {
	ce, ok := m.containerExecs[id]
	if !ok {
		return nil, &pipeline.ItemNotFoundError{Kind: "ContainerExecution", ID: id}
	}
	cp := *ce
	return &cp, nil
}

func (m *MemoryRepository) UpdateContainerExecution(ctx context.Context, ce *pipeline.ContainerExecution) error {
	existing, ok := m.containerExecs[ce.ID]
	if !ok {
		return &pipeline.ItemNotFoundError{Kind: "ContainerExecution", ID: ce.ID}
	}
	cp := *ce
	cp.UpdatedAt = now()
	cp.CreatedAt = existing.CreatedAt
	m.containerExecs[ce.ID] = &cp
	return nil
}

func (m *MemoryRepository) TouchLastProcessedAt(ctx context.Context, containerExecutionID int64, at time.Time) error {
	ce, ok := m.containerExecs[containerExecutionID]
	if !ok {
		return &pipeline.ItemNotFoundError{Kind: "ContainerExecution", ID: containerExecutionID}
	}
	ce.LastProcessedAt = at
	return nil
}

func (m *MemoryRepository) FindCachedSuccess(ctx context.Context, cacheKey string) (*pipeline.ContainerExecution, bool, error) {
	for _, n := range m.nodes {
		if n.ContainerExecutionCacheKey != nil && *n.ContainerExecutionCacheKey == cacheKey &&
			n.ContainerExecutionStatus != nil && *n.ContainerExecutionStatus == pipeline.StatusSucceeded &&
			n.ContainerExecutionID != nil {
			ce, ok := m.containerExecs[*n.ContainerExecutionID]
			if ok && ce.Status == pipeline.LaunchSucceeded {
				cp := *ce
				return &cp, true, nil
			}
		}
	}
	return nil, false, nil
}

func (m *MemoryRepository) GetDirectDownstream(ctx context.Context, executionID int64) ([]*pipeline.ExecutionNode, error) {
	producedArtifacts := make(map[int64]bool)
	for _, link := range m.outputLinks[executionID] {
		producedArtifacts[link.ArtifactID] = true
	}
	seen := make(map[int64]bool)
	var out []*pipeline.ExecutionNode
	for execID, links := range m.inputLinks {
		if execID == executionID {
			continue
		}
		for _, link := range links {
			if producedArtifacts[link.ArtifactID] && !seen[execID] {
				seen[execID] = true
				n := m.nodes[execID]
				if n != nil {
					cp := *n
					out = append(out, &cp)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) GetSubtree(ctx context.Context, rootExecutionID int64) ([]*pipeline.ExecutionNode, error) {
	var out []*pipeline.ExecutionNode
	for id, ancestors := range m.closure {
		if ancestors[rootExecutionID] {
			if n, ok := m.nodes[id]; ok {
				cp := *n
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) GetChildExecutions(ctx context.Context, parentExecutionID int64) ([]*pipeline.ExecutionNode, error) {
	var out []*pipeline.ExecutionNode
	for _, n := range m.nodes {
		if n.ParentExecutionID != nil && *n.ParentExecutionID == parentExecutionID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) AggregateDescendantStatusCounts(ctx context.Context, parentExecutionID int64) (map[int64]map[pipeline.ContainerStatus]int, error) {
	children, err := m.GetChildExecutions(ctx, parentExecutionID)
	if err != nil {
		return nil, err
	}
	result := make(map[int64]map[pipeline.ContainerStatus]int, len(children))
	for _, child := range children {
		counts := make(map[pipeline.ContainerStatus]int)
		if child.ContainerExecutionStatus != nil {
			counts[*child.ContainerExecutionStatus]++
		}
		for id, ancestors := range m.closure {
			if id == child.ID || !ancestors[child.ID] {
				continue
			}
			n := m.nodes[id]
			if n != nil && n.ContainerExecutionStatus != nil {
				counts[*n.ContainerExecutionStatus]++
			}
		}
		result[child.ID] = counts
	}
	return result, nil
}

func now() time.Time { return time.Now().UTC() }
