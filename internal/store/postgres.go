package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// pgxExecutor is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// PostgresRepository's query methods run unmodified whether they are
// operating at the pool level or inside WithTx's transaction, the same
// way db/postgres_pgx.go wraps a pool behind Exec/Query/QueryRow.
type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the production Repository implementation.
type PostgresRepository struct {
	pool *pgxpool.Pool
	db   pgxExecutor
}

// NewPostgresRepository connects to Postgres and applies Schema.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresRepository{pool: pool, db: pool}, nil
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// WithTx runs fn inside a single pgx transaction, committing on a nil
// return and rolling back otherwise, matching the compiler's "all within
// one transaction" and the sweep loops' per-node commit boundaries.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txRepo := &PostgresRepository{pool: r.pool, db: tx}
	if err := fn(ctx, txRepo); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreatePipelineRun(ctx context.Context, run *pipeline.PipelineRun) (int64, error) {
	annotations, err := json.Marshal(run.Annotations)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	err = r.db.QueryRow(ctx,
		`INSERT INTO pipeline_runs (root_execution_id, annotations, created_by, created_at, updated_at)
		 VALUES (NULL, $1, $2, $3, $3) RETURNING id`,
		annotations, run.CreatedBy, now,
	).Scan(&run.ID)
	if err != nil {
		return 0, fmt.Errorf("insert pipeline_run: %w", err)
	}
	run.CreatedAt, run.UpdatedAt = now, now
	return run.ID, nil
}

func (r *PostgresRepository) SetPipelineRunRoot(ctx context.Context, runID, rootExecutionID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE pipeline_runs SET root_execution_id = $1, updated_at = now() WHERE id = $2`,
		rootExecutionID, runID)
	if err != nil {
		return fmt.Errorf("update pipeline_run root: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.ItemNotFoundError{Kind: "PipelineRun", ID: runID}
	}
	return nil
}

func (r *PostgresRepository) CreateExecutionNode(ctx context.Context, node *pipeline.ExecutionNode) (int64, error) {
	var status *string
	if node.ContainerExecutionStatus != nil {
		s := string(*node.ContainerExecutionStatus)
		status = &s
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO execution_nodes
		   (run_id, task_spec_json, parent_execution_id, task_id_in_parent_execution,
		    container_execution_id, container_execution_cache_key, container_execution_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		node.RunID, node.TaskSpecJSON, node.ParentExecutionID, node.TaskIDInParentExecution,
		node.ContainerExecutionID, node.ContainerExecutionCacheKey, status,
	).Scan(&node.ID)
	if err != nil {
		return 0, fmt.Errorf("insert execution_node: %w", err)
	}
	// Every node is its own ancestor in the closure table (reflexive closure).
	if _, err := r.db.Exec(ctx,
		`INSERT INTO execution_ancestor_links (execution_id, ancestor_execution_id) VALUES ($1, $1)
		 ON CONFLICT DO NOTHING`, node.ID); err != nil {
		return 0, fmt.Errorf("insert reflexive closure link: %w", err)
	}
	return node.ID, nil
}

func (r *PostgresRepository) CreateClosureLinks(ctx context.Context, executionID int64, ancestorIDs []int64) error {
	for _, ancestorID := range ancestorIDs {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO execution_ancestor_links (execution_id, ancestor_execution_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, executionID, ancestorID); err != nil {
			return fmt.Errorf("insert closure link: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) CreateArtifactNode(ctx context.Context, node *pipeline.ArtifactNode) (int64, error) {
	typeProps, err := json.Marshal(node.TypeProperties)
	if err != nil {
		return 0, err
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO artifact_nodes
		   (producer_execution_id, producer_output_name, type_name, type_properties, artifact_data_id, had_data_in_past)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		node.ProducerExecutionID, node.ProducerOutputName, node.TypeName, typeProps, node.ArtifactDataID, node.HadDataInPast,
	).Scan(&node.ID)
	if err != nil {
		return 0, fmt.Errorf("insert artifact_node: %w", err)
	}
	return node.ID, nil
}

func (r *PostgresRepository) GetOrCreateArtifactData(ctx context.Context, data *pipeline.ArtifactData) (int64, error) {
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now().UTC()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO artifact_data (total_size, is_dir, hash, uri, value, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		 RETURNING id`,
		data.TotalSize, data.IsDir, data.Hash, data.URI, data.Value, data.CreatedAt,
	).Scan(&data.ID)
	if err != nil {
		return 0, fmt.Errorf("upsert artifact_data: %w", err)
	}
	return data.ID, nil
}

func (r *PostgresRepository) CreateInputArtifactLink(ctx context.Context, link pipeline.InputArtifactLink) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO input_artifact_links (execution_id, input_name, artifact_id) VALUES ($1, $2, $3)`,
		link.ExecutionID, link.InputName, link.ArtifactID)
	if err != nil {
		return fmt.Errorf("insert input_artifact_link: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateOutputArtifactLink(ctx context.Context, link pipeline.OutputArtifactLink) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO output_artifact_links (execution_id, output_name, artifact_id) VALUES ($1, $2, $3)`,
		link.ExecutionID, link.OutputName, link.ArtifactID)
	if err != nil {
		return fmt.Errorf("insert output_artifact_link: %w", err)
	}
	return nil
}

func scanExecutionNode(row pgx.Row) (*pipeline.ExecutionNode, error) {
	var n pipeline.ExecutionNode
	var status *string
	if err := row.Scan(&n.ID, &n.RunID, &n.TaskSpecJSON, &n.ParentExecutionID, &n.TaskIDInParentExecution,
		&n.ContainerExecutionID, &n.ContainerExecutionCacheKey, &status); err != nil {
		return nil, err
	}
	if status != nil {
		s := pipeline.ContainerStatus(*status)
		n.ContainerExecutionStatus = &s
	}
	return &n, nil
}

const executionNodeColumns = `id, run_id, task_spec_json, parent_execution_id, task_id_in_parent_execution,
	container_execution_id, container_execution_cache_key, container_execution_status`

func (r *PostgresRepository) PickReadyExecution(ctx context.Context) (*pipeline.ExecutionNode, bool, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+executionNodeColumns+` FROM execution_nodes
		 WHERE container_execution_status IN ('UNINITIALIZED', 'QUEUED')
		 ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`)
	n, err := scanExecutionNode(row)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pick ready execution: %w", err)
	}
	return n, true, nil
}

func (r *PostgresRepository) PickInFlightExecution(ctx context.Context) (*pipeline.ContainerExecution, bool, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, exec_uuid, status, exit_code, launcher_data, input_artifact_data_map,
		        output_artifact_data_map, log_uri, created_at, updated_at, last_processed_at
		 FROM container_executions
		 WHERE status IN ('PENDING', 'RUNNING')
		 ORDER BY last_processed_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`)
	ce, err := scanContainerExecution(row)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pick in-flight execution: %w", err)
	}
	return ce, true, nil
}

func scanContainerExecution(row pgx.Row) (*pipeline.ContainerExecution, error) {
	var ce pipeline.ContainerExecution
	var status string
	var inputMap, outputMap []byte
	if err := row.Scan(&ce.ID, &ce.ExecUUID, &status, &ce.ExitCode, &ce.LauncherData, &inputMap,
		&outputMap, &ce.LogURI, &ce.CreatedAt, &ce.UpdatedAt, &ce.LastProcessedAt); err != nil {
		return nil, err
	}
	ce.Status = pipeline.LaunchStatus(status)
	if len(inputMap) > 0 {
		_ = json.Unmarshal(inputMap, &ce.InputArtifactDataMap)
	}
	if len(outputMap) > 0 {
		_ = json.Unmarshal(outputMap, &ce.OutputArtifactDataMap)
	}
	return &ce, nil
}

func (r *PostgresRepository) GetExecutionNode(ctx context.Context, id int64) (*pipeline.ExecutionNode, error) {
	row := r.db.QueryRow(ctx, `SELECT `+executionNodeColumns+` FROM execution_nodes WHERE id = $1`, id)
	n, err := scanExecutionNode(row)
	if err == pgx.ErrNoRows {
		return nil, &pipeline.ItemNotFoundError{Kind: "ExecutionNode", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get execution_node: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) GetExecutionNodesByContainerExecution(ctx context.Context, containerExecutionID int64) ([]*pipeline.ExecutionNode, error) {
	rows, err := r.db.Query(ctx, `SELECT `+executionNodeColumns+` FROM execution_nodes WHERE container_execution_id = $1 ORDER BY id`, containerExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list execution_nodes by container execution: %w", err)
	}
	defer rows.Close()
	var out []*pipeline.ExecutionNode
	for rows.Next() {
		n, err := scanExecutionNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetPipelineRun(ctx context.Context, runID int64) (*pipeline.PipelineRun, error) {
	var run pipeline.PipelineRun
	var annotations []byte
	err := r.db.QueryRow(ctx,
		`SELECT id, root_execution_id, annotations, created_by, created_at, updated_at FROM pipeline_runs WHERE id = $1`,
		runID).Scan(&run.ID, &run.RootExecutionID, &annotations, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &pipeline.ItemNotFoundError{Kind: "PipelineRun", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline_run: %w", err)
	}
	_ = json.Unmarshal(annotations, &run.Annotations)
	return &run, nil
}

func (r *PostgresRepository) GetPipelineRunByExecution(ctx context.Context, executionID int64) (*pipeline.PipelineRun, error) {
	var run pipeline.PipelineRun
	var annotations []byte
	err := r.db.QueryRow(ctx,
		`SELECT pr.id, pr.root_execution_id, pr.annotations, pr.created_by, pr.created_at, pr.updated_at
		 FROM pipeline_runs pr
		 JOIN execution_ancestor_links eal ON eal.ancestor_execution_id = pr.root_execution_id
		 WHERE eal.execution_id = $1`, executionID,
	).Scan(&run.ID, &run.RootExecutionID, &annotations, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &pipeline.ItemNotFoundError{Kind: "PipelineRun", ID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline_run by execution: %w", err)
	}
	_ = json.Unmarshal(annotations, &run.Annotations)
	return &run, nil
}

func (r *PostgresRepository) GetInputArtifactLinks(ctx context.Context, executionID int64) ([]pipeline.InputArtifactLink, error) {
	rows, err := r.db.Query(ctx, `SELECT execution_id, input_name, artifact_id FROM input_artifact_links WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list input_artifact_links: %w", err)
	}
	defer rows.Close()
	var out []pipeline.InputArtifactLink
	for rows.Next() {
		var l pipeline.InputArtifactLink
		if err := rows.Scan(&l.ExecutionID, &l.InputName, &l.ArtifactID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetOutputArtifactLinks(ctx context.Context, executionID int64) ([]pipeline.OutputArtifactLink, error) {
	rows, err := r.db.Query(ctx, `SELECT execution_id, output_name, artifact_id FROM output_artifact_links WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list output_artifact_links: %w", err)
	}
	defer rows.Close()
	var out []pipeline.OutputArtifactLink
	for rows.Next() {
		var l pipeline.OutputArtifactLink
		if err := rows.Scan(&l.ExecutionID, &l.OutputName, &l.ArtifactID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetArtifactNode(ctx context.Context, id int64) (*pipeline.ArtifactNode, error) {
	var a pipeline.ArtifactNode
	var typeProps []byte
	err := r.db.QueryRow(ctx,
		`SELECT id, producer_execution_id, producer_output_name, type_name, type_properties, artifact_data_id, had_data_in_past
		 FROM artifact_nodes WHERE id = $1`, id,
	).Scan(&a.ID, &a.ProducerExecutionID, &a.ProducerOutputName, &a.TypeName, &typeProps, &a.ArtifactDataID, &a.HadDataInPast)
	if err == pgx.ErrNoRows {
		return nil, &pipeline.ItemNotFoundError{Kind: "ArtifactNode", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact_node: %w", err)
	}
	_ = json.Unmarshal(typeProps, &a.TypeProperties)
	return &a, nil
}

func (r *PostgresRepository) GetArtifactData(ctx context.Context, id int64) (*pipeline.ArtifactData, error) {
	var d pipeline.ArtifactData
	err := r.db.QueryRow(ctx,
		`SELECT id, total_size, is_dir, hash, uri, value, created_at FROM artifact_data WHERE id = $1`, id,
	).Scan(&d.ID, &d.TotalSize, &d.IsDir, &d.Hash, &d.URI, &d.Value, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, &pipeline.ItemNotFoundError{Kind: "ArtifactData", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact_data: %w", err)
	}
	return &d, nil
}

func (r *PostgresRepository) AttachArtifactData(ctx context.Context, artifactNodeID, artifactDataID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE artifact_nodes SET artifact_data_id = $1, had_data_in_past = true WHERE id = $2`,
		artifactDataID, artifactNodeID)
	if err != nil {
		return fmt.Errorf("attach artifact data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.ItemNotFoundError{Kind: "ArtifactNode", ID: artifactNodeID}
	}
	return nil
}

func (r *PostgresRepository) SetInitialExecutionStatus(ctx context.Context, executionID int64, status pipeline.ContainerStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE execution_nodes SET container_execution_status = $1 WHERE id = $2`, string(status), executionID)
	if err != nil {
		return fmt.Errorf("set initial execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.ItemNotFoundError{Kind: "ExecutionNode", ID: executionID}
	}
	return nil
}

func (r *PostgresRepository) UpdateExecutionStatus(ctx context.Context, executionID int64, status pipeline.ContainerStatus) error {
	n, err := r.GetExecutionNode(ctx, executionID)
	if err != nil {
		return err
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
	_, err = r.db.Exec(ctx, `UPDATE execution_nodes SET container_execution_status = $1 WHERE id = $2`, string(status), executionID)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetExecutionCacheKey(ctx context.Context, executionID int64, cacheKey string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE execution_nodes SET container_execution_cache_key = $1
		 WHERE id = $2 AND container_execution_cache_key IS NULL`, cacheKey, executionID)
	if err != nil {
		return fmt.Errorf("set execution cache key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetExecutionContainerExecution(ctx context.Context, executionID, containerExecutionID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE execution_nodes SET container_execution_id = $1 WHERE id = $2`, containerExecutionID, executionID)
	if err != nil {
		return fmt.Errorf("set execution container execution: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateContainerExecution(ctx context.Context, ce *pipeline.ContainerExecution) (int64, error) {
	now := time.Now().UTC()
	if ce.CreatedAt.IsZero() {
		ce.CreatedAt = now
	}
	ce.UpdatedAt = ce.CreatedAt
	if ce.LastProcessedAt.IsZero() {
		ce.LastProcessedAt = ce.CreatedAt
	}
	inputMap, _ := json.Marshal(ce.InputArtifactDataMap)
	outputMap, _ := json.Marshal(ce.OutputArtifactDataMap)
	err := r.db.QueryRow(ctx,
		`INSERT INTO container_executions
		   (exec_uuid, status, exit_code, launcher_data, input_artifact_data_map, output_artifact_data_map,
		    log_uri, created_at, updated_at, last_processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		ce.ExecUUID, string(ce.Status), ce.ExitCode, ce.LauncherData, inputMap, outputMap,
		ce.LogURI, ce.CreatedAt, ce.UpdatedAt, ce.LastProcessedAt,
	).Scan(&ce.ID)
	if err != nil {
		return 0, fmt.Errorf("insert container_execution: %w", err)
	}
	return ce.ID, nil
}

func (r *PostgresRepository) GetContainerExecution(ctx context.Context, id int64) (*pipeline.ContainerExecution, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, exec_uuid, status, exit_code, launcher_data, input_artifact_data_map,
		        output_artifact_data_map, log_uri, created_at, updated_at, last_processed_at
		 FROM container_executions WHERE id = $1`, id)
	ce, err := scanContainerExecution(row)
	if err == pgx.ErrNoRows {
		return nil, &pipeline.ItemNotFoundError{Kind: "ContainerExecution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get container_execution: %w", err)
	}
	return ce, nil
}

func (r *PostgresRepository) UpdateContainerExecution(ctx context.Context, ce *pipeline.ContainerExecution) error {
	inputMap, _ := json.Marshal(ce.InputArtifactDataMap)
	outputMap, _ := json.Marshal(ce.OutputArtifactDataMap)
	tag, err := r.db.Exec(ctx,
		`UPDATE container_executions SET status = $1, exit_code = $2, launcher_data = $3,
		   input_artifact_data_map = $4, output_artifact_data_map = $5, updated_at = now()
		 WHERE id = $6`,
		string(ce.Status), ce.ExitCode, ce.LauncherData, inputMap, outputMap, ce.ID)
	if err != nil {
		return fmt.Errorf("update container_execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.ItemNotFoundError{Kind: "ContainerExecution", ID: ce.ID}
	}
	return nil
}

func (r *PostgresRepository) TouchLastProcessedAt(ctx context.Context, containerExecutionID int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE container_executions SET last_processed_at = $1 WHERE id = $2`, at, containerExecutionID)
	if err != nil {
		return fmt.Errorf("touch last_processed_at: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindCachedSuccess(ctx context.Context, cacheKey string) (*pipeline.ContainerExecution, bool, error) {
	row := r.db.QueryRow(ctx,
		`SELECT ce.id, ce.exec_uuid, ce.status, ce.exit_code, ce.launcher_data, ce.input_artifact_data_map,
		        ce.output_artifact_data_map, ce.log_uri, ce.created_at, ce.updated_at, ce.last_processed_at
		 FROM container_executions ce
		 JOIN execution_nodes en ON en.container_execution_id = ce.id
		 WHERE en.container_execution_cache_key = $1 AND ce.status = 'SUCCEEDED'
		 LIMIT 1`, cacheKey)
	ce, err := scanContainerExecution(row)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find cached success: %w", err)
	}
	return ce, true, nil
}

func (r *PostgresRepository) GetDirectDownstream(ctx context.Context, executionID int64) ([]*pipeline.ExecutionNode, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT `+prefixColumns("en", executionNodeColumns)+`
		 FROM execution_nodes en
		 JOIN input_artifact_links ial ON ial.execution_id = en.id
		 JOIN output_artifact_links oal ON oal.artifact_id = ial.artifact_id
		 WHERE oal.execution_id = $1
		 ORDER BY en.id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get direct downstream: %w", err)
	}
	defer rows.Close()
	var out []*pipeline.ExecutionNode
	for rows.Next() {
		n, err := scanExecutionNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetSubtree(ctx context.Context, rootExecutionID int64) ([]*pipeline.ExecutionNode, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+prefixColumns("en", executionNodeColumns)+`
		 FROM execution_nodes en
		 JOIN execution_ancestor_links eal ON eal.execution_id = en.id
		 WHERE eal.ancestor_execution_id = $1
		 ORDER BY en.id`, rootExecutionID)
	if err != nil {
		return nil, fmt.Errorf("get subtree: %w", err)
	}
	defer rows.Close()
	var out []*pipeline.ExecutionNode
	for rows.Next() {
		n, err := scanExecutionNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetChildExecutions(ctx context.Context, parentExecutionID int64) ([]*pipeline.ExecutionNode, error) {
	rows, err := r.db.Query(ctx, `SELECT `+executionNodeColumns+` FROM execution_nodes WHERE parent_execution_id = $1 ORDER BY id`, parentExecutionID)
	if err != nil {
		return nil, fmt.Errorf("get child executions: %w", err)
	}
	defer rows.Close()
	var out []*pipeline.ExecutionNode
	for rows.Next() {
		n, err := scanExecutionNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AggregateDescendantStatusCounts implements section 4.3's aggregate graph
// state query as two grouped queries concatenated: direct children's own
// status, plus every transitive descendant's status via the closure table.
func (r *PostgresRepository) AggregateDescendantStatusCounts(ctx context.Context, parentExecutionID int64) (map[int64]map[pipeline.ContainerStatus]int, error) {
	result := make(map[int64]map[pipeline.ContainerStatus]int)

	directRows, err := r.db.Query(ctx,
		`SELECT id, container_execution_status FROM execution_nodes
		 WHERE parent_execution_id = $1 AND container_execution_status IS NOT NULL`, parentExecutionID)
	if err != nil {
		return nil, fmt.Errorf("aggregate direct status counts: %w", err)
	}
	for directRows.Next() {
		var childID int64
		var status string
		if err := directRows.Scan(&childID, &status); err != nil {
			directRows.Close()
			return nil, err
		}
		if result[childID] == nil {
			result[childID] = make(map[pipeline.ContainerStatus]int)
		}
		result[childID][pipeline.ContainerStatus(status)]++
	}
	directRows.Close()
	if err := directRows.Err(); err != nil {
		return nil, err
	}

	descendantRows, err := r.db.Query(ctx,
		`SELECT child.id, en.container_execution_status, COUNT(*)
		 FROM execution_nodes child
		 JOIN execution_ancestor_links eal ON eal.ancestor_execution_id = child.id
		 JOIN execution_nodes en ON en.id = eal.execution_id
		 WHERE child.parent_execution_id = $1
		   AND en.id != child.id
		   AND en.container_execution_status IS NOT NULL
		 GROUP BY child.id, en.container_execution_status`, parentExecutionID)
	if err != nil {
		return nil, fmt.Errorf("aggregate descendant status counts: %w", err)
	}
	defer descendantRows.Close()
	for descendantRows.Next() {
		var childID int64
		var status string
		var count int
		if err := descendantRows.Scan(&childID, &status, &count); err != nil {
			return nil, err
		}
		if result[childID] == nil {
			result[childID] = make(map[pipeline.ContainerStatus]int)
		}
		result[childID][pipeline.ContainerStatus(status)] += count
	}
	return result, descendantRows.Err()
}

func prefixColumns(alias, columns string) string {
	// executionNodeColumns has no spaces around commas beyond formatting;
	// simplest correct prefixing is to qualify every column name.
	cols := []string{"id", "run_id", "task_spec_json", "parent_execution_id", "task_id_in_parent_execution",
		"container_execution_id", "container_execution_cache_key", "container_execution_status"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}
