package store

// Schema is the DDL for the relational persistence layout described in
// section 3 and section 6 ("Persisted state layout"). NewPostgresRepository
// applies it on every connect; each statement is IF NOT EXISTS.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id               BIGSERIAL PRIMARY KEY,
    root_execution_id BIGINT,
    annotations      JSONB NOT NULL DEFAULT '{}',
    created_by       TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS execution_nodes (
    id                             BIGSERIAL PRIMARY KEY,
    run_id                         BIGINT NOT NULL REFERENCES pipeline_runs(id),
    task_spec_json                 JSONB NOT NULL,
    parent_execution_id            BIGINT REFERENCES execution_nodes(id),
    task_id_in_parent_execution    TEXT,
    container_execution_id         BIGINT,
    container_execution_cache_key  TEXT,
    container_execution_status     TEXT
);

CREATE INDEX IF NOT EXISTS idx_execution_nodes_cache_key
    ON execution_nodes (container_execution_cache_key);
CREATE INDEX IF NOT EXISTS idx_execution_nodes_status
    ON execution_nodes (container_execution_status);

CREATE TABLE IF NOT EXISTS execution_ancestor_links (
    execution_id          BIGINT NOT NULL REFERENCES execution_nodes(id),
    ancestor_execution_id BIGINT NOT NULL REFERENCES execution_nodes(id),
    PRIMARY KEY (execution_id, ancestor_execution_id)
);

CREATE TABLE IF NOT EXISTS artifact_data (
    id          BIGSERIAL PRIMARY KEY,
    total_size  BIGINT NOT NULL,
    is_dir      BOOLEAN NOT NULL,
    hash        TEXT NOT NULL UNIQUE,
    uri         TEXT,
    value       TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS artifact_nodes (
    id                     BIGSERIAL PRIMARY KEY,
    producer_execution_id  BIGINT REFERENCES execution_nodes(id),
    producer_output_name   TEXT,
    type_name              TEXT NOT NULL,
    type_properties        JSONB NOT NULL DEFAULT '{}',
    artifact_data_id       BIGINT REFERENCES artifact_data(id),
    had_data_in_past       BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS input_artifact_links (
    execution_id BIGINT NOT NULL REFERENCES execution_nodes(id),
    input_name   TEXT NOT NULL,
    artifact_id  BIGINT NOT NULL REFERENCES artifact_nodes(id),
    PRIMARY KEY (execution_id, input_name)
);

CREATE TABLE IF NOT EXISTS output_artifact_links (
    execution_id BIGINT NOT NULL REFERENCES execution_nodes(id),
    output_name  TEXT NOT NULL,
    artifact_id  BIGINT NOT NULL REFERENCES artifact_nodes(id),
    PRIMARY KEY (execution_id, output_name)
);

CREATE TABLE IF NOT EXISTS container_executions (
    id                        BIGSERIAL PRIMARY KEY,
    exec_uuid                 TEXT NOT NULL,
    status                    TEXT NOT NULL,
    exit_code                 INTEGER,
    launcher_data             BYTEA,
    input_artifact_data_map   JSONB NOT NULL DEFAULT '{}',
    output_artifact_data_map  JSONB NOT NULL DEFAULT '{}',
    log_uri                   TEXT NOT NULL,
    created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_processed_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_container_executions_status_lpa
    ON container_executions (status, last_processed_at);
`
