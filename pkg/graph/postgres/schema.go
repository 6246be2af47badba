package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlEdges = `
CREATE TABLE IF NOT EXISTS graph_edges (
    id          BIGSERIAL    PRIMARY KEY,
    source_id   TEXT         NOT NULL,
    target_id   TEXT         NOT NULL,
    type        TEXT         NOT NULL,
    props       JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (source_id, target_id, type)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges (source_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges (target_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_type   ON graph_edges (type);
`

// ddlNodes returns the node DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation
// time. No foreign keys: edges may be written before or after their
// endpoints within a transaction, and rollback handles both tables itself.
func ddlNodes(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS graph_nodes (
    id          TEXT         PRIMARY KEY,
    label       TEXT         NOT NULL,
    props       JSONB        NOT NULL DEFAULT '{}',
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_label ON graph_nodes (label);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_vtt_filename
    ON graph_nodes ((props->>'vtt_filename'))
    WHERE label = 'Episode';

CREATE INDEX IF NOT EXISTS idx_graph_nodes_embedding
    ON graph_nodes USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and extensions.
// Idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	for _, stmt := range []string{ddlNodes(embeddingDimensions), ddlEdges} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("graph postgres: migrate: %w", err)
		}
	}
	return nil
}
