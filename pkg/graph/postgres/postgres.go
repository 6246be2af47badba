// Package postgres implements the castograph property graph on PostgreSQL:
// a nodes table (label + JSONB properties + optional pgvector embedding)
// and an edges table, with episode rollback via recursive reachability.
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/castograph/castograph/pkg/graph"
)

// Compile-time interface checks.
var (
	_ graph.Store = (*Store)(nil)
	_ graph.Tx    = (*storeTx)(nil)
)

// Store is the PostgreSQL-backed graph store. All operations are safe for
// concurrent use; the pool handles connection concurrency.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate].
//
// embeddingDimensions must match the embedding model producing
// MeaningfulUnit vectors (768 for Gemini text-embedding-004). Changing it
// after the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("graph postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("graph postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("graph postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("graph postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Begin implements [graph.Store].
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph postgres: begin: %w", err)
	}
	return &storeTx{tx: tx}, nil
}

// FindEpisodeByFilename implements [graph.Store].
func (s *Store) FindEpisodeByFilename(ctx context.Context, vttFilename string) (string, bool, error) {
	const q = `
		SELECT id
		FROM   graph_nodes
		WHERE  label = 'Episode'
		  AND  props->>'vtt_filename' = $1
		LIMIT  1`

	var id string
	err := s.pool.QueryRow(ctx, q, vttFilename).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("graph postgres: find episode: %w", err)
	}
	return id, true, nil
}

// DeleteEpisodeGraph implements [graph.Store]. It removes the episode node
// and everything reachable from it over edges in either direction, plus all
// edges touching the removed nodes, in one transaction.
//
// Traversal does not expand through Podcast nodes: a podcast links to its
// other episodes, which must survive a sibling's rollback. The Podcast node
// itself also survives (it is re-merged on the next successful episode).
// Path matching is otherwise unbounded on purpose; extracted graphs contain
// cycles.
func (s *Store) DeleteEpisodeGraph(ctx context.Context, episodeID string) (int64, error) {
	const q = `
		WITH RECURSIVE reachable AS (
		    SELECT n.id, n.label
		    FROM   graph_nodes n
		    WHERE  n.id = $1 AND n.label = 'Episode'

		    UNION

		    SELECT n.id, n.label
		    FROM   reachable r
		    JOIN   graph_edges e ON e.source_id = r.id OR e.target_id = r.id
		    JOIN   graph_nodes n ON n.id = CASE WHEN e.source_id = r.id
		                                        THEN e.target_id ELSE e.source_id END
		    WHERE  r.label != 'Podcast'
		),
		doomed AS (
		    SELECT id FROM reachable WHERE label != 'Podcast'
		),
		gone_edges AS (
		    DELETE FROM graph_edges e
		    WHERE  e.source_id IN (SELECT id FROM doomed)
		       OR  e.target_id IN (SELECT id FROM doomed)
		)
		DELETE FROM graph_nodes
		WHERE  id IN (SELECT id FROM doomed)`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("graph postgres: begin rollback: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, q, episodeID)
	if err != nil {
		return 0, fmt.Errorf("graph postgres: delete episode graph: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("graph postgres: commit rollback: %w", err)
	}
	return tag.RowsAffected(), nil
}

// storeTx adapts a pgx transaction to [graph.Tx].
type storeTx struct {
	tx     pgx.Tx
	closed bool
}

// CreateNodes implements [graph.Tx] with one batched upsert per call.
// Existing nodes (a Podcast shared across episodes) merge properties
// instead of failing.
func (t *storeTx) CreateNodes(ctx context.Context, nodes []graph.Node) error {
	if t.closed {
		return graph.ErrTxClosed
	}
	const q = `
		INSERT INTO graph_nodes (id, label, props, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET props = graph_nodes.props || EXCLUDED.props`

	batch := &pgx.Batch{}
	for _, n := range nodes {
		props, err := json.Marshal(nonNilProps(n.Props))
		if err != nil {
			return fmt.Errorf("graph postgres: encode props for %s: %w", n.ID, err)
		}
		var emb *pgvector.Vector
		if len(n.Embedding) > 0 {
			v := pgvector.NewVector(n.Embedding)
			emb = &v
		}
		batch.Queue(q, n.ID, n.Label, props, emb)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("graph postgres: create nodes: %w", err)
	}
	return nil
}

// CreateEdges implements [graph.Tx].
func (t *storeTx) CreateEdges(ctx context.Context, edges []graph.Edge) error {
	if t.closed {
		return graph.ErrTxClosed
	}
	const q = `
		INSERT INTO graph_edges (source_id, target_id, type, props)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id, target_id, type) DO UPDATE
		SET props = graph_edges.props || EXCLUDED.props`

	batch := &pgx.Batch{}
	for _, e := range edges {
		props, err := json.Marshal(nonNilProps(e.Props))
		if err != nil {
			return fmt.Errorf("graph postgres: encode edge props: %w", err)
		}
		batch.Queue(q, e.SourceID, e.TargetID, e.Type, props)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("graph postgres: create edges: %w", err)
	}
	return nil
}

// Commit implements [graph.Tx].
func (t *storeTx) Commit(ctx context.Context) error {
	if t.closed {
		return graph.ErrTxClosed
	}
	t.closed = true
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph postgres: commit: %w", err)
	}
	return nil
}

// Rollback implements [graph.Tx]. Rolling back a committed transaction is a
// no-op.
func (t *storeTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("graph postgres: rollback: %w", err)
	}
	return nil
}

func nonNilProps(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
