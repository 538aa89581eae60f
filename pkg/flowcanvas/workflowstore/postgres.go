package workflowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflows (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    name       TEXT NOT NULL DEFAULT '',
    tool_type  TEXT NOT NULL DEFAULT '',
    nodes      JSONB NOT NULL DEFAULT '[]',
    edges      JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_workflows_user ON workflows(user_id, updated_at DESC);
`

// PostgresStore is a Store backed by PostgreSQL. Nodes and edges are kept
// as JSONB so the editor's payloads round-trip unchanged.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool. The caller owns
// the schema; see CreateSchema.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// CreateSchema creates the workflows table if it doesn't exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create workflows schema: %w", err)
	}
	return nil
}

// DropSchema drops the workflows table.
func (s *PostgresStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS workflows`)
	return err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*flowcanvas.Workflow, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, user_id, name, tool_type, nodes, edges, created_at, updated_at
		   FROM workflows WHERE id = $1`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return w, nil
}

// Save implements Store. The row is upserted; created_at is kept from the
// first insert.
func (s *PostgresStore) Save(ctx context.Context, w *flowcanvas.Workflow) error {
	if err := prepare(w, time.Time{}, time.Now().UTC()); err != nil {
		return err
	}
	nodes, err := json.Marshal(nonNilNodes(w.Nodes))
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}
	edges, err := json.Marshal(nonNilEdges(w.Edges))
	if err != nil {
		return fmt.Errorf("encode edges: %w", err)
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO workflows (id, user_id, name, tool_type, nodes, edges, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     user_id = EXCLUDED.user_id,
		     name = EXCLUDED.name,
		     tool_type = EXCLUDED.tool_type,
		     nodes = EXCLUDED.nodes,
		     edges = EXCLUDED.edges,
		     updated_at = EXCLUDED.updated_at
		 RETURNING created_at`,
		w.ID, w.UserID, w.Name, w.ToolType, nodes, edges, w.UpdatedAt,
	).Scan(&w.CreatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}

// ListByUser implements Store.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]flowcanvas.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, name, tool_type, nodes, edges, created_at, updated_at
		   FROM workflows WHERE user_id = $1
		  ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []flowcanvas.Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanWorkflow(row pgx.Row) (*flowcanvas.Workflow, error) {
	var (
		w            flowcanvas.Workflow
		nodes, edges []byte
	)
	if err := row.Scan(&w.ID, &w.UserID, &w.Name, &w.ToolType, &nodes, &edges, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodes, &w.Nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &w.Edges); err != nil {
		return nil, fmt.Errorf("decode edges: %w", err)
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

func nonNilNodes(n []flowcanvas.Node) []flowcanvas.Node {
	if n == nil {
		return []flowcanvas.Node{}
	}
	return n
}

func nonNilEdges(e []flowcanvas.Edge) []flowcanvas.Edge {
	if e == nil {
		return []flowcanvas.Edge{}
	}
	return e
}
