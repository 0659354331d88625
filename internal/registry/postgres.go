package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE code for a unique
// constraint violation.
const pgUniqueViolation = "23505"

var _ Registry = (*PostgresRegistry)(nil)

// PostgresRegistry is a durable Registry implementation backed by
// jackc/pgx/v5, persisting the "nodes" and "computations" tables laid
// out in spec.md §6. It is the conforming durable alternative to
// MemoryRegistry for deployments that must survive a process restart.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// OpenPostgresRegistry connects to dsn and ensures the registry schema
// exists, creating it with CREATE TABLE IF NOT EXISTS (no migration
// framework is used here, matching the teacher's own absence of one).
func OpenPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: connect postgres: %w", err)
	}
	r := &PostgresRegistry{pool: pool}
	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying connection pool.
func (r *PostgresRegistry) Close() {
	r.pool.Close()
}

func (r *PostgresRegistry) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS nodes (
	uid TEXT PRIMARY KEY,
	role TEXT NOT NULL CHECK (role IN ('heavy', 'light')),
	endpoint TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS computations (
	comp_id TEXT PRIMARY KEY,
	proposer_uid TEXT NOT NULL REFERENCES nodes(uid),
	heavy_node_1 TEXT NOT NULL REFERENCES nodes(uid),
	heavy_node_2 TEXT NOT NULL REFERENCES nodes(uid),
	heavy_node_3 TEXT NOT NULL REFERENCES nodes(uid),
	computation_prompt TEXT NOT NULL,
	response_schema TEXT NOT NULL,
	deadline TIMESTAMPTZ NOT NULL,
	min_participants INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'init',
	result BIGINT,
	participants_count INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);`)
	if err != nil {
		return fmt.Errorf("registry: ensure schema: %w", err)
	}
	return nil
}

// RegisterNode fails with ErrConflict if uid or endpoint is already in
// use, matching spec.md §4.6. It relies on the table's PRIMARY KEY (uid)
// and UNIQUE (endpoint) constraints rather than a separate existence
// check, translating either violation into ErrConflict.
func (r *PostgresRegistry) RegisterNode(ctx context.Context, node NodeRecord) error {
	if node.Status == "" {
		node.Status = StatusActive
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO nodes (uid, role, endpoint, status)
VALUES ($1, $2, $3, $4)`,
		node.UID, string(node.Role), node.Endpoint, node.Status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: node %s: %s", ErrConflict, node.UID, pgErr.ConstraintName)
		}
		return fmt.Errorf("registry: register node %s: %w", node.UID, err)
	}
	return nil
}

func (r *PostgresRegistry) RemoveNode(ctx context.Context, uid string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM nodes WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("registry: remove node %s: %w", uid, err)
	}
	return nil
}

func (r *PostgresRegistry) LookupNode(ctx context.Context, uid string) (NodeRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT uid, role, endpoint, status, created_at FROM nodes WHERE uid = $1`, uid)
	return scanNode(row, uid)
}

func scanNode(row pgx.Row, uid string) (NodeRecord, error) {
	var n NodeRecord
	var role string
	if err := row.Scan(&n.UID, &role, &n.Endpoint, &n.Status, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NodeRecord{}, fmt.Errorf("%w: node %s", ErrNotFound, uid)
		}
		return NodeRecord{}, fmt.Errorf("registry: lookup node %s: %w", uid, err)
	}
	n.Role = Role(role)
	return n, nil
}

// SetNodeStatus updates a node's liveness status, as reported by
// internal/coordinator's HealthMonitor when a node crosses its
// consecutive-failure threshold or recovers.
func (r *PostgresRegistry) SetNodeStatus(ctx context.Context, uid string, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE nodes SET status = $2 WHERE uid = $1`, uid, status)
	if err != nil {
		return fmt.Errorf("registry: set node status %s: %w", uid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: node %s", ErrNotFound, uid)
	}
	return nil
}

func (r *PostgresRegistry) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT uid, role, endpoint, status, created_at FROM nodes ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("registry: list nodes: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (r *PostgresRegistry) ListNodesByRole(ctx context.Context, role Role) ([]NodeRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT uid, role, endpoint, status, created_at FROM nodes WHERE role = $1 ORDER BY uid`, string(role))
	if err != nil {
		return nil, fmt.Errorf("registry: list nodes by role %s: %w", role, err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

func collectNodes(rows pgx.Rows) ([]NodeRecord, error) {
	var out []NodeRecord
	for rows.Next() {
		var n NodeRecord
		var role string
		if err := rows.Scan(&n.UID, &role, &n.Endpoint, &n.Status, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan node row: %w", err)
		}
		n.Role = Role(role)
		out = append(out, n)
	}
	return out, rows.Err()
}

// NextAvailableEndpoint mirrors the reference registry's
// "MAX(port) or base_endpoint, +1" allocation rule directly in SQL.
func (r *PostgresRegistry) NextAvailableEndpoint(ctx context.Context, baseHost string, basePort int) (string, error) {
	var maxPort *int
	err := r.pool.QueryRow(ctx, `
SELECT MAX(NULLIF(split_part(endpoint, ':', 2), '')::int) FROM nodes`).Scan(&maxPort)
	if err != nil {
		return "", fmt.Errorf("registry: next available endpoint: %w", err)
	}
	next := basePort
	if maxPort != nil && *maxPort >= basePort {
		next = *maxPort + 1
	}
	return fmt.Sprintf("%s:%d", baseHost, next), nil
}

func (r *PostgresRegistry) AddComputation(ctx context.Context, c Computation) error {
	if c.Status == "" {
		c.Status = StatusInit
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO computations
	(comp_id, proposer_uid, heavy_node_1, heavy_node_2, heavy_node_3,
	 computation_prompt, response_schema, deadline, min_participants, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.CompID, c.ProposerUID, c.Coordinators[0], c.Coordinators[1], c.Coordinators[2],
		c.ComputationPrompt, c.ResponseSchema, c.Deadline, c.MinParticipants, c.Status)
	if err != nil {
		return fmt.Errorf("registry: add computation %s: %w", c.CompID, err)
	}
	return nil
}

func (r *PostgresRegistry) GetComputation(ctx context.Context, compID string) (Computation, error) {
	row := r.pool.QueryRow(ctx, `
SELECT comp_id, proposer_uid, heavy_node_1, heavy_node_2, heavy_node_3,
       computation_prompt, response_schema, deadline, min_participants, status,
       result, participants_count, completed_at
FROM computations WHERE comp_id = $1`, compID)

	var c Computation
	var result *int64
	if err := row.Scan(
		&c.CompID, &c.ProposerUID, &c.Coordinators[0], &c.Coordinators[1], &c.Coordinators[2],
		&c.ComputationPrompt, &c.ResponseSchema, &c.Deadline, &c.MinParticipants, &c.Status,
		&result, &c.ParticipantsCount, &c.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Computation{}, fmt.Errorf("%w: computation %s", ErrNotFound, compID)
		}
		return Computation{}, fmt.Errorf("registry: get computation %s: %w", compID, err)
	}
	if result != nil {
		v := uint32(*result)
		c.Result = &v
	}
	return c, nil
}

// SetComputationResult is a no-op once the computation has already
// reached a terminal status, per spec.md §3 invariant I5 ("Terminal
// statuses never change").
func (r *PostgresRegistry) SetComputationResult(ctx context.Context, compID string, result uint32, participantsCount int) error {
	current, err := r.GetComputation(ctx, compID)
	if err != nil {
		return err
	}
	if isTerminalStatus(current.Status) {
		return nil
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE computations
SET result = $2, participants_count = $3, status = $4, completed_at = $5
WHERE comp_id = $1`, compID, int64(result), participantsCount, StatusDone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("registry: set computation result %s: %w", compID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: computation %s", ErrNotFound, compID)
	}
	return nil
}

// SetComputationStatus is a no-op once the computation has already
// reached a terminal status, for the same reason as SetComputationResult.
func (r *PostgresRegistry) SetComputationStatus(ctx context.Context, compID string, status string) error {
	current, err := r.GetComputation(ctx, compID)
	if err != nil {
		return err
	}
	if isTerminalStatus(current.Status) {
		return nil
	}
	tag, err := r.pool.Exec(ctx, `UPDATE computations SET status = $2 WHERE comp_id = $1`, compID, status)
	if err != nil {
		return fmt.Errorf("registry: set computation status %s: %w", compID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: computation %s", ErrNotFound, compID)
	}
	return nil
}
