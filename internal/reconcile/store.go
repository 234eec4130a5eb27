// Package reconcile owns the divergence log written when a remote mutation
// succeeded but the local transaction after it failed, and the replayer that
// works those entries off.
package reconcile

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
)

type Entry struct {
	ID            int64
	PolicyID      string
	RemoteID      string
	ExpectedState string
	RemoteDoc     []byte
	LastError     string
	Resolved      bool
	CreatedAt     time.Time
}

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PGStore struct {
	pool pgBeginner
}

func NewPGStore(pool pgBeginner) *PGStore {
	return &PGStore{pool: pool}
}

var _ ports.ReconciliationLog = (*PGStore)(nil)

func (s *PGStore) Append(ctx context.Context, e ports.ReconciliationEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var policyID any
	if e.PolicyID != "" {
		policyID = e.PolicyID
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO ops.reconciliation_log (policy_id, remote_id, expected_state, remote_doc, last_error)
VALUES ($1, $2, $3, $4, $5)
`, policyID, e.RemoteID, e.ExpectedState, e.RemoteDoc, e.LastError); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT id, COALESCE(policy_id::text, ''), remote_id, expected_state, remote_doc, last_error, resolved, created_at
FROM ops.reconciliation_log
WHERE NOT resolved
ORDER BY id
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.PolicyID, &e.RemoteID, &e.ExpectedState, &e.RemoteDoc, &e.LastError, &e.Resolved, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, err
	}
	return entries, tx.Commit(ctx)
}

func (s *PGStore) MarkResolved(ctx context.Context, id int64, note string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
UPDATE ops.reconciliation_log
SET resolved = true, resolution_note = $2, resolved_at = now()
WHERE id = $1
`, id, note); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
