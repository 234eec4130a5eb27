package persistence

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
)

type GuardrailPGStore struct {
	pool pgBeginner
}

func NewGuardrailPGStore(pool pgBeginner) ports.GuardrailStore {
	return &GuardrailPGStore{pool: pool}
}

func (s *GuardrailPGStore) ListGuardrails(ctx context.Context, orgID string) ([]ports.Guardrail, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, code, expr
FROM policy.guardrails
WHERE org_id = $1 AND enabled
ORDER BY id
`, orgID)
	if err != nil {
		return nil, err
	}
	rails, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ports.Guardrail, error) {
		var g ports.Guardrail
		err := row.Scan(&g.ID, &g.Code, &g.Expr)
		return g, err
	})
	if err != nil {
		return nil, err
	}
	return rails, tx.Commit(ctx)
}
