package persistence

import (
	"context"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
)

type OrgDirectoryPGStore struct {
	pool pgBeginner
}

func NewOrgDirectoryPGStore(pool pgBeginner) ports.OrgDirectory {
	return &OrgDirectoryPGStore{pool: pool}
}

func (s *OrgDirectoryPGStore) OrgExists(ctx context.Context, orgID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var exists bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM iam.organizations WHERE id = $1 AND status = 'active')
`, orgID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, tx.Commit(ctx)
}
