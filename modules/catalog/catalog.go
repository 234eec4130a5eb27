// Package catalog is the local registry of gateway API definitions. The
// policy core resolves access specs against it and fails fast when an API is
// unknown; it never creates APIs implicitly.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
)

// APIDefinition mirrors one gateway API known to the console.
type APIDefinition struct {
	APIID      string
	Name       string
	OrgID      string
	ListenPath string
	TargetURL  string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
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

var _ ports.APICatalog = (*PGStore)(nil)

// GetAPIs resolves every requested id or reports ErrAPINotFound. Inactive
// definitions count as missing so policies cannot grant access to retired
// APIs.
func (s *PGStore) GetAPIs(ctx context.Context, apiIDs []string) ([]ports.APIInfo, error) {
	if len(apiIDs) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT api_id, name, org_id
FROM catalog.api_definitions
WHERE api_id = ANY($1) AND active
`, apiIDs)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ports.APIInfo, error) {
		var info ports.APIInfo
		err := row.Scan(&info.APIID, &info.Name, &info.OrgID)
		return info, err
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	byID := make(map[string]ports.APIInfo, len(found))
	for _, info := range found {
		byID[info.APIID] = info
	}
	infos := make([]ports.APIInfo, 0, len(apiIDs))
	for _, id := range apiIDs {
		info, ok := byID[id]
		if !ok {
			return nil, ports.ErrAPINotFound
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ListByOrg returns the definitions visible to one organization, for the
// admin listing screens.
func (s *PGStore) ListByOrg(ctx context.Context, orgID string) ([]APIDefinition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT api_id, name, org_id, listen_path, target_url, active, created_at, updated_at
FROM catalog.api_definitions
WHERE org_id = $1
ORDER BY name
`, orgID)
	if err != nil {
		return nil, err
	}
	defs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (APIDefinition, error) {
		var d APIDefinition
		err := row.Scan(&d.APIID, &d.Name, &d.OrgID, &d.ListenPath, &d.TargetURL, &d.Active, &d.CreatedAt, &d.UpdatedAt)
		return d, err
	})
	if err != nil {
		return nil, err
	}
	return defs, tx.Commit(ctx)
}

// Upsert registers or refreshes one definition, keyed by api_id.
func (s *PGStore) Upsert(ctx context.Context, d APIDefinition) error {
	if d.APIID == "" || d.Name == "" {
		return errors.New("catalog: api_id and name are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO catalog.api_definitions (api_id, name, org_id, listen_path, target_url, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (api_id) DO UPDATE
SET name = EXCLUDED.name, org_id = EXCLUDED.org_id, listen_path = EXCLUDED.listen_path,
    target_url = EXCLUDED.target_url, active = EXCLUDED.active, updated_at = now()
`, d.APIID, d.Name, d.OrgID, d.ListenPath, d.TargetURL, d.Active); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
