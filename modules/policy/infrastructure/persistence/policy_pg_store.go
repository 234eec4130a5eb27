// Package persistence implements the policy ports against PostgreSQL. Every
// call runs in its own transaction and scopes row-level security through
// app.current_org before touching any table.
package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
	"github.com/nexgate-io/console/modules/policy/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PolicyPGStore struct {
	pool pgBeginner
}

func NewPolicyPGStore(pool pgBeginner) ports.PolicyStore {
	return &PolicyPGStore{pool: pool}
}

var newPolicyID = func() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func setOrgScope(ctx context.Context, tx pgx.Tx, orgID string) error {
	_, err := tx.Exec(ctx, `SELECT set_config('app.current_org', $1, true);`, orgID)
	return err
}

func (s *PolicyPGStore) InsertPolicy(ctx context.Context, p types.Policy, grants []types.APIAccessGrant, availability []types.OrgAvailability) (types.Policy, error) {
	policyID, err := newPolicyID()
	if err != nil {
		return types.Policy{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Policy{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, p.OrgID); err != nil {
		return types.Policy{}, err
	}

	var targetOrgID any
	if p.TargetOrgID != "" {
		targetOrgID = p.TargetOrgID
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO policy.policies
  (id, org_id, target_org_id, creator_id, name, description, remote_id,
   active, rate, per, quota_max, quota_renewal_rate, tags, remote_snapshot)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`, policyID, p.OrgID, targetOrgID, p.CreatorID, p.Name, p.Description, p.RemoteID,
		p.Active, p.Rate, p.Per, p.QuotaMax, p.QuotaRenewalRate, p.Tags, p.RemoteSnapshot); err != nil {
		return types.Policy{}, mapPgError(err)
	}

	for _, g := range grants {
		if err := insertGrant(ctx, tx, policyID, g); err != nil {
			return types.Policy{}, mapPgError(err)
		}
	}

	for _, a := range availability {
		if _, err := tx.Exec(ctx, `
INSERT INTO policy.org_availability (org_id, policy_id, is_active, assigned_by)
VALUES ($1, $2, true, $3)
ON CONFLICT (org_id, policy_id) DO UPDATE SET is_active = true, assigned_by = EXCLUDED.assigned_by
`, a.OrgID, policyID, a.AssignedBy); err != nil {
			return types.Policy{}, mapPgError(err)
		}
	}

	stored, err := loadPolicy(ctx, tx, policyID)
	if err != nil {
		return types.Policy{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Policy{}, err
	}
	return stored, nil
}

func (s *PolicyPGStore) UpdatePolicy(ctx context.Context, p types.Policy) (types.Policy, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Policy{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, p.OrgID); err != nil {
		return types.Policy{}, err
	}

	tag, err := tx.Exec(ctx, `
UPDATE policy.policies
SET name = $3, description = $4, active = $5, rate = $6, per = $7,
    quota_max = $8, quota_renewal_rate = $9, tags = $10,
    remote_snapshot = $11, updated_at = now()
WHERE id = $1 AND org_id = $2
`, p.ID, p.OrgID, p.Name, p.Description, p.Active, p.Rate, p.Per,
		p.QuotaMax, p.QuotaRenewalRate, p.Tags, p.RemoteSnapshot)
	if err != nil {
		return types.Policy{}, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return types.Policy{}, ports.ErrPolicyNotFound
	}

	stored, err := loadPolicy(ctx, tx, p.ID)
	if err != nil {
		return types.Policy{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Policy{}, err
	}
	return stored, nil
}

func (s *PolicyPGStore) DeletePolicy(ctx context.Context, orgID string, policyID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return err
	}

	// Grants and availability rows cascade in the schema.
	tag, err := tx.Exec(ctx, `DELETE FROM policy.policies WHERE id = $1 AND org_id = $2`, policyID, orgID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrPolicyNotFound
	}

	return tx.Commit(ctx)
}

func (s *PolicyPGStore) GetPolicy(ctx context.Context, orgID string, policyID string) (types.Policy, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Policy{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return types.Policy{}, err
	}

	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM policy.policies WHERE id = $1 AND org_id = $2`, policyID, orgID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Policy{}, ports.ErrPolicyNotFound
	}
	if err != nil {
		return types.Policy{}, err
	}

	stored, err := loadPolicy(ctx, tx, id)
	if err != nil {
		return types.Policy{}, err
	}
	return stored, tx.Commit(ctx)
}

func (s *PolicyPGStore) GetPolicyAvailableTo(ctx context.Context, policyID string, orgID string) (types.Policy, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Policy{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return types.Policy{}, err
	}

	var id string
	err = tx.QueryRow(ctx, `
SELECT p.id
FROM policy.policies p
JOIN policy.org_availability a ON a.policy_id = p.id
WHERE p.id = $1 AND a.org_id = $2 AND a.is_active
`, policyID, orgID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Policy{}, ports.ErrPolicyNotFound
	}
	if err != nil {
		return types.Policy{}, err
	}

	stored, err := loadPolicy(ctx, tx, id)
	if err != nil {
		return types.Policy{}, err
	}
	return stored, tx.Commit(ctx)
}

func (s *PolicyPGStore) ReplaceAccessGrants(ctx context.Context, orgID string, policyID string, grants []types.APIAccessGrant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return err
	}

	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM policy.policies WHERE id = $1 AND org_id = $2`, policyID, orgID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.ErrPolicyNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM policy.api_access_grants WHERE policy_id = $1`, policyID); err != nil {
		return mapPgError(err)
	}
	for _, g := range grants {
		if err := insertGrant(ctx, tx, policyID, g); err != nil {
			return mapPgError(err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PolicyPGStore) ListOwnedBy(ctx context.Context, orgID string) ([]types.Policy, error) {
	return s.list(ctx, orgID, `
SELECT id FROM policy.policies WHERE org_id = $1 ORDER BY name
`)
}

func (s *PolicyPGStore) ListAvailableTo(ctx context.Context, orgID string) ([]types.Policy, error) {
	return s.list(ctx, orgID, `
SELECT p.id
FROM policy.policies p
JOIN policy.org_availability a ON a.policy_id = p.id
WHERE a.org_id = $1 AND a.is_active AND p.active
ORDER BY p.name
`)
}

func (s *PolicyPGStore) list(ctx context.Context, orgID string, query string) ([]types.Policy, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	policies := make([]types.Policy, 0, len(ids))
	for _, id := range ids {
		p, err := loadPolicy(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, tx.Commit(ctx)
}

func (s *PolicyPGStore) IsAvailable(ctx context.Context, policyID string, orgID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return false, err
	}

	var available bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1
  FROM policy.org_availability a
  JOIN policy.policies p ON p.id = a.policy_id
  WHERE a.policy_id = $1 AND a.org_id = $2 AND a.is_active AND p.active
)
`, policyID, orgID).Scan(&available); err != nil {
		return false, err
	}
	return available, tx.Commit(ctx)
}

func (s *PolicyPGStore) UpsertAvailability(ctx context.Context, policyID string, orgID string, assignerID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO policy.org_availability (org_id, policy_id, is_active, assigned_by)
VALUES ($1, $2, true, $3)
ON CONFLICT (org_id, policy_id) DO UPDATE SET is_active = true, assigned_by = EXCLUDED.assigned_by, assigned_at = now()
`, orgID, policyID, assignerID); err != nil {
		return mapPgError(err)
	}
	return tx.Commit(ctx)
}

func (s *PolicyPGStore) RevokeAvailability(ctx context.Context, policyID string, orgID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := setOrgScope(ctx, tx, orgID); err != nil {
		return err
	}

	// Soft-disable: the row stays for audit, is_active flips off. Revoking a
	// row that never existed is a no-op.
	if _, err := tx.Exec(ctx, `
UPDATE policy.org_availability SET is_active = false WHERE org_id = $1 AND policy_id = $2
`, orgID, policyID); err != nil {
		return mapPgError(err)
	}
	return tx.Commit(ctx)
}

func insertGrant(ctx context.Context, tx pgx.Tx, policyID string, g types.APIAccessGrant) error {
	allowed := g.AllowedURLs
	if allowed == nil {
		allowed = []types.AllowedURL{}
	}
	allowedJSON, err := json.Marshal(allowed)
	if err != nil {
		return err
	}
	versions := g.Versions
	if len(versions) == 0 {
		versions = []string{"Default"}
	}
	_, err = tx.Exec(ctx, `
INSERT INTO policy.api_access_grants (policy_id, api_id, api_name, api_org_id, versions, allowed_urls)
VALUES ($1, $2, $3, $4, $5, $6)
`, policyID, g.APIID, g.APIName, g.APIOrgID, versions, allowedJSON)
	return err
}

func loadPolicy(ctx context.Context, tx pgx.Tx, policyID string) (types.Policy, error) {
	var p types.Policy
	var targetOrgID *string
	var snapshot []byte
	err := tx.QueryRow(ctx, `
SELECT id, org_id, target_org_id, creator_id, name, description, remote_id,
       active, rate, per, quota_max, quota_renewal_rate, tags, remote_snapshot,
       created_at, updated_at
FROM policy.policies
WHERE id = $1
`, policyID).Scan(
		&p.ID, &p.OrgID, &targetOrgID, &p.CreatorID, &p.Name, &p.Description, &p.RemoteID,
		&p.Active, &p.Rate, &p.Per, &p.QuotaMax, &p.QuotaRenewalRate, &p.Tags, &snapshot,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Policy{}, ports.ErrPolicyNotFound
	}
	if err != nil {
		return types.Policy{}, err
	}
	if targetOrgID != nil {
		p.TargetOrgID = *targetOrgID
	}
	p.RemoteSnapshot = snapshot

	grants, err := loadGrants(ctx, tx, policyID)
	if err != nil {
		return types.Policy{}, err
	}
	p.AccessGrants = grants

	availability, err := loadAvailability(ctx, tx, policyID)
	if err != nil {
		return types.Policy{}, err
	}
	p.Availability = availability

	return p, nil
}

func loadGrants(ctx context.Context, tx pgx.Tx, policyID string) ([]types.APIAccessGrant, error) {
	rows, err := tx.Query(ctx, `
SELECT policy_id, api_id, api_name, api_org_id, versions, allowed_urls
FROM policy.api_access_grants
WHERE policy_id = $1
ORDER BY api_id
`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := []types.APIAccessGrant{}
	for rows.Next() {
		var g types.APIAccessGrant
		var allowedJSON []byte
		if err := rows.Scan(&g.PolicyID, &g.APIID, &g.APIName, &g.APIOrgID, &g.Versions, &allowedJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(allowedJSON, &g.AllowedURLs); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func loadAvailability(ctx context.Context, tx pgx.Tx, policyID string) ([]types.OrgAvailability, error) {
	rows, err := tx.Query(ctx, `
SELECT org_id, policy_id, is_active, assigned_by, assigned_at
FROM policy.org_availability
WHERE policy_id = $1
ORDER BY org_id
`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	availability := []types.OrgAvailability{}
	for rows.Next() {
		var a types.OrgAvailability
		if err := rows.Scan(&a.OrgID, &a.PolicyID, &a.Active, &a.AssignedBy, &a.AssignedAt); err != nil {
			return nil, err
		}
		availability = append(availability, a)
	}
	return availability, rows.Err()
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if ok := errors.As(err, &pgErr); ok && pgErr != nil {
		if pgErr.Code == "23505" && pgErr.ConstraintName == "policies_org_id_name_key" {
			return ports.ErrPolicyNameTaken
		}
	}
	return err
}
