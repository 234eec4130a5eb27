package server

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Org struct {
	ID       string
	Hostname string
	Name     string
}

// OrgResolver maps a request hostname to the tenant organization served on
// that domain.
type OrgResolver interface {
	ResolveOrg(ctx context.Context, hostname string) (Org, bool, error)
}

type staticOrgResolver struct {
	orgs map[string]Org
}

func newStaticOrgResolver(orgs map[string]Org) OrgResolver {
	m := make(map[string]Org, len(orgs))
	for k, v := range orgs {
		m[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &staticOrgResolver{orgs: m}
}

func (r *staticOrgResolver) ResolveOrg(_ context.Context, hostname string) (Org, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return Org{}, false, nil
	}
	o, ok := r.orgs[hostname]
	return o, ok, nil
}

type orgDBResolver struct {
	q queryRower
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func newOrgDBResolver(pool *pgxpool.Pool) OrgResolver {
	return &orgDBResolver{q: pool}
}

func (r *orgDBResolver) ResolveOrg(ctx context.Context, hostname string) (Org, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return Org{}, false, nil
	}

	var orgID string
	var orgName string

	err := r.q.QueryRow(ctx, `
SELECT o.id::text, o.name
FROM iam.org_domains d
JOIN iam.organizations o ON o.id = d.org_id
WHERE d.hostname = $1
  AND o.status = 'active'
LIMIT 1
`, hostname).Scan(&orgID, &orgName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Org{}, false, nil
		}
		return Org{}, false, err
	}
	return Org{ID: orgID, Hostname: hostname, Name: orgName}, true, nil
}
