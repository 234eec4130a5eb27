package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tokenRandReader io.Reader = rand.Reader

// AccessToken is one console API credential. Only the SHA-256 of the token
// is stored; the plaintext exists exactly once, in the issue response.
type AccessToken struct {
	OrgID       string
	PrincipalID string
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

type tokenStore interface {
	Create(ctx context.Context, orgID string, principalID string, expiresAt time.Time) (token string, err error)
	Lookup(ctx context.Context, token string) (AccessToken, bool, error)
	Revoke(ctx context.Context, token string) error
}

type principalStore interface {
	GetByID(ctx context.Context, orgID string, principalID string) (Principal, bool, error)
}

func newToken() (token string, tokenSHA256 []byte, err error) {
	var b [32]byte
	if _, err := tokenRandReader.Read(b[:]); err != nil {
		return "", nil, err
	}
	token = base64.RawURLEncoding.EncodeToString(b[:])
	sum := sha256.Sum256([]byte(token))
	return token, sum[:], nil
}

func readBearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

type pgTokenStore struct {
	pool *pgxpool.Pool
}

func newPGTokenStore(pool *pgxpool.Pool) tokenStore {
	return &pgTokenStore{pool: pool}
}

func (s *pgTokenStore) Create(ctx context.Context, orgID string, principalID string, expiresAt time.Time) (string, error) {
	token, sum, err := newToken()
	if err != nil {
		return "", err
	}
	if _, err := s.pool.Exec(ctx, `
INSERT INTO iam.access_tokens (org_id, principal_id, token_sha256, expires_at)
VALUES ($1, $2, $3, $4)
`, orgID, principalID, sum, expiresAt); err != nil {
		return "", err
	}
	return token, nil
}

func (s *pgTokenStore) Lookup(ctx context.Context, token string) (AccessToken, bool, error) {
	sum := sha256.Sum256([]byte(token))

	var t AccessToken
	err := s.pool.QueryRow(ctx, `
SELECT org_id::text, principal_id::text, expires_at, revoked_at
FROM iam.access_tokens
WHERE token_sha256 = $1
`, sum[:]).Scan(&t.OrgID, &t.PrincipalID, &t.ExpiresAt, &t.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AccessToken{}, false, nil
	}
	if err != nil {
		return AccessToken{}, false, err
	}
	if t.RevokedAt != nil || time.Now().After(t.ExpiresAt) {
		return AccessToken{}, false, nil
	}
	return t, true, nil
}

func (s *pgTokenStore) Revoke(ctx context.Context, token string) error {
	sum := sha256.Sum256([]byte(token))
	_, err := s.pool.Exec(ctx, `
UPDATE iam.access_tokens SET revoked_at = now() WHERE token_sha256 = $1 AND revoked_at IS NULL
`, sum[:])
	return err
}

type pgPrincipalStore struct {
	pool *pgxpool.Pool
}

func newPGPrincipalStore(pool *pgxpool.Pool) principalStore {
	return &pgPrincipalStore{pool: pool}
}

func (s *pgPrincipalStore) GetByID(ctx context.Context, orgID string, principalID string) (Principal, bool, error) {
	var p Principal
	err := s.pool.QueryRow(ctx, `
SELECT id::text, org_id::text, role_slug, status, email
FROM iam.principals
WHERE id = $1 AND org_id = $2
`, principalID, orgID).Scan(&p.ID, &p.OrgID, &p.RoleSlug, &p.Status, &p.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, false, nil
	}
	if err != nil {
		return Principal{}, false, err
	}
	return p, true, nil
}

type memoryTokenStore struct {
	mu     sync.Mutex
	byHash map[string]AccessToken
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{byHash: map[string]AccessToken{}}
}

func (s *memoryTokenStore) Create(_ context.Context, orgID string, principalID string, expiresAt time.Time) (string, error) {
	token, sum, err := newToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[string(sum)] = AccessToken{OrgID: orgID, PrincipalID: principalID, ExpiresAt: expiresAt}
	return token, nil
}

func (s *memoryTokenStore) Lookup(_ context.Context, token string) (AccessToken, bool, error) {
	sum := sha256.Sum256([]byte(token))
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byHash[string(sum[:])]
	if !ok || t.RevokedAt != nil || time.Now().After(t.ExpiresAt) {
		return AccessToken{}, false, nil
	}
	return t, true, nil
}

func (s *memoryTokenStore) Revoke(_ context.Context, token string) error {
	sum := sha256.Sum256([]byte(token))
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byHash[string(sum[:])]; ok {
		now := time.Now()
		t.RevokedAt = &now
		s.byHash[string(sum[:])] = t
	}
	return nil
}

type memoryPrincipalStore struct {
	mu   sync.Mutex
	byID map[string]Principal
}

func newMemoryPrincipalStore() *memoryPrincipalStore {
	return &memoryPrincipalStore{byID: map[string]Principal{}}
}

func (s *memoryPrincipalStore) put(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.OrgID+"|"+p.ID] = p
}

func (s *memoryPrincipalStore) GetByID(_ context.Context, orgID string, principalID string) (Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[orgID+"|"+principalID]
	return p, ok, nil
}
