// Package ports declares the stores and clients the policy services depend
// on. Implementations live under infrastructure/.
package ports

import (
	"context"
	"errors"

	"github.com/nexgate-io/console/modules/policy/domain/types"
)

var (
	ErrPolicyNotFound  = errors.New("POLICY_NOT_FOUND")
	ErrOrgNotFound     = errors.New("ORG_NOT_FOUND")
	ErrAPINotFound     = errors.New("API_NOT_FOUND")
	ErrPolicyNameTaken = errors.New("POLICY_NAME_TAKEN")
)

// PolicyStore owns the three policy entities. Every mutating call runs in
// one local transaction; the caller sequences it strictly after the remote
// control-plane call.
type PolicyStore interface {
	// InsertPolicy writes the policy row, its access grants, and its
	// availability rows in a single transaction and returns the stored
	// policy with generated id and timestamps.
	InsertPolicy(ctx context.Context, p types.Policy, grants []types.APIAccessGrant, availability []types.OrgAvailability) (types.Policy, error)

	// UpdatePolicy replaces the mutable policy fields. Access grants and
	// availability are not touched; they have dedicated operations.
	UpdatePolicy(ctx context.Context, p types.Policy) (types.Policy, error)

	// DeletePolicy destroys the policy row; grants and availability rows
	// cascade.
	DeletePolicy(ctx context.Context, orgID string, policyID string) error

	// GetPolicy returns the fully loaded policy (grants + availability).
	GetPolicy(ctx context.Context, orgID string, policyID string) (types.Policy, error)

	// ReplaceAccessGrants swaps the full access set in one transaction
	// (delete-all-then-insert); readers never observe a partial set.
	ReplaceAccessGrants(ctx context.Context, orgID string, policyID string, grants []types.APIAccessGrant) error

	// GetPolicyAvailableTo loads a policy for an organization that does not
	// own it but holds an active availability row. Used by key issuance.
	GetPolicyAvailableTo(ctx context.Context, policyID string, orgID string) (types.Policy, error)

	ListOwnedBy(ctx context.Context, orgID string) ([]types.Policy, error)
	ListAvailableTo(ctx context.Context, orgID string) ([]types.Policy, error)
	IsAvailable(ctx context.Context, policyID string, orgID string) (bool, error)
	UpsertAvailability(ctx context.Context, policyID string, orgID string, assignerID string) error
	RevokeAvailability(ctx context.Context, policyID string, orgID string) error
}

// GatewayClient is the remote control plane's policy/key surface. Create is
// idempotent by the caller-supplied document id. Implementations perform no
// retries; retry policy belongs to the caller.
type GatewayClient interface {
	CreatePolicy(ctx context.Context, orgID string, doc types.RemotePolicy) (types.RemotePolicy, error)
	GetPolicy(ctx context.Context, orgID string, remoteID string) (types.RemotePolicy, error)
	UpdatePolicy(ctx context.Context, orgID string, remoteID string, doc types.RemotePolicy) (types.RemotePolicy, error)
	DeletePolicy(ctx context.Context, orgID string, remoteID string) error
	CreateKey(ctx context.Context, orgID string, key types.RemoteKey) (types.RemoteKey, error)
}

// APIInfo is the catalog's view of a gateway API definition.
type APIInfo struct {
	APIID string
	Name  string
	OrgID string
}

// APICatalog resolves remote API identifiers. The policy core assumes APIs
// already exist and fails fast otherwise.
type APICatalog interface {
	// GetAPIs returns info for every requested id; a missing id yields
	// ErrAPINotFound.
	GetAPIs(ctx context.Context, apiIDs []string) ([]APIInfo, error)
}

// OrgDirectory answers whether an organization exists and is active.
type OrgDirectory interface {
	OrgExists(ctx context.Context, orgID string) (bool, error)
}

// GuardrailStore lists per-organization constraints evaluated before any
// remote call.
type GuardrailStore interface {
	ListGuardrails(ctx context.Context, orgID string) ([]Guardrail, error)
}

// Guardrail is one CEL constraint over the policy fields; Expr must evaluate
// to bool and Code is returned as the rejection code when it does not hold.
type Guardrail struct {
	ID   int64
	Code string
	Expr string
}

// ReconciliationLog records "remote succeeded, local failed" divergences for
// the operator-facing reconciler.
type ReconciliationLog interface {
	Append(ctx context.Context, e ReconciliationEntry) error
}

type ReconciliationEntry struct {
	PolicyID      string
	RemoteID      string
	ExpectedState string
	RemoteDoc     []byte
	LastError     string
}

const (
	ReconcileStateCreated = "created"
	ReconcileStateUpdated = "updated"
	ReconcileStateDeleted = "deleted"
)
