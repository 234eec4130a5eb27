// Package types holds the policy domain model: the local record of a
// gateway policy, its per-API access grants, and per-organization
// availability. The control plane owns the enforcement copy; local rows
// reference it through RemoteID and never embed it (RemoteSnapshot is kept
// for diagnostics only).
package types

import (
	"encoding/json"
	"time"
)

// Policy is a named bundle of rate limit, quota, and per-API access rights
// that organizations apply to their gateway credentials.
type Policy struct {
	ID          string
	OrgID       string
	TargetOrgID string
	CreatorID   string
	Name        string
	Description string

	// RemoteID is the control-plane identifier. Unique, generated on our
	// side before the remote create call, immutable once set.
	RemoteID string

	Active           bool
	Rate             int64
	Per              int64
	QuotaMax         int64
	QuotaRenewalRate int64
	Tags             []string

	RemoteSnapshot json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time

	AccessGrants []APIAccessGrant
	Availability []OrgAvailability
}

// QuotaUnlimited is the sentinel quota_max meaning "no quota".
const QuotaUnlimited int64 = -1

// APIAccessGrant is one (policy, api) row. APIName and APIOrgID are
// write-time projections refreshed from the catalog; APIID is authoritative.
type APIAccessGrant struct {
	PolicyID    string
	APIID       string
	APIName     string
	APIOrgID    string
	Versions    []string
	AllowedURLs []AllowedURL
}

// AllowedURL restricts a grant to specific paths and methods. An empty list
// on the grant means unrestricted.
type AllowedURL struct {
	URL     string   `json:"url"`
	Methods []string `json:"methods"`
}

// OrgAvailability states that an organization may apply a policy to its own
// credentials. Revocation soft-disables the row; the policy itself is
// untouched.
type OrgAvailability struct {
	OrgID      string
	PolicyID   string
	Active     bool
	AssignedBy string
	AssignedAt time.Time
}

// APIAccessSpec is the caller-facing shape of one requested API access.
// Versions defaults to ["Default"] and AllowedURLs to [] when absent.
type APIAccessSpec struct {
	APIID       string       `json:"api_id"`
	Versions    []string     `json:"versions,omitempty"`
	AllowedURLs []AllowedURL `json:"allowed_urls,omitempty"`
}

// AccessRights is the nested access-rights document the control plane
// expects, keyed by api id.
type AccessRights map[string]AccessRightsEntry

type AccessRightsEntry struct {
	APIID       string       `json:"api_id"`
	APIName     string       `json:"api_name"`
	Versions    []string     `json:"versions"`
	AllowedURLs []AllowedURL `json:"allowed_urls"`
}

// RemotePolicy is the wire document for the control plane's policy resource.
type RemotePolicy struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	OrgID            string            `json:"org_id"`
	Active           bool              `json:"active"`
	Rate             int64             `json:"rate"`
	Per              int64             `json:"per"`
	QuotaMax         int64             `json:"quota_max"`
	QuotaRenewalRate int64             `json:"quota_renewal_rate"`
	Tags             []string          `json:"tags"`
	AccessRights     AccessRights      `json:"access_rights"`
	Meta             map[string]string `json:"meta,omitempty"`
}

// RemoteKey is the wire document for a gateway access key bound to a policy.
type RemoteKey struct {
	Key           string `json:"key"`
	OrgID         string `json:"org_id"`
	ApplyPolicyID string `json:"apply_policy_id"`
	Alias         string `json:"alias,omitempty"`
}
