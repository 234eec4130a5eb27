package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nexgate-io/console/internal/routing"
	"github.com/nexgate-io/console/modules/policy/domain/types"
	"github.com/nexgate-io/console/modules/policy/services"
	"github.com/nexgate-io/console/pkg/authz"
	"github.com/nexgate-io/console/pkg/httperr"
)

const policyAPIClass = routing.RouteClassInternalAPI

type policyView struct {
	ID               string             `json:"id"`
	OrgID            string             `json:"org_id"`
	TargetOrgID      string             `json:"target_org_id,omitempty"`
	CreatorID        string             `json:"creator_id"`
	Name             string             `json:"name"`
	Description      string             `json:"description"`
	RemoteID         string             `json:"remote_id"`
	Active           bool               `json:"active"`
	Rate             int64              `json:"rate"`
	Per              int64              `json:"per"`
	QuotaMax         int64              `json:"quota_max"`
	QuotaRenewalRate int64              `json:"quota_renewal_rate"`
	Tags             []string           `json:"tags"`
	AccessGrants     []grantView        `json:"access_grants"`
	Availability     []availabilityView `json:"availability"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

type grantView struct {
	APIID       string             `json:"api_id"`
	APIName     string             `json:"api_name"`
	Versions    []string           `json:"versions"`
	AllowedURLs []types.AllowedURL `json:"allowed_urls"`
}

type availabilityView struct {
	OrgID      string    `json:"org_id"`
	Active     bool      `json:"active"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

func viewFromPolicy(p types.Policy) policyView {
	v := policyView{
		ID:               p.ID,
		OrgID:            p.OrgID,
		TargetOrgID:      p.TargetOrgID,
		CreatorID:        p.CreatorID,
		Name:             p.Name,
		Description:      p.Description,
		RemoteID:         p.RemoteID,
		Active:           p.Active,
		Rate:             p.Rate,
		Per:              p.Per,
		QuotaMax:         p.QuotaMax,
		QuotaRenewalRate: p.QuotaRenewalRate,
		Tags:             p.Tags,
		AccessGrants:     []grantView{},
		Availability:     []availabilityView{},
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	for _, g := range p.AccessGrants {
		v.AccessGrants = append(v.AccessGrants, grantView{
			APIID:       g.APIID,
			APIName:     g.APIName,
			Versions:    g.Versions,
			AllowedURLs: g.AllowedURLs,
		})
	}
	for _, a := range p.Availability {
		v.Availability = append(v.Availability, availabilityView{
			OrgID:      a.OrgID,
			Active:     a.Active,
			AssignedBy: a.AssignedBy,
			AssignedAt: a.AssignedAt,
		})
	}
	return v
}

func requireActor(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	org, ok := currentOrg(r.Context())
	if !ok {
		routing.WriteError(w, r, policyAPIClass, http.StatusInternalServerError, "org_missing", "org missing")
		return services.Actor{}, false
	}
	p, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return services.Actor{}, false
	}
	return services.Actor{
		ID:       p.ID,
		OrgID:    org.ID,
		CanAdmin: p.RoleSlug == authz.RoleOrgAdmin,
	}, true
}

// writeServiceError maps the service error taxonomy onto HTTP. A
// reconciliation-required outcome is deliberately distinct from a plain
// upstream failure: the remote side effect already happened.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case httperr.IsBadRequest(err):
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", err.Error())
	case httperr.IsNotFound(err):
		routing.WriteError(w, r, policyAPIClass, http.StatusNotFound, "not_found", err.Error())
	case httperr.IsForbidden(err):
		routing.WriteError(w, r, policyAPIClass, http.StatusForbidden, "forbidden", err.Error())
	case httperr.IsReconciliationRequired(err):
		routing.WriteError(w, r, policyAPIClass, http.StatusInternalServerError, "reconciliation_required", "RECONCILIATION_REQUIRED")
	case httperr.IsRemoteUnavailable(err):
		routing.WriteError(w, r, policyAPIClass, http.StatusBadGateway, "gateway_unavailable", "GATEWAY_UNAVAILABLE")
	case isPgInvalidInput(err):
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", "INVALID_IDENTIFIER")
	default:
		routing.WriteError(w, r, policyAPIClass, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type createPolicyPayload struct {
	Name             string                `json:"name"`
	Description      string                `json:"description"`
	TargetOrgID      string                `json:"target_org_id"`
	Rate             int64                 `json:"rate"`
	Per              int64                 `json:"per"`
	QuotaMax         int64                 `json:"quota_max"`
	QuotaRenewalRate int64                 `json:"quota_renewal_rate"`
	Tags             []string              `json:"tags"`
	AccessSpecs      []types.APIAccessSpec `json:"access_rights"`
	AdditionalOrgs   []string              `json:"additional_orgs"`
}

func handlePoliciesAPI(w http.ResponseWriter, r *http.Request, svc services.PolicyService) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		policies, err := svc.ListOwned(r.Context(), actor)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		views := make([]policyView, 0, len(policies))
		for _, p := range policies {
			views = append(views, viewFromPolicy(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": views})
	case http.MethodPost:
		var payload createPolicyPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		p, err := svc.Create(r.Context(), actor, services.CreatePolicyRequest{
			Name:             payload.Name,
			Description:      payload.Description,
			TargetOrgID:      payload.TargetOrgID,
			Rate:             payload.Rate,
			Per:              payload.Per,
			QuotaMax:         payload.QuotaMax,
			QuotaRenewalRate: payload.QuotaRenewalRate,
			Tags:             payload.Tags,
			AccessSpecs:      payload.AccessSpecs,
			AdditionalOrgs:   payload.AdditionalOrgs,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewFromPolicy(p))
	default:
		routing.WriteError(w, r, policyAPIClass, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handlePolicyGetAPI(w http.ResponseWriter, r *http.Request, svc services.PolicyService) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	policyID := strings.TrimSpace(r.URL.Query().Get("policy_id"))
	if policyID == "" {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", "policy_id required")
		return
	}

	p, err := svc.Get(r.Context(), actor, policyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromPolicy(p))
}

func handlePoliciesAvailableAPI(w http.ResponseWriter, r *http.Request, svc services.PolicyService) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	policies, err := svc.ListAvailable(r.Context(), actor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	views := make([]policyView, 0, len(policies))
	for _, p := range policies {
		views = append(views, viewFromPolicy(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": views})
}

type updatePolicyPayload struct {
	PolicyID         string   `json:"policy_id"`
	Name             *string  `json:"name"`
	Description      *string  `json:"description"`
	Active           *bool    `json:"active"`
	Rate             *int64   `json:"rate"`
	Per              *int64   `json:"per"`
	QuotaMax         *int64   `json:"quota_max"`
	QuotaRenewalRate *int64   `json:"quota_renewal_rate"`
	Tags             []string `json:"tags"`
}

func handlePolicyUpdateAPI(w http.ResponseWriter, r *http.Request, svc services.PolicyService) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var payload updatePolicyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	if strings.TrimSpace(payload.PolicyID) == "" {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", "policy_id required")
		return
	}

	p, err := svc.Update(r.Context(), actor, services.UpdatePolicyRequest{
		PolicyID:         payload.PolicyID,
		Name:             payload.Name,
		Description:      payload.Description,
		Active:           payload.Active,
		Rate:             payload.Rate,
		Per:              payload.Per,
		QuotaMax:         payload.QuotaMax,
		QuotaRenewalRate: payload.QuotaRenewalRate,
		Tags:             payload.Tags,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromPolicy(p))
}

func handlePolicyDeleteAPI(w http.ResponseWriter, r *http.Request, svc services.PolicyService) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var payload struct {
		PolicyID string `json:"policy_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	if strings.TrimSpace(payload.PolicyID) == "" {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", "policy_id required")
		return
	}

	if err := svc.Delete(r.Context(), actor, payload.PolicyID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleAccessReplaceAPI(w http.ResponseWriter, r *http.Request, svc services.PolicyService) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var payload struct {
		PolicyID    string                `json:"policy_id"`
		AccessSpecs []types.APIAccessSpec `json:"access_rights"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	if strings.TrimSpace(payload.PolicyID) == "" {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", "policy_id required")
		return
	}

	p, err := svc.ReplaceAccessSet(r.Context(), actor, services.ReplaceAccessSetRequest{
		PolicyID:    payload.PolicyID,
		AccessSpecs: payload.AccessSpecs,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromPolicy(p))
}

func handleAvailabilityAssignAPI(w http.ResponseWriter, r *http.Request, svc services.PolicyService) {
	handleAvailabilityMutation(w, r, svc, true)
}

func handleAvailabilityRevokeAPI(w http.ResponseWriter, r *http.Request, svc services.PolicyService) {
	handleAvailabilityMutation(w, r, svc, false)
}

func handleAvailabilityMutation(w http.ResponseWriter, r *http.Request, svc services.PolicyService, assign bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var payload struct {
		PolicyID string `json:"policy_id"`
		OrgID    string `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	if strings.TrimSpace(payload.PolicyID) == "" || strings.TrimSpace(payload.OrgID) == "" {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", "policy_id and org_id required")
		return
	}

	var err error
	if assign {
		err = svc.Assign(r.Context(), actor, payload.PolicyID, payload.OrgID)
	} else {
		err = svc.Revoke(r.Context(), actor, payload.PolicyID, payload.OrgID)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleKeysAPI(w http.ResponseWriter, r *http.Request, keys services.KeyService) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var payload struct {
		PolicyID string `json:"policy_id"`
		Alias    string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	if strings.TrimSpace(payload.PolicyID) == "" {
		routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", "policy_id required")
		return
	}

	key, err := keys.Issue(r.Context(), actor, services.IssueKeyRequest{
		PolicyID: payload.PolicyID,
		Alias:    payload.Alias,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":   key.Key,
		"alias": key.Alias,
	})
}
