// Package services implements the policy orchestration core: every mutating
// operation calls the remote control plane first and touches the local store
// only after the remote call succeeded. A local failure after a remote
// success is recorded in the reconciliation log and surfaced as a distinct
// outcome, never as a clean failure.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nexgate-io/console/internal/audit"
	"github.com/nexgate-io/console/modules/policy/domain/ports"
	"github.com/nexgate-io/console/modules/policy/domain/types"
	"github.com/nexgate-io/console/pkg/httperr"
	"github.com/nexgate-io/console/pkg/remoteid"
)

const (
	errPolicyNameRequired   = "POLICY_NAME_REQUIRED"
	errRateInvalid          = "RATE_INVALID"
	errPerInvalid           = "PER_INVALID"
	errQuotaMaxInvalid      = "QUOTA_MAX_INVALID"
	errQuotaRenewalInvalid  = "QUOTA_RENEWAL_INVALID"
	errPolicyNotFound       = "POLICY_NOT_FOUND"
	errOrgNotFound          = "ORG_NOT_FOUND"
	errAPINotFound          = "API_NOT_FOUND"
	errCrossOrgNotAllowed   = "CROSS_ORG_GRANT_NOT_ALLOWED"
	errGatewayUnavailable   = "GATEWAY_UNAVAILABLE"
	errReconciliationNeeded = "RECONCILIATION_REQUIRED"
)

var (
	newRemoteID    = remoteid.New
	marshalJSON    = json.Marshal
	timeNowUTC     = func() time.Time { return time.Now().UTC() }
	metaTimeFormat = time.RFC3339
)

// Actor identifies the administrative user behind an operation. CanAdmin is
// resolved by the transport layer from the actor's role; the service only
// uses it to gate cross-organization grants.
type Actor struct {
	ID       string
	OrgID    string
	CanAdmin bool
}

type PolicyService interface {
	Create(ctx context.Context, actor Actor, req CreatePolicyRequest) (types.Policy, error)
	Update(ctx context.Context, actor Actor, req UpdatePolicyRequest) (types.Policy, error)
	Delete(ctx context.Context, actor Actor, policyID string) error
	ReplaceAccessSet(ctx context.Context, actor Actor, req ReplaceAccessSetRequest) (types.Policy, error)

	Get(ctx context.Context, actor Actor, policyID string) (types.Policy, error)
	ListOwned(ctx context.Context, actor Actor) ([]types.Policy, error)
	ListAvailable(ctx context.Context, actor Actor) ([]types.Policy, error)

	Assign(ctx context.Context, actor Actor, policyID string, orgID string) error
	Revoke(ctx context.Context, actor Actor, policyID string, orgID string) error
	IsAvailable(ctx context.Context, policyID string, orgID string) (bool, error)
}

type CreatePolicyRequest struct {
	Name             string
	Description      string
	TargetOrgID      string
	Rate             int64
	Per              int64
	QuotaMax         int64
	QuotaRenewalRate int64
	Tags             []string
	AccessSpecs      []types.APIAccessSpec
	AdditionalOrgs   []string
}

// UpdatePolicyRequest is a partial update: nil pointers leave the stored
// value untouched. Access grants and availability have dedicated operations.
type UpdatePolicyRequest struct {
	PolicyID         string
	Name             *string
	Description      *string
	Active           *bool
	Rate             *int64
	Per              *int64
	QuotaMax         *int64
	QuotaRenewalRate *int64
	Tags             []string
}

type ReplaceAccessSetRequest struct {
	PolicyID    string
	AccessSpecs []types.APIAccessSpec
}

type policyService struct {
	store      ports.PolicyStore
	gateway    ports.GatewayClient
	catalog    ports.APICatalog
	orgs       ports.OrgDirectory
	guardrails *GuardrailEvaluator
	reconcile  ports.ReconciliationLog
	auditor    audit.Recorder
}

func NewPolicyService(
	store ports.PolicyStore,
	gateway ports.GatewayClient,
	catalog ports.APICatalog,
	orgs ports.OrgDirectory,
	guardrails *GuardrailEvaluator,
	reconcile ports.ReconciliationLog,
	auditor audit.Recorder,
) PolicyService {
	return &policyService{
		store:      store,
		gateway:    gateway,
		catalog:    catalog,
		orgs:       orgs,
		guardrails: guardrails,
		reconcile:  reconcile,
		auditor:    auditor,
	}
}

func (s *policyService) Create(ctx context.Context, actor Actor, req CreatePolicyRequest) (types.Policy, error) {
	name := strings.TrimSpace(req.Name)
	if err := validatePolicyFields(name, req.Rate, req.Per, req.QuotaMax, req.QuotaRenewalRate); err != nil {
		s.record(ctx, actor, "policy.create", "", "", audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	targetOrgID := strings.TrimSpace(req.TargetOrgID)
	if targetOrgID == actor.OrgID {
		targetOrgID = ""
	}
	if targetOrgID != "" {
		if !actor.CanAdmin {
			err := httperr.NewForbidden(errCrossOrgNotAllowed)
			s.record(ctx, actor, "policy.create", "", "", audit.OutcomeRejected, errCrossOrgNotAllowed)
			return types.Policy{}, err
		}
		if err := s.requireOrg(ctx, targetOrgID); err != nil {
			return types.Policy{}, err
		}
	}

	for _, orgID := range req.AdditionalOrgs {
		orgID = strings.TrimSpace(orgID)
		if orgID == "" || orgID == actor.OrgID || orgID == targetOrgID {
			continue
		}
		if !actor.CanAdmin {
			s.record(ctx, actor, "policy.create", "", "", audit.OutcomeRejected, errCrossOrgNotAllowed)
			return types.Policy{}, httperr.NewForbidden(errCrossOrgNotAllowed)
		}
		if err := s.requireOrg(ctx, orgID); err != nil {
			s.record(ctx, actor, "policy.create", "", "", audit.OutcomeRejected, err.Error())
			return types.Policy{}, err
		}
	}

	infos, err := s.resolveAPIs(ctx, req.AccessSpecs)
	if err != nil {
		s.record(ctx, actor, "policy.create", "", "", audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	rights, err := ComposeAccessRights(req.AccessSpecs, infos)
	if err != nil {
		s.record(ctx, actor, "policy.create", "", "", audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	policy := types.Policy{
		OrgID:            actor.OrgID,
		TargetOrgID:      targetOrgID,
		CreatorID:        actor.ID,
		Name:             name,
		Description:      strings.TrimSpace(req.Description),
		Active:           true,
		Rate:             req.Rate,
		Per:              req.Per,
		QuotaMax:         req.QuotaMax,
		QuotaRenewalRate: req.QuotaRenewalRate,
		Tags:             normalizeTags(req.Tags),
	}
	policy.AccessGrants = grantsFromSpecs("", req.AccessSpecs, infos)

	if err := s.guardrails.Check(ctx, actor.OrgID, policy); err != nil {
		s.record(ctx, actor, "policy.create", "", "", audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	remoteID, err := newRemoteID()
	if err != nil {
		return types.Policy{}, err
	}
	policy.RemoteID = remoteID

	doc := types.RemotePolicy{
		ID:               remoteID,
		Name:             name,
		OrgID:            remoteOrgContext(policy),
		Active:           policy.Active,
		Rate:             policy.Rate,
		Per:              policy.Per,
		QuotaMax:         policy.QuotaMax,
		QuotaRenewalRate: policy.QuotaRenewalRate,
		Tags:             policy.Tags,
		AccessRights:     rights,
		Meta:             s.mutationMeta(actor),
	}

	remote, err := s.gateway.CreatePolicy(ctx, doc.OrgID, doc)
	if err != nil {
		s.record(ctx, actor, "policy.create", "", remoteID, audit.OutcomeRemoteFailed, err.Error())
		return types.Policy{}, httperr.NewRemoteUnavailable(errGatewayUnavailable, err)
	}

	snapshot, err := marshalJSON(remote)
	if err != nil {
		return types.Policy{}, err
	}
	policy.RemoteSnapshot = snapshot

	availability := availabilityRows(actor, targetOrgID, req.AdditionalOrgs)

	stored, err := s.store.InsertPolicy(ctx, policy, policy.AccessGrants, availability)
	if err != nil {
		s.logReconciliation(ctx, "", remoteID, ports.ReconcileStateCreated, snapshot, err)
		s.record(ctx, actor, "policy.create", "", remoteID, audit.OutcomeReconciliationRequired, err.Error())
		return types.Policy{}, httperr.NewReconciliationRequired(errReconciliationNeeded, remoteID, err)
	}

	s.record(ctx, actor, "policy.create", stored.ID, remoteID, audit.OutcomeOK, "")
	return stored, nil
}

func (s *policyService) Update(ctx context.Context, actor Actor, req UpdatePolicyRequest) (types.Policy, error) {
	current, err := s.getOwned(ctx, actor, req.PolicyID)
	if err != nil {
		s.record(ctx, actor, "policy.update", req.PolicyID, "", audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	updated := applyPatch(current, req)
	if err := validatePolicyFields(updated.Name, updated.Rate, updated.Per, updated.QuotaMax, updated.QuotaRenewalRate); err != nil {
		s.record(ctx, actor, "policy.update", current.ID, current.RemoteID, audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	if err := s.guardrails.Check(ctx, actor.OrgID, updated); err != nil {
		s.record(ctx, actor, "policy.update", current.ID, current.RemoteID, audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	doc := types.RemotePolicy{
		ID:               current.RemoteID,
		Name:             updated.Name,
		OrgID:            remoteOrgContext(current),
		Active:           updated.Active,
		Rate:             updated.Rate,
		Per:              updated.Per,
		QuotaMax:         updated.QuotaMax,
		QuotaRenewalRate: updated.QuotaRenewalRate,
		Tags:             updated.Tags,
		AccessRights:     accessRightsFromGrants(current.AccessGrants),
		Meta:             s.mutationMeta(actor),
	}

	remote, err := s.gateway.UpdatePolicy(ctx, doc.OrgID, current.RemoteID, doc)
	if err != nil {
		s.record(ctx, actor, "policy.update", current.ID, current.RemoteID, audit.OutcomeRemoteFailed, err.Error())
		return types.Policy{}, httperr.NewRemoteUnavailable(errGatewayUnavailable, err)
	}

	snapshot, err := marshalJSON(remote)
	if err != nil {
		return types.Policy{}, err
	}
	updated.RemoteSnapshot = snapshot

	stored, err := s.store.UpdatePolicy(ctx, updated)
	if err != nil {
		s.logReconciliation(ctx, current.ID, current.RemoteID, ports.ReconcileStateUpdated, snapshot, err)
		s.record(ctx, actor, "policy.update", current.ID, current.RemoteID, audit.OutcomeReconciliationRequired, err.Error())
		return types.Policy{}, httperr.NewReconciliationRequired(errReconciliationNeeded, current.RemoteID, err)
	}

	s.record(ctx, actor, "policy.update", stored.ID, stored.RemoteID, audit.OutcomeOK, "")
	return stored, nil
}

func (s *policyService) Delete(ctx context.Context, actor Actor, policyID string) error {
	current, err := s.getOwned(ctx, actor, policyID)
	if err != nil {
		s.record(ctx, actor, "policy.delete", policyID, "", audit.OutcomeRejected, err.Error())
		return err
	}

	if err := s.gateway.DeletePolicy(ctx, remoteOrgContext(current), current.RemoteID); err != nil {
		s.record(ctx, actor, "policy.delete", current.ID, current.RemoteID, audit.OutcomeRemoteFailed, err.Error())
		return httperr.NewRemoteUnavailable(errGatewayUnavailable, err)
	}

	if err := s.store.DeletePolicy(ctx, actor.OrgID, current.ID); err != nil {
		s.logReconciliation(ctx, current.ID, current.RemoteID, ports.ReconcileStateDeleted, current.RemoteSnapshot, err)
		s.record(ctx, actor, "policy.delete", current.ID, current.RemoteID, audit.OutcomeReconciliationRequired, err.Error())
		return httperr.NewReconciliationRequired(errReconciliationNeeded, current.RemoteID, err)
	}

	s.record(ctx, actor, "policy.delete", current.ID, current.RemoteID, audit.OutcomeOK, "")
	return nil
}

func (s *policyService) ReplaceAccessSet(ctx context.Context, actor Actor, req ReplaceAccessSetRequest) (types.Policy, error) {
	current, err := s.getOwned(ctx, actor, req.PolicyID)
	if err != nil {
		s.record(ctx, actor, "policy.access_replace", req.PolicyID, "", audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	infos, err := s.resolveAPIs(ctx, req.AccessSpecs)
	if err != nil {
		s.record(ctx, actor, "policy.access_replace", current.ID, current.RemoteID, audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	rights, err := ComposeAccessRights(req.AccessSpecs, infos)
	if err != nil {
		s.record(ctx, actor, "policy.access_replace", current.ID, current.RemoteID, audit.OutcomeRejected, err.Error())
		return types.Policy{}, err
	}

	doc := types.RemotePolicy{
		ID:               current.RemoteID,
		Name:             current.Name,
		OrgID:            remoteOrgContext(current),
		Active:           current.Active,
		Rate:             current.Rate,
		Per:              current.Per,
		QuotaMax:         current.QuotaMax,
		QuotaRenewalRate: current.QuotaRenewalRate,
		Tags:             current.Tags,
		AccessRights:     rights,
		Meta:             s.mutationMeta(actor),
	}

	remote, err := s.gateway.UpdatePolicy(ctx, doc.OrgID, current.RemoteID, doc)
	if err != nil {
		s.record(ctx, actor, "policy.access_replace", current.ID, current.RemoteID, audit.OutcomeRemoteFailed, err.Error())
		return types.Policy{}, httperr.NewRemoteUnavailable(errGatewayUnavailable, err)
	}

	grants := grantsFromSpecs(current.ID, req.AccessSpecs, infos)
	if err := s.store.ReplaceAccessGrants(ctx, actor.OrgID, current.ID, grants); err != nil {
		snapshot, _ := marshalJSON(remote)
		s.logReconciliation(ctx, current.ID, current.RemoteID, ports.ReconcileStateUpdated, snapshot, err)
		s.record(ctx, actor, "policy.access_replace", current.ID, current.RemoteID, audit.OutcomeReconciliationRequired, err.Error())
		return types.Policy{}, httperr.NewReconciliationRequired(errReconciliationNeeded, current.RemoteID, err)
	}

	stored, err := s.store.GetPolicy(ctx, actor.OrgID, current.ID)
	if err != nil {
		return types.Policy{}, err
	}
	s.record(ctx, actor, "policy.access_replace", stored.ID, stored.RemoteID, audit.OutcomeOK, "")
	return stored, nil
}

func (s *policyService) Get(ctx context.Context, actor Actor, policyID string) (types.Policy, error) {
	return s.getOwned(ctx, actor, policyID)
}

func (s *policyService) ListOwned(ctx context.Context, actor Actor) ([]types.Policy, error) {
	return s.store.ListOwnedBy(ctx, actor.OrgID)
}

func (s *policyService) ListAvailable(ctx context.Context, actor Actor) ([]types.Policy, error) {
	return s.store.ListAvailableTo(ctx, actor.OrgID)
}

func (s *policyService) Assign(ctx context.Context, actor Actor, policyID string, orgID string) error {
	if _, err := s.getOwned(ctx, actor, policyID); err != nil {
		s.record(ctx, actor, "availability.assign", policyID, "", audit.OutcomeRejected, err.Error())
		return err
	}
	if orgID != actor.OrgID && !actor.CanAdmin {
		s.record(ctx, actor, "availability.assign", policyID, "", audit.OutcomeRejected, errCrossOrgNotAllowed)
		return httperr.NewForbidden(errCrossOrgNotAllowed)
	}
	if err := s.requireOrg(ctx, orgID); err != nil {
		s.record(ctx, actor, "availability.assign", policyID, "", audit.OutcomeRejected, err.Error())
		return err
	}
	if err := s.store.UpsertAvailability(ctx, policyID, orgID, actor.ID); err != nil {
		return err
	}
	s.record(ctx, actor, "availability.assign", policyID, "", audit.OutcomeOK, orgID)
	return nil
}

func (s *policyService) Revoke(ctx context.Context, actor Actor, policyID string, orgID string) error {
	if _, err := s.getOwned(ctx, actor, policyID); err != nil {
		s.record(ctx, actor, "availability.revoke", policyID, "", audit.OutcomeRejected, err.Error())
		return err
	}
	if err := s.store.RevokeAvailability(ctx, policyID, orgID); err != nil {
		return err
	}
	s.record(ctx, actor, "availability.revoke", policyID, "", audit.OutcomeOK, orgID)
	return nil
}

func (s *policyService) IsAvailable(ctx context.Context, policyID string, orgID string) (bool, error) {
	return s.store.IsAvailable(ctx, policyID, orgID)
}

func (s *policyService) getOwned(ctx context.Context, actor Actor, policyID string) (types.Policy, error) {
	p, err := s.store.GetPolicy(ctx, actor.OrgID, policyID)
	if err != nil {
		if errors.Is(err, ports.ErrPolicyNotFound) {
			return types.Policy{}, httperr.NewNotFound(errPolicyNotFound)
		}
		return types.Policy{}, err
	}
	return p, nil
}

func (s *policyService) resolveAPIs(ctx context.Context, specs []types.APIAccessSpec) ([]ports.APIInfo, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	infos, err := s.catalog.GetAPIs(ctx, apiIDsFromSpecs(specs))
	if err != nil {
		if errors.Is(err, ports.ErrAPINotFound) {
			return nil, httperr.NewNotFound(errAPINotFound)
		}
		return nil, err
	}
	return infos, nil
}

func (s *policyService) requireOrg(ctx context.Context, orgID string) error {
	exists, err := s.orgs.OrgExists(ctx, orgID)
	if err != nil {
		return err
	}
	if !exists {
		return httperr.NewNotFound(errOrgNotFound)
	}
	return nil
}

func (s *policyService) mutationMeta(actor Actor) map[string]string {
	return map[string]string{
		"updated_by": actor.ID,
		"updated_at": timeNowUTC().Format(metaTimeFormat),
	}
}

func (s *policyService) logReconciliation(ctx context.Context, policyID string, remoteID string, state string, doc []byte, cause error) {
	entry := ports.ReconciliationEntry{
		PolicyID:      policyID,
		RemoteID:      remoteID,
		ExpectedState: state,
		RemoteDoc:     doc,
		LastError:     cause.Error(),
	}
	// Append failures must not mask the original divergence; the audit record
	// still carries the reconciliation outcome.
	_ = s.reconcile.Append(ctx, entry)
}

func (s *policyService) record(ctx context.Context, actor Actor, action string, policyID string, remoteID string, outcome string, detail string) {
	s.auditor.Record(ctx, audit.Event{
		Action:   action,
		PolicyID: policyID,
		RemoteID: remoteID,
		ActorID:  actor.ID,
		OrgID:    actor.OrgID,
		Outcome:  outcome,
		Detail:   detail,
	})
}

func validatePolicyFields(name string, rate, per, quotaMax, quotaRenewal int64) error {
	if strings.TrimSpace(name) == "" {
		return httperr.NewBadRequest(errPolicyNameRequired)
	}
	if rate < 0 {
		return httperr.NewBadRequest(errRateInvalid)
	}
	if rate > 0 && per <= 0 {
		return httperr.NewBadRequest(errPerInvalid)
	}
	if quotaMax < types.QuotaUnlimited {
		return httperr.NewBadRequest(errQuotaMaxInvalid)
	}
	if quotaRenewal < 0 {
		return httperr.NewBadRequest(errQuotaRenewalInvalid)
	}
	return nil
}

func applyPatch(p types.Policy, req UpdatePolicyRequest) types.Policy {
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = strings.TrimSpace(*req.Description)
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	if req.Rate != nil {
		p.Rate = *req.Rate
	}
	if req.Per != nil {
		p.Per = *req.Per
	}
	if req.QuotaMax != nil {
		p.QuotaMax = *req.QuotaMax
	}
	if req.QuotaRenewalRate != nil {
		p.QuotaRenewalRate = *req.QuotaRenewalRate
	}
	if req.Tags != nil {
		p.Tags = normalizeTags(req.Tags)
	}
	return p
}

// remoteOrgContext picks the control-plane org context: the target
// organization for cross-tenant policies, otherwise the owner.
func remoteOrgContext(p types.Policy) string {
	if p.TargetOrgID != "" {
		return p.TargetOrgID
	}
	return p.OrgID
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// availabilityRows builds the initial availability set for a new policy:
// owner, target when distinct, then every additional org minus duplicates.
func availabilityRows(actor Actor, targetOrgID string, additional []string) []types.OrgAvailability {
	now := timeNowUTC()
	seen := map[string]bool{actor.OrgID: true}
	rows := []types.OrgAvailability{{
		OrgID:      actor.OrgID,
		Active:     true,
		AssignedBy: actor.ID,
		AssignedAt: now,
	}}
	if targetOrgID != "" && !seen[targetOrgID] {
		seen[targetOrgID] = true
		rows = append(rows, types.OrgAvailability{
			OrgID:      targetOrgID,
			Active:     true,
			AssignedBy: actor.ID,
			AssignedAt: now,
		})
	}
	for _, orgID := range additional {
		orgID = strings.TrimSpace(orgID)
		if orgID == "" || seen[orgID] {
			continue
		}
		seen[orgID] = true
		rows = append(rows, types.OrgAvailability{
			OrgID:      orgID,
			Active:     true,
			AssignedBy: actor.ID,
			AssignedAt: now,
		})
	}
	return rows
}
