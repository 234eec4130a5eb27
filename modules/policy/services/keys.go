package services

import (
	"context"
	"errors"
	"strings"

	"github.com/nexgate-io/console/internal/audit"
	"github.com/nexgate-io/console/modules/policy/domain/ports"
	"github.com/nexgate-io/console/modules/policy/domain/types"
	"github.com/nexgate-io/console/pkg/httperr"
)

const (
	errPolicyNotAvailable = "POLICY_NOT_AVAILABLE"
	errPolicyInactive     = "POLICY_INACTIVE"
)

// KeyService mints gateway access credentials bound to a policy. The only
// authorization gate is an active availability row for the issuing
// organization; ownership is not required.
type KeyService interface {
	Issue(ctx context.Context, actor Actor, req IssueKeyRequest) (types.RemoteKey, error)
}

type IssueKeyRequest struct {
	PolicyID string
	Alias    string
}

type keyService struct {
	store   ports.PolicyStore
	gateway ports.GatewayClient
	auditor audit.Recorder
}

func NewKeyService(store ports.PolicyStore, gateway ports.GatewayClient, auditor audit.Recorder) KeyService {
	return &keyService{store: store, gateway: gateway, auditor: auditor}
}

func (s *keyService) Issue(ctx context.Context, actor Actor, req IssueKeyRequest) (types.RemoteKey, error) {
	available, err := s.store.IsAvailable(ctx, req.PolicyID, actor.OrgID)
	if err != nil {
		return types.RemoteKey{}, err
	}
	if !available {
		s.recordIssue(ctx, actor, req.PolicyID, "", audit.OutcomeRejected, errPolicyNotAvailable)
		return types.RemoteKey{}, httperr.NewForbidden(errPolicyNotAvailable)
	}

	policy, err := s.store.GetPolicyAvailableTo(ctx, req.PolicyID, actor.OrgID)
	if err != nil {
		if errors.Is(err, ports.ErrPolicyNotFound) {
			return types.RemoteKey{}, httperr.NewNotFound(errPolicyNotFound)
		}
		return types.RemoteKey{}, err
	}
	if !policy.Active {
		s.recordIssue(ctx, actor, policy.ID, policy.RemoteID, audit.OutcomeRejected, errPolicyInactive)
		return types.RemoteKey{}, httperr.NewForbidden(errPolicyInactive)
	}

	key, err := s.gateway.CreateKey(ctx, actor.OrgID, types.RemoteKey{
		OrgID:         actor.OrgID,
		ApplyPolicyID: policy.RemoteID,
		Alias:         strings.TrimSpace(req.Alias),
	})
	if err != nil {
		s.recordIssue(ctx, actor, policy.ID, policy.RemoteID, audit.OutcomeRemoteFailed, err.Error())
		return types.RemoteKey{}, httperr.NewRemoteUnavailable(errGatewayUnavailable, err)
	}

	s.recordIssue(ctx, actor, policy.ID, policy.RemoteID, audit.OutcomeOK, "")
	return key, nil
}

func (s *keyService) recordIssue(ctx context.Context, actor Actor, policyID string, remoteID string, outcome string, detail string) {
	s.auditor.Record(ctx, audit.Event{
		Action:   "key.issue",
		PolicyID: policyID,
		RemoteID: remoteID,
		ActorID:  actor.ID,
		OrgID:    actor.OrgID,
		Outcome:  outcome,
		Detail:   detail,
	})
}
