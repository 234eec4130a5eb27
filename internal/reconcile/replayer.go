package reconcile

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
	"github.com/nexgate-io/console/modules/policy/domain/types"
)

var unmarshalJSON = json.Unmarshal

type entrySource interface {
	ListPending(ctx context.Context, limit int) ([]Entry, error)
	MarkResolved(ctx context.Context, id int64, note string) error
}

// Replayer resolves logged divergences. An orphaned remote create (local
// insert never landed) is rolled back by deleting the remote document;
// nothing local references it, so removal restores agreement. Updates and
// deletes already applied remotely need the missing local write replayed by
// an operator and are only reported here.
type Replayer struct {
	store   entrySource
	gateway ports.GatewayClient
	log     *zap.Logger
}

func NewReplayer(store entrySource, gateway ports.GatewayClient, log *zap.Logger) *Replayer {
	return &Replayer{store: store, gateway: gateway, log: log}
}

// Run works through pending entries once and returns how many it resolved.
func (r *Replayer) Run(ctx context.Context, batch int) (int, error) {
	entries, err := r.store.ListPending(ctx, batch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, e := range entries {
		switch e.ExpectedState {
		case ports.ReconcileStateCreated:
			if err := r.rollbackOrphanedCreate(ctx, e); err != nil {
				r.log.Error("rollback failed",
					zap.Int64("entry_id", e.ID),
					zap.String("remote_id", e.RemoteID),
					zap.Error(err))
				continue
			}
			resolved++
		case ports.ReconcileStateDeleted:
			// Remote row is already gone; the stale local row needs a manual
			// delete because this job has no actor context for the audit trail.
			r.log.Warn("stale local policy row pending manual delete",
				zap.Int64("entry_id", e.ID),
				zap.String("policy_id", e.PolicyID),
				zap.String("remote_id", e.RemoteID))
		default:
			r.log.Warn("local row behind remote document",
				zap.Int64("entry_id", e.ID),
				zap.String("policy_id", e.PolicyID),
				zap.String("remote_id", e.RemoteID),
				zap.String("expected_state", e.ExpectedState))
		}
	}
	return resolved, nil
}

func (r *Replayer) rollbackOrphanedCreate(ctx context.Context, e Entry) error {
	orgID := orgFromDoc(e.RemoteDoc)
	if err := r.gateway.DeletePolicy(ctx, orgID, e.RemoteID); err != nil {
		return err
	}
	return r.store.MarkResolved(ctx, e.ID, "orphaned remote policy deleted")
}

func orgFromDoc(doc []byte) string {
	var parsed types.RemotePolicy
	if err := unmarshalJSON(doc, &parsed); err != nil {
		return ""
	}
	return parsed.OrgID
}
