// Package audit emits one structured record per policy mutation attempt,
// successful or not. Records are operator-facing: they answer "who changed
// which policy, and did the control plane and the local store agree".
package audit

import (
	"context"

	"go.uber.org/zap"
)

const (
	OutcomeOK                     = "ok"
	OutcomeRejected               = "rejected"
	OutcomeRemoteFailed           = "remote_failed"
	OutcomeReconciliationRequired = "reconciliation_required"
)

type Event struct {
	Action   string
	PolicyID string
	RemoteID string
	ActorID  string
	OrgID    string
	Outcome  string
	Detail   string
}

type Recorder interface {
	Record(ctx context.Context, e Event)
}

type zapRecorder struct {
	log *zap.Logger
}

func NewRecorder(log *zap.Logger) Recorder {
	return &zapRecorder{log: log}
}

func (r *zapRecorder) Record(_ context.Context, e Event) {
	r.log.Info("policy audit",
		zap.String("action", e.Action),
		zap.String("policy_id", e.PolicyID),
		zap.String("remote_id", e.RemoteID),
		zap.String("actor_id", e.ActorID),
		zap.String("org_id", e.OrgID),
		zap.String("outcome", e.Outcome),
		zap.String("detail", e.Detail),
	)
}

type nopRecorder struct{}

func NewNopRecorder() Recorder { return nopRecorder{} }

func (nopRecorder) Record(context.Context, Event) {}
