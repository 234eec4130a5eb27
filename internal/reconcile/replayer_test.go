package reconcile

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
	"github.com/nexgate-io/console/modules/policy/domain/types"
)

type stubSource struct {
	entries  []Entry
	listErr  error
	resolved []int64
	notes    []string
}

func (s *stubSource) ListPending(context.Context, int) ([]Entry, error) {
	return s.entries, s.listErr
}

func (s *stubSource) MarkResolved(_ context.Context, id int64, note string) error {
	s.resolved = append(s.resolved, id)
	s.notes = append(s.notes, note)
	return nil
}

type stubGateway struct {
	deleted   []string
	deleteOrg string
	deleteErr error
}

func (g *stubGateway) CreatePolicy(_ context.Context, _ string, doc types.RemotePolicy) (types.RemotePolicy, error) {
	return doc, nil
}

func (g *stubGateway) GetPolicy(_ context.Context, _ string, remoteID string) (types.RemotePolicy, error) {
	return types.RemotePolicy{ID: remoteID}, nil
}

func (g *stubGateway) UpdatePolicy(_ context.Context, _ string, _ string, doc types.RemotePolicy) (types.RemotePolicy, error) {
	return doc, nil
}

func (g *stubGateway) DeletePolicy(_ context.Context, orgID string, remoteID string) error {
	g.deleted = append(g.deleted, remoteID)
	g.deleteOrg = orgID
	return g.deleteErr
}

func (g *stubGateway) CreateKey(_ context.Context, _ string, key types.RemoteKey) (types.RemoteKey, error) {
	return key, nil
}

func TestRunRollsBackOrphanedCreate(t *testing.T) {
	src := &stubSource{entries: []Entry{
		{
			ID:            7,
			RemoteID:      "deadbeef",
			ExpectedState: ports.ReconcileStateCreated,
			RemoteDoc:     []byte(`{"id":"deadbeef","org_id":"org-a"}`),
		},
	}}
	gw := &stubGateway{}
	r := NewReplayer(src, gw, zap.NewNop())

	resolved, err := r.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved=%d", resolved)
	}
	if len(gw.deleted) != 1 || gw.deleted[0] != "deadbeef" || gw.deleteOrg != "org-a" {
		t.Fatalf("deleted=%v org=%q", gw.deleted, gw.deleteOrg)
	}
	if len(src.resolved) != 1 || src.resolved[0] != 7 {
		t.Fatalf("resolved entries=%v", src.resolved)
	}
}

func TestRunKeepsEntryWhenRollbackFails(t *testing.T) {
	src := &stubSource{entries: []Entry{
		{ID: 7, RemoteID: "deadbeef", ExpectedState: ports.ReconcileStateCreated},
	}}
	gw := &stubGateway{deleteErr: errors.New("503")}
	r := NewReplayer(src, gw, zap.NewNop())

	resolved, err := r.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if resolved != 0 {
		t.Fatalf("resolved=%d", resolved)
	}
	if len(src.resolved) != 0 {
		t.Fatalf("resolved entries=%v", src.resolved)
	}
}

func TestRunReportsUpdateAndDeleteDivergences(t *testing.T) {
	src := &stubSource{entries: []Entry{
		{ID: 1, PolicyID: "pol-1", RemoteID: "a", ExpectedState: ports.ReconcileStateUpdated},
		{ID: 2, PolicyID: "pol-2", RemoteID: "b", ExpectedState: ports.ReconcileStateDeleted},
	}}
	gw := &stubGateway{}
	r := NewReplayer(src, gw, zap.NewNop())

	resolved, err := r.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if resolved != 0 {
		t.Fatalf("resolved=%d", resolved)
	}
	if len(gw.deleted) != 0 {
		t.Fatalf("no remote mutation expected: %v", gw.deleted)
	}
}
