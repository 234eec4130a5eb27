package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexgate-io/console/internal/reconcile"
	"github.com/nexgate-io/console/internal/routing"
	"github.com/nexgate-io/console/modules/catalog"
	"github.com/nexgate-io/console/modules/policy/domain/types"
	"github.com/nexgate-io/console/modules/policy/services"
	"github.com/nexgate-io/console/pkg/httperr"
)

const (
	testOrgID      = "00000000-0000-0000-0000-000000000001"
	testOtherOrgID = "00000000-0000-0000-0000-000000000002"
)

func localOrgResolver() OrgResolver {
	return newStaticOrgResolver(map[string]Org{
		"localhost": {ID: testOrgID, Hostname: "localhost", Name: "Local Org"},
	})
}

type stubPolicyService struct {
	createFn        func(ctx context.Context, actor services.Actor, req services.CreatePolicyRequest) (types.Policy, error)
	updateFn        func(ctx context.Context, actor services.Actor, req services.UpdatePolicyRequest) (types.Policy, error)
	deleteFn        func(ctx context.Context, actor services.Actor, policyID string) error
	replaceFn       func(ctx context.Context, actor services.Actor, req services.ReplaceAccessSetRequest) (types.Policy, error)
	getFn           func(ctx context.Context, actor services.Actor, policyID string) (types.Policy, error)
	listOwnedFn     func(ctx context.Context, actor services.Actor) ([]types.Policy, error)
	listAvailableFn func(ctx context.Context, actor services.Actor) ([]types.Policy, error)
	assignFn        func(ctx context.Context, actor services.Actor, policyID string, orgID string) error
	revokeFn        func(ctx context.Context, actor services.Actor, policyID string, orgID string) error
}

func (s *stubPolicyService) Create(ctx context.Context, actor services.Actor, req services.CreatePolicyRequest) (types.Policy, error) {
	if s.createFn != nil {
		return s.createFn(ctx, actor, req)
	}
	return types.Policy{}, nil
}

func (s *stubPolicyService) Update(ctx context.Context, actor services.Actor, req services.UpdatePolicyRequest) (types.Policy, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, actor, req)
	}
	return types.Policy{}, nil
}

func (s *stubPolicyService) Delete(ctx context.Context, actor services.Actor, policyID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, actor, policyID)
	}
	return nil
}

func (s *stubPolicyService) ReplaceAccessSet(ctx context.Context, actor services.Actor, req services.ReplaceAccessSetRequest) (types.Policy, error) {
	if s.replaceFn != nil {
		return s.replaceFn(ctx, actor, req)
	}
	return types.Policy{}, nil
}

func (s *stubPolicyService) Get(ctx context.Context, actor services.Actor, policyID string) (types.Policy, error) {
	if s.getFn != nil {
		return s.getFn(ctx, actor, policyID)
	}
	return types.Policy{}, nil
}

func (s *stubPolicyService) ListOwned(ctx context.Context, actor services.Actor) ([]types.Policy, error) {
	if s.listOwnedFn != nil {
		return s.listOwnedFn(ctx, actor)
	}
	return nil, nil
}

func (s *stubPolicyService) ListAvailable(ctx context.Context, actor services.Actor) ([]types.Policy, error) {
	if s.listAvailableFn != nil {
		return s.listAvailableFn(ctx, actor)
	}
	return nil, nil
}

func (s *stubPolicyService) Assign(ctx context.Context, actor services.Actor, policyID string, orgID string) error {
	if s.assignFn != nil {
		return s.assignFn(ctx, actor, policyID, orgID)
	}
	return nil
}

func (s *stubPolicyService) Revoke(ctx context.Context, actor services.Actor, policyID string, orgID string) error {
	if s.revokeFn != nil {
		return s.revokeFn(ctx, actor, policyID, orgID)
	}
	return nil
}

func (s *stubPolicyService) IsAvailable(context.Context, string, string) (bool, error) {
	return false, nil
}

type stubKeyService struct {
	issueFn func(ctx context.Context, actor services.Actor, req services.IssueKeyRequest) (types.RemoteKey, error)
}

func (s *stubKeyService) Issue(ctx context.Context, actor services.Actor, req services.IssueKeyRequest) (types.RemoteKey, error) {
	if s.issueFn != nil {
		return s.issueFn(ctx, actor, req)
	}
	return types.RemoteKey{}, nil
}

type stubCatalogStore struct {
	listFn   func(ctx context.Context, orgID string) ([]catalog.APIDefinition, error)
	upsertFn func(ctx context.Context, d catalog.APIDefinition) error
}

func (s *stubCatalogStore) ListByOrg(ctx context.Context, orgID string) ([]catalog.APIDefinition, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubCatalogStore) Upsert(ctx context.Context, d catalog.APIDefinition) error {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, d)
	}
	return nil
}

type stubReconciliationStore struct {
	listFn    func(ctx context.Context, limit int) ([]reconcile.Entry, error)
	resolveFn func(ctx context.Context, id int64, note string) error
}

func (s *stubReconciliationStore) ListPending(ctx context.Context, limit int) ([]reconcile.Entry, error) {
	if s.listFn != nil {
		return s.listFn(ctx, limit)
	}
	return nil, nil
}

func (s *stubReconciliationStore) MarkResolved(ctx context.Context, id int64, note string) error {
	if s.resolveFn != nil {
		return s.resolveFn(ctx, id, note)
	}
	return nil
}

type testEnv struct {
	handler    http.Handler
	tokens     *memoryTokenStore
	principals *memoryPrincipalStore
}

func setConfigEnv(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("ALLOWLIST_PATH", filepath.Clean(filepath.Join(wd, "..", "..", "config", "routing", "allowlist.yaml")))
	t.Setenv("AUTHZ_MODEL_PATH", filepath.Clean(filepath.Join(wd, "..", "..", "config", "access", "model.conf")))
	t.Setenv("AUTHZ_POLICY_PATH", filepath.Clean(filepath.Join(wd, "..", "..", "config", "access", "policy.csv")))
}

func newTestEnv(t *testing.T, opts HandlerOptions) *testEnv {
	t.Helper()
	setConfigEnv(t)

	tokens := newMemoryTokenStore()
	principals := newMemoryPrincipalStore()

	if opts.OrgResolver == nil {
		opts.OrgResolver = localOrgResolver()
	}
	if opts.TokenStore == nil {
		opts.TokenStore = tokens
	}
	if opts.PrincipalStore == nil {
		opts.PrincipalStore = principals
	}
	if opts.PolicyService == nil {
		opts.PolicyService = &stubPolicyService{}
	}
	if opts.KeyService == nil {
		opts.KeyService = &stubKeyService{}
	}
	if opts.CatalogStore == nil {
		opts.CatalogStore = &stubCatalogStore{}
	}
	if opts.ReconciliationStore == nil {
		opts.ReconciliationStore = &stubReconciliationStore{}
	}

	h, err := NewHandlerWithOptions(opts)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{handler: h, tokens: tokens, principals: principals}
}

func (e *testEnv) login(t *testing.T, orgID string, roleSlug string) string {
	t.Helper()
	p := Principal{ID: "p-" + roleSlug, OrgID: orgID, RoleSlug: roleSlug, Status: "active", Email: roleSlug + "@example.invalid"}
	e.principals.put(p)
	token, err := e.tokens.Create(context.Background(), orgID, p.ID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Host = "localhost"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "unknown.invalid"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestHandler_UnknownHostIs404(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/policy/api/policies", nil)
	req.Host = "unknown.invalid"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_MissingTokenIs401(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})

	rec := env.do(t, http.MethodGet, "/policy/api/policies", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_TokenFromOtherOrgDoesNotAuthenticate(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})
	token := env.login(t, testOtherOrgID, "org-admin")

	rec := env.do(t, http.MethodGet, "/policy/api/policies", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RevokedTokenIs401(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})
	token := env.login(t, testOrgID, "org-admin")
	if err := env.tokens.Revoke(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/policy/api/policies", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ListPoliciesAsViewer(t *testing.T) {
	var gotActor services.Actor
	svc := &stubPolicyService{
		listOwnedFn: func(_ context.Context, actor services.Actor) ([]types.Policy, error) {
			gotActor = actor
			return []types.Policy{{ID: "pol-1", OrgID: actor.OrgID, Name: "gold"}}, nil
		},
	}
	env := newTestEnv(t, HandlerOptions{PolicyService: svc})
	token := env.login(t, testOrgID, "org-viewer")

	rec := env.do(t, http.MethodGet, "/policy/api/policies", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if gotActor.OrgID != testOrgID {
		t.Fatalf("actor org=%q", gotActor.OrgID)
	}
	if gotActor.CanAdmin {
		t.Fatalf("viewer must not be CanAdmin")
	}

	var body struct {
		Policies []policyView `json:"policies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Policies) != 1 || body.Policies[0].Name != "gold" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestHandler_ViewerCannotCreate(t *testing.T) {
	called := false
	svc := &stubPolicyService{
		createFn: func(context.Context, services.Actor, services.CreatePolicyRequest) (types.Policy, error) {
			called = true
			return types.Policy{}, nil
		},
	}
	env := newTestEnv(t, HandlerOptions{PolicyService: svc})
	token := env.login(t, testOrgID, "org-viewer")

	rec := env.do(t, http.MethodPost, "/policy/api/policies", token, map[string]any{"name": "gold"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if called {
		t.Fatalf("service must not be reached")
	}
}

func TestHandler_AdminCreates(t *testing.T) {
	var gotActor services.Actor
	var gotReq services.CreatePolicyRequest
	svc := &stubPolicyService{
		createFn: func(_ context.Context, actor services.Actor, req services.CreatePolicyRequest) (types.Policy, error) {
			gotActor = actor
			gotReq = req
			return types.Policy{ID: "pol-1", OrgID: actor.OrgID, Name: req.Name, RemoteID: "feedfacefeedfacefeedfacefeedface"}, nil
		},
	}
	env := newTestEnv(t, HandlerOptions{PolicyService: svc})
	token := env.login(t, testOrgID, "org-admin")

	rec := env.do(t, http.MethodPost, "/policy/api/policies", token, map[string]any{
		"name":      "gold",
		"rate":      100,
		"per":       60,
		"quota_max": -1,
		"access_rights": []map[string]any{
			{"api_id": "api-1"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !gotActor.CanAdmin {
		t.Fatalf("admin actor must be CanAdmin")
	}
	if gotReq.Name != "gold" || gotReq.Rate != 100 || len(gotReq.AccessSpecs) != 1 || gotReq.AccessSpecs[0].APIID != "api-1" {
		t.Fatalf("req=%+v", gotReq)
	}

	var view policyView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.RemoteID != "feedfacefeedfacefeedfacefeedface" {
		t.Fatalf("remote_id=%q", view.RemoteID)
	}
}

func TestHandler_ServiceErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad request", httperr.NewBadRequest("RATE_INVALID"), http.StatusUnprocessableEntity, "invalid_argument"},
		{"not found", httperr.NewNotFound("POLICY_NOT_FOUND"), http.StatusNotFound, "not_found"},
		{"forbidden", httperr.NewForbidden("CROSS_ORG_GRANT_NOT_ALLOWED"), http.StatusForbidden, "forbidden"},
		{"remote down", httperr.NewRemoteUnavailable("GATEWAY_UNAVAILABLE", nil), http.StatusBadGateway, "gateway_unavailable"},
		{"reconciliation", httperr.NewReconciliationRequired("RECONCILIATION_REQUIRED", "feedface", nil), http.StatusInternalServerError, "reconciliation_required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubPolicyService{
				createFn: func(context.Context, services.Actor, services.CreatePolicyRequest) (types.Policy, error) {
					return types.Policy{}, tc.err
				},
			}
			env := newTestEnv(t, HandlerOptions{PolicyService: svc})
			token := env.login(t, testOrgID, "org-admin")

			rec := env.do(t, http.MethodPost, "/policy/api/policies", token, map[string]any{"name": "gold"})
			if rec.Code != tc.wantStatus {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			var envelope routing.ErrorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
				t.Fatal(err)
			}
			if envelope.Code != tc.wantCode {
				t.Fatalf("code=%q body=%s", envelope.Code, rec.Body.String())
			}
			if envelope.Meta.Path != "/policy/api/policies" || envelope.Meta.Method != http.MethodPost {
				t.Fatalf("meta=%+v", envelope.Meta)
			}
		})
	}
}

func TestHandler_DeletePolicy(t *testing.T) {
	var gotID string
	svc := &stubPolicyService{
		deleteFn: func(_ context.Context, _ services.Actor, policyID string) error {
			gotID = policyID
			return nil
		},
	}
	env := newTestEnv(t, HandlerOptions{PolicyService: svc})
	token := env.login(t, testOrgID, "org-operator")

	rec := env.do(t, http.MethodPost, "/policy/api/policies:delete", token, map[string]any{"policy_id": "pol-1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if gotID != "pol-1" {
		t.Fatalf("policy_id=%q", gotID)
	}
}

func TestHandler_AvailabilityAssign(t *testing.T) {
	var gotPolicy, gotOrg string
	svc := &stubPolicyService{
		assignFn: func(_ context.Context, _ services.Actor, policyID string, orgID string) error {
			gotPolicy, gotOrg = policyID, orgID
			return nil
		},
	}
	env := newTestEnv(t, HandlerOptions{PolicyService: svc})
	token := env.login(t, testOrgID, "org-operator")

	rec := env.do(t, http.MethodPost, "/policy/api/policies/availability:assign", token, map[string]any{
		"policy_id": "pol-1",
		"org_id":    testOtherOrgID,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if gotPolicy != "pol-1" || gotOrg != testOtherOrgID {
		t.Fatalf("policy=%q org=%q", gotPolicy, gotOrg)
	}
}

func TestHandler_IssueKey(t *testing.T) {
	keys := &stubKeyService{
		issueFn: func(_ context.Context, actor services.Actor, req services.IssueKeyRequest) (types.RemoteKey, error) {
			if actor.OrgID != testOrgID {
				t.Fatalf("actor org=%q", actor.OrgID)
			}
			return types.RemoteKey{Key: "k-secret", Alias: req.Alias}, nil
		},
	}
	env := newTestEnv(t, HandlerOptions{KeyService: keys})
	token := env.login(t, testOrgID, "org-operator")

	rec := env.do(t, http.MethodPost, "/policy/api/keys", token, map[string]any{
		"policy_id": "pol-1",
		"alias":     "ci",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["key"] != "k-secret" || body["alias"] != "ci" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestHandler_ViewerCannotIssueKey(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})
	token := env.login(t, testOrgID, "org-viewer")

	rec := env.do(t, http.MethodPost, "/policy/api/keys", token, map[string]any{"policy_id": "pol-1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_CatalogListAndUpsert(t *testing.T) {
	var upserted catalog.APIDefinition
	store := &stubCatalogStore{
		listFn: func(_ context.Context, orgID string) ([]catalog.APIDefinition, error) {
			return []catalog.APIDefinition{{APIID: "api-1", Name: "Orders", OrgID: orgID, Active: true}}, nil
		},
		upsertFn: func(_ context.Context, d catalog.APIDefinition) error {
			upserted = d
			return nil
		},
	}
	env := newTestEnv(t, HandlerOptions{CatalogStore: store})
	token := env.login(t, testOrgID, "org-admin")

	rec := env.do(t, http.MethodGet, "/catalog/api/apis", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		APIs []apiDefinitionView `json:"apis"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.APIs) != 1 || body.APIs[0].APIID != "api-1" {
		t.Fatalf("body=%s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/catalog/api/apis", token, map[string]any{
		"api_id": "api-2",
		"name":   "Billing",
		"org_id": testOtherOrgID,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	// org_id in the payload is ignored; definitions belong to the request org.
	if upserted.OrgID != testOrgID || upserted.APIID != "api-2" {
		t.Fatalf("upserted=%+v", upserted)
	}
}

func TestHandler_ReconciliationList(t *testing.T) {
	store := &stubReconciliationStore{
		listFn: func(_ context.Context, limit int) ([]reconcile.Entry, error) {
			if limit != 100 {
				t.Fatalf("limit=%d", limit)
			}
			return []reconcile.Entry{{
				ID:            7,
				RemoteID:      "feedfacefeedfacefeedfacefeedface",
				ExpectedState: "created",
				LastError:     "INSERT_FAILED",
			}}, nil
		},
	}
	env := newTestEnv(t, HandlerOptions{ReconciliationStore: store})
	token := env.login(t, testOrgID, "org-viewer")

	rec := env.do(t, http.MethodGet, "/ops/api/reconciliation", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Entries []reconciliationEntryView `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Entries) != 1 || body.Entries[0].ID != 7 || body.Entries[0].ExpectedState != "created" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestHandler_ReconciliationResolve(t *testing.T) {
	var gotID int64
	var gotNote string
	store := &stubReconciliationStore{
		resolveFn: func(_ context.Context, id int64, note string) error {
			gotID, gotNote = id, note
			return nil
		},
	}
	env := newTestEnv(t, HandlerOptions{ReconciliationStore: store})

	adminToken := env.login(t, testOrgID, "org-admin")
	rec := env.do(t, http.MethodPost, "/ops/api/reconciliation:resolve", adminToken, map[string]any{
		"id":   int64(7),
		"note": "replayed by hand",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if gotID != 7 || gotNote != "replayed by hand" {
		t.Fatalf("id=%d note=%q", gotID, gotNote)
	}

	viewerToken := env.login(t, testOrgID, "org-viewer")
	rec = env.do(t, http.MethodPost, "/ops/api/reconciliation:resolve", viewerToken, map[string]any{"id": int64(8)})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if gotID != 7 {
		t.Fatalf("viewer resolve must not reach the store")
	}
}

func TestHandler_UnknownRouteIs404(t *testing.T) {
	env := newTestEnv(t, HandlerOptions{})
	token := env.login(t, testOrgID, "org-admin")

	rec := env.do(t, http.MethodGet, "/policy/api/nope", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
