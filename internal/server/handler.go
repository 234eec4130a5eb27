package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nexgate-io/console/internal/audit"
	"github.com/nexgate-io/console/internal/reconcile"
	"github.com/nexgate-io/console/internal/routing"
	"github.com/nexgate-io/console/modules/catalog"
	"github.com/nexgate-io/console/modules/policy/infrastructure/gateway"
	"github.com/nexgate-io/console/modules/policy/infrastructure/persistence"
	"github.com/nexgate-io/console/modules/policy/services"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	Logger              *zap.Logger
	OrgResolver         OrgResolver
	TokenStore          tokenStore
	PrincipalStore      principalStore
	PolicyService       services.PolicyService
	KeyService          services.KeyService
	CatalogStore        APICatalogStore
	ReconciliationStore ReconciliationStore
	Authorizer          authorizer
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}

	var pgPool *pgxpool.Pool
	needsPool := opts.PolicyService == nil || opts.KeyService == nil ||
		opts.CatalogStore == nil || opts.ReconciliationStore == nil ||
		opts.OrgResolver == nil || opts.TokenStore == nil || opts.PrincipalStore == nil
	if needsPool {
		pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
		if err != nil {
			return nil, err
		}
		pgPool = pool
	}

	catalogStore := opts.CatalogStore
	var catalogPG *catalog.PGStore
	if catalogStore == nil {
		catalogPG = catalog.NewPGStore(pgPool)
		catalogStore = catalogPG
	}

	reconcileStore := opts.ReconciliationStore
	var reconcilePG *reconcile.PGStore
	if reconcileStore == nil {
		reconcilePG = reconcile.NewPGStore(pgPool)
		reconcileStore = reconcilePG
	}

	policySvc := opts.PolicyService
	keySvc := opts.KeyService
	if policySvc == nil || keySvc == nil {
		gw, err := gateway.New(os.Getenv("GATEWAY_URL"), os.Getenv("GATEWAY_SECRET"))
		if err != nil {
			return nil, err
		}
		store := persistence.NewPolicyPGStore(pgPool)
		auditor := audit.NewRecorder(log)
		if policySvc == nil {
			if catalogPG == nil {
				return nil, errors.New("server: default policy service needs the default catalog store")
			}
			if reconcilePG == nil {
				return nil, errors.New("server: default policy service needs the default reconciliation store")
			}
			policySvc = services.NewPolicyService(
				store,
				gw,
				catalogPG,
				persistence.NewOrgDirectoryPGStore(pgPool),
				services.NewGuardrailEvaluator(persistence.NewGuardrailPGStore(pgPool)),
				reconcilePG,
				auditor,
			)
		}
		if keySvc == nil {
			keySvc = services.NewKeyService(store, gw, auditor)
		}
	}

	orgResolver := opts.OrgResolver
	if orgResolver == nil {
		orgResolver = newOrgDBResolver(pgPool)
	}

	tokens := opts.TokenStore
	if tokens == nil {
		tokens = newPGTokenStore(pgPool)
	}

	principals := opts.PrincipalStore
	if principals == nil {
		principals = newPGPrincipalStore(pgPool)
	}

	az := opts.Authorizer
	if az == nil {
		loaded, err := loadAuthorizer()
		if err != nil {
			return nil, err
		}
		az = loaded
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	policiesHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePoliciesAPI(w, r, policySvc)
	})
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/policy/api/policies", policiesHandler)
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/policy/api/policies", policiesHandler)
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/policy/api/policies:get", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePolicyGetAPI(w, r, policySvc)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/policy/api/policies/available", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePoliciesAvailableAPI(w, r, policySvc)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/policy/api/policies:update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePolicyUpdateAPI(w, r, policySvc)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/policy/api/policies:delete", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePolicyDeleteAPI(w, r, policySvc)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/policy/api/policies/access:replace", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAccessReplaceAPI(w, r, policySvc)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/policy/api/policies/availability:assign", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAvailabilityAssignAPI(w, r, policySvc)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/policy/api/policies/availability:revoke", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAvailabilityRevokeAPI(w, r, policySvc)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/policy/api/keys", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleKeysAPI(w, r, keySvc)
	}))

	catalogHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCatalogAPIsAPI(w, r, catalogStore)
	})
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/catalog/api/apis", catalogHandler)
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/catalog/api/apis", catalogHandler)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/ops/api/reconciliation", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleReconciliationAPI(w, r, reconcileStore)
	}))
	router.Handle(routing.RouteClassOps, http.MethodPost, "/ops/api/reconciliation:resolve", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleReconciliationResolveAPI(w, r, reconcileStore)
	}))

	var h http.Handler = router
	h = withAuthz(classifier, az, h)
	h = withIdentity(tokens, principals, log, h)
	h = withOrgResolution(orgResolver, classifier, log, h)
	return h, nil
}

func defaultAllowlistPath() (string, error) {
	path := filepath.Join("config", "routing", "allowlist.yaml")
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found (set ALLOWLIST_PATH)")
}
