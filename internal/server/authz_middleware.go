package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nexgate-io/console/internal/routing"
	"github.com/nexgate-io/console/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAccessConfigPath("config/access/model.conf")
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAccessConfigPath("config/access/policy.csv")
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAccessConfigPath(rel string) (string, error) {
	path := rel
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: access config not found: " + rel)
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		org, ok := currentOrg(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "org_missing", "org missing")
			return
		}

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		p, ok := currentPrincipal(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		subject := authz.SubjectFromRole(p.RoleSlug)
		domain := authz.DomainFromOrgID(org.ID)

		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/policy/api/policies":
		if method == http.MethodGet {
			return authz.ObjectPolicyPolicies, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectPolicyPolicies, authz.ActionAdmin, true
		}
		return "", "", false
	case "/policy/api/policies:get", "/policy/api/policies/available":
		if method == http.MethodGet {
			return authz.ObjectPolicyPolicies, authz.ActionRead, true
		}
		return "", "", false
	case "/policy/api/policies:update", "/policy/api/policies:delete", "/policy/api/policies/access:replace":
		if method == http.MethodPost {
			return authz.ObjectPolicyPolicies, authz.ActionAdmin, true
		}
		return "", "", false
	case "/policy/api/policies/availability:assign", "/policy/api/policies/availability:revoke":
		if method == http.MethodPost {
			return authz.ObjectPolicyAvailability, authz.ActionAdmin, true
		}
		return "", "", false
	case "/policy/api/keys":
		if method == http.MethodPost {
			return authz.ObjectPolicyKeys, authz.ActionIssue, true
		}
		return "", "", false
	case "/catalog/api/apis":
		if method == http.MethodGet {
			return authz.ObjectCatalogAPIs, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectCatalogAPIs, authz.ActionAdmin, true
		}
		return "", "", false
	case "/ops/api/reconciliation":
		if method == http.MethodGet {
			return authz.ObjectOpsReconciliation, authz.ActionRead, true
		}
		return "", "", false
	case "/ops/api/reconciliation:resolve":
		if method == http.MethodPost {
			return authz.ObjectOpsReconciliation, authz.ActionAdmin, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}
