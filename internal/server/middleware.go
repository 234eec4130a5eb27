package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/nexgate-io/console/internal/routing"
)

// withOrgResolution binds every request to the organization served on the
// request hostname. Requests for unknown hostnames never reach a handler.
func withOrgResolution(resolver OrgResolver, classifier *routing.Classifier, log *zap.Logger, next http.Handler) http.Handler {
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

		host := effectiveHost(r)
		org, ok, err := resolver.ResolveOrg(r.Context(), host)
		if err != nil {
			log.Error("org resolve failed", zap.String("host", host), zap.Error(err))
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "org_resolve_error", "org resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, rc, http.StatusNotFound, "org_not_found", "org not found")
			return
		}

		next.ServeHTTP(w, r.WithContext(withOrg(r.Context(), org)))
	})
}

// withIdentity resolves the bearer token into a principal. Requests without
// a usable token continue anonymously; route authorization decides whether
// anonymous access is acceptable.
func withIdentity(tokens tokenStore, principals principalStore, log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := readBearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		org, ok := currentOrg(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		t, ok, err := tokens.Lookup(r.Context(), token)
		if err != nil {
			log.Error("token lookup failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		// Tokens are tenant-scoped; a token minted for another org does not
		// identify anyone here.
		if !ok || t.OrgID != org.ID {
			next.ServeHTTP(w, r)
			return
		}

		p, ok, err := principals.GetByID(r.Context(), org.ID, t.PrincipalID)
		if err != nil {
			log.Error("principal lookup failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !ok || p.Status != "active" {
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}
