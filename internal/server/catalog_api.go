package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nexgate-io/console/internal/routing"
	"github.com/nexgate-io/console/modules/catalog"
)

// APICatalogStore is the admin surface over the API registry; the policy
// core consumes the narrower ports.APICatalog view of the same store.
type APICatalogStore interface {
	ListByOrg(ctx context.Context, orgID string) ([]catalog.APIDefinition, error)
	Upsert(ctx context.Context, d catalog.APIDefinition) error
}

type apiDefinitionView struct {
	APIID      string `json:"api_id"`
	Name       string `json:"name"`
	OrgID      string `json:"org_id"`
	ListenPath string `json:"listen_path"`
	TargetURL  string `json:"target_url"`
	Active     bool   `json:"active"`
}

func handleCatalogAPIsAPI(w http.ResponseWriter, r *http.Request, store APICatalogStore) {
	org, ok := currentOrg(r.Context())
	if !ok {
		routing.WriteError(w, r, policyAPIClass, http.StatusInternalServerError, "org_missing", "org missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		defs, err := store.ListByOrg(r.Context(), org.ID)
		if err != nil {
			routing.WriteError(w, r, policyAPIClass, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		views := make([]apiDefinitionView, 0, len(defs))
		for _, d := range defs {
			views = append(views, apiDefinitionView{
				APIID:      d.APIID,
				Name:       d.Name,
				OrgID:      d.OrgID,
				ListenPath: d.ListenPath,
				TargetURL:  d.TargetURL,
				Active:     d.Active,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"apis": views})
	case http.MethodPost:
		var payload apiDefinitionView
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		if strings.TrimSpace(payload.APIID) == "" || strings.TrimSpace(payload.Name) == "" {
			routing.WriteError(w, r, policyAPIClass, http.StatusUnprocessableEntity, "invalid_argument", "api_id and name required")
			return
		}
		err := store.Upsert(r.Context(), catalog.APIDefinition{
			APIID:      payload.APIID,
			Name:       payload.Name,
			OrgID:      org.ID,
			ListenPath: payload.ListenPath,
			TargetURL:  payload.TargetURL,
			Active:     payload.Active,
		})
		if err != nil {
			routing.WriteError(w, r, policyAPIClass, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		routing.WriteError(w, r, policyAPIClass, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
