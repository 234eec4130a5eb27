package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nexgate-io/console/internal/reconcile"
	"github.com/nexgate-io/console/internal/routing"
)

// ReconciliationStore is the ops surface over the divergence log.
type ReconciliationStore interface {
	ListPending(ctx context.Context, limit int) ([]reconcile.Entry, error)
	MarkResolved(ctx context.Context, id int64, note string) error
}

type reconciliationEntryView struct {
	ID            int64           `json:"id"`
	PolicyID      string          `json:"policy_id,omitempty"`
	RemoteID      string          `json:"remote_id"`
	ExpectedState string          `json:"expected_state"`
	RemoteDoc     json.RawMessage `json:"remote_doc,omitempty"`
	LastError     string          `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

func handleReconciliationAPI(w http.ResponseWriter, r *http.Request, store ReconciliationStore) {
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassOps, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			routing.WriteError(w, r, routing.RouteClassOps, http.StatusUnprocessableEntity, "invalid_argument", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := store.ListPending(r.Context(), limit)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassOps, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	views := make([]reconciliationEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, reconciliationEntryView{
			ID:            e.ID,
			PolicyID:      e.PolicyID,
			RemoteID:      e.RemoteID,
			ExpectedState: e.ExpectedState,
			RemoteDoc:     json.RawMessage(e.RemoteDoc),
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func handleReconciliationResolveAPI(w http.ResponseWriter, r *http.Request, store ReconciliationStore) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassOps, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var payload struct {
		ID   int64  `json:"id"`
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassOps, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return
	}
	if payload.ID <= 0 {
		routing.WriteError(w, r, routing.RouteClassOps, http.StatusUnprocessableEntity, "invalid_argument", "id required")
		return
	}
	if err := store.MarkResolved(r.Context(), payload.ID, payload.Note); err != nil {
		routing.WriteError(w, r, routing.RouteClassOps, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
