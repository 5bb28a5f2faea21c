package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fieldroute/internal/dispatch"
	"fieldroute/internal/store"
)

// Problem represents an RFC7807 problem details response body.
// ConflictingShopIDs carries the structured detail for claim conflicts
// so callers can retry without a second round trip.
type Problem struct {
	Type               string   `json:"type"`
	Title              string   `json:"title"`
	Status             int      `json:"status"`
	Detail             string   `json:"detail,omitempty"`
	Instance           string   `json:"instance,omitempty"`
	ConflictingShopIDs []string `json:"conflicting_shop_ids,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var inv *dispatch.InvalidInputError
	if errors.As(err, &inv) {
		writeProblem(w, http.StatusBadRequest, "Invalid input", inv.Error(), r.URL.Path)
		return
	}
	var claimed *store.AlreadyClaimedError
	if errors.As(err, &claimed) {
		writeJSON(w, http.StatusConflict, Problem{
			Type:               "about:blank",
			Title:              "Shops already claimed",
			Status:             http.StatusConflict,
			Detail:             claimed.Error(),
			Instance:           r.URL.Path,
			ConflictingShopIDs: claimed.ShopIDs,
		})
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not found", err.Error(), r.URL.Path)
	case errors.Is(err, dispatch.ErrNoValidShops):
		writeProblem(w, http.StatusUnprocessableEntity, "No valid shops", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrUnavailable):
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), r.URL.Path)
	}
}
