package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"fieldroute/internal/auth"
	"fieldroute/internal/integrations/csvfile"
	"fieldroute/internal/model"
)

// SubscriptionsHandler manages webhook subscriptions.
//
//	POST   /v1/subscriptions
//	GET    /v1/subscriptions
//	DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher); !ok {
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	rest := parts[2:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid input", "url and events are required", r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sub.Secret = "" // never echo secrets
		writeJSON(w, http.StatusCreated, sub)
	case len(rest) == 0 && r.Method == http.MethodGet:
		q := r.URL.Query()
		subs, next, err := s.Store.ListSubscriptions(r.Context(), q.Get("cursor"), parseLimit(q.Get("limit"), 50))
		if err != nil {
			writeError(w, r, err)
			return
		}
		for i := range subs {
			subs[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs, "next_cursor": next})
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.Store.DeleteSubscription(r.Context(), rest[0]); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeProblem(w, http.StatusNotFound, "Not found", "", r.URL.Path)
	}
}

// DeliveriesHandler exposes the webhook delivery queue for operators.
//
//	GET  /v1/admin/notification-deliveries?status=&cursor=&limit=
//	POST /v1/admin/notification-deliveries/{id}/retry
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleAdmin); !ok {
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// ["v1","admin","notification-deliveries",...]
	rest := parts[3:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		q := r.URL.Query()
		items, next, err := s.Store.ListWebhookDeliveries(r.Context(), q.Get("status"), q.Get("cursor"), parseLimit(q.Get("limit"), 50))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deliveries": items, "next_cursor": next})
	case len(rest) == 2 && rest[1] == "retry" && r.Method == http.MethodPost:
		if err := s.Store.RetryWebhookDelivery(r.Context(), rest[0]); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requeued": true})
	default:
		writeProblem(w, http.StatusNotFound, "Not found", "", r.URL.Path)
	}
}

// DLQHandler exposes dead-lettered deliveries.
//
//	GET  /v1/admin/dlq?event_type=&cursor=&limit=
//	POST /v1/admin/dlq/{id}/requeue
func (s *Server) DLQHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleAdmin); !ok {
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	rest := parts[3:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		q := r.URL.Query()
		items, next, err := s.Store.ListWebhookDLQ(r.Context(), q.Get("event_type"), q.Get("cursor"), parseLimit(q.Get("limit"), 50))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": next})
	case len(rest) == 2 && rest[1] == "requeue" && r.Method == http.MethodPost:
		if err := s.Store.RequeueWebhookDLQ(r.Context(), rest[0]); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requeued": true})
	default:
		writeProblem(w, http.StatusNotFound, "Not found", "", r.URL.Path)
	}
}

// DispatchConfigHandler reads and replaces the deployment policy.
//
//	GET /v1/admin/dispatch/config
//	PUT /v1/admin/dispatch/config
func (s *Server) DispatchConfigHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleAdmin); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Engine.Config(r.Context()))
	case http.MethodPut:
		var cfg model.DispatchConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if cfg.ProximityThresholdM < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid input", "proximity_threshold_m must not be negative", r.URL.Path)
			return
		}
		if err := s.Store.SaveDispatchConfig(r.Context(), cfg); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Engine.Config(r.Context()))
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
	}
}

// ImportShopsHandler bulk-loads shops from an uploaded CSV file.
// POST /v1/admin/shops/import  (multipart field "file", or raw CSV body)
func (s *Server) ImportShopsHandler(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.requireRole(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
		return
	}

	body := r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		f, _, err := r.FormFile("file")
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid upload", err.Error(), r.URL.Path)
			return
		}
		defer f.Close()
		body = f
	}

	adapter := csvfile.Adapter{}
	inputs, err := adapter.ParseShops(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid CSV", err.Error(), r.URL.Path)
		return
	}

	created, failed := 0, []map[string]any{}
	for _, in := range inputs {
		if reason, ok := validShopInput(in); !ok {
			failed = append(failed, map[string]any{"name": in.Name, "error": reason})
			continue
		}
		if _, err := s.Store.CreateShop(r.Context(), in, pr.UserID); err != nil {
			failed = append(failed, map[string]any{"name": in.Name, "error": err.Error()})
			continue
		}
		created++
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": created, "failed": failed})
}
