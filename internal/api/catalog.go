package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"fieldroute/internal/auth"
	"fieldroute/internal/geo"
	"fieldroute/internal/model"
	"fieldroute/internal/notify"
)

// ShopsHandler serves the shop catalogue and the pending intake queue.
//
//	POST   /v1/shops                     create (dispatcher/admin: approved; agent: pending)
//	GET    /v1/shops                     list approved
//	GET    /v1/shops/pending             list pending (dispatcher/admin)
//	GET    /v1/shops/{id}
//	PATCH  /v1/shops/{id}
//	DELETE /v1/shops/{id}
//	POST   /v1/shops/pending/{id}/approve  (also /v1/shops/{id}/approve)
//	POST   /v1/shops/pending/{id}/reject   (also /v1/shops/{id}/reject)
func (s *Server) ShopsHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// ["v1","shops",...]
	rest := parts[2:]

	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodPost:
			s.createShop(w, r)
		case http.MethodGet:
			s.listShops(w, r)
		default:
			writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
		}
	case len(rest) == 1 && rest[0] == "pending" && r.Method == http.MethodGet:
		s.listPendingShops(w, r)
	case len(rest) == 1:
		s.shopByID(w, r, rest[0])
	case len(rest) == 3 && rest[0] == "pending" && rest[2] == "approve" && r.Method == http.MethodPost:
		s.approveShop(w, r, rest[1])
	case len(rest) == 3 && rest[0] == "pending" && rest[2] == "reject" && r.Method == http.MethodPost:
		s.rejectShop(w, r, rest[1])
	case len(rest) == 2 && rest[1] == "approve" && r.Method == http.MethodPost:
		s.approveShop(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "reject" && r.Method == http.MethodPost:
		s.rejectShop(w, r, rest[0])
	default:
		writeProblem(w, http.StatusNotFound, "Not found", "", r.URL.Path)
	}
}

func validShopInput(in model.ShopInput) (string, bool) {
	if in.Name == "" {
		return "name is required", false
	}
	if !geo.ValidLatLng(in.Lat, in.Lng) {
		return "lat/lng must be finite coordinates", false
	}
	return "", true
}

func (s *Server) createShop(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent)
	if !ok {
		return
	}
	var in model.ShopInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if reason, ok := validShopInput(in); !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid input", reason, r.URL.Path)
		return
	}
	// Field submissions go through the review queue.
	if pr.Role == auth.RoleAgent {
		shop, err := s.Store.CreatePendingShop(r.Context(), in, pr.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, shop)
		return
	}
	shop, err := s.Store.CreateShop(r.Context(), in, pr.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, shop)
}

func (s *Server) listShops(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent); !ok {
		return
	}
	q := r.URL.Query()
	shops, next, err := s.Store.ListShops(r.Context(), q.Get("segment"), "approved", q.Get("cursor"), parseLimit(q.Get("limit"), 50))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shops": shops, "next_cursor": next})
}

func (s *Server) listPendingShops(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher); !ok {
		return
	}
	q := r.URL.Query()
	shops, next, err := s.Store.ListPendingShops(r.Context(), q.Get("segment"), q.Get("cursor"), parseLimit(q.Get("limit"), 50))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shops": shops, "next_cursor": next})
}

func (s *Server) shopByID(w http.ResponseWriter, r *http.Request, shopID string) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent); !ok {
			return
		}
		shop, err := s.Store.GetShop(r.Context(), shopID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, shop)
	case http.MethodPatch:
		if _, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher); !ok {
			return
		}
		var patch model.ShopPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if (patch.Lat == nil) != (patch.Lng == nil) {
			writeProblem(w, http.StatusBadRequest, "Invalid input", "lat and lng must be updated together", r.URL.Path)
			return
		}
		if patch.Lat != nil && !geo.ValidLatLng(*patch.Lat, *patch.Lng) {
			writeProblem(w, http.StatusBadRequest, "Invalid input", "lat/lng must be finite coordinates", r.URL.Path)
			return
		}
		shop, err := s.Store.PatchShop(r.Context(), shopID, patch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, shop)
	case http.MethodDelete:
		if _, ok := s.requireRole(w, r, auth.RoleAdmin); !ok {
			return
		}
		if err := s.Store.DeleteShop(r.Context(), shopID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
	}
}

func (s *Server) approveShop(w http.ResponseWriter, r *http.Request, shopID string) {
	pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher)
	if !ok {
		return
	}
	shop, err := s.Store.ApprovePendingShop(r.Context(), shopID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	evt := notify.ShopApproved(shop, pr.UserID)
	s.Pub.Emit(r.Context(), notify.EventShopApproved, evt)
	writeJSON(w, http.StatusOK, shop)
}

func (s *Server) rejectShop(w http.ResponseWriter, r *http.Request, shopID string) {
	if _, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher); !ok {
		return
	}
	if err := s.Store.RejectPendingShop(r.Context(), shopID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": true})
}

// UsersHandler manages agents and dispatchers.
//
//	POST   /v1/users        (admin)
//	GET    /v1/users        (dispatcher/admin)
//	GET    /v1/users/{id}
//	PATCH  /v1/users/{id}   (admin)
//	DELETE /v1/users/{id}   (admin)
func (s *Server) UsersHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	rest := parts[2:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		if _, ok := s.requireRole(w, r, auth.RoleAdmin); !ok {
			return
		}
		var in model.UserInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if in.Name == "" {
			writeProblem(w, http.StatusBadRequest, "Invalid input", "name is required", r.URL.Path)
			return
		}
		switch in.Role {
		case auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent:
		default:
			writeProblem(w, http.StatusBadRequest, "Invalid input", "role must be admin, dispatcher or agent", r.URL.Path)
			return
		}
		user, err := s.Store.CreateUser(r.Context(), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, user)
	case len(rest) == 0 && r.Method == http.MethodGet:
		if _, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher); !ok {
			return
		}
		q := r.URL.Query()
		users, next, err := s.Store.ListUsers(r.Context(), q.Get("role"), q.Get("segment"), q.Get("cursor"), parseLimit(q.Get("limit"), 50))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users, "next_cursor": next})
	case len(rest) == 1:
		s.userByID(w, r, rest[0])
	default:
		writeProblem(w, http.StatusNotFound, "Not found", "", r.URL.Path)
	}
}

func (s *Server) userByID(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent)
		if !ok {
			return
		}
		if pr.Role == auth.RoleAgent && pr.UserID != userID {
			writeProblem(w, http.StatusForbidden, "Forbidden", "agents may only view themselves", r.URL.Path)
			return
		}
		user, err := s.Store.GetUser(r.Context(), userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		if _, ok := s.requireRole(w, r, auth.RoleAdmin); !ok {
			return
		}
		var patch model.UserPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		user, err := s.Store.PatchUser(r.Context(), userID, patch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if _, ok := s.requireRole(w, r, auth.RoleAdmin); !ok {
			return
		}
		if err := s.Store.DeleteUser(r.Context(), userID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
	}
}
