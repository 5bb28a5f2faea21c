package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldroute/internal/auth"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
	"fieldroute/internal/notify"
)

// AssignmentsHandler builds a route for an agent.
// POST /v1/assignments
func (s *Server) AssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
		return
	}
	pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent)
	if !ok {
		return
	}
	var req model.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	// Agents may only build their own route; dispatchers only inside
	// their segment.
	if pr.Role == auth.RoleAgent && req.AgentID != pr.UserID {
		writeProblem(w, http.StatusForbidden, "Forbidden", "agents may only assign their own route", r.URL.Path)
		return
	}
	if pr.Role == auth.RoleDispatcher && req.AgentID != "" {
		if agent, err := s.Store.GetUser(r.Context(), req.AgentID); err == nil && !pr.CanDispatch(agent.Segment) {
			writeProblem(w, http.StatusForbidden, "Forbidden", "agent is outside your segment", r.URL.Path)
			return
		}
	}
	out, err := s.Engine.AssignRoute(r.Context(), req)
	if err != nil {
		metrics.Assignments.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}
	metrics.Assignments.WithLabelValues("ok").Inc()

	evt := notify.RouteAssigned(out.Agent, out.Response.AssignedStops)
	s.Pub.Emit(r.Context(), notify.EventRouteAssigned, evt)
	s.Broker.Publish(req.AgentID, SSEEvent{Type: notify.EventRouteAssigned, Data: map[string]any{
		"agent_id": req.AgentID,
		"stops":    len(out.Response.AssignedStops),
		"ts":       time.Now().UTC().Format(time.RFC3339),
	}})

	writeJSON(w, http.StatusOK, out.Response)
}

// AgentsHandler routes the per-agent subtree:
//
//	GET    /v1/agents/{id}/route
//	GET    /v1/agents/{id}/route/next
//	DELETE /v1/agents/{id}/route/{shopId}
//	DELETE /v1/agents/{id}/route
//	GET    /v1/agents/{id}/events/stream   (SSE)
func (s *Server) AgentsHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// ["v1","agents",id,...]
	if len(parts) < 4 || parts[1] != "agents" {
		writeProblem(w, http.StatusNotFound, "Not found", "", r.URL.Path)
		return
	}
	agentID := parts[2]
	rest := parts[3:]

	pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent)
	if !ok {
		return
	}
	if pr.Role == auth.RoleAgent && pr.UserID != agentID {
		writeProblem(w, http.StatusForbidden, "Forbidden", "agents may only access their own route", r.URL.Path)
		return
	}

	switch {
	case len(rest) == 1 && rest[0] == "route":
		switch r.Method {
		case http.MethodGet:
			resp, err := s.Engine.GetRoute(r.Context(), agentID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		case http.MethodDelete:
			if err := s.Store.ClearRoute(r.Context(), agentID); err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
		default:
			writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
		}
	case len(rest) == 2 && rest[0] == "route" && rest[1] == "next" && r.Method == http.MethodGet:
		next, err := s.Engine.NextStop(r.Context(), agentID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"next_stop": next, "route_complete": next == nil})
	case len(rest) == 2 && rest[0] == "route" && r.Method == http.MethodDelete:
		resp, err := s.Engine.RemoveAssignment(r.Context(), agentID, rest[1])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case len(rest) == 2 && rest[0] == "events" && rest[1] == "stream" && r.Method == http.MethodGet:
		s.streamAgentEvents(w, r, agentID)
	default:
		writeProblem(w, http.StatusNotFound, "Not found", "", r.URL.Path)
	}
}

// streamAgentEvents serves the SSE feed for one agent. Heartbeats keep
// intermediaries from closing the idle connection.
func (s *Server) streamAgentEvents(w http.ResponseWriter, r *http.Request, agentID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: connected\ndata: {\"agent_id\":%q}\n\n", agentID)
	flusher.Flush()

	ch := s.Broker.Subscribe(agentID)
	defer s.Broker.Unsubscribe(agentID, ch)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			data, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

// VisitsHandler records and queries shop visits.
//
//	POST /v1/visits
//	GET  /v1/visits?agent_id=&segment=&classification=&from=&to=&cursor=&limit=
//	GET  /v1/visits/stats?agent_id=&segment=
func (s *Server) VisitsHandler(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/stats") {
		s.visitStats(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.recordVisit(w, r)
	case http.MethodGet:
		s.listVisits(w, r)
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
	}
}

func (s *Server) recordVisit(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent)
	if !ok {
		return
	}
	var req model.VisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.AgentID == "" {
		req.AgentID = pr.UserID
	}
	if pr.Role == auth.RoleAgent && req.AgentID != pr.UserID {
		writeProblem(w, http.StatusForbidden, "Forbidden", "agents may only log their own visits", r.URL.Path)
		return
	}
	out, err := s.Engine.RecordVisit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.Visits.WithLabelValues(out.Response.Classification).Inc()
	metrics.VisitDistance.WithLabelValues(out.Response.Classification).Observe(out.Response.DistanceM)

	evt := notify.VisitCompleted(out.Record, out.Agent, out.Shop)
	s.Pub.Emit(r.Context(), notify.EventVisitCompleted, evt)
	s.Broker.Publish(out.Record.AgentID, SSEEvent{Type: notify.EventVisitCompleted, Data: map[string]any{
		"agent_id":       out.Record.AgentID,
		"shop_id":        out.Record.ShopID,
		"classification": out.Record.Classification,
		"distance_m":     out.Record.DistanceM,
		"ts":             out.Record.TS,
	}})

	writeJSON(w, http.StatusOK, out.Response)
}

func (s *Server) listVisits(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.VisitFilter{
		AgentID:        q.Get("agent_id"),
		Segment:        q.Get("segment"),
		Classification: q.Get("classification"),
		From:           q.Get("from"),
		To:             q.Get("to"),
	}
	// Agents see only their own ledger entries.
	if pr.Role == auth.RoleAgent {
		f.AgentID = pr.UserID
	}
	limit := parseLimit(q.Get("limit"), 50)
	visits, next, err := s.Store.ListVisits(r.Context(), f, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"visits": visits, "next_cursor": next})
}

func (s *Server) visitStats(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent)
	if !ok {
		return
	}
	q := r.URL.Query()
	agentID, segment := q.Get("agent_id"), q.Get("segment")
	if pr.Role == auth.RoleAgent {
		agentID = pr.UserID
	}
	stats, err := s.Store.VisitStats(r.Context(), agentID, segment, time.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// LocationsHandler ingests live pings and lists the latest per agent.
//
//	POST /v1/locations
//	GET  /v1/locations
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		pr, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher, auth.RoleAgent)
		if !ok {
			return
		}
		var ping model.LocationPing
		if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if ping.AgentID == "" {
			ping.AgentID = pr.UserID
		}
		if pr.Role == auth.RoleAgent && ping.AgentID != pr.UserID {
			writeProblem(w, http.StatusForbidden, "Forbidden", "agents may only report their own location", r.URL.Path)
			return
		}
		if ping.AgentID == "" {
			writeProblem(w, http.StatusBadRequest, "Invalid input", "agent_id is required", r.URL.Path)
			return
		}
		if ping.TS == "" {
			ping.TS = time.Now().UTC().Format(time.RFC3339)
		}
		s.Locations.Upsert(ping.AgentID, ping.Lat, ping.Lng, ping.TS)
		s.Broker.Publish(ping.AgentID, SSEEvent{Type: "agent.location", Data: map[string]any{
			"agent_id": ping.AgentID, "lat": ping.Lat, "lng": ping.Lng, "ts": ping.TS,
		}})
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case http.MethodGet:
		if _, ok := s.requireRole(w, r, auth.RoleAdmin, auth.RoleDispatcher); !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locations": s.Locations.List()})
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "Method not allowed", "", r.URL.Path)
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyzHandler is the readiness probe; with Postgres configured it
// pings the database.
func (s *Server) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.pg != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pg.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseLimit(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
