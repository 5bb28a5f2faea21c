package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fieldroute/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

// seedCatalog creates two agents and three shops through the store and
// returns the agent ids.
func seedCatalog(t *testing.T, s *Server) (string, string) {
	t.Helper()
	ctx := context.Background()
	asha, err := s.Store.CreateUser(ctx, model.UserInput{Name: "Asha", Role: "agent", Segment: "fmcg"})
	if err != nil {
		t.Fatal(err)
	}
	binod, err := s.Store.CreateUser(ctx, model.UserInput{Name: "Binod", Role: "agent", Segment: "fmcg"})
	if err != nil {
		t.Fatal(err)
	}
	shops := []model.ShopInput{
		{ShopID: "S001", Name: "Corner Mart", Lat: 12.91, Lng: 77.61, Segment: "fmcg"},
		{ShopID: "S002", Name: "Lakeview Stores", Lat: 12.95, Lng: 77.70, Segment: "fmcg"},
		{ShopID: "S003", Name: "Hilltop Traders", Lat: 12.99, Lng: 77.75, Segment: "pipes"},
	}
	for _, in := range shops {
		if _, err := s.Store.CreateShop(ctx, in, "admin"); err != nil {
			t.Fatal(err)
		}
	}
	return asha.UserID, binod.UserID
}

func doJSON(t *testing.T, h http.HandlerFunc, method, path string, body any, user, role string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	if role != "" {
		req.Header.Set("X-Role", role)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthzHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyzHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestAssignRouteOrdersByDistance(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)

	body := model.AssignRequest{AgentID: asha, ShopIDs: []string{"S002", "S001"}, AgentLat: 12.90, AgentLng: 77.60}
	rr := doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments", body, "ops", "dispatcher")
	if rr.Code != 200 {
		t.Fatalf("assign: %d body=%s", rr.Code, rr.Body.String())
	}
	var resp model.AssignResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.AssignedStops) != 2 {
		t.Fatalf("expected 2 stops, got %d", len(resp.AssignedStops))
	}
	if resp.AssignedStops[0].ShopID != "S001" || resp.AssignedStops[0].Sequence != 1 {
		t.Fatalf("nearest shop should come first: %+v", resp.AssignedStops)
	}

	// GET /v1/agents/{id}/route
	rr = doJSON(t, s.AgentsHandler, http.MethodGet, "/v1/agents/"+asha+"/route", nil, "ops", "dispatcher")
	if rr.Code != 200 {
		t.Fatalf("route: %d", rr.Code)
	}
	var route model.RouteResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &route)
	if len(route.Stops) != 2 || route.Stops[0].ShopID != "S001" {
		t.Fatalf("route wrong: %+v", route.Stops)
	}
}

func TestAssignConflictReturnsShopIDs(t *testing.T) {
	s := newTestServer(t)
	asha, binod := seedCatalog(t, s)

	ok := doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: asha, ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}, "ops", "dispatcher")
	if ok.Code != 200 {
		t.Fatalf("first assign: %d", ok.Code)
	}

	rr := doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: binod, ShopIDs: []string{"S001", "S002"}, AgentLat: 12.90, AgentLng: 77.60}, "ops", "dispatcher")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var prob Problem
	_ = json.Unmarshal(rr.Body.Bytes(), &prob)
	if len(prob.ConflictingShopIDs) != 1 || prob.ConflictingShopIDs[0] != "S001" {
		t.Fatalf("expected conflicting_shop_ids [S001], got %v", prob.ConflictingShopIDs)
	}
}

func TestAssignProblemMapping(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)

	// missing shop_ids -> 400
	rr := doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: asha, AgentLat: 1, AgentLng: 1}, "ops", "dispatcher")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	// unknown agent -> 404
	rr = doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: "A999", ShopIDs: []string{"S001"}, AgentLat: 1, AgentLng: 1}, "ops", "dispatcher")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	// every shop unknown -> 422
	rr = doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: asha, ShopIDs: []string{"S900", "S901"}, AgentLat: 1, AgentLng: 1}, "ops", "dispatcher")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAgentRBAC(t *testing.T) {
	s := newTestServer(t)
	asha, binod := seedCatalog(t, s)

	// an agent cannot read another agent's route
	rr := doJSON(t, s.AgentsHandler, http.MethodGet, "/v1/agents/"+asha+"/route", nil, binod, "agent")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	// nor assign a route for them
	rr = doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: asha, ShopIDs: []string{"S001"}, AgentLat: 1, AgentLng: 1}, binod, "agent")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	// but may manage their own
	rr = doJSON(t, s.AgentsHandler, http.MethodGet, "/v1/agents/"+asha+"/route", nil, asha, "agent")
	if rr.Code != 200 {
		t.Fatalf("own route: %d", rr.Code)
	}
}

func TestVisitFlow(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)

	rr := doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: asha, ShopIDs: []string{"S001", "S002"}, AgentLat: 12.90, AgentLng: 77.60}, "ops", "dispatcher")
	if rr.Code != 200 {
		t.Fatalf("assign: %d", rr.Code)
	}

	// On-site visit at S001: match, route advances to S002.
	rr = doJSON(t, s.VisitsHandler, http.MethodPost, "/v1/visits",
		model.VisitRequest{ShopID: "S001", Lat: 12.91, Lng: 77.61}, asha, "agent")
	if rr.Code != 200 {
		t.Fatalf("visit: %d body=%s", rr.Code, rr.Body.String())
	}
	var vr model.VisitResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &vr)
	if vr.Classification != model.VisitMatch {
		t.Fatalf("expected match, got %s (%.2f m)", vr.Classification, vr.DistanceM)
	}
	if vr.NextStop == nil || vr.NextStop.ShopID != "S002" || vr.RouteComplete {
		t.Fatalf("expected next stop S002, got %+v complete=%v", vr.NextStop, vr.RouteComplete)
	}

	// Far away from S002: mismatch, stop stays.
	rr = doJSON(t, s.VisitsHandler, http.MethodPost, "/v1/visits",
		model.VisitRequest{ShopID: "S002", Lat: 12.90, Lng: 77.60}, asha, "agent")
	var vr2 model.VisitResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &vr2)
	if vr2.Classification != model.VisitMismatch {
		t.Fatalf("expected mismatch, got %s", vr2.Classification)
	}
	if vr2.NextStop == nil || vr2.NextStop.ShopID != "S002" {
		t.Fatalf("mismatch must keep the stop, got %+v", vr2.NextStop)
	}

	// Both visits are in the ledger regardless of classification.
	rr = doJSON(t, s.VisitsHandler, http.MethodGet, "/v1/visits", nil, "ops", "dispatcher")
	if rr.Code != 200 {
		t.Fatalf("list visits: %d", rr.Code)
	}
	var lst struct {
		Visits []model.VisitRecord `json:"visits"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &lst)
	if len(lst.Visits) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(lst.Visits))
	}

	// Stats roll the ledger up.
	rr = doJSON(t, s.VisitsHandler, http.MethodGet, "/v1/visits/stats", nil, "ops", "dispatcher")
	var st model.VisitStats
	_ = json.Unmarshal(rr.Body.Bytes(), &st)
	if st.Match != 1 || st.Mismatch != 1 {
		t.Fatalf("stats wrong: %+v", st)
	}
}

func TestRemoveStopIdempotent(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)
	doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: asha, ShopIDs: []string{"S001", "S002"}, AgentLat: 12.90, AgentLng: 77.60}, "ops", "dispatcher")

	rr := doJSON(t, s.AgentsHandler, http.MethodDelete, "/v1/agents/"+asha+"/route/S001", nil, "ops", "dispatcher")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"removed":true`) {
		t.Fatalf("first remove: %d %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, s.AgentsHandler, http.MethodDelete, "/v1/agents/"+asha+"/route/S001", nil, "ops", "dispatcher")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"removed":false`) {
		t.Fatalf("second remove: %d %s", rr.Code, rr.Body.String())
	}

	// Survivor keeps its assignment-time sequence.
	rr = doJSON(t, s.AgentsHandler, http.MethodGet, "/v1/agents/"+asha+"/route/next", nil, "ops", "dispatcher")
	if !strings.Contains(rr.Body.String(), `"sequence":2`) {
		t.Fatalf("survivor should keep sequence 2: %s", rr.Body.String())
	}
}

func TestShopIntakeFlow(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)

	// Agent submission lands in the pending queue.
	rr := doJSON(t, s.ShopsHandler, http.MethodPost, "/v1/shops",
		model.ShopInput{Name: "New Find", Lat: 12.92, Lng: 77.62, Segment: "fmcg"}, asha, "agent")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("agent submit: %d", rr.Code)
	}
	var pend model.Shop
	_ = json.Unmarshal(rr.Body.Bytes(), &pend)
	if pend.Status != "pending" {
		t.Fatalf("expected pending, got %s", pend.Status)
	}

	// Not routable until approved.
	rr = doJSON(t, s.ShopsHandler, http.MethodGet, "/v1/shops/"+pend.ShopID, nil, "ops", "dispatcher")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("pending shop should 404, got %d", rr.Code)
	}

	rr = doJSON(t, s.ShopsHandler, http.MethodPost, "/v1/shops/"+pend.ShopID+"/approve", nil, "ops", "dispatcher")
	if rr.Code != 200 {
		t.Fatalf("approve: %d %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, s.ShopsHandler, http.MethodGet, "/v1/shops/"+pend.ShopID, nil, "ops", "dispatcher")
	if rr.Code != 200 {
		t.Fatalf("approved shop should resolve, got %d", rr.Code)
	}

	// Dispatcher creations skip review.
	rr = doJSON(t, s.ShopsHandler, http.MethodPost, "/v1/shops",
		model.ShopInput{Name: "Direct", Lat: 12.93, Lng: 77.63}, "ops", "dispatcher")
	if rr.Code != http.StatusCreated {
		t.Fatalf("dispatcher create: %d", rr.Code)
	}
}

func TestVisitEnqueuesWebhook(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)

	rr := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions",
		model.SubscriptionRequest{URL: "https://example.invalid/hook", Events: []string{"visit.completed"}, Secret: "shh"}, "ops", "admin")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "shh") {
		t.Fatal("secret must not be echoed")
	}

	doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: asha, ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}, "ops", "dispatcher")
	rr = doJSON(t, s.VisitsHandler, http.MethodPost, "/v1/visits",
		model.VisitRequest{ShopID: "S001", Lat: 12.91, Lng: 77.61}, asha, "agent")
	if rr.Code != 200 {
		t.Fatalf("visit: %d", rr.Code)
	}

	rr = doJSON(t, s.DeliveriesHandler, http.MethodGet, "/v1/admin/notification-deliveries", nil, "ops", "admin")
	if rr.Code != 200 {
		t.Fatalf("deliveries: %d", rr.Code)
	}
	var dres struct {
		Deliveries []map[string]any `json:"deliveries"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &dres)
	if len(dres.Deliveries) == 0 {
		t.Fatal("expected at least one pending delivery")
	}
}

func TestDispatchConfigHandler(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)

	rr := doJSON(t, s.DispatchConfigHandler, http.MethodPut, "/v1/admin/dispatch/config",
		model.DispatchConfig{ProximityThresholdM: 5000, RetireOnMismatch: true, ClaimExclusive: true}, "ops", "admin")
	if rr.Code != 200 {
		t.Fatalf("put config: %d %s", rr.Code, rr.Body.String())
	}

	// With a 5 km threshold the far-away visit becomes a match.
	doJSON(t, s.AssignmentsHandler, http.MethodPost, "/v1/assignments",
		model.AssignRequest{AgentID: asha, ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}, "ops", "dispatcher")
	rr = doJSON(t, s.VisitsHandler, http.MethodPost, "/v1/visits",
		model.VisitRequest{ShopID: "S001", Lat: 12.90, Lng: 77.60}, asha, "agent")
	var vr model.VisitResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &vr)
	if vr.Classification != model.VisitMatch {
		t.Fatalf("expected match under widened threshold, got %s (%.2f m)", vr.Classification, vr.DistanceM)
	}

	// Non-admins cannot touch the policy.
	rr = doJSON(t, s.DispatchConfigHandler, http.MethodGet, "/v1/admin/dispatch/config", nil, "ops", "dispatcher")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestImportShopsCSV(t *testing.T) {
	s := newTestServer(t)

	csv := "shop_id,name,address,lat,lng,segment\n" +
		",Import One,12 Main Rd,12.91,77.61,fmcg\n" +
		"S050,Import Two,,12.95,77.70,pipes\n"
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/shops/import", strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("X-User-Id", "ops")
	req.Header.Set("X-Role", "admin")
	rr := httptest.NewRecorder()
	s.ImportShopsHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("import: %d %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Created int              `json:"created"`
		Failed  []map[string]any `json:"failed"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Created != 2 || len(res.Failed) != 0 {
		t.Fatalf("created=%d failed=%v", res.Created, res.Failed)
	}
	if _, err := s.Store.GetShop(context.Background(), "S050"); err != nil {
		t.Fatalf("explicit id not imported: %v", err)
	}
}

func TestLocationPingFeedsCache(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)

	rr := doJSON(t, s.LocationsHandler, http.MethodPost, "/v1/locations",
		model.LocationPing{Lat: 12.91, Lng: 77.61}, asha, "agent")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("ping: %d", rr.Code)
	}
	loc, ok := s.Locations.Get(asha)
	if !ok || loc.Lat != 12.91 {
		t.Fatalf("cache miss: %+v ok=%v", loc, ok)
	}

	// Dispatchers can read the board; agents cannot.
	rr = doJSON(t, s.LocationsHandler, http.MethodGet, "/v1/locations", nil, "ops", "dispatcher")
	if rr.Code != 200 {
		t.Fatalf("board: %d", rr.Code)
	}
	rr = doJSON(t, s.LocationsHandler, http.MethodGet, "/v1/locations", nil, asha, "agent")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agents, got %d", rr.Code)
	}
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
	hdr  http.Header
	buf  bytes.Buffer
	code int
}

func (r *sseRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}
func (r *sseRecorder) WriteHeader(c int)           { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush()                      {}

func TestAgentEventsSSE(t *testing.T) {
	s := newTestServer(t)
	asha, _ := seedCatalog(t, s)

	sseReq := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/agents/%s/events/stream", asha), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sseReq = sseReq.WithContext(ctx)
	sseReq.Header.Set("X-User-Id", "ops")
	sseReq.Header.Set("X-Role", "dispatcher")

	rec := &sseRecorder{}
	done := make(chan struct{})
	go func() {
		s.AgentsHandler(rec, sseReq)
		close(done)
	}()

	// Give the handler time to subscribe
	time.Sleep(50 * time.Millisecond)
	s.Broker.Publish(asha, SSEEvent{Type: "visit.completed", Data: map[string]any{"agent_id": asha}})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if bytes.Contains(rec.buf.Bytes(), []byte("event: visit.completed")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bytes.Contains(rec.buf.Bytes(), []byte("event: visit.completed")) {
		t.Fatalf("SSE did not contain expected event. Body: %s", rec.buf.String())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("handler did not exit after cancel")
	}
}
