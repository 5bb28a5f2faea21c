package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldroute/internal/model"
	"fieldroute/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	e := NewEngine(mem)
	e.Defaults = model.DispatchConfig{ProximityThresholdM: 30, RetireOnMismatch: false, ClaimExclusive: true}
	ctx := context.Background()
	for _, u := range []model.UserInput{
		{Name: "Asha", Role: "agent", Segment: "fmcg"},  // A001
		{Name: "Binod", Role: "agent", Segment: "fmcg"}, // A002
	} {
		if _, err := mem.CreateUser(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	shops := []model.ShopInput{
		{ShopID: "S001", Name: "Corner Mart", Lat: 12.91, Lng: 77.61, Segment: "fmcg"},
		{ShopID: "S002", Name: "Lakeview Stores", Lat: 12.95, Lng: 77.70, Segment: "fmcg"},
		{ShopID: "S003", Name: "Hilltop Traders", Lat: 12.91, Lng: 77.61, Segment: "pipes"}, // same spot as S001
	}
	for _, s := range shops {
		if _, err := mem.CreateShop(ctx, s, "A000"); err != nil {
			t.Fatalf("seed shop: %v", err)
		}
	}
	return e, mem
}

func TestAssignRouteOrdersByDistance(t *testing.T) {
	e, _ := newTestEngine(t)
	out, err := e.AssignRoute(context.Background(), model.AssignRequest{
		AgentID: "A001", ShopIDs: []string{"S002", "S001"}, AgentLat: 12.90, AgentLng: 77.60,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	stops := out.Response.AssignedStops
	if len(stops) != 2 {
		t.Fatalf("expected 2 stops, got %d", len(stops))
	}
	if stops[0].ShopID != "S001" || stops[1].ShopID != "S002" {
		t.Fatalf("wrong order: %s, %s", stops[0].ShopID, stops[1].ShopID)
	}
	if stops[0].Sequence != 1 || stops[1].Sequence != 2 {
		t.Fatalf("bad sequences: %d, %d", stops[0].Sequence, stops[1].Sequence)
	}
	if stops[0].DistanceM >= stops[1].DistanceM {
		t.Fatalf("distances not ascending: %v >= %v", stops[0].DistanceM, stops[1].DistanceM)
	}
}

func TestAssignRouteTieBreaksByShopID(t *testing.T) {
	e, _ := newTestEngine(t)
	// S001 and S003 share coordinates; tie resolves by ascending shop id.
	out, err := e.AssignRoute(context.Background(), model.AssignRequest{
		AgentID: "A001", ShopIDs: []string{"S003", "S001"}, AgentLat: 12.90, AgentLng: 77.60,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	stops := out.Response.AssignedStops
	if stops[0].ShopID != "S001" || stops[1].ShopID != "S003" {
		t.Fatalf("tie-break order wrong: %s, %s", stops[0].ShopID, stops[1].ShopID)
	}
}

func TestAssignRouteCollapsesDuplicates(t *testing.T) {
	e, _ := newTestEngine(t)
	out, err := e.AssignRoute(context.Background(), model.AssignRequest{
		AgentID: "A001", ShopIDs: []string{"S001", "S001", "S002", "S001"}, AgentLat: 12.90, AgentLng: 77.60,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(out.Response.AssignedStops) != 2 {
		t.Fatalf("duplicates not collapsed: %d stops", len(out.Response.AssignedStops))
	}
}

func TestAssignRouteDropsUnknownShops(t *testing.T) {
	e, _ := newTestEngine(t)
	out, err := e.AssignRoute(context.Background(), model.AssignRequest{
		AgentID: "A001", ShopIDs: []string{"S001", "S999"}, AgentLat: 12.90, AgentLng: 77.60,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(out.Response.AssignedStops) != 1 || out.Response.AssignedStops[0].ShopID != "S001" {
		t.Fatalf("unknown shop not dropped: %+v", out.Response.AssignedStops)
	}

	_, err = e.AssignRoute(context.Background(), model.AssignRequest{
		AgentID: "A001", ShopIDs: []string{"S998", "S999"}, AgentLat: 12.90, AgentLng: 77.60,
	})
	if !errors.Is(err, ErrNoValidShops) {
		t.Fatalf("expected ErrNoValidShops, got %v", err)
	}
}

func TestAssignRouteReplacesPriorRoute(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S001", "S002"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S003"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("second assign: %v", err)
	}
	route, err := e.GetRoute(ctx, "A001")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if len(route.Stops) != 1 || route.Stops[0].ShopID != "S003" {
		t.Fatalf("route not replaced: %+v", route.Stops)
	}
}

func TestAssignRouteSameDayExclusivity(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return day1 }

	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("claim by A001: %v", err)
	}

	_, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A002", ShopIDs: []string{"S001", "S002"}, AgentLat: 12.90, AgentLng: 77.60})
	var claimed *store.AlreadyClaimedError
	if !errors.As(err, &claimed) {
		t.Fatalf("expected AlreadyClaimedError, got %v", err)
	}
	if len(claimed.ShopIDs) != 1 || claimed.ShopIDs[0] != "S001" {
		t.Fatalf("wrong conflict list: %v", claimed.ShopIDs)
	}
	// the failed request must not have left a partial route
	route, _ := e.GetRoute(ctx, "A002")
	if len(route.Stops) != 0 {
		t.Fatalf("partial assignment leaked: %+v", route.Stops)
	}

	// next calendar day the claim is free again
	e.Now = func() time.Time { return day1.AddDate(0, 0, 1) }
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A002", ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("next-day claim should succeed: %v", err)
	}
}

func TestAssignRouteInvalidInput(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	var inv *InvalidInputError
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", AgentLat: 12.9, AgentLng: 77.6}); !errors.As(err, &inv) {
		t.Fatalf("empty shop_ids: expected InvalidInputError, got %v", err)
	}
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S001"}, AgentLat: 91, AgentLng: 77.6}); !errors.As(err, &inv) {
		t.Fatalf("bad lat: expected InvalidInputError, got %v", err)
	}
	if _, err := e.AssignRoute(ctx, model.AssignRequest{ShopIDs: []string{"S001"}, AgentLat: 12.9, AgentLng: 77.6}); !errors.As(err, &inv) {
		t.Fatalf("empty agent_id: expected InvalidInputError, got %v", err)
	}
}

func TestRecordVisitMatchRemovesStop(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S001", "S002"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// ~15 m from S001, inside the 30 m threshold
	out, err := e.RecordVisit(ctx, model.VisitRequest{AgentID: "A001", ShopID: "S001", Lat: 12.9101, Lng: 77.6101})
	if err != nil {
		t.Fatalf("visit: %v", err)
	}
	if out.Response.Classification != model.VisitMatch {
		t.Fatalf("expected match, got %s (%.2fm)", out.Response.Classification, out.Response.DistanceM)
	}
	if out.Response.RouteComplete {
		t.Fatalf("route should not be complete yet")
	}
	if out.Response.NextStop == nil || out.Response.NextStop.ShopID != "S002" {
		t.Fatalf("wrong next stop: %+v", out.Response.NextStop)
	}
	// surviving stop keeps its assignment-time sequence
	if out.Response.NextStop.Sequence != 2 {
		t.Fatalf("sequence renumbered: %d", out.Response.NextStop.Sequence)
	}
	route, _ := e.GetRoute(ctx, "A001")
	if len(route.Stops) != 1 || route.Stops[0].ShopID != "S002" {
		t.Fatalf("matched stop not removed: %+v", route.Stops)
	}
	visits, _, _ := mem.ListVisits(ctx, model.VisitFilter{}, "", 10)
	if len(visits) != 1 || visits[0].Classification != model.VisitMatch {
		t.Fatalf("visit record missing: %+v", visits)
	}
}

func TestRecordVisitMismatchKeepsStop(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// ~1.5 km away from S001
	out, err := e.RecordVisit(ctx, model.VisitRequest{AgentID: "A001", ShopID: "S001", Lat: 12.90, Lng: 77.60})
	if err != nil {
		t.Fatalf("visit: %v", err)
	}
	if out.Response.Classification != model.VisitMismatch {
		t.Fatalf("expected mismatch, got %s", out.Response.Classification)
	}
	route, _ := e.GetRoute(ctx, "A001")
	if len(route.Stops) != 1 {
		t.Fatalf("mismatched stop should stay pending: %+v", route.Stops)
	}
	// mismatches are recorded, not rejected
	visits, _, _ := mem.ListVisits(ctx, model.VisitFilter{Classification: model.VisitMismatch}, "", 10)
	if len(visits) != 1 {
		t.Fatalf("mismatch not logged: %+v", visits)
	}
}

func TestRecordVisitRetireOnMismatchPolicy(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	if err := mem.SaveDispatchConfig(ctx, model.DispatchConfig{ProximityThresholdM: 30, RetireOnMismatch: true, ClaimExclusive: true}); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	out, err := e.RecordVisit(ctx, model.VisitRequest{AgentID: "A001", ShopID: "S001", Lat: 12.90, Lng: 77.60})
	if err != nil {
		t.Fatalf("visit: %v", err)
	}
	if out.Response.Classification != model.VisitMismatch {
		t.Fatalf("expected mismatch, got %s", out.Response.Classification)
	}
	route, _ := e.GetRoute(ctx, "A001")
	if len(route.Stops) != 0 {
		t.Fatalf("retire-on-mismatch policy ignored: %+v", route.Stops)
	}
}

func TestRecordVisitRouteComplete(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	out, err := e.RecordVisit(ctx, model.VisitRequest{AgentID: "A001", ShopID: "S001", Lat: 12.91, Lng: 77.61})
	if err != nil {
		t.Fatalf("visit: %v", err)
	}
	if !out.Response.RouteComplete || out.Response.NextStop != nil {
		t.Fatalf("expected route completion, got %+v", out.Response)
	}
	route, _ := e.GetRoute(ctx, "A001")
	if len(route.Stops) != 0 {
		t.Fatalf("route should be empty: %+v", route.Stops)
	}
}

func TestRecordVisitNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.RecordVisit(ctx, model.VisitRequest{AgentID: "A001", ShopID: "S999", Lat: 12.9, Lng: 77.6}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown shop: expected ErrNotFound, got %v", err)
	}
	if _, err := e.RecordVisit(ctx, model.VisitRequest{AgentID: "A999", ShopID: "S001", Lat: 12.9, Lng: 77.6}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown agent: expected ErrNotFound, got %v", err)
	}
}

func TestRemoveAssignmentIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.AssignRoute(ctx, model.AssignRequest{AgentID: "A001", ShopIDs: []string{"S001"}, AgentLat: 12.90, AgentLng: 77.60}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	res, err := e.RemoveAssignment(ctx, "A001", "S001")
	if err != nil || !res.Removed {
		t.Fatalf("first removal: %+v %v", res, err)
	}
	res, err = e.RemoveAssignment(ctx, "A001", "S001")
	if err != nil || res.Removed {
		t.Fatalf("second removal should be a no-op: %+v %v", res, err)
	}
}
