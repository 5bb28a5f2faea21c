package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"fieldroute/internal/geo"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
)

// DefaultProximityThresholdM is the arrival radius for a visit to count
// as a match when no deployment override is set.
const DefaultProximityThresholdM = 30.0

// ErrNoValidShops means every requested shop id failed to resolve.
var ErrNoValidShops = errors.New("no valid shops in request")

// InvalidInputError reports a missing or malformed request field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

func badInput(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// Engine implements route assignment and visit progression on top of the
// store. It holds policy defaults; a saved dispatch config overrides them.
type Engine struct {
	Store    store.Store
	Defaults model.DispatchConfig

	// Now is overridable in tests to pin the claim day.
	Now func() time.Time
}

func NewEngine(s store.Store) *Engine {
	e := &Engine{Store: s, Defaults: model.DispatchConfig{
		ProximityThresholdM: DefaultProximityThresholdM,
		RetireOnMismatch:    false,
		ClaimExclusive:      true,
	}}
	if v := os.Getenv("PROXIMITY_THRESHOLD_M"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			e.Defaults.ProximityThresholdM = f
		}
	}
	if v := os.Getenv("RETIRE_ON_MISMATCH"); v != "" {
		e.Defaults.RetireOnMismatch = v == "true" || v == "1"
	}
	if v := os.Getenv("CLAIM_EXCLUSIVE"); v != "" {
		e.Defaults.ClaimExclusive = !(v == "false" || v == "0")
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Config returns the effective policy: the saved deployment config when
// present, the engine defaults otherwise.
func (e *Engine) Config(ctx context.Context) model.DispatchConfig {
	cfg, ok, err := e.Store.GetDispatchConfig(ctx)
	if err != nil || !ok {
		return e.Defaults
	}
	if cfg.ProximityThresholdM <= 0 {
		cfg.ProximityThresholdM = e.Defaults.ProximityThresholdM
	}
	return cfg
}

type AssignOutcome struct {
	Response model.AssignResponse
	Agent    model.User
	Stops    []model.RouteAssignment
}

// AssignRoute builds and installs a distance-ordered route for the agent.
// Duplicate shop ids collapse, unknown ids drop silently, and the whole
// request fails with AlreadyClaimedError when any surviving shop is on
// another agent's route for the same UTC day.
func (e *Engine) AssignRoute(ctx context.Context, req model.AssignRequest) (AssignOutcome, error) {
	var out AssignOutcome
	if req.AgentID == "" {
		return out, badInput("agent_id", "is required")
	}
	if len(req.ShopIDs) == 0 {
		return out, badInput("shop_ids", "must not be empty")
	}
	if !geo.ValidLatLng(req.AgentLat, req.AgentLng) {
		return out, badInput("agent_lat/agent_lng", "must be finite coordinates")
	}

	agent, err := e.Store.GetUser(ctx, req.AgentID)
	if err != nil {
		return out, err
	}

	seen := map[string]bool{}
	unique := make([]string, 0, len(req.ShopIDs))
	for _, id := range req.ShopIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	type cand struct {
		shop model.Shop
		dist float64
	}
	cands := make([]cand, 0, len(unique))
	for _, id := range unique {
		shop, err := e.Store.GetShop(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue // unknown ids are dropped, not fatal
		}
		if err != nil {
			return out, err
		}
		cands = append(cands, cand{shop: shop, dist: geo.DistanceM(req.AgentLat, req.AgentLng, shop.Lat, shop.Lng)})
	}
	if len(cands) == 0 {
		return out, ErrNoValidShops
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].shop.ShopID < cands[j].shop.ShopID
	})

	cfg := e.Config(ctx)
	claimDate := store.ClaimDay(e.now())
	stops := make([]model.RouteAssignment, len(cands))
	for i, c := range cands {
		stops[i] = model.RouteAssignment{
			AgentID:   req.AgentID,
			ShopID:    c.shop.ShopID,
			ShopName:  c.shop.Name,
			Address:   c.shop.Address,
			Lat:       c.shop.Lat,
			Lng:       c.shop.Lng,
			Sequence:  i + 1,
			DistanceM: geo.RoundM(c.dist),
			ClaimDate: claimDate,
		}
	}

	if err := e.Store.ReplaceRoute(ctx, req.AgentID, claimDate, stops, cfg.ClaimExclusive); err != nil {
		return out, err
	}

	assigned := make([]model.AssignedStop, len(stops))
	for i, st := range stops {
		assigned[i] = model.AssignedStop{ShopID: st.ShopID, ShopName: st.ShopName, Sequence: st.Sequence, DistanceM: st.DistanceM}
	}
	out.Response = model.AssignResponse{AssignedStops: assigned}
	out.Agent = agent
	out.Stops = stops
	return out, nil
}

// GetRoute returns the agent's remaining stops, sequence ascending.
// Never fails on an unknown or empty route; that is just an empty list.
func (e *Engine) GetRoute(ctx context.Context, agentID string) (model.RouteResponse, error) {
	if agentID == "" {
		return model.RouteResponse{}, badInput("agent_id", "is required")
	}
	route, err := e.Store.GetRoute(ctx, agentID)
	if err != nil {
		return model.RouteResponse{}, err
	}
	stops := make([]model.RouteStop, len(route))
	for i, st := range route {
		stops[i] = model.RouteStop{ShopID: st.ShopID, ShopName: st.ShopName, Address: st.Address, Lat: st.Lat, Lng: st.Lng, Sequence: st.Sequence, DistanceM: st.DistanceM}
	}
	return model.RouteResponse{Stops: stops}, nil
}

// NextStop returns the remaining stop with the lowest sequence, or nil.
func (e *Engine) NextStop(ctx context.Context, agentID string) (*model.NextStop, error) {
	st, err := e.Store.NextStop(ctx, agentID)
	if err != nil || st == nil {
		return nil, err
	}
	return &model.NextStop{ShopID: st.ShopID, ShopName: st.ShopName, Lat: st.Lat, Lng: st.Lng, Sequence: st.Sequence}, nil
}

// RemoveAssignment drops one stop from the agent's route. Idempotent;
// the flag reports whether anything was actually removed.
func (e *Engine) RemoveAssignment(ctx context.Context, agentID, shopID string) (model.RemoveResponse, error) {
	if agentID == "" || shopID == "" {
		return model.RemoveResponse{}, badInput("agent_id/shop_id", "are required")
	}
	removed, err := e.Store.RemoveStop(ctx, agentID, shopID)
	if err != nil {
		return model.RemoveResponse{}, err
	}
	return model.RemoveResponse{Removed: removed}, nil
}

type VisitOutcome struct {
	Response model.VisitResponse
	Record   model.VisitRecord
	Agent    model.User
	Shop     model.Shop
}

// RecordVisit classifies an arrival report against the shop of record,
// appends the immutable visit fact and advances the route. The append
// and the stop retirement commit together or not at all.
func (e *Engine) RecordVisit(ctx context.Context, req model.VisitRequest) (VisitOutcome, error) {
	var out VisitOutcome
	if req.AgentID == "" {
		return out, badInput("agent_id", "is required")
	}
	if req.ShopID == "" {
		return out, badInput("shop_id", "is required")
	}
	if !geo.ValidLatLng(req.Lat, req.Lng) {
		return out, badInput("lat/lng", "must be finite coordinates")
	}

	agent, err := e.Store.GetUser(ctx, req.AgentID)
	if err != nil {
		return out, err
	}
	shop, err := e.Store.GetShop(ctx, req.ShopID)
	if err != nil {
		return out, err
	}

	cfg := e.Config(ctx)
	dist := geo.DistanceM(req.Lat, req.Lng, shop.Lat, shop.Lng)
	classification := model.VisitMismatch
	if dist <= cfg.ProximityThresholdM {
		classification = model.VisitMatch
	}

	rec := model.VisitRecord{
		ID:             uuid.New().String(),
		AgentID:        req.AgentID,
		ShopID:         req.ShopID,
		Lat:            req.Lat,
		Lng:            req.Lng,
		DistanceM:      geo.RoundM(dist),
		Classification: classification,
		Segment:        shop.Segment,
		PhotoRef:       req.PhotoRef,
		TS:             e.now().UTC().Format(time.RFC3339),
	}
	retire := classification == model.VisitMatch || cfg.RetireOnMismatch
	if err := e.Store.AppendVisit(ctx, rec, retire); err != nil {
		return out, err
	}

	next, err := e.NextStop(ctx, req.AgentID)
	if err != nil {
		return out, err
	}
	out.Response = model.VisitResponse{
		Classification: classification,
		DistanceM:      rec.DistanceM,
		NextStop:       next,
		RouteComplete:  next == nil,
	}
	out.Record = rec
	out.Agent = agent
	out.Shop = shop
	return out, nil
}
