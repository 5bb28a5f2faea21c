// Package notify derives structured event records from dispatch
// outcomes. It only computes what to notify; delivery belongs to the
// webhook pipeline.
package notify

import (
	"fmt"
	"time"

	"fieldroute/internal/model"
)

const (
	EventVisitCompleted = "visit.completed"
	EventRouteAssigned  = "route.assigned"
	EventShopApproved   = "shop.approved"
)

// Audience scopes who sees an event: every dispatcher plus the
// dispatcher responsible for the named segment.
type Audience struct {
	AllDispatchers bool   `json:"all_dispatchers"`
	Segment        string `json:"segment,omitempty"`
}

type Event struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Actor    string   `json:"actor"`
	Target   string   `json:"target"`
	Audience Audience `json:"audience"`
	TS       string   `json:"ts"`
}

// VisitCompleted formats the alert for a logged visit. Mismatches get
// called out since they are the location-spoofing signal dispatchers
// watch for.
func VisitCompleted(rec model.VisitRecord, agent model.User, shop model.Shop) Event {
	msg := fmt.Sprintf("%s visited %s (%.2f m, %s)", agent.Name, shop.Name, rec.DistanceM, rec.Classification)
	title := "Visit completed"
	if rec.Classification == model.VisitMismatch {
		title = "Visit location mismatch"
	}
	return Event{
		Type:     EventVisitCompleted,
		Title:    title,
		Message:  msg,
		Actor:    agent.UserID,
		Target:   shop.ShopID,
		Audience: Audience{AllDispatchers: true, Segment: shop.Segment},
		TS:       rec.TS,
	}
}

// RouteAssigned formats the confirmation for a freshly built route.
func RouteAssigned(agent model.User, stops []model.AssignedStop) Event {
	first := ""
	if len(stops) > 0 {
		first = stops[0].ShopName
	}
	msg := fmt.Sprintf("%s has %d stops assigned, starting at %s", agent.Name, len(stops), first)
	if len(stops) == 0 {
		msg = fmt.Sprintf("%s has no stops assigned", agent.Name)
	}
	return Event{
		Type:     EventRouteAssigned,
		Title:    "Route assigned",
		Message:  msg,
		Actor:    agent.UserID,
		Target:   agent.UserID,
		Audience: Audience{AllDispatchers: true, Segment: agent.Segment},
		TS:       time.Now().UTC().Format(time.RFC3339),
	}
}

// ShopApproved formats the intake decision for a field-submitted shop.
func ShopApproved(shop model.Shop, approver string) Event {
	return Event{
		Type:     EventShopApproved,
		Title:    "Shop approved",
		Message:  fmt.Sprintf("%s (%s) added to the catalogue", shop.Name, shop.ShopID),
		Actor:    approver,
		Target:   shop.ShopID,
		Audience: Audience{AllDispatchers: true, Segment: shop.Segment},
		TS:       time.Now().UTC().Format(time.RFC3339),
	}
}
