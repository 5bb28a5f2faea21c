package api

import (
	"sync"
)

// LatestLocation holds the latest known location for an agent.
type LatestLocation struct {
	AgentID string  `json:"agent_id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	TS      string  `json:"ts"`
}

// LocationCache stores the most recent ping per agent. Read by the
// tracking feed; never persisted.
type LocationCache struct {
	mu sync.Mutex
	m  map[string]LatestLocation
}

func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

// Upsert stores or updates the latest location for an agent.
func (c *LocationCache) Upsert(agentID string, lat, lng float64, ts string) {
	if agentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[agentID] = LatestLocation{AgentID: agentID, Lat: lat, Lng: lng, TS: ts}
}

// Get returns the latest ping for one agent.
func (c *LocationCache) Get(agentID string) (LatestLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.m[agentID]
	return loc, ok
}

// List returns the latest ping per agent.
func (c *LocationCache) List() []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LatestLocation, 0, len(c.m))
	for _, v := range c.m {
		out = append(out, v)
	}
	return out
}
