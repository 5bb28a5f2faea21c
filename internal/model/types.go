package model

// Core domain types shared by the store, dispatch engine and API layer.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Shop is a catalogue entry. Approved shops are routable; pending ones
// are field submissions awaiting dispatcher review.
type Shop struct {
	ShopID    string  `json:"shop_id"`
	Name      string  `json:"name"`
	Address   string  `json:"address,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Segment   string  `json:"segment,omitempty"`
	Status    string  `json:"status"` // approved, pending
	CreatedBy string  `json:"created_by,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

type ShopInput struct {
	ShopID  string  `json:"shop_id,omitempty"` // empty means allocate
	Name    string  `json:"name"`
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Segment string  `json:"segment,omitempty"`
}

type ShopPatch struct {
	Name    string   `json:"name,omitempty"`
	Address string   `json:"address,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	Segment string   `json:"segment,omitempty"`
}

type User struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Role      string `json:"role"` // admin, dispatcher, agent
	Segment   string `json:"segment,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type UserInput struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Segment string `json:"segment,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

type UserPatch struct {
	Name    string `json:"name,omitempty"`
	Segment string `json:"segment,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// RouteAssignment is one claimed stop on an agent's route. Sequence is a
// priority stamped at assignment time; removal never renumbers survivors.
type RouteAssignment struct {
	AgentID   string  `json:"agent_id"`
	ShopID    string  `json:"shop_id"`
	ShopName  string  `json:"shop_name"`
	Address   string  `json:"address,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Sequence  int     `json:"sequence"`
	DistanceM float64 `json:"distance_m,omitempty"`
	ClaimDate string  `json:"claim_date"` // UTC calendar day, 2006-01-02
}

// VisitRecord is an append-only audit fact. Never updated or deleted.
type VisitRecord struct {
	ID             string  `json:"id"`
	AgentID        string  `json:"agent_id"`
	ShopID         string  `json:"shop_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	DistanceM      float64 `json:"distance_m"`
	Classification string  `json:"classification"` // match, mismatch
	Segment        string  `json:"segment,omitempty"`
	PhotoRef       string  `json:"photo_ref,omitempty"`
	TS             string  `json:"ts"`
}

const (
	VisitMatch    = "match"
	VisitMismatch = "mismatch"
)

// Request/response shapes for the four dispatch operations.

type AssignRequest struct {
	AgentID  string   `json:"agent_id"`
	ShopIDs  []string `json:"shop_ids"`
	AgentLat float64  `json:"agent_lat"`
	AgentLng float64  `json:"agent_lng"`
}

type AssignedStop struct {
	ShopID    string  `json:"shop_id"`
	ShopName  string  `json:"shop_name"`
	Sequence  int     `json:"sequence"`
	DistanceM float64 `json:"distance_m"`
}

type AssignResponse struct {
	AssignedStops []AssignedStop `json:"assigned_stops"`
}

type RouteStop struct {
	ShopID    string  `json:"shop_id"`
	ShopName  string  `json:"shop_name"`
	Address   string  `json:"address,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Sequence  int     `json:"sequence"`
	DistanceM float64 `json:"distance_m,omitempty"`
}

type RouteResponse struct {
	Stops []RouteStop `json:"stops"`
}

type VisitRequest struct {
	AgentID  string  `json:"agent_id,omitempty"` // defaults to the caller
	ShopID   string  `json:"shop_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	PhotoRef string  `json:"photo_ref,omitempty"`
}

type NextStop struct {
	ShopID   string  `json:"shop_id"`
	ShopName string  `json:"shop_name"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Sequence int     `json:"sequence"`
}

type VisitResponse struct {
	Classification string    `json:"classification"`
	DistanceM      float64   `json:"distance_m"`
	NextStop       *NextStop `json:"next_stop"`
	RouteComplete  bool      `json:"route_complete"`
}

type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// DispatchConfig carries the per-deployment policy knobs.
type DispatchConfig struct {
	ProximityThresholdM float64 `json:"proximity_threshold_m"`
	RetireOnMismatch    bool    `json:"retire_on_mismatch"`
	ClaimExclusive      bool    `json:"claim_exclusive"`
}

// Visit log queries and dashboard aggregates.

type VisitFilter struct {
	AgentID        string `json:"agent_id,omitempty"`
	Segment        string `json:"segment,omitempty"`
	Classification string `json:"classification,omitempty"`
	From           string `json:"from,omitempty"` // RFC3339
	To             string `json:"to,omitempty"`
}

type VisitStats struct {
	Today    int            `json:"today"`
	Week     int            `json:"week"`
	Match    int            `json:"match"`
	Mismatch int            `json:"mismatch"`
	ByAgent  map[string]int `json:"by_agent,omitempty"`
}

// Live tracking.

type LocationPing struct {
	AgentID string  `json:"agent_id,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	TS      string  `json:"ts,omitempty"`
}

type AgentEvent struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agent_id,omitempty"`
	ShopID  string         `json:"shop_id,omitempty"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Webhook subscriptions.

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
