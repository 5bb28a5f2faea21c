package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldroute/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set. All
// multi-step operations run under the single mutex, which gives them the
// same atomicity the Postgres store gets from transactions.
type Memory struct {
	mu       sync.Mutex
	shops    map[string]model.Shop
	shopIDs  []string // insertion order for stable listing
	pending  map[string]model.Shop
	pendIDs  []string
	users    map[string]model.User
	userIDs  []string
	routes   map[string][]model.RouteAssignment // agent -> stops, sequence ascending
	visits   []model.VisitRecord                // append-only, oldest first
	cfg      *model.DispatchConfig
	subs     []model.Subscription
	shopSeq  int
	userSeq  int
	// webhook queue state
	deliveries map[string]*memDelivery
	deliveryIDs []string
	dlq        []map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		shops:      map[string]model.Shop{},
		pending:    map[string]model.Shop{},
		users:      map[string]model.User{},
		routes:     map[string][]model.RouteAssignment{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

// Shops

func (m *Memory) CreateShop(ctx context.Context, in model.ShopInput, createdBy string) (model.Shop, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := in.ShopID
	if id == "" {
		id = m.nextShopID()
	} else {
		if _, ok := m.shops[id]; ok { return model.Shop{}, ErrConflict }
		if _, ok := m.pending[id]; ok { return model.Shop{}, ErrConflict }
		m.bumpShopSeq(id)
	}
	s := model.Shop{ShopID: id, Name: in.Name, Address: in.Address, Lat: in.Lat, Lng: in.Lng, Segment: in.Segment, Status: "approved", CreatedBy: createdBy, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	m.shops[id] = s
	m.shopIDs = append(m.shopIDs, id)
	return s, nil
}

func (m *Memory) GetShop(ctx context.Context, shopID string) (model.Shop, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.shops[shopID]
	if !ok { return model.Shop{}, ErrNotFound }
	return s, nil
}

func (m *Memory) ListShops(ctx context.Context, segment, status, cursor string, limit int) ([]model.Shop, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	return pageShops(m.shops, m.shopIDs, segment, status, cursor, limit)
}

func pageShops(byID map[string]model.Shop, ids []string, segment, status, cursor string, limit int) ([]model.Shop, string, error) {
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	out := []model.Shop{}
	next := ""
	for i := start; i < len(ids); i++ {
		s, ok := byID[ids[i]]
		if !ok { continue }
		if segment != "" && s.Segment != segment { continue }
		if status != "" && s.Status != status { continue }
		if len(out) == limit { next = out[len(out)-1].ShopID; break }
		out = append(out, s)
	}
	return out, next, nil
}

func (m *Memory) PatchShop(ctx context.Context, shopID string, patch model.ShopPatch) (model.Shop, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.shops[shopID]
	if !ok { return model.Shop{}, ErrNotFound }
	if patch.Name != "" { s.Name = patch.Name }
	if patch.Address != "" { s.Address = patch.Address }
	if patch.Lat != nil { s.Lat = *patch.Lat }
	if patch.Lng != nil { s.Lng = *patch.Lng }
	if patch.Segment != "" { s.Segment = patch.Segment }
	m.shops[shopID] = s
	return s, nil
}

func (m *Memory) DeleteShop(ctx context.Context, shopID string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.shops[shopID]; !ok { return ErrNotFound }
	delete(m.shops, shopID)
	return nil
}

func (m *Memory) AllocateShopID(ctx context.Context) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	return m.nextShopID(), nil
}

// nextShopID hands out S001, S002, ... under the store mutex. Gaps from
// deleted shops are never reused.
func (m *Memory) nextShopID() string {
	m.shopSeq++
	return "S" + pad3(m.shopSeq)
}

func (m *Memory) bumpShopSeq(id string) {
	if n, ok := parseSeq(id, "S"); ok && n > m.shopSeq { m.shopSeq = n }
}

func pad3(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 3 { s = "0" + s }
	return s
}

func parseSeq(id, prefix string) (int, bool) {
	if !strings.HasPrefix(id, prefix) { return 0, false }
	n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
	if err != nil || n < 0 { return 0, false }
	return n, true
}

// Pending shop intake

func (m *Memory) CreatePendingShop(ctx context.Context, in model.ShopInput, createdBy string) (model.Shop, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := in.ShopID
	if id == "" {
		id = m.nextShopID()
	} else {
		if _, ok := m.shops[id]; ok { return model.Shop{}, ErrConflict }
		if _, ok := m.pending[id]; ok { return model.Shop{}, ErrConflict }
		m.bumpShopSeq(id)
	}
	s := model.Shop{ShopID: id, Name: in.Name, Address: in.Address, Lat: in.Lat, Lng: in.Lng, Segment: in.Segment, Status: "pending", CreatedBy: createdBy, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	m.pending[id] = s
	m.pendIDs = append(m.pendIDs, id)
	return s, nil
}

func (m *Memory) ListPendingShops(ctx context.Context, segment, cursor string, limit int) ([]model.Shop, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	return pageShops(m.pending, m.pendIDs, segment, "", cursor, limit)
}

func (m *Memory) ApprovePendingShop(ctx context.Context, shopID string) (model.Shop, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.pending[shopID]
	if !ok { return model.Shop{}, ErrNotFound }
	delete(m.pending, shopID)
	s.Status = "approved"
	m.shops[shopID] = s
	m.shopIDs = append(m.shopIDs, shopID)
	return s, nil
}

func (m *Memory) RejectPendingShop(ctx context.Context, shopID string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.pending[shopID]; !ok { return ErrNotFound }
	delete(m.pending, shopID)
	return nil
}

// Users

func (m *Memory) CreateUser(ctx context.Context, in model.UserInput) (model.User, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	m.userSeq++
	id := "A" + pad3(m.userSeq)
	u := model.User{UserID: id, Name: in.Name, Role: in.Role, Segment: in.Segment, Phone: in.Phone, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	m.users[id] = u
	m.userIDs = append(m.userIDs, id)
	return u, nil
}

func (m *Memory) GetUser(ctx context.Context, userID string) (model.User, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok { return model.User{}, ErrNotFound }
	return u, nil
}

func (m *Memory) ListUsers(ctx context.Context, role, segment, cursor string, limit int) ([]model.User, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i, id := range m.userIDs {
			if id == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	out := []model.User{}
	next := ""
	for i := start; i < len(m.userIDs); i++ {
		u, ok := m.users[m.userIDs[i]]
		if !ok { continue }
		if role != "" && u.Role != role { continue }
		if segment != "" && u.Segment != segment { continue }
		if len(out) == limit { next = out[len(out)-1].UserID; break }
		out = append(out, u)
	}
	return out, next, nil
}

func (m *Memory) PatchUser(ctx context.Context, userID string, patch model.UserPatch) (model.User, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok { return model.User{}, ErrNotFound }
	if patch.Name != "" { u.Name = patch.Name }
	if patch.Segment != "" { u.Segment = patch.Segment }
	if patch.Phone != "" { u.Phone = patch.Phone }
	m.users[userID] = u
	return u, nil
}

func (m *Memory) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok { return ErrNotFound }
	delete(m.users, userID)
	return nil
}

func (m *Memory) AllocateUserID(ctx context.Context) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	m.userSeq++
	return "A" + pad3(m.userSeq), nil
}

// Route state

func (m *Memory) ReplaceRoute(ctx context.Context, agentID, claimDate string, stops []model.RouteAssignment, exclusive bool) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if exclusive {
		want := map[string]bool{}
		for _, st := range stops { want[st.ShopID] = true }
		conflicts := []string{}
		for otherID, route := range m.routes {
			if otherID == agentID { continue }
			for _, st := range route {
				if st.ClaimDate == claimDate && want[st.ShopID] { conflicts = append(conflicts, st.ShopID) }
			}
		}
		if len(conflicts) > 0 {
			sort.Strings(conflicts)
			return &AlreadyClaimedError{ClaimDate: claimDate, ShopIDs: conflicts}
		}
	}
	out := append([]model.RouteAssignment(nil), stops...)
	m.routes[agentID] = out
	return nil
}

func (m *Memory) GetRoute(ctx context.Context, agentID string) ([]model.RouteAssignment, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := append([]model.RouteAssignment(nil), m.routes[agentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) NextStop(ctx context.Context, agentID string) (*model.RouteAssignment, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	return nextStopLocked(m.routes[agentID]), nil
}

func nextStopLocked(route []model.RouteAssignment) *model.RouteAssignment {
	var best *model.RouteAssignment
	for i := range route {
		if best == nil || route[i].Sequence < best.Sequence {
			st := route[i]
			best = &st
		}
	}
	return best
}

func (m *Memory) RemoveStop(ctx context.Context, agentID, shopID string) (bool, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	return m.removeStopLocked(agentID, shopID), nil
}

// removeStopLocked drops the stop without renumbering survivors.
func (m *Memory) removeStopLocked(agentID, shopID string) bool {
	route := m.routes[agentID]
	out := route[:0:0]
	removed := false
	for _, st := range route {
		if st.ShopID == shopID { removed = true; continue }
		out = append(out, st)
	}
	m.routes[agentID] = out
	return removed
}

func (m *Memory) ClearRoute(ctx context.Context, agentID string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	delete(m.routes, agentID)
	return nil
}

// Visit ledger

func (m *Memory) AppendVisit(ctx context.Context, rec model.VisitRecord, retireStop bool) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.visits = append(m.visits, rec)
	if retireStop {
		m.removeStopLocked(rec.AgentID, rec.ShopID)
	}
	return nil
}

func (m *Memory) ListVisits(ctx context.Context, f model.VisitFilter, cursor string, limit int) ([]model.VisitRecord, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if limit <= 0 { limit = 100 }
	start := len(m.visits) - 1
	if cursor != "" {
		for i := len(m.visits) - 1; i >= 0; i-- {
			if m.visits[i].ID == cursor { start = i - 1; break }
		}
	}
	out := []model.VisitRecord{}
	next := ""
	for i := start; i >= 0; i-- {
		v := m.visits[i]
		if !matchVisit(v, f) { continue }
		if len(out) == limit { next = out[len(out)-1].ID; break }
		out = append(out, v)
	}
	return out, next, nil
}

func matchVisit(v model.VisitRecord, f model.VisitFilter) bool {
	if f.AgentID != "" && v.AgentID != f.AgentID { return false }
	if f.Segment != "" && v.Segment != f.Segment { return false }
	if f.Classification != "" && v.Classification != f.Classification { return false }
	if f.From != "" && v.TS < f.From { return false }
	if f.To != "" && v.TS > f.To { return false }
	return true
}

func (m *Memory) VisitStats(ctx context.Context, agentID, segment string, now time.Time) (model.VisitStats, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	day := now.UTC().Format("2006-01-02")
	weekAgo := now.UTC().AddDate(0, 0, -7).Format(time.RFC3339)
	st := model.VisitStats{ByAgent: map[string]int{}}
	for _, v := range m.visits {
		if agentID != "" && v.AgentID != agentID { continue }
		if segment != "" && v.Segment != segment { continue }
		if strings.HasPrefix(v.TS, day) { st.Today++ }
		if v.TS >= weekAgo {
			st.Week++
			st.ByAgent[v.AgentID]++
		}
		switch v.Classification {
		case model.VisitMatch:
			st.Match++
		case model.VisitMismatch:
			st.Mismatch++
		}
	}
	return st, nil
}

// Dispatch policy

func (m *Memory) GetDispatchConfig(ctx context.Context) (model.DispatchConfig, bool, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if m.cfg == nil { return model.DispatchConfig{}, false, nil }
	return *m.cfg, true, nil
}

func (m *Memory) SaveDispatchConfig(ctx context.Context, cfg model.DispatchConfig) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.cfg = &cfg
	return nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType { out = append(out, s); break }
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i := range m.subs {
			if m.subs[i].ID == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	end := start + limit
	if end > len(m.subs) { end = len(m.subs) }
	items := append([]model.Subscription(nil), m.subs[start:end]...)
	next := ""
	if end < len(m.subs) { next = m.subs[end-1].ID }
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.ID != id { out = append(out, s) }
	}
	m.subs = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveryIDs = append(m.deliveryIDs, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if d == nil { continue }
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit { break }
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return nil }
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil { d.Status = "failed" }
	row := map[string]any{"id": id, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs}
	if d != nil { row["eventType"] = d.EventType }
	m.dlq = append(m.dlq, row)
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if d == nil { continue }
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
			if d.LastError != "" { item["lastError"] = d.LastError }
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return ErrNotFound }
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}

func (m *Memory) ListWebhookDLQ(ctx context.Context, eventType, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []map[string]any{}
	for _, row := range m.dlq {
		if eventType != "" && row["eventType"] != eventType { continue }
		out = append(out, row)
	}
	return out, "", nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return ErrNotFound }
	d.Status = "pending"
	d.Attempts = 0
	d.NextAttemptAt = time.Now()
	out := m.dlq[:0:0]
	for _, row := range m.dlq {
		if row["id"] != id { out = append(out, row) }
	}
	m.dlq = out
	return nil
}
