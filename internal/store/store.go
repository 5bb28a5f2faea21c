package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldroute/internal/model"
)

// Store is the persistence interface used by the dispatch engine and the
// API server. Multi-step writes (route replacement, visit append with
// stop retirement, id allocation) are semantic operations here so each
// implementation can make them atomic its own way.
type Store interface {
	// Shops
	CreateShop(ctx context.Context, in model.ShopInput, createdBy string) (model.Shop, error)
	GetShop(ctx context.Context, shopID string) (model.Shop, error)
	ListShops(ctx context.Context, segment, status, cursor string, limit int) ([]model.Shop, string, error)
	PatchShop(ctx context.Context, shopID string, patch model.ShopPatch) (model.Shop, error)
	DeleteShop(ctx context.Context, shopID string) error
	AllocateShopID(ctx context.Context) (string, error)

	// Pending shop intake
	CreatePendingShop(ctx context.Context, in model.ShopInput, createdBy string) (model.Shop, error)
	ListPendingShops(ctx context.Context, segment, cursor string, limit int) ([]model.Shop, string, error)
	ApprovePendingShop(ctx context.Context, shopID string) (model.Shop, error)
	RejectPendingShop(ctx context.Context, shopID string) error

	// Users
	CreateUser(ctx context.Context, in model.UserInput) (model.User, error)
	GetUser(ctx context.Context, userID string) (model.User, error)
	ListUsers(ctx context.Context, role, segment, cursor string, limit int) ([]model.User, string, error)
	PatchUser(ctx context.Context, userID string, patch model.UserPatch) (model.User, error)
	DeleteUser(ctx context.Context, userID string) error
	AllocateUserID(ctx context.Context) (string, error)

	// Route state. ReplaceRoute is the only writer that creates
	// assignments: it checks same-day claims held by other agents
	// (when exclusive), clears the agent's current route and inserts
	// stops with their assignment-time sequence, all in one step.
	ReplaceRoute(ctx context.Context, agentID, claimDate string, stops []model.RouteAssignment, exclusive bool) error
	GetRoute(ctx context.Context, agentID string) ([]model.RouteAssignment, error)
	NextStop(ctx context.Context, agentID string) (*model.RouteAssignment, error)
	RemoveStop(ctx context.Context, agentID, shopID string) (bool, error)
	ClearRoute(ctx context.Context, agentID string) error

	// Visit ledger. AppendVisit writes the record and, when retireStop
	// is set, removes the matching stop in the same step.
	AppendVisit(ctx context.Context, rec model.VisitRecord, retireStop bool) error
	ListVisits(ctx context.Context, f model.VisitFilter, cursor string, limit int) ([]model.VisitRecord, string, error)
	VisitStats(ctx context.Context, agentID, segment string, now time.Time) (model.VisitStats, error)

	// Dispatch policy
	GetDispatchConfig(ctx context.Context) (model.DispatchConfig, bool, error)
	SaveDispatchConfig(ctx context.Context, cfg model.DispatchConfig) error

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, id string) error
	ListWebhookDLQ(ctx context.Context, eventType, cursor string, limit int) ([]map[string]any, string, error)
	RequeueWebhookDLQ(ctx context.Context, id string) error
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	// ErrUnavailable wraps transient backend failures; callers may retry.
	ErrUnavailable = errors.New("store unavailable")
)

// AlreadyClaimedError reports shops already routed to another agent for
// the same calendar day. The conflicting ids let the caller retry with
// those shops removed.
type AlreadyClaimedError struct {
	ClaimDate string
	ShopIDs   []string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("shops already claimed for %s: %s", e.ClaimDate, strings.Join(e.ShopIDs, ", "))
}

// ClaimDay formats the UTC calendar day used for exclusivity claims.
func ClaimDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
