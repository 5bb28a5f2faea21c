package api

import (
	"log"
	"os"

	"fieldroute/internal/auth"
	"fieldroute/internal/dispatch"
	"fieldroute/internal/store"
	"fieldroute/internal/webhooks"
)

// Server bundles the dependencies the HTTP handlers need.
type Server struct {
	Store     store.Store
	Engine    *dispatch.Engine
	Pub       *webhooks.Publisher
	Auth      *auth.Verifier
	Broker    EventBroker
	Locations *LocationCache
	pg        *store.Postgres
}

// NewServer wires the store, dispatch engine, broker and webhook
// publisher from the environment. With DATABASE_URL set it connects to
// Postgres and runs migrations (unless DB_MIGRATE=false); otherwise it
// keeps everything in memory. With REDIS_URL set agent events go
// through Redis Pub/Sub so they reach every instance.
func NewServer() (*Server, error) {
	var st store.Store
	var pg *store.Postgres
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		p, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := p.MigrateDir("db/migrations"); err != nil {
				return nil, err
			}
		}
		st, pg = p, p
		log.Printf("store: postgres")
	} else {
		st = store.NewMemory()
		log.Printf("store: memory")
	}

	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		rb, err := NewRedisBroker()
		if err != nil {
			return nil, err
		}
		broker = rb
		log.Printf("broker: redis")
	} else {
		broker = NewBroker()
	}

	return &Server{
		Store:     st,
		Engine:    dispatch.NewEngine(st),
		Pub:       webhooks.NewPublisher(st),
		Auth:      auth.NewVerifierFromEnv(),
		Broker:    broker,
		Locations: NewLocationCache(),
		pg:        pg,
	}, nil
}

// Postgres returns the underlying Postgres store, nil when running in
// memory. Used by readiness checks.
func (s *Server) Postgres() *store.Postgres { return s.pg }

// NewWebhookWorker builds the delivery worker over the server's store.
func (s *Server) NewWebhookWorker() *webhooks.Worker { return webhooks.NewWorker(s.Store) }
