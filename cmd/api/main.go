package main

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldroute/internal/api"
	"fieldroute/internal/metrics"
)

func main() {
	_ = godotenv.Load()

	srvDeps, err := api.NewServer()
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Dispatch core
	mux.HandleFunc("/v1/assignments", srvDeps.AssignmentsHandler)
	mux.HandleFunc("/v1/agents/", srvDeps.AgentsHandler) // route, route/next, route/{shopId}, events/stream
	mux.HandleFunc("/v1/visits", srvDeps.VisitsHandler)
	mux.HandleFunc("/v1/visits/stats", srvDeps.VisitsHandler)

	// Catalogue
	mux.HandleFunc("/v1/shops", srvDeps.ShopsHandler)
	mux.HandleFunc("/v1/shops/", srvDeps.ShopsHandler) // pending, {id}, {id}/approve, {id}/reject
	mux.HandleFunc("/v1/users", srvDeps.UsersHandler)
	mux.HandleFunc("/v1/users/", srvDeps.UsersHandler)

	// Live tracking
	mux.HandleFunc("/v1/locations", srvDeps.LocationsHandler)
	mux.HandleFunc("/v1/track/ws", srvDeps.TrackWSHandler)

	// Webhook subscriptions
	mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionsHandler)

	// Admin
	mux.HandleFunc("/v1/admin/notification-deliveries", srvDeps.DeliveriesHandler)
	mux.HandleFunc("/v1/admin/notification-deliveries/", srvDeps.DeliveriesHandler)
	mux.HandleFunc("/v1/admin/dlq", srvDeps.DLQHandler)
	mux.HandleFunc("/v1/admin/dlq/", srvDeps.DLQHandler)
	mux.HandleFunc("/v1/admin/dispatch/config", srvDeps.DispatchConfigHandler)
	mux.HandleFunc("/v1/admin/shops/import", srvDeps.ImportShopsHandler)

	// Health, observability, docs
	mux.HandleFunc("/healthz", srvDeps.HealthzHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyzHandler)
	mux.HandleFunc("/debug", srvDeps.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", srvDeps.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", srvDeps.DocsHandler)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	limiter := api.NewRateLimiterFromEnv()
	handler := logMiddleware(metricsMiddleware(limiter.Middleware(srvDeps, mux)))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on %s", addr)
	// Start webhook worker
	if srvDeps.Pub != nil {
		worker := srvDeps.NewWebhookWorker()
		worker.Start()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps the WebSocket upgrade working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}
