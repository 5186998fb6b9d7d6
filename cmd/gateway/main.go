package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/enforcement"
	"github.com/tollgate/controlplane/internal/envelope"
	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/handlers"
	"github.com/tollgate/controlplane/internal/identity"
	"github.com/tollgate/controlplane/internal/incidents"
	"github.com/tollgate/controlplane/internal/infra"
	"github.com/tollgate/controlplane/internal/integrations"
	"github.com/tollgate/controlplane/internal/locks"
	"github.com/tollgate/controlplane/internal/maintenance"
	"github.com/tollgate/controlplane/internal/metrics"
	"github.com/tollgate/controlplane/internal/registry"
	"github.com/tollgate/controlplane/internal/shipper"
	"github.com/tollgate/controlplane/internal/snapshot"
	"github.com/tollgate/controlplane/internal/storage"
	"github.com/tollgate/controlplane/internal/telemetry"
	"github.com/tollgate/controlplane/internal/tenancy"
	"github.com/tollgate/controlplane/internal/websocket"
	"github.com/tollgate/controlplane/pb"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfgMgr, err := config.NewManager(envOr("CONFIG_PATH", "config.yaml"), os.Getenv("TENANT_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	cfg := cfgMgr.Global()

	store, err := storage.Open(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer store.Close()

	m := metrics.New()

	// Redis is optional: without it rate windows count from the store and
	// events skip the stream sink.
	var redis *infra.GoRedisAdapter
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redis, err = infra.NewGoRedisAdapter(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			slog.Warn("Redis unavailable, falling back to store counters", "error", err)
			redis = nil
		} else {
			defer redis.Close()
		}
	}

	// Event pipeline: bus plus configured sinks.
	bus := events.NewBus(cfg.Events.BufferSize)
	bus.AddSink(events.LogSink{})
	if redis != nil {
		bus.AddSink(events.NewStreamSink(redis, cfg.Events.StreamName))
	}
	if project := os.Getenv("PUBSUB_PROJECT"); project != "" {
		sink, err := events.NewPubSubSink(context.Background(), project, envOr("PUBSUB_TOPIC", "controlplane-events"))
		if err != nil {
			slog.Warn("Pub/Sub sink unavailable", "error", err)
		} else {
			bus.AddSink(sink)
			defer sink.Close()
		}
	}

	// Outbound shipper: Cloud Tasks when configured, worker pool otherwise.
	shipRegistry := shipper.NewRegistry()
	replay := maintenance.NewReplay()
	pool := shipper.NewPool(shipRegistry, 4).
		WithDeadLetter(replay.ShipperDeadLetter(store)).
		WithLedger(&pb.MockShipmentLedgerClient{})
	var backend shipper.Enqueuer = pool
	if project := os.Getenv("CLOUDTASKS_PROJECT"); project != "" {
		cloud, err := shipper.NewCloudShipper(project,
			envOr("CLOUDTASKS_LOCATION", "us-central1"),
			envOr("CLOUDTASKS_QUEUE", "controlplane-deliveries"), pool)
		if err != nil {
			slog.Warn("Cloud Tasks unavailable, using in-process delivery", "error", err)
		} else {
			backend = cloud
		}
	}
	shipSink := shipper.NewSink(shipRegistry, backend)
	bus.AddSink(shipSink)
	defer shipSink.Shutdown()

	// Domain engines.
	tenants := tenancy.NewManager(store)
	integs := integrations.NewRegistry()
	driver := telemetry.NewDriver()

	rateWindow := enforcement.RateWindow(enforcement.NewStoreRateWindow(driver,
		time.Duration(cfg.Enforcement.RateLimitWindowSeconds)*time.Second))
	if redis != nil {
		rateWindow = enforcement.NewRedisRateWindow(redis, driver,
			time.Duration(cfg.Enforcement.RateLimitWindowSeconds)*time.Second)
	}
	engine := enforcement.NewEngine(integs, driver, rateWindow, cfgMgr, m)

	snapshots := snapshot.NewEngine(driver, cfgMgr, bus, m)

	lockSvc := locks.NewService(store)
	recorder := envelope.NewStoreRecorder(store)
	observer := envelope.NewObserver(cfg.Envelopes.LearningEnabled, cfg.Envelopes.LearningWindowSize)
	envelopes := envelope.NewPool(recorder, bus, m, observer)
	expirySweeper := envelope.NewExpirySweeper(envelopes, lockSvc,
		time.Duration(cfg.Envelopes.ExpirySweepSeconds)*time.Second,
		time.Duration(cfg.Envelopes.CoordinatorLockTTLSec)*time.Second)
	expirySweeper.Start()
	defer expirySweeper.Stop()

	incidentRepo := incidents.NewSQLRepo()
	aggregator := incidents.NewAggregator(incidentRepo, cfgMgr, bus, m)
	incidentSweeper := incidents.NewSweeper(store, incidentRepo, cfgMgr)
	incidentSweeper.Start()
	defer incidentSweeper.Stop()

	// Dispatch plane.
	reg := registry.New()
	handlers.Register(reg, handlers.Deps{
		Config:       cfgMgr,
		Telemetry:    driver,
		Enforcement:  engine,
		Integrations: integs,
		Snapshots:    snapshots,
		Envelopes:    envelopes,
		Incidents:    aggregator,
		IncidentRepo: incidentRepo,
		Emitter:      bus,
	})
	dispatcher := registry.NewDispatcher(reg, store, m).
		WithTenantGate(func(ctx context.Context, tenantID string) error {
			_, err := tenants.LoadTenant(ctx, tenantID)
			return err
		})

	// Event tail hub.
	tail := websocket.NewTail(bus)
	go tail.Run()
	defer tail.Stop()

	router := buildRouter(dispatcher, tenants, tail, store)

	server := &http.Server{
		Addr:         ":" + envOr("PORT", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Optional SPIFFE mTLS when a SPIRE socket is configured.
	if socket := os.Getenv("SPIFFE_SOCKET"); socket != "" {
		provider, err := identity.NewProvider(socket, envOr("SPIFFE_TRUST_DOMAIN", "tollgate.example.com"))
		if err != nil {
			log.Fatalf("SPIFFE init failed: %v", err)
		}
		defer provider.Close()
		server.TLSConfig = provider.ServerTLSConfig()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("gateway starting", "addr", server.Addr, "operations", len(reg.Names()))
	if server.TLSConfig != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	slog.Info("gateway stopped")
}

func buildRouter(dispatcher *registry.Dispatcher, tenants *tenancy.Manager, tail *websocket.Tail, store *storage.Store) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		dbStatus := "connected"
		if err := store.DB().PingContext(ctx); err != nil {
			dbStatus = "error"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"service":   "controlplane-gateway",
			"database":  dbStatus,
			"websocket": tail.Statistics(),
		})
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/operations/{operation}",
		tenancy.Middleware(tenants, operationHandler(dispatcher))).Methods("POST")
	api.HandleFunc("/events/stream", tenancy.Middleware(tenants, tail.Handle)).Methods("GET")

	router.Use(corsMiddleware)
	return router
}

// operationHandler bridges HTTP onto the dispatcher. The body is the params
// object; the session handle rides on its own header.
func operationHandler(dispatcher *registry.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenancy.TenantID(r.Context())
		if err != nil {
			http.Error(w, "missing tenant context", http.StatusUnauthorized)
			return
		}

		params := map[string]any{}
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&params); err != nil && err.Error() != "EOF" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(registry.Fail("VALIDATION_ERROR", "request body must be a JSON object"))
				return
			}
		}

		result := dispatcher.Dispatch(r.Context(), registry.Request{
			Operation:     mux.Vars(r)["operation"],
			TenantID:      tenantID,
			Params:        params,
			SessionHandle: r.Header.Get("X-Session-Handle"),
		})

		w.Header().Set("Content-Type", "application/json")
		if !result.OK {
			w.WriteHeader(statusFor(result.Code))
		}
		json.NewEncoder(w).Encode(result)
	}
}

// statusFor maps wire codes onto HTTP statuses; the body carries the code
// either way.
func statusFor(code string) int {
	switch code {
	case "UNKNOWN_OPERATION", "UNKNOWN_METHOD", "NOT_FOUND":
		return http.StatusNotFound
	case "MISSING_PARAM", "VALIDATION_ERROR":
		return http.StatusBadRequest
	case "SESSION_REQUIRED", "CREDENTIALS_INVALID":
		return http.StatusUnauthorized
	case "INTEGRATION_DISABLED", "KILL_SWITCH_ACTIVE", "BUDGET_EXCEEDED":
		return http.StatusForbidden
	case "ALREADY_EXISTS", "CONFLICT", "ALREADY_RESOLVED":
		return http.StatusConflict
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-ID, X-Session-Handle")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
