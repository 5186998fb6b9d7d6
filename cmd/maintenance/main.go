package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/infra"
	"github.com/tollgate/controlplane/internal/locks"
	"github.com/tollgate/controlplane/internal/maintenance"
	"github.com/tollgate/controlplane/internal/metrics"
	"github.com/tollgate/controlplane/internal/shipper"
	"github.com/tollgate/controlplane/internal/storage"
)

func main() {
	once := flag.Bool("once", false, "run the chain once and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfgMgr, err := config.NewManager(envOr("CONFIG_PATH", "config.yaml"), os.Getenv("TENANT_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	store, err := storage.Open(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer store.Close()

	var redis *infra.GoRedisAdapter
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redis, err = infra.NewGoRedisAdapter(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			slog.Warn("Redis unavailable, dl_reconcile will be skipped", "error", err)
			redis = nil
		} else {
			defer redis.Close()
		}
	}

	m := metrics.New()
	lockSvc := locks.NewService(store)
	replay := maintenance.NewReplay()
	outbox := events.NewOutbox()

	shipRegistry := shipper.NewRegistry()
	pool := shipper.NewPool(shipRegistry, 4).WithDeadLetter(replay.ShipperDeadLetter(store))
	defer pool.Shutdown()
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

	runner := maintenance.NewRunner(lockSvc, cfgMgr, m, events.Discard{},
		maintenance.NewOutboxTask(store, outbox, shipRegistry, backend, cfgMgr),
		maintenance.NewDLReconcileTask(store, redis, replay, cfgMgr, locks.NewHolderID("dl-reconciler")),
		maintenance.NewMatviewTask(store, cfgMgr),
		maintenance.NewRetentionTask(store, replay, cfgMgr),
		maintenance.NewLockGCTask(store, lockSvc),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		report := runner.Run(ctx)
		if report.Failed() {
			os.Exit(1)
		}
		return
	}
	runner.RunForever(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
