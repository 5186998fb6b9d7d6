package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/tollgate/controlplane/internal/storage"
)

// requiredTables is every table the control plane reads or writes. The
// checker probes each with a zero-row select so missing tables and missing
// columns both surface.
var requiredTables = []struct {
	name  string
	probe string
}{
	{"tenants", `SELECT tenant_id, status, created_at FROM tenants LIMIT 0`},
	{"api_keys", `SELECT key_id, tenant_id, key_hash, is_active FROM api_keys LIMIT 0`},
	{"integrations", `SELECT id, tenant_id, provider_type, status, health_state, credential_ref, deleted_at FROM integrations LIMIT 0`},
	{"usage_records", `SELECT id, tenant_id, integration_id, call_id, tokens_in, tokens_out, cost_cents FROM usage_records LIMIT 0`},
	{"usage_daily", `SELECT tenant_id, integration_id, date, calls, cost_cents FROM usage_daily LIMIT 0`},
	{"cost_snapshots", `SELECT id, tenant_id, snapshot_type, period_start, status, version FROM cost_snapshots LIMIT 0`},
	{"cost_snapshot_aggregates", `SELECT snapshot_id, entity_type, entity_id, calls, cost_cents FROM cost_snapshot_aggregates LIMIT 0`},
	{"cost_snapshot_baselines", `SELECT tenant_id, entity_type, entity_id, window_days, is_current FROM cost_snapshot_baselines LIMIT 0`},
	{"cost_anomalies", `SELECT id, tenant_id, snapshot_id, severity, deviation_pct FROM cost_anomalies LIMIT 0`},
	{"cost_anomaly_evaluations", `SELECT id, snapshot_id, entity_type, entity_id, triggered FROM cost_anomaly_evaluations LIMIT 0`},
	{"incidents", `SELECT id, tenant_id, trigger_type, severity, status, window_start FROM incidents LIMIT 0`},
	{"incident_events", `SELECT id, incident_id, event_type, created_at FROM incident_events LIMIT 0`},
	{"distributed_locks", `SELECT lock_name, holder_id, expires_at FROM distributed_locks LIMIT 0`},
	{"replay_log", `SELECT original_msg_id, stream, replayed_at FROM replay_log LIMIT 0`},
	{"dead_letter_archive", `SELECT dl_msg_id, source, cause, archived_at FROM dead_letter_archive LIMIT 0`},
	{"coordination_audit_records", `SELECT audit_id, envelope_id, decision, prev_hash, record_hash FROM coordination_audit_records LIMIT 0`},
	{"kill_switch_events", `SELECT event_id, trigger_reason, rollback_status FROM kill_switch_events LIMIT 0`},
	{"event_outbox", `SELECT id, event_id, event_type, payload, delivered_at FROM event_outbox LIMIT 0`},
	{"matview_state", `SELECT view_name, refreshed_at FROM matview_state LIMIT 0`},
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	store, err := storage.Open(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("control plane store check")
	fmt.Println("=========================")

	failed := 0
	for _, table := range requiredTables {
		err := store.RunInScope(ctx, func(sc *storage.Scope) error {
			rows, err := sc.Query(ctx, table.probe)
			if err != nil {
				return err
			}
			return rows.Close()
		})
		if err != nil {
			fmt.Printf("  FAIL  %-28s %v\n", table.name, err)
			failed++
			continue
		}
		fmt.Printf("  ok    %s\n", table.name)
	}

	fmt.Println("=========================")
	fmt.Printf("%d/%d tables verified\n", len(requiredTables)-failed, len(requiredTables))
	if failed > 0 {
		os.Exit(1)
	}
}
