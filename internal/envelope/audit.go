package envelope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/tollgate/controlplane/internal/storage"
)

// Audit decisions.
const (
	DecisionApplied   = "applied"
	DecisionRejected  = "rejected"
	DecisionPreempted = "preempted"
	DecisionExpired   = "expired"
)

// AuditRecord is one immutable row per coordinator decision. Records are
// hash-chained: RecordHash = sha256(PrevHash || canonical JSON), so replay
// tooling can verify nothing was dropped or reordered.
type AuditRecord struct {
	AuditID               string    `json:"audit_id"`
	EnvelopeID            string    `json:"envelope_id"`
	Class                 string    `json:"class"`
	Decision              string    `json:"decision"`
	Reason                string    `json:"reason"`
	Timestamp             time.Time `json:"timestamp"`
	ConflictingEnvelopeID string    `json:"conflicting_envelope_id,omitempty"`
	PreemptingEnvelopeID  string    `json:"preempting_envelope_id,omitempty"`
	ActiveCount           int       `json:"active_count"`
	PrevHash              string    `json:"prev_hash"`
	RecordHash            string    `json:"record_hash"`
}

// chainHash computes the record hash over the previous hash and the record's
// decision fields. Hash fields themselves are excluded from the digest input.
func chainHash(prevHash string, rec *AuditRecord) string {
	clone := *rec
	clone.PrevHash = ""
	clone.RecordHash = ""
	payload, _ := json.Marshal(clone)

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// KillSwitchEvent records one kill-switch activation or re-arm.
type KillSwitchEvent struct {
	EventID              string     `json:"event_id"`
	TriggeredBy          string     `json:"triggered_by"`
	TriggerReason        string     `json:"trigger_reason"`
	ActivatedAt          time.Time  `json:"activated_at"`
	RollbackStatus       string     `json:"rollback_status"`
	RollbackCompletedAt  *time.Time `json:"rollback_completed_at,omitempty"`
	ActiveEnvelopesCount int        `json:"active_envelopes_count"`
}

// Recorder persists coordinator decisions. The coordinator appends under its
// own mutex; implementations must tolerate being called on the hot path.
type Recorder interface {
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	AppendKillSwitchEvent(ctx context.Context, ev *KillSwitchEvent) error
}

// MemoryRecorder keeps the chained log in memory; tests and the replay
// checker read it back.
type MemoryRecorder struct {
	mu       sync.Mutex
	audits   []*AuditRecord
	events   []*KillSwitchEvent
	lastHash string
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) AppendAudit(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.PrevHash = m.lastHash
	rec.RecordHash = chainHash(m.lastHash, rec)
	m.lastHash = rec.RecordHash
	m.audits = append(m.audits, rec)
	return nil
}

func (m *MemoryRecorder) AppendKillSwitchEvent(_ context.Context, ev *KillSwitchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Audits returns a copy of the audit log in append order.
func (m *MemoryRecorder) Audits() []*AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AuditRecord, len(m.audits))
	copy(out, m.audits)
	return out
}

// KillSwitchEvents returns a copy of the kill-switch event log.
func (m *MemoryRecorder) KillSwitchEvents() []*KillSwitchEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*KillSwitchEvent, len(m.events))
	copy(out, m.events)
	return out
}

// VerifyChain re-walks the hash chain and reports the first broken link, or
// -1 when the chain is intact.
func (m *MemoryRecorder) VerifyChain() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := ""
	for i, rec := range m.audits {
		if rec.PrevHash != prev || rec.RecordHash != chainHash(prev, rec) {
			return i
		}
		prev = rec.RecordHash
	}
	return -1
}

// StoreRecorder persists decisions to the coordination_audit_records and
// kill_switch_events tables. Each append runs in its own small scope: audit
// rows must survive even when the surrounding operation rolls back, because
// the decision did happen.
type StoreRecorder struct {
	store    *storage.Store
	mu       sync.Mutex
	lastHash string
}

func NewStoreRecorder(store *storage.Store) *StoreRecorder {
	return &StoreRecorder{store: store}
}

func (r *StoreRecorder) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastHash == "" {
		if err := r.loadLastHash(ctx); err != nil {
			return err
		}
	}
	rec.PrevHash = r.lastHash
	rec.RecordHash = chainHash(r.lastHash, rec)

	err := r.store.RunInScope(ctx, func(sc *storage.Scope) error {
		_, err := sc.Exec(ctx, `
			INSERT INTO coordination_audit_records
				(audit_id, envelope_id, class, decision, reason, timestamp,
				 conflicting_envelope_id, preempting_envelope_id, active_count,
				 prev_hash, record_hash)
			VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9,$10,$11)`,
			rec.AuditID, rec.EnvelopeID, rec.Class, rec.Decision, rec.Reason,
			rec.Timestamp, rec.ConflictingEnvelopeID, rec.PreemptingEnvelopeID,
			rec.ActiveCount, rec.PrevHash, rec.RecordHash)
		return err
	})
	if err != nil {
		return err
	}
	r.lastHash = rec.RecordHash
	return nil
}

func (r *StoreRecorder) loadLastHash(ctx context.Context) error {
	return r.store.RunInScope(ctx, func(sc *storage.Scope) error {
		row := sc.QueryRow(ctx, `
			SELECT COALESCE(record_hash, '')
			FROM coordination_audit_records
			ORDER BY timestamp DESC, audit_id DESC
			LIMIT 1`)
		if err := row.Scan(&r.lastHash); err != nil {
			// Empty table starts a fresh chain.
			r.lastHash = ""
		}
		return nil
	})
}

func (r *StoreRecorder) AppendKillSwitchEvent(ctx context.Context, ev *KillSwitchEvent) error {
	return r.store.RunInScope(ctx, func(sc *storage.Scope) error {
		_, err := sc.Exec(ctx, `
			INSERT INTO kill_switch_events
				(event_id, triggered_by, trigger_reason, activated_at,
				 rollback_status, rollback_completed_at, active_envelopes_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			ev.EventID, ev.TriggeredBy, ev.TriggerReason, ev.ActivatedAt,
			ev.RollbackStatus, ev.RollbackCompletedAt, ev.ActiveEnvelopesCount)
		return err
	})
}
