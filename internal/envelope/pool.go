package envelope

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/locks"
	"github.com/tollgate/controlplane/internal/metrics"
)

// Pool hands out the per-tenant coordinator singletons. Coordinators are
// created lazily with the shared recorder, emitter, and observer; the pool
// also owns each tenant's parameter store.
type Pool struct {
	recorder Recorder
	emitter  events.Emitter
	metrics  *metrics.Metrics
	observer *Observer

	mu           sync.Mutex
	coordinators map[string]*Coordinator
	params       map[string]*ParamStore
}

func NewPool(recorder Recorder, emitter events.Emitter, m *metrics.Metrics, observer *Observer) *Pool {
	return &Pool{
		recorder:     recorder,
		emitter:      emitter,
		metrics:      m,
		observer:     observer,
		coordinators: make(map[string]*Coordinator),
		params:       make(map[string]*ParamStore),
	}
}

// Coordinator returns the tenant's coordinator, creating it on first use.
func (p *Pool) Coordinator(tenantID string) *Coordinator {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.coordinators[tenantID]
	if !ok {
		c = NewCoordinator(tenantID, p.recorder, p.emitter, p.metrics, p.observer)
		p.coordinators[tenantID] = c
	}
	return c
}

// Params returns the tenant's runtime parameter store.
func (p *Pool) Params(tenantID string) *ParamStore {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.params[tenantID]
	if !ok {
		ps = NewParamStore()
		p.params[tenantID] = ps
	}
	return ps
}

// Suggestions proxies the shared observer; empty when learning is off.
func (p *Pool) Suggestions() []string {
	if p.observer == nil {
		return nil
	}
	return p.observer.Suggestions()
}

// tenants snapshots the current coordinator set.
func (p *Pool) tenants() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.coordinators))
	for id := range p.coordinators {
		out = append(out, id)
	}
	return out
}

// ExpirySweeper drives the timebox expiry sweep across every tenant
// coordinator. Ownership is taken per tenant under a named distributed lock
// so exactly one instance in the cluster expires a tenant's envelopes.
type ExpirySweeper struct {
	pool     *Pool
	locks    *locks.Service
	holderID string
	interval time.Duration
	lockTTL  time.Duration
	stopCh   chan struct{}
}

func NewExpirySweeper(pool *Pool, lockSvc *locks.Service, interval, lockTTL time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		pool:     pool,
		locks:    lockSvc,
		holderID: locks.NewHolderID("envelope-sweeper"),
		interval: interval,
		lockTTL:  lockTTL,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (s *ExpirySweeper) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepOnce(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *ExpirySweeper) Stop() { close(s.stopCh) }

// SweepOnce expires due envelopes for every tenant whose coordination lock
// this instance can take.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) {
	for _, tenantID := range s.pool.tenants() {
		lockName := "envelope_coordinator:" + tenantID
		got, err := s.locks.Acquire(ctx, lockName, s.holderID, s.lockTTL)
		if err != nil {
			slog.Warn("expiry sweep lock error", "tenant_id", tenantID, "error", err)
			continue
		}
		if !got {
			continue
		}

		expired, err := s.pool.Coordinator(tenantID).ExpireDue(ctx)
		if err != nil {
			slog.Error("expiry sweep failed", "tenant_id", tenantID, "error", err)
		} else if len(expired) > 0 {
			slog.Info("envelopes expired", "tenant_id", tenantID, "count", len(expired))
		}

		if _, err := s.locks.Release(ctx, lockName, s.holderID); err != nil {
			slog.Warn("expiry sweep unlock error", "tenant_id", tenantID, "error", err)
		}
	}
}
