package incidents

import (
	"context"
	"log"
	"time"

	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/storage"
)

// Sweeper auto-resolves incidents with no activity for the configured idle
// period. It owns its scopes via RunInScope; the request plane never runs it.
type Sweeper struct {
	store  *storage.Store
	repo   Repo
	cfg    *config.Manager
	logger *log.Logger
	now    func() time.Time
	stopCh chan struct{}
}

func NewSweeper(store *storage.Store, repo Repo, cfg *config.Manager) *Sweeper {
	return &Sweeper{
		store:  store,
		repo:   repo,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[SWEEPER] ", log.LstdFlags),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start() {
	interval := time.Duration(s.cfg.Global().Incidents.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := s.SweepOnce(context.Background()); err != nil {
					s.logger.Printf("sweep failed: %v", err)
				} else if n > 0 {
					s.logger.Printf("auto-resolved %d idle incidents", n)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() { close(s.stopCh) }

// SweepOnce closes every incident idle beyond the auto-resolve threshold.
// Each tenant's configured threshold applies to its own incidents.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	resolved := 0
	err := s.store.RunInScope(ctx, func(sc *storage.Scope) error {
		// Scan with the shortest configured threshold, then re-check each
		// incident against its tenant's effective setting.
		globalIdle := time.Duration(s.cfg.Global().Incidents.AutoResolveAfterSeconds) * time.Second
		candidates, err := s.repo.FindIdleOpen(ctx, sc, s.now().UTC().Add(-globalIdle/2))
		if err != nil {
			return err
		}

		now := s.now().UTC()
		for _, inc := range candidates {
			idle := time.Duration(s.cfg.Get(inc.TenantID).Incidents.AutoResolveAfterSeconds) * time.Second
			idleFor := now.Sub(inc.UpdatedAt)
			if idleFor < idle {
				continue
			}
			inc.Status = StatusResolved
			inc.UpdatedAt = now
			inc.ResolvedAt = &now
			inc.AutoAction = "auto_resolved"
			if err := s.repo.SetStatus(ctx, sc, inc); err != nil {
				return err
			}
			if err := s.repo.AppendEvent(ctx, sc, &Event{
				IncidentID:  inc.ID,
				EventType:   EventAutoResolved,
				Description: "auto-resolved after inactivity",
				Data:        map[string]any{"idle_seconds": int(idleFor.Seconds())},
				CreatedAt:   now,
			}); err != nil {
				return err
			}
			resolved++
		}
		return nil
	})
	return resolved, err
}
