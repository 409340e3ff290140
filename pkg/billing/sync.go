package billing

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// SyncConfig tunes the drift-repair sweep
type SyncConfig struct {
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
}

// SyncResult summarizes one sweep
type SyncResult struct {
	Checked int64
	Applied int64
	Failed  int64
}

// Syncer re-reads subscriptions the ledger has not heard about for a while
// and reconciles them from the gateway. It repairs drift left by webhooks
// that were never delivered.
type Syncer struct {
	store      Store
	gateway    Gateway
	reconciler *Reconciler
	config     SyncConfig
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewSyncer creates a new Syncer
func NewSyncer(store Store, gateway Gateway, reconciler *Reconciler, config SyncConfig, logger *observability.Logger) *Syncer {
	if config.StaleAfter <= 0 {
		config.StaleAfter = 6 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Syncer{
		store:      store,
		gateway:    gateway,
		reconciler: reconciler,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// SetMetrics attaches Prometheus metrics
func (s *Syncer) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// SyncStale runs one sweep. Per-subscription failures are counted and
// logged; only failing to list candidates aborts the sweep.
func (s *Syncer) SyncStale(ctx context.Context) (SyncResult, error) {
	now := s.now()
	subs, err := s.store.ListStaleSubscriptions(ctx, now.Add(-s.config.StaleAfter), s.config.BatchSize)
	if err != nil {
		s.metrics.RecordSyncRun("failure", now)
		return SyncResult{}, fmt.Errorf("failed to list stale subscriptions: %w", err)
	}

	var checked, applied, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			atomic.AddInt64(&checked, 1)
			logger := s.logger.WithField("subscription_id", sub.ExternalSubscriptionID)

			observedAt := s.now()
			remote, err := s.gateway.GetSubscription(gctx, sub.ExternalSubscriptionID)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				logger.WithError(err).Warn("Sync could not fetch subscription")
				return nil
			}

			outcome, err := s.reconciler.ApplySnapshot(gctx, remote, observedAt)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				logger.WithError(err).Warn("Sync could not apply subscription")
				return nil
			}
			if outcome == OutcomeApplied {
				atomic.AddInt64(&applied, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := SyncResult{Checked: checked, Applied: applied, Failed: failed}
	outcome := "success"
	if failed > 0 {
		outcome = "partial"
	}
	s.metrics.RecordSyncRun(outcome, now)
	s.logger.WithFields(map[string]interface{}{
		"checked": result.Checked,
		"applied": result.Applied,
		"failed":  result.Failed,
	}).Info("Subscription sync finished")

	return result, nil
}
