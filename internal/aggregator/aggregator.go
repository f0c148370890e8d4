package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coursekit/metrics-pipeline/internal/models"
	"github.com/coursekit/metrics-pipeline/internal/observability"
)

// Store is the read/write surface the rollup needs.
type Store interface {
	HourlyAggregates(ctx context.Context, dayBucket, metricName string) ([]*models.HourlyAggregate, error)
	UpsertDailyAggregate(ctx context.Context, agg *models.DailyAggregate) error
}

type Config struct {
	// RollupDelay keeps the rollup away from the day currently being written
	// so the hourly rows have settled.
	RollupDelay time.Duration
}

// Aggregator rolls one day of hourly aggregates into daily aggregates on its
// own schedule, independent of the emitter.
type Aggregator struct {
	store   Store
	logger  *zap.Logger
	metrics *observability.Metrics

	rollupDelay time.Duration
	now         func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(cfg Config, store Store, metrics *observability.Metrics, logger *zap.Logger) *Aggregator {
	delay := cfg.RollupDelay
	if delay == 0 {
		delay = 2 * time.Hour
	}
	return &Aggregator{
		store:       store,
		logger:      logger,
		metrics:     metrics,
		rollupDelay: delay,
		now:         time.Now,
	}
}

// Start spawns the rollup loop: one rollup immediately, then one per
// interval. A failed cycle is logged and the loop continues.
func (a *Aggregator) Start(interval time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		a.logger.Warn("aggregator already running, ignoring start")
		return
	}
	if interval == 0 {
		interval = time.Hour
	}

	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	go a.run(interval, a.stopCh, a.doneCh)

	a.logger.Info("aggregator started",
		zap.Duration("interval", interval),
		zap.Duration("rollup_delay", a.rollupDelay))
}

// Stop cancels the loop and waits for it to exit.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	doneCh := a.doneCh
	a.mu.Unlock()

	<-doneCh
	a.logger.Info("aggregator stopped")
}

func (a *Aggregator) run(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		if err := a.RunRollup(context.Background()); err != nil {
			a.logger.Error("daily rollup failed", zap.Error(err))
			if a.metrics != nil {
				a.metrics.RollupErrors.Inc()
			}
		}

		select {
		case <-time.After(interval):
		case <-stopCh:
			return
		}
	}
}

// RunRollup rolls up the day that ended at least rollupDelay ago. Re-running
// against unchanged hourly rows is idempotent: the rollup recomputes from
// source rather than adding to the previous daily row.
func (a *Aggregator) RunRollup(ctx context.Context) error {
	target := a.now().UTC().Add(-a.rollupDelay).Truncate(24 * time.Hour)
	return a.rollupDay(ctx, target)
}

// Backfill rolls up each of the last N days without the settling delay.
// Intended for recovery and initial setup.
func (a *Aggregator) Backfill(ctx context.Context, days int) error {
	for offset := 0; offset < days; offset++ {
		target := a.now().UTC().AddDate(0, 0, -offset).Truncate(24 * time.Hour)
		if err := a.rollupDay(ctx, target); err != nil {
			a.logger.Error("backfill rollup failed, continuing",
				zap.String("day", models.DayBucket(target)),
				zap.Error(err))
		}
	}
	return nil
}

func (a *Aggregator) rollupDay(ctx context.Context, target time.Time) error {
	dayBucket := models.DayBucket(target)

	hourly, err := a.store.HourlyAggregates(ctx, dayBucket, "")
	if err != nil {
		return fmt.Errorf("failed to read hourly rows for %s: %w", dayBucket, err)
	}

	if len(hourly) == 0 {
		a.logger.Debug("no hourly rows to roll up", zap.String("day", dayBucket))
		return nil
	}

	type dailyKey struct {
		metricName   string
		dimensionKey string
	}
	groups := make(map[dailyKey]*models.DailyAggregate)

	for _, row := range hourly {
		key := dailyKey{metricName: row.MetricName, dimensionKey: row.DimensionKey}
		daily, ok := groups[key]
		if !ok {
			daily = &models.DailyAggregate{
				MonthBucket:  models.MonthBucket(target),
				Day:          target.Day(),
				MetricName:   row.MetricName,
				DimensionKey: row.DimensionKey,
				Dimensions:   row.Dimensions,
			}
			groups[key] = daily
		}
		daily.Add(row.Count, row.SumValue, row.MinValue, row.MaxValue)
	}

	var failed int
	for _, daily := range groups {
		daily.UpdatedAt = time.Now().UTC()
		if err := a.store.UpsertDailyAggregate(ctx, daily); err != nil {
			failed++
			a.logger.Warn("failed to upsert daily aggregate",
				zap.String("metric", daily.MetricName),
				zap.String("dimension_key", daily.DimensionKey),
				zap.Error(err))
		}
	}

	if a.metrics != nil {
		a.metrics.RollupsTotal.Inc()
	}

	a.logger.Info("daily rollup complete",
		zap.String("day", dayBucket),
		zap.Int("hourly_rows", len(hourly)),
		zap.Int("daily_rows", len(groups)-failed))

	if failed > 0 {
		return fmt.Errorf("rollup for %s wrote %d/%d daily rows", dayBucket, len(groups)-failed, len(groups))
	}
	return nil
}
