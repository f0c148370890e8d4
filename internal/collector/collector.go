package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coursekit/metrics-pipeline/internal/models"
	"github.com/coursekit/metrics-pipeline/internal/observability"
)

// Store is the durable write/read surface the collector needs.
type Store interface {
	InsertRawEvents(ctx context.Context, events []*models.MetricEvent) error
	HourlyAggregate(ctx context.Context, dayBucket string, hour int, metricName, dimensionKey string) (*models.HourlyAggregate, error)
	UpsertHourlyAggregate(ctx context.Context, agg *models.HourlyAggregate) error
	IncrementCounters(ctx context.Context, deltas map[string]int64) error
	HourlyAggregates(ctx context.Context, dayBucket, metricName string) ([]*models.HourlyAggregate, error)
	RawEvents(ctx context.Context, hourBucket string, eventType models.EventType, limit int) ([]*models.MetricEvent, error)
}

// Cache receives the same counter deltas as the durable store, keyed by hour
// bucket. It is optional; the two views may diverge under partial failure.
type Cache interface {
	IncrementCounters(ctx context.Context, hourBucket string, deltas map[string]int64) error
}

// Collector fans a batch of events out into durable writes: raw inserts,
// hourly aggregation merges and counter increments. Each stage tolerates
// per-item failures so one bad row never sinks a batch.
//
// The hourly merge is read-merge-write and is NOT safe against concurrent
// writers to the same key. Correctness relies on the emitter's single worker
// being the only caller; a multi-consumer deployment needs a CAS or
// single-writer serialization at the storage layer first.
type Collector struct {
	store   Store
	cache   Cache
	logger  *zap.Logger
	metrics *observability.Metrics
}

func New(store Store, cache Cache, metrics *observability.Metrics, logger *zap.Logger) *Collector {
	return &Collector{
		store:   store,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
	}
}

type aggKey struct {
	dayBucket    string
	hour         int
	metricName   string
	dimensionKey string
}

type aggContribution struct {
	dimensions map[string]string
	count      uint64
	sum        float64
	min        *float64
	max        *float64
}

// ProcessBatch performs the full write fan-out for one batch.
func (c *Collector) ProcessBatch(ctx context.Context, events []*models.MetricEvent) error {
	if len(events) == 0 {
		return nil
	}

	if err := c.store.InsertRawEvents(ctx, events); err != nil {
		c.storeError("insert_raw")
		c.logger.Warn("failed to insert raw events", zap.Error(err))
	}

	c.aggregateHourly(ctx, events)
	c.incrementCounters(ctx, events)

	return nil
}

// aggregateHourly groups the batch's contributions by aggregation key, then
// read-merge-writes each group against the stored row.
func (c *Collector) aggregateHourly(ctx context.Context, events []*models.MetricEvent) {
	groups := make(map[aggKey]*aggContribution)

	for _, ev := range events {
		for _, contrib := range contributionsFor(ev) {
			key := aggKey{
				dayBucket:    models.DayBucket(ev.CreatedAt),
				hour:         ev.CreatedAt.UTC().Hour(),
				metricName:   contrib.name,
				dimensionKey: models.DimensionKey(contrib.dims),
			}

			group, ok := groups[key]
			if !ok {
				group = &aggContribution{dimensions: contrib.dims}
				groups[key] = group
			}

			group.count++
			if ev.DurationMs != nil {
				group.sum += *ev.DurationMs
				group.min = models.MinNullable(group.min, ev.DurationMs)
				group.max = models.MaxNullable(group.max, ev.DurationMs)
			}
		}
	}

	for key, group := range groups {
		existing, err := c.store.HourlyAggregate(ctx, key.dayBucket, key.hour, key.metricName, key.dimensionKey)
		if err != nil {
			c.storeError("read_hourly")
			c.logger.Warn("failed to read hourly aggregate, skipping key",
				zap.String("metric", key.metricName),
				zap.String("dimension_key", key.dimensionKey),
				zap.Error(err))
			continue
		}

		if existing == nil {
			existing = &models.HourlyAggregate{
				DayBucket:    key.dayBucket,
				Hour:         key.hour,
				MetricName:   key.metricName,
				DimensionKey: key.dimensionKey,
				Dimensions:   group.dimensions,
			}
		}

		existing.Add(group.count, group.sum, group.min, group.max)
		existing.UpdatedAt = time.Now().UTC()

		if err := c.store.UpsertHourlyAggregate(ctx, existing); err != nil {
			c.storeError("upsert_hourly")
			c.logger.Warn("failed to upsert hourly aggregate, skipping key",
				zap.String("metric", key.metricName),
				zap.String("dimension_key", key.dimensionKey),
				zap.Error(err))
		}
	}
}

// incrementCounters derives per-event counter keys and applies them to the
// durable counter table and, when present, the real-time cache. The two are
// independent views; either may fail without affecting the other.
func (c *Collector) incrementCounters(ctx context.Context, events []*models.MetricEvent) {
	perBucket := make(map[string]map[string]int64)

	for _, ev := range events {
		bucket := perBucket[ev.HourBucket]
		if bucket == nil {
			bucket = make(map[string]int64)
			perBucket[ev.HourBucket] = bucket
		}
		for _, suffix := range counterSuffixes(ev) {
			bucket[suffix]++
		}
	}

	for hourBucket, suffixes := range perBucket {
		durable := make(map[string]int64, len(suffixes))
		for suffix, delta := range suffixes {
			durable[hourBucket+":"+suffix] = delta
		}

		if err := c.store.IncrementCounters(ctx, durable); err != nil {
			c.storeError("increment_counters")
			c.logger.Warn("failed to increment durable counters",
				zap.String("hour_bucket", hourBucket),
				zap.Error(err))
		}

		if c.cache != nil {
			if err := c.cache.IncrementCounters(ctx, hourBucket, suffixes); err != nil {
				c.logger.Warn("failed to increment cache counters",
					zap.String("hour_bucket", hourBucket),
					zap.Error(err))
			}
		}
	}
}

// HourlyMetrics is a diagnostic read of one day's hourly rows.
func (c *Collector) HourlyMetrics(ctx context.Context, dayBucket, metricName string) ([]*models.HourlyAggregate, error) {
	rows, err := c.store.HourlyAggregates(ctx, dayBucket, metricName)
	if err != nil {
		return nil, fmt.Errorf("failed to read hourly metrics: %w", err)
	}
	return rows, nil
}

// RawEvents is a diagnostic read of one hour's raw events.
func (c *Collector) RawEvents(ctx context.Context, hourBucket string, eventType models.EventType, limit int) ([]*models.MetricEvent, error) {
	events, err := c.store.RawEvents(ctx, hourBucket, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw events: %w", err)
	}
	return events, nil
}

func (c *Collector) storeError(operation string) {
	if c.metrics != nil {
		c.metrics.StoreErrors.WithLabelValues(operation).Inc()
	}
}

type namedContribution struct {
	name string
	dims map[string]string
}

// contributionsFor lists the (metric_name, dimensions) pairs one event feeds.
// Every event contributes to its own name's global aggregate; request events
// additionally contribute to the status-class, method and path breakdowns.
func contributionsFor(ev *models.MetricEvent) []namedContribution {
	contribs := []namedContribution{{name: ev.Name}}

	if ev.Type != models.EventTypeRequest {
		return contribs
	}

	if ev.StatusCode != nil {
		contribs = append(contribs, namedContribution{
			name: "request_by_status",
			dims: map[string]string{"status": statusClass(*ev.StatusCode)},
		})
	}
	if ev.Method != "" {
		contribs = append(contribs, namedContribution{
			name: "request_by_method",
			dims: map[string]string{"method": ev.Method},
		})
	}
	if ev.Path != "" {
		contribs = append(contribs, namedContribution{
			name: "request_by_path",
			dims: map[string]string{"path": ev.Path},
		})
	}

	return contribs
}

// counterSuffixes lists the counter keys one event increments, without the
// hour-bucket prefix.
func counterSuffixes(ev *models.MetricEvent) []string {
	suffixes := []string{
		string(ev.Type) + ":total",
		ev.Name,
	}

	if ev.Type == models.EventTypeRequest {
		if ev.StatusCode != nil {
			suffixes = append(suffixes, "status:"+statusClass(*ev.StatusCode))
		}
		if ev.Method != "" {
			suffixes = append(suffixes, "method:"+strings.ToLower(ev.Method))
		}
	}

	return suffixes
}

func statusClass(code int32) string {
	return fmt.Sprintf("%dxx", code/100)
}
