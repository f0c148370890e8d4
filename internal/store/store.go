package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/coursekit/metrics-pipeline/internal/models"
)

// Store is the durable side of the pipeline: raw events, hourly/daily
// aggregates and counters, all in ClickHouse. Hourly and daily rows live in
// ReplacingMergeTree tables versioned by updated_at, so an upsert is a plain
// insert that supersedes the previous row; counters are a SummingMergeTree
// where an increment is an inserted delta row.
type Store struct {
	conn   driver.Conn
	logger *zap.Logger
}

type Config struct {
	Addresses    []string
	Database     string
	Username     string
	Password     string
	MaxIdleConns int
	MaxOpenConns int
}

func New(cfg *Config, logger *zap.Logger) (*Store, error) {
	options := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     time.Second * 10,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &Store{conn: conn, logger: logger}, nil
}

// InsertRawEvents writes one row per event into the raw-events table. A row
// that cannot be appended is logged and skipped without aborting the batch.
func (s *Store) InsertRawEvents(ctx context.Context, events []*models.MetricEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO metric_events_raw (
		hour_bucket,
		event_id,
		event_type,
		event_name,
		user_id,
		request_id,
		path,
		method,
		status_code,
		duration_ms,
		course_id,
		lesson_id,
		metadata,
		created_at
	)`)
	if err != nil {
		return fmt.Errorf("failed to prepare raw events batch: %w", err)
	}

	for _, ev := range events {
		err := batch.Append(
			ev.HourBucket,
			ev.EventID,
			string(ev.Type),
			ev.Name,
			ev.UserID,
			ev.RequestID,
			ev.Path,
			ev.Method,
			ev.StatusCode,
			ev.DurationMs,
			ev.CourseID,
			ev.LessonID,
			ev.Metadata,
			ev.CreatedAt,
		)
		if err != nil {
			s.logger.Warn("failed to append raw event, skipping",
				zap.String("event_id", ev.EventID),
				zap.Error(err))
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send raw events batch: %w", err)
	}

	return nil
}

// HourlyAggregate reads the current row for one aggregation key. Returns
// (nil, nil) when the key has never been written.
func (s *Store) HourlyAggregate(ctx context.Context, dayBucket string, hour int, metricName, dimensionKey string) (*models.HourlyAggregate, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT day_bucket, hour, metric_name, dimension_key,
		       count, sum_value, min_value, max_value, dimensions, updated_at
		FROM metrics_hourly FINAL
		WHERE day_bucket = ? AND hour = ? AND metric_name = ? AND dimension_key = ?
		LIMIT 1`,
		dayBucket, uint8(hour), metricName, dimensionKey)
	if err != nil {
		return nil, fmt.Errorf("hourly aggregate query failed: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanHourly(rows)
}

// HourlyAggregates returns all hourly rows for a day, optionally filtered to
// one metric name.
func (s *Store) HourlyAggregates(ctx context.Context, dayBucket, metricName string) ([]*models.HourlyAggregate, error) {
	query := `
		SELECT day_bucket, hour, metric_name, dimension_key,
		       count, sum_value, min_value, max_value, dimensions, updated_at
		FROM metrics_hourly FINAL
		WHERE day_bucket = ?`
	args := []interface{}{dayBucket}
	if metricName != "" {
		query += " AND metric_name = ?"
		args = append(args, metricName)
	}
	query += " ORDER BY hour, metric_name, dimension_key"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hourly aggregates query failed: %w", err)
	}
	defer rows.Close()

	var result []*models.HourlyAggregate
	for rows.Next() {
		agg, err := scanHourly(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agg)
	}
	return result, rows.Err()
}

// UpsertHourlyAggregate writes merged totals for one key. The caller stamps
// UpdatedAt when it merges; that version makes the new row supersede any
// older one at merge time.
func (s *Store) UpsertHourlyAggregate(ctx context.Context, agg *models.HourlyAggregate) error {
	err := s.conn.Exec(ctx, `
		INSERT INTO metrics_hourly
			(day_bucket, hour, metric_name, dimension_key,
			 count, sum_value, min_value, max_value, dimensions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agg.DayBucket, uint8(agg.Hour), agg.MetricName, agg.DimensionKey,
		agg.Count, agg.SumValue, agg.MinValue, agg.MaxValue,
		nonNilDims(agg.Dimensions), agg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("hourly aggregate upsert failed: %w", err)
	}
	return nil
}

// DailyAggregates returns all daily rows for a month, optionally filtered to
// one metric name.
func (s *Store) DailyAggregates(ctx context.Context, monthBucket, metricName string) ([]*models.DailyAggregate, error) {
	query := `
		SELECT month_bucket, day, metric_name, dimension_key,
		       count, sum_value, min_value, max_value, dimensions, updated_at
		FROM metrics_daily FINAL
		WHERE month_bucket = ?`
	args := []interface{}{monthBucket}
	if metricName != "" {
		query += " AND metric_name = ?"
		args = append(args, metricName)
	}
	query += " ORDER BY day, metric_name, dimension_key"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("daily aggregates query failed: %w", err)
	}
	defer rows.Close()

	var result []*models.DailyAggregate
	for rows.Next() {
		agg := &models.DailyAggregate{}
		var day uint8
		err := rows.Scan(
			&agg.MonthBucket, &day, &agg.MetricName, &agg.DimensionKey,
			&agg.Count, &agg.SumValue, &agg.MinValue, &agg.MaxValue,
			&agg.Dimensions, &agg.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("daily aggregate scan failed: %w", err)
		}
		agg.Day = int(day)
		result = append(result, agg)
	}
	return result, rows.Err()
}

func (s *Store) UpsertDailyAggregate(ctx context.Context, agg *models.DailyAggregate) error {
	err := s.conn.Exec(ctx, `
		INSERT INTO metrics_daily
			(month_bucket, day, metric_name, dimension_key,
			 count, sum_value, min_value, max_value, dimensions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agg.MonthBucket, uint8(agg.Day), agg.MetricName, agg.DimensionKey,
		agg.Count, agg.SumValue, agg.MinValue, agg.MaxValue,
		nonNilDims(agg.Dimensions), agg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("daily aggregate upsert failed: %w", err)
	}
	return nil
}

// IncrementCounters applies a set of deltas by inserting one delta row per
// key; the SummingMergeTree collapses them into running totals.
func (s *Store) IncrementCounters(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO metric_counters (counter_key, value, updated_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare counters batch: %w", err)
	}

	now := time.Now().UTC()
	for key, delta := range deltas {
		if err := batch.Append(key, delta, now); err != nil {
			s.logger.Warn("failed to append counter delta, skipping",
				zap.String("counter_key", key),
				zap.Error(err))
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send counters batch: %w", err)
	}
	return nil
}

// CounterValue reads the running total for one counter key.
func (s *Store) CounterValue(ctx context.Context, key string) (int64, error) {
	row := s.conn.QueryRow(ctx, `SELECT sum(value) FROM metric_counters WHERE counter_key = ?`, key)

	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("counter query failed: %w", err)
	}
	return total, nil
}

// RawEvents returns up to limit events for one hour bucket, optionally
// filtered by event type, newest first.
func (s *Store) RawEvents(ctx context.Context, hourBucket string, eventType models.EventType, limit int) ([]*models.MetricEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT hour_bucket, event_id, event_type, event_name,
		       user_id, request_id, path, method, status_code, duration_ms,
		       course_id, lesson_id, metadata, created_at
		FROM metric_events_raw
		WHERE hour_bucket = ?`
	args := []interface{}{hourBucket}
	if eventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(eventType))
	}
	query += " ORDER BY event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("raw events query failed: %w", err)
	}
	defer rows.Close()

	var result []*models.MetricEvent
	for rows.Next() {
		ev := &models.MetricEvent{}
		var eventType string
		err := rows.Scan(
			&ev.HourBucket, &ev.EventID, &eventType, &ev.Name,
			&ev.UserID, &ev.RequestID, &ev.Path, &ev.Method,
			&ev.StatusCode, &ev.DurationMs,
			&ev.CourseID, &ev.LessonID, &ev.Metadata, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("raw event scan failed: %w", err)
		}
		ev.Type = models.EventType(eventType)
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func scanHourly(rows driver.Rows) (*models.HourlyAggregate, error) {
	agg := &models.HourlyAggregate{}
	var hour uint8
	err := rows.Scan(
		&agg.DayBucket, &hour, &agg.MetricName, &agg.DimensionKey,
		&agg.Count, &agg.SumValue, &agg.MinValue, &agg.MaxValue,
		&agg.Dimensions, &agg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("hourly aggregate scan failed: %w", err)
	}
	agg.Hour = int(hour)
	return agg, nil
}

func nonNilDims(dims map[string]string) map[string]string {
	if dims == nil {
		return map[string]string{}
	}
	return dims
}
