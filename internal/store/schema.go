package store

import (
	"context"
	"fmt"
)

// Retention is a store-level concern: each table declares its own TTL so
// expiry never has to be enforced by pipeline logic.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS metric_events_raw (
		hour_bucket LowCardinality(String),
		event_id String,
		event_type LowCardinality(String),
		event_name LowCardinality(String),
		user_id String,
		request_id String,
		path String,
		method LowCardinality(String),
		status_code Nullable(Int32),
		duration_ms Nullable(Float64),
		course_id String,
		lesson_id String,
		metadata Map(String, String),
		created_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (hour_bucket, event_id)
	TTL toDateTime(created_at) + INTERVAL 7 DAY`,

	`CREATE TABLE IF NOT EXISTS metrics_hourly (
		day_bucket LowCardinality(String),
		hour UInt8,
		metric_name LowCardinality(String),
		dimension_key String,
		count UInt64,
		sum_value Float64,
		min_value Nullable(Float64),
		max_value Nullable(Float64),
		dimensions Map(String, String),
		updated_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (day_bucket, hour, metric_name, dimension_key)
	TTL toDateTime(updated_at) + INTERVAL 90 DAY`,

	`CREATE TABLE IF NOT EXISTS metrics_daily (
		month_bucket LowCardinality(String),
		day UInt8,
		metric_name LowCardinality(String),
		dimension_key String,
		count UInt64,
		sum_value Float64,
		min_value Nullable(Float64),
		max_value Nullable(Float64),
		dimensions Map(String, String),
		updated_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (month_bucket, day, metric_name, dimension_key)
	TTL toDateTime(updated_at) + INTERVAL 2 YEAR`,

	`CREATE TABLE IF NOT EXISTS metric_counters (
		counter_key String,
		value Int64,
		updated_at DateTime64(3, 'UTC')
	) ENGINE = SummingMergeTree(value)
	ORDER BY counter_key
	TTL toDateTime(updated_at) + INTERVAL 90 DAY`,
}

// Migrate creates the pipeline tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}
