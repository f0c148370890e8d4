package models

import "time"

// HourlyAggregate is one row per (day_bucket, hour, metric_name,
// dimension_key). MinValue/MaxValue are nil when no numeric samples have been
// observed, which is different from zero.
type HourlyAggregate struct {
	DayBucket    string
	Hour         int
	MetricName   string
	DimensionKey string
	Count        uint64
	SumValue     float64
	MinValue     *float64
	MaxValue     *float64
	Dimensions   map[string]string
	UpdatedAt    time.Time
}

// DailyAggregate is one row per (month_bucket, day, metric_name,
// dimension_key), produced only by the daily rollup.
type DailyAggregate struct {
	MonthBucket  string
	Day          int
	MetricName   string
	DimensionKey string
	Count        uint64
	SumValue     float64
	MinValue     *float64
	MaxValue     *float64
	Dimensions   map[string]string
	UpdatedAt    time.Time
}

// Add merges a new contribution into the aggregate. Counts and sums are
// additive; min/max merge null-safely (a nil side is "no information", never
// zero).
func (a *HourlyAggregate) Add(count uint64, sum float64, min, max *float64) {
	a.Count += count
	a.SumValue += sum
	a.MinValue = MinNullable(a.MinValue, min)
	a.MaxValue = MaxNullable(a.MaxValue, max)
}

func (d *DailyAggregate) Add(count uint64, sum float64, min, max *float64) {
	d.Count += count
	d.SumValue += sum
	d.MinValue = MinNullable(d.MinValue, min)
	d.MaxValue = MaxNullable(d.MaxValue, max)
}

// MinNullable returns the smaller of two optional values, treating nil as
// absent rather than zero. The result is a fresh pointer.
func MinNullable(a, b *float64) *float64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return ptrTo(*b)
	case b == nil:
		return ptrTo(*a)
	case *a < *b:
		return ptrTo(*a)
	default:
		return ptrTo(*b)
	}
}

// MaxNullable is the null-safe counterpart of MinNullable for upper bounds.
func MaxNullable(a, b *float64) *float64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return ptrTo(*b)
	case b == nil:
		return ptrTo(*a)
	case *a > *b:
		return ptrTo(*a)
	default:
		return ptrTo(*b)
	}
}

func ptrTo(v float64) *float64 {
	return &v
}
