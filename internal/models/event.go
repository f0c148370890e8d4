package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventTypeRequest  EventType = "request"
	EventTypeBusiness EventType = "business"
	EventTypeError    EventType = "error"
)

// DefaultDimensionKey identifies the un-dimensioned (global) aggregation of a
// metric name.
const DefaultDimensionKey = "default"

// MetricEvent is an immutable fact about something that happened. Optional
// numeric fields are pointers so that "absent" stays distinguishable from
// zero all the way through aggregation.
type MetricEvent struct {
	EventID    string
	Type       EventType
	Name       string
	HourBucket string
	UserID     string
	RequestID  string
	Path       string
	Method     string
	StatusCode *int32
	DurationMs *float64
	CourseID   string
	LessonID   string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// NewEvent builds a MetricEvent stamped with a time-ordered ID and the hour
// bucket derived from the creation time. It never fails.
func NewEvent(eventType EventType, name string) *MetricEvent {
	now := time.Now().UTC()
	return &MetricEvent{
		EventID:    ulid.Make().String(),
		Type:       eventType,
		Name:       name,
		HourBucket: HourBucket(now),
		CreatedAt:  now,
	}
}

func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func HourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

func MonthBucket(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DimensionKey derives a stable identifier for a dimension map: keys are
// sorted, joined as "k1=v1&k2=v2" and hashed. The result is deterministic
// across restarts so it can be used as part of a storage key. An empty map
// maps to DefaultDimensionKey.
func DimensionKey(dims map[string]string) string {
	if len(dims) == 0 {
		return DefaultDimensionKey
	}

	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(dims[k])
	}

	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}
