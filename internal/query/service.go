package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/coursekit/metrics-pipeline/internal/emitter"
	"github.com/coursekit/metrics-pipeline/internal/models"
)

// Store is the read surface the dashboard needs.
type Store interface {
	HourlyAggregates(ctx context.Context, dayBucket, metricName string) ([]*models.HourlyAggregate, error)
	DailyAggregates(ctx context.Context, monthBucket, metricName string) ([]*models.DailyAggregate, error)
	Ping(ctx context.Context) error
}

// Cache is the optional real-time counter source.
type Cache interface {
	CountersForBucket(ctx context.Context, hourBucket string) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// EmitterStats exposes the wired emitter's observability surface.
type EmitterStats interface {
	Stats() emitter.Stats
}

// Service is the read-only side of the pipeline: it translates stored
// aggregates into dashboard results. A failing sub-query degrades to zeroed
// defaults so a partial outage costs dashboard completeness, not
// availability.
type Service struct {
	store   Store
	cache   Cache
	emitter EmitterStats
	probe   SystemProbe
	logger  *zap.Logger
	now     func() time.Time
}

func New(store Store, cache Cache, em EmitterStats, probe SystemProbe, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		emitter: em,
		probe:   probe,
		logger:  logger,
		now:     time.Now,
	}
}

type Period string

const (
	PeriodToday     Period = "today"
	PeriodYesterday Period = "yesterday"
	PeriodWeek      Period = "week"
	PeriodMonth     Period = "month"
	PeriodCustom    Period = "custom"
)

// Trend returns the percentage change from previous to current. A metric
// appearing out of nothing is reported as +100%, and no data on either side
// as flat.
func Trend(current, previous float64) float64 {
	if previous == 0 {
		if current == 0 {
			return 0
		}
		return 100
	}
	return (current - previous) / previous * 100
}

// RequestStats summarizes one day of request traffic. The percentile fields
// are part of the dashboard shape but are never populated: no histogram
// structure is collected.
type RequestStats struct {
	Total         uint64            `json:"total"`
	AvgDurationMs float64           `json:"avg_duration_ms"`
	MinDurationMs *float64          `json:"min_duration_ms"`
	MaxDurationMs *float64          `json:"max_duration_ms"`
	ByStatus      map[string]uint64 `json:"by_status"`
	ByMethod      map[string]uint64 `json:"by_method"`
	P50           *float64          `json:"p50"`
	P95           *float64          `json:"p95"`
	P99           *float64          `json:"p99"`
}

// BusinessStats buckets one day's business events by the fixed metric
// vocabulary. Unrecognized metric names are ignored here; they remain
// reachable through Timeseries.
type BusinessStats struct {
	Logins             uint64 `json:"logins"`
	Registrations      uint64 `json:"registrations"`
	EnrollmentsCreated uint64 `json:"enrollments_created"`
	LessonsStarted     uint64 `json:"lessons_started"`
	LessonsCompleted   uint64 `json:"lessons_completed"`
	CoursesCompleted   uint64 `json:"courses_completed"`
	CommentsCreated    uint64 `json:"comments_created"`
	ReactionsAdded     uint64 `json:"reactions_added"`
}

type UserStats struct {
	Logins          uint64 `json:"logins"`
	Registrations   uint64 `json:"registrations"`
	CommentsCreated uint64 `json:"comments_created"`
	ReactionsAdded  uint64 `json:"reactions_added"`
}

type CourseStats struct {
	EnrollmentsCreated uint64 `json:"enrollments_created"`
	LessonsStarted     uint64 `json:"lessons_started"`
	LessonsCompleted   uint64 `json:"lessons_completed"`
	CoursesCompleted   uint64 `json:"courses_completed"`
}

type Dashboard struct {
	Period      Period             `json:"period"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
	Requests    *RequestStats      `json:"requests"`
	Business    *BusinessStats     `json:"business"`
	Trends      map[string]float64 `json:"trends"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// DashboardMetrics resolves the period to a concrete window, summarizes its
// most recent day against the preceding day and derives percentage trends.
func (s *Service) DashboardMetrics(ctx context.Context, period Period, start, end *time.Time) (*Dashboard, error) {
	windowStart, windowEnd, err := s.resolveWindow(period, start, end)
	if err != nil {
		return nil, err
	}

	lastDay := windowEnd.Add(-time.Nanosecond)
	currentDay := models.DayBucket(lastDay)
	previousDay := models.DayBucket(lastDay.AddDate(0, 0, -1))

	requests := s.requestStatsOrZero(ctx, currentDay)
	prevRequests := s.requestStatsOrZero(ctx, previousDay)
	business := s.businessStatsOrZero(ctx, currentDay)
	prevBusiness := s.businessStatsOrZero(ctx, previousDay)

	return &Dashboard{
		Period:   period,
		Start:    windowStart,
		End:      windowEnd,
		Requests: requests,
		Business: business,
		Trends: map[string]float64{
			"requests":          Trend(float64(requests.Total), float64(prevRequests.Total)),
			"logins":            Trend(float64(business.Logins), float64(prevBusiness.Logins)),
			"enrollments":       Trend(float64(business.EnrollmentsCreated), float64(prevBusiness.EnrollmentsCreated)),
			"lessons_completed": Trend(float64(business.LessonsCompleted), float64(prevBusiness.LessonsCompleted)),
		},
		GeneratedAt: s.now().UTC(),
	}, nil
}

func (s *Service) resolveWindow(period Period, start, end *time.Time) (time.Time, time.Time, error) {
	now := s.now().UTC()
	midnight := now.Truncate(24 * time.Hour)

	switch period {
	case PeriodToday:
		return midnight, midnight.AddDate(0, 0, 1), nil
	case PeriodYesterday:
		return midnight.AddDate(0, 0, -1), midnight, nil
	case PeriodWeek:
		return now.AddDate(0, 0, -7), now, nil
	case PeriodMonth:
		return now.AddDate(0, 0, -30), now, nil
	case PeriodCustom:
		if start == nil || end == nil {
			return time.Time{}, time.Time{}, fmt.Errorf("custom period requires both start and end")
		}
		if !end.After(*start) {
			return time.Time{}, time.Time{}, fmt.Errorf("custom period end must be after start")
		}
		return start.UTC(), end.UTC(), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", period)
	}
}

// RequestMetrics summarizes one day's request aggregates.
func (s *Service) RequestMetrics(ctx context.Context, dayBucket string) (*RequestStats, error) {
	rows, err := s.store.HourlyAggregates(ctx, dayBucket, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read request metrics: %w", err)
	}

	stats := &RequestStats{
		ByStatus: make(map[string]uint64),
		ByMethod: make(map[string]uint64),
	}
	var totalSum float64

	for _, row := range rows {
		switch row.MetricName {
		case "api_request":
			if row.DimensionKey != models.DefaultDimensionKey {
				continue
			}
			stats.Total += row.Count
			totalSum += row.SumValue
			stats.MinDurationMs = models.MinNullable(stats.MinDurationMs, row.MinValue)
			stats.MaxDurationMs = models.MaxNullable(stats.MaxDurationMs, row.MaxValue)
		case "request_by_status":
			if status, ok := row.Dimensions["status"]; ok {
				stats.ByStatus[status] += row.Count
			}
		case "request_by_method":
			if method, ok := row.Dimensions["method"]; ok {
				stats.ByMethod[method] += row.Count
			}
		}
	}

	if stats.Total > 0 {
		stats.AvgDurationMs = totalSum / float64(stats.Total)
	}
	return stats, nil
}

// BusinessMetrics summarizes one day's business events.
func (s *Service) BusinessMetrics(ctx context.Context, dayBucket string) (*BusinessStats, error) {
	rows, err := s.store.HourlyAggregates(ctx, dayBucket, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read business metrics: %w", err)
	}

	stats := &BusinessStats{}
	for _, row := range rows {
		if row.DimensionKey != models.DefaultDimensionKey {
			continue
		}
		switch row.MetricName {
		case "login":
			stats.Logins += row.Count
		case "registration":
			stats.Registrations += row.Count
		case "enrollment_created":
			stats.EnrollmentsCreated += row.Count
		case "lesson_started":
			stats.LessonsStarted += row.Count
		case "lesson_completed":
			stats.LessonsCompleted += row.Count
		case "course_completed":
			stats.CoursesCompleted += row.Count
		case "comment_created":
			stats.CommentsCreated += row.Count
		case "reaction_added":
			stats.ReactionsAdded += row.Count
		}
	}
	return stats, nil
}

// UserMetrics is the user-centric slice of the business vocabulary.
func (s *Service) UserMetrics(ctx context.Context, dayBucket string) (*UserStats, error) {
	business, err := s.BusinessMetrics(ctx, dayBucket)
	if err != nil {
		return nil, err
	}
	return &UserStats{
		Logins:          business.Logins,
		Registrations:   business.Registrations,
		CommentsCreated: business.CommentsCreated,
		ReactionsAdded:  business.ReactionsAdded,
	}, nil
}

// CourseMetrics is the course-centric slice of the business vocabulary.
func (s *Service) CourseMetrics(ctx context.Context, dayBucket string) (*CourseStats, error) {
	business, err := s.BusinessMetrics(ctx, dayBucket)
	if err != nil {
		return nil, err
	}
	return &CourseStats{
		EnrollmentsCreated: business.EnrollmentsCreated,
		LessonsStarted:     business.LessonsStarted,
		LessonsCompleted:   business.LessonsCompleted,
		CoursesCompleted:   business.CoursesCompleted,
	}, nil
}

type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Count     uint64    `json:"count"`
}

// Timeseries returns one point per stored bucket for a metric, with the
// point value being the average (sum over count) for that bucket. Points are
// sorted ascending by timestamp.
func (s *Service) Timeseries(ctx context.Context, metricName string, start, end time.Time, granularity Granularity) ([]Point, error) {
	var points []Point

	switch granularity {
	case GranularityHourly:
		dayStart := start.UTC().Truncate(24 * time.Hour)
		rows, err := s.store.HourlyAggregates(ctx, models.DayBucket(start), metricName)
		if err != nil {
			return nil, fmt.Errorf("failed to read hourly timeseries: %w", err)
		}
		for _, row := range rows {
			ts := dayStart.Add(time.Duration(row.Hour) * time.Hour)
			if ts.Before(start.UTC()) || !ts.Before(end.UTC()) {
				continue
			}
			points = append(points, Point{
				Timestamp: ts,
				Value:     row.SumValue / float64(maxUint(row.Count, 1)),
				Count:     row.Count,
			})
		}

	case GranularityDaily:
		year, month, _ := start.UTC().Date()
		rows, err := s.store.DailyAggregates(ctx, models.MonthBucket(start), metricName)
		if err != nil {
			return nil, fmt.Errorf("failed to read daily timeseries: %w", err)
		}
		for _, row := range rows {
			ts := time.Date(year, month, row.Day, 0, 0, 0, 0, time.UTC)
			if ts.Before(start.UTC().Truncate(24*time.Hour)) || !ts.Before(end.UTC()) {
				continue
			}
			points = append(points, Point{
				Timestamp: ts,
				Value:     row.SumValue / float64(maxUint(row.Count, 1)),
				Count:     row.Count,
			})
		}

	default:
		return nil, fmt.Errorf("unknown granularity %q", granularity)
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

type RealtimeCounters struct {
	HourBucket string           `json:"hour_bucket"`
	Counters   map[string]int64 `json:"counters"`
	Timestamp  time.Time        `json:"timestamp"`
}

// RealtimeCounters reads the current hour's counters from the cache,
// degrading to an empty map when the cache is absent or unreachable.
func (s *Service) RealtimeCounters(ctx context.Context) *RealtimeCounters {
	now := s.now().UTC()
	result := &RealtimeCounters{
		HourBucket: models.HourBucket(now),
		Counters:   map[string]int64{},
		Timestamp:  now,
	}

	if s.cache == nil {
		return result
	}

	counters, err := s.cache.CountersForBucket(ctx, result.HourBucket)
	if err != nil {
		s.logger.Warn("failed to read realtime counters", zap.Error(err))
		return result
	}
	result.Counters = counters
	return result
}

func (s *Service) requestStatsOrZero(ctx context.Context, dayBucket string) *RequestStats {
	stats, err := s.RequestMetrics(ctx, dayBucket)
	if err != nil {
		s.logger.Warn("request metrics unavailable, using zeroed defaults",
			zap.String("day", dayBucket), zap.Error(err))
		return &RequestStats{ByStatus: map[string]uint64{}, ByMethod: map[string]uint64{}}
	}
	return stats
}

func (s *Service) businessStatsOrZero(ctx context.Context, dayBucket string) *BusinessStats {
	stats, err := s.BusinessMetrics(ctx, dayBucket)
	if err != nil {
		s.logger.Warn("business metrics unavailable, using zeroed defaults",
			zap.String("day", dayBucket), zap.Error(err))
		return &BusinessStats{}
	}
	return stats
}

func maxUint(v, min uint64) uint64 {
	if v < min {
		return min
	}
	return v
}
