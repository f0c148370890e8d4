package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coursekit/metrics-pipeline/internal/emitter"
	"github.com/coursekit/metrics-pipeline/internal/models"
)

type fakeStore struct {
	hourly   map[string][]*models.HourlyAggregate
	daily    map[string][]*models.DailyAggregate
	readErr  error
	pingErr  error
	lastDay  string
	lastName string
}

func (f *fakeStore) HourlyAggregates(_ context.Context, dayBucket, metricName string) ([]*models.HourlyAggregate, error) {
	f.lastDay, f.lastName = dayBucket, metricName
	if f.readErr != nil {
		return nil, f.readErr
	}
	if metricName == "" {
		return f.hourly[dayBucket], nil
	}
	var filtered []*models.HourlyAggregate
	for _, row := range f.hourly[dayBucket] {
		if row.MetricName == metricName {
			filtered = append(filtered, row)
		}
	}
	return filtered, nil
}

func (f *fakeStore) DailyAggregates(_ context.Context, monthBucket, metricName string) ([]*models.DailyAggregate, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	var filtered []*models.DailyAggregate
	for _, row := range f.daily[monthBucket] {
		if metricName == "" || row.MetricName == metricName {
			filtered = append(filtered, row)
		}
	}
	return filtered, nil
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

type fakeCache struct {
	counters map[string]map[string]int64
	err      error
	pingErr  error
}

func (f *fakeCache) CountersForBucket(_ context.Context, hourBucket string) (map[string]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	counters := f.counters[hourBucket]
	if counters == nil {
		counters = map[string]int64{}
	}
	return counters, nil
}

func (f *fakeCache) Ping(_ context.Context) error { return f.pingErr }

type fakeEmitter struct {
	stats emitter.Stats
}

func (f *fakeEmitter) Stats() emitter.Stats { return f.stats }

type fakeProbe struct {
	snapshot *SystemSnapshot
	err      error
}

func (f *fakeProbe) Snapshot(_ context.Context) (*SystemSnapshot, error) {
	return f.snapshot, f.err
}

func newService(store *fakeStore, cache Cache, em EmitterStats, probe SystemProbe, at time.Time) *Service {
	svc := New(store, cache, em, probe, zap.NewNop())
	svc.now = func() time.Time { return at }
	return svc
}

func ptr(v float64) *float64 { return &v }

func TestTrend(t *testing.T) {
	tests := []struct {
		name               string
		current, previous  float64
		want               float64
	}{
		{"appears from nothing", 5, 0, 100},
		{"no data either side", 0, 0, 0},
		{"halved", 50, 100, -50},
		{"doubled", 100, 50, 100},
		{"dropped to zero", 0, 40, -100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Trend(tt.current, tt.previous), 0.001)
		})
	}
}

func TestResolveWindowPeriods(t *testing.T) {
	at := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	svc := newService(&fakeStore{}, nil, nil, nil, at)

	start, end, err := svc.resolveWindow(PeriodToday, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), end)

	start, end, err = svc.resolveWindow(PeriodYesterday, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), end)

	start, end, err = svc.resolveWindow(PeriodWeek, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, at.AddDate(0, 0, -7), start)
	assert.Equal(t, at, end)

	_, _, err = svc.resolveWindow(Period("fortnight"), nil, nil)
	assert.Error(t, err)
}

func TestResolveWindowCustomRequiresBounds(t *testing.T) {
	at := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	svc := newService(&fakeStore{}, nil, nil, nil, at)

	_, _, err := svc.resolveWindow(PeriodCustom, nil, nil)
	assert.Error(t, err)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, _, err = svc.resolveWindow(PeriodCustom, &start, nil)
	assert.Error(t, err)

	end := start.Add(-time.Hour)
	_, _, err = svc.resolveWindow(PeriodCustom, &start, &end)
	assert.Error(t, err)

	end = start.AddDate(0, 0, 3)
	gotStart, gotEnd, err := svc.resolveWindow(PeriodCustom, &start, &end)
	require.NoError(t, err)
	assert.Equal(t, start, gotStart)
	assert.Equal(t, end, gotEnd)
}

func TestRequestMetricsSummarizesDay(t *testing.T) {
	day := "2025-03-10"
	store := &fakeStore{hourly: map[string][]*models.HourlyAggregate{
		day: {
			{MetricName: "api_request", DimensionKey: models.DefaultDimensionKey, Hour: 9, Count: 10, SumValue: 120, MinValue: ptr(4), MaxValue: ptr(60)},
			{MetricName: "api_request", DimensionKey: models.DefaultDimensionKey, Hour: 10, Count: 30, SumValue: 280, MinValue: ptr(2), MaxValue: ptr(45)},
			{MetricName: "request_by_status", DimensionKey: "abc", Hour: 9, Count: 35, Dimensions: map[string]string{"status": "2xx"}},
			{MetricName: "request_by_status", DimensionKey: "def", Hour: 10, Count: 5, Dimensions: map[string]string{"status": "5xx"}},
			{MetricName: "request_by_method", DimensionKey: "ghi", Hour: 9, Count: 40, Dimensions: map[string]string{"method": "get"}},
		},
	}}
	svc := newService(store, nil, nil, nil, time.Now())

	stats, err := svc.RequestMetrics(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, uint64(40), stats.Total)
	assert.InDelta(t, 10.0, stats.AvgDurationMs, 0.001)
	require.NotNil(t, stats.MinDurationMs)
	require.NotNil(t, stats.MaxDurationMs)
	assert.Equal(t, 2.0, *stats.MinDurationMs)
	assert.Equal(t, 60.0, *stats.MaxDurationMs)
	assert.Equal(t, uint64(35), stats.ByStatus["2xx"])
	assert.Equal(t, uint64(5), stats.ByStatus["5xx"])
	assert.Equal(t, uint64(40), stats.ByMethod["get"])
	assert.Nil(t, stats.P50)
	assert.Nil(t, stats.P95)
	assert.Nil(t, stats.P99)
}

func TestRequestMetricsIgnoresDimensionedRequestRows(t *testing.T) {
	day := "2025-03-10"
	store := &fakeStore{hourly: map[string][]*models.HourlyAggregate{
		day: {
			{MetricName: "api_request", DimensionKey: models.DefaultDimensionKey, Count: 10, SumValue: 100},
			{MetricName: "api_request", DimensionKey: "deadbeef00000000", Count: 99, SumValue: 999},
		},
	}}
	svc := newService(store, nil, nil, nil, time.Now())

	stats, err := svc.RequestMetrics(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stats.Total)
}

func TestBusinessMetricsVocabulary(t *testing.T) {
	day := "2025-03-10"
	store := &fakeStore{hourly: map[string][]*models.HourlyAggregate{
		day: {
			{MetricName: "login", DimensionKey: models.DefaultDimensionKey, Hour: 8, Count: 12},
			{MetricName: "login", DimensionKey: models.DefaultDimensionKey, Hour: 9, Count: 8},
			{MetricName: "registration", DimensionKey: models.DefaultDimensionKey, Count: 3},
			{MetricName: "enrollment_created", DimensionKey: models.DefaultDimensionKey, Count: 7},
			{MetricName: "lesson_completed", DimensionKey: models.DefaultDimensionKey, Count: 21},
			{MetricName: "some_custom_metric", DimensionKey: models.DefaultDimensionKey, Count: 99},
		},
	}}
	svc := newService(store, nil, nil, nil, time.Now())

	stats, err := svc.BusinessMetrics(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), stats.Logins)
	assert.Equal(t, uint64(3), stats.Registrations)
	assert.Equal(t, uint64(7), stats.EnrollmentsCreated)
	assert.Equal(t, uint64(21), stats.LessonsCompleted)
	assert.Zero(t, stats.CoursesCompleted)

	users, err := svc.UserMetrics(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), users.Logins)

	courses, err := svc.CourseMetrics(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), courses.EnrollmentsCreated)
}

func TestDashboardMetricsComputesTrends(t *testing.T) {
	at := time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)
	store := &fakeStore{hourly: map[string][]*models.HourlyAggregate{
		"2025-03-10": {
			{MetricName: "api_request", DimensionKey: models.DefaultDimensionKey, Count: 200, SumValue: 1000},
			{MetricName: "login", DimensionKey: models.DefaultDimensionKey, Count: 30},
		},
		"2025-03-09": {
			{MetricName: "api_request", DimensionKey: models.DefaultDimensionKey, Count: 100, SumValue: 900},
			{MetricName: "login", DimensionKey: models.DefaultDimensionKey, Count: 40},
		},
	}}
	svc := newService(store, nil, nil, nil, at)

	dashboard, err := svc.DashboardMetrics(context.Background(), PeriodToday, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(200), dashboard.Requests.Total)
	assert.InDelta(t, 100.0, dashboard.Trends["requests"], 0.001)
	assert.InDelta(t, -25.0, dashboard.Trends["logins"], 0.001)
	assert.InDelta(t, 0.0, dashboard.Trends["enrollments"], 0.001)
	assert.Equal(t, at, dashboard.GeneratedAt)
}

func TestDashboardMetricsDegradesOnStoreFailure(t *testing.T) {
	at := time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)
	store := &fakeStore{readErr: errors.New("connection refused")}
	svc := newService(store, nil, nil, nil, at)

	dashboard, err := svc.DashboardMetrics(context.Background(), PeriodToday, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, dashboard.Requests.Total)
	assert.Zero(t, dashboard.Business.Logins)
	assert.Zero(t, dashboard.Trends["requests"])
}

func TestTimeseriesHourlyAveragesAndSorts(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{hourly: map[string][]*models.HourlyAggregate{
		"2025-03-10": {
			{MetricName: "api_request", Hour: 14, Count: 4, SumValue: 100},
			{MetricName: "api_request", Hour: 9, Count: 10, SumValue: 50},
			{MetricName: "api_request", Hour: 23, Count: 0, SumValue: 0},
		},
	}}
	svc := newService(store, nil, nil, nil, time.Now())

	points, err := svc.Timeseries(context.Background(), "api_request", start, start.AddDate(0, 0, 1), GranularityHourly)
	require.NoError(t, err)
	require.Len(t, points, 3)

	assert.Equal(t, start.Add(9*time.Hour), points[0].Timestamp)
	assert.InDelta(t, 5.0, points[0].Value, 0.001)
	assert.Equal(t, start.Add(14*time.Hour), points[1].Timestamp)
	assert.InDelta(t, 25.0, points[1].Value, 0.001)
	assert.Zero(t, points[2].Value)
	assert.Equal(t, "api_request", store.lastName)
}

func TestTimeseriesHourlyFiltersWindow(t *testing.T) {
	dayStart := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{hourly: map[string][]*models.HourlyAggregate{
		"2025-03-10": {
			{MetricName: "login", Hour: 8, Count: 1, SumValue: 1},
			{MetricName: "login", Hour: 12, Count: 1, SumValue: 1},
			{MetricName: "login", Hour: 18, Count: 1, SumValue: 1},
		},
	}}
	svc := newService(store, nil, nil, nil, time.Now())

	points, err := svc.Timeseries(context.Background(), "login",
		dayStart.Add(10*time.Hour), dayStart.Add(15*time.Hour), GranularityHourly)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, dayStart.Add(12*time.Hour), points[0].Timestamp)
}

func TestTimeseriesDaily(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{daily: map[string][]*models.DailyAggregate{
		"2025-03": {
			{MetricName: "lesson_completed", Day: 5, Count: 10, SumValue: 10},
			{MetricName: "lesson_completed", Day: 2, Count: 4, SumValue: 4},
			{MetricName: "lesson_completed", Day: 28, Count: 1, SumValue: 1},
		},
	}}
	svc := newService(store, nil, nil, nil, time.Now())

	points, err := svc.Timeseries(context.Background(), "lesson_completed",
		start, start.AddDate(0, 0, 10), GranularityDaily)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), points[0].Timestamp)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), points[1].Timestamp)
}

func TestTimeseriesUnknownGranularity(t *testing.T) {
	svc := newService(&fakeStore{}, nil, nil, nil, time.Now())
	_, err := svc.Timeseries(context.Background(), "login", time.Now(), time.Now().Add(time.Hour), Granularity("weekly"))
	assert.Error(t, err)
}

func TestRealtimeCountersReadsCurrentHour(t *testing.T) {
	at := time.Date(2025, 3, 10, 16, 45, 0, 0, time.UTC)
	cache := &fakeCache{counters: map[string]map[string]int64{
		"2025-03-10-16": {"request:total": 42, "login": 3},
	}}
	svc := newService(&fakeStore{}, cache, nil, nil, at)

	result := svc.RealtimeCounters(context.Background())
	assert.Equal(t, "2025-03-10-16", result.HourBucket)
	assert.Equal(t, int64(42), result.Counters["request:total"])
	assert.Equal(t, int64(3), result.Counters["login"])
}

func TestRealtimeCountersWithoutCache(t *testing.T) {
	svc := newService(&fakeStore{}, nil, nil, nil, time.Now())
	result := svc.RealtimeCounters(context.Background())
	assert.Empty(t, result.Counters)
}

func TestRealtimeCountersCacheFailure(t *testing.T) {
	cache := &fakeCache{err: errors.New("connection reset")}
	svc := newService(&fakeStore{}, cache, nil, nil, time.Now())
	result := svc.RealtimeCounters(context.Background())
	assert.Empty(t, result.Counters)
}

func TestHealthHealthyWhenEmitterRunsAndStoreReachable(t *testing.T) {
	em := &fakeEmitter{stats: emitter.Stats{Running: true, Emitted: 10}}
	probe := &fakeProbe{snapshot: &SystemSnapshot{CPUPercent: 12.5, ProcessCount: 80}}
	svc := newService(&fakeStore{}, &fakeCache{}, em, probe, time.Now())

	health := svc.Health(context.Background())
	assert.True(t, health.Healthy)
	assert.True(t, health.Store.Reachable)
	require.NotNil(t, health.Cache)
	assert.True(t, health.Cache.Reachable)
	require.NotNil(t, health.System)
	assert.Equal(t, 80, health.System.ProcessCount)
	require.NotNil(t, health.Emitter)
	assert.Equal(t, uint64(10), health.Emitter.Emitted)
}

func TestHealthUnhealthyWhenStoreDown(t *testing.T) {
	em := &fakeEmitter{stats: emitter.Stats{Running: true}}
	store := &fakeStore{pingErr: errors.New("dial tcp: connection refused")}
	svc := newService(store, nil, em, nil, time.Now())

	health := svc.Health(context.Background())
	assert.False(t, health.Healthy)
	assert.False(t, health.Store.Reachable)
	assert.Contains(t, health.Store.Error, "connection refused")
	assert.Nil(t, health.Cache)
}

func TestHealthUnhealthyWhenEmitterStopped(t *testing.T) {
	em := &fakeEmitter{stats: emitter.Stats{Running: false}}
	svc := newService(&fakeStore{}, nil, em, nil, time.Now())

	health := svc.Health(context.Background())
	assert.False(t, health.Healthy)
	assert.True(t, health.Store.Reachable)
}

func TestHealthCacheFailureIsInformational(t *testing.T) {
	em := &fakeEmitter{stats: emitter.Stats{Running: true}}
	cache := &fakeCache{pingErr: errors.New("NOAUTH")}
	svc := newService(&fakeStore{}, cache, em, nil, time.Now())

	health := svc.Health(context.Background())
	assert.True(t, health.Healthy)
	require.NotNil(t, health.Cache)
	assert.False(t, health.Cache.Reachable)
}
