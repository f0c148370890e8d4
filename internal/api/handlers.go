package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/coursekit/metrics-pipeline/internal/models"
	"github.com/coursekit/metrics-pipeline/internal/query"
)

// Server exposes the read-only dashboard API. All endpoints are GETs; the
// write path into the pipeline is the in-process emitter, never HTTP.
type Server struct {
	queries *query.Service
	logger  *zap.Logger
	now     func() time.Time
}

func NewServer(queries *query.Service, logger *zap.Logger) *Server {
	return &Server{queries: queries, logger: logger, now: time.Now}
}

// Routes mounts the dashboard endpoints on the given router.
func (s *Server) Routes(router *mux.Router) {
	api := router.PathPrefix("/api/v1/metrics").Subrouter()
	api.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	api.HandleFunc("/realtime", s.handleRealtime).Methods(http.MethodGet)
	api.HandleFunc("/requests", s.handleRequests).Methods(http.MethodGet)
	api.HandleFunc("/business", s.handleBusiness).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleUsers).Methods(http.MethodGet)
	api.HandleFunc("/courses", s.handleCourses).Methods(http.MethodGet)
	api.HandleFunc("/timeseries", s.handleTimeseries).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	period := query.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = query.PeriodToday
	}

	start, err := parseTimeParam(r, "start")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid start parameter")
		return
	}
	end, err := parseTimeParam(r, "end")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid end parameter")
		return
	}

	dashboard, err := s.queries.DashboardMetrics(r.Context(), period, start, end)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, dashboard)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queries.RealtimeCounters(r.Context()))
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.RequestMetrics(r.Context(), s.dayParam(r))
	if err != nil {
		s.logger.Error("requests endpoint failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load request metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBusiness(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.BusinessMetrics(r.Context(), s.dayParam(r))
	if err != nil {
		s.logger.Error("business endpoint failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load business metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.UserMetrics(r.Context(), s.dayParam(r))
	if err != nil {
		s.logger.Error("users endpoint failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load user metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.CourseMetrics(r.Context(), s.dayParam(r))
	if err != nil {
		s.logger.Error("courses endpoint failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load course metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	metricName := r.URL.Query().Get("metric")
	if metricName == "" {
		s.writeError(w, http.StatusBadRequest, "metric parameter is required")
		return
	}

	granularity := query.Granularity(r.URL.Query().Get("granularity"))
	if granularity == "" {
		granularity = query.GranularityHourly
	}

	now := s.now().UTC()
	start := now.Truncate(24 * time.Hour)
	end := now
	if p, err := parseTimeParam(r, "start"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid start parameter")
		return
	} else if p != nil {
		start = *p
	}
	if p, err := parseTimeParam(r, "end"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid end parameter")
		return
	} else if p != nil {
		end = *p
	}

	points, err := s.queries.Timeseries(r.Context(), metricName, start, end, granularity)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if points == nil {
		points = []query.Point{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"metric": metricName,
		"points": points,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.queries.Health(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) dayParam(r *http.Request) string {
	if day := r.URL.Query().Get("day"); day != "" {
		return day
	}
	return models.DayBucket(s.now())
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
