package emitter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coursekit/metrics-pipeline/internal/models"
	"github.com/coursekit/metrics-pipeline/internal/observability"
)

// Processor consumes a flushed batch. In production this is the collector.
type Processor interface {
	ProcessBatch(ctx context.Context, events []*models.MetricEvent) error
}

type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	StopTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 5 * time.Second
	}
}

// Emitter accepts events from arbitrary call sites without ever blocking
// them, and owns the single background worker that batches and flushes.
// When the queue is full the newest event is dropped: losing an advisory
// metric is preferred over blocking a request path or growing memory.
type Emitter struct {
	cfg       Config
	logger    *zap.Logger
	processor Processor
	metrics   *observability.Metrics

	queue chan *models.MetricEvent

	mu        sync.Mutex
	running   bool
	stopped   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	startedAt time.Time

	emitted   atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	batches   atomic.Uint64
	lastFlush atomic.Int64
}

// Stats is the emitter's observability surface.
type Stats struct {
	Running          bool      `json:"running"`
	QueueLength      int       `json:"queue_length"`
	QueueCapacity    int       `json:"queue_capacity"`
	QueueUtilization float64   `json:"queue_utilization_pct"`
	Emitted          uint64    `json:"emitted"`
	Processed        uint64    `json:"processed"`
	Dropped          uint64    `json:"dropped"`
	BatchesFlushed   uint64    `json:"batches_flushed"`
	LastFlush        time.Time `json:"last_flush"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
}

func New(cfg Config, processor Processor, metrics *observability.Metrics, logger *zap.Logger) *Emitter {
	cfg.setDefaults()
	return &Emitter{
		cfg:       cfg,
		logger:    logger,
		processor: processor,
		metrics:   metrics,
		queue:     make(chan *models.MetricEvent, cfg.QueueSize),
	}
}

// Emit attempts to enqueue an event. It never blocks: if the queue is full
// the event is dropped, the drop counter increments and false is returned.
// After Stop the queue has no consumer left, so emits are dropped the same
// way rather than stranded.
func (e *Emitter) Emit(ev *models.MetricEvent) bool {
	if e.stopped.Load() {
		dropped := e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.EventsDropped.Inc()
		}
		e.logger.Warn("emitter stopped, dropping event",
			zap.String("event_name", ev.Name),
			zap.Uint64("dropped_total", dropped))
		return false
	}

	select {
	case e.queue <- ev:
		e.emitted.Add(1)
		if e.metrics != nil {
			e.metrics.EventsEmitted.Inc()
			e.metrics.QueueDepth.Set(float64(len(e.queue)))
		}
		return true
	default:
		dropped := e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.EventsDropped.Inc()
		}
		e.logger.Warn("metrics queue full, dropping event",
			zap.String("event_name", ev.Name),
			zap.Uint64("dropped_total", dropped))
		return false
	}
}

// EmitRequest builds and enqueues a REQUEST event named "api_request".
func (e *Emitter) EmitRequest(method, path string, statusCode int, durationMs float64, requestID, userID string) bool {
	ev := models.NewEvent(models.EventTypeRequest, "api_request")
	ev.Method = method
	ev.Path = path
	code := int32(statusCode)
	ev.StatusCode = &code
	dur := durationMs
	ev.DurationMs = &dur
	ev.RequestID = requestID
	ev.UserID = userID
	return e.Emit(ev)
}

// EmitBusiness builds and enqueues a BUSINESS event.
func (e *Emitter) EmitBusiness(name, userID, courseID, lessonID string) bool {
	ev := models.NewEvent(models.EventTypeBusiness, name)
	ev.UserID = userID
	ev.CourseID = courseID
	ev.LessonID = lessonID
	return e.Emit(ev)
}

// EmitError builds and enqueues an ERROR event named "error_<type>".
func (e *Emitter) EmitError(errorType, path, requestID string) bool {
	ev := models.NewEvent(models.EventTypeError, "error_"+strings.ToLower(errorType))
	ev.Path = path
	ev.RequestID = requestID
	return e.Emit(ev)
}

// Start spawns the background worker. Calling it while already running is a
// logged no-op.
func (e *Emitter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		e.logger.Warn("emitter already running, ignoring start")
		return
	}

	e.running = true
	e.stopped.Store(false)
	e.startedAt = time.Now()
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go e.run(e.stopCh, e.doneCh)

	e.logger.Info("emitter started",
		zap.Int("queue_size", e.cfg.QueueSize),
		zap.Int("batch_size", e.cfg.BatchSize),
		zap.Duration("flush_interval", e.cfg.FlushInterval))
}

// Stop signals the worker, waits up to StopTimeout for it to finish its
// in-flight batch, then synchronously flushes anything still queued. Events
// already enqueued at the moment of the call are not lost unless the worker
// had to be abandoned mid-flush.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopped.Store(true)
	close(e.stopCh)
	doneCh := e.doneCh
	e.mu.Unlock()

	select {
	case <-doneCh:
	case <-time.After(e.cfg.StopTimeout):
		e.logger.Warn("emitter worker did not finish in time, abandoning in-flight batch")
	}

	e.drain()
	e.logger.Info("emitter stopped",
		zap.Uint64("processed", e.processed.Load()),
		zap.Uint64("dropped", e.dropped.Load()))
}

// Stats returns a snapshot of the emitter's counters and queue state.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	length := len(e.queue)
	var uptime float64
	if running {
		uptime = time.Since(startedAt).Seconds()
	}

	var lastFlush time.Time
	if ts := e.lastFlush.Load(); ts > 0 {
		lastFlush = time.UnixMilli(ts).UTC()
	}

	return Stats{
		Running:          running,
		QueueLength:      length,
		QueueCapacity:    e.cfg.QueueSize,
		QueueUtilization: float64(length) / float64(e.cfg.QueueSize) * 100,
		Emitted:          e.emitted.Load(),
		Processed:        e.processed.Load(),
		Dropped:          e.dropped.Load(),
		BatchesFlushed:   e.batches.Load(),
		LastFlush:        lastFlush,
		UptimeSeconds:    uptime,
	}
}

// run is the single consumer of the queue. Batches flush when they reach
// BatchSize or when a flush interval elapses with a non-empty batch, which
// bounds both worst-case latency and worst-case batch size. Keeping this
// loop as the only path mutating aggregates is what makes the collector's
// read-merge-write safe; do not add a second consumer without moving the
// merge behind an atomic primitive.
func (e *Emitter) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	batch := make([]*models.MetricEvent, 0, e.cfg.BatchSize)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		timedOut := false

		select {
		case ev := <-e.queue:
			batch = append(batch, ev)
		case <-ticker.C:
			timedOut = true
		case <-stopCh:
			e.flush(batch)
			return
		}

		if len(batch) >= e.cfg.BatchSize || (timedOut && len(batch) > 0) {
			e.flush(batch)
			batch = batch[:0]
		}
	}
}

// drain empties whatever is left in the queue after the worker has exited.
func (e *Emitter) drain() {
	batch := make([]*models.MetricEvent, 0, e.cfg.BatchSize)
	for {
		select {
		case ev := <-e.queue:
			batch = append(batch, ev)
			if len(batch) >= e.cfg.BatchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		default:
			e.flush(batch)
			return
		}
	}
}

// flush hands a batch to the processor. A failed flush is logged and the
// batch discarded; the worker never crashes over storage errors.
func (e *Emitter) flush(batch []*models.MetricEvent) {
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	if err := e.processor.ProcessBatch(context.Background(), batch); err != nil {
		e.logger.Error("batch flush failed, discarding batch",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return
	}

	e.processed.Add(uint64(len(batch)))
	e.batches.Add(1)
	e.lastFlush.Store(time.Now().UnixMilli())

	if e.metrics != nil {
		e.metrics.EventsProcessed.Add(float64(len(batch)))
		e.metrics.BatchesFlushed.Inc()
		e.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
	}
}
