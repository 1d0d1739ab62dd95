// Package observability holds the metrics registry and trace bootstrap. The
// registry is hand-rolled Prometheus text exposition with no client library,
// guarded everywhere by nil receivers so call sites never have to check
// whether metrics are enabled.
package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
	"github.com/make-ware/video-ware-sub003/internal/queue"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge
	apiReqTotal *Counter
	apiReqError *Counter

	stepProcessed *CounterVec
	stepDuration  *HistogramVec
	stepRetried   *CounterVec
	stepMemoized  *CounterVec
	stepPanics    *Counter

	tasksDispatched *CounterVec
	flowsFinished   *CounterVec

	storeRetries   *Counter
	storeConflicts *Counter

	queueDepth      *GaugeVec
	stalledRequeued *CounterVec

	pgStats   *GaugeVec
	redisUp   *Gauge
	redisPing *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", true)
}

// Current returns the process-wide registry, or nil when metrics are
// disabled. Every method on Metrics tolerates a nil receiver.
func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	return envutil.MillisDur("METRICS_SCRAPE_INTERVAL_MS", 10*time.Second)
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			apiRequests: NewCounterVec("vw_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec(
				"vw_api_request_duration_seconds",
				"API request latency in seconds by method/route/status.",
				[]string{"method", "route", "status"},
				[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			),
			apiInflight: NewGauge("vw_api_inflight_requests", "In-flight API requests."),
			apiReqTotal: NewCounter("vw_api_requests_total_all", "Total API requests (all)."),
			apiReqError: NewCounter("vw_api_requests_error_total", "Total API requests with 5xx status."),

			stepProcessed: NewCounterVec("vw_steps_processed_total", "Step jobs finished by queue/step/status.", []string{"queue", "step", "status"}),
			stepDuration: NewHistogramVec(
				"vw_step_duration_seconds",
				"Step handler duration in seconds by queue/step.",
				[]string{"queue", "step"},
				[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			),
			stepRetried:  NewCounterVec("vw_steps_retried_total", "Step jobs sent back for a retry by queue/step.", []string{"queue", "step"}),
			stepMemoized: NewCounterVec("vw_steps_memoized_total", "Redelivered step jobs resolved from a recorded result by queue/step.", []string{"queue", "step"}),
			stepPanics:   NewCounter("vw_step_panics_total", "Step handlers recovered from a panic."),

			tasksDispatched: NewCounterVec("vw_tasks_dispatched_total", "Tasks submitted to the flow queue by kind.", []string{"kind"}),
			flowsFinished:   NewCounterVec("vw_flows_finished_total", "Flows reaching a terminal status by kind/status.", []string{"kind", "status"}),

			storeRetries:   NewCounter("vw_store_retries_total", "Store writes retried after a transient failure."),
			storeConflicts: NewCounter("vw_store_terminal_conflicts_total", "Terminal status writes rejected because a different terminal state was already recorded."),

			queueDepth:      NewGaugeVec("vw_queue_depth", "Jobs per queue and state.", []string{"queue", "state"}),
			stalledRequeued: NewCounterVec("vw_stalled_requeued_total", "Stalled active jobs returned to the wait list by queue.", []string{"queue"}),

			pgStats:   NewGaugeVec("vw_pg_pool", "Postgres connection pool stats.", []string{"stat"}),
			redisUp:   NewGauge("vw_redis_up", "Whether the queue backend answered the last ping."),
			redisPing: NewGauge("vw_redis_ping_seconds", "Latency of the last queue backend ping."),
		}
		if log != nil {
			log.Info("metrics registry initialized")
		}
	})
	return instance
}

// StartServer serves the registry on its own listener for deployments that
// keep the scrape port off the API. The API also mounts WriteHTTP directly.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	collectors := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests,
		m.apiLatency,
		m.apiInflight,
		m.apiReqTotal,
		m.apiReqError,
		m.stepProcessed,
		m.stepDuration,
		m.stepRetried,
		m.stepMemoized,
		m.stepPanics,
		m.tasksDispatched,
		m.flowsFinished,
		m.storeRetries,
		m.storeConflicts,
		m.queueDepth,
		m.stalledRequeued,
		m.pgStats,
		m.redisUp,
		m.redisPing,
	}
	for _, c := range collectors {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
	m.apiReqTotal.Inc()
	if isServerErrorStatus(status) {
		m.apiReqError.Inc()
	}
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// ObserveStep records one finished step invocation. The step label is the
// short name; the queue label disambiguates shared short names. Pass zero
// duration when the handler never ran (memoized, cancelled, plan errors).
func (m *Metrics) ObserveStep(queueName, step, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stepProcessed.Inc(queueName, flow.ShortStepName(step), status)
	if dur > 0 {
		m.stepDuration.Observe(dur.Seconds(), queueName, flow.ShortStepName(step))
	}
}

func (m *Metrics) IncStepRetried(queueName, step string) {
	if m == nil {
		return
	}
	m.stepRetried.Inc(queueName, flow.ShortStepName(step))
}

func (m *Metrics) IncStepMemoized(queueName, step string) {
	if m == nil {
		return
	}
	m.stepMemoized.Inc(queueName, flow.ShortStepName(step))
}

func (m *Metrics) IncStepPanic() {
	if m == nil {
		return
	}
	m.stepPanics.Inc()
}

func (m *Metrics) IncTaskDispatched(kind string) {
	if m == nil {
		return
	}
	m.tasksDispatched.Inc(kind)
}

func (m *Metrics) IncFlowFinished(kind, status string) {
	if m == nil {
		return
	}
	m.flowsFinished.Inc(kind, status)
}

func (m *Metrics) IncStoreRetry() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

func (m *Metrics) IncStoreConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

func (m *Metrics) AddStalledRequeued(queueName string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stalledRequeued.Add(float64(n), queueName)
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
			}
		}
	}()
}

// StartQueueCollector samples depth and liveness through the flow queue
// itself rather than a second Redis connection, so a backend outage shows up
// the same way the engine sees it.
func (m *Metrics) StartQueueCollector(ctx context.Context, log *logger.Logger, q *queue.FlowQueue) {
	if m == nil || q == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SampleQueues(ctx, log, q)
			}
		}
	}()
}

// SampleQueues runs one collection pass. Split out so the healthcheck and
// tests can force a sample without waiting a tick.
func (m *Metrics) SampleQueues(ctx context.Context, log *logger.Logger, q *queue.FlowQueue) {
	if m == nil || q == nil {
		return
	}
	start := time.Now()
	if err := q.Ping(ctx); err != nil {
		m.redisUp.Set(0)
		if log != nil {
			log.Warn("metrics: queue backend ping failed", "error", err)
		}
		return
	}
	m.redisUp.Set(1)
	m.redisPing.Set(time.Since(start).Seconds())

	for _, queueName := range flow.QueueNames() {
		counts, err := q.Counts(ctx, queueName)
		if err != nil {
			if log != nil {
				log.Warn("metrics: queue depth unavailable", "queue", queueName, "error", err)
			}
			continue
		}
		m.queueDepth.Set(float64(counts.Waiting), queueName, "waiting")
		m.queueDepth.Set(float64(counts.Active), queueName, "active")
		m.queueDepth.Set(float64(counts.Delayed), queueName, "delayed")
		m.queueDepth.Set(float64(counts.Completed), queueName, "completed")
		m.queueDepth.Set(float64(counts.Failed), queueName, "failed")
	}
}
