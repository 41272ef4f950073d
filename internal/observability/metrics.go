package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// Metrics is the in-process registry for the assignment service. Counters and
// histograms cover the aggregate write path, the task queue, the lifecycle
// sweeps, and the notification/catalog edges.
type Metrics struct {
	aggregateOps      *CounterVec
	aggregateLatency  *HistogramVec
	aggregateConflict *CounterVec
	aggregateRetry    *CounterVec
	aggregateTotal    *Counter
	aggregateError    *Counter

	taskRuns    *CounterVec
	taskLatency *HistogramVec
	taskTotal   *Counter
	taskError   *Counter
	taskGood    *Counter

	sweepRuns         *CounterVec
	sweepLatency      *HistogramVec
	sweepExamined     *CounterVec
	sweepTransitioned *CounterVec
	sweepTotal        *Counter
	sweepError        *Counter

	notificationSends *CounterVec
	notifyTotal       *Counter
	notifyError       *Counter

	cacheRequests  *CounterVec
	clientRequests *CounterVec
	clientLatency  *HistogramVec

	queueDepth *GaugeVec
	pgStats    *GaugeVec
	redisUp    *Gauge
	redisPing  *Gauge

	sloCompliance *GaugeVec
	sloBudget     *GaugeVec
	sloBurn       *GaugeVec

	taskLatencyThreshold float64
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		taskLatencyThreshold := 30.0
		if v := strings.TrimSpace(os.Getenv("SLO_TASK_LATENCY_THRESHOLD_SECONDS")); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				taskLatencyThreshold = f
			}
		}
		instance = &Metrics{
			aggregateOps: NewCounterVec("cb_aggregate_operation_total", "Aggregate operations by operation/status.", []string{"operation", "status"}),
			aggregateLatency: NewHistogramVec(
				"cb_aggregate_operation_duration_seconds",
				"Aggregate operation latency in seconds by operation/status.",
				[]string{"operation", "status"},
				[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			),
			aggregateConflict: NewCounterVec("cb_aggregate_conflict_total", "Aggregate compare-and-swap conflicts by operation.", []string{"operation"}),
			aggregateRetry:    NewCounterVec("cb_aggregate_retry_total", "Aggregate transaction retries by operation.", []string{"operation"}),
			aggregateTotal:    NewCounter("cb_aggregate_operation_total_all", "Aggregate operations (all)."),
			aggregateError:    NewCounter("cb_aggregate_operation_error_total", "Aggregate operations with failure status."),
			taskRuns:          NewCounterVec("cb_task_runs_total", "Task executions by job_type/status.", []string{"job_type", "status"}),
			taskLatency: NewHistogramVec(
				"cb_task_run_duration_seconds",
				"Task execution latency in seconds by job_type/status.",
				[]string{"job_type", "status"},
				[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			),
			taskTotal: NewCounter("cb_task_runs_total_all", "Task executions (all)."),
			taskError: NewCounter("cb_task_runs_error_total", "Task executions with failure status."),
			taskGood:  NewCounter("cb_task_runs_good_latency_total", "Task executions under SLO latency threshold."),
			sweepRuns: NewCounterVec("cb_sweep_runs_total", "Sweep passes by sweep/status.", []string{"sweep", "status"}),
			sweepLatency: NewHistogramVec(
				"cb_sweep_duration_seconds",
				"Sweep pass duration in seconds by sweep/status.",
				[]string{"sweep", "status"},
				[]float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
			),
			sweepExamined:     NewCounterVec("cb_sweep_rows_examined_total", "Assignments examined by sweep.", []string{"sweep"}),
			sweepTransitioned: NewCounterVec("cb_sweep_rows_transitioned_total", "Assignments transitioned by sweep.", []string{"sweep"}),
			sweepTotal:        NewCounter("cb_sweep_runs_total_all", "Sweep passes (all)."),
			sweepError:        NewCounter("cb_sweep_runs_error_total", "Sweep passes with failure status."),
			notificationSends: NewCounterVec("cb_notification_sends_total", "Notification sends by kind/status.", []string{"kind", "status"}),
			notifyTotal:       NewCounter("cb_notification_sends_total_all", "Notification sends (all)."),
			notifyError:       NewCounter("cb_notification_sends_error_total", "Notification sends with failure status."),
			cacheRequests:     NewCounterVec("cb_cache_requests_total", "Cache lookups by cache/outcome.", []string{"cache", "outcome"}),
			clientRequests:    NewCounterVec("cb_client_requests_total", "Upstream client requests by client/operation/status.", []string{"client", "operation", "status"}),
			clientLatency: NewHistogramVec(
				"cb_client_request_duration_seconds",
				"Upstream client request latency in seconds by client/operation/status.",
				[]string{"client", "operation", "status"},
				[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			),
			queueDepth:           NewGaugeVec("cb_task_queue_depth", "Task queue depth by status.", []string{"status"}),
			pgStats:              NewGaugeVec("cb_postgres_stats", "Postgres connection stats.", []string{"metric"}),
			redisUp:              NewGauge("cb_redis_up", "Redis connectivity (1=up, 0=down)."),
			redisPing:            NewGauge("cb_redis_ping_seconds", "Redis ping latency in seconds."),
			sloCompliance:        NewGaugeVec("cb_slo_compliance", "SLO compliance (SLI) over window.", []string{"slo", "window"}),
			sloBudget:            NewGaugeVec("cb_slo_error_budget_remaining", "Error budget remaining (0-1).", []string{"slo", "window"}),
			sloBurn:              NewGaugeVec("cb_slo_burn_rate", "Error budget burn rate.", []string{"slo", "window"}),
			taskLatencyThreshold: taskLatencyThreshold,
		}
		if log != nil {
			log.Info("observability metrics enabled")
		}
	})
	return instance
}

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
	if err := m.aggregateOps.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.aggregateLatency.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.aggregateConflict.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.aggregateRetry.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.aggregateTotal.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.aggregateError.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.taskRuns.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.taskLatency.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.taskTotal.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.taskError.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.taskGood.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sweepRuns.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sweepLatency.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sweepExamined.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sweepTransitioned.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sweepTotal.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sweepError.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.notificationSends.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.notifyTotal.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.notifyError.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.cacheRequests.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.clientRequests.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.clientLatency.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.queueDepth.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.pgStats.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.redisUp.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.redisPing.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sloCompliance.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sloBudget.WritePrometheus(w); err != nil {
		return err
	}
	return m.sloBurn.WritePrometheus(w)
}

// LogSnapshot dumps the full exposition into the log. The server calls this on
// shutdown so short-lived runs leave a record even without a scraper.
func (m *Metrics) LogSnapshot(log *logger.Logger) {
	if m == nil || log == nil {
		return
	}
	var b strings.Builder
	if err := m.WritePrometheus(&b); err != nil {
		log.Warn("metrics snapshot failed", "error", err)
		return
	}
	log.Info("metrics snapshot", "exposition", b.String())
}

func (m *Metrics) ObserveAggregateOperation(operation, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.aggregateOps.Inc(operation, status)
	m.aggregateLatency.Observe(dur.Seconds(), operation, status)
	m.aggregateTotal.Inc()
	if isFailureStatus(status) {
		m.aggregateError.Inc()
	}
}

func (m *Metrics) IncAggregateConflict(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.aggregateConflict.Inc(operation)
}

func (m *Metrics) IncAggregateRetry(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.aggregateRetry.Inc(operation)
}

func (m *Metrics) ObserveTaskRun(jobType, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if jobType == "" {
		jobType = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.taskRuns.Inc(jobType, status)
	m.taskLatency.Observe(dur.Seconds(), jobType, status)
	m.taskTotal.Inc()
	if isFailureStatus(status) {
		m.taskError.Inc()
	}
	if m.taskLatencyThreshold > 0 && dur.Seconds() <= m.taskLatencyThreshold {
		m.taskGood.Inc()
	}
}

func (m *Metrics) ObserveSweep(sweep, status string, dur time.Duration, examined, transitioned int) {
	if m == nil {
		return
	}
	if sweep == "" {
		sweep = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.sweepRuns.Inc(sweep, status)
	m.sweepLatency.Observe(dur.Seconds(), sweep, status)
	if examined > 0 {
		m.sweepExamined.Add(float64(examined), sweep)
	}
	if transitioned > 0 {
		m.sweepTransitioned.Add(float64(transitioned), sweep)
	}
	m.sweepTotal.Inc()
	if isFailureStatus(status) {
		m.sweepError.Inc()
	}
}

func (m *Metrics) IncNotificationSend(kind, status string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.notificationSends.Inc(kind, status)
	m.notifyTotal.Inc()
	if isFailureStatus(status) {
		m.notifyError.Inc()
	}
}

func (m *Metrics) IncCacheRequest(cache, outcome string) {
	if m == nil {
		return
	}
	if cache == "" {
		cache = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.cacheRequests.Inc(cache, outcome)
}

func (m *Metrics) ObserveClientRequest(client, operation, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if client == "" {
		client = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.clientRequests.Inc(client, operation, status)
	m.clientLatency.Observe(dur.Seconds(), client, operation, status)
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
				m.pgStats.Set(float64(stats.MaxIdleClosed), "max_idle_closed")
				m.pgStats.Set(float64(stats.MaxIdleTimeClosed), "max_idle_time_closed")
				m.pgStats.Set(float64(stats.MaxLifetimeClosed), "max_lifetime_closed")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

func (m *Metrics) StartTaskQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []string{
		jobsdom.TaskStatusQueued,
		jobsdom.TaskStatusRunning,
		jobsdom.TaskStatusSucceeded,
		jobsdom.TaskStatusFailed,
		jobsdom.TaskStatusCanceled,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.queueDepth.Set(0, s)
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&jobsdom.TaskRun{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: task queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					status := strings.TrimSpace(row.Status)
					if status == "" {
						status = "unknown"
					}
					m.queueDepth.Set(float64(row.Count), status)
				}
			}
		}
	}()
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k, v := range g.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s histogram\n", h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}

func isFailureStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "failed", "error", "timeout", "panic":
		return true
	default:
		return false
	}
}
