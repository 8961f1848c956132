package observability

import (
	"bytes"
	"database/sql"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"unieval/internal/scheduler"

	"github.com/go-chi/chi/v5/middleware"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

const textFormat = "text/plain; version=0.0.4; charset=utf-8"

type key struct {
	Method string
	Path   string
	Status int
}

type stat struct {
	Count     int64
	LatencyMS float64
}

type runStats struct {
	Runs      int64
	Failed    int64
	Opened    int64
	Closed    int64
	Syntheses int64
	LastRun   time.Time
	LastMS    float64
}

// Collector keeps request and scheduler counters in memory and exposes them
// as Prometheus metric families. db may be nil for the in-memory store.
type Collector struct {
	db     *sql.DB
	logger *zap.Logger

	mu           sync.RWMutex
	requestStats map[key]stat
	scheduler    runStats
	startedAt    time.Time
}

func NewCollector(db *sql.DB, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		db:           db,
		logger:       logger,
		requestStats: make(map[key]stat),
		startedAt:    time.Now(),
	}
}

// ObserveRun records one scheduler pass.
func (c *Collector) ObserveRun(r scheduler.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler.Runs++
	if r.Failed() {
		c.scheduler.Failed++
	}
	c.scheduler.Opened += int64(len(r.Opened))
	c.scheduler.Closed += int64(len(r.Closed))
	c.scheduler.Syntheses += int64(len(r.Syntheses))
	c.scheduler.LastRun = r.StartedAt
	c.scheduler.LastMS = float64(r.Duration.Microseconds()) / 1000.0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := key{Method: r.Method, Path: path, Status: rec.status}
		s := c.requestStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.requestStats[k] = s
		c.mu.Unlock()

		c.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("instance_id", extractInstanceID(r.URL.Path)),
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", rec.status),
			zap.Float64("latency_ms", latencyMS),
			zap.String("remote_ip", strings.TrimSpace(r.RemoteAddr)),
		)
	})
}

// MetricsHandler writes every family in the Prometheus text format.
func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	for _, mf := range c.Families(time.Now()) {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			c.logger.Error("encode metrics", zap.String("family", mf.GetName()), zap.Error(err))
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", textFormat)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Families snapshots the collector. Families without samples are left out.
func (c *Collector) Families(now time.Time) []*dto.MetricFamily {
	c.mu.RLock()
	statsCopy := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		statsCopy[k] = v
	}
	startedAt := c.startedAt
	sched := c.scheduler
	c.mu.RUnlock()

	keys := make([]key, 0, len(statsCopy))
	for k := range statsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})

	var requests, latencySum, latencyAvg []*dto.Metric
	for _, k := range keys {
		s := statsCopy[k]
		labels := []string{"method", k.Method, "path", k.Path, "status", strconv.Itoa(k.Status)}
		avg := 0.0
		if s.Count > 0 {
			avg = s.LatencyMS / float64(s.Count)
		}
		requests = append(requests, counter(float64(s.Count), labels...))
		latencySum = append(latencySum, counter(s.LatencyMS, labels...))
		latencyAvg = append(latencyAvg, gauge(avg, labels...))
	}

	out := []*dto.MetricFamily{
		family("unieval_uptime_seconds", dto.MetricType_GAUGE, gauge(math.Round(now.Sub(startedAt).Seconds()))),
		family("unieval_http_requests_total", dto.MetricType_COUNTER, requests...),
		family("unieval_http_request_latency_ms_sum", dto.MetricType_COUNTER, latencySum...),
		family("unieval_http_request_latency_ms_avg", dto.MetricType_GAUGE, latencyAvg...),
		family("unieval_scheduler_runs_total", dto.MetricType_COUNTER, counter(float64(sched.Runs))),
		family("unieval_scheduler_failed_runs_total", dto.MetricType_COUNTER, counter(float64(sched.Failed))),
		family("unieval_scheduler_transitions_total", dto.MetricType_COUNTER,
			counter(float64(sched.Opened), "step", "opened"),
			counter(float64(sched.Closed), "step", "closed"),
			counter(float64(sched.Syntheses), "step", "syntheses"),
		),
	}
	if !sched.LastRun.IsZero() {
		out = append(out,
			family("unieval_scheduler_last_run_timestamp_seconds", dto.MetricType_GAUGE, gauge(float64(sched.LastRun.Unix()))),
			family("unieval_scheduler_last_run_duration_ms", dto.MetricType_GAUGE, gauge(sched.LastMS)),
		)
	}
	if c.db != nil {
		dbs := c.db.Stats()
		out = append(out,
			family("unieval_db_open_connections", dto.MetricType_GAUGE, gauge(float64(dbs.OpenConnections))),
			family("unieval_db_in_use_connections", dto.MetricType_GAUGE, gauge(float64(dbs.InUse))),
			family("unieval_db_idle_connections", dto.MetricType_GAUGE, gauge(float64(dbs.Idle))),
			family("unieval_db_wait_count", dto.MetricType_COUNTER, counter(float64(dbs.WaitCount))),
			family("unieval_db_wait_duration_ms", dto.MetricType_COUNTER, counter(float64(dbs.WaitDuration.Microseconds())/1000.0)),
		)
	}

	kept := out[:0]
	for _, mf := range out {
		if len(mf.Metric) > 0 {
			kept = append(kept, mf)
		}
	}
	return kept
}

func family(name string, typ dto.MetricType, metrics ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{Name: proto.String(name), Type: typ.Enum(), Metric: metrics}
}

func counter(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Counter: &dto.Counter{Value: proto.Float64(v)}}
}

func gauge(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

// labelPairs turns name, value, name, value... into label pairs.
func labelPairs(kv []string) []*dto.LabelPair {
	if len(kv) < 2 {
		return nil
	}
	out := make([]*dto.LabelPair, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}
	return out
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// extractInstanceID pulls the id following "instances" out of a path, or 0.
func extractInstanceID(path string) int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "instances" {
			if id, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
