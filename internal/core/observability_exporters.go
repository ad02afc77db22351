package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-operation latency totals and outcome
// counters under one expvar map.
type ExpvarMetricsRecorder struct {
	name      string
	durations *expvar.Map
	results   *expvar.Map
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated unique name when name is empty.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("omnikeeper_service_metrics_%d", id)
	}
	root := expvar.NewMap(name)
	rec := &ExpvarMetricsRecorder{name: name, durations: new(expvar.Map).Init(), results: new(expvar.Map).Init()}
	root.Set("durations_ms_total", rec.durations)
	root.Set("results_total", rec.results)
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// DurationMS returns the accumulated latency of an operation in milliseconds.
func (r *ExpvarMetricsRecorder) DurationMS(operation string) float64 {
	if v, ok := r.durations.Get(operation).(*expvar.Float); ok {
		return v.Value()
	}
	return 0
}

// Count returns how often an operation ended with status.
func (r *ExpvarMetricsRecorder) Count(operation string, status AuditStatus) int64 {
	if v, ok := r.results.Get(operation + "." + string(status)).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

// Observe records a service operation outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.durations.AddFloat(operation, float64(duration)/float64(time.Millisecond))
	r.results.Add(operation+"."+string(statusOf(success)), 1)
}

func statusOf(success bool) AuditStatus {
	if success {
		return AuditStatusSuccess
	}
	return AuditStatusError
}

// PrometheusMetricsRecorder exports operation latency and outcome counts as
// Prometheus histogram and counter vectors.
type PrometheusMetricsRecorder struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the collectors with reg. A nil reg
// uses the default registerer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer, namespace string) *PrometheusMetricsRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMetricsRecorder{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Service operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"operation"}),
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Service operations by operation and status",
		}, []string{"operation", "status"}),
	}
}

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
	r.total.WithLabelValues(operation, string(statusOf(success))).Inc()
}

// JSONTraceEntry is one span emitted by JSONTraceTracer.
type JSONTraceEntry struct {
	SpanID     string    `json:"span_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes finished spans as JSON lines and keeps them for
// inspection. Spans started under another span record it as their parent.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

type spanKey struct{}

// NewJSONTracer builds a tracer writing to w; a nil w only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of all finished spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	span := &jsonTraceSpan{
		tracer:    t,
		id:        uuid.NewString(),
		operation: operation,
		started:   time.Now().UTC(),
	}
	if parent, ok := ctx.Value(spanKey{}).(*jsonTraceSpan); ok {
		span.parent = parent.id
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	id        string
	parent    string
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		SpanID:     s.id,
		ParentID:   s.parent,
		Operation:  s.operation,
		Status:     string(statusOf(err == nil)),
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.entries = append(s.tracer.entries, entry)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(entry)
	}
}
