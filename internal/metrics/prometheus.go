package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "assistant_worker"

// Prometheus implements Recorder with collectors registered on reg.
type Prometheus struct {
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	completions       *prometheus.CounterVec
	completionLatency prometheus.Histogram
	tokens            *prometheus.CounterVec
	conversations     *prometheus.CounterVec
	poolSize          prometheus.Gauge
	emergency         prometheus.Counter
	evictions         *prometheus.CounterVec
	inFlight          prometheus.Gauge
	queueErrors       prometheus.Counter
	healthy           prometheus.Gauge
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the worker's collectors on reg. A nil reg uses the
// default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Prometheus{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Processed queue messages by final status.",
		}, []string{"status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent by a worker on one message.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"status"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion calls by result.",
		}, []string{"result"}),
		completionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Latency of completion calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by completion calls.",
		}, []string{"type"}),
		conversations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_records_total",
			Help:      "Conversation records flushed from the write buffer by result.",
		}, []string{"result"}),
		poolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assistant_pool_size",
			Help:      "Assistants currently tracked by the pool.",
		}),
		emergency: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_assistants_total",
			Help:      "Assistants created outside the pool because no slot was available.",
		}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_evictions_total",
			Help:      "Slots reassigned or dropped by reason.",
		}, []string{"reason"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Requests currently claimed by a worker.",
		}),
		queueErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_errors_total",
			Help:      "Failed queue receive calls.",
		}),
		healthy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy",
			Help:      "1 when the last health check passed.",
		}),
	}
}

func (p *Prometheus) ObserveRequest(status string, d time.Duration) {
	p.requests.WithLabelValues(status).Inc()
	p.requestDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (p *Prometheus) ObserveCompletion(success bool, promptTokens, completionTokens int64, d time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	p.completions.WithLabelValues(result).Inc()
	p.completionLatency.Observe(d.Seconds())
	if success {
		p.tokens.WithLabelValues("prompt").Add(float64(promptTokens))
		p.tokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

func (p *Prometheus) ConversationsFlushed(written, dropped int) {
	p.conversations.WithLabelValues("written").Add(float64(written))
	p.conversations.WithLabelValues("dropped").Add(float64(dropped))
}

func (p *Prometheus) SetPoolSize(n int) { p.poolSize.Set(float64(n)) }

func (p *Prometheus) IncEmergencyAssistant() { p.emergency.Inc() }

func (p *Prometheus) IncEviction(reason string) { p.evictions.WithLabelValues(reason).Inc() }

func (p *Prometheus) SetInFlight(n int) { p.inFlight.Set(float64(n)) }

func (p *Prometheus) IncQueueError() { p.queueErrors.Inc() }

func (p *Prometheus) SetHealthy(ok bool) {
	if ok {
		p.healthy.Set(1)
		return
	}
	p.healthy.Set(0)
}
