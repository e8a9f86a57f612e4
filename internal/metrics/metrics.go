package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Quote providers
	QuoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldesk_quote_requests_total",
			Help: "Quote provider calls by provider and result",
		},
		[]string{"provider", "result"},
	)
	QuoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "signaldesk_quote_request_duration_seconds",
			Help: "Duration of quote provider calls in seconds",
		},
		[]string{"provider"},
	)

	// Trades
	TradeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldesk_trade_transitions_total",
			Help: "Hit detector transitions by kind",
		},
		[]string{"kind"},
	)
	OpenTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaldesk_open_trades",
			Help: "Trades in the open set at the last tracker pass",
		},
	)

	// Outbound
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldesk_dispatch_total",
			Help: "Outbound sends by message kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	RateLimitWaitSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signaldesk_rate_limit_wait_seconds_total",
			Help: "Seconds spent sleeping platform-mandated back-off",
		},
	)
	PeerAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldesk_peer_attempts_total",
			Help: "Peer resolution attempts by level and result",
		},
		[]string{"level", "result"},
	)

	// Loops
	LoopRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldesk_loop_runs_total",
			Help: "Loop iterations by loop and result",
		},
		[]string{"loop", "result"},
	)
	InvariantViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaldesk_invariant_violations_total",
			Help: "Refused store updates that would break an invariant",
		},
		[]string{"component"},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(QuoteRequestsTotal)
	prometheus.MustRegister(QuoteRequestDuration)
	prometheus.MustRegister(TradeTransitionsTotal)
	prometheus.MustRegister(OpenTrades)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(RateLimitWaitSeconds)
	prometheus.MustRegister(PeerAttemptsTotal)
	prometheus.MustRegister(LoopRunsTotal)
	prometheus.MustRegister(InvariantViolationsTotal)
}

// NewRouter exposes the default registry on /metrics.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}
