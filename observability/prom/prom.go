package prom

import (
	"net/http"
	"strconv"
	"time"

	"github.com/floegence/e2erelay/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NodeObserver exports relay node metrics to Prometheus.
type NodeObserver struct {
	transactions       *prometheus.CounterVec
	transactionLatency *prometheus.HistogramVec
	forwards           *prometheus.CounterVec
	forwardLatency     prometheus.Histogram
	sessions           *prometheus.GaugeVec
}

// NewNodeObserver registers relay node metrics on the registry.
func NewNodeObserver(reg *prometheus.Registry) *NodeObserver {
	o := &NodeObserver{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2erelay_node_transactions_total",
			Help: "Relay transactions by outer transport and outcome.",
		}, []string{"transport", "outcome"}),
		transactionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "e2erelay_node_transaction_latency_seconds",
			Help:    "Relay transaction latency by outer transport.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2erelay_node_forwards_total",
			Help: "Destination forwards by result and transport errno (0 on success).",
		}, []string{"result", "errno"}),
		forwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "e2erelay_node_forward_latency_seconds",
			Help:    "Destination forward latency.",
			Buckets: prometheus.DefBuckets,
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "e2erelay_node_sessions",
			Help: "Open long-lived sessions by outer transport.",
		}, []string{"transport"}),
	}
	reg.MustRegister(
		o.transactions,
		o.transactionLatency,
		o.forwards,
		o.forwardLatency,
		o.sessions,
	)
	return o
}

func (o *NodeObserver) Transaction(transport observability.Transport, outcome observability.Outcome, d time.Duration) {
	o.transactions.WithLabelValues(string(transport), string(outcome)).Inc()
	o.transactionLatency.WithLabelValues(string(transport)).Observe(d.Seconds())
}

func (o *NodeObserver) Forward(result observability.ForwardResult, errno int, d time.Duration) {
	o.forwards.WithLabelValues(string(result), strconv.Itoa(errno)).Inc()
	o.forwardLatency.Observe(d.Seconds())
}

func (o *NodeObserver) Sessions(transport observability.Transport, n int64) {
	o.sessions.WithLabelValues(string(transport)).Set(float64(n))
}

// ClientObserver exports relay client metrics to Prometheus.
type ClientObserver struct {
	calls       *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
}

// NewClientObserver registers relay client metrics on the registry.
func NewClientObserver(reg *prometheus.Registry) *ClientObserver {
	o := &ClientObserver{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2erelay_client_calls_total",
			Help: "Relay client calls by operation and result.",
		}, []string{"op", "result"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "e2erelay_client_call_latency_seconds",
			Help:    "Relay client call latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(o.calls, o.callLatency)
	return o
}

func (o *ClientObserver) Call(op observability.ClientOp, result observability.ClientResult, d time.Duration) {
	o.calls.WithLabelValues(string(op), string(result)).Inc()
	o.callLatency.WithLabelValues(string(op)).Observe(d.Seconds())
}
