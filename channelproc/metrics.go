package channelproc

// metrics.go wires Prometheus counters/histograms into the channel
// processor: messages received by type, RX notifications emitted,
// drops by error kind, and propagation-engine evaluation latency.
// Registration reuses an existing collector on
// AlreadyRegisteredError so repeated bootstrap against one registry
// is harmless.

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the processor's Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	MessagesTotal  *prometheus.CounterVec // labels: type
	RXEmittedTotal prometheus.Counter
	DropsTotal     *prometheus.CounterVec // labels: kind
	EvalDuration   prometheus.Histogram
	LastHeartbeat  *prometheus.GaugeVec // labels: rank
}

// NewMetrics registers the processor's collectors against reg,
// defaulting to the global Prometheus registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wifichan_messages_total",
		Help: "Total messages received by the channel processor, labeled by message type.",
	}, []string{"type"})
	messages, err := registerCounterVec(reg, messages, "wifichan_messages_total")
	if err != nil {
		return nil, err
	}

	rxEmitted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wifichan_rx_notifications_total",
		Help: "Total RX_NOTIFICATION messages emitted.",
	}), "wifichan_rx_notifications_total")
	if err != nil {
		return nil, err
	}

	drops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wifichan_drops_total",
		Help: "Total non-fatal drops, labeled by ErrorKind.",
	}, []string{"kind"})
	drops, err = registerCounterVec(reg, drops, "wifichan_drops_total")
	if err != nil {
		return nil, err
	}

	evalDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wifichan_propagation_eval_seconds",
		Help:    "Propagation engine evaluation latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}), "wifichan_propagation_eval_seconds")
	if err != nil {
		return nil, err
	}

	lastHeartbeat := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wifichan_last_heartbeat_seconds",
		Help: "Simulation time, in seconds, of the last heartbeat observed from a device rank.",
	}, []string{"rank"})
	lastHeartbeat, err = registerGaugeVec(reg, lastHeartbeat, "wifichan_last_heartbeat_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:       gatherer,
		MessagesTotal:  messages,
		RXEmittedTotal: rxEmitted,
		DropsTotal:     drops,
		EvalDuration:   evalDuration,
		LastHeartbeat:  lastHeartbeat,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (m *Metrics) Handler() http.Handler {
	gatherer := m.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
