// Package metrics exports billing coordinator activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/code-payments/flipchat-billing/billing"
)

const namespace = "billing"

// Collector is a billing.Observer backed by Prometheus metrics.
type Collector struct {
	started    *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	deliveries prometheus.Counter
	fanOuts    prometheus.Counter
	listeners  prometheus.Gauge
}

// NewCollector creates the billing metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Asynchronous operations accepted by the provider.",
		}, []string{"operation"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Operations rejected because another operation was in flight.",
		}, []string{"operation"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_deliveries_total",
			Help:      "Inventory outcomes delivered to listeners.",
		}),
		fanOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_fanouts_total",
			Help:      "Inventory outcomes fanned out to the listener registry.",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Registered inventory listeners.",
		}),
	}

	for _, collector := range []prometheus.Collector{c.started, c.rejected, c.deliveries, c.fanOuts, c.listeners} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Collector) OnOperationStarted(op billing.Operation) {
	c.started.WithLabelValues(op.String()).Inc()
}

func (c *Collector) OnOperationRejected(op billing.Operation) {
	c.rejected.WithLabelValues(op.String()).Inc()
}

func (c *Collector) OnFanOut(delivered int) {
	c.fanOuts.Inc()
	c.deliveries.Add(float64(delivered))
}

func (c *Collector) OnListenersChanged(n int) {
	c.listeners.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
