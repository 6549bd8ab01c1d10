// Package metrics provides Prometheus metrics collection for vmkit.
package metrics

import (
	"time"

	"github.com/artpar/vmkit/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vmkit"

// Collector holds all Prometheus metrics for vmkit.
type Collector struct {
	// HTTP API metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Instance metrics
	InstancesCreated *prometheus.CounterVec
	InstancesActive  *prometheus.GaugeVec

	// Call metrics
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Messaging metrics
	MessagesPublished       *prometheus.CounterVec
	MessagesDelivered       *prometheus.CounterVec
	MessagingConfigurations *prometheus.CounterVec
	RouteSubscriptions      *prometheus.GaugeVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of API requests currently being processed",
			},
		),

		InstancesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_created_total",
				Help:      "Total number of view-model instances constructed",
			},
			[]string{"class"},
		),
		InstancesActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_active",
				Help:      "Number of live view-model instances",
			},
			[]string{"class"},
		),

		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of settled remote calls",
			},
			[]string{"class", "kind", "method", "outcome"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Remote call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind", "method"},
		),

		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of messages published on the bus",
			},
			[]string{"channel"},
		),
		MessagesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_delivered_total",
				Help:      "Total number of message deliveries to subscribers",
			},
			[]string{"channel"},
		),
		MessagingConfigurations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messaging_configurations_total",
				Help:      "Total number of messaging (re)configurations",
			},
			[]string{"class"},
		),
		RouteSubscriptions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "route_subscriptions",
				Help:      "Inbound route subscriptions installed by the last configuration of a class",
			},
			[]string{"class"},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// InstanceCreated records a constructed instance.
func (c *Collector) InstanceCreated(class string) {
	c.InstancesCreated.WithLabelValues(class).Inc()
	c.InstancesActive.WithLabelValues(class).Inc()
}

// InstanceClosed records a closed instance.
func (c *Collector) InstanceClosed(class string) {
	c.InstancesActive.WithLabelValues(class).Dec()
}

// CallSettled records a settled remote call.
func (c *Collector) CallSettled(class, kind, method string, ok bool, elapsed time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.CallsTotal.WithLabelValues(class, kind, method, outcome).Inc()
	c.CallDuration.WithLabelValues(kind, method).Observe(elapsed.Seconds())
}

// MessagingConfigured records a messaging (re)configuration.
func (c *Collector) MessagingConfigured(class string, subscriptions int) {
	c.MessagingConfigurations.WithLabelValues(class).Inc()
	c.RouteSubscriptions.WithLabelValues(class).Set(float64(subscriptions))
}

// Published records a bus publish and its deliveries.
// Its signature matches the in-process bus hook.
func (c *Collector) Published(env ports.Envelope, delivered int) {
	c.MessagesPublished.WithLabelValues(env.Channel).Inc()
	c.MessagesDelivered.WithLabelValues(env.Channel).Add(float64(delivered))
}

// Reloaded records a config reload attempt.
func (c *Collector) Reloaded(err error) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}
