package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultPrometheusNamespace = "fleet_elector"

// PrometheusPublisher publishes metrics to Prometheus via /metrics endpoint.
// All Publisher interface methods are documented on the Publisher interface.
type PrometheusPublisher struct {
	registry *prometheus.Registry

	stateTransitions    *prometheus.CounterVec
	leader              *prometheus.GaugeVec
	acquireAttempts     *prometheus.CounterVec
	lookupFailures      *prometheus.CounterVec
	leaseWriteConflicts *prometheus.CounterVec
	events              *prometheus.CounterVec
}

// Ensure PrometheusPublisher implements Publisher.
var _ Publisher = (*PrometheusPublisher)(nil)

// PrometheusConfig holds configuration for the Prometheus publisher.
type PrometheusConfig struct {
	Namespace string
}

// NewPrometheusPublisher creates a Prometheus metrics publisher.
func NewPrometheusPublisher(cfg PrometheusConfig) *PrometheusPublisher {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultPrometheusNamespace
	}

	registry := prometheus.NewRegistry()

	p := &PrometheusPublisher{
		registry: registry,

		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of election state transitions",
		}, []string{"group", "from", "to"}),
		leader: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "is_leader",
			Help:      "1 when this instance leads the group, 0 otherwise",
		}, []string{"group"}),
		acquireAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "acquire_attempts_total",
			Help:      "Total number of lease acquisition attempts",
		}, []string{"group", "success"}),
		lookupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "lookup_failures_total",
			Help:      "Total number of failed lease or membership lookups",
		}, []string{"group", "source"}),
		leaseWriteConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "lease_write_conflicts_total",
			Help:      "Total number of lease writes rejected by a concurrent change",
		}, []string{"group", "operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "events_total",
			Help:      "Total number of published events",
		}, []string{"alert_type"}),
	}

	registry.MustRegister(
		p.stateTransitions,
		p.leader,
		p.acquireAttempts,
		p.lookupFailures,
		p.leaseWriteConflicts,
		p.events,
	)

	return p
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (p *PrometheusPublisher) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry for custom integrations.
func (p *PrometheusPublisher) Registry() *prometheus.Registry {
	return p.registry
}

// Close implements Publisher.Close. Prometheus doesn't require cleanup.
func (p *PrometheusPublisher) Close() error {
	return nil
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (p *PrometheusPublisher) PublishStateTransition(_ context.Context, group, from, to string) error { //nolint:revive
	p.stateTransitions.WithLabelValues(group, from, to).Inc()
	return nil
}

func (p *PrometheusPublisher) PublishLeadershipState(_ context.Context, group string, isLeader bool) error { //nolint:revive
	v := 0.0
	if isLeader {
		v = 1
	}
	p.leader.WithLabelValues(group).Set(v)
	return nil
}

func (p *PrometheusPublisher) PublishAcquireAttempt(_ context.Context, group string, success bool) error { //nolint:revive
	p.acquireAttempts.WithLabelValues(group, boolLabel(success)).Inc()
	return nil
}

func (p *PrometheusPublisher) PublishLookupFailure(_ context.Context, group, source string) error { //nolint:revive
	p.lookupFailures.WithLabelValues(group, source).Inc()
	return nil
}

func (p *PrometheusPublisher) PublishLeaseWriteConflict(_ context.Context, group, operation string) error { //nolint:revive
	p.leaseWriteConflicts.WithLabelValues(group, operation).Inc()
	return nil
}

// PublishEvent counts events by alert type. Prometheus has no event stream.
func (p *PrometheusPublisher) PublishEvent(_ context.Context, _, _, alertType string, _ []string) error { //nolint:revive
	p.events.WithLabelValues(alertType).Inc()
	return nil
}
