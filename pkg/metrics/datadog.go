package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

const defaultDatadogNamespace = "fleet_elector"

// DatadogPublisher publishes metrics to Datadog via DogStatsD.
// All Publisher interface methods are documented on the Publisher interface.
type DatadogPublisher struct {
	client    statsd.ClientInterface
	namespace string
	tags      []string
}

// Ensure DatadogPublisher implements Publisher.
var _ Publisher = (*DatadogPublisher)(nil)

// DatadogConfig holds configuration for the Datadog publisher.
type DatadogConfig struct {
	// Address is the DogStatsD address (default: "127.0.0.1:8125")
	Address string
	// Namespace is the metric namespace prefix (default: "fleet_elector")
	Namespace string
	// Tags are global tags applied to all metrics
	Tags []string

	// BufferFlushInterval configures flush interval (0 = library default of 100ms)
	BufferFlushInterval time.Duration
}

// NewDatadogPublisher creates a Datadog metrics publisher using DogStatsD.
func NewDatadogPublisher(cfg DatadogConfig) (*DatadogPublisher, error) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8125"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultDatadogNamespace
	}

	opts := []statsd.Option{
		statsd.WithNamespace(cfg.Namespace + "."),
		statsd.WithTags(cfg.Tags),
	}
	if cfg.BufferFlushInterval > 0 {
		opts = append(opts, statsd.WithBufferFlushInterval(cfg.BufferFlushInterval))
	}

	client, err := statsd.New(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create DogStatsD client: %w", err)
	}

	return newDatadogPublisherWithClient(client, cfg.Namespace, cfg.Tags), nil
}

func newDatadogPublisherWithClient(client statsd.ClientInterface, namespace string, tags []string) *DatadogPublisher {
	return &DatadogPublisher{
		client:    client,
		namespace: namespace,
		tags:      tags,
	}
}

// Close closes the DogStatsD client connection.
func (p *DatadogPublisher) Close() error {
	return p.client.Close()
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (p *DatadogPublisher) PublishStateTransition(_ context.Context, group, from, to string) error { //nolint:revive
	return p.client.Incr("state_transition", []string{"group:" + group, "from:" + from, "to:" + to}, 1)
}

func (p *DatadogPublisher) PublishLeadershipState(_ context.Context, group string, isLeader bool) error { //nolint:revive
	v := 0.0
	if isLeader {
		v = 1
	}
	return p.client.Gauge("is_leader", v, []string{"group:" + group}, 1)
}

func (p *DatadogPublisher) PublishAcquireAttempt(_ context.Context, group string, success bool) error { //nolint:revive
	return p.client.Incr("acquire_attempt", []string{"group:" + group, "success:" + boolLabel(success)}, 1)
}

func (p *DatadogPublisher) PublishLookupFailure(_ context.Context, group, source string) error { //nolint:revive
	return p.client.Incr("lookup_failure", []string{"group:" + group, "source:" + source}, 1)
}

func (p *DatadogPublisher) PublishLeaseWriteConflict(_ context.Context, group, operation string) error { //nolint:revive
	return p.client.Incr("lease_write_conflict", []string{"group:" + group, "operation:" + operation}, 1)
}

// PublishEvent publishes a Datadog event.
func (p *DatadogPublisher) PublishEvent(_ context.Context, title, text, alertType string, tags []string) error { //nolint:revive
	var ddAlertType statsd.EventAlertType
	switch alertType {
	case AlertWarning:
		ddAlertType = statsd.Warning
	case AlertError:
		ddAlertType = statsd.Error
	case AlertSuccess:
		ddAlertType = statsd.Success
	default:
		ddAlertType = statsd.Info
	}

	allTags := make([]string, 0, len(p.tags)+len(tags))
	allTags = append(allTags, p.tags...)
	allTags = append(allTags, tags...)

	return p.client.Event(&statsd.Event{
		Title:     title,
		Text:      text,
		AlertType: ddAlertType,
		Tags:      allTags,
	})
}
