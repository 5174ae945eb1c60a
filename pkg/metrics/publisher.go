// Package metrics provides election metrics publishing abstractions and implementations.
package metrics

import (
	"context"

	"github.com/Shavakan/fleet-elector/pkg/election"
)

// Event alert types accepted by PublishEvent.
const (
	AlertInfo    = "info"
	AlertWarning = "warning"
	AlertError   = "error"
	AlertSuccess = "success"
)

// Publisher defines the interface for publishing metrics to various backends.
type Publisher interface {
	election.Metrics

	// Close releases any resources held by the publisher.
	// Implementations that don't need cleanup should return nil.
	Close() error

	// PublishEvent publishes a notable event such as a leadership change.
	// alertType: "info", "warning", "error", "success"
	PublishEvent(ctx context.Context, title, text, alertType string, tags []string) error
}

// NoopPublisher is a no-op implementation of Publisher for testing or disabled metrics.
// All methods are documented on the Publisher interface.
type NoopPublisher struct{}

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) Close() error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishStateTransition(context.Context, string, string, string) error {
	return nil
}

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishLeadershipState(context.Context, string, bool) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishAcquireAttempt(context.Context, string, bool) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishLookupFailure(context.Context, string, string) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishLeaseWriteConflict(context.Context, string, string) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishEvent(context.Context, string, string, string, []string) error {
	return nil
}

// Ensure NoopPublisher implements Publisher.
var _ Publisher = NoopPublisher{}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
