package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/logging"
)

const publishTimeout = 5 * time.Second

var metricsLog = logging.WithComponent(logging.LogTypeMetrics, "multi")

// MultiPublisher publishes metrics to multiple backends simultaneously.
// All Publisher interface methods are documented on the Publisher interface.
type MultiPublisher struct {
	publishers []Publisher
	timeout    time.Duration
}

// Ensure MultiPublisher implements Publisher.
var _ Publisher = (*MultiPublisher)(nil)

// NewMultiPublisher creates a publisher that fans out to multiple backends.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers, timeout: publishTimeout}
}

// Add adds a publisher to the fan-out list.
func (m *MultiPublisher) Add(p Publisher) {
	m.publishers = append(m.publishers, p)
}

// Publishers returns the list of configured publishers.
func (m *MultiPublisher) Publishers() []Publisher {
	return m.publishers
}

// Close closes all child publishers.
func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) publishAll(fn func(p Publisher) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, p := range m.publishers {
		wg.Add(1)
		go func(pub Publisher) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() {
				done <- fn(pub)
			}()
			select {
			case err := <-done:
				if err != nil {
					metricsLog.Warn("metrics publish error", logging.KeyError, err.Error())
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			case <-time.After(m.timeout):
				metricsLog.Warn("metrics publish timeout", logging.KeyDuration, m.timeout.Milliseconds())
				mu.Lock()
				errs = append(errs, fmt.Errorf("publish timeout after %v", m.timeout))
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (m *MultiPublisher) PublishStateTransition(ctx context.Context, group, from, to string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishStateTransition(ctx, group, from, to)
	})
}

func (m *MultiPublisher) PublishLeadershipState(ctx context.Context, group string, isLeader bool) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishLeadershipState(ctx, group, isLeader)
	})
}

func (m *MultiPublisher) PublishAcquireAttempt(ctx context.Context, group string, success bool) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishAcquireAttempt(ctx, group, success)
	})
}

func (m *MultiPublisher) PublishLookupFailure(ctx context.Context, group, source string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishLookupFailure(ctx, group, source)
	})
}

func (m *MultiPublisher) PublishLeaseWriteConflict(ctx context.Context, group, operation string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishLeaseWriteConflict(ctx, group, operation)
	})
}

func (m *MultiPublisher) PublishEvent(ctx context.Context, title, text, alertType string, tags []string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishEvent(ctx, title, text, alertType, tags)
	})
}
