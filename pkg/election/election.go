// Package election implements lease-based leader election for a dynamic set of
// candidate members.
//
// A Controller competes for one lease record per group through a LeaseGateway,
// discovers candidates through a MembershipProvider and reports what it observes
// to a Notifier. Safety relies entirely on the gateway's optimistic writes: every
// write is conditioned on the resource version read alongside the record, and
// only one writer can win per version.
package election

import (
	"context"
	"errors"
	"time"
)

// ErrConflict reports that a conditional write lost the optimistic race: the
// record changed (or was created) since it was read. Gateways wrap their
// store-native conflict errors with it.
var ErrConflict = errors.New("lease record changed concurrently")

// Record is an opaque lease record owned by the external store.
type Record interface {
	// ResourceVersion returns the optimistic-concurrency token read with the record.
	ResourceVersion() string
}

// LeaseGateway fetches and conditionally mutates lease records.
//
// All writes must be conditioned on the version of the record passed in, never
// blind overwrites.
type LeaseGateway interface {
	// Fetch returns the lease record for group, or nil with a nil error when
	// no record exists yet.
	Fetch(ctx context.Context, namespace, name, group string) (Record, error)

	// Create writes a new record carrying info. Returns an error wrapping
	// ErrConflict when the record already exists.
	Create(ctx context.Context, namespace, name string, info LeaderInfo) (Record, error)

	// Decode derives the LeaderInfo stored in rec for group. Must be pure.
	Decode(rec Record, members []string, group string) LeaderInfo

	// Acquire swaps in info as the group's leader.
	Acquire(ctx context.Context, rec Record, info LeaderInfo) (Record, error)

	// Clear removes the group's leadership fields from rec.
	Clear(ctx context.Context, rec Record, group string) (Record, error)

	// Renew re-stamps the renew time of the group's lease. When the last renew
	// is younger than renewDeadline the record is returned unchanged. A zero
	// renewDeadline always writes.
	Renew(ctx context.Context, rec Record, group string, renewDeadline time.Duration) (Record, error)
}

// MembershipProvider lists the identities currently eligible for leadership.
type MembershipProvider interface {
	// ListHealthyMembers returns running and ready candidates. An empty result
	// is valid.
	ListHealthyMembers(ctx context.Context, namespace, selector string) ([]string, error)
}

// Notifier receives the leadership view computed on every successful cycle.
// Implementations dedupe and must not block the caller for long.
type Notifier interface {
	// Refresh reports leader ("" for none) as valid for validity from observedAt.
	Refresh(leader string, observedAt time.Time, validity time.Duration, members []string)
}

// Metrics receives controller events.
type Metrics interface {
	PublishStateTransition(ctx context.Context, group, from, to string) error
	PublishLeadershipState(ctx context.Context, group string, isLeader bool) error
	PublishAcquireAttempt(ctx context.Context, group string, success bool) error
	PublishLookupFailure(ctx context.Context, group, source string) error
	PublishLeaseWriteConflict(ctx context.Context, group, operation string) error
}

type noopMetrics struct{}

func (noopMetrics) PublishStateTransition(context.Context, string, string, string) error { return nil }
func (noopMetrics) PublishLeadershipState(context.Context, string, bool) error           { return nil }
func (noopMetrics) PublishAcquireAttempt(context.Context, string, bool) error            { return nil }
func (noopMetrics) PublishLookupFailure(context.Context, string, string) error           { return nil }
func (noopMetrics) PublishLeaseWriteConflict(context.Context, string, string) error      { return nil }

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(leader string, observedAt time.Time, validity time.Duration, members []string)

// Refresh calls f.
func (f NotifierFunc) Refresh(leader string, observedAt time.Time, validity time.Duration, members []string) {
	f(leader, observedAt, validity, members)
}
