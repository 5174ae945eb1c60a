// Package memory implements an in-process lease gateway and a static
// membership provider. Controllers sharing one Gateway compete exactly as they
// would against an external store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"k8s.io/utils/clock"
)

// Compile-time check that Gateway implements election.LeaseGateway.
var _ election.LeaseGateway = (*Gateway)(nil)

type lease struct {
	holder        string
	renewTime     time.Time
	leaseDuration time.Duration
	transitions   int
	version       int64
}

// Record is a copy of a stored lease taken at read time.
type Record struct {
	key   string
	lease lease
}

// ResourceVersion returns the lease version.
func (r *Record) ResourceVersion() string {
	return strconv.FormatInt(r.lease.version, 10)
}

// Transitions returns how many times the holder changed.
func (r *Record) Transitions() int {
	return r.lease.transitions
}

// Gateway is a mutex-guarded lease table.
type Gateway struct {
	mu     sync.Mutex
	leases map[string]lease
	clock  clock.PassiveClock
}

// NewGateway creates an empty gateway. A nil clock uses the wall clock.
func NewGateway(clk clock.PassiveClock) *Gateway {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Gateway{leases: make(map[string]lease), clock: clk}
}

func leaseKey(namespace, name, group string) string {
	return namespace + "/" + name + "/" + group
}

// Fetch returns a copy of the group's lease, or nil.
func (g *Gateway) Fetch(_ context.Context, namespace, name, group string) (election.Record, error) {
	key := leaseKey(namespace, name, group)
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.leases[key]
	if !ok {
		return nil, nil
	}
	return &Record{key: key, lease: l}, nil
}

// Create stores a new lease unless one exists.
func (g *Gateway) Create(_ context.Context, namespace, name string, info election.LeaderInfo) (election.Record, error) {
	key := leaseKey(namespace, name, info.Group())
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.leases[key]; ok {
		return nil, fmt.Errorf("failed to create lease %s: %w", key, election.ErrConflict)
	}
	l := lease{
		holder:        info.Leader(),
		renewTime:     info.AcquireTime(),
		leaseDuration: info.LeaseDuration(),
		version:       1,
	}
	g.leases[key] = l
	return &Record{key: key, lease: l}, nil
}

// Decode converts a record into a LeaderInfo.
func (g *Gateway) Decode(rec election.Record, members []string, group string) election.LeaderInfo {
	l := rec.(*Record).lease
	return election.NewLeaderInfo(group, l.holder, l.renewTime, l.leaseDuration, members)
}

// Acquire replaces the holder if the version is unchanged.
func (g *Gateway) Acquire(_ context.Context, rec election.Record, info election.LeaderInfo) (election.Record, error) {
	return g.swap(rec.(*Record), "acquire", func(l *lease) {
		if l.holder != info.Leader() {
			l.transitions++
		}
		l.holder = info.Leader()
		l.renewTime = info.AcquireTime()
		l.leaseDuration = info.LeaseDuration()
	})
}

// Clear removes the holder if the version is unchanged.
func (g *Gateway) Clear(_ context.Context, rec election.Record, _ string) (election.Record, error) {
	return g.swap(rec.(*Record), "clear", func(l *lease) {
		l.holder = ""
		l.renewTime = time.Time{}
		l.leaseDuration = 0
	})
}

// Renew re-stamps the renew time once renewDeadline has passed since the last renew.
func (g *Gateway) Renew(_ context.Context, rec election.Record, _ string, renewDeadline time.Duration) (election.Record, error) {
	r := rec.(*Record)
	now := g.clock.Now()
	if r.lease.renewTime.Add(renewDeadline).After(now) {
		return rec, nil
	}
	return g.swap(r, "renew", func(l *lease) {
		l.renewTime = now
	})
}

func (g *Gateway) swap(r *Record, op string, mutate func(*lease)) (election.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	current, ok := g.leases[r.key]
	if !ok || current.version != r.lease.version {
		return nil, fmt.Errorf("failed to %s lease %s: %w", op, r.key, election.ErrConflict)
	}
	next := current
	mutate(&next)
	next.version++
	g.leases[r.key] = next
	return &Record{key: r.key, lease: next}, nil
}

// StaticMembership returns a settable member set regardless of namespace and selector.
type StaticMembership struct {
	mu      sync.RWMutex
	members []string
	err     error
}

// Compile-time check that StaticMembership implements election.MembershipProvider.
var _ election.MembershipProvider = (*StaticMembership)(nil)

// NewStaticMembership creates a provider returning members.
func NewStaticMembership(members ...string) *StaticMembership {
	return &StaticMembership{members: slices.Clone(members)}
}

// Set replaces the member set.
func (s *StaticMembership) Set(members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = slices.Clone(members)
}

// SetError makes ListHealthyMembers fail with err until cleared with nil.
func (s *StaticMembership) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// ListHealthyMembers returns the current set.
func (s *StaticMembership) ListHealthyMembers(context.Context, string, string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := slices.Clone(s.members)
	if out == nil {
		out = []string{}
	}
	return out, nil
}
