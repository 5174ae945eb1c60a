// Package notify turns the controller's periodic leadership view into
// deduplicated change events.
package notify

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/logging"
	"k8s.io/utils/clock"
)

var _ election.Notifier = (*TimedNotifier)(nil)

type eventKind int

const (
	kindMembers eventKind = iota
	kindLeader
)

type event struct {
	kind    eventKind
	leader  string
	members []string
}

// TimedNotifier dedupes leadership refreshes and expires a reported leader
// once its validity window passes without a further refresh.
//
// Events are delivered in order on a dedicated goroutine so a slow handler
// never blocks the election loop.
type TimedNotifier struct {
	group   string
	handler EventHandler
	clock   clock.WithDelayedExecution
	log     *logging.Logger

	mu       sync.Mutex
	leader   string
	members  []string
	seen     bool
	version  uint64
	expiry   clock.Timer
	pending  []event
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// NotifierOption configures a TimedNotifier.
type NotifierOption func(*TimedNotifier)

// WithNotifierClock replaces the wall clock.
func WithNotifierClock(clk clock.WithDelayedExecution) NotifierOption {
	return func(n *TimedNotifier) { n.clock = clk }
}

// NewTimedNotifier creates a notifier for group delivering to handler.
func NewTimedNotifier(group string, handler EventHandler, opts ...NotifierOption) *TimedNotifier {
	n := &TimedNotifier{
		group:   group,
		handler: handler,
		clock:   clock.RealClock{},
		log:     logging.WithComponent(logging.LogTypeNotify, "timed").With(logging.KeyGroup, group),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start launches the delivery goroutine.
func (n *TimedNotifier) Start(ctx context.Context) {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()

	go n.deliver(ctx)
}

// Stop cancels the expiry timer and waits for queued events to drain.
func (n *TimedNotifier) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		if n.expiry != nil {
			n.expiry.Stop()
			n.expiry = nil
		}
		n.version++
		started := n.started
		n.mu.Unlock()

		close(n.stop)
		if started {
			<-n.done
		}
	})
}

// Current returns the last leader and members emitted.
func (n *TimedNotifier) Current() (string, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader, slices.Clone(n.members)
}

// Refresh records the latest view. A leader change or membership change is
// queued for delivery, members first. A non-empty leader expires at
// observedAt+validity unless refreshed again; one already past that point is
// reported as no leader.
func (n *TimedNotifier) Refresh(leader string, observedAt time.Time, validity time.Duration, members []string) {
	members = election.NormalizeMembers(members)

	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.stop:
		return
	default:
	}

	remaining := observedAt.Add(validity).Sub(n.clock.Now())
	if remaining <= 0 {
		leader = ""
	}

	if !n.seen || !slices.Equal(n.members, members) {
		n.members = members
		n.enqueue(event{kind: kindMembers, members: slices.Clone(members)})
	}
	if !n.seen || n.leader != leader {
		n.leader = leader
		n.enqueue(event{kind: kindLeader, leader: leader})
	}
	n.seen = true

	n.version++
	if n.expiry != nil {
		n.expiry.Stop()
		n.expiry = nil
	}
	if leader == "" {
		return
	}

	version := n.version
	n.expiry = n.clock.AfterFunc(remaining, func() { n.expire(version) })
}

func (n *TimedNotifier) expire(version uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if version != n.version {
		return
	}
	n.expiry = nil
	if n.leader == "" {
		return
	}
	n.log.Info("leader validity expired without refresh", logging.KeyLeader, n.leader)
	n.leader = ""
	n.enqueue(event{kind: kindLeader})
}

func (n *TimedNotifier) enqueue(ev event) {
	n.pending = append(n.pending, ev)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *TimedNotifier) deliver(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-n.wake:
			n.flush(ctx)
		case <-n.stop:
			n.flush(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (n *TimedNotifier) flush(ctx context.Context) {
	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, ev := range batch {
		n.dispatch(ctx, ev)
	}
}

func (n *TimedNotifier) dispatch(ctx context.Context, ev event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("event handler panicked", logging.KeyError, r)
		}
	}()
	switch ev.kind {
	case kindMembers:
		n.handler.MembersChanged(ctx, n.group, ev.members)
	case kindLeader:
		n.handler.LeadershipChanged(ctx, n.group, ev.leader)
	}
}
