package election

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/logging"
	"github.com/Shavakan/fleet-elector/pkg/tracing"
	"k8s.io/utils/clock"
)

// snapshot is the most recent successful lookup. The record, members and
// decoded info always describe the same read.
type snapshot struct {
	record  Record
	members []string
	info    LeaderInfo
}

func (s *snapshot) hasMember(id string) bool {
	_, found := slices.BinarySearch(s.members, id)
	return found
}

// resume tells the run loop when to execute the next step. A hold window is
// never shortened by SetDisabled; then runs once the wait elapses.
type resume struct {
	delay time.Duration
	hold  bool
	then  func(ctx context.Context)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithMetrics publishes controller events to m.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRandom replaces the uniform [0, 1) source used for jitter.
func WithRandom(fn func() float64) Option {
	return func(c *Controller) { c.random = fn }
}

// WithLogger replaces the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller runs the leadership state machine for one group and identity.
//
// All refresh steps execute on a single goroutine started by Start. State,
// Snapshot and IsLeader may be called from any goroutine.
type Controller struct {
	cfg      Config
	gateway  LeaseGateway
	members  MembershipProvider
	notifier Notifier
	metrics  Metrics
	clock    clock.Clock
	random   func() float64
	log      *logging.Logger
	tracer   *tracing.ElectionTracer

	state    atomic.Int32
	disabled atomic.Bool
	latest   atomic.Pointer[snapshot]
	kick     chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a controller. The configuration is validated.
func New(cfg Config, gateway LeaseGateway, members MembershipProvider, notifier Notifier, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid election config for group %q: %w", cfg.Group, err)
	}
	if gateway == nil {
		return nil, errors.New("lease gateway is required")
	}
	if members == nil {
		return nil, errors.New("membership provider is required")
	}
	if notifier == nil {
		notifier = NotifierFunc(func(string, time.Time, time.Duration, []string) {})
	}

	c := &Controller{
		cfg:      cfg,
		gateway:  gateway,
		members:  members,
		notifier: notifier,
		metrics:  noopMetrics{},
		clock:    clock.RealClock{},
		random:   rand.Float64,
		tracer:   tracing.NewElectionTracer(),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.WithComponent(logging.LogTypeElection, "controller").With(
			logging.KeyGroup, cfg.Group,
			logging.KeyIdentity, cfg.Identity,
		)
	}
	c.disabled.Store(cfg.Disabled)
	return c, nil
}

// Group returns the election group.
func (c *Controller) Group() string { return c.cfg.Group }

// Identity returns the identity competing for leadership.
func (c *Controller) Identity() string { return c.cfg.Identity }

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// IsLeader reports whether the controller is in the LEADER state.
func (c *Controller) IsLeader() bool {
	return c.State() == StateLeader
}

// Disabled reports whether the controller refuses to acquire leadership.
func (c *Controller) Disabled() bool {
	return c.disabled.Load()
}

// SetDisabled toggles participation. A change interrupts a pending retry wait
// so that a leader starts stepping down promptly; hold windows run to the end.
func (c *Controller) SetDisabled(disabled bool) {
	if c.disabled.Swap(disabled) == disabled {
		return
	}
	c.log.Info("participation changed", logging.KeyAction, disabledAction(disabled))
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func disabledAction(disabled bool) string {
	if disabled {
		return "disable"
	}
	return "enable"
}

// Start launches the refresh loop in a background goroutine. It is a no-op
// when the loop is already running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}
	select {
	case <-c.kick:
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		c.Run(runCtx)
	}()

	c.log.Info("election controller started",
		logging.KeyState, c.State().String(),
		logging.KeyNamespace, c.cfg.Namespace,
		logging.KeyResource, c.cfg.ResourceName,
	)
	return nil
}

// Stop cancels the refresh loop and waits for it to exit. The external lease
// is not released; it expires naturally.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		c.log.Info("election controller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for election loop of group %q: %w", c.cfg.Group, ctx.Err())
	}
}

// Run executes refresh steps until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	for ctx.Err() == nil {
		r := c.refresh(ctx)
		if !c.wait(ctx, r) {
			return
		}
		if r.then != nil {
			r.then(ctx)
		}
	}
}

func (c *Controller) wait(ctx context.Context, r resume) bool {
	if r.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := c.clock.NewTimer(r.delay)
	defer timer.Stop()

	var kick <-chan struct{}
	if !r.hold {
		kick = c.kick
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	case <-kick:
		return true
	}
}

func (c *Controller) refresh(ctx context.Context) resume {
	state := c.State()
	ctx, span := c.tracer.StartRefreshSpan(ctx, c.cfg.Group, c.cfg.Identity, state.String())
	defer span.End()

	switch state {
	case StateNotLeader:
		return c.refreshNotLeader(ctx)
	case StateBecomingLeader:
		return c.refreshBecomingLeader()
	case StateLeader:
		return c.refreshLeader(ctx)
	case StateLosingLeadership:
		return c.refreshLosingLeadership()
	case StateLeadershipLost:
		return c.refreshLeadershipLost(ctx)
	default:
		panic(fmt.Sprintf("election: unsupported state %s", state))
	}
}

func (c *Controller) refreshNotLeader(ctx context.Context) resume {
	if !c.lookupLeaderInfo(ctx) {
		return c.afterJitter()
	}

	info := c.latest.Load().info
	now := c.clock.Now()

	switch {
	case info.HasEmptyLeader():
		c.log.Info("no leader recorded, trying to acquire leadership")
		if c.tryAcquireLeadership(ctx) {
			c.log.Info("leadership acquired with immediate effect")
			c.transition(ctx, StateLeader)
			return resume{}
		}
		c.log.Debug("unable to acquire leadership")
	case !info.HasValidLeader(now):
		c.log.Info("leadership expired, trying to acquire", logging.KeyLeader, info.Leader())
		if c.tryAcquireLeadership(ctx) {
			c.log.Info("leadership acquired, effective after lease duration",
				logging.KeyDuration, c.cfg.LeaseDuration.String())
			c.transition(ctx, StateBecomingLeader)
			return resume{}
		}
		c.log.Debug("unable to acquire leadership")
	case info.IsValidLeader(c.cfg.Identity, now):
		c.log.Info("this identity already holds the lease, becoming leader")
		c.transition(ctx, StateBecomingLeader)
		return resume{}
	}

	info = c.latest.Load().info
	now = c.clock.Now()
	leader := ""
	if info.HasValidLeader(now) {
		leader = info.Leader()
	}
	c.notifier.Refresh(leader, now, c.cfg.LeaseDuration, info.Members())
	return c.afterJitter()
}

func (c *Controller) refreshBecomingLeader() resume {
	c.log.Info("holding before taking leadership", logging.KeyDuration, c.cfg.LeaseDuration.String())
	return resume{
		delay: c.cfg.LeaseDuration,
		hold:  true,
		then: func(ctx context.Context) {
			if !c.restampLease(ctx) {
				c.log.Warn("lease changed while holding, leadership not taken")
				c.transition(ctx, StateNotLeader)
				return
			}
			c.transition(ctx, StateLeader)
		},
	}
}

func (c *Controller) refreshLeader(ctx context.Context) resume {
	if c.disabled.Load() {
		c.log.Info("participation disabled, stepping down")
		c.transition(ctx, StateLosingLeadership)
		return resume{}
	}

	observedAt := c.clock.Now()
	if !c.lookupLeaderInfo(ctx) {
		return c.afterJitter()
	}

	snap := c.latest.Load()
	if snap.info.IsValidLeader(c.cfg.Identity, c.clock.Now()) {
		c.notifier.Refresh(c.cfg.Identity, observedAt, c.cfg.RenewDeadline, snap.info.Members())
		c.renewLeadership(ctx, snap)
		return c.afterJitter()
	}

	c.log.Warn("leadership lost", logging.KeyLeader, snap.info.Leader())
	c.transition(ctx, StateNotLeader)
	c.notifier.Refresh("", c.clock.Now(), c.cfg.LeaseDuration, snap.info.Members())
	return resume{}
}

func (c *Controller) refreshLosingLeadership() resume {
	c.log.Info("holding before releasing leadership", logging.KeyDuration, c.cfg.LeaseDuration.String())
	return resume{
		delay: c.cfg.LeaseDuration,
		hold:  true,
		then: func(ctx context.Context) {
			if !c.restampLease(ctx) {
				c.log.Info("lease changed while holding, nothing to release")
				c.transition(ctx, StateNotLeader)
				return
			}
			c.transition(ctx, StateLeadershipLost)
		},
	}
}

func (c *Controller) refreshLeadershipLost(ctx context.Context) resume {
	if !c.lookupLeaderInfo(ctx) {
		return c.afterJitter()
	}

	if !c.latest.Load().hasMember(c.cfg.Identity) {
		c.log.Info("identity no longer listed as member, treating lease as yielded")
		c.transition(ctx, StateNotLeader)
		return resume{}
	}

	if !c.yieldLeadership(ctx) {
		return c.afterJitter()
	}

	c.log.Info("leadership released")
	c.transition(ctx, StateNotLeader)
	return resume{}
}

// lookupLeaderInfo fetches the lease record and the healthy members and
// replaces the cached snapshot. On failure the previous snapshot is kept.
func (c *Controller) lookupLeaderInfo(ctx context.Context) bool {
	rec, err := c.gateway.Fetch(ctx, c.cfg.Namespace, c.cfg.ResourceName, c.cfg.Group)
	if err != nil {
		c.log.Warn("unable to retrieve lease record", logging.KeyError, err)
		tracing.RecordError(ctx, err)
		c.publish(func() error { return c.metrics.PublishLookupFailure(ctx, c.cfg.Group, "lease") })
		return false
	}

	members, err := c.members.ListHealthyMembers(ctx, c.cfg.Namespace, c.cfg.LabelSelector)
	if err != nil {
		c.log.Warn("unable to retrieve members", logging.KeyError, err, logging.KeySelector, c.cfg.LabelSelector)
		tracing.RecordError(ctx, err)
		c.publish(func() error { return c.metrics.PublishLookupFailure(ctx, c.cfg.Group, "members") })
		return false
	}

	c.updateLatest(rec, members)
	return true
}

func (c *Controller) updateLatest(rec Record, members []string) {
	members = NormalizeMembers(members)
	var info LeaderInfo
	if rec != nil {
		info = c.gateway.Decode(rec, members, c.cfg.Group)
	} else {
		info = NewLeaderInfo(c.cfg.Group, "", time.Time{}, 0, members)
	}
	c.latest.Store(&snapshot{record: rec, members: members, info: info})
}

func (c *Controller) tryAcquireLeadership(ctx context.Context) bool {
	if c.disabled.Load() {
		c.log.Debug("participation disabled, not acquiring leadership")
		return false
	}

	snap := c.latest.Load()
	if snap == nil {
		c.log.Warn("no lease snapshot available, cannot acquire leadership")
		return false
	}
	if !snap.hasMember(c.cfg.Identity) {
		c.log.Warn("identity is not a healthy member, cannot acquire leadership",
			logging.KeyMembers, snap.members)
		return false
	}

	now := c.clock.Now()
	next := NewLeaderInfo(c.cfg.Group, c.cfg.Identity, now, c.cfg.LeaseDuration, snap.members)

	var (
		rec Record
		err error
		op  string
	)
	if snap.record == nil {
		op = "create"
		rec, err = c.gateway.Create(ctx, c.cfg.Namespace, c.cfg.ResourceName, next)
	} else {
		current := c.gateway.Decode(snap.record, snap.members, c.cfg.Group)
		if current.HasValidLeader(now) {
			c.log.Debug("another member holds a valid lease", logging.KeyLeader, current.Leader())
			return false
		}
		op = "acquire"
		rec, err = c.gateway.Acquire(ctx, snap.record, next)
	}

	if err != nil {
		c.logWriteFailure(ctx, op, err)
		c.publish(func() error { return c.metrics.PublishAcquireAttempt(ctx, c.cfg.Group, false) })
		return false
	}

	c.updateLatest(rec, snap.members)
	c.publish(func() error { return c.metrics.PublishAcquireAttempt(ctx, c.cfg.Group, true) })
	return true
}

func (c *Controller) renewLeadership(ctx context.Context, snap *snapshot) {
	if snap.record == nil {
		return
	}
	rec, err := c.gateway.Renew(ctx, snap.record, c.cfg.Group, c.cfg.RenewDeadline)
	if err != nil {
		c.logWriteFailure(ctx, "renew", err)
		return
	}
	c.updateLatest(rec, snap.members)
}

// restampLease renews the cached record regardless of the renew deadline. It
// runs when a hold window ends, since the lease is no longer valid by then.
func (c *Controller) restampLease(ctx context.Context) bool {
	snap := c.latest.Load()
	if snap == nil || snap.record == nil {
		return false
	}
	if snap.info.Leader() != c.cfg.Identity {
		return false
	}
	rec, err := c.gateway.Renew(ctx, snap.record, c.cfg.Group, 0)
	if err != nil {
		c.logWriteFailure(ctx, "renew", err)
		return false
	}
	c.updateLatest(rec, snap.members)
	return true
}

// yieldLeadership releases the lease. It returns true when the lease is
// released or already held by someone else.
func (c *Controller) yieldLeadership(ctx context.Context) bool {
	snap := c.latest.Load()
	if snap == nil {
		c.log.Warn("no lease snapshot available, cannot release leadership")
		return false
	}
	if !snap.hasMember(c.cfg.Identity) {
		c.log.Warn("identity is not a member, cannot release leadership")
		return false
	}
	if snap.record == nil {
		return true
	}

	current := c.gateway.Decode(snap.record, snap.members, c.cfg.Group)
	if !current.IsValidLeader(c.cfg.Identity, c.clock.Now()) {
		c.log.Debug("lease already released or taken over", logging.KeyLeader, current.Leader())
		return true
	}

	rec, err := c.gateway.Clear(ctx, snap.record, c.cfg.Group)
	if err != nil {
		c.logWriteFailure(ctx, "clear", err)
		return false
	}
	c.updateLatest(rec, snap.members)
	return true
}

func (c *Controller) logWriteFailure(ctx context.Context, op string, err error) {
	tracing.RecordError(ctx, err)
	if errors.Is(err, ErrConflict) {
		c.log.Info("lease write lost optimistic race", logging.KeyAction, op, logging.KeyError, err)
		c.publish(func() error { return c.metrics.PublishLeaseWriteConflict(ctx, c.cfg.Group, op) })
		return
	}
	c.log.Warn("lease write failed", logging.KeyAction, op, logging.KeyError, err)
}

func (c *Controller) transition(ctx context.Context, to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.log.Info("state transition",
		logging.KeyFromState, from.String(),
		logging.KeyToState, to.String(),
	)
	c.publish(func() error { return c.metrics.PublishStateTransition(ctx, c.cfg.Group, from.String(), to.String()) })
	c.publish(func() error { return c.metrics.PublishLeadershipState(ctx, c.cfg.Group, to == StateLeader) })
}

func (c *Controller) publish(fn func() error) {
	if err := fn(); err != nil {
		c.log.Debug("metric publish failed", logging.KeyError, err)
	}
}

func (c *Controller) afterJitter() resume {
	return resume{delay: Jitter(c.cfg.RetryPeriod, c.cfg.JitterFactor, c.random())}
}

// Snapshot is a point-in-time view of a controller.
type Snapshot struct {
	Group           string
	Identity        string
	State           State
	Disabled        bool
	Observed        bool
	Leader          LeaderInfo
	ResourceVersion string
}

// Snapshot returns the controller's current view. Observed is false until the
// first successful lookup.
func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{
		Group:    c.cfg.Group,
		Identity: c.cfg.Identity,
		State:    c.State(),
		Disabled: c.disabled.Load(),
	}
	if snap := c.latest.Load(); snap != nil {
		s.Observed = true
		s.Leader = snap.info
		if snap.record != nil {
			s.ResourceVersion = snap.record.ResourceVersion()
		}
	}
	return s
}
