package election

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRecord struct {
	version string
	leader  string
	renewed time.Time
	lease   time.Duration
}

func (r *fakeRecord) ResourceVersion() string { return r.version }

// fakeGateway is a single-record store with version checks. Error fields
// override the matching operation.
type fakeGateway struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	current *fakeRecord
	next    int

	fetchErr   error
	createErr  error
	acquireErr error
	clearErr   error
	renewErr   error

	calls []string
}

func newFakeGateway(clk clock.PassiveClock) *fakeGateway {
	return &fakeGateway{clock: clk}
}

func (g *fakeGateway) seed(leader string, renewed time.Time, lease time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	g.current = &fakeRecord{version: strconv.Itoa(g.next), leader: leader, renewed: renewed, lease: lease}
}

func (g *fakeGateway) snapshot() *fakeRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return nil
	}
	cp := *g.current
	return &cp
}

func (g *fakeGateway) called(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (g *fakeGateway) record(op string) {
	g.calls = append(g.calls, op)
}

func (g *fakeGateway) write(rec *fakeRecord, mutate func(r *fakeRecord)) (Record, error) {
	if g.current == nil || g.current.version != rec.version {
		return nil, fmt.Errorf("version %s: %w", rec.version, ErrConflict)
	}
	next := *g.current
	mutate(&next)
	g.next++
	next.version = strconv.Itoa(g.next)
	g.current = &next
	cp := next
	return &cp, nil
}

func (g *fakeGateway) Fetch(_ context.Context, _, _, _ string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("fetch")
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	if g.current == nil {
		return nil, nil
	}
	cp := *g.current
	return &cp, nil
}

func (g *fakeGateway) Create(_ context.Context, _, _ string, info LeaderInfo) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create")
	if g.createErr != nil {
		return nil, g.createErr
	}
	if g.current != nil {
		return nil, fmt.Errorf("already exists: %w", ErrConflict)
	}
	g.next++
	g.current = &fakeRecord{
		version: strconv.Itoa(g.next),
		leader:  info.Leader(),
		renewed: info.AcquireTime(),
		lease:   info.LeaseDuration(),
	}
	cp := *g.current
	return &cp, nil
}

func (g *fakeGateway) Decode(rec Record, members []string, group string) LeaderInfo {
	r := rec.(*fakeRecord)
	return NewLeaderInfo(group, r.leader, r.renewed, r.lease, members)
}

func (g *fakeGateway) Acquire(_ context.Context, rec Record, info LeaderInfo) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("acquire")
	if g.acquireErr != nil {
		return nil, g.acquireErr
	}
	return g.write(rec.(*fakeRecord), func(r *fakeRecord) {
		r.leader = info.Leader()
		r.renewed = info.AcquireTime()
		r.lease = info.LeaseDuration()
	})
}

func (g *fakeGateway) Clear(_ context.Context, rec Record, _ string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("clear")
	if g.clearErr != nil {
		return nil, g.clearErr
	}
	return g.write(rec.(*fakeRecord), func(r *fakeRecord) {
		r.leader = ""
		r.renewed = time.Time{}
		r.lease = 0
	})
}

func (g *fakeGateway) Renew(_ context.Context, rec Record, _ string, renewDeadline time.Duration) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("renew")
	if g.renewErr != nil {
		return nil, g.renewErr
	}
	r := rec.(*fakeRecord)
	now := g.clock.Now()
	if !r.renewed.Add(renewDeadline).Before(now) {
		return rec, nil
	}
	return g.write(r, func(r *fakeRecord) { r.renewed = now })
}

type fakeMembers struct {
	mu      sync.Mutex
	members []string
	err     error
}

func (m *fakeMembers) ListHealthyMembers(_ context.Context, _, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]string(nil), m.members...), nil
}

func (m *fakeMembers) set(members []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members, m.err = members, err
}

type refreshCall struct {
	leader     string
	observedAt time.Time
	validity   time.Duration
	members    []string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []refreshCall
}

func (n *recordingNotifier) Refresh(leader string, observedAt time.Time, validity time.Duration, members []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, refreshCall{leader: leader, observedAt: observedAt, validity: validity, members: members})
}

func (n *recordingNotifier) all() []refreshCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]refreshCall(nil), n.calls...)
}

func (n *recordingNotifier) last(t *testing.T) refreshCall {
	t.Helper()
	calls := n.all()
	if len(calls) == 0 {
		t.Fatal("notifier was not called")
	}
	return calls[len(calls)-1]
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	acquires    map[bool]int
	lookups     map[string]int
	conflicts   map[string]int
	leading     []bool
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		acquires:  map[bool]int{},
		lookups:   map[string]int{},
		conflicts: map[string]int{},
	}
}

func (m *recordingMetrics) PublishStateTransition(_ context.Context, _, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"->"+to)
	return nil
}

func (m *recordingMetrics) PublishLeadershipState(_ context.Context, _ string, isLeader bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leading = append(m.leading, isLeader)
	return nil
}

func (m *recordingMetrics) PublishAcquireAttempt(_ context.Context, _ string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires[success]++
	return nil
}

func (m *recordingMetrics) PublishLookupFailure(_ context.Context, _, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[source]++
	return nil
}

func (m *recordingMetrics) PublishLeaseWriteConflict(_ context.Context, _, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[op]++
	return nil
}

type harness struct {
	ctrl     *Controller
	clock    *clocktesting.FakeClock
	gateway  *fakeGateway
	members  *fakeMembers
	notifier *recordingNotifier
	metrics  *recordingMetrics
}

func testConfig() Config {
	cfg := DefaultConfig("workers", "pod-a")
	cfg.Namespace = "elector"
	cfg.LabelSelector = "app=elector"
	return cfg
}

func newHarness(t *testing.T, cfg Config, members ...string) *harness {
	t.Helper()
	fc := clocktesting.NewFakeClock(testEpoch)
	h := &harness{
		clock:    fc,
		gateway:  newFakeGateway(fc),
		members:  &fakeMembers{members: members},
		notifier: &recordingNotifier{},
		metrics:  newRecordingMetrics(),
	}
	ctrl, err := New(cfg, h.gateway, h.members, h.notifier,
		WithClock(fc),
		WithMetrics(h.metrics),
		WithRandom(func() float64 { return 0.5 }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) jitter() time.Duration {
	return Jitter(h.ctrl.cfg.RetryPeriod, h.ctrl.cfg.JitterFactor, 0.5)
}
