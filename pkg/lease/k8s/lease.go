package k8s

import (
	"context"
	"fmt"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/logging"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

// Labels and annotations written on lease objects.
const (
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	ManagedByValue  = "fleet-elector"
	AnnotationGroup = "fleet-elector.io/group"
)

// Compile-time check that LeaseGateway implements election.LeaseGateway.
var _ election.LeaseGateway = (*LeaseGateway)(nil)

// LeaseRecord wraps a coordination/v1 Lease.
type LeaseRecord struct {
	Lease *coordinationv1.Lease
}

// ResourceVersion returns the lease's resource version.
func (r *LeaseRecord) ResourceVersion() string {
	return r.Lease.ResourceVersion
}

// GatewayOption configures a gateway.
type GatewayOption func(*gatewayOptions)

type gatewayOptions struct {
	clock clock.PassiveClock
}

// WithClock replaces the wall clock used for renew timestamps.
func WithClock(clk clock.PassiveClock) GatewayOption {
	return func(o *gatewayOptions) { o.clock = clk }
}

func buildOptions(opts []GatewayOption) gatewayOptions {
	o := gatewayOptions{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LeaseGateway stores one coordination/v1 Lease per group, named
// <resource>-<group>.
type LeaseGateway struct {
	client    kubernetes.Interface
	namespace string
	clock     clock.PassiveClock
	log       *logging.Logger
}

// NewLeaseGateway creates a Lease-backed gateway. namespace is used when a
// call passes an empty namespace.
func NewLeaseGateway(client kubernetes.Interface, namespace string, opts ...GatewayOption) *LeaseGateway {
	o := buildOptions(opts)
	return &LeaseGateway{
		client:    client,
		namespace: namespace,
		clock:     o.clock,
		log:       logging.WithComponent(logging.LogTypeK8s, "lease"),
	}
}

func (g *LeaseGateway) ns(namespace string) string {
	if namespace != "" {
		return namespace
	}
	return g.namespace
}

// Fetch returns the group's Lease, or nil when it does not exist.
func (g *LeaseGateway) Fetch(ctx context.Context, namespace, name, group string) (election.Record, error) {
	ns := g.ns(namespace)
	lease, err := g.client.CoordinationV1().Leases(ns).Get(ctx, objectName(name, group), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("k8s: get lease %s/%s: %w", ns, objectName(name, group), err)
	}
	return &LeaseRecord{Lease: lease}, nil
}

// Create creates the group's Lease holding info.
func (g *LeaseGateway) Create(ctx context.Context, namespace, name string, info election.LeaderInfo) (election.Record, error) {
	ns := g.ns(namespace)
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:        objectName(name, info.Group()),
			Namespace:   ns,
			Labels:      map[string]string{LabelManagedBy: ManagedByValue},
			Annotations: map[string]string{AnnotationGroup: info.Group()},
		},
	}
	applyHolder(lease, info)

	created, err := g.client.CoordinationV1().Leases(ns).Create(ctx, lease, metav1.CreateOptions{})
	if err != nil {
		return nil, wrapWriteError("create lease", lease.Name, err)
	}
	g.log.Info("lease created",
		logging.KeyGroup, info.Group(),
		logging.KeyResource, created.Name,
		logging.KeyLeader, info.Leader(),
	)
	return &LeaseRecord{Lease: created}, nil
}

// Decode reads holder, renew time and duration from the Lease spec. The renew
// time falls back to the acquire time.
func (g *LeaseGateway) Decode(rec election.Record, members []string, group string) election.LeaderInfo {
	lease := rec.(*LeaseRecord).Lease
	spec := lease.Spec

	var ts time.Time
	switch {
	case spec.RenewTime != nil:
		ts = spec.RenewTime.Time
	case spec.AcquireTime != nil:
		ts = spec.AcquireTime.Time
	}
	var duration time.Duration
	if spec.LeaseDurationSeconds != nil {
		duration = time.Duration(*spec.LeaseDurationSeconds) * time.Second
	}
	return election.NewLeaderInfo(group, ptr.Deref(spec.HolderIdentity, ""), ts, duration, members)
}

// Acquire sets info as the Lease holder, counting a transition when the
// holder changes.
func (g *LeaseGateway) Acquire(ctx context.Context, rec election.Record, info election.LeaderInfo) (election.Record, error) {
	lease := rec.(*LeaseRecord).Lease.DeepCopy()
	previous := ptr.Deref(lease.Spec.HolderIdentity, "")
	applyHolder(lease, info)
	if previous != info.Leader() {
		lease.Spec.LeaseTransitions = ptr.To(ptr.Deref(lease.Spec.LeaseTransitions, 0) + 1)
	}
	return g.update(ctx, lease, "acquire lease")
}

// Clear removes the holder fields from the Lease.
func (g *LeaseGateway) Clear(ctx context.Context, rec election.Record, _ string) (election.Record, error) {
	lease := rec.(*LeaseRecord).Lease.DeepCopy()
	lease.Spec.HolderIdentity = nil
	lease.Spec.AcquireTime = nil
	lease.Spec.RenewTime = nil
	lease.Spec.LeaseDurationSeconds = nil
	return g.update(ctx, lease, "clear lease")
}

// Renew stamps the renew time when the last renew is older than renewDeadline.
func (g *LeaseGateway) Renew(ctx context.Context, rec election.Record, group string, renewDeadline time.Duration) (election.Record, error) {
	current := rec.(*LeaseRecord).Lease
	now := g.clock.Now()
	if info := g.Decode(rec, nil, group); info.AcquireTime().Add(renewDeadline).After(now) {
		return rec, nil
	}

	lease := current.DeepCopy()
	lease.Spec.RenewTime = ptr.To(metav1.NewMicroTime(now.UTC()))
	return g.update(ctx, lease, "renew lease")
}

func (g *LeaseGateway) update(ctx context.Context, lease *coordinationv1.Lease, op string) (election.Record, error) {
	updated, err := g.client.CoordinationV1().Leases(lease.Namespace).Update(ctx, lease, metav1.UpdateOptions{})
	if err != nil {
		return nil, wrapWriteError(op, lease.Name, err)
	}
	return &LeaseRecord{Lease: updated}, nil
}

func applyHolder(lease *coordinationv1.Lease, info election.LeaderInfo) {
	ts := ptr.To(metav1.NewMicroTime(info.AcquireTime().UTC()))
	lease.Spec.HolderIdentity = ptr.To(info.Leader())
	lease.Spec.LeaseDurationSeconds = ptr.To(int32(info.LeaseDuration() / time.Second))
	lease.Spec.AcquireTime = ts
	lease.Spec.RenewTime = ts
}

// wrapWriteError maps optimistic-concurrency failures to election.ErrConflict.
func wrapWriteError(op, name string, err error) error {
	if apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("k8s: %s %s: %w: %w", op, name, election.ErrConflict, err)
	}
	return fmt.Errorf("k8s: %s %s: %w", op, name, err)
}
