package k8s

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var leaseResource = schema.GroupResource{Group: "coordination.k8s.io", Resource: "leases"}

func newLeaseGateway(t *testing.T) (*LeaseGateway, *fake.Clientset, *clocktesting.FakeClock) {
	t.Helper()
	fc := clocktesting.NewFakeClock(testEpoch)
	clientset := fake.NewSimpleClientset()
	return NewLeaseGateway(clientset, "elector", WithClock(fc)), clientset, fc
}

func leaderInfo(leader string, at time.Time) election.LeaderInfo {
	return election.NewLeaderInfo("workers", leader, at, 15*time.Second, []string{"pod-a", "pod-b"})
}

func countActions(clientset *fake.Clientset, verb string) int {
	n := 0
	for _, a := range clientset.Actions() {
		if a.GetVerb() == verb && a.GetResource().Resource == "leases" {
			n++
		}
	}
	return n
}

func TestLeaseGateway_FetchMissing(t *testing.T) {
	g, _, _ := newLeaseGateway(t)

	rec, err := g.Fetch(context.Background(), "", "leaders", "workers")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Fetch() = %v, want nil record", rec)
	}
}

func TestLeaseGateway_FetchError(t *testing.T) {
	g, clientset, _ := newLeaseGateway(t)
	clientset.PrependReactor("get", "leases", func(_ k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(leaseResource, "leaders-workers", errors.New("rbac"))
	})

	if _, err := g.Fetch(context.Background(), "", "leaders", "workers"); err == nil {
		t.Error("Fetch() expected error")
	}
}

func TestLeaseGateway_CreateAndDecode(t *testing.T) {
	g, clientset, _ := newLeaseGateway(t)
	ctx := context.Background()

	if _, err := g.Create(ctx, "", "leaders", leaderInfo("pod-a", testEpoch)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	lease, err := clientset.CoordinationV1().Leases("elector").Get(ctx, "leaders-workers", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("lease not stored: %v", err)
	}
	if lease.Labels[LabelManagedBy] != ManagedByValue || lease.Annotations[AnnotationGroup] != "workers" {
		t.Errorf("unexpected metadata %v %v", lease.Labels, lease.Annotations)
	}

	rec, err := g.Fetch(ctx, "", "leaders", "workers")
	if err != nil || rec == nil {
		t.Fatalf("Fetch() = %v, %v", rec, err)
	}
	info := g.Decode(rec, []string{"pod-b", "pod-a"}, "workers")
	if info.Leader() != "pod-a" || info.LeaseDuration() != 15*time.Second || !info.AcquireTime().Equal(testEpoch) {
		t.Errorf("Decode() = %s", info)
	}
	if !slices.Equal(info.Members(), []string{"pod-a", "pod-b"}) {
		t.Errorf("members = %v", info.Members())
	}

	_, err = g.Create(ctx, "", "leaders", leaderInfo("pod-b", testEpoch))
	if !errors.Is(err, election.ErrConflict) {
		t.Errorf("second Create() error = %v, want ErrConflict", err)
	}
}

func TestLeaseGateway_DecodeFallbacks(t *testing.T) {
	g, _, _ := newLeaseGateway(t)
	acquired := metav1.NewMicroTime(testEpoch)

	tests := []struct {
		name       string
		spec       coordinationv1.LeaseSpec
		wantLeader string
		wantTime   time.Time
	}{
		{name: "empty spec", spec: coordinationv1.LeaseSpec{}},
		{
			name:       "acquire time only",
			spec:       coordinationv1.LeaseSpec{HolderIdentity: ptr.To("pod-a"), AcquireTime: &acquired},
			wantLeader: "pod-a",
			wantTime:   testEpoch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &LeaseRecord{Lease: &coordinationv1.Lease{Spec: tt.spec}}
			info := g.Decode(rec, nil, "workers")
			if info.Leader() != tt.wantLeader || !info.AcquireTime().Equal(tt.wantTime) {
				t.Errorf("Decode() = %s", info)
			}
		})
	}
}

func TestLeaseGateway_AcquireCountsTransitions(t *testing.T) {
	g, _, fc := newLeaseGateway(t)
	ctx := context.Background()

	rec, err := g.Create(ctx, "", "leaders", leaderInfo("pod-b", testEpoch))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fc.Step(time.Minute)
	rec, err = g.Acquire(ctx, rec, leaderInfo("pod-a", fc.Now()))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease := rec.(*LeaseRecord).Lease
	if ptr.Deref(lease.Spec.HolderIdentity, "") != "pod-a" || ptr.Deref(lease.Spec.LeaseTransitions, 0) != 1 {
		t.Errorf("unexpected spec %+v", lease.Spec)
	}

	rec, err = g.Acquire(ctx, rec, leaderInfo("pod-a", fc.Now()))
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	if got := ptr.Deref(rec.(*LeaseRecord).Lease.Spec.LeaseTransitions, 0); got != 1 {
		t.Errorf("transitions = %d, want 1 when holder is unchanged", got)
	}
}

func TestLeaseGateway_WriteConflicts(t *testing.T) {
	tests := []struct {
		name  string
		write func(g *LeaseGateway, rec election.Record) error
	}{
		{
			name: "acquire",
			write: func(g *LeaseGateway, rec election.Record) error {
				_, err := g.Acquire(context.Background(), rec, leaderInfo("pod-a", testEpoch))
				return err
			},
		},
		{
			name: "clear",
			write: func(g *LeaseGateway, rec election.Record) error {
				_, err := g.Clear(context.Background(), rec, "workers")
				return err
			},
		},
		{
			name: "renew",
			write: func(g *LeaseGateway, rec election.Record) error {
				_, err := g.Renew(context.Background(), rec, "workers", 0)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, clientset, fc := newLeaseGateway(t)
			rec, err := g.Create(context.Background(), "", "leaders", leaderInfo("pod-b", testEpoch))
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			fc.Step(time.Second)

			clientset.PrependReactor("update", "leases", func(_ k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, apierrors.NewConflict(leaseResource, "leaders-workers", errors.New("stale resource version"))
			})

			err = tt.write(g, rec)
			if !errors.Is(err, election.ErrConflict) {
				t.Errorf("error = %v, want ErrConflict", err)
			}
		})
	}
}

func TestLeaseGateway_Clear(t *testing.T) {
	g, _, _ := newLeaseGateway(t)
	ctx := context.Background()
	rec, err := g.Create(ctx, "", "leaders", leaderInfo("pod-a", testEpoch))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec, err = g.Clear(ctx, rec, "workers")
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	info := g.Decode(rec, nil, "workers")
	if !info.HasEmptyLeader() {
		t.Errorf("Decode() after Clear = %s", info)
	}
}

func TestLeaseGateway_RenewHonoursDeadline(t *testing.T) {
	g, clientset, fc := newLeaseGateway(t)
	ctx := context.Background()
	rec, err := g.Create(ctx, "", "leaders", leaderInfo("pod-a", testEpoch))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fc.Step(5 * time.Second)
	same, err := g.Renew(ctx, rec, "workers", 10*time.Second)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if same != rec {
		t.Error("Renew() before the deadline should return the record unchanged")
	}
	if countActions(clientset, "update") != 0 {
		t.Error("Renew() before the deadline should not write")
	}

	fc.Step(6 * time.Second)
	renewed, err := g.Renew(ctx, rec, "workers", 10*time.Second)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if got := g.Decode(renewed, nil, "workers").AcquireTime(); !got.Equal(fc.Now()) {
		t.Errorf("renew time = %v, want %v", got, fc.Now())
	}
	if countActions(clientset, "update") != 1 {
		t.Errorf("updates = %d, want 1", countActions(clientset, "update"))
	}
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		group    string
		want     string
	}{
		{"simple", "leaders", "workers", "leaders-workers"},
		{"uppercase and underscores", "Leaders", "Batch_Jobs", "leaders-batch-jobs"},
		{"collapses dashes", "leaders-", "-workers", "leaders-workers"},
		{"empty", "", "", "leaders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := objectName(tt.resource, tt.group); got != tt.want {
				t.Errorf("objectName(%q, %q) = %q, want %q", tt.resource, tt.group, got, tt.want)
			}
		})
	}
}

func TestResolveNamespace(t *testing.T) {
	dir := t.TempDir()
	saFile := filepath.Join(dir, "namespace")
	if err := os.WriteFile(saFile, []byte("from-sa\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		env  string
		file string
		want string
	}{
		{"env wins", "from-env", saFile, "from-env"},
		{"service account file", "", saFile, "from-sa"},
		{"default", "", filepath.Join(dir, "missing"), "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveNamespace(tt.env, tt.file); got != tt.want {
				t.Errorf("resolveNamespace() = %q, want %q", got, tt.want)
			}
		})
	}
}
