package valkey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	clocktesting "k8s.io/utils/clock/testing"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestValkey(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func info(leader string, at time.Time) election.LeaderInfo {
	return election.NewLeaderInfo("workers", leader, at, 15*time.Second, []string{"pod-a", "pod-b"})
}

func TestGateway_Lifecycle(t *testing.T) {
	mr, client := setupTestValkey(t)
	fc := clocktesting.NewFakeClock(testEpoch)
	g := NewGateway(client, WithClock(fc))
	ctx := context.Background()

	rec, err := g.Fetch(ctx, "prod", "leaders", "workers")
	if err != nil || rec != nil {
		t.Fatalf("Fetch() = %v, %v, want nil record", rec, err)
	}

	if _, err := g.Create(ctx, "prod", "leaders", info("pod-a", testEpoch)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	key := "fleet-elector:lease:prod:leaders:workers"
	if got := mr.HGet(key, "holder"); got != "pod-a" {
		t.Errorf("holder = %q, want pod-a", got)
	}
	if got := mr.HGet(key, "lease_duration_ms"); got != "15000" {
		t.Errorf("lease_duration_ms = %q, want 15000", got)
	}

	rec, err = g.Fetch(ctx, "prod", "leaders", "workers")
	if err != nil || rec == nil {
		t.Fatalf("Fetch() = %v, %v", rec, err)
	}
	if rec.ResourceVersion() != "1" {
		t.Errorf("ResourceVersion() = %s, want 1", rec.ResourceVersion())
	}
	decoded := g.Decode(rec, []string{"pod-a"}, "workers")
	if decoded.Leader() != "pod-a" || !decoded.AcquireTime().Equal(testEpoch) || decoded.LeaseDuration() != 15*time.Second {
		t.Errorf("Decode() = %s", decoded)
	}

	fc.Step(11 * time.Second)
	renewed, err := g.Renew(ctx, rec, "workers", 10*time.Second)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if renewed.ResourceVersion() != "2" {
		t.Errorf("renewed version = %s, want 2", renewed.ResourceVersion())
	}

	cleared, err := g.Clear(ctx, renewed, "workers")
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if !g.Decode(cleared, nil, "workers").HasEmptyLeader() {
		t.Error("Clear() should remove the holder")
	}

	if _, err := g.Acquire(ctx, cleared, info("pod-b", fc.Now())); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := mr.HGet(key, "version"); got != "4" {
		t.Errorf("version = %s, want 4", got)
	}
	if got := mr.HGet(key, "transitions"); got != "1" {
		t.Errorf("transitions = %s, want 1", got)
	}
}

func TestGateway_Conflicts(t *testing.T) {
	_, client := setupTestValkey(t)
	fc := clocktesting.NewFakeClock(testEpoch)
	g := NewGateway(client, WithClock(fc), WithKeyPrefix("test:"))
	ctx := context.Background()

	if _, err := g.Create(ctx, "", "leaders", info("pod-a", testEpoch)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := g.Create(ctx, "", "leaders", info("pod-b", testEpoch)); !errors.Is(err, election.ErrConflict) {
		t.Errorf("second Create() error = %v, want ErrConflict", err)
	}

	stale, err := g.Fetch(ctx, "", "leaders", "workers")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	// Two writers race on the same version: exactly one wins.
	if _, err := g.Acquire(ctx, stale, info("pod-b", testEpoch)); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if _, err := g.Acquire(ctx, stale, info("pod-c", testEpoch)); !errors.Is(err, election.ErrConflict) {
		t.Errorf("second Acquire() error = %v, want ErrConflict", err)
	}

	fc.Step(time.Minute)
	if _, err := g.Renew(ctx, stale, "workers", 10*time.Second); !errors.Is(err, election.ErrConflict) {
		t.Errorf("Renew() with stale version error = %v, want ErrConflict", err)
	}

	current, err := g.Fetch(ctx, "", "leaders", "workers")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := g.Decode(current, nil, "workers").Leader(); got != "pod-b" {
		t.Errorf("leader = %s, want pod-b", got)
	}
}

func TestGateway_WriteAfterKeyDeleted(t *testing.T) {
	mr, client := setupTestValkey(t)
	g := NewGateway(client)
	ctx := context.Background()

	rec, err := g.Create(ctx, "", "leaders", info("pod-a", testEpoch))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	mr.Del("fleet-elector:lease::leaders:workers")

	if _, err := g.Clear(ctx, rec, "workers"); !errors.Is(err, election.ErrConflict) {
		t.Errorf("Clear() error = %v, want ErrConflict", err)
	}
}

func TestGateway_RenewBeforeDeadlineSkipsWrite(t *testing.T) {
	mr, client := setupTestValkey(t)
	fc := clocktesting.NewFakeClock(testEpoch)
	g := NewGateway(client, WithClock(fc))

	rec, err := g.Create(context.Background(), "", "leaders", info("pod-a", testEpoch))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	fc.Step(5 * time.Second)

	same, err := g.Renew(context.Background(), rec, "workers", 10*time.Second)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if same != rec {
		t.Error("Renew() returned a new record before the deadline")
	}
	if got := mr.HGet("fleet-elector:lease::leaders:workers", "version"); got != "1" {
		t.Errorf("version = %s, want 1", got)
	}
}

func TestGateway_FetchError(t *testing.T) {
	mr, client := setupTestValkey(t)
	g := NewGateway(client)
	mr.SetError("LOADING")

	_, err := g.Fetch(context.Background(), "", "leaders", "workers")
	if err == nil {
		t.Fatal("Fetch() expected error")
	}
	if errors.Is(err, election.ErrConflict) {
		t.Error("read errors must not be reported as conflicts")
	}
}
