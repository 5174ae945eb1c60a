package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/lease/memory"
)

func startControllers(t *testing.T, gw *memory.Gateway, members *memory.StaticMembership, ids ...string) map[string]*election.Controller {
	t.Helper()
	out := make(map[string]*election.Controller, len(ids))
	for _, id := range ids {
		cfg := election.DefaultConfig("workers", id)
		cfg.Namespace = "test"
		cfg.LeaseDuration = 400 * time.Millisecond
		cfg.RenewDeadline = 200 * time.Millisecond
		cfg.RetryPeriod = 20 * time.Millisecond

		c, err := election.New(cfg, gw, members, nil)
		if err != nil {
			t.Fatalf("New(%s) error = %v", id, err)
		}
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start(%s) error = %v", id, err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = c.Stop(ctx)
		})
		out[id] = c
	}
	return out
}

func leaders(controllers map[string]*election.Controller) []string {
	var out []string
	for id, c := range controllers {
		if c.IsLeader() {
			out = append(out, id)
		}
	}
	return out
}

func waitForSingleLeader(t *testing.T, controllers map[string]*election.Controller, exclude string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l := leaders(controllers); len(l) == 1 && l[0] != exclude {
			return l[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no single leader elected, current leaders = %v", leaders(controllers))
	return ""
}

func TestElection_SingleLeaderAndFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing-based election test in short mode")
	}

	gw := memory.NewGateway(nil)
	members := memory.NewStaticMembership("pod-a", "pod-b", "pod-c")
	controllers := startControllers(t, gw, members, "pod-a", "pod-b", "pod-c")

	first := waitForSingleLeader(t, controllers, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := controllers[first].Stop(ctx); err != nil {
		t.Fatalf("Stop(%s) error = %v", first, err)
	}
	members.Set(removeID([]string{"pod-a", "pod-b", "pod-c"}, first)...)
	delete(controllers, first)

	second := waitForSingleLeader(t, controllers, first)
	if second == first {
		t.Errorf("leadership did not move away from %s", first)
	}
}

func TestElection_DisableHandsOver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing-based election test in short mode")
	}

	gw := memory.NewGateway(nil)
	members := memory.NewStaticMembership("pod-a", "pod-b")
	controllers := startControllers(t, gw, members, "pod-a", "pod-b")

	first := waitForSingleLeader(t, controllers, "")
	controllers[first].SetDisabled(true)

	second := waitForSingleLeader(t, controllers, first)
	if second == first {
		t.Errorf("disabled controller %s kept leadership", first)
	}
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
