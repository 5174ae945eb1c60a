package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/config"
	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/logging"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// Compile-time check that Membership implements election.MembershipProvider.
var _ election.MembershipProvider = (*Membership)(nil)

// Membership lists identities whose heartbeat in a sorted set is younger than
// the member TTL. The selector names the set.
type Membership struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	clock     clock.PassiveClock
}

// NewMembership creates a heartbeat-based membership provider.
func NewMembership(client *redis.Client, ttl time.Duration, opts ...Option) *Membership {
	o := buildOptions(opts)
	return &Membership{
		client:    client,
		keyPrefix: o.keyPrefix,
		ttl:       ttl,
		clock:     o.clock,
	}
}

func membersKey(prefix, namespace, selector string) string {
	return prefix + "members:" + namespace + ":" + selector
}

// ListHealthyMembers returns identities with a heartbeat within the TTL.
func (m *Membership) ListHealthyMembers(ctx context.Context, namespace, selector string) ([]string, error) {
	key := membersKey(m.keyPrefix, namespace, selector)
	cutoff := m.clock.Now().Add(-m.ttl).UnixMilli()

	members, err := m.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members %s: %w", key, err)
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

// Heartbeater keeps an identity registered in a membership set.
type Heartbeater struct {
	client   *redis.Client
	key      string
	identity string
	interval time.Duration
	ttl      time.Duration
	clock    clock.WithTicker
	log      *logging.Logger
}

// NewHeartbeater creates a heartbeater for identity. It beats every ttl/3.
func NewHeartbeater(client *redis.Client, namespace, selector, identity string, ttl time.Duration, clk clock.WithTicker, opts ...Option) *Heartbeater {
	o := buildOptions(opts)
	if clk == nil {
		clk = clock.RealClock{}
	}
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	return &Heartbeater{
		client:   client,
		key:      membersKey(o.keyPrefix, namespace, selector),
		identity: identity,
		interval: interval,
		ttl:      ttl,
		clock:    clk,
		log: logging.WithComponent(logging.LogTypeMembers, "heartbeat").With(
			logging.KeyIdentity, identity,
		),
	}
}

// Beat records a heartbeat and prunes entries older than twice the TTL.
func (h *Heartbeater) Beat(ctx context.Context) error {
	now := h.clock.Now()
	pipe := h.client.TxPipeline()
	pipe.ZAdd(ctx, h.key, redis.Z{Score: float64(now.UnixMilli()), Member: h.identity})
	pipe.ZRemRangeByScore(ctx, h.key, "-inf", "("+strconv.FormatInt(now.Add(-2*h.ttl).UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// Run beats until ctx is cancelled, then removes the identity.
func (h *Heartbeater) Run(ctx context.Context) {
	if err := h.Beat(ctx); err != nil {
		h.log.Warn("heartbeat failed", logging.KeyError, err)
	}

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.leave()
			return
		case <-ticker.C():
			if err := h.Beat(ctx); err != nil {
				h.log.Warn("heartbeat failed", logging.KeyError, err)
			}
		}
	}
}

func (h *Heartbeater) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), config.CleanupTimeout)
	defer cancel()
	if err := h.client.ZRem(ctx, h.key, h.identity).Err(); err != nil {
		h.log.Warn("failed to remove membership", logging.KeyError, err)
	}
}
