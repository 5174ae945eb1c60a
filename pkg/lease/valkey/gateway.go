// Package valkey implements a lease gateway and heartbeat-based membership on
// Valkey/Redis.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/logging"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

const defaultKeyPrefix = "fleet-elector:"

// Hash fields of a lease key.
const (
	fieldGroup       = "group"
	fieldHolder      = "holder"
	fieldAcquiredAt  = "acquired_at"
	fieldRenewedAt   = "renewed_at"
	fieldDurationMS  = "lease_duration_ms"
	fieldTransitions = "transitions"
	fieldVersion     = "version"
)

// Compile-time check that Gateway implements election.LeaseGateway.
var _ election.LeaseGateway = (*Gateway)(nil)

// Record is a lease hash read from Valkey.
type Record struct {
	key    string
	fields map[string]string
}

// ResourceVersion returns the hash's version field.
func (r *Record) ResourceVersion() string {
	return r.fields[fieldVersion]
}

func (r *Record) version() int64 {
	v, _ := strconv.ParseInt(r.fields[fieldVersion], 10, 64) //nolint:errcheck // missing version reads as zero
	return v
}

func (r *Record) int(field string) int64 {
	v, _ := strconv.ParseInt(r.fields[field], 10, 64) //nolint:errcheck // best-effort parse
	return v
}

// Option configures the gateway and membership.
type Option func(*options)

type options struct {
	keyPrefix string
	clock     clock.PassiveClock
}

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clk clock.PassiveClock) Option {
	return func(o *options) { o.clock = clk }
}

func buildOptions(opts []Option) options {
	o := options{keyPrefix: defaultKeyPrefix, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewClient creates a go-redis client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Gateway stores one hash per group and writes it with WATCH/MULTI so a
// write only applies when the version field is unchanged.
type Gateway struct {
	client    *redis.Client
	keyPrefix string
	clock     clock.PassiveClock
	log       *logging.Logger
}

// NewGateway creates a Valkey-backed gateway.
func NewGateway(client *redis.Client, opts ...Option) *Gateway {
	o := buildOptions(opts)
	return &Gateway{
		client:    client,
		keyPrefix: o.keyPrefix,
		clock:     o.clock,
		log:       logging.WithComponent(logging.LogTypeDB, "valkey-lease"),
	}
}

func (g *Gateway) leaseKey(namespace, name, group string) string {
	return g.keyPrefix + "lease:" + namespace + ":" + name + ":" + group
}

// Fetch reads the group's hash, or nil when the key does not exist.
func (g *Gateway) Fetch(ctx context.Context, namespace, name, group string) (election.Record, error) {
	key := g.leaseKey(namespace, name, group)
	fields, err := g.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &Record{key: key, fields: fields}, nil
}

// Create writes the hash when the key does not exist yet.
func (g *Gateway) Create(ctx context.Context, namespace, name string, info election.LeaderInfo) (election.Record, error) {
	key := g.leaseKey(namespace, name, info.Group())
	fields := holderFields(info)
	fields[fieldGroup] = info.Group()
	fields[fieldTransitions] = "0"
	fields[fieldVersion] = "1"

	err := g.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return election.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, toArgs(fields)...)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, writeError("create", key, err)
	}
	g.log.Info("lease created", logging.KeyGroup, info.Group(), logging.KeyLeader, info.Leader())
	return &Record{key: key, fields: fields}, nil
}

// Decode converts the hash into a LeaderInfo.
func (g *Gateway) Decode(rec election.Record, members []string, group string) election.LeaderInfo {
	r := rec.(*Record)
	ts := r.int(fieldRenewedAt)
	if ts == 0 {
		ts = r.int(fieldAcquiredAt)
	}
	var at time.Time
	if ts != 0 {
		at = time.UnixMilli(ts).UTC()
	}
	return election.NewLeaderInfo(group, r.fields[fieldHolder], at,
		time.Duration(r.int(fieldDurationMS))*time.Millisecond, members)
}

// Acquire replaces the holder when the version is unchanged.
func (g *Gateway) Acquire(ctx context.Context, rec election.Record, info election.LeaderInfo) (election.Record, error) {
	r := rec.(*Record)
	fields := holderFields(info)
	transitions := r.int(fieldTransitions)
	if r.fields[fieldHolder] != info.Leader() {
		transitions++
	}
	fields[fieldTransitions] = strconv.FormatInt(transitions, 10)
	return g.compareAndSet(ctx, r, fields, "acquire")
}

// Clear empties the holder fields when the version is unchanged.
func (g *Gateway) Clear(ctx context.Context, rec election.Record, _ string) (election.Record, error) {
	return g.compareAndSet(ctx, rec.(*Record), map[string]string{
		fieldHolder:     "",
		fieldAcquiredAt: "0",
		fieldRenewedAt:  "0",
		fieldDurationMS: "0",
	}, "clear")
}

// Renew stamps renewed_at when the last renew is older than renewDeadline.
func (g *Gateway) Renew(ctx context.Context, rec election.Record, group string, renewDeadline time.Duration) (election.Record, error) {
	now := g.clock.Now()
	if info := g.Decode(rec, nil, group); info.AcquireTime().Add(renewDeadline).After(now) {
		return rec, nil
	}
	return g.compareAndSet(ctx, rec.(*Record), map[string]string{
		fieldRenewedAt: strconv.FormatInt(now.UnixMilli(), 10),
	}, "renew")
}

func (g *Gateway) compareAndSet(ctx context.Context, r *Record, changes map[string]string, op string) (election.Record, error) {
	expected := r.version()
	next := make(map[string]string, len(r.fields)+len(changes))
	for k, v := range r.fields {
		next[k] = v
	}
	for k, v := range changes {
		next[k] = v
	}
	next[fieldVersion] = strconv.FormatInt(expected+1, 10)

	err := g.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, r.key, fieldVersion).Result()
		if errors.Is(err, redis.Nil) {
			return election.ErrConflict
		}
		if err != nil {
			return err
		}
		if current != strconv.FormatInt(expected, 10) {
			return election.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key, toArgs(next)...)
			return nil
		})
		return err
	}, r.key)
	if err != nil {
		return nil, writeError(op, r.key, err)
	}
	return &Record{key: r.key, fields: next}, nil
}

func holderFields(info election.LeaderInfo) map[string]string {
	ms := strconv.FormatInt(info.AcquireTime().UnixMilli(), 10)
	return map[string]string{
		fieldHolder:     info.Leader(),
		fieldAcquiredAt: ms,
		fieldRenewedAt:  ms,
		fieldDurationMS: strconv.FormatInt(info.LeaseDuration().Milliseconds(), 10),
	}
}

func toArgs(fields map[string]string) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func writeError(op, key string, err error) error {
	if errors.Is(err, election.ErrConflict) || errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("failed to %s lease %s: %w", op, key, election.ErrConflict)
	}
	return fmt.Errorf("failed to %s lease %s: %w", op, key, err)
}
