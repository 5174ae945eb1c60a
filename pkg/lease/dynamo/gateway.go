// Package dynamo implements a lease gateway on a DynamoDB table using
// conditional writes on a version attribute.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"k8s.io/utils/clock"
)

// DynamoDBAPI defines DynamoDB operations for lease records.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Compile-time check that Gateway implements election.LeaseGateway.
var _ election.LeaseGateway = (*Gateway)(nil)

// leaseItem is a group's lease in DynamoDB. Times are Unix milliseconds.
type leaseItem struct {
	LeaseID         string `dynamodbav:"lease_id"`
	Group           string `dynamodbav:"group"`
	Holder          string `dynamodbav:"holder"`
	AcquiredAt      int64  `dynamodbav:"acquired_at"`
	RenewedAt       int64  `dynamodbav:"renewed_at"`
	LeaseDurationMS int64  `dynamodbav:"lease_duration_ms"`
	Transitions     int64  `dynamodbav:"transitions"`
	Version         int64  `dynamodbav:"version"`
}

// Record is a lease item read from the table.
type Record struct {
	item leaseItem
}

// ResourceVersion returns the item's version attribute.
func (r *Record) ResourceVersion() string {
	return strconv.FormatInt(r.item.Version, 10)
}

// Holder returns the recorded leader, or "".
func (r *Record) Holder() string {
	return r.item.Holder
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock replaces the wall clock used for renew timestamps.
func WithClock(clk clock.PassiveClock) Option {
	return func(g *Gateway) { g.clock = clk }
}

// Gateway stores one item per group keyed by <namespace>/<resource>#<group>.
type Gateway struct {
	client DynamoDBAPI
	table  string
	clock  clock.PassiveClock
	log    *logging.Logger
}

// NewGateway creates a DynamoDB-backed gateway on table.
func NewGateway(client DynamoDBAPI, table string, opts ...Option) *Gateway {
	g := &Gateway{
		client: client,
		table:  table,
		clock:  clock.RealClock{},
		log:    logging.WithComponent(logging.LogTypeDB, "dynamo-lease").With(logging.KeyResource, table),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func leaseID(namespace, name, group string) string {
	id := name + "#" + group
	if namespace != "" {
		id = namespace + "/" + id
	}
	return id
}

// Fetch reads the group's item with a consistent read.
func (g *Gateway) Fetch(ctx context.Context, namespace, name, group string) (election.Record, error) {
	id := leaseID(namespace, name, group)
	out, err := g.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(g.table),
		Key: map[string]types.AttributeValue{
			"lease_id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get lease item %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var item leaseItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease item %s: %w", id, err)
	}
	return &Record{item: item}, nil
}

// Create puts a new item when none exists.
func (g *Gateway) Create(ctx context.Context, namespace, name string, info election.LeaderInfo) (election.Record, error) {
	item := leaseItem{
		LeaseID: leaseID(namespace, name, info.Group()),
		Group:   info.Group(),
		Version: 1,
	}
	applyHolder(&item, info)

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease item: %w", err)
	}
	_, err = g.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(g.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(lease_id)"),
	})
	if err != nil {
		return nil, writeError("create", item.LeaseID, err)
	}
	g.log.Info("lease item created", logging.KeyGroup, info.Group(), logging.KeyLeader, info.Leader())
	return &Record{item: item}, nil
}

// Decode converts the item into a LeaderInfo.
func (g *Gateway) Decode(rec election.Record, members []string, group string) election.LeaderInfo {
	item := rec.(*Record).item
	ts := item.RenewedAt
	if ts == 0 {
		ts = item.AcquiredAt
	}
	var at time.Time
	if ts != 0 {
		at = time.UnixMilli(ts).UTC()
	}
	return election.NewLeaderInfo(group, item.Holder, at,
		time.Duration(item.LeaseDurationMS)*time.Millisecond, members)
}

// Acquire replaces the holder when the stored version still matches.
func (g *Gateway) Acquire(ctx context.Context, rec election.Record, info election.LeaderInfo) (election.Record, error) {
	current := rec.(*Record).item
	next := current
	applyHolder(&next, info)
	if current.Holder != info.Leader() {
		next.Transitions++
	}
	return g.replace(ctx, current, next, "acquire")
}

// Clear removes the holder when the stored version still matches.
func (g *Gateway) Clear(ctx context.Context, rec election.Record, _ string) (election.Record, error) {
	current := rec.(*Record).item
	next := current
	next.Holder = ""
	next.AcquiredAt = 0
	next.RenewedAt = 0
	next.LeaseDurationMS = 0
	return g.replace(ctx, current, next, "clear")
}

// Renew updates renewed_at when the last renew is older than renewDeadline.
func (g *Gateway) Renew(ctx context.Context, rec election.Record, group string, renewDeadline time.Duration) (election.Record, error) {
	current := rec.(*Record).item
	now := g.clock.Now()
	if info := g.Decode(rec, nil, group); info.AcquireTime().Add(renewDeadline).After(now) {
		return rec, nil
	}

	out, err := g.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(g.table),
		Key: map[string]types.AttributeValue{
			"lease_id": &types.AttributeValueMemberS{Value: current.LeaseID},
		},
		UpdateExpression:    aws.String("SET renewed_at = :renewed_at, version = :next"),
		ConditionExpression: aws.String("version = :expected AND holder = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":renewed_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":next":       &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version+1, 10)},
			":expected":   &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
			":holder":     &types.AttributeValueMemberS{Value: current.Holder},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, writeError("renew", current.LeaseID, err)
	}

	next := current
	next.RenewedAt = now.UnixMilli()
	next.Version = current.Version + 1
	if len(out.Attributes) > 0 {
		if err := attributevalue.UnmarshalMap(out.Attributes, &next); err != nil {
			return nil, fmt.Errorf("failed to unmarshal renewed lease item: %w", err)
		}
	}
	return &Record{item: next}, nil
}

func (g *Gateway) replace(ctx context.Context, current, next leaseItem, op string) (election.Record, error) {
	next.Version = current.Version + 1
	av, err := attributevalue.MarshalMap(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease item: %w", err)
	}
	_, err = g.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(g.table),
		Item:                av,
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
		},
	})
	if err != nil {
		return nil, writeError(op, current.LeaseID, err)
	}
	return &Record{item: next}, nil
}

func applyHolder(item *leaseItem, info election.LeaderInfo) {
	ms := info.AcquireTime().UnixMilli()
	item.Holder = info.Leader()
	item.AcquiredAt = ms
	item.RenewedAt = ms
	item.LeaseDurationMS = info.LeaseDuration().Milliseconds()
}

func writeError(op, id string, err error) error {
	var ccfe *types.ConditionalCheckFailedException
	if errors.As(err, &ccfe) {
		return fmt.Errorf("failed to %s lease item %s: %w", op, id, election.ErrConflict)
	}
	return fmt.Errorf("failed to %s lease item %s: %w", op, id, err)
}
