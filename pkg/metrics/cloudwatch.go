package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const defaultCloudWatchNamespace = "FleetElector"

// CloudWatchAPI provides CloudWatch operations.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher publishes metrics to AWS CloudWatch.
type CloudWatchPublisher struct {
	client    CloudWatchAPI
	namespace string
	now       func() time.Time
}

// Ensure CloudWatchPublisher implements Publisher.
var _ Publisher = (*CloudWatchPublisher)(nil)

// NewCloudWatchPublisher creates a CloudWatch metrics publisher.
func NewCloudWatchPublisher(cfg aws.Config) *CloudWatchPublisher {
	return NewCloudWatchPublisherWithNamespace(cfg, defaultCloudWatchNamespace)
}

// NewCloudWatchPublisherWithNamespace creates a CloudWatch metrics publisher with custom namespace.
func NewCloudWatchPublisherWithNamespace(cfg aws.Config, namespace string) *CloudWatchPublisher {
	return newCloudWatchPublisherWithClient(cloudwatch.NewFromConfig(cfg), namespace)
}

func newCloudWatchPublisherWithClient(client CloudWatchAPI, namespace string) *CloudWatchPublisher {
	if namespace == "" {
		namespace = defaultCloudWatchNamespace
	}
	return &CloudWatchPublisher{client: client, namespace: namespace, now: time.Now}
}

// Close implements Publisher.Close. CloudWatch client doesn't require cleanup.
func (p *CloudWatchPublisher) Close() error {
	return nil
}

// PublishStateTransition publishes a state transition with group and target state dimensions.
func (p *CloudWatchPublisher) PublishStateTransition(ctx context.Context, group, _, to string) error {
	return p.putMetric(ctx, "StateTransitions", 1, types.StandardUnitCount,
		dimension("Group", group), dimension("State", to))
}

// PublishLeadershipState publishes 1 while leading the group, 0 otherwise.
func (p *CloudWatchPublisher) PublishLeadershipState(ctx context.Context, group string, isLeader bool) error {
	v := 0.0
	if isLeader {
		v = 1
	}
	return p.putMetric(ctx, "IsLeader", v, types.StandardUnitNone, dimension("Group", group))
}

// PublishAcquireAttempt publishes an acquisition attempt.
func (p *CloudWatchPublisher) PublishAcquireAttempt(ctx context.Context, group string, success bool) error {
	return p.putMetric(ctx, "AcquireAttempts", 1, types.StandardUnitCount,
		dimension("Group", group), dimension("Success", boolLabel(success)))
}

// PublishLookupFailure publishes a failed lease or membership lookup.
func (p *CloudWatchPublisher) PublishLookupFailure(ctx context.Context, group, source string) error {
	return p.putMetric(ctx, "LookupFailures", 1, types.StandardUnitCount,
		dimension("Group", group), dimension("Source", source))
}

// PublishLeaseWriteConflict publishes a rejected lease write.
func (p *CloudWatchPublisher) PublishLeaseWriteConflict(ctx context.Context, group, operation string) error {
	return p.putMetric(ctx, "LeaseWriteConflicts", 1, types.StandardUnitCount,
		dimension("Group", group), dimension("Operation", operation))
}

// PublishEvent is a no-op for CloudWatch (Datadog-specific feature).
func (p *CloudWatchPublisher) PublishEvent(_ context.Context, _, _, _ string, _ []string) error { //nolint:revive
	return nil
}

func dimension(name, value string) types.Dimension {
	return types.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (p *CloudWatchPublisher) putMetric(ctx context.Context, name string, value float64, unit types.StandardUnit, dims ...types.Dimension) error {
	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
				Timestamp:  aws.Time(p.now()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish metric %s: %w", name, err)
	}
	return nil
}
