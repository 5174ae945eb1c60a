package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/logging"
	"github.com/Shavakan/fleet-elector/pkg/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// EventHandler receives deduplicated leadership events.
type EventHandler interface {
	// LeadershipChanged reports the new leader, or "" when none is known.
	LeadershipChanged(ctx context.Context, group, leader string)
	// MembersChanged reports the new sorted membership.
	MembersChanged(ctx context.Context, group string, members []string)
}

// HandlerFuncs adapts plain functions to EventHandler. Nil fields are skipped.
type HandlerFuncs struct {
	OnLeadership func(ctx context.Context, group, leader string)
	OnMembers    func(ctx context.Context, group string, members []string)
}

// LeadershipChanged calls OnLeadership.
func (h HandlerFuncs) LeadershipChanged(ctx context.Context, group, leader string) {
	if h.OnLeadership != nil {
		h.OnLeadership(ctx, group, leader)
	}
}

// MembersChanged calls OnMembers.
func (h HandlerFuncs) MembersChanged(ctx context.Context, group string, members []string) {
	if h.OnMembers != nil {
		h.OnMembers(ctx, group, members)
	}
}

// MultiHandler fans events out to every handler in order.
type MultiHandler []EventHandler

// LeadershipChanged forwards to each handler.
func (m MultiHandler) LeadershipChanged(ctx context.Context, group, leader string) {
	for _, h := range m {
		h.LeadershipChanged(ctx, group, leader)
	}
}

// MembersChanged forwards to each handler.
func (m MultiHandler) MembersChanged(ctx context.Context, group string, members []string) {
	for _, h := range m {
		h.MembersChanged(ctx, group, members)
	}
}

// LogHandler writes events to the structured log.
type LogHandler struct {
	log *logging.Logger
}

// NewLogHandler creates a log handler.
func NewLogHandler() *LogHandler {
	return &LogHandler{log: logging.WithComponent(logging.LogTypeNotify, "log")}
}

// LeadershipChanged logs the new leader.
func (h *LogHandler) LeadershipChanged(_ context.Context, group, leader string) {
	if leader == "" {
		h.log.Info("no leader", logging.KeyGroup, group)
		return
	}
	h.log.Info("leader changed", logging.KeyGroup, group, logging.KeyLeader, leader)
}

// MembersChanged logs the new membership.
func (h *LogHandler) MembersChanged(_ context.Context, group string, members []string) {
	h.log.Info("members changed", logging.KeyGroup, group, logging.KeyMembers, members, logging.KeyCount, len(members))
}

// SNSAPI is the subset of the SNS client used for publishing events.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// LeadershipEvent is the JSON document published to SNS.
type LeadershipEvent struct {
	Type       string    `json:"type"`
	Group      string    `json:"group"`
	Leader     string    `json:"leader,omitempty"`
	Members    []string  `json:"members,omitempty"`
	Identity   string    `json:"identity"`
	ObservedAt time.Time `json:"observed_at"`
}

// Event types.
const (
	EventLeadershipChanged = "leadership_changed"
	EventMembersChanged    = "members_changed"
)

// SNSHandler publishes events to an SNS topic.
type SNSHandler struct {
	client   SNSAPI
	topicARN string
	identity string
	timeout  time.Duration
	now      func() time.Time
	log      *logging.Logger
}

// NewSNSHandler creates a handler publishing to topicARN on behalf of identity.
func NewSNSHandler(client SNSAPI, topicARN, identity string, timeout time.Duration) *SNSHandler {
	return &SNSHandler{
		client:   client,
		topicARN: topicARN,
		identity: identity,
		timeout:  timeout,
		now:      time.Now,
		log:      logging.WithComponent(logging.LogTypeNotify, "sns").With(logging.KeyTopic, topicARN),
	}
}

// LeadershipChanged publishes a leadership_changed event.
func (h *SNSHandler) LeadershipChanged(ctx context.Context, group, leader string) {
	h.publish(ctx, LeadershipEvent{Type: EventLeadershipChanged, Group: group, Leader: leader})
}

// MembersChanged publishes a members_changed event.
func (h *SNSHandler) MembersChanged(ctx context.Context, group string, members []string) {
	h.publish(ctx, LeadershipEvent{Type: EventMembersChanged, Group: group, Members: members})
}

func (h *SNSHandler) publish(ctx context.Context, ev LeadershipEvent) {
	if err := h.Publish(ctx, ev); err != nil {
		h.log.Warn("event publish failed", logging.KeyGroup, ev.Group, logging.KeyError, err)
	}
}

// Publish sends ev to the topic, filling identity and timestamp.
func (h *SNSHandler) Publish(ctx context.Context, ev LeadershipEvent) error {
	if h.topicARN == "" {
		return nil
	}
	ev.Identity = h.identity
	ev.ObservedAt = h.now().UTC()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"type":  {DataType: aws.String("String"), StringValue: aws.String(ev.Type)},
		"group": {DataType: aws.String("String"), StringValue: aws.String(ev.Group)},
	}
	for k, v := range tracing.InjectTraceContext(ctx) {
		attrs[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}

	_, err = h.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(h.topicARN),
		Message:           aws.String(string(body)),
		Subject:           aws.String(fmt.Sprintf("%s: %s", ev.Group, ev.Type)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// EventPublisher is the event half of a metrics publisher.
type EventPublisher interface {
	PublishEvent(ctx context.Context, title, text, alertType string, tags []string) error
}

// MetricsEventHandler forwards leadership changes as metrics events.
type MetricsEventHandler struct {
	pub      EventPublisher
	identity string
	log      *logging.Logger
}

// NewMetricsEventHandler creates a handler emitting events through pub.
func NewMetricsEventHandler(pub EventPublisher, identity string) *MetricsEventHandler {
	return &MetricsEventHandler{
		pub:      pub,
		identity: identity,
		log:      logging.WithComponent(logging.LogTypeNotify, "metrics-event"),
	}
}

// LeadershipChanged emits an info event for a new leader and a warning when none is known.
func (h *MetricsEventHandler) LeadershipChanged(ctx context.Context, group, leader string) {
	title, text, alert := "leader elected", fmt.Sprintf("%s is the leader of %s", leader, group), "info"
	if leader == "" {
		title, text, alert = "no leader", fmt.Sprintf("group %s has no valid leader", group), "warning"
	}
	tags := []string{"group:" + group, "observer:" + h.identity}
	if leader != "" {
		tags = append(tags, "leader:"+leader)
	}
	if err := h.pub.PublishEvent(ctx, title, text, alert, tags); err != nil {
		h.log.Warn("metrics event failed", logging.KeyGroup, group, logging.KeyError, err)
	}
}

// MembersChanged is a no-op.
func (h *MetricsEventHandler) MembersChanged(context.Context, string, []string) {}
