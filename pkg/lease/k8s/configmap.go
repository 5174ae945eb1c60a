package k8s

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/logging"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
)

// ConfigMap data key prefixes. Each is suffixed with the group name.
const (
	keyLeaderPrefix    = "leader.pod."
	keyTimestampPrefix = "leader.local.timestamp."
	keyDurationPrefix  = "leader.lease.duration."
)

// Compile-time check that ConfigMapGateway implements election.LeaseGateway.
var _ election.LeaseGateway = (*ConfigMapGateway)(nil)

// ConfigMapRecord wraps the shared ConfigMap.
type ConfigMapRecord struct {
	ConfigMap *corev1.ConfigMap
}

// ResourceVersion returns the ConfigMap's resource version.
func (r *ConfigMapRecord) ResourceVersion() string {
	return r.ConfigMap.ResourceVersion
}

// ConfigMapGateway stores every group of a resource in a single ConfigMap,
// one set of data keys per group. Writes for any group conflict with each
// other through the shared resource version.
type ConfigMapGateway struct {
	client    kubernetes.Interface
	namespace string
	clock     clock.PassiveClock
	log       *logging.Logger
}

// NewConfigMapGateway creates a ConfigMap-backed gateway.
func NewConfigMapGateway(client kubernetes.Interface, namespace string, opts ...GatewayOption) *ConfigMapGateway {
	o := buildOptions(opts)
	return &ConfigMapGateway{
		client:    client,
		namespace: namespace,
		clock:     o.clock,
		log:       logging.WithComponent(logging.LogTypeK8s, "configmap"),
	}
}

func (g *ConfigMapGateway) ns(namespace string) string {
	if namespace != "" {
		return namespace
	}
	return g.namespace
}

// Fetch returns the shared ConfigMap, or nil when it does not exist.
func (g *ConfigMapGateway) Fetch(ctx context.Context, namespace, name, _ string) (election.Record, error) {
	ns := g.ns(namespace)
	cm, err := g.client.CoreV1().ConfigMaps(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("k8s: get configmap %s/%s: %w", ns, name, err)
	}
	return &ConfigMapRecord{ConfigMap: cm}, nil
}

// Create creates the ConfigMap with info's group populated.
func (g *ConfigMapGateway) Create(ctx context.Context, namespace, name string, info election.LeaderInfo) (election.Record, error) {
	ns := g.ns(namespace)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    map[string]string{LabelManagedBy: ManagedByValue},
		},
		Data: map[string]string{},
	}
	setGroup(cm, info)

	created, err := g.client.CoreV1().ConfigMaps(ns).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		return nil, wrapWriteError("create configmap", name, err)
	}
	g.log.Info("configmap created",
		logging.KeyGroup, info.Group(),
		logging.KeyResource, name,
		logging.KeyLeader, info.Leader(),
	)
	return &ConfigMapRecord{ConfigMap: created}, nil
}

// Decode reads the group's keys. Unparseable values decode as no leader.
func (g *ConfigMapGateway) Decode(rec election.Record, members []string, group string) election.LeaderInfo {
	data := rec.(*ConfigMapRecord).ConfigMap.Data

	leader := data[keyLeaderPrefix+group]
	ts, err := time.Parse(time.RFC3339Nano, data[keyTimestampPrefix+group])
	if err != nil {
		leader = ""
	}
	var duration time.Duration
	if ms, err := strconv.ParseInt(data[keyDurationPrefix+group], 10, 64); err == nil {
		duration = time.Duration(ms) * time.Millisecond
	}
	return election.NewLeaderInfo(group, leader, ts, duration, members)
}

// Acquire writes info into the group's keys.
func (g *ConfigMapGateway) Acquire(ctx context.Context, rec election.Record, info election.LeaderInfo) (election.Record, error) {
	cm := rec.(*ConfigMapRecord).ConfigMap.DeepCopy()
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	setGroup(cm, info)
	return g.update(ctx, cm, "acquire configmap")
}

// Clear removes the group's keys, leaving other groups untouched.
func (g *ConfigMapGateway) Clear(ctx context.Context, rec election.Record, group string) (election.Record, error) {
	cm := rec.(*ConfigMapRecord).ConfigMap.DeepCopy()
	delete(cm.Data, keyLeaderPrefix+group)
	delete(cm.Data, keyTimestampPrefix+group)
	delete(cm.Data, keyDurationPrefix+group)
	return g.update(ctx, cm, "clear configmap")
}

// Renew re-stamps the group's timestamp when the last renew is older than
// renewDeadline.
func (g *ConfigMapGateway) Renew(ctx context.Context, rec election.Record, group string, renewDeadline time.Duration) (election.Record, error) {
	now := g.clock.Now()
	if info := g.Decode(rec, nil, group); info.AcquireTime().Add(renewDeadline).After(now) {
		return rec, nil
	}

	cm := rec.(*ConfigMapRecord).ConfigMap.DeepCopy()
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	cm.Data[keyTimestampPrefix+group] = now.UTC().Format(time.RFC3339Nano)
	return g.update(ctx, cm, "renew configmap")
}

func (g *ConfigMapGateway) update(ctx context.Context, cm *corev1.ConfigMap, op string) (election.Record, error) {
	updated, err := g.client.CoreV1().ConfigMaps(cm.Namespace).Update(ctx, cm, metav1.UpdateOptions{})
	if err != nil {
		return nil, wrapWriteError(op, cm.Name, err)
	}
	return &ConfigMapRecord{ConfigMap: updated}, nil
}

func setGroup(cm *corev1.ConfigMap, info election.LeaderInfo) {
	group := info.Group()
	cm.Data[keyLeaderPrefix+group] = info.Leader()
	cm.Data[keyTimestampPrefix+group] = info.AcquireTime().UTC().Format(time.RFC3339Nano)
	cm.Data[keyDurationPrefix+group] = strconv.FormatInt(info.LeaseDuration().Milliseconds(), 10)
}
