package k8s

import (
	"context"
	"fmt"

	"github.com/Shavakan/fleet-elector/pkg/election"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Compile-time check that PodMembership implements election.MembershipProvider.
var _ election.MembershipProvider = (*PodMembership)(nil)

// PodMembership lists running, ready pods matching a label selector.
type PodMembership struct {
	client    kubernetes.Interface
	namespace string
}

// NewPodMembership creates a pod-based membership provider.
func NewPodMembership(client kubernetes.Interface, namespace string) *PodMembership {
	return &PodMembership{client: client, namespace: namespace}
}

// ListHealthyMembers returns the names of healthy pods selected by selector.
func (m *PodMembership) ListHealthyMembers(ctx context.Context, namespace, selector string) ([]string, error) {
	if namespace == "" {
		namespace = m.namespace
	}
	pods, err := m.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("k8s: list pods %q in %s: %w", selector, namespace, err)
	}

	members := make([]string, 0, len(pods.Items))
	for i := range pods.Items {
		if isHealthy(&pods.Items[i]) {
			members = append(members, pods.Items[i].Name)
		}
	}
	return members, nil
}

func isHealthy(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
