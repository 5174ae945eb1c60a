// Package k8s implements lease gateways and membership on Kubernetes.
package k8s

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// NewClientset creates a clientset with kubeconfig auth when a path is given,
// in-cluster auth otherwise.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error

	if kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s clientset: %w", err)
	}
	return clientset, nil
}

// DefaultNamespace resolves the namespace this process runs in: POD_NAMESPACE,
// then the mounted service account, then "default".
func DefaultNamespace() string {
	return resolveNamespace(os.Getenv("POD_NAMESPACE"), serviceAccountNamespaceFile)
}

func resolveNamespace(env, saFile string) string {
	if ns := strings.TrimSpace(env); ns != "" {
		return ns
	}
	if data, err := os.ReadFile(saFile); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}
	return "default"
}

// dns1123Regex matches runs of characters invalid in a DNS-1123 subdomain.
var dns1123Regex = regexp.MustCompile(`[^a-z0-9.-]+`)

// objectName derives a DNS-1123 compliant object name for a group's lease.
// Converts to lowercase, replaces invalid chars with dashes, truncates to 253 chars.
func objectName(name, group string) string {
	out := strings.ToLower(name + "-" + group)
	out = dns1123Regex.ReplaceAllString(out, "-")
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	out = strings.Trim(out, "-.")
	if len(out) > 253 {
		out = strings.TrimRight(out[:253], "-.")
	}
	if out == "" {
		out = "leaders"
	}
	return out
}
