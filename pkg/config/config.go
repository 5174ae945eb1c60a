// Package config loads the elector daemon configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Lease backends.
const (
	BackendK8sLease     = "k8s-lease"
	BackendK8sConfigMap = "k8s-configmap"
	BackendDynamoDB     = "dynamodb"
	BackendValkey       = "valkey"
	BackendMemory       = "memory"
)

// ErrNoGroups is returned when neither ELECTOR_GROUPS nor a groups file names a group.
var ErrNoGroups = errors.New("at least one election group is required (ELECTOR_GROUPS or ELECTOR_GROUPS_FILE)")

// GroupConfig holds per-group overrides. Zero values inherit the global setting.
type GroupConfig struct {
	Name          string        `yaml:"name"`
	LabelSelector string        `yaml:"labelSelector"`
	LeaseDuration time.Duration `yaml:"leaseDuration"`
	RenewDeadline time.Duration `yaml:"renewDeadline"`
	RetryPeriod   time.Duration `yaml:"retryPeriod"`
	Disabled      bool          `yaml:"disabled"`
}

type groupsFile struct {
	Groups []GroupConfig `yaml:"groups"`
}

// MetricsConfig selects the metrics backends.
type MetricsConfig struct {
	PrometheusEnabled bool
	PrometheusPath    string
	DatadogEnabled    bool
	DatadogAddr       string
	DatadogTags       []string
	CloudWatchEnabled bool
	Namespace         string
}

type Config struct {
	AWSRegion string

	Identity      string
	Backend       string
	Namespace     string
	ResourceName  string
	LabelSelector string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
	JitterFactor  float64
	Disabled      bool

	Groups     []GroupConfig
	GroupsFile string

	Kubeconfig      string
	DynamoDBTable   string
	ValkeyAddr      string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
	MemberTTL       time.Duration
	MemoryMembers   []string

	HTTPAddr       string
	AdminSecret    string
	EventsSNSTopic string

	Metrics MetricsConfig

	LogLevel string
}

func Load() (*Config, error) {
	cfg := &Config{
		AWSRegion:       getEnv("AWS_REGION", "ap-northeast-1"),
		Identity:        defaultIdentity(),
		Backend:         getEnv("ELECTOR_BACKEND", BackendK8sLease),
		Namespace:       getEnv("ELECTOR_NAMESPACE", ""),
		ResourceName:    getEnv("ELECTOR_RESOURCE_NAME", election.DefaultResourceName),
		LabelSelector:   getEnv("ELECTOR_LABEL_SELECTOR", ""),
		LeaseDuration:   getEnvDuration("ELECTOR_LEASE_DURATION", election.DefaultLeaseDuration),
		RenewDeadline:   getEnvDuration("ELECTOR_RENEW_DEADLINE", election.DefaultRenewDeadline),
		RetryPeriod:     getEnvDuration("ELECTOR_RETRY_PERIOD", election.DefaultRetryPeriod),
		JitterFactor:    getEnvFloat("ELECTOR_JITTER_FACTOR", election.DefaultJitterFactor),
		Disabled:        getEnvBool("ELECTOR_DISABLED", false),
		GroupsFile:      getEnv("ELECTOR_GROUPS_FILE", ""),
		Kubeconfig:      getEnv("ELECTOR_KUBECONFIG", ""),
		DynamoDBTable:   getEnv("ELECTOR_DYNAMODB_TABLE", ""),
		ValkeyAddr:      getEnv("ELECTOR_VALKEY_ADDR", ""),
		ValkeyPassword:  getEnv("ELECTOR_VALKEY_PASSWORD", ""),
		ValkeyDB:        getEnvInt("ELECTOR_VALKEY_DB", 0),
		ValkeyKeyPrefix: getEnv("ELECTOR_VALKEY_KEY_PREFIX", ""),
		MemberTTL:       getEnvDuration("ELECTOR_MEMBER_TTL", 30*time.Second),
		MemoryMembers:   splitList(getEnv("ELECTOR_MEMORY_MEMBERS", "")),
		HTTPAddr:        getEnv("ELECTOR_HTTP_ADDR", ":8080"),
		AdminSecret:     getEnv("ELECTOR_ADMIN_SECRET", ""),
		EventsSNSTopic:  getEnv("ELECTOR_EVENTS_SNS_TOPIC", ""),
		Metrics: MetricsConfig{
			PrometheusEnabled: getEnvBool("ELECTOR_METRICS_PROMETHEUS_ENABLED", true),
			PrometheusPath:    getEnv("ELECTOR_METRICS_PROMETHEUS_PATH", "/metrics"),
			DatadogEnabled:    getEnvBool("ELECTOR_METRICS_DATADOG_ENABLED", false),
			DatadogAddr:       getEnv("ELECTOR_METRICS_DATADOG_ADDR", "127.0.0.1:8125"),
			DatadogTags:       splitList(getEnv("ELECTOR_METRICS_DATADOG_TAGS", "")),
			CloudWatchEnabled: getEnvBool("ELECTOR_METRICS_CLOUDWATCH_ENABLED", false),
			Namespace:         getEnv("ELECTOR_METRICS_NAMESPACE", ""),
		},
		LogLevel: getEnv("ELECTOR_LOG_LEVEL", "info"),
	}

	for _, name := range splitList(getEnv("ELECTOR_GROUPS", "")) {
		cfg.Groups = append(cfg.Groups, GroupConfig{Name: name})
	}
	if cfg.GroupsFile != "" {
		groups, err := loadGroupsFile(cfg.GroupsFile)
		if err != nil {
			return nil, err
		}
		cfg.Groups = mergeGroups(cfg.Groups, groups)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendK8sLease, BackendK8sConfigMap, BackendMemory:
	case BackendDynamoDB:
		if c.DynamoDBTable == "" {
			return fmt.Errorf("ELECTOR_DYNAMODB_TABLE is required for backend %s", c.Backend)
		}
	case BackendValkey:
		if c.ValkeyAddr == "" {
			return fmt.Errorf("ELECTOR_VALKEY_ADDR is required for backend %s", c.Backend)
		}
		if c.MemberTTL <= 0 {
			return fmt.Errorf("ELECTOR_MEMBER_TTL must be positive, got %v", c.MemberTTL)
		}
	default:
		return fmt.Errorf("unknown ELECTOR_BACKEND %q", c.Backend)
	}

	if len(c.Groups) == 0 {
		return ErrNoGroups
	}

	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if seen[g.Name] {
			return fmt.Errorf("duplicate election group %q", g.Name)
		}
		seen[g.Name] = true

		ec := c.ElectionConfig(g)
		if err := ec.Validate(); err != nil {
			return fmt.Errorf("group %q: %w", g.Name, err)
		}
		// Lease objects store the duration in whole seconds.
		if c.Backend == BackendK8sLease && (ec.LeaseDuration < time.Second || ec.LeaseDuration%time.Second != 0) {
			return fmt.Errorf("group %q: lease duration %v must be a whole number of seconds for backend %s", g.Name, ec.LeaseDuration, c.Backend)
		}
	}
	return nil
}

// ElectionConfig derives the controller configuration of group g.
func (c *Config) ElectionConfig(g GroupConfig) election.Config {
	ec := election.DefaultConfig(g.Name, c.Identity)
	ec.Namespace = c.Namespace
	ec.ResourceName = c.ResourceName
	ec.LabelSelector = firstNonEmpty(g.LabelSelector, c.LabelSelector)
	ec.LeaseDuration = firstPositive(g.LeaseDuration, c.LeaseDuration)
	ec.RenewDeadline = firstPositive(g.RenewDeadline, c.RenewDeadline)
	ec.RetryPeriod = firstPositive(g.RetryPeriod, c.RetryPeriod)
	ec.JitterFactor = c.JitterFactor
	ec.Disabled = c.Disabled || g.Disabled
	return ec
}

func loadGroupsFile(path string) ([]GroupConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file: %w", err)
	}
	var f groupsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse groups file %s: %w", path, err)
	}
	for i, g := range f.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return nil, fmt.Errorf("groups file %s: entry %d has no name", path, i)
		}
	}
	return f.Groups, nil
}

// mergeGroups appends file groups, letting a file entry replace an env entry
// of the same name.
func mergeGroups(env, file []GroupConfig) []GroupConfig {
	out := make([]GroupConfig, 0, len(env)+len(file))
	index := make(map[string]int, len(env)+len(file))
	for _, g := range append(env, file...) {
		if i, ok := index[g.Name]; ok {
			out[i] = g
			continue
		}
		index[g.Name] = len(out)
		out = append(out, g)
	}
	return out
}

func defaultIdentity() string {
	if id := getEnv("ELECTOR_IDENTITY", ""); id != "" {
		return id
	}
	if host := getEnv("HOSTNAME", ""); host != "" {
		return host
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.New().String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
