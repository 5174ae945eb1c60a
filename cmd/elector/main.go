// Package main runs the fleet-elector daemon: one leadership controller per
// configured group, plus the admin, health and metrics HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Shavakan/fleet-elector/pkg/admin"
	"github.com/Shavakan/fleet-elector/pkg/config"
	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/lease/dynamo"
	"github.com/Shavakan/fleet-elector/pkg/lease/k8s"
	"github.com/Shavakan/fleet-elector/pkg/lease/memory"
	"github.com/Shavakan/fleet-elector/pkg/lease/valkey"
	"github.com/Shavakan/fleet-elector/pkg/logging"
	"github.com/Shavakan/fleet-elector/pkg/metrics"
	"github.com/Shavakan/fleet-elector/pkg/notify"
	"github.com/Shavakan/fleet-elector/pkg/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"
)

var log = logging.WithComponent(logging.LogTypeServer, "elector")

// backend bundles the lease store and membership source for every group,
// plus the background loops the backend needs.
type backend struct {
	gateway election.LeaseGateway
	members election.MembershipProvider
	workers []func(ctx context.Context)
	closers []func() error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// start runs the background workers until close is called or ctx ends.
func (b *backend) start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	for _, w := range b.workers {
		b.wg.Add(1)
		go func(w func(ctx context.Context)) {
			defer b.wg.Done()
			w(ctx)
		}(w)
	}
}

// close stops the workers and waits for them before releasing clients.
func (b *backend) close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	for _, c := range b.closers {
		if err := c(); err != nil {
			log.Warn("backend close failed", logging.KeyError, err)
		}
	}
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Backend == config.BackendDynamoDB || cfg.Metrics.CloudWatchEnabled || cfg.EventsSNSTopic != ""
}

func staticMembers(cfg *config.Config) *memory.StaticMembership {
	if len(cfg.MemoryMembers) > 0 {
		return memory.NewStaticMembership(cfg.MemoryMembers...)
	}
	return memory.NewStaticMembership(cfg.Identity)
}

func initBackend(cfg *config.Config, awsCfg aws.Config) (*backend, error) {
	switch cfg.Backend {
	case config.BackendK8sLease, config.BackendK8sConfigMap:
		client, err := k8s.NewClientset(cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		namespace := cfg.Namespace
		if namespace == "" {
			namespace = k8s.DefaultNamespace()
		}
		b := &backend{members: k8s.NewPodMembership(client, namespace)}
		if cfg.Backend == config.BackendK8sLease {
			b.gateway = k8s.NewLeaseGateway(client, namespace)
		} else {
			b.gateway = k8s.NewConfigMapGateway(client, namespace)
		}
		log.Info("kubernetes lease backend ready", logging.KeyBackend, cfg.Backend, logging.KeyNamespace, namespace)
		return b, nil

	case config.BackendDynamoDB:
		log.Info("dynamodb lease backend ready", logging.KeyResource, cfg.DynamoDBTable)
		return &backend{
			gateway: dynamo.NewGateway(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable),
			members: staticMembers(cfg),
		}, nil

	case config.BackendValkey:
		client := valkey.NewClient(cfg.ValkeyAddr, cfg.ValkeyPassword, cfg.ValkeyDB)
		return newValkeyBackend(cfg, client), nil

	case config.BackendMemory:
		log.Warn("memory lease backend only elects within this process")
		return &backend{gateway: memory.NewGateway(nil), members: staticMembers(cfg)}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func newValkeyBackend(cfg *config.Config, client *redis.Client) *backend {
	var opts []valkey.Option
	if cfg.ValkeyKeyPrefix != "" {
		opts = append(opts, valkey.WithKeyPrefix(cfg.ValkeyKeyPrefix))
	}
	b := &backend{
		gateway: valkey.NewGateway(client, opts...),
		members: valkey.NewMembership(client, cfg.MemberTTL, opts...),
		closers: []func() error{client.Close},
	}

	// One heartbeat per distinct selector this identity competes under.
	seen := make(map[string]bool)
	for _, g := range cfg.Groups {
		ec := cfg.ElectionConfig(g)
		if seen[ec.LabelSelector] {
			continue
		}
		seen[ec.LabelSelector] = true
		hb := valkey.NewHeartbeater(client, ec.Namespace, ec.LabelSelector, cfg.Identity, cfg.MemberTTL, nil, opts...)
		b.workers = append(b.workers, hb.Run)
	}
	log.Info("valkey lease backend ready", logging.KeyHost, cfg.ValkeyAddr, logging.KeyCount, len(b.workers))
	return b
}

func initMetrics(awsCfg aws.Config, cfg *config.Config) (metrics.Publisher, http.Handler) {
	var publishers []metrics.Publisher
	var prometheusHandler http.Handler

	if cfg.Metrics.CloudWatchEnabled {
		namespace := cfg.Metrics.Namespace
		if namespace == "" {
			namespace = "FleetElector"
		}
		publishers = append(publishers, metrics.NewCloudWatchPublisherWithNamespace(awsCfg, namespace))
		log.Info("cloudwatch metrics enabled", logging.KeyNamespace, namespace)
	}

	if cfg.Metrics.PrometheusEnabled {
		prom := metrics.NewPrometheusPublisher(metrics.PrometheusConfig{Namespace: cfg.Metrics.Namespace})
		publishers = append(publishers, prom)
		prometheusHandler = prom.Handler()
		log.Info("prometheus metrics enabled", logging.KeyResource, cfg.Metrics.PrometheusPath)
	}

	if cfg.Metrics.DatadogEnabled {
		dd, err := metrics.NewDatadogPublisher(metrics.DatadogConfig{
			Address:   cfg.Metrics.DatadogAddr,
			Namespace: cfg.Metrics.Namespace,
			Tags:      cfg.Metrics.DatadogTags,
		})
		if err != nil {
			log.Warn("datadog metrics disabled", logging.KeyError, err)
		} else {
			publishers = append(publishers, dd)
			log.Info("datadog metrics enabled", logging.KeyHost, cfg.Metrics.DatadogAddr)
		}
	}

	switch len(publishers) {
	case 0:
		log.Info("no metrics backends enabled")
		return metrics.NoopPublisher{}, nil
	case 1:
		return publishers[0], prometheusHandler
	}
	return metrics.NewMultiPublisher(publishers...), prometheusHandler
}

func initEventHandler(awsCfg aws.Config, cfg *config.Config, pub metrics.Publisher) notify.EventHandler {
	handlers := notify.MultiHandler{
		notify.NewLogHandler(),
		notify.NewMetricsEventHandler(pub, cfg.Identity),
	}
	if cfg.EventsSNSTopic != "" {
		handlers = append(handlers, notify.NewSNSHandler(sns.NewFromConfig(awsCfg), cfg.EventsSNSTopic, cfg.Identity, config.ShortTimeout))
		log.Info("sns leadership events enabled", logging.KeyTopic, cfg.EventsSNSTopic)
	}
	return handlers
}

// group is one running election.
type group struct {
	controller *election.Controller
	notifier   *notify.TimedNotifier
}

func buildGroups(cfg *config.Config, b *backend, handler notify.EventHandler, pub metrics.Publisher) ([]group, error) {
	groups := make([]group, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		n := notify.NewTimedNotifier(g.Name, handler)
		c, err := election.New(cfg.ElectionConfig(g), b.gateway, b.members, n, election.WithMetrics(pub))
		if err != nil {
			return nil, err
		}
		groups = append(groups, group{controller: c, notifier: n})
	}
	return groups, nil
}

func startGroups(ctx context.Context, groups []group) error {
	for _, g := range groups {
		g.notifier.Start(ctx)
		if err := g.controller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start controller for group %s: %w", g.controller.Group(), err)
		}
	}
	return nil
}

func stopGroups(ctx context.Context, groups []group) {
	for _, g := range groups {
		if err := g.controller.Stop(ctx); err != nil {
			log.Warn("controller stop failed", logging.KeyGroup, g.controller.Group(), logging.KeyError, err)
		}
		g.notifier.Stop()
	}
}

func newMux(cfg *config.Config, groups []group, prometheusHandler http.Handler, ready *atomic.Bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", admin.HealthHandler())
	mux.HandleFunc("/ready", admin.ReadinessHandler(ready.Load))

	if prometheusHandler != nil {
		mux.Handle(cfg.Metrics.PrometheusPath, prometheusHandler)
	}

	electors := make([]admin.Elector, 0, len(groups))
	for _, g := range groups {
		electors = append(electors, g.controller)
	}
	admin.NewHandler(electors, cfg.AdminSecret).RegisterRoutes(mux)
	return mux
}

func run(ctx context.Context, cfg *config.Config) error {
	tracer, err := tracing.Init(ctx, tracing.LoadConfig())
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", logging.KeyError, err)
	}

	var awsCfg aws.Config
	if needsAWS(cfg) {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
	}

	b, err := initBackend(cfg, awsCfg)
	if err != nil {
		return err
	}
	defer b.close()

	pub, prometheusHandler := initMetrics(awsCfg, cfg)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("metrics close failed", logging.KeyError, err)
		}
	}()

	groups, err := buildGroups(cfg, b, initEventHandler(awsCfg, cfg, pub), pub)
	if err != nil {
		return err
	}

	b.start(ctx)

	var ready atomic.Bool
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           tracing.NewHTTPMiddleware().Wrap(newMux(cfg, groups, prometheusHandler, &ready)),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", logging.KeyHost, cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := startGroups(ctx, groups); err != nil {
		return err
	}
	ready.Store(true)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping controllers")
	case err := <-serverErr:
		log.Error("http server failed", logging.KeyError, err)
	}
	ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	stopGroups(shutdownCtx, groups)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", logging.KeyError, err)
	}
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", logging.KeyError, err)
		}
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logging.Init("info")
		log.Error("failed to load config", logging.KeyError, err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)
	log.Info("starting fleet-elector",
		logging.KeyIdentity, cfg.Identity,
		logging.KeyBackend, cfg.Backend,
		logging.KeyCount, len(cfg.Groups),
	)

	if err := run(ctx, cfg); err != nil {
		log.Error("fleet-elector exited", logging.KeyError, err)
		os.Exit(1)
	}
	log.Info("fleet-elector stopped")
}
