package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sasha-s/go-deadlock"

	"github.com/BTCDecoded/governance-app/internal/api"
	"github.com/BTCDecoded/governance-app/internal/config"
	"github.com/BTCDecoded/governance-app/internal/crypto"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/logging"
	"github.com/BTCDecoded/governance-app/internal/registry"
	"github.com/BTCDecoded/governance-app/internal/service"
	"github.com/BTCDecoded/governance-app/internal/storage"
	"github.com/BTCDecoded/governance-app/internal/storage/postgres"
	"github.com/BTCDecoded/governance-app/internal/storage/sqlite"
)

const lockWaitLimit = 30 * time.Second

type Application struct {
	Server     *http.Server
	Store      storage.Store
	Gatekeeper *service.Gatekeeper
	Metrics    *service.Metrics
	Registry   *prometheus.Registry
}

// New wires the gatekeeper service and its HTTP surface. The audit log is
// verified before New returns; a corrupted log leaves the service running
// read-only rather than failing startup.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	configureLockDetector(logger)

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gk, metrics, reg, err := buildGatekeeper(ctx, cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := api.Options{
		ServiceName:  cfg.Logging.Service,
		Version:      cfg.Logging.Version,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AdminToken:   cfg.AdminToken(),
		TrustedCIDRs: cfg.AllowedCIDRs(),
		MetricsPath:  cfg.Metrics.Path,
	}
	if reg != nil {
		opts.Gatherer = reg
	}
	router, err := api.NewHandler(gk, logger, opts).Router()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("configure admin routes: %w", err)
	}
	root := logging.Middleware(logger, environment(cfg))(router)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Application{Server: server, Store: store, Gatekeeper: gk, Metrics: metrics, Registry: reg}, nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	return a.Server.Shutdown(ctx)
}

// OpenStore opens the configured backend and applies its schema.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	}
}

// RegistrySource returns the maintainer and node registry the config names.
// A file registry is loaded once; a database registry is re-read per
// operation so imports take effect without a restart.
func RegistrySource(cfg *config.Config, store storage.Store, keys registry.KeyValidator) (registry.Source, error) {
	if cfg.Registry.Source == "database" {
		return registry.NewStoreSource(store, keys), nil
	}
	snap, err := registry.LoadFile(cfg.Registry.Path, keys)
	if err != nil {
		return nil, err
	}
	return registry.NewStatic(snap), nil
}

// Verifier builds the signature verifier for the configured algorithm.
func Verifier(cfg *config.Config) (*crypto.Verifier, error) {
	alg, err := crypto.ParseAlgorithm(cfg.Crypto.Algorithm)
	if err != nil {
		return nil, err
	}
	return crypto.NewVerifier(alg)
}

// OpenGatekeeper opens the store and a bootstrapped gatekeeper for
// one-shot operator commands. The caller closes the store.
func OpenGatekeeper(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.Gatekeeper, storage.Store, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	gk, _, _, err := buildGatekeeper(ctx, cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return gk, store, nil
}

func buildGatekeeper(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) (*service.Gatekeeper, *service.Metrics, *prometheus.Registry, error) {
	verifier, err := Verifier(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build verifier: %w", err)
	}
	source, err := RegistrySource(cfg, store, verifier)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load registry: %w", err)
	}
	rules, err := cfg.Ruleset()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build ruleset: %w", err)
	}
	classifier, err := governance.NewClassifier(cfg.ClassifierConfig())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build classifier: %w", err)
	}

	metrics := &service.Metrics{}
	var reg *prometheus.Registry
	if *cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.Register(reg)
	}

	calendars, err := anchorCalendars(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build anchor calendars: %w", err)
	}
	gk, err := service.New(service.Params{
		Store:      store,
		Registry:   source,
		Verifier:   verifier,
		Classifier: classifier,
		Rules:      rules,
		Metrics:    metrics,
		Logger:     logger,
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: time.Duration(cfg.Retry.BaseBackoffMS) * time.Millisecond,
			MaxBackoff:  time.Duration(cfg.Retry.MaxBackoffMS) * time.Millisecond,
		},
		DryRun:        cfg.Governance.DryRun,
		StatusContext: cfg.Status.Context,
		Calendars:     calendars,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build gatekeeper: %w", err)
	}
	if err := gk.Bootstrap(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("bootstrap gatekeeper: %w", err)
	}
	if gk.ReadOnly() {
		logger.Error("gatekeeper started read-only; audit log needs operator attention")
	}
	return gk, metrics, reg, nil
}

// RelayApplication drains the status outbox and sweeps expired emergencies.
type RelayApplication struct {
	Relay        *service.StatusRelay
	Store        storage.Store
	PollInterval time.Duration
}

func BuildRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*RelayApplication, error) {
	configureLockDetector(logger)

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gk, metrics, _, err := buildGatekeeper(ctx, cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	publisher, err := statusPublisher(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	relay, err := service.NewStatusRelay(service.RelayParams{
		Store:       store,
		Publisher:   publisher,
		Sweeper:     gk,
		BatchSize:   cfg.Status.BatchSize,
		MaxAttempts: cfg.Status.MaxAttempts,
		MaxBackoff:  time.Duration(cfg.Status.MaxBackoffSeconds) * time.Second,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build status relay: %w", err)
	}
	return &RelayApplication{
		Relay:        relay,
		Store:        store,
		PollInterval: time.Duration(cfg.Status.PollIntervalSeconds) * time.Second,
	}, nil
}

func (a *RelayApplication) Run(ctx context.Context) error {
	defer a.Store.Close()
	return a.Relay.Run(ctx, a.PollInterval)
}

func statusPublisher(cfg *config.Config, logger *slog.Logger) (service.StatusPublisher, error) {
	timeout := time.Duration(cfg.Status.TimeoutSeconds) * time.Second
	var primary service.StatusPublisher
	if cfg.Status.APIURL == "" {
		logger.Warn("status.api_url not set; status checks will only be logged")
		primary = service.LogPublisher{Logger: logger}
	} else {
		p, err := service.NewHTTPPublisher(cfg.Status.APIURL, cfg.Status.Token, cfg.Status.TargetURL, timeout)
		if err != nil {
			return nil, fmt.Errorf("build status publisher: %w", err)
		}
		primary = p
	}
	if len(cfg.Status.Nostr.Relays) == 0 {
		return primary, nil
	}
	mirror, err := service.LoadNostrPublisher(cfg.Status.Nostr.Relays, cfg.Status.Nostr.SecretKeyPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("build nostr mirror: %w", err)
	}
	logger.Info("mirroring status checks to nostr",
		slog.Int("relays", len(cfg.Status.Nostr.Relays)),
		slog.String("pubkey", mirror.PublicKey()),
	)
	return service.MirroredPublisher{
		Primary: primary,
		Mirrors: []service.StatusPublisher{mirror},
		Logger:  logger,
	}, nil
}

func anchorCalendars(cfg *config.Config) ([]service.Calendar, error) {
	out := make([]service.Calendar, 0, len(cfg.Anchor.Calendars))
	for _, raw := range cfg.Anchor.Calendars {
		c, err := service.NewHTTPCalendar(raw, time.Duration(cfg.Anchor.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func environment(cfg *config.Config) logging.Environment {
	return logging.Environment{
		Service:  cfg.Logging.Service,
		Version:  cfg.Logging.Version,
		Commit:   cfg.Logging.Commit,
		Region:   cfg.Logging.Region,
		Instance: cfg.Logging.Instance,
	}
}

// configureLockDetector reports lock waits longer than lockWaitLimit
// instead of aborting the process.
func configureLockDetector(logger *slog.Logger) {
	deadlock.Opts.DeadlockTimeout = lockWaitLimit
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Error("potential deadlock detected", slog.Duration("wait_limit", lockWaitLimit))
	}
}
