package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/config"
	"github.com/abhisek/beacon/internal/kv"
	"github.com/abhisek/beacon/internal/pgstore"
	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/telemetry"
	"github.com/abhisek/beacon/internal/unload"
)

// MemoryDB is the --db value that selects a throwaway in-memory database.
const MemoryDB = ":memory:"

// Backend is a Repo plus the read side used by the CLI. Both the SQLite
// and the PostgreSQL stores satisfy it.
type Backend interface {
	Repo
	GetSession(ctx context.Context, id string) (*store.Session, error)
	RecentSessions(ctx context.Context, opts store.QueryOpts) ([]store.Session, error)
	RecentEvents(ctx context.Context, opts store.QueryOpts) ([]store.TelemetryEvent, error)
	CountEvents(ctx context.Context) (int, error)
	ListDailyStats(ctx context.Context, opts store.QueryOpts) ([]store.DailyStat, error)
	KV() kv.Medium
	Close() error
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*pgstore.Store)(nil)
)

// OpenBackend opens the backend selected by cfg.
func OpenBackend(cfg config.Config, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return pgstore.Open(cfg.PostgresDSN, logger)
	case config.BackendSQLite, "":
		if cfg.DBPath == MemoryDB {
			return store.OpenInMemory()
		}
		path := cfg.DBPath
		if path == "" {
			var err error
			if path, err = store.DefaultDBPath(); err != nil {
				return nil, fmt.Errorf("resolve DB path: %w", err)
			}
		} else if err := store.EnsureDir(path); err != nil {
			return nil, fmt.Errorf("create DB dir: %w", err)
		}
		return store.Open(path)
	default:
		return nil, fmt.Errorf("unknown backend: %q", cfg.Backend)
	}
}

// OpenMedium opens the retry medium selected by cfg. The returned close
// func releases it.
func OpenMedium(ctx context.Context, cfg config.Config, backend Backend) (kv.Medium, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Retry.Medium {
	case config.MediumBackend, "":
		return backend.KV(), noop, nil
	case config.MediumMemory:
		return kv.NewMemory(), noop, nil
	case config.MediumFile:
		f, err := kv.NewFile(cfg.Retry.Dir)
		if err != nil {
			return nil, nil, err
		}
		return f, noop, nil
	case config.MediumRedis:
		r, err := kv.NewRedis(ctx, kv.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown retry medium: %q", cfg.Retry.Medium)
	}
}

// Stack is a fully wired runtime and the resources it owns.
type Stack struct {
	Runtime *Runtime
	Backend Backend
	Medium  kv.Medium
	Metrics *telemetry.Metrics
	Beacon  *unload.HTTPBeacon // nil without a collector URL

	closeMedium func() error
}

// StackOptions carries what Build needs besides the config.
type StackOptions struct {
	Logger        *zap.Logger
	Registerer    prometheus.Registerer
	ViewportWidth func() int
}

// Build opens the configured backend and retry medium and wires a Runtime
// on top of them. The Runtime is opened with ctx.
func Build(ctx context.Context, cfg config.Config, opts StackOptions) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	backend, err := OpenBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	medium, closeMedium, err := OpenMedium(ctx, cfg, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	s := &Stack{
		Backend:     backend,
		Medium:      medium,
		Metrics:     telemetry.NewMetrics(opts.Registerer),
		closeMedium: closeMedium,
	}
	var transport unload.BestEffortTransport
	if cfg.Collector.URL != "" {
		s.Beacon = unload.NewHTTPBeacon(cfg.Collector.URL, cfg.Telemetry.BeaconTimeout, logger)
		transport = s.Beacon
	}

	s.Runtime = New(Options{
		Repo:                backend,
		Medium:              medium,
		RetryKey:            cfg.Retry.Key,
		Transport:           transport,
		Logger:              logger,
		Metrics:             s.Metrics,
		BatchSize:           cfg.Telemetry.BatchSize,
		FlushInterval:       cfg.Telemetry.FlushInterval,
		HeartbeatInterval:   cfg.Telemetry.HeartbeatInterval,
		SerializeDailyStats: cfg.SerializeDailyStats,
		ViewportWidth:       opts.ViewportWidth,
	})
	s.Runtime.Open(ctx)
	return s, nil
}

// Close shuts the runtime down and releases the backend and medium.
func (s *Stack) Close(ctx context.Context) error {
	s.Runtime.Close(ctx)
	var errs []error
	if s.Beacon != nil {
		if err := s.Beacon.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close beacon: %w", err))
		}
	}
	if err := s.closeMedium(); err != nil {
		errs = append(errs, fmt.Errorf("close retry medium: %w", err))
	}
	if err := s.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	return errors.Join(errs...)
}
