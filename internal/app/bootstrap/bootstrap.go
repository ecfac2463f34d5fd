// Package bootstrap assembles the process-wide resources shared by the
// consumer, redoer and exporter binaries and tears them down in order.
package bootstrap

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/sqs-entity-resolution/db/migrations"
	"github.com/coachpo/sqs-entity-resolution/internal/adapters"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/queue"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/awsconf"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/persistence/migrations"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/persistence/postgres"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/storage/s3store"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/telemetry"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

const (
	// DefaultConfigPath is used when no -config flag is given.
	DefaultConfigPath = "config/app.yaml"

	engineCloseTimeout    = 10 * time.Second
	queueCloseTimeout     = 5 * time.Second
	poolCloseTimeout      = 5 * time.Second
	telemetryCloseTimeout = 5 * time.Second
)

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ResolveConfigPath returns flagValue or the default config path.
func ResolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(DefaultConfigPath)
}

type shutdownStep struct {
	name    string
	timeout time.Duration
	fn      func(context.Context) error
}

// Runtime owns the resources opened for one service process.
type Runtime struct {
	Service   string
	Config    config.AppConfig
	Logger    observability.Logger
	Telemetry *telemetry.Provider

	steps []shutdownStep
}

// Start loads configuration, validates it with validate, and initialises
// logging and telemetry for service.
func Start(ctx context.Context, service, configPath string, validate func(config.AppConfig) error) (*Runtime, error) {
	cfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if validate != nil {
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", service, err)
		}
	}

	logger := observability.NewZerologLogger(observability.LogOptions{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: service,
	})
	observability.SetLogger(logger)

	rt := &Runtime{Service: service, Config: cfg, Logger: logger}
	provider, err := initTelemetry(ctx, logger, service, cfg)
	if err != nil {
		return nil, err
	}
	rt.Telemetry = provider
	rt.onShutdown("shutting down telemetry", telemetryCloseTimeout, provider.Shutdown)

	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("engine_driver", cfg.Engine.Driver),
		observability.F("config_path", configPath))
	return rt, nil
}

func initTelemetry(ctx context.Context, logger observability.Logger, service string, cfg config.AppConfig) (*telemetry.Provider, error) {
	tc := telemetry.DefaultConfig(service)
	if cfg.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		tc.ServiceName = cfg.Telemetry.ServiceName
	}
	tc.Environment = string(cfg.Environment)
	tc.OTLPInsecure = tc.OTLPInsecure || cfg.Telemetry.OTLPInsecure
	if cfg.Telemetry.EnableMetrics {
		tc.EnableMetrics = true
	}

	provider, err := telemetry.NewProvider(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if tc.Enabled && tc.EnableMetrics {
		logger.Info("telemetry initialized",
			observability.F("endpoint", tc.OTLPEndpoint),
			observability.F("service_name", tc.ServiceName),
			observability.F("console", tc.ConsoleExporter))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// Meter returns a meter from the process telemetry provider.
func (r *Runtime) Meter(name string) metric.Meter {
	return r.Telemetry.Meter(name)
}

func (r *Runtime) onShutdown(name string, timeout time.Duration, fn func(context.Context) error) {
	r.steps = append(r.steps, shutdownStep{name: name, timeout: timeout, fn: fn})
}

// OpenEngine opens the configured resolution engine.
func (r *Runtime) OpenEngine(ctx context.Context) (engine.Engine, error) {
	adapters.RegisterAll()
	eng, err := engine.Open(ctx, r.Config.Engine.Driver, engine.Settings{
		InstanceName: r.Config.Engine.InstanceName,
		ConfigJSON:   r.Config.Engine.SettingsJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	r.onShutdown("closing engine", engineCloseTimeout, eng.Close)
	r.Logger.Info("engine opened", observability.F("driver", r.Config.Engine.Driver))
	return eng, nil
}

// OpenQueue opens the configured message transport. The visibility timeout
// is set to the engine call timeout so an abandoned message reappears only
// after the call it was waiting on is given up.
func (r *Runtime) OpenQueue(ctx context.Context) (queue.Queue, error) {
	adapters.RegisterAll()
	qc := r.Config.Queue
	settings := queue.Settings{
		URL:               qc.URL,
		Stream:            qc.Stream,
		Subject:           qc.Subject,
		Durable:           qc.Durable,
		MaxDeliver:        qc.MaxDeliver,
		VisibilityTimeout: r.Config.Engine.CallTimeout,
		Region:            r.Config.AWS.Region,
		EndpointURL:       r.Config.AWS.EndpointURL,
	}
	if qc.Driver == config.QueueDriverNATS {
		settings.URL = qc.NATSURL
	}
	q, err := queue.Open(ctx, qc.Driver, settings)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	r.onShutdown("closing queue", queueCloseTimeout, func(context.Context) error { return q.Close() })
	r.Logger.Info("queue opened", observability.F("driver", qc.Driver))
	return q, nil
}

// OpenTracker connects to PostgreSQL, optionally applies the embedded
// migrations, and returns the export tracker store.
func (r *Runtime) OpenTracker(ctx context.Context) (*postgres.TrackerStore, error) {
	dbCfg := r.Config.Database
	if dbCfg.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, dbCfg.DSN, dbmigrations.Files, r.Logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.NewPool(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	r.onShutdown("closing database pool", poolCloseTimeout, closePool(pool))
	if err := postgres.ObservePoolMetrics(pool, "tracker"); err != nil {
		r.Logger.Warn("pool metrics unavailable", observability.Err(err))
	}
	r.Logger.Info("database connected", observability.F("max_conns", dbCfg.MaxConns))
	return postgres.NewTrackerStore(pool), nil
}

func closePool(pool *pgxpool.Pool) func(context.Context) error {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}

// OpenUploader builds the S3 multipart uploader.
func (r *Runtime) OpenUploader(ctx context.Context) (*s3store.Uploader, error) {
	up, err := s3store.NewFromOptions(ctx, awsconf.Options{
		Region:      r.Config.AWS.Region,
		EndpointURL: r.Config.AWS.EndpointURL,
	})
	if err != nil {
		return nil, fmt.Errorf("open object storage: %w", err)
	}
	return up, nil
}

// Shutdown releases resources in reverse order of acquisition. Each step gets
// its own timeout derived from ctx; failures are logged and do not stop later steps.
func (r *Runtime) Shutdown(ctx context.Context) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		stepCtx, cancel := context.WithTimeout(ctx, step.timeout)
		r.Logger.Info("shutdown: " + step.name)
		if err := step.fn(stepCtx); err != nil {
			r.Logger.Error("shutdown: "+step.name+" failed", observability.Err(err))
		}
		cancel()
	}
	r.steps = nil
}
