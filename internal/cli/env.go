package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/batchflow/internal/config"
	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/mq"
	"github.com/shaiso/batchflow/internal/remote"
	"github.com/shaiso/batchflow/internal/remote/local"
	"github.com/shaiso/batchflow/internal/remote/slurm"
	"github.com/shaiso/batchflow/internal/remote/sshx"
	"github.com/shaiso/batchflow/internal/repo"
	"github.com/shaiso/batchflow/internal/telemetry"
	"github.com/shaiso/batchflow/internal/worker"
)

// Ошибки окружения CLI.
var (
	// ErrNoDatabase — команда требует database.url.
	ErrNoDatabase = errors.New("database is not configured (set database.url or BATCHFLOW_DATABASE_URL)")

	// ErrNoBroker — команда требует broker.url.
	ErrNoBroker = errors.New("broker is not configured (set broker.url or BATCHFLOW_BROKER_URL)")
)

// Env — окружение команды: конфигурация, логгер и вывод.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	Out    *Output
}

// Executors — исполнители workflow по имени.
type Executors map[string]worker.Executor

// Close закрывает соединения всех исполнителей.
func (e Executors) Close() error {
	var errs []error
	for name, ex := range e {
		if c, ok := ex.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close executor %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// NewExecutors строит исполнителей из описания workflow.
//
// SSH соединения открываются лениво, при первом stage или submit,
// поэтому validate и plan не обращаются к кластеру.
func NewExecutors(spec *domain.WorkflowSpec, cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) (Executors, error) {
	names := make([]string, 0, len(spec.Executors))
	for name := range spec.Executors {
		names = append(names, name)
	}
	sort.Strings(names)

	executors := make(Executors, len(names))
	for _, name := range names {
		ex, err := newExecutor(name, spec.Executors[name], cfg, logger, metrics)
		if err != nil {
			_ = executors.Close()
			return nil, err
		}
		executors[name] = ex
	}
	return executors, nil
}

func newExecutor(name string, def domain.ExecutorDef, cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) (*remote.Executor, error) {
	rc := remoteConfig(cfg, logger, metrics)
	rc.Name = name
	rc.Header = def.Header
	rc.RemoteRoot = def.RemoteRoot

	switch def.Kind {
	case "local":
		if rc.RemoteRoot == "" {
			rc.RemoteRoot = filepath.Join(os.TempDir(), "batchflow")
		}
		rc.Transport = local.NewTransport()
		rc.Scheduler = local.NewScheduler(logger)

	case "slurm":
		if rc.RemoteRoot == "" {
			return nil, fmt.Errorf("executor %s: remote_root is required: %w", name, engine.ErrUnknownExecutor)
		}
		maxSessions := def.MaxSessions
		if maxSessions <= 0 {
			maxSessions = cfg.SSH.MaxSessions
		}
		client := sshx.NewClient(sshx.Config{
			Host:        def.Host,
			Port:        def.Port,
			User:        def.Username,
			Password:    def.Password,
			KeyFile:     def.KeyFile,
			KnownHosts:  def.KnownHosts,
			MaxSessions: maxSessions,
			DialTimeout: cfg.SSH.DialTimeout,
			Logger:      logger.With("executor", name),
		})
		rc.Transport = sshx.NewTransport(client)
		rc.Scheduler = slurm.New(client)

	default:
		return nil, fmt.Errorf("executor %s: unknown kind %q: %w", name, def.Kind, engine.ErrUnknownExecutor)
	}

	return remote.New(rc), nil
}

// remoteConfig переносит параметры опроса и повторов в remote.Config.
func remoteConfig(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) remote.Config {
	return remote.Config{
		LocalRoot:             cfg.Engine.LocalRoot,
		TransientAttempts:     cfg.Retry.TransientAttempts,
		TransientInitialDelay: cfg.Retry.TransientInitialDelay,
		TransientMaxDelay:     cfg.Retry.TransientMaxDelay,
		FetchRetries:          cfg.Retry.FetchRetries,
		PollInterval:          cfg.Poll.Interval,
		PollMaxInterval:       cfg.Poll.MaxInterval,
		PollMultiplier:        cfg.Poll.Multiplier,
		PollTimeout:           cfg.Poll.Timeout,
		Logger:                logger,
		Metrics:               metrics,
	}
}

// openDatabase открывает пул PostgreSQL и создаёт схему.
func (e *Env) openDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	if e.Config.Database.URL == "" {
		return nil, ErrNoDatabase
	}
	pool, err := repo.NewPool(ctx, e.Config.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// openBroker подключается к RabbitMQ и объявляет топологию.
func (e *Env) openBroker(ctx context.Context) (*mq.Connection, error) {
	if e.Config.Broker.URL == "" {
		return nil, ErrNoBroker
	}
	conn, err := mq.NewConnection(e.Config.Broker.URL, e.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	if err := mq.SetupTopology(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	return conn, nil
}

// parseSets разбирает флаги --set KEY=VALUE.
func parseSets(sets []string) (map[string]string, error) {
	out := make(map[string]string, len(sets))
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected KEY=VALUE", kv)
		}
		out[key] = value
	}
	return out, nil
}
