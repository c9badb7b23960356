package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/op"
	"github.com/shaiso/batchflow/internal/telemetry"
)

// Config — конфигурация удалённого исполнителя.
type Config struct {
	// Name — имя исполнителя (для логов и метрик).
	Name string

	// Transport — файловый обмен с удалённым хостом.
	Transport Transport

	// Scheduler — batch планировщик.
	Scheduler BatchScheduler

	// RemoteRoot — корень рабочих директорий на удалённом хосте.
	RemoteRoot string

	// LocalRoot — корень локальных директорий для скачанных выходов.
	LocalRoot string

	// Header — шаблон заголовка job script.
	Header string

	// TransientAttempts — максимум попыток для stage/submit (по умолчанию 5).
	TransientAttempts int

	// TransientInitialDelay, TransientMaxDelay — задержки между попытками
	// (по умолчанию 1s и 30s, экспоненциально).
	TransientInitialDelay time.Duration
	TransientMaxDelay     time.Duration

	// FetchRetries — повторные попытки скачивания (по умолчанию 1).
	FetchRetries int

	// PollInterval — начальный интервал опроса (по умолчанию 5s).
	PollInterval time.Duration

	// PollMaxInterval — потолок интервала опроса (по умолчанию 60s).
	PollMaxInterval time.Duration

	// PollMultiplier — рост интервала опроса (по умолчанию 1.5).
	PollMultiplier float64

	// PollTimeout — предельное время ожидания job (по умолчанию 24h).
	PollTimeout time.Duration

	// CancelTimeout — время на отмену job после отмены workflow (по умолчанию 30s).
	CancelTimeout time.Duration

	// Logger — логгер.
	Logger *slog.Logger

	// Metrics — метрики (может быть nil).
	Metrics *telemetry.Metrics
}

// Executor — удалённый исполнитель: staging, отправка job, опрос, fetch.
//
// Один Executor используется всеми шагами, назначенными на него.
// Соединения открываются при первом использовании и закрываются Close.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New создаёт Executor.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TransientAttempts <= 0 {
		cfg.TransientAttempts = 5
	}
	if cfg.TransientInitialDelay <= 0 {
		cfg.TransientInitialDelay = time.Second
	}
	if cfg.TransientMaxDelay <= 0 {
		cfg.TransientMaxDelay = 30 * time.Second
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	} else if cfg.FetchRetries == 0 {
		cfg.FetchRetries = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollMaxInterval <= 0 {
		cfg.PollMaxInterval = 60 * time.Second
	}
	if cfg.PollMaxInterval < cfg.PollInterval {
		cfg.PollMaxInterval = cfg.PollInterval
	}
	if cfg.PollMultiplier < 1 {
		cfg.PollMultiplier = 1.5
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 24 * time.Hour
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 30 * time.Second
	}
	if cfg.LocalRoot == "" {
		cfg.LocalRoot = "."
	}

	return &Executor{
		cfg:    cfg,
		logger: cfg.Logger.With("executor", cfg.Name),
	}
}

// Name возвращает имя исполнителя.
func (e *Executor) Name() string {
	return e.cfg.Name
}

// InstanceDir возвращает удалённую рабочую директорию экземпляра.
func (e *Executor) InstanceDir(run Run, key string) string {
	return path.Join(e.cfg.RemoteRoot, run.Dir(), key)
}

// LocalDir возвращает локальную директорию для выходов экземпляра.
func (e *Executor) LocalDir(run Run, key string) string {
	return filepath.Join(e.cfg.LocalRoot, run.Dir(), key)
}

// Stage загружает входы экземпляра в его рабочую директорию:
// <remote_root>/<workflow>-<run>/<key>/<input>/.
//
// Ошибки транспорта повторяются с экспоненциальной задержкой;
// после исчерпания попыток — domain.ErrStaging.
func (e *Executor) Stage(ctx context.Context, run Run, inst *domain.Instance) error {
	inst.RemoteDir = e.InstanceDir(run, inst.Key)

	names := make([]string, 0, len(inst.Inputs))
	for name := range inst.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a := inst.Inputs[name]
		dir := path.Join(inst.RemoteDir, name)

		var remotePaths []string
		err := e.retryTransient(ctx, domain.KindStaging, func() error {
			var err error
			remotePaths, err = e.cfg.Transport.Upload(ctx, a.Paths, dir)
			return err
		})
		if err != nil {
			return e.classify(ctx, domain.ErrStaging, fmt.Sprintf("input %s", name), err)
		}

		if len(a.Paths) == 1 {
			if info, err := os.Stat(a.Paths[0]); err == nil {
				a.Dir = info.IsDir()
			}
		}
		a.MarkStaged(dir, remotePaths)

		e.logger.Debug("input staged",
			"instance", inst.Key,
			"input", name,
			"paths", len(remotePaths),
		)
	}

	return nil
}

// Invoker возвращает op.Invoker, отправляющий job от имени экземпляра.
// notify вызывается при переходах SUBMITTED и RUNNING.
func (e *Executor) Invoker(inst *domain.Instance, notify func(*domain.Instance)) op.Invoker {
	if notify == nil {
		notify = func(*domain.Instance) {}
	}
	return &invoker{executor: e, inst: inst, notify: notify}
}

type invoker struct {
	executor *Executor
	inst     *domain.Instance
	notify   func(*domain.Instance)
}

// Invoke отправляет job и ждёт его завершения.
func (i *invoker) Invoke(ctx context.Context, inv op.Invocation) error {
	return i.executor.submitAndWait(ctx, i.inst, inv, i.notify)
}

func (e *Executor) submitAndWait(ctx context.Context, inst *domain.Instance, inv op.Invocation, notify func(*domain.Instance)) error {
	script, err := RenderScript(e.cfg.Header, engine.HeaderContext{
		Key:     inst.Key,
		Step:    inst.Step,
		WorkDir: inv.WorkDir,
		Index:   inst.Index,
		Item:    inst.Item,
	}, inv.Command)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSubmission, err)
	}

	scriptPath := path.Join(inst.RemoteDir, fmt.Sprintf("job-%d.sh", inst.Attempt+1))

	var jobID string
	err = e.retryTransient(ctx, domain.KindSubmission, func() error {
		if err := e.cfg.Transport.WriteFile(ctx, scriptPath, []byte(script)); err != nil {
			return err
		}
		var err error
		jobID, err = e.cfg.Scheduler.Submit(ctx, Job{Name: inst.Key, ScriptPath: scriptPath, WorkDir: inst.RemoteDir})
		return err
	})
	if err != nil {
		return e.classify(ctx, domain.ErrSubmission, "submit "+inst.Key, err)
	}

	inst.MarkSubmitted(jobID)
	e.cfg.Metrics.JobSubmitted(e.cfg.Name)
	notify(inst)

	e.logger.Info("job submitted",
		"instance", inst.Key,
		"job_id", jobID,
		"attempt", inst.Attempt,
	)

	status, err := e.wait(ctx, inst, jobID, notify)
	e.cfg.Metrics.JobFinished()
	if err != nil {
		return err
	}

	if status.State == domain.JobCompleted && status.ExitCode == 0 {
		return nil
	}

	exitCode := status.ExitCode
	if exitCode == 0 {
		// Job упал или отменён планировщиком без кода возврата
		exitCode = -1
	}
	return &domain.ExecutionError{
		Step:     inst.Step,
		Instance: inst.Key,
		JobID:    jobID,
		ExitCode: exitCode,
	}
}

// wait опрашивает планировщик до финального состояния job.
//
// Интервал растёт в PollMultiplier раз до PollMaxInterval.
// По истечении PollTimeout job отменяется и возвращается domain.ErrTimeout.
// При отмене ctx job отменяется и возвращается domain.ErrCancelled
// (domain.ErrTimeout, если у ctx истёк дедлайн).
func (e *Executor) wait(ctx context.Context, inst *domain.Instance, jobID string, notify func(*domain.Instance)) (JobStatus, error) {
	deadline := time.NewTimer(e.cfg.PollTimeout)
	defer deadline.Stop()

	interval := e.pollBackOff()
	tick := time.NewTimer(interval.NextBackOff())
	defer tick.Stop()

	running := false

	for {
		select {
		case <-ctx.Done():
			e.cancelJob(jobID)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// Таймаут шага задан дедлайном контекста
				return JobStatus{}, fmt.Errorf("%w: job %s: step deadline exceeded", domain.ErrTimeout, jobID)
			}
			return JobStatus{}, fmt.Errorf("%w: job %s: %v", domain.ErrCancelled, jobID, ctx.Err())

		case <-deadline.C:
			e.cancelJob(jobID)
			return JobStatus{}, fmt.Errorf("%w: job %s not finished after %s", domain.ErrTimeout, jobID, e.cfg.PollTimeout)

		case <-tick.C:
		}

		status, err := e.cfg.Scheduler.Query(ctx, jobID)
		e.cfg.Metrics.JobPolled(e.cfg.Name)
		if err != nil {
			// Ошибки опроса не фатальны: ожидание ограничено PollTimeout
			e.logger.Warn("job status query failed",
				"instance", inst.Key,
				"job_id", jobID,
				"error", err,
			)
			tick.Reset(interval.NextBackOff())
			continue
		}

		if status.State == domain.JobRunning && !running {
			running = true
			inst.MarkRunning()
			notify(inst)
		}

		if status.State.IsTerminal() {
			e.logger.Info("job finished",
				"instance", inst.Key,
				"job_id", jobID,
				"state", status.State,
				"exit_code", status.ExitCode,
			)
			return status, nil
		}

		tick.Reset(interval.NextBackOff())
	}
}

// pollBackOff возвращает растущий интервал опроса без случайного разброса.
func (e *Executor) pollBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.PollInterval,
		RandomizationFactor: 0,
		Multiplier:          e.cfg.PollMultiplier,
		MaxInterval:         e.cfg.PollMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// cancelJob отменяет job с собственным таймаутом: контекст запроса уже может быть отменён.
func (e *Executor) cancelJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CancelTimeout)
	defer cancel()

	if err := e.cfg.Scheduler.Cancel(ctx, jobID); err != nil {
		e.logger.Error("failed to cancel job", "job_id", jobID, "error", err)
		return
	}
	e.logger.Info("job cancelled", "job_id", jobID)
}

// Cancel отменяет job по идентификатору.
func (e *Executor) Cancel(ctx context.Context, jobID string) error {
	return e.cfg.Scheduler.Cancel(ctx, jobID)
}

// Fetch скачивает выходы экземпляра в <local_root>/<workflow>-<run>/<key>/<output>/.
//
// Каждый выход скачивается с одной повторной попыткой (FetchRetries),
// затем — domain.ErrFetch.
func (e *Executor) Fetch(ctx context.Context, run Run, inst *domain.Instance, outputs map[string]*domain.Artifact) error {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	localDir := e.LocalDir(run, inst.Key)

	for _, name := range names {
		a := outputs[name]
		dir := filepath.Join(localDir, name)

		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.TransientInitialDelay), uint64(e.cfg.FetchRetries))

		var paths []string
		err := backoff.RetryNotify(func() error {
			var err error
			paths, err = e.cfg.Transport.Download(ctx, a.RemotePaths, dir)
			if err != nil && ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			e.cfg.Metrics.Retried(string(domain.KindFetch))
			e.logger.Warn("fetch failed, retrying",
				"instance", inst.Key,
				"output", name,
				"delay", d,
				"error", err,
			)
		})
		if err != nil {
			return e.classify(ctx, domain.ErrFetch, "output "+name, err)
		}

		a.MarkFetched(paths)
	}

	return nil
}

// Close закрывает соединения транспорта.
func (e *Executor) Close() error {
	return e.cfg.Transport.Close()
}

// retryTransient повторяет fn с ограниченной экспоненциальной задержкой.
func (e *Executor) retryTransient(ctx context.Context, kind domain.ErrorKind, fn func() error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.TransientInitialDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         e.cfg.TransientMaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.TransientAttempts-1)), ctx), func(err error, d time.Duration) {
		e.cfg.Metrics.Retried(string(kind))
		e.logger.Warn("transient remote error, retrying",
			"kind", kind,
			"attempt", attempt,
			"delay", d,
			"error", err,
		)
	})
}

// classify оборачивает окончательную ошибку в sentinel таксономии.
// Отмена контекста имеет приоритет над ошибкой транспорта.
func (e *Executor) classify(ctx context.Context, sentinel error, what string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrTimeout, what, err)
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", domain.ErrCancelled, what, err)
	}
	return fmt.Errorf("%w: %s: %w", sentinel, what, err)
}
