package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/op"
	"github.com/shaiso/batchflow/internal/telemetry"
)

// process выполняет экземпляр: memo → stage → execute (с retry) → fetch.
func (p *Pool) process(ctx context.Context, task Task) error {
	inst := task.Instance
	logger := telemetry.WithInstance(p.logger, inst.Step, inst.Key).With("run_id", task.Run.ID)

	if task.Executor == nil {
		return ErrNoExecutor
	}
	if task.Operation == nil {
		return ErrNoOperation
	}

	// 1. Готовый экземпляр не загружается и не отправляется повторно
	if p.restore(ctx, task) {
		logger.Info("instance restored from memo", "job_id", inst.JobID)
		return nil
	}

	if ctx.Err() != nil {
		return cancelled(ctx.Err())
	}

	// 2. Staging
	inst.MarkStaging()
	p.notify(inst)

	if err := task.Executor.Stage(ctx, task.Run, inst); err != nil {
		logger.Warn("staging failed", "error", err)
		return err
	}

	logger.Debug("instance staged", "remote_dir", inst.RemoteDir)

	// 3. Выполнение с retry
	outputs, err := p.executeWithRetry(ctx, task)
	if err != nil {
		logger.Warn("instance failed",
			"job_id", inst.JobID,
			"attempt", inst.Attempt,
			"error", err,
		)
		return err
	}

	// 4. Fetch
	if err := task.Executor.Fetch(ctx, task.Run, inst, outputs); err != nil {
		logger.Warn("fetch failed", "job_id", inst.JobID, "error", err)
		return err
	}

	inst.MarkSucceeded(outputs)

	logger.Info("instance succeeded",
		"job_id", inst.JobID,
		"attempt", inst.Attempt,
		"duration", inst.Duration(),
	)

	p.remember(ctx, task)
	return nil
}

// restore восстанавливает экземпляр из memo store.
// Возвращает false, если записи нет, она не покрывает выходы операции
// или скачанных файлов записи уже нет на диске.
func (p *Pool) restore(ctx context.Context, task Task) bool {
	if p.memo == nil {
		return false
	}

	inst := task.Instance
	entry, ok, err := p.memo.Lookup(ctx, task.Run.Workflow, inst.Key)
	if err != nil {
		p.logger.Warn("memo lookup failed", "instance", inst.Key, "error", err)
		return false
	}
	if !ok {
		return false
	}

	outputs := entry.Artifacts()
	if err := op.CheckOutputs(task.Operation, outputs); err != nil {
		p.logger.Warn("memo entry does not match operation outputs, re-running",
			"instance", inst.Key,
			"error", err,
		)
		return false
	}

	// Запись могла пережить скачанные файлы
	for name, a := range outputs {
		for _, path := range a.Paths {
			if !p.pathExists(path) {
				p.logger.Warn("memoized output is missing, re-running",
					"instance", inst.Key,
					"output", name,
					"path", path,
				)
				return false
			}
		}
	}

	now := time.Now()
	inst.StartedAt = &now
	inst.JobID = entry.JobID
	inst.Memoized = true
	inst.MarkSucceeded(outputs)
	return true
}

// remember сохраняет успешный экземпляр в memo store.
func (p *Pool) remember(ctx context.Context, task Task) {
	if p.memo == nil {
		return
	}
	// Ошибка записи не меняет итог экземпляра: выходы уже скачаны
	if err := p.memo.Save(ctx, domain.NewMemoEntry(task.Run.Workflow, task.Instance)); err != nil {
		p.logger.Warn("failed to save memo entry",
			"instance", task.Instance.Key,
			"error", err,
		)
	}
}

// executeWithRetry выполняет операцию с retry согласно RetryPolicy.
//
// Повторяется только ExecutionFailed: входы уже загружены, поэтому
// повторная попытка — это новый job в той же рабочей директории.
func (p *Pool) executeWithRetry(ctx context.Context, task Task) (map[string]*domain.Artifact, error) {
	inst := task.Instance
	policy := p.policy(task)

	env := op.Env{
		Step:      inst.Step,
		Key:       inst.Key,
		Index:     inst.Index,
		Item:      inst.Item,
		RemoteDir: inst.RemoteDir,
		Invoker:   task.Executor.Invoker(inst, p.notify),
	}

	delays := retryBackOff(&policy)

	for {
		out, err := p.execute(ctx, task, env)
		if err == nil {
			return out, nil
		}

		// Проверяем, можно ли делать retry
		if !errors.Is(err, domain.ErrExecutionFailed) || !inst.CanRetry(policy.MaxAttempts) {
			return nil, err
		}

		delay := delays.NextBackOff()

		p.metrics.Retried(string(domain.KindExecutionFailed))
		p.logger.Info("retrying instance",
			"instance", inst.Key,
			"attempt", inst.Attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		// Ждём с учётом context
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, cancelled(ctx.Err())
		}
	}
}

// execute выполняет одну попытку с таймаутом шага.
func (p *Pool) execute(ctx context.Context, task Task, env op.Env) (map[string]*domain.Artifact, error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	out, err := op.Execute(ctx, task.Operation, env, op.IO(task.Instance.Inputs))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// policy возвращает политику задачи, дополненную политикой пула.
func (p *Pool) policy(task Task) domain.RetryPolicy {
	if task.Retry == nil {
		return p.retry
	}
	policy := *task.Retry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = p.retry.MaxAttempts
	}
	if policy.Backoff == "" {
		policy.Backoff = p.retry.Backoff
	}
	if policy.InitialDelayMs <= 0 {
		policy.InitialDelayMs = p.retry.InitialDelayMs
	}
	if policy.MaxDelayMs <= 0 {
		policy.MaxDelayMs = p.retry.MaxDelayMs
	}
	return policy
}

// retryBackOff возвращает задержки между попытками по политике:
// fixed — постоянная InitialDelay, exponential (и пусто) — удвоение до MaxDelay.
func retryBackOff(policy *domain.RetryPolicy) backoff.BackOff {
	initialDelay, maxDelay := time.Second, 30*time.Second
	if policy != nil && policy.InitialDelayMs > 0 {
		initialDelay = time.Duration(policy.InitialDelayMs) * time.Millisecond
	}
	if policy != nil && policy.MaxDelayMs > 0 {
		maxDelay = time.Duration(policy.MaxDelayMs) * time.Millisecond
	}
	if initialDelay > maxDelay {
		initialDelay = maxDelay
	}

	if policy != nil && policy.Backoff == "fixed" {
		return backoff.NewConstantBackOff(initialDelay)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     initialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// cancelled приводит ошибку контекста к domain.ErrCancelled.
func cancelled(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrCancelled, err)
}
