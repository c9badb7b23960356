package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/worker"
)

// publishTimeout — ограничение на публикацию одного события и запись run.
const publishTimeout = 5 * time.Second

// dispatch запускает все готовые шаги.
// Шаг без экземпляров завершается сразу, поэтому выбор повторяется,
// пока появляются новые готовые шаги. После отмены ctx новые шаги не запускаются.
func (w *Workflow) dispatch(ctx context.Context, state *RunState, pool *worker.Pool, logger *slog.Logger) {
	for ctx.Err() == nil {
		ready := state.GetReadySteps()
		if len(ready) == 0 {
			return
		}
		for _, node := range ready {
			w.startStep(ctx, state, pool, node.Name, logger)
		}
	}
}

// startStep разбивает шаг на экземпляры и отправляет их в пул.
func (w *Workflow) startStep(ctx context.Context, state *RunState, pool *worker.Pool, name string, logger *slog.Logger) {
	ss := state.steps[name]
	step := ss.step
	state.MarkStepRunning(name)

	expansions, err := engine.Expand(name, step.slices, step.inputs)
	if err != nil {
		logger.Warn("step expansion failed", "step", name, "error", err)
		w.failStep(ctx, state, name, err, logger)
		return
	}

	// Кардинальность 0: шаг сразу SUCCEEDED с пустыми выходами
	if len(expansions) == 0 {
		logger.Info("step has no instances", "step", name)
		w.completeStep(ctx, state, name, logger)
		return
	}

	logger.Info("step started", "step", name, "instances", len(expansions))

	timeout := step.timeout
	if timeout <= 0 {
		timeout = w.cfg.Timeout
	}
	run := state.RemoteRun()

	instances := make([]*domain.Instance, 0, len(expansions))
	for _, exp := range expansions {
		inst := domain.NewInstance(name, exp.Key, exp.Index, exp.Item, exp.Inputs)
		state.AddInstance(inst)
		instances = append(instances, inst)
	}

	for _, inst := range instances {
		err := pool.Submit(ctx, worker.Task{
			Run:       run,
			Instance:  inst,
			Operation: step.operation,
			Executor:  step.executor,
			Retry:     step.retry,
			Timeout:   timeout,
		})
		if err != nil {
			// Пул остановлен: экземпляр не запускался
			inst.MarkFailed(fmt.Errorf("%w: %v", domain.ErrCancelled, err))
			w.handleResult(ctx, state, worker.Result{Instance: inst, Err: err}, logger)
		}
	}
}

// handleResult учитывает завершённый экземпляр и, если он последний
// в шаге, финализирует шаг.
func (w *Workflow) handleResult(ctx context.Context, state *RunState, res worker.Result, logger *slog.Logger) {
	inst := res.Instance

	logger.Debug("instance finished",
		"step", inst.Step,
		"instance", inst.Key,
		"status", inst.Status,
		"kind", inst.Kind,
	)

	if !state.FinishInstance(inst) {
		return
	}

	if failed := firstFailure(state.steps[inst.Step].instances); failed != nil {
		w.failStep(ctx, state, inst.Step, domain.NewInstanceError(failed.Key, failed.Err), logger)
		return
	}
	w.completeStep(ctx, state, inst.Step, logger)
}

// firstFailure возвращает экземпляр, определяющий ошибку шага:
// первый FAILED в порядке индексов, иначе первый CANCELLED.
func firstFailure(instances []*domain.Instance) *domain.Instance {
	var cancelled *domain.Instance
	for _, inst := range instances {
		switch inst.Status {
		case domain.InstanceStatusSucceeded:
		case domain.InstanceStatusCancelled:
			if cancelled == nil {
				cancelled = inst
			}
		default:
			return inst
		}
	}
	return cancelled
}

// completeStep публикует собранные выходы шага и помечает его SUCCEEDED.
//
// Разбиваемый выход шага со слайсами — коллекция выходов экземпляров
// в порядке индексов; общий выход публикуется один раз из экземпляра 0.
func (w *Workflow) completeStep(ctx context.Context, state *RunState, name string, logger *slog.Logger) {
	ss := state.steps[name]

	instances := append([]*domain.Instance(nil), ss.instances...)
	sort.SliceStable(instances, func(i, j int) bool { return instances[i].Index < instances[j].Index })

	for slot, artifact := range ss.step.outputs {
		from := instances
		if !ss.step.slices.IsPartitionedOutput(slot) && len(from) > 1 {
			from = from[:1]
		}

		paths := make([]string, 0, len(from))
		for _, inst := range from {
			if out := inst.Outputs[slot]; out != nil {
				paths = append(paths, out.Paths...)
			}
		}
		artifact.Publish(paths)
	}

	state.MarkStepCompleted(name)
	logger.Info("step succeeded", "step", name, "instances", len(ss.instances))

	w.emit(ctx, domain.Event{
		Type:     domain.EventStepFinished,
		RunID:    state.Run.ID,
		Workflow: w.name,
		Step:     name,
		Status:   string(domain.StepStatusSucceeded),
	})
}

// failStep помечает шаг FAILED (или CANCELLED) и пропускает зависимые шаги.
func (w *Workflow) failStep(ctx context.Context, state *RunState, name string, err error, logger *slog.Logger) {
	skipped := state.MarkStepFailed(name, err)
	status := state.StepStatus(name)

	logger.Warn("step failed",
		"step", name,
		"status", status,
		"kind", domain.KindOf(err),
		"error", err,
	)

	w.emit(ctx, domain.Event{
		Type:     domain.EventStepFinished,
		RunID:    state.Run.ID,
		Workflow: w.name,
		Step:     name,
		Status:   string(status),
		Kind:     domain.KindOf(err),
		Error:    err.Error(),
	})

	for _, s := range skipped {
		logger.Info("step skipped", "step", s, "upstream", name)
		w.emit(ctx, domain.Event{
			Type:     domain.EventStepFinished,
			RunID:    state.Run.ID,
			Workflow: w.name,
			Step:     s,
			Status:   string(domain.StepStatusSkipped),
			Error:    fmt.Sprintf("upstream step %s %s", name, status),
		})
	}
}

// finalize завершает run и собирает Result.
func (w *Workflow) finalize(ctx context.Context, state *RunState, logger *slog.Logger) *Result {
	run := state.Run

	// Шаги, не запущенные из-за отмены
	for _, s := range w.steps {
		ss := state.steps[s.name]
		if ss.status == domain.StepStatusPending {
			ss.status = domain.StepStatusCancelled
			ss.err = fmt.Errorf("%w: step not started", domain.ErrCancelled)
		}
	}

	result := &Result{
		RunID:    run.ID,
		Workflow: w.name,
		Steps:    make([]StepResult, 0, len(w.steps)),
	}

	cancelled := false
	for _, s := range w.steps {
		ss := state.steps[s.name]
		sr := StepResult{
			Name:      s.name,
			Status:    ss.status,
			Kind:      domain.KindOf(ss.err),
			Err:       ss.err,
			Instances: make([]InstanceResult, 0, len(ss.instances)),
		}
		for _, inst := range ss.instances {
			sr.Instances = append(sr.Instances, newInstanceResult(inst))
		}
		if ss.status == domain.StepStatusSucceeded {
			sr.Outputs = s.outputs
		}
		if ss.status == domain.StepStatusCancelled {
			cancelled = true
		}
		result.Steps = append(result.Steps, sr)
	}

	switch {
	case state.HasFailed():
		msg := "step failed"
		if err := result.Err(); err != nil {
			msg = err.Error()
		}
		run.MarkFailed(msg)
	case cancelled:
		run.MarkCancelled()
	default:
		run.MarkSucceeded()
	}

	result.Status = run.Status
	result.StartedAt = *run.StartedAt
	result.FinishedAt = *run.FinishedAt

	stats := state.Stats()
	logger.Info("workflow finished",
		"status", run.Status,
		"duration", run.Duration(),
		"succeeded", stats.CompletedSteps,
		"failed", stats.FailedSteps,
		"skipped", stats.SkippedSteps,
	)

	w.cfg.Metrics.WorkflowFinished(string(run.Status))
	w.recordRun(ctx, run, false)
	w.emit(ctx, domain.Event{
		Type:     domain.EventWorkflowFinished,
		RunID:    run.ID,
		Workflow: w.name,
		Status:   string(run.Status),
		Error:    run.Error,
	})

	return result
}

// emitInstance публикует переход экземпляра.
func (w *Workflow) emitInstance(ctx context.Context, run *domain.Run, inst *domain.Instance) {
	w.emit(ctx, domain.Event{
		Type:     domain.EventInstanceUpdated,
		RunID:    run.ID,
		Workflow: w.name,
		Step:     inst.Step,
		Instance: inst.Key,
		Status:   string(inst.Status),
		JobID:    inst.JobID,
		Attempt:  inst.Attempt,
		Kind:     inst.Kind,
		Error:    inst.ErrorString(),
	})
}

// emit передаёт событие наблюдателю и публикует его.
// Ошибка публикации не влияет на выполнение.
func (w *Workflow) emit(ctx context.Context, event domain.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	if w.cfg.OnEvent != nil {
		w.cfg.OnEvent(event)
	}

	if w.cfg.Publisher == nil {
		return
	}

	// Событие о завершении публикуется и после отмены workflow
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := w.cfg.Publisher.PublishEvent(pctx, event); err != nil {
		w.logger.Warn("failed to publish event",
			"type", event.Type,
			"step", event.Step,
			"instance", event.Instance,
			"error", err,
		)
	}
}

// recordRun сохраняет run в историю.
func (w *Workflow) recordRun(ctx context.Context, run *domain.Run, create bool) {
	if w.cfg.Runs == nil {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	var err error
	if create {
		err = w.cfg.Runs.Create(rctx, run)
	} else {
		err = w.cfg.Runs.Update(rctx, run)
	}
	if err != nil {
		w.logger.Warn("failed to record run", "run_id", run.ID, "error", err)
	}
}
