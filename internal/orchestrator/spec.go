package orchestrator

import (
	"fmt"
	"time"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/op"
	"github.com/shaiso/batchflow/internal/worker"
)

// FromSpec собирает Workflow из декларативного описания.
//
// executors — исполнители по имени из spec.Executors; операции строятся
// через registry. Spec проверяется engine.Validate до сборки.
func FromSpec(spec *domain.WorkflowSpec, registry *op.Registry, executors map[string]worker.Executor, cfg Config) (*Workflow, error) {
	if err := engine.Validate(spec, registry.Has); err != nil {
		return nil, err
	}

	w := New(spec.Name, cfg)

	// 1. Шаги с выходами (ссылки from могут указывать вперёд)
	steps := make(map[string]*Step, len(spec.Steps))
	for i := range spec.Steps {
		def := &spec.Steps[i]

		operation, err := registry.Build(def.Operation)
		if err != nil {
			return nil, engine.NewValidationError(def.Name, "operation", err.Error(), err)
		}

		executor, ok := executors[def.Executor]
		if !ok || executor == nil {
			return nil, engine.NewValidationError(def.Name, "executor",
				fmt.Sprintf("executor %q is not configured", def.Executor), engine.ErrUnknownExecutor)
		}

		step := NewStep(def.Name, operation).
			WithExecutor(executor).
			WithSlices(engine.NewSliceSpec(def.Slices)).
			WithRetry(stepRetry(spec, def)).
			WithTimeout(stepTimeout(spec, def))

		steps[def.Name] = step
		w.Add(step)
	}

	// 2. Привязка артефактов
	for i := range spec.Steps {
		def := &spec.Steps[i]
		step := steps[def.Name]

		for input, binding := range def.Artifacts {
			if binding.From == "" {
				a := domain.Upload(binding.Upload...)
				a.Name = input
				step.Bind(input, a)
				continue
			}

			producer, output, _ := engine.SplitRef(binding.From)
			src, ok := steps[producer]
			if !ok {
				return nil, engine.NewValidationError(def.Name, "artifacts."+input,
					"unknown step "+producer, ErrUnknownStep)
			}
			a := src.Output(output)
			if a == nil {
				return nil, engine.NewValidationError(def.Name, "artifacts."+input,
					fmt.Sprintf("step %s does not declare output %s", producer, output), ErrUnknownOutput)
			}
			step.Bind(input, a)
		}
	}

	return w, nil
}

// stepRetry возвращает политику шага или defaults.retry.
func stepRetry(spec *domain.WorkflowSpec, def *domain.StepDef) *domain.RetryPolicy {
	if def.Retry != nil {
		return def.Retry
	}
	if spec.Defaults != nil {
		return spec.Defaults.Retry
	}
	return nil
}

// stepTimeout возвращает таймаут шага или defaults.timeout_sec.
func stepTimeout(spec *domain.WorkflowSpec, def *domain.StepDef) time.Duration {
	sec := def.TimeoutSec
	if sec <= 0 && spec.Defaults != nil {
		sec = spec.Defaults.TimeoutSec
	}
	return time.Duration(sec) * time.Second
}
