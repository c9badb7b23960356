package orchestrator

import (
	"sort"
	"time"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/op"
	"github.com/shaiso/batchflow/internal/worker"
)

// Step — операция, привязанная к артефактам и исполнителю.
//
// Выходные артефакты создаются вместе с шагом по выходной сигнатуре
// операции; другой шаг, получивший Output(name) через Bind, становится
// зависимым от этого шага.
type Step struct {
	name      string
	operation op.Operation
	executor  worker.Executor
	inputs    map[string]*domain.Artifact
	outputs   map[string]*domain.Artifact
	slices    *engine.SliceSpec
	retry     *domain.RetryPolicy
	timeout   time.Duration
}

// NewStep создаёт шаг с выходами по сигнатуре операции.
func NewStep(name string, operation op.Operation) *Step {
	s := &Step{
		name:      name,
		operation: operation,
		inputs:    make(map[string]*domain.Artifact),
		outputs:   make(map[string]*domain.Artifact),
	}
	if operation != nil {
		for _, slot := range operation.OutputSign().Names() {
			s.outputs[slot] = domain.NewOutput(name, slot)
		}
	}
	return s
}

// Bind привязывает вход операции к артефакту.
func (s *Step) Bind(input string, a *domain.Artifact) *Step {
	s.inputs[input] = a
	return s
}

// WithExecutor назначает исполнитель.
func (s *Step) WithExecutor(e worker.Executor) *Step {
	s.executor = e
	return s
}

// WithSlices задаёт разбиение на экземпляры.
func (s *Step) WithSlices(spec *engine.SliceSpec) *Step {
	s.slices = spec
	return s
}

// WithRetry задаёт политику повторов при ExecutionFailed.
func (s *Step) WithRetry(policy *domain.RetryPolicy) *Step {
	s.retry = policy
	return s
}

// WithTimeout ограничивает время одной попытки (отправка и ожидание job).
func (s *Step) WithTimeout(d time.Duration) *Step {
	s.timeout = d
	return s
}

// Name возвращает имя шага.
func (s *Step) Name() string {
	return s.name
}

// Output возвращает выходной артефакт шага (nil, если слот не объявлен).
func (s *Step) Output(name string) *domain.Artifact {
	return s.outputs[name]
}

// Input возвращает привязанный вход.
func (s *Step) Input(name string) *domain.Artifact {
	return s.inputs[name]
}

// Executor возвращает исполнитель шага.
func (s *Step) Executor() worker.Executor {
	return s.executor
}

// Slices возвращает разбиение шага (nil — один экземпляр).
func (s *Step) Slices() *engine.SliceSpec {
	return s.slices
}

// Keys возвращает ключи экземпляров шага.
func (s *Step) Keys() ([]string, error) {
	return engine.Keys(s.name, s.slices)
}

// StepName реализует engine.StepRef.
func (s *Step) StepName() string {
	return s.name
}

// InputArtifacts реализует engine.StepRef.
func (s *Step) InputArtifacts() []*domain.Artifact {
	return sortedArtifacts(s.inputs)
}

// OutputArtifacts реализует engine.StepRef.
func (s *Step) OutputArtifacts() []*domain.Artifact {
	return sortedArtifacts(s.outputs)
}

// validate проверяет шаг перед запуском.
func (s *Step) validate() error {
	if s.operation == nil {
		return engine.NewValidationError(s.name, "operation", "operation is required", ErrMissingOperation)
	}
	if s.executor == nil {
		return engine.NewValidationError(s.name, "executor", "executor is required", ErrMissingExecutor)
	}
	if err := op.CheckInputs(s.operation, s.inputs); err != nil {
		return engine.NewValidationError(s.name, "artifacts", err.Error(), err)
	}
	if s.slices != nil {
		for _, name := range s.slices.Inputs {
			if s.inputs[name] == nil {
				return engine.NewValidationError(s.name, "slices.input_artifacts",
					"partitioned input "+name+" is not bound", engine.ErrInvalidSlice)
			}
		}
	}
	if _, err := s.Keys(); err != nil {
		return err
	}
	return nil
}

func sortedArtifacts(m map[string]*domain.Artifact) []*domain.Artifact {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*domain.Artifact, 0, len(names))
	for _, name := range names {
		if m[name] != nil {
			out = append(out, m[name])
		}
	}
	return out
}
