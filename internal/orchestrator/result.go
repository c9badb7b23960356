package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/batchflow/internal/domain"
)

// Result — итог Submit: статус workflow и исходы шагов.
type Result struct {
	RunID    uuid.UUID
	Workflow string
	Status   domain.WorkflowStatus

	// Steps — исходы шагов в порядке объявления.
	Steps []StepResult

	StartedAt  time.Time
	FinishedAt time.Time
}

// StepResult — исход шага.
type StepResult struct {
	Name   string
	Status domain.StepStatus
	Kind   domain.ErrorKind
	Err    error

	// Instances — экземпляры в порядке индексов.
	// Выходы успешных экземпляров доступны, даже если шаг FAILED.
	Instances []InstanceResult

	// Outputs — собранные выходы шага (заполнены, если шаг SUCCEEDED).
	Outputs map[string]*domain.Artifact
}

// InstanceResult — исход экземпляра.
type InstanceResult struct {
	Key      string
	Index    int
	Item     string
	Status   domain.InstanceStatus
	Kind     domain.ErrorKind
	Err      error
	JobID    string
	Attempts int
	Memoized bool
	Duration time.Duration
	Outputs  map[string]*domain.Artifact
}

// Step возвращает исход шага по имени.
func (r *Result) Step(name string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// Succeeded возвращает true, если workflow завершён успешно.
func (r *Result) Succeeded() bool {
	return r.Status == domain.WorkflowStatusSucceeded
}

// Err возвращает ошибку первого упавшего шага или nil.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil && s.Status != domain.StepStatusSkipped {
			return fmt.Errorf("step %s: %w", s.Name, s.Err)
		}
	}
	if r.Status == domain.WorkflowStatusCancelled {
		return domain.ErrCancelled
	}
	return nil
}

// Duration возвращает продолжительность выполнения.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Instance возвращает исход экземпляра по ключу.
func (s *StepResult) Instance(key string) *InstanceResult {
	for i := range s.Instances {
		if s.Instances[i].Key == key {
			return &s.Instances[i]
		}
	}
	return nil
}

func newInstanceResult(inst *domain.Instance) InstanceResult {
	return InstanceResult{
		Key:      inst.Key,
		Index:    inst.Index,
		Item:     inst.Item,
		Status:   inst.Status,
		Kind:     inst.Kind,
		Err:      inst.Err,
		JobID:    inst.JobID,
		Attempts: inst.Attempt,
		Memoized: inst.Memoized,
		Duration: inst.Duration(),
		Outputs:  inst.Outputs,
	}
}
