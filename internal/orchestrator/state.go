package orchestrator

import (
	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/remote"
)

// stepState — состояние шага в рамках одного run.
type stepState struct {
	step      *Step
	status    domain.StepStatus
	instances []*domain.Instance
	pending   int
	err       error
}

// RunState — состояние выполнения одного run в памяти.
//
// RunState создаётся в Submit и живёт до его возврата.
// Все поля меняет только цикл событий Submit, поэтому мьютекс не нужен.
//
// Содержит:
//   - Run и построенный DAG
//   - Статус и экземпляры каждого шага
//   - Множества completed/blocked для выбора готовых шагов
type RunState struct {
	// Run — данные run.
	Run *domain.Run

	// DAG — граф зависимостей шагов.
	DAG *engine.DAG

	steps map[string]*stepState

	// completed — успешно завершённые шаги.
	completed map[string]bool

	// blocked — шаги, которые не должны запускаться: выполняются
	// или завершены неуспешно (FAILED/SKIPPED/CANCELLED).
	blocked map[string]bool

	// inflight — экземпляры, отправленные в пул и ещё не вернувшиеся.
	inflight int
}

// NewRunState создаёт новый RunState.
func NewRunState(run *domain.Run, dag *engine.DAG, steps []*Step) *RunState {
	s := &RunState{
		Run:       run,
		DAG:       dag,
		steps:     make(map[string]*stepState, len(steps)),
		completed: make(map[string]bool),
		blocked:   make(map[string]bool),
	}
	for _, step := range steps {
		s.steps[step.name] = &stepState{step: step, status: domain.StepStatusPending}
	}
	return s
}

// RemoteRun возвращает идентификацию run для путей исполнителя.
func (s *RunState) RemoteRun() remote.Run {
	return remote.Run{Workflow: s.Run.Workflow, ID: s.Run.ShortID()}
}

// GetReadySteps возвращает шаги, готовые к выполнению, в топологическом порядке.
func (s *RunState) GetReadySteps() []*engine.Node {
	return s.DAG.GetReadyNodes(s.completed, s.blocked)
}

// MarkStepRunning помечает шаг как выполняющийся.
func (s *RunState) MarkStepRunning(name string) {
	s.steps[name].status = domain.StepStatusRunning
	s.blocked[name] = true
}

// MarkStepCompleted помечает шаг как успешно завершённый.
func (s *RunState) MarkStepCompleted(name string) {
	s.steps[name].status = domain.StepStatusSucceeded
	delete(s.blocked, name)
	s.completed[name] = true
}

// MarkStepFailed помечает шаг как упавший (или отменённый) и возвращает
// пропущенные из-за него шаги.
func (s *RunState) MarkStepFailed(name string, err error) []string {
	ss := s.steps[name]
	ss.err = err
	if domain.KindOf(err) == domain.KindCancelled {
		ss.status = domain.StepStatusCancelled
	} else {
		ss.status = domain.StepStatusFailed
	}
	s.blocked[name] = true

	// Зависимые от отменённого шага остаются PENDING и при финализации
	// становятся CANCELLED
	if ss.status == domain.StepStatusCancelled {
		return nil
	}

	var skipped []string
	for _, node := range s.DAG.Descendants(name) {
		dep := s.steps[node.Name]
		if dep.status != domain.StepStatusPending {
			continue
		}
		dep.status = domain.StepStatusSkipped
		dep.err = err
		s.blocked[node.Name] = true
		skipped = append(skipped, node.Name)
	}
	return skipped
}

// AddInstance регистрирует отправленный в пул экземпляр.
func (s *RunState) AddInstance(inst *domain.Instance) {
	ss := s.steps[inst.Step]
	ss.instances = append(ss.instances, inst)
	ss.pending++
	s.inflight++
}

// FinishInstance учитывает вернувшийся экземпляр.
// Возвращает true, если вернулись все экземпляры шага.
func (s *RunState) FinishInstance(inst *domain.Instance) bool {
	ss := s.steps[inst.Step]
	ss.pending--
	s.inflight--
	return ss.pending == 0
}

// Inflight возвращает количество экземпляров в пуле.
func (s *RunState) Inflight() int {
	return s.inflight
}

// StepStatus возвращает статус шага.
func (s *RunState) StepStatus(name string) domain.StepStatus {
	return s.steps[name].status
}

// IsComplete проверяет, все ли шаги в финальном статусе.
func (s *RunState) IsComplete() bool {
	for _, ss := range s.steps {
		if !ss.status.IsTerminal() {
			return false
		}
	}
	return true
}

// HasFailed проверяет, есть ли упавшие шаги.
func (s *RunState) HasFailed() bool {
	for _, ss := range s.steps {
		if ss.status == domain.StepStatusFailed {
			return true
		}
	}
	return false
}

// Stats возвращает статистику выполнения.
func (s *RunState) Stats() RunStats {
	stats := RunStats{TotalSteps: len(s.steps)}
	for _, ss := range s.steps {
		switch ss.status {
		case domain.StepStatusSucceeded:
			stats.CompletedSteps++
		case domain.StepStatusRunning:
			stats.RunningSteps++
		case domain.StepStatusFailed, domain.StepStatusCancelled:
			stats.FailedSteps++
		case domain.StepStatusSkipped:
			stats.SkippedSteps++
		default:
			stats.PendingSteps++
		}
	}
	return stats
}

// RunStats — статистика выполнения run.
type RunStats struct {
	TotalSteps     int
	CompletedSteps int
	RunningSteps   int
	FailedSteps    int
	SkippedSteps   int
	PendingSteps   int
}
