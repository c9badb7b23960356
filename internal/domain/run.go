package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — один запуск workflow.
//
// Run создаётся при каждом Workflow.Submit и уничтожается вместе с процессом;
// в repo сохраняется только история (статус, время, ошибка).
type Run struct {
	// ID — уникальный идентификатор запуска.
	ID uuid.UUID `json:"id"`

	// Workflow — имя workflow.
	Workflow string `json:"workflow"`

	// Status — текущий статус выполнения.
	Status WorkflowStatus `json:"status"`

	// Steps — количество шагов в DAG.
	Steps int `json:"steps"`

	// StartedAt — время начала выполнения (когда статус стал RUNNING).
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error — текст ошибки, если run завершился с FAILED.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// NewRun создаёт run в статусе SUBMITTED.
func NewRun(workflow string, steps int) *Run {
	return &Run{
		ID:        uuid.New(),
		Workflow:  workflow,
		Status:    WorkflowStatusSubmitted,
		Steps:     steps,
		CreatedAt: time.Now(),
	}
}

// ShortID возвращает первые 8 символов ID (для имён директорий).
func (r *Run) ShortID() string {
	return r.ID.String()[:8]
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkRunning переводит run в статус RUNNING.
func (r *Run) MarkRunning() {
	now := time.Now()
	r.Status = WorkflowStatusRunning
	r.StartedAt = &now
}

// MarkSucceeded переводит run в статус SUCCEEDED.
func (r *Run) MarkSucceeded() {
	now := time.Now()
	r.Status = WorkflowStatusSucceeded
	r.FinishedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *Run) MarkFailed(err string) {
	now := time.Now()
	r.Status = WorkflowStatusFailed
	r.FinishedAt = &now
	r.Error = err
}

// MarkCancelled переводит run в статус CANCELLED.
func (r *Run) MarkCancelled() {
	now := time.Now()
	r.Status = WorkflowStatusCancelled
	r.FinishedAt = &now
}
