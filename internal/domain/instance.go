package domain

import (
	"time"
)

// Instance — отдельный batch job внутри шага.
//
// Шаг без слайсов имеет ровно один экземпляр (Index 0), шаг со слайсами
// кардинальности N — N экземпляров с ключами "<Step>-<i>" (или по шаблону).
//
// Экземпляр принадлежит воркеру, пока тот его выполняет, и возвращается
// оркестратору вместе с событием завершения.
type Instance struct {
	// Key — уникальный детерминированный ключ (для идемпотентного перезапуска).
	Key string `json:"key"`

	// Step — имя шага-владельца.
	Step string `json:"step"`

	// Index — номер экземпляра в слайсе (0 для шагов без слайсов).
	Index int `json:"index"`

	// Item — значение параметра итерации для этого экземпляра.
	Item string `json:"item,omitempty"`

	// Status — текущий статус.
	Status InstanceStatus `json:"status"`

	// Attempt — номер попытки выполнения (начиная с 1).
	Attempt int `json:"attempt"`

	// JobID — идентификатор job, выданный планировщиком (последняя попытка).
	JobID string `json:"job_id,omitempty"`

	// RemoteDir — рабочая директория экземпляра на удалённом хосте.
	RemoteDir string `json:"remote_dir,omitempty"`

	// Inputs — входные артефакты экземпляра (копии, принадлежащие экземпляру).
	Inputs map[string]*Artifact `json:"inputs,omitempty"`

	// Outputs — выходные артефакты после fetch.
	Outputs map[string]*Artifact `json:"outputs,omitempty"`

	// Memoized — true, если результат взят из memo store без повторного запуска.
	Memoized bool `json:"memoized,omitempty"`

	// Kind — категория ошибки при неудаче.
	Kind ErrorKind `json:"kind,omitempty"`

	// Err — ошибка при неудаче.
	Err error `json:"-"`

	// StartedAt — время начала выполнения.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewInstance создаёт экземпляр в статусе PENDING.
func NewInstance(step, key string, index int, item string, inputs map[string]*Artifact) *Instance {
	return &Instance{
		Key:     key,
		Step:    step,
		Index:   index,
		Item:    item,
		Status:  InstanceStatusPending,
		Inputs:  inputs,
		Outputs: make(map[string]*Artifact),
	}
}

// Duration возвращает продолжительность выполнения.
func (i *Instance) Duration() time.Duration {
	if i.StartedAt == nil || i.FinishedAt == nil {
		return 0
	}
	return i.FinishedAt.Sub(*i.StartedAt)
}

// IsFinished возвращает true, если экземпляр завершён.
func (i *Instance) IsFinished() bool {
	return i.Status.IsTerminal()
}

// MarkStaging переводит экземпляр в STAGING.
func (i *Instance) MarkStaging() {
	now := time.Now()
	i.Status = InstanceStatusStaging
	i.StartedAt = &now
}

// MarkSubmitted переводит экземпляр в SUBMITTED с новым job id.
// Каждый вызов — новая попытка.
func (i *Instance) MarkSubmitted(jobID string) {
	i.Status = InstanceStatusSubmitted
	i.JobID = jobID
	i.Attempt++
}

// MarkRunning переводит экземпляр в RUNNING.
func (i *Instance) MarkRunning() {
	i.Status = InstanceStatusRunning
}

// MarkSucceeded переводит экземпляр в SUCCEEDED с выходами.
func (i *Instance) MarkSucceeded(outputs map[string]*Artifact) {
	now := time.Now()
	i.Status = InstanceStatusSucceeded
	i.FinishedAt = &now
	i.Outputs = outputs
	i.Kind = KindNone
	i.Err = nil
}

// MarkFailed переводит экземпляр в FAILED (или CANCELLED для отмены).
func (i *Instance) MarkFailed(err error) {
	now := time.Now()
	i.Kind = KindOf(err)
	if i.Kind == KindCancelled {
		i.Status = InstanceStatusCancelled
	} else {
		i.Status = InstanceStatusFailed
	}
	i.FinishedAt = &now
	i.Err = err
}

// ErrorString возвращает текст ошибки или "".
func (i *Instance) ErrorString() string {
	if i.Err == nil {
		return ""
	}
	return i.Err.Error()
}

// CanRetry проверяет, можно ли сделать ещё одну попытку.
func (i *Instance) CanRetry(maxAttempts int) bool {
	return i.Attempt < maxAttempts
}
