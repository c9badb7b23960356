package domain

// WorkflowStatus — статус выполнения workflow.
//
// Жизненный цикл:
//
//	BUILDING → SUBMITTED → RUNNING → SUCCEEDED
//	                               ↘ FAILED
//	                     (или) → CANCELLED (отмена через context)
type WorkflowStatus string

const (
	// WorkflowStatusBuilding — workflow собирается (шаги добавляются).
	WorkflowStatusBuilding WorkflowStatus = "BUILDING"

	// WorkflowStatusSubmitted — Submit вызван, DAG построен, шаги ещё не запущены.
	WorkflowStatusSubmitted WorkflowStatus = "SUBMITTED"

	// WorkflowStatusRunning — хотя бы один шаг запущен.
	WorkflowStatusRunning WorkflowStatus = "RUNNING"

	// WorkflowStatusSucceeded — все шаги успешно завершены.
	WorkflowStatusSucceeded WorkflowStatus = "SUCCEEDED"

	// WorkflowStatusFailed — хотя бы один шаг упал.
	WorkflowStatusFailed WorkflowStatus = "FAILED"

	// WorkflowStatusCancelled — workflow отменён.
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный (workflow завершён).
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusSucceeded, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus — агрегированный статус шага.
//
// Шаг со слайсами SUCCEEDED только если все его экземпляры SUCCEEDED,
// и FAILED, если хотя бы один экземпляр исчерпал попытки.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"

	// StepStatusSkipped — шаг не запускался, потому что упал один из upstream шагов.
	StepStatusSkipped StepStatus = "SKIPPED"

	// StepStatusCancelled — шаг не завершился из-за отмены workflow.
	StepStatusCancelled StepStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// InstanceStatus — статус экземпляра шага (одного batch job).
//
// Жизненный цикл:
//
//	PENDING → STAGING → SUBMITTED → RUNNING → SUCCEEDED
//	                        ↑                ↘ FAILED
//	                        └── retry ───────┘
type InstanceStatus string

const (
	// InstanceStatusPending — экземпляр создан, ждёт свободного воркера.
	InstanceStatusPending InstanceStatus = "PENDING"

	// InstanceStatusStaging — входные артефакты загружаются на удалённый хост.
	InstanceStatusStaging InstanceStatus = "STAGING"

	// InstanceStatusSubmitted — job отправлен в очередь планировщика.
	InstanceStatusSubmitted InstanceStatus = "SUBMITTED"

	// InstanceStatusRunning — планировщик сообщил, что job выполняется.
	InstanceStatusRunning InstanceStatus = "RUNNING"

	// InstanceStatusSucceeded — job завершён, выходные артефакты скачаны.
	InstanceStatusSucceeded InstanceStatus = "SUCCEEDED"

	// InstanceStatusFailed — экземпляр упал (после всех retry).
	InstanceStatusFailed InstanceStatus = "FAILED"

	// InstanceStatusCancelled — экземпляр прерван отменой workflow.
	InstanceStatusCancelled InstanceStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// ArtifactState — готовность артефакта.
//
//	UNSTAGED → STAGED → FETCHED
type ArtifactState string

const (
	// ArtifactUnstaged — артефакт существует только локально (или ещё не произведён).
	ArtifactUnstaged ArtifactState = "UNSTAGED"

	// ArtifactStaged — артефакт лежит в удалённой рабочей директории.
	ArtifactStaged ArtifactState = "STAGED"

	// ArtifactFetched — артефакт скачан обратно и доступен локально.
	ArtifactFetched ArtifactState = "FETCHED"
)

// JobState — состояние batch job с точки зрения планировщика.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// IsTerminal возвращает true, если job больше не будет меняться.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}
