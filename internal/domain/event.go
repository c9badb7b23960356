package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType — тип события жизненного цикла.
type EventType string

// Типы событий.
const (
	EventWorkflowStarted  EventType = "workflow.started"
	EventWorkflowFinished EventType = "workflow.finished"
	EventStepFinished     EventType = "step.finished"
	EventInstanceUpdated  EventType = "instance.updated"
)

// Event — событие жизненного цикла workflow, шага или экземпляра.
//
// События публикуются в RabbitMQ (если настроен) и используются
// командой watch для наблюдения за выполнением.
type Event struct {
	Type     EventType `json:"type"`
	RunID    uuid.UUID `json:"run_id"`
	Workflow string    `json:"workflow"`
	Step     string    `json:"step,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Status   string    `json:"status"`
	JobID    string    `json:"job_id,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Kind     ErrorKind `json:"kind,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}
