package orchestrator

import (
	"errors"

	"github.com/shaiso/batchflow/internal/domain"
)

// Ошибки оркестратора.
var (
	// ErrNoSteps — в workflow нет шагов.
	ErrNoSteps = errors.New("workflow has no steps")

	// ErrMissingExecutor — шагу не назначен исполнитель.
	ErrMissingExecutor = errors.New("step has no executor")

	// ErrMissingOperation — у шага нет операции.
	ErrMissingOperation = errors.New("step has no operation")

	// ErrUnknownOutput — шаг не объявляет такой выход.
	ErrUnknownOutput = errors.New("step does not declare output")

	// ErrUnknownStep — ссылка на несуществующий шаг.
	ErrUnknownStep = errors.New("unknown step")

	// ErrAlreadyRunning — Submit уже выполняется для этого workflow.
	ErrAlreadyRunning = errors.New("workflow is already running")

	// ErrCyclicDependency — обнаружена циклическая зависимость в DAG.
	ErrCyclicDependency = domain.ErrCyclicDependency
)
