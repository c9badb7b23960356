package worker

import "errors"

// Ошибки воркера.
var (
	// ErrPoolStopped — пул остановлен, новые задачи не принимаются.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrNoExecutor — у задачи не указан исполнитель.
	ErrNoExecutor = errors.New("task has no executor")

	// ErrNoOperation — у задачи не указана операция.
	ErrNoOperation = errors.New("task has no operation")
)
