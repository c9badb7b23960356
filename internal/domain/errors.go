package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind — категория ошибки экземпляра или workflow.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindSignatureMismatch ErrorKind = "SignatureMismatch"
	KindStaging           ErrorKind = "StagingError"
	KindSubmission        ErrorKind = "SubmissionError"
	KindFetch             ErrorKind = "FetchError"
	KindExecutionFailed   ErrorKind = "ExecutionFailed"
	KindTimeout           ErrorKind = "Timeout"
	KindCyclicDependency  ErrorKind = "CyclicDependency"
	KindSliceMismatch     ErrorKind = "SliceMismatch"
	KindCancelled         ErrorKind = "Cancelled"
	KindInternal          ErrorKind = "Internal"
)

// Базовые ошибки таксономии.
var (
	// ErrSignatureMismatch — нарушен контракт операции (фатально, без retry).
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrStaging — не удалось загрузить входы на удалённый хост (retriable).
	ErrStaging = errors.New("staging error")

	// ErrSubmission — планировщик отверг job script (retriable).
	ErrSubmission = errors.New("submission error")

	// ErrFetch — не удалось скачать выходы (одна повторная попытка).
	ErrFetch = errors.New("fetch error")

	// ErrExecutionFailed — внешняя программа завершилась с ненулевым кодом.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrTimeout — job не достиг финального состояния за отведённое время.
	ErrTimeout = errors.New("poll timeout")

	// ErrCyclicDependency — в графе шагов найден цикл.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSliceMismatch — разбиваемая коллекция короче кардинальности слайса.
	ErrSliceMismatch = errors.New("slice cardinality mismatch")

	// ErrCancelled — выполнение прервано отменой workflow.
	ErrCancelled = errors.New("cancelled")
)

// ExecutionError — внешняя программа экземпляра завершилась с ненулевым кодом.
type ExecutionError struct {
	Step     string
	Instance string
	JobID    string
	ExitCode int
}

// Error реализует интерфейс error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s instance %s: job %s exited with code %d", e.Step, e.Instance, e.JobID, e.ExitCode)
}

// Unwrap позволяет errors.Is(err, ErrExecutionFailed).
func (e *ExecutionError) Unwrap() error {
	return ErrExecutionFailed
}

// KindOf определяет категорию ошибки.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSignatureMismatch):
		return KindSignatureMismatch
	case errors.Is(err, ErrCyclicDependency):
		return KindCyclicDependency
	case errors.Is(err, ErrSliceMismatch):
		return KindSliceMismatch
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrExecutionFailed):
		return KindExecutionFailed
	case errors.Is(err, ErrStaging):
		return KindStaging
	case errors.Is(err, ErrSubmission):
		return KindSubmission
	case errors.Is(err, ErrFetch):
		return KindFetch
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// IsFatal возвращает true для ошибок, которые бессмысленно повторять.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindSignatureMismatch, KindCyclicDependency, KindSliceMismatch, KindTimeout, KindCancelled:
		return true
	default:
		return false
	}
}

// InstanceError — окончательная ошибка экземпляра с его ключом и категорией.
type InstanceError struct {
	Kind ErrorKind
	Key  string
	Err  error
}

// NewInstanceError создаёт InstanceError, определяя категорию по err.
func NewInstanceError(key string, err error) *InstanceError {
	return &InstanceError{Kind: KindOf(err), Key: key, Err: err}
}

// Error реализует интерфейс error.
func (e *InstanceError) Error() string {
	return fmt.Sprintf("instance %s: %s: %v", e.Key, e.Kind, e.Err)
}

// Unwrap возвращает исходную ошибку.
func (e *InstanceError) Unwrap() error {
	return e.Err
}
