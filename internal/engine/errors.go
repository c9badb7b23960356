package engine

import (
	"errors"

	"github.com/shaiso/batchflow/internal/domain"
)

// Ошибки валидации WorkflowSpec.
var (
	// ErrEmptySteps — workflow не содержит шагов.
	ErrEmptySteps = errors.New("workflow has no steps")

	// ErrEmptyStepName — шаг не имеет имени.
	ErrEmptyStepName = errors.New("step has empty name")

	// ErrDuplicateStepName — несколько шагов с одинаковым именем.
	ErrDuplicateStepName = errors.New("duplicate step name")

	// ErrUnknownExecutor — шаг ссылается на неизвестного исполнителя.
	ErrUnknownExecutor = errors.New("unknown executor")

	// ErrUnknownOperation — неизвестный тип операции.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrInvalidBinding — привязка артефакта некорректна.
	ErrInvalidBinding = errors.New("invalid artifact binding")

	// ErrMissingDependency — вход ссылается на несуществующий шаг или выход.
	ErrMissingDependency = errors.New("input references unknown step output")

	// ErrSelfDependency — вход шага ссылается на его собственный выход.
	ErrSelfDependency = errors.New("step depends on itself")

	// ErrDuplicateProducer — один артефакт объявлен выходом нескольких шагов.
	ErrDuplicateProducer = errors.New("artifact has more than one producer")

	// ErrInvalidSlice — спецификация слайсов некорректна.
	ErrInvalidSlice = errors.New("invalid slice definition")

	// ErrDuplicateKey — ключи экземпляров не уникальны.
	ErrDuplicateKey = errors.New("duplicate instance key")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = domain.ErrCyclicDependency
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Step    string // имя шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Step != "" {
		return "step " + e.Step + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(step, field, message string, err error) *ValidationError {
	return &ValidationError{
		Step:    step,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
