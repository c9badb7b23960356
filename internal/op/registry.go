package op

import (
	"errors"
	"fmt"

	"github.com/shaiso/batchflow/internal/domain"
)

// Ошибки реестра операций.
var (
	// ErrUnknownOperation — нет фабрики для данного типа операции.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrInvalidOperation — декларация операции некорректна.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Factory создаёт операцию из декларации.
type Factory func(def domain.OperationDef) (Operation, error)

// Registry — реестр фабрик операций по типу.
//
// Пользовательские варианты операций подключаются через Register,
// а не через наследование.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry создаёт реестр с зарегистрированными операциями по умолчанию.
//
// Регистрирует: command.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("command", NewCommand)
	return r
}

// Register добавляет фабрику для типа операции.
func (r *Registry) Register(opType string, factory Factory) {
	r.factories[opType] = factory
}

// Has проверяет, зарегистрирован ли тип.
func (r *Registry) Has(opType string) bool {
	_, ok := r.factories[opType]
	return ok
}

// Build создаёт операцию по декларации.
func (r *Registry) Build(def domain.OperationDef) (Operation, error) {
	opType := def.Type
	if opType == "" {
		opType = "command"
	}
	factory, ok := r.factories[opType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opType)
	}
	return factory(def)
}
