package op

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shaiso/batchflow/internal/domain"
)

// ArtifactType — тип слота в сигнатуре операции.
type ArtifactType string

// PathArtifact — слот, содержащий файлы или директории.
const PathArtifact ArtifactType = "path"

// Sign — сигнатура операции: имя слота → тип артефакта.
type Sign map[string]ArtifactType

// Names возвращает имена слотов в детерминированном порядке.
func (s Sign) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IO — набор артефактов по имени слота (вход или выход операции).
type IO map[string]*domain.Artifact

// Invocation — запуск внешней программы в явно заданной рабочей директории.
type Invocation struct {
	// WorkDir — удалённая директория, в которой выполняется Command.
	WorkDir string

	// Command — командная строка.
	Command string
}

// Invoker запускает внешнюю программу и ждёт её завершения.
//
// Ненулевой код возврата возвращается как *domain.ExecutionError.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// Env — окружение конкретного экземпляра, передаваемое в Execute.
type Env struct {
	// Step — имя шага.
	Step string

	// Key — ключ экземпляра.
	Key string

	// Index, Item — номер и значение параметра итерации.
	Index int
	Item  string

	// RemoteDir — рабочая директория экземпляра на удалённом хосте.
	RemoteDir string

	// Invoker — способ запустить внешнюю программу через batch планировщик.
	Invoker Invoker
}

// Operation — пользовательская единица работы с типизированным контрактом.
//
// Execute может считать, что все входы из InputSign присутствуют и загружены
// на удалённый хост, и обязан заполнить все выходы из OutputSign.
// Рабочая директория передаётся явно через Env/Invocation; Execute не меняет
// состояние процесса.
type Operation interface {
	InputSign() Sign
	OutputSign() Sign
	Execute(ctx context.Context, env Env, in IO) (IO, error)
}

// SignatureError — нарушение контракта операции.
type SignatureError struct {
	// Direction — "input" или "output".
	Direction string

	// Missing — объявленные, но отсутствующие слоты.
	Missing []string

	// Unexpected — переданные, но не объявленные слоты.
	Unexpected []string
}

// Error реализует интерфейс error.
func (e *SignatureError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Unexpected, ", "))
	}
	return fmt.Sprintf("%s %s: %s", e.Direction, domain.ErrSignatureMismatch, strings.Join(parts, "; "))
}

// Unwrap позволяет errors.Is(err, domain.ErrSignatureMismatch).
func (e *SignatureError) Unwrap() error {
	return domain.ErrSignatureMismatch
}

// CheckInputs проверяет, что переданы ровно объявленные входы.
// Вход может быть пустой коллекцией (выход шага с нулевой кардинальностью).
func CheckInputs(op Operation, in IO) error {
	return checkSign("input", op.InputSign(), in, false)
}

// CheckOutputs проверяет, что операция заполнила ровно объявленные выходы.
func CheckOutputs(op Operation, out IO) error {
	return checkSign("output", op.OutputSign(), out, true)
}

func checkSign(direction string, sign Sign, io IO, populated bool) error {
	var missing, unexpected []string

	for _, name := range sign.Names() {
		a, ok := io[name]
		if !ok || a == nil || (populated && len(a.Paths) == 0 && len(a.RemotePaths) == 0) {
			missing = append(missing, name)
		}
	}
	for name := range io {
		if _, ok := sign[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)

	if len(missing) > 0 || len(unexpected) > 0 {
		return &SignatureError{Direction: direction, Missing: missing, Unexpected: unexpected}
	}
	return nil
}

// Execute выполняет операцию с обязательной проверкой сигнатуры до и после.
func Execute(ctx context.Context, op Operation, env Env, in IO) (IO, error) {
	if err := CheckInputs(op, in); err != nil {
		return nil, err
	}

	out, err := op.Execute(ctx, env, in)
	if err != nil {
		return nil, err
	}

	if err := CheckOutputs(op, out); err != nil {
		return nil, err
	}
	return out, nil
}
