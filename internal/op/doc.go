// Package op описывает контракт операции — пользовательской единицы работы.
//
// Операция объявляет входную и выходную сигнатуры (имя слота → тип артефакта)
// и реализует Execute. Движок проверяет сигнатуры до и после Execute;
// нарушение контракта — domain.ErrSignatureMismatch, без повторных попыток.
//
// Варианты операций подключаются через Registry:
//
//	reg := op.NewRegistry()
//	reg.Register("my-op", func(def domain.OperationDef) (op.Operation, error) { ... })
//
// Операция не меняет рабочую директорию процесса: директория передаётся
// явно через Env и Invocation.
package op
