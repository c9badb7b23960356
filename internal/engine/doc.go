// Package engine содержит модель workflow, не зависящую от исполнения.
//
// Включает:
//   - parser.go   — разбор WorkflowSpec из YAML и валидация
//   - dag.go      — построение и обход DAG по идентичности артефактов
//   - slice.go    — разбиение шага на экземпляры (fan-out)
//   - template.go — ключи экземпляров и заголовки job script (Go templates)
//
// Engine отвечает за понимание структуры workflow и определение
// порядка выполнения шагов на основе их зависимостей.
package engine
