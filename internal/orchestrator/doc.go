// Package orchestrator собирает workflow из шагов и выполняет его.
//
// Orchestrator отвечает за:
//   - Сборку шагов (программно или из WorkflowSpec) и построение DAG
//   - Отказ от запуска при циклах и непривязанных входах
//   - Разбиение готовых шагов на экземпляры (слайсы)
//   - Отправку экземпляров в пул воркеров и сбор их выходов
//   - Пропуск шагов, зависящих от упавшего
//   - Финализацию run (SUCCEEDED/FAILED/CANCELLED) и публикацию событий
//
// Submit блокируется до финального состояния всех шагов.
package orchestrator
