// Package telemetry обеспечивает наблюдаемость движка.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики
//
// Команда run экспортирует метрики на /metrics, если задан адрес.
package telemetry
