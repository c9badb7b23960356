// Package mq публикует события жизненного цикла в RabbitMQ и читает их.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — обменники, DLQ, временные очереди наблюдателей
//   - publisher.go  — публикация событий (orchestrator.EventPublisher)
//   - watcher.go    — получение событий (команда watch)
//
// Типы сообщений совпадают с типами domain.Event:
//   - workflow.started, workflow.finished
//   - step.finished
//   - instance.updated
//
// Exchanges:
//   - batchflow.events — topic, ключ "<workflow>.<type>"
//   - batchflow.dlq    — dead letter queue
package mq
