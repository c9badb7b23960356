// Package cli реализует инструмент командной строки batchflow.
//
// # Обзор
//
// CLI собирает workflow из YAML файла, строит исполнителей (slurm через SSH
// или local), подключает необязательные PostgreSQL и RabbitMQ и выполняет
// workflow до финального состояния всех шагов.
//
// # Команды
//
//   - run WORKFLOW.yaml — выполнить workflow (memo store, история, события, /metrics)
//   - validate WORKFLOW.yaml — проверить файл: схема, привязки, слайсы, циклы
//   - plan WORKFLOW.yaml — уровни DAG, зависимости и ключи экземпляров
//   - watch [WORKFLOW] — поток событий из RabbitMQ
//   - history list|show|memo|forget — история запусков и memo store
//   - config — итоговая конфигурация движка
//
// # Окружение
//
// Env создаётся лениво после разбора флагов: конфигурация загружается
// через config.Loader (defaults < файл < BATCHFLOW_* < --set и флаги команды),
// логгер пишет в stderr.
//
// # Output
//
// Данные выводятся в stdout таблицей (text/tabwriter) или JSON (--json),
// сообщения и прогресс выполнения в stderr:
//
//	batchflow plan cp2k.yaml --json | jq '.[].instances'
package cli
