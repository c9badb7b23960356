// batchflow — запуск DAG вычислительных шагов как batch job на удалённом кластере.
//
// Использование:
//
//	batchflow [--config FILE] [--json] [--set KEY=VALUE] <command> [flags]
//
// Команды:
//
//	run       Выполнить workflow до финального состояния
//	validate  Проверить файл workflow
//	plan      Показать порядок шагов и ключи экземпляров
//	watch     Поток событий из RabbitMQ
//	history   История запусков и memo store
//	config    Итоговая конфигурация
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/batchflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	// SIGINT/SIGTERM отменяют workflow: опросы прерываются, job отменяются
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
