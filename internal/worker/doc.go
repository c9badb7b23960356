// Package worker выполняет экземпляры шагов.
//
// # Обзор
//
// Pool получает от оркестратора готовые к запуску экземпляры (Task) и
// проводит каждый через полный цикл на удалённом исполнителе:
//
//  1. Проверка memo store: экземпляр с тем же ключом уже SUCCEEDED —
//     выходы восстанавливаются, staging и отправка не выполняются
//  2. Staging входов в рабочую директорию экземпляра
//  3. op.Execute: проверка сигнатуры, отправка job, опрос до финального состояния
//  4. Retry при ExecutionFailed (новый job без повторного staging)
//  5. Fetch выходов, запись в memo store
//  6. Result в канал Results
//
// Одновременно выполняется не больше MaxParallel экземпляров; остальные
// ждут на семафоре. Ожидание job не занимает слот оркестратора: каждая
// задача — отдельная горутина, оркестратор реагирует на Result.
//
//	pool := worker.New(worker.Config{
//	    MaxParallel: 16,
//	    Memo:        store,
//	    Logger:      logger,
//	})
//
//	pool.Submit(ctx, worker.Task{Run: run, Instance: inst, Operation: operation, Executor: executor})
//	res := <-pool.Results()
//
// # Retry
//
// Retry выполняется в процессе. Стратегии backoff:
//   - "exponential" (по умолчанию): delay = initialDelay * 2^(attempt-1), не больше maxDelay
//   - "fixed": delay = initialDelay
//
// Транзиентные ошибки staging, отправки и fetch повторяет сам исполнитель
// (пакет remote); воркер их не повторяет.
package worker
