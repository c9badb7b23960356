package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxParallel = 16
	defaultMaxAttempts = 3
)

// Pool выполняет экземпляры шагов.
//
// Pool — ограниченный пул горутин, который:
//   - Проверяет memo store (готовый экземпляр не выполняется повторно)
//   - Загружает входы экземпляра на удалённый хост
//   - Выполняет операцию (отправка job и опрос) с retry при ExecutionFailed
//   - Скачивает выходы и сохраняет результат в memo store
//   - Отправляет Result в канал Results
//
// Ожидание job — горутина, заблокированная на таймере; одновременно
// выполняется не больше MaxParallel экземпляров.
type Pool struct {
	memo       Memo
	pathExists func(string) bool
	retry      domain.RetryPolicy
	onUpdate   func(domain.Instance)

	sem     *semaphore.Weighted
	results chan Result

	// Lifecycle
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	wg        sync.WaitGroup
	stopped   bool
	stoppedMu sync.RWMutex
}

// Config — конфигурация Pool.
type Config struct {
	// MaxParallel — максимум одновременно выполняемых экземпляров (default: 16).
	MaxParallel int

	// Retry — политика повторов по умолчанию (default: 3 попытки, exponential 1s..30s).
	Retry *domain.RetryPolicy

	// Memo — memo store (опционально).
	Memo Memo

	// PathExists проверяет локальные пути записи memo store перед
	// восстановлением (default: os.Stat).
	PathExists func(path string) bool

	// OnUpdate — вызывается при каждом переходе экземпляра со снимком его состояния.
	// Вызывается из горутин воркера.
	OnUpdate func(domain.Instance)

	// Logger
	Logger *slog.Logger

	// Metrics (опционально).
	Metrics *telemetry.Metrics
}

// New создаёт новый Pool.
func New(cfg Config) *Pool {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	retry := domain.RetryPolicy{MaxAttempts: defaultMaxAttempts, Backoff: "exponential"}
	if cfg.Retry != nil {
		retry = *cfg.Retry
		if retry.MaxAttempts <= 0 {
			retry.MaxAttempts = defaultMaxAttempts
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	onUpdate := cfg.OnUpdate
	if onUpdate == nil {
		onUpdate = func(domain.Instance) {}
	}

	pathExists := cfg.PathExists
	if pathExists == nil {
		pathExists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}

	return &Pool{
		memo:       cfg.Memo,
		pathExists: pathExists,
		retry:      retry,
		onUpdate:   onUpdate,
		sem:        semaphore.NewWeighted(int64(maxParallel)),
		results:    make(chan Result, maxParallel),
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// Results возвращает канал результатов.
// Каждая принятая Submit задача даёт ровно один Result.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Submit ставит задачу в очередь и сразу возвращает управление.
//
// Задача ждёт свободного места в пуле; отмена ctx прерывает и ожидание,
// и выполнение (Result придёт со статусом CANCELLED).
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.stoppedMu.RLock()
	defer p.stoppedMu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.results <- p.run(ctx, task)
	}()
	return nil
}

// Stop запрещает новые задачи и ждёт завершения принятых.
// Results должен читаться, пока Stop не вернётся.
func (p *Pool) Stop() {
	p.stoppedMu.Lock()
	p.stopped = true
	p.stoppedMu.Unlock()

	p.wg.Wait()
}

// IsStopped проверяет, остановлен ли Pool.
func (p *Pool) IsStopped() bool {
	p.stoppedMu.RLock()
	defer p.stoppedMu.RUnlock()
	return p.stopped
}

// run ждёт места в пуле и выполняет задачу.
func (p *Pool) run(ctx context.Context, task Task) Result {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return p.finish(task, cancelled(err))
	}
	defer p.sem.Release(1)

	return p.finish(task, p.process(ctx, task))
}

// finish фиксирует итог экземпляра, пишет метрики и memo.
func (p *Pool) finish(task Task, err error) Result {
	inst := task.Instance

	if err != nil {
		inst.MarkFailed(err)
		err = domain.NewInstanceError(inst.Key, err)
	}

	p.notify(inst)
	p.metrics.InstanceFinished(inst.Step, string(inst.Status), inst.Duration())

	return Result{Instance: inst, Err: err}
}

// notify передаёт снимок экземпляра подписчику.
func (p *Pool) notify(inst *domain.Instance) {
	p.onUpdate(*inst)
}
