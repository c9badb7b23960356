package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/repo"
	"github.com/shaiso/batchflow/internal/telemetry"
	"github.com/shaiso/batchflow/internal/worker"
)

// EventPublisher публикует события жизненного цикла.
//
// Реализация: *mq.Publisher.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event domain.Event) error
}

// RunStore хранит историю запусков.
//
// Реализация: *repo.RunRepo.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	Update(ctx context.Context, run *domain.Run) error
}

// Workflow — DAG шагов с синхронным Submit.
//
// Workflow — центральный компонент системы, который:
//   - Собирается декларативно (Add, Bind, WithSlices, WithExecutor)
//   - Строит DAG по идентичности артефактов и отвергает циклы
//   - Разбивает готовые шаги на экземпляры и отправляет их в пул воркеров
//   - Реагирует на завершение экземпляров, собирает выходы шагов
//   - Помечает зависимые от упавшего шага шаги как SKIPPED
//   - Финализирует run (SUCCEEDED/FAILED/CANCELLED)
type Workflow struct {
	name  string
	steps []*Step

	status domain.WorkflowStatus

	// Configuration
	cfg Config

	// Lifecycle
	logger    *slog.Logger
	running   bool
	runningMu sync.Mutex

	// emitMu сериализует публикацию событий из горутин воркеров.
	emitMu sync.Mutex
}

// Config — конфигурация Workflow.
type Config struct {
	// MaxParallel — максимум одновременно выполняемых экземпляров (default: 16).
	MaxParallel int

	// Retry — политика повторов по умолчанию для шагов без собственной.
	Retry *domain.RetryPolicy

	// Timeout — ограничение попытки для шагов без собственного (0 — нет).
	Timeout time.Duration

	// Memo — memo store (default: repo.MemoryStore на время жизни Workflow).
	Memo worker.Memo

	// PathExists — проверка путей записей memo store (default: os.Stat).
	PathExists func(path string) bool

	// Runs — история запусков (опционально).
	Runs RunStore

	// Publisher — публикация событий (опционально).
	Publisher EventPublisher

	// OnEvent — наблюдатель событий (опционально).
	// Вызывается синхронно, в том числе из горутин воркеров.
	OnEvent func(domain.Event)

	// Logger
	Logger *slog.Logger

	// Metrics (опционально).
	Metrics *telemetry.Metrics
}

// New создаёт пустой Workflow в статусе BUILDING.
func New(name string, cfg Config) *Workflow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger

	if cfg.Memo == nil {
		cfg.Memo = repo.NewMemoryStore()
	}

	return &Workflow{
		name:   name,
		status: domain.WorkflowStatusBuilding,
		cfg:    cfg,
		logger: logger,
	}
}

// Add добавляет шаги в workflow.
func (w *Workflow) Add(steps ...*Step) {
	w.steps = append(w.steps, steps...)
}

// Name возвращает имя workflow.
func (w *Workflow) Name() string {
	return w.name
}

// Steps возвращает шаги в порядке объявления.
func (w *Workflow) Steps() []*Step {
	return append([]*Step(nil), w.steps...)
}

// Step возвращает шаг по имени.
func (w *Workflow) Step(name string) *Step {
	for _, s := range w.steps {
		if s.name == name {
			return s
		}
	}
	return nil
}

// Status возвращает статус последнего Submit (BUILDING до первого).
func (w *Workflow) Status() domain.WorkflowStatus {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	return w.status
}

// Plan проверяет шаги и строит DAG без запуска.
func (w *Workflow) Plan() (*engine.DAG, error) {
	if len(w.steps) == 0 {
		return nil, ErrNoSteps
	}
	names := make(map[string]bool, len(w.steps))
	for _, s := range w.steps {
		names[s.name] = true
	}
	keys := make(engine.KeyIndex)
	for _, s := range w.steps {
		if err := s.validate(); err != nil {
			return nil, err
		}
		stepKeys, err := s.Keys()
		if err != nil {
			return nil, err
		}
		if err := keys.Add(s.name, stepKeys); err != nil {
			return nil, err
		}
		for input, a := range s.inputs {
			if p := a.Producer(); p != "" && !names[p] {
				return nil, engine.NewValidationError(s.name, "artifacts."+input,
					"bound to output of step "+p+" which is not in the workflow", ErrUnknownStep)
			}
		}
	}

	refs := make([]engine.StepRef, len(w.steps))
	for i, s := range w.steps {
		refs[i] = s
	}
	return engine.BuildDAG(refs)
}

// Submit выполняет workflow и блокируется до финального состояния всех шагов.
//
// Ошибки сборки (цикл, непривязанный вход, шаг без исполнителя) возвращаются
// как error до запуска чего-либо. Ошибки выполнения отражаются в Result:
// статус FAILED и исходы шагов и экземпляров с категориями ошибок.
//
// Отмена ctx прерывает опросы, отменяет незавершённые job и возвращает
// Result со статусом CANCELLED; успешные экземпляры не затрагиваются.
//
// Повторный Submit того же Workflow не загружает и не отправляет экземпляры,
// ключи которых уже SUCCEEDED (memo store).
func (w *Workflow) Submit(ctx context.Context) (*Result, error) {
	if err := w.acquire(); err != nil {
		return nil, err
	}
	defer w.release()

	dag, err := w.Plan()
	if err != nil {
		w.setStatus(domain.WorkflowStatusFailed)
		return nil, err
	}

	run := domain.NewRun(w.name, dag.Size())
	state := NewRunState(run, dag, w.steps)
	w.setStatus(run.Status)

	logger := telemetry.WithRun(w.logger, w.name, run.ID.String())
	logger.Info("workflow submitted", "steps", dag.Size())

	pool := worker.New(worker.Config{
		MaxParallel: w.cfg.MaxParallel,
		Retry:       w.cfg.Retry,
		Memo:        w.cfg.Memo,
		PathExists:  w.cfg.PathExists,
		OnUpdate:    func(inst domain.Instance) { w.emitInstance(ctx, run, &inst) },
		Logger:      logger,
		Metrics:     w.cfg.Metrics,
	})
	defer pool.Stop()

	w.recordRun(ctx, run, true)

	run.MarkRunning()
	w.setStatus(run.Status)
	w.emit(ctx, domain.Event{Type: domain.EventWorkflowStarted, RunID: run.ID, Workflow: w.name, Status: string(run.Status)})

	// Цикл событий: запуск готовых шагов → ожидание экземпляра → реакция
	w.dispatch(ctx, state, pool, logger)
	for state.Inflight() > 0 {
		res := <-pool.Results()
		w.handleResult(ctx, state, res, logger)
		w.dispatch(ctx, state, pool, logger)
	}

	result := w.finalize(ctx, state, logger)
	w.setStatus(result.Status)
	return result, nil
}

func (w *Workflow) acquire() error {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}
	w.running = true
	return nil
}

func (w *Workflow) release() {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	w.running = false
}

func (w *Workflow) setStatus(status domain.WorkflowStatus) {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()
	w.status = status
}
