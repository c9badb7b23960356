package worker

import (
	"context"
	"time"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/op"
	"github.com/shaiso/batchflow/internal/remote"
)

// Executor — удалённый исполнитель с точки зрения воркера.
//
// Реализация: *remote.Executor.
type Executor interface {
	Name() string
	Stage(ctx context.Context, run remote.Run, inst *domain.Instance) error
	Invoker(inst *domain.Instance, notify func(*domain.Instance)) op.Invoker
	Fetch(ctx context.Context, run remote.Run, inst *domain.Instance, outputs map[string]*domain.Artifact) error
}

var _ Executor = (*remote.Executor)(nil)

// Memo — хранилище успешно завершённых экземпляров.
//
// Реализации: repo.MemoryStore, repo.InstanceRepo (PostgreSQL).
type Memo interface {
	Lookup(ctx context.Context, workflow, key string) (*domain.MemoEntry, bool, error)
	Save(ctx context.Context, entry *domain.MemoEntry) error
}

// Task — экземпляр шага, готовый к выполнению.
type Task struct {
	// Run — запуск workflow (пути на удалённом и локальном хостах).
	Run remote.Run

	// Instance — экземпляр; принадлежит воркеру до получения Result.
	Instance *domain.Instance

	// Operation — шаблон операции шага.
	Operation op.Operation

	// Executor — исполнитель шага.
	Executor Executor

	// Retry — политика повторов при ExecutionFailed (nil — политика пула).
	Retry *domain.RetryPolicy

	// Timeout — предельное время одной попытки submit+poll (0 — без ограничения шага).
	Timeout time.Duration
}

// Result — итог выполнения задачи.
type Result struct {
	Instance *domain.Instance
	Err      error
}
