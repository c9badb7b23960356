package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/batchflow/internal/domain"
)

// InstanceRepo — memo store успешно завершённых экземпляров в PostgreSQL.
//
// Переживает перезапуск процесса: повторный запуск workflow с теми же
// ключами экземпляров не загружает и не отправляет их заново.
type InstanceRepo struct {
	pool *pgxpool.Pool
}

// NewInstanceRepo создаёт новый InstanceRepo.
func NewInstanceRepo(pool *pgxpool.Pool) *InstanceRepo {
	return &InstanceRepo{pool: pool}
}

// Lookup возвращает запись по (workflow, key).
func (r *InstanceRepo) Lookup(ctx context.Context, workflow, key string) (*domain.MemoEntry, bool, error) {
	query := `
		SELECT workflow, key, step, job_id, outputs, finished_at
		FROM instances
		WHERE workflow = $1 AND key = $2
	`
	entry, err := scanEntry(r.pool.QueryRow(ctx, query, workflow, key))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Save создаёт или заменяет запись.
func (r *InstanceRepo) Save(ctx context.Context, entry *domain.MemoEntry) error {
	outputsJSON, err := json.Marshal(entry.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	query := `
		INSERT INTO instances (workflow, key, step, job_id, outputs, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow, key) DO UPDATE
		SET step = EXCLUDED.step, job_id = EXCLUDED.job_id,
		    outputs = EXCLUDED.outputs, finished_at = EXCLUDED.finished_at
	`
	_, err = r.pool.Exec(ctx, query,
		entry.Workflow,
		entry.Key,
		entry.Step,
		nullString(entry.JobID),
		outputsJSON,
		entry.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

// ListByWorkflow возвращает записи workflow в порядке ключей.
func (r *InstanceRepo) ListByWorkflow(ctx context.Context, workflow string) ([]domain.MemoEntry, error) {
	query := `
		SELECT workflow, key, step, job_id, outputs, finished_at
		FROM instances
		WHERE workflow = $1
		ORDER BY key ASC
	`
	rows, err := r.pool.Query(ctx, query, workflow)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var entries []domain.MemoEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Forget удаляет записи workflow (следующий запуск выполнит всё заново).
// Возвращает количество удалённых записей.
func (r *InstanceRepo) Forget(ctx context.Context, workflow string) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM instances WHERE workflow = $1`, workflow)
	if err != nil {
		return 0, fmt.Errorf("delete instances: %w", err)
	}
	return result.RowsAffected(), nil
}

// scanEntry сканирует одну строку в MemoEntry.
func scanEntry(row pgx.Row) (*domain.MemoEntry, error) {
	var entry domain.MemoEntry
	var jobID *string
	var outputsJSON []byte

	err := row.Scan(
		&entry.Workflow,
		&entry.Key,
		&entry.Step,
		&jobID,
		&outputsJSON,
		&entry.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}

	if err := json.Unmarshal(outputsJSON, &entry.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if jobID != nil {
		entry.JobID = *jobID
	}
	return &entry, nil
}
