package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema — таблицы истории запусков и memo store.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          UUID PRIMARY KEY,
	workflow    TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	steps       INTEGER     NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS runs_workflow_created_idx ON runs (workflow, created_at DESC);

CREATE TABLE IF NOT EXISTS instances (
	workflow    TEXT        NOT NULL,
	key         TEXT        NOT NULL,
	step        TEXT        NOT NULL,
	job_id      TEXT,
	outputs     JSONB       NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow, key)
);
`

// EnsureSchema создаёт таблицы, если их ещё нет.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
