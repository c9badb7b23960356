package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/remote"
)

// Scheduler запускает job script как локальный процесс.
//
// Stdout и stderr процесса пишутся в <workdir>/<name>.out.
type Scheduler struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type job struct {
	cancel context.CancelFunc
	status remote.JobStatus
}

// NewScheduler создаёт Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Submit запускает script в фоне и сразу возвращает идентификатор.
func (s *Scheduler) Submit(_ context.Context, j remote.Job) (string, error) {
	if _, err := os.Stat(j.ScriptPath); err != nil {
		return "", fmt.Errorf("%w: %v", remote.ErrRejected, err)
	}

	logFile, err := os.Create(filepath.Join(j.WorkDir, j.Name+".out"))
	if err != nil {
		return "", fmt.Errorf("create job log: %w", err)
	}

	// Время жизни процесса не привязано к контексту запроса Submit
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "/bin/bash", j.ScriptPath)
	cmd.Dir = j.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		return "", fmt.Errorf("%w: %v", remote.ErrRejected, err)
	}

	id := uuid.NewString()
	jb := &job{cancel: cancel, status: remote.JobStatus{State: domain.JobRunning}}

	s.mu.Lock()
	s.jobs[id] = jb
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer logFile.Close()

		err := cmd.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case jb.status.State == domain.JobCancelled:
			// Cancel уже выставил статус
		case err == nil:
			jb.status = remote.JobStatus{State: domain.JobCompleted}
		default:
			code := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
			jb.status = remote.JobStatus{State: domain.JobFailed, ExitCode: code}
		}

		s.logger.Debug("local job finished", "job_id", id, "state", jb.status.State, "exit_code", jb.status.ExitCode)
	}()

	return id, nil
}

// Query возвращает состояние job.
func (s *Scheduler) Query(_ context.Context, jobID string) (remote.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jb, ok := s.jobs[jobID]
	if !ok {
		return remote.JobStatus{}, fmt.Errorf("%w: %s", remote.ErrUnknownJob, jobID)
	}
	return jb.status, nil
}

// Cancel прерывает процесс job.
func (s *Scheduler) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jb, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", remote.ErrUnknownJob, jobID)
	}
	if jb.status.State.IsTerminal() {
		return nil
	}

	jb.status = remote.JobStatus{State: domain.JobCancelled}
	jb.cancel()
	return nil
}

// Wait ждёт завершения всех запущенных процессов.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
