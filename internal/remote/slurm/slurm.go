// Package slurm реализует remote.BatchScheduler поверх Slurm
// (sbatch, squeue, sacct, scancel) через удалённую оболочку.
package slurm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/remote"
)

// Scheduler — Slurm планировщик.
type Scheduler struct {
	shell remote.Shell
}

// New создаёт Scheduler, выполняющий команды через shell.
func New(shell remote.Shell) *Scheduler {
	return &Scheduler{shell: shell}
}

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// Submit отправляет job script через sbatch из рабочей директории экземпляра.
func (s *Scheduler) Submit(ctx context.Context, job remote.Job) (string, error) {
	cmd := fmt.Sprintf("cd %s && sbatch --parsable -J %s %s",
		remote.Quote(job.WorkDir), remote.Quote(job.Name), remote.Quote(job.ScriptPath))

	out, err := s.shell.Run(ctx, cmd)
	if err != nil {
		var cmdErr *remote.CommandError
		if errors.As(err, &cmdErr) {
			return "", fmt.Errorf("%w: %v", remote.ErrRejected, err)
		}
		return "", err
	}

	jobID, ok := ParseJobID(string(out))
	if !ok {
		return "", fmt.Errorf("%w: unexpected sbatch output %q", remote.ErrRejected, strings.TrimSpace(string(out)))
	}
	return jobID, nil
}

// ParseJobID извлекает идентификатор job из вывода sbatch.
// Поддерживает "Submitted batch job N" и --parsable формат "N" или "N;cluster".
func ParseJobID(out string) (string, bool) {
	if m := submittedRe.FindStringSubmatch(out); m != nil {
		return m[1], true
	}

	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	if _, err := strconv.ParseUint(line, 10, 64); err != nil {
		return "", false
	}
	return line, true
}

// Query возвращает состояние job: сначала squeue (активные job),
// затем sacct (завершённые job с кодом возврата).
func (s *Scheduler) Query(ctx context.Context, jobID string) (remote.JobStatus, error) {
	out, err := s.shell.Run(ctx, fmt.Sprintf("squeue -h -j %s -o %%T", jobID))
	if err == nil {
		if state := strings.TrimSpace(firstLine(string(out))); state != "" {
			st := MapState(state)
			if !st.IsTerminal() {
				return remote.JobStatus{State: st}, nil
			}
		}
	} else {
		// squeue возвращает ошибку для job, которых уже нет в очереди
		var cmdErr *remote.CommandError
		if !errors.As(err, &cmdErr) {
			return remote.JobStatus{}, err
		}
	}

	out, err = s.shell.Run(ctx, fmt.Sprintf("sacct -j %s -X -n -P -o State,ExitCode", jobID))
	if err != nil {
		return remote.JobStatus{}, err
	}

	line := strings.TrimSpace(firstLine(string(out)))
	if line == "" {
		return remote.JobStatus{}, fmt.Errorf("%w: %s", remote.ErrUnknownJob, jobID)
	}
	return ParseAccounting(line)
}

// ParseAccounting разбирает строку sacct формата "STATE|exit:signal".
func ParseAccounting(line string) (remote.JobStatus, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return remote.JobStatus{}, fmt.Errorf("unexpected sacct output %q", line)
	}

	status := remote.JobStatus{State: MapState(parts[0])}

	code := parts[1]
	signal := ""
	if i := strings.IndexByte(code, ':'); i >= 0 {
		code, signal = code[:i], code[i+1:]
	}

	exit, err := strconv.Atoi(code)
	if err != nil {
		return remote.JobStatus{}, fmt.Errorf("unexpected exit code %q", parts[1])
	}
	status.ExitCode = exit

	// Job, убитый сигналом, имеет код 0 и ненулевой сигнал
	if sig, err := strconv.Atoi(signal); err == nil && exit == 0 && sig != 0 {
		status.ExitCode = 128 + sig
	}

	return status, nil
}

// Cancel отменяет job через scancel.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	_, err := s.shell.Run(ctx, "scancel "+jobID)
	return err
}

// MapState переводит состояние Slurm в domain.JobState.
func MapState(state string) domain.JobState {
	state = strings.ToUpper(strings.TrimSpace(state))
	// "CANCELLED by 1000"
	if i := strings.IndexByte(state, ' '); i >= 0 {
		state = state[:i]
	}
	state = strings.TrimSuffix(state, "+")

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESIZING", "SUSPENDED", "RESV_DEL_HOLD":
		return domain.JobQueued
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING":
		return domain.JobRunning
	case "COMPLETED":
		return domain.JobCompleted
	case "CANCELLED", "REVOKED":
		return domain.JobCancelled
	case "FAILED", "NODE_FAIL", "OUT_OF_MEMORY", "TIMEOUT", "BOOT_FAIL", "DEADLINE", "PREEMPTED", "SPECIAL_EXIT":
		return domain.JobFailed
	default:
		return domain.JobQueued
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
