package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaiso/batchflow/internal/domain"
)

// Transport — файловый обмен с удалённым хостом.
type Transport interface {
	// Upload загружает локальные пути (файлы или директории) в remoteDir
	// и возвращает удалённые пути в том же порядке.
	Upload(ctx context.Context, localPaths []string, remoteDir string) ([]string, error)

	// Download скачивает удалённые пути в localDir
	// и возвращает локальные пути в том же порядке.
	Download(ctx context.Context, remotePaths []string, localDir string) ([]string, error)

	// WriteFile создаёт удалённый файл (job script) с содержимым data.
	WriteFile(ctx context.Context, remotePath string, data []byte) error

	// Close освобождает соединения.
	Close() error
}

// Layout возвращает пути назначения элементов коллекции в dir.
//
// Если базовые имена элементов различны, элемент кладётся в dir/<base>.
// Коллекция с повторяющимися именами (выходы экземпляров одного шага)
// раскладывается по индексам: dir/<i>/<base>.
func Layout(paths []string, dir string, join func(elem ...string) string, base func(string) string) []string {
	names := make([]string, len(paths))
	seen := make(map[string]bool, len(paths))
	indexed := false
	for i, p := range paths {
		names[i] = base(p)
		if seen[names[i]] {
			indexed = true
		}
		seen[names[i]] = true
	}

	result := make([]string, len(paths))
	for i, name := range names {
		if indexed {
			result[i] = join(dir, strconv.Itoa(i), name)
			continue
		}
		result[i] = join(dir, name)
	}
	return result
}

// Job — batch job, готовый к отправке.
type Job struct {
	// Name — имя job (ключ экземпляра).
	Name string

	// ScriptPath — удалённый путь к job script.
	ScriptPath string

	// WorkDir — директория, из которой отправляется script.
	WorkDir string
}

// JobStatus — состояние job по данным планировщика.
type JobStatus struct {
	State    domain.JobState
	ExitCode int
}

// BatchScheduler — очередь batch планировщика на удалённом хосте.
type BatchScheduler interface {
	// Submit ставит job в очередь и возвращает выданный идентификатор.
	Submit(ctx context.Context, job Job) (string, error)

	// Query возвращает текущее состояние job.
	Query(ctx context.Context, jobID string) (JobStatus, error)

	// Cancel снимает job с очереди или прерывает его.
	Cancel(ctx context.Context, jobID string) error
}

// ErrRejected — планировщик отверг job script.
// Такая ошибка повторяется как SubmissionError.
var ErrRejected = errors.New("job rejected by scheduler")

// ErrUnknownJob — планировщик не знает job (например, запись уже удалена).
var ErrUnknownJob = errors.New("unknown job")

// Run — идентификация запуска workflow для путей на удалённом и локальном хостах.
type Run struct {
	Workflow string
	ID       string
}

// Dir возвращает имя директории запуска "<workflow>-<id>".
func (r Run) Dir() string {
	return r.Workflow + "-" + r.ID
}

// Shell выполняет команду на хосте исполнителя и возвращает stdout.
//
// Ненулевой код возврата возвращается как *CommandError.
type Shell interface {
	Run(ctx context.Context, cmd string) ([]byte, error)
}

// CommandError — команда завершилась с ненулевым кодом.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

// Error реализует интерфейс error.
func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Cmd, e.ExitCode, msg)
}
