package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/op"
)

// fakeTransport — транспорт в памяти с настраиваемыми отказами.
type fakeTransport struct {
	mu            sync.Mutex
	uploads       map[string][]string
	scripts       map[string]string
	uploadFails   int
	downloadFails int
	downloads     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		uploads: make(map[string][]string),
		scripts: make(map[string]string),
	}
}

func (f *fakeTransport) Upload(_ context.Context, localPaths []string, remoteDir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadFails > 0 {
		f.uploadFails--
		return nil, errors.New("connection reset")
	}

	remote := make([]string, len(localPaths))
	for i, p := range localPaths {
		remote[i] = path.Join(remoteDir, filepath.Base(p))
	}
	f.uploads[remoteDir] = remote
	return remote, nil
}

func (f *fakeTransport) Download(_ context.Context, remotePaths []string, localDir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloads++
	if f.downloadFails > 0 {
		f.downloadFails--
		return nil, errors.New("sftp: file does not exist")
	}

	local := make([]string, len(remotePaths))
	for i, p := range remotePaths {
		local[i] = filepath.Join(localDir, path.Base(p))
	}
	return local, nil
}

func (f *fakeTransport) WriteFile(_ context.Context, remotePath string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[remotePath] = string(data)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

// fakeScheduler — планировщик, состояния job которого задаются функцией.
type fakeScheduler struct {
	mu          sync.Mutex
	nextID      int
	rejects     int
	submissions []Job
	polls       map[string]int
	cancelled   []string
	status      func(jobID string, poll int) JobStatus
}

func newFakeScheduler(status func(jobID string, poll int) JobStatus) *fakeScheduler {
	return &fakeScheduler{nextID: 100, polls: make(map[string]int), status: status}
}

func (f *fakeScheduler) Submit(_ context.Context, job Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rejects > 0 {
		f.rejects--
		return "", fmt.Errorf("%w: sbatch: error: invalid partition", ErrRejected)
	}
	f.submissions = append(f.submissions, job)
	f.nextID++
	return fmt.Sprint(f.nextID), nil
}

func (f *fakeScheduler) Query(_ context.Context, jobID string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[jobID]++
	return f.status(jobID, f.polls[jobID]), nil
}

func (f *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

// completesAfter возвращает статус: QUEUED, RUNNING, затем COMPLETED с exitCode.
func completesAfter(exitCode int) func(string, int) JobStatus {
	return func(_ string, poll int) JobStatus {
		switch poll {
		case 1:
			return JobStatus{State: domain.JobQueued}
		case 2:
			return JobStatus{State: domain.JobRunning}
		default:
			if exitCode != 0 {
				return JobStatus{State: domain.JobFailed, ExitCode: exitCode}
			}
			return JobStatus{State: domain.JobCompleted}
		}
	}
}

func newTestExecutor(tr Transport, sched BatchScheduler) *Executor {
	return New(Config{
		Name:                  "cluster",
		Transport:             tr,
		Scheduler:             sched,
		RemoteRoot:            "/scratch/alice",
		LocalRoot:             "/tmp/batchflow",
		Header:                "#!/bin/bash\n#SBATCH --job-name={{ .Key }}\n#SBATCH -e {{ .WorkDir }}/test.err",
		TransientAttempts:     3,
		TransientInitialDelay: time.Millisecond,
		TransientMaxDelay:     2 * time.Millisecond,
		PollInterval:          time.Millisecond,
		PollMaxInterval:       2 * time.Millisecond,
		PollTimeout:           5 * time.Second,
	})
}

var testRun = Run{Workflow: "cp2k-task", ID: "1a2b3c4d"}

func TestExecutor_Stage(t *testing.T) {
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "cp2k_opt")
	require.NoError(t, os.Mkdir(inputDir, 0o755))

	tr := newFakeTransport()
	e := newTestExecutor(tr, newFakeScheduler(completesAfter(0)))

	inst := domain.NewInstance("Opt", "Opt", 0, "", map[string]*domain.Artifact{
		"Opt_input": domain.Upload(inputDir),
		"basis":     domain.Upload("/data/a", "/data/b"),
	})

	require.NoError(t, e.Stage(context.Background(), testRun, inst))

	assert.Equal(t, "/scratch/alice/cp2k-task-1a2b3c4d/Opt", inst.RemoteDir)

	opt := inst.Inputs["Opt_input"]
	assert.Equal(t, domain.ArtifactStaged, opt.State)
	assert.True(t, opt.Dir, "single directory input should be flagged")
	assert.Equal(t, "/scratch/alice/cp2k-task-1a2b3c4d/Opt/Opt_input", opt.RemoteDir)
	assert.Equal(t, "/scratch/alice/cp2k-task-1a2b3c4d/Opt/Opt_input/cp2k_opt", opt.WorkDir())

	basis := inst.Inputs["basis"]
	assert.False(t, basis.Dir)
	assert.Len(t, basis.RemotePaths, 2)
}

func TestExecutor_StageRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.uploadFails = 2
	e := newTestExecutor(tr, newFakeScheduler(completesAfter(0)))

	inst := domain.NewInstance("A", "A", 0, "", map[string]*domain.Artifact{"in": domain.Upload("/x")})
	require.NoError(t, e.Stage(context.Background(), testRun, inst))
	assert.Equal(t, domain.ArtifactStaged, inst.Inputs["in"].State)
}

func TestExecutor_StageError(t *testing.T) {
	tr := newFakeTransport()
	tr.uploadFails = 10
	e := newTestExecutor(tr, newFakeScheduler(completesAfter(0)))

	inst := domain.NewInstance("A", "A", 0, "", map[string]*domain.Artifact{"in": domain.Upload("/x")})
	err := e.Stage(context.Background(), testRun, inst)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStaging)
	assert.Equal(t, domain.KindStaging, domain.KindOf(err))
	// 3 попытки из 10 отказов
	assert.Equal(t, 7, tr.uploadFails)
}

func TestExecutor_InvokeSucceeded(t *testing.T) {
	tr := newFakeTransport()
	sched := newFakeScheduler(completesAfter(0))
	e := newTestExecutor(tr, sched)

	inst := domain.NewInstance("B", "B-0", 0, "0", nil)
	inst.RemoteDir = e.InstanceDir(testRun, inst.Key)

	var seen []domain.InstanceStatus
	invoker := e.Invoker(inst, func(i *domain.Instance) { seen = append(seen, i.Status) })

	err := invoker.Invoke(context.Background(), op.Invocation{
		WorkDir: inst.RemoteDir + "/Single_input/cp2k_elf",
		Command: "cp2k.psmp -i input.inp -o output.out",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, inst.Attempt)
	assert.Equal(t, "101", inst.JobID)
	assert.Equal(t, []domain.InstanceStatus{domain.InstanceStatusSubmitted, domain.InstanceStatusRunning}, seen)

	require.Len(t, sched.submissions, 1)
	job := sched.submissions[0]
	assert.Equal(t, "B-0", job.Name)

	script := tr.scripts[job.ScriptPath]
	assert.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
	assert.Contains(t, script, "#SBATCH --job-name=B-0")
	assert.Contains(t, script, "#SBATCH -e /scratch/alice/cp2k-task-1a2b3c4d/B-0/Single_input/cp2k_elf/test.err")
	assert.Contains(t, script, "cd '/scratch/alice/cp2k-task-1a2b3c4d/B-0/Single_input/cp2k_elf' || exit 1\ncp2k.psmp")
}

func TestExecutor_InvokeExecutionFailed(t *testing.T) {
	e := newTestExecutor(newFakeTransport(), newFakeScheduler(completesAfter(2)))

	inst := domain.NewInstance("B", "B-1", 1, "1", nil)
	err := e.Invoker(inst, nil).Invoke(context.Background(), op.Invocation{WorkDir: "/w", Command: "false"})

	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.ExitCode)
	assert.Equal(t, "B-1", execErr.Instance)
	assert.Equal(t, domain.KindExecutionFailed, domain.KindOf(err))
}

func TestExecutor_InvokeCancelledByScheduler(t *testing.T) {
	sched := newFakeScheduler(func(string, int) JobStatus {
		return JobStatus{State: domain.JobCancelled}
	})
	e := newTestExecutor(newFakeTransport(), sched)

	err := e.Invoker(domain.NewInstance("A", "A", 0, "", nil), nil).
		Invoke(context.Background(), op.Invocation{WorkDir: "/w", Command: "sleep 1"})

	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, -1, execErr.ExitCode)
}

func TestExecutor_SubmissionRejected(t *testing.T) {
	sched := newFakeScheduler(completesAfter(0))
	sched.rejects = 10
	e := newTestExecutor(newFakeTransport(), sched)

	inst := domain.NewInstance("A", "A", 0, "", nil)
	err := e.Invoker(inst, nil).Invoke(context.Background(), op.Invocation{WorkDir: "/w", Command: "true"})

	assert.ErrorIs(t, err, domain.ErrSubmission)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 0, inst.Attempt, "rejected job is not an attempt")
	assert.Equal(t, 7, sched.rejects)
}

func TestExecutor_SubmissionRetried(t *testing.T) {
	sched := newFakeScheduler(completesAfter(0))
	sched.rejects = 1
	e := newTestExecutor(newFakeTransport(), sched)

	inst := domain.NewInstance("A", "A", 0, "", nil)
	err := e.Invoker(inst, nil).Invoke(context.Background(), op.Invocation{WorkDir: "/w", Command: "true"})

	require.NoError(t, err)
	assert.Equal(t, 1, inst.Attempt)
}

func TestExecutor_PollTimeout(t *testing.T) {
	sched := newFakeScheduler(func(string, int) JobStatus {
		return JobStatus{State: domain.JobRunning}
	})
	tr := newFakeTransport()
	e := New(Config{
		Name:            "cluster",
		Transport:       tr,
		Scheduler:       sched,
		PollInterval:    time.Millisecond,
		PollMaxInterval: 5 * time.Millisecond,
		PollTimeout:     50 * time.Millisecond,
	})

	inst := domain.NewInstance("A", "A", 0, "", nil)
	err := e.Invoker(inst, nil).Invoke(context.Background(), op.Invocation{WorkDir: "/w", Command: "sleep infinity"})

	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
	assert.Equal(t, []string{inst.JobID}, sched.cancelled, "timed out job must be cancelled")
}

func TestExecutor_StepDeadline(t *testing.T) {
	sched := newFakeScheduler(func(string, int) JobStatus {
		return JobStatus{State: domain.JobQueued}
	})
	e := newTestExecutor(newFakeTransport(), sched)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	inst := domain.NewInstance("A", "A", 0, "", nil)
	err := e.Invoker(inst, nil).Invoke(ctx, op.Invocation{WorkDir: "/w", Command: "true"})

	// Дедлайн шага — это Timeout, а не отмена workflow
	assert.ErrorIs(t, err, domain.ErrTimeout)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Equal(t, []string{inst.JobID}, sched.cancelled)
}

func TestExecutor_ContextCancelled(t *testing.T) {
	sched := newFakeScheduler(func(string, int) JobStatus {
		return JobStatus{State: domain.JobQueued}
	})
	e := newTestExecutor(newFakeTransport(), sched)

	ctx, cancel := context.WithCancel(context.Background())
	inst := domain.NewInstance("A", "A", 0, "", nil)

	invoker := e.Invoker(inst, func(i *domain.Instance) {
		if i.Status == domain.InstanceStatusSubmitted {
			cancel()
		}
	})
	err := invoker.Invoke(ctx, op.Invocation{WorkDir: "/w", Command: "true"})

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Equal(t, []string{"101"}, sched.cancelled)
}

func TestExecutor_FetchRetriesOnce(t *testing.T) {
	tr := newFakeTransport()
	tr.downloadFails = 1
	e := newTestExecutor(tr, newFakeScheduler(completesAfter(0)))

	out := domain.NewOutput("B", "Single_output")
	out.MarkStaged("/w", []string{"/w/output.out"})

	inst := domain.NewInstance("B", "B-0", 0, "0", nil)
	err := e.Fetch(context.Background(), testRun, inst, map[string]*domain.Artifact{"Single_output": out})

	require.NoError(t, err)
	assert.Equal(t, 2, tr.downloads)
	assert.Equal(t, domain.ArtifactFetched, out.State)
	assert.Equal(t, []string{filepath.Join("/tmp/batchflow", "cp2k-task-1a2b3c4d", "B-0", "Single_output", "output.out")}, out.Paths)
}

func TestExecutor_FetchError(t *testing.T) {
	tr := newFakeTransport()
	tr.downloadFails = 5
	e := newTestExecutor(tr, newFakeScheduler(completesAfter(0)))

	out := domain.NewOutput("B", "o")
	out.MarkStaged("/w", []string{"/w/o"})

	err := e.Fetch(context.Background(), testRun, domain.NewInstance("B", "B", 0, "", nil), map[string]*domain.Artifact{"o": out})

	assert.ErrorIs(t, err, domain.ErrFetch)
	assert.Equal(t, 2, tr.downloads, "fetch is retried exactly once")
}

func TestExecutor_PollBackOffCeiling(t *testing.T) {
	e := New(Config{Transport: newFakeTransport(), Scheduler: newFakeScheduler(completesAfter(0))})

	b := e.pollBackOff()
	want := []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "interval %d", i)
	}

	// Интервал не превышает потолок
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, b.NextBackOff(), 60*time.Second)
	}
}

func TestRenderScript_DefaultShebang(t *testing.T) {
	script, err := RenderScript("#SBATCH --nodes=1\n", engine.HeaderContext{Key: "A", WorkDir: "/w"}, "run")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\n#SBATCH --nodes=1\n\ncd '/w' || exit 1\nrun\n", script)

	script, err = RenderScript("", engine.HeaderContext{Key: "A", WorkDir: "/it's"}, "run")
	require.NoError(t, err)
	assert.Contains(t, script, `cd '/it'\''s'`)
}

func TestLayout(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  []string
	}{
		{
			name:  "distinct names",
			paths: []string{"/data/p0.xyz", "/data/p1.xyz"},
			want:  []string{"/r/in/p0.xyz", "/r/in/p1.xyz"},
		},
		{
			name:  "instance outputs share a name",
			paths: []string{"/l/B-0/out/output.out", "/l/B-1/out/output.out", "/l/B-2/out/output.out"},
			want:  []string{"/r/in/0/output.out", "/r/in/1/output.out", "/r/in/2/output.out"},
		},
		{
			name:  "single",
			paths: []string{"/l/A/out/output.out"},
			want:  []string{"/r/in/output.out"},
		},
		{
			name:  "empty",
			paths: nil,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Layout(tt.paths, "/r/in", path.Join, path.Base))
		})
	}
}
