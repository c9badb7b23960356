package slurm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/remote"
)

// fakeShell отвечает на команды по префиксу.
type fakeShell struct {
	responses map[string]response
	commands  []string
}

type response struct {
	out string
	err error
}

func (f *fakeShell) Run(_ context.Context, cmd string) ([]byte, error) {
	f.commands = append(f.commands, cmd)
	for prefix, r := range f.responses {
		if strings.HasPrefix(cmd, prefix) {
			return []byte(r.out), r.err
		}
	}
	return nil, &remote.CommandError{Cmd: cmd, ExitCode: 127, Stderr: "command not found"}
}

func TestSubmit(t *testing.T) {
	shell := &fakeShell{responses: map[string]response{
		"cd ": {out: "4242\n"},
	}}
	s := New(shell)

	jobID, err := s.Submit(context.Background(), remote.Job{
		Name:       "B-0",
		ScriptPath: "/scratch/wf/B-0/job-1.sh",
		WorkDir:    "/scratch/wf/B-0",
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", jobID)
	assert.Equal(t, "cd '/scratch/wf/B-0' && sbatch --parsable -J 'B-0' '/scratch/wf/B-0/job-1.sh'", shell.commands[0])
}

func TestSubmit_Rejected(t *testing.T) {
	shell := &fakeShell{responses: map[string]response{
		"cd ": {err: &remote.CommandError{Cmd: "sbatch", ExitCode: 1, Stderr: "sbatch: error: invalid partition specified: gpu"}},
	}}

	_, err := New(shell).Submit(context.Background(), remote.Job{Name: "A", ScriptPath: "/s.sh", WorkDir: "/"})
	assert.ErrorIs(t, err, remote.ErrRejected)
	assert.Contains(t, err.Error(), "invalid partition")
}

func TestSubmit_TransportError(t *testing.T) {
	transportErr := errors.New("ssh: unexpected packet")
	shell := &fakeShell{responses: map[string]response{"cd ": {err: transportErr}}}

	_, err := New(shell).Submit(context.Background(), remote.Job{Name: "A", ScriptPath: "/s.sh", WorkDir: "/"})
	assert.ErrorIs(t, err, transportErr)
	assert.NotErrorIs(t, err, remote.ErrRejected)
}

func TestParseJobID(t *testing.T) {
	tests := []struct {
		out  string
		want string
		ok   bool
	}{
		{"Submitted batch job 123\n", "123", true},
		{"123\n", "123", true},
		{"123;cluster\n", "123", true},
		{"", "", false},
		{"sbatch: error\n", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseJobID(tt.out)
		assert.Equal(t, tt.want, got, tt.out)
		assert.Equal(t, tt.ok, ok, tt.out)
	}
}

func TestQuery_Active(t *testing.T) {
	shell := &fakeShell{responses: map[string]response{
		"squeue": {out: "RUNNING\n"},
	}}

	status, err := New(shell).Query(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, status.State)
	assert.Len(t, shell.commands, 1, "active job does not need sacct")
}

func TestQuery_FinishedFallsBackToSacct(t *testing.T) {
	shell := &fakeShell{responses: map[string]response{
		"squeue": {err: &remote.CommandError{Cmd: "squeue", ExitCode: 1, Stderr: "slurm_load_jobs error: Invalid job id specified"}},
		"sacct":  {out: "FAILED|3:0\n"},
	}}

	status, err := New(shell).Query(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status.State)
	assert.Equal(t, 3, status.ExitCode)
}

func TestQuery_Unknown(t *testing.T) {
	shell := &fakeShell{responses: map[string]response{
		"squeue": {out: ""},
		"sacct":  {out: ""},
	}}

	_, err := New(shell).Query(context.Background(), "42")
	assert.ErrorIs(t, err, remote.ErrUnknownJob)
}

func TestParseAccounting(t *testing.T) {
	tests := []struct {
		line     string
		state    domain.JobState
		exitCode int
	}{
		{"COMPLETED|0:0", domain.JobCompleted, 0},
		{"FAILED|1:0", domain.JobFailed, 1},
		{"CANCELLED by 1000|0:15", domain.JobCancelled, 143},
		{"TIMEOUT|0:0", domain.JobFailed, 0},
		{"OUT_OF_MEMORY|0:125", domain.JobFailed, 253},
	}

	for _, tt := range tests {
		status, err := ParseAccounting(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.state, status.State, tt.line)
		assert.Equal(t, tt.exitCode, status.ExitCode, tt.line)
	}

	_, err := ParseAccounting("garbage")
	assert.Error(t, err)
}

func TestMapState(t *testing.T) {
	assert.Equal(t, domain.JobQueued, MapState("PENDING"))
	assert.Equal(t, domain.JobRunning, MapState("COMPLETING"))
	assert.Equal(t, domain.JobCompleted, MapState("completed"))
	assert.Equal(t, domain.JobCancelled, MapState("CANCELLED+"))
	assert.Equal(t, domain.JobFailed, MapState("NODE_FAIL"))
}

func TestCancel(t *testing.T) {
	shell := &fakeShell{responses: map[string]response{"scancel": {}}}

	require.NoError(t, New(shell).Cancel(context.Background(), "42"))
	assert.Equal(t, []string{"scancel 42"}, shell.commands)
}
