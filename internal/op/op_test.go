package op

import (
	"context"
	"errors"
	"testing"

	"github.com/shaiso/batchflow/internal/domain"
)

type recordingInvoker struct {
	calls []Invocation
	err   error
}

func (r *recordingInvoker) Invoke(_ context.Context, inv Invocation) error {
	r.calls = append(r.calls, inv)
	return r.err
}

func stagedArtifact(name, dir string, dirArtifact bool) *domain.Artifact {
	a := domain.NewOutput("", name)
	a.Dir = dirArtifact
	a.MarkStaged(dir, []string{dir + "/" + name})
	return a
}

func TestCheckInputs(t *testing.T) {
	operation := &Func{In: Signature("a", "b"), Out: Signature()}

	tests := []struct {
		name    string
		in      IO
		wantErr bool
	}{
		{
			name: "all declared inputs present",
			in: IO{
				"a": stagedArtifact("a", "/r", false),
				"b": stagedArtifact("b", "/r", false),
			},
		},
		{
			name:    "missing input",
			in:      IO{"a": stagedArtifact("a", "/r", false)},
			wantErr: true,
		},
		{
			name: "undeclared input",
			in: IO{
				"a": stagedArtifact("a", "/r", false),
				"b": stagedArtifact("b", "/r", false),
				"c": stagedArtifact("c", "/r", false),
			},
			wantErr: true,
		},
		{
			name: "empty collection is present",
			in: IO{
				"a": stagedArtifact("a", "/r", false),
				"b": domain.Upload(),
			},
		},
		{
			name: "nil artifact counts as missing",
			in: IO{
				"a": stagedArtifact("a", "/r", false),
				"b": nil,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInputs(operation, tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckInputs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrSignatureMismatch) {
				t.Errorf("expected ErrSignatureMismatch, got %v", err)
			}
		})
	}
}

func TestSignatureError_Message(t *testing.T) {
	err := checkSign("input", Signature("a"), IO{"z": stagedArtifact("z", "/r", false)}, false)

	var sigErr *SignatureError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected *SignatureError, got %T", err)
	}
	if len(sigErr.Missing) != 1 || sigErr.Missing[0] != "a" {
		t.Errorf("Missing = %v, want [a]", sigErr.Missing)
	}
	if len(sigErr.Unexpected) != 1 || sigErr.Unexpected[0] != "z" {
		t.Errorf("Unexpected = %v, want [z]", sigErr.Unexpected)
	}
	if domain.KindOf(err) != domain.KindSignatureMismatch {
		t.Errorf("KindOf = %s", domain.KindOf(err))
	}
}

func TestExecute_OutputNotPopulated(t *testing.T) {
	operation := &Func{
		In:  Signature(),
		Out: Signature("result"),
		Fn: func(ctx context.Context, env Env, in IO) (IO, error) {
			// Операция "забыла" заполнить выход
			return IO{}, nil
		},
	}

	_, err := Execute(context.Background(), operation, Env{}, IO{})
	if !errors.Is(err, domain.ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestExecute_InputCheckedBeforeRun(t *testing.T) {
	called := false
	operation := &Func{
		In:  Signature("x"),
		Out: Signature(),
		Fn: func(ctx context.Context, env Env, in IO) (IO, error) {
			called = true
			return IO{}, nil
		},
	}

	_, err := Execute(context.Background(), operation, Env{}, IO{})
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("Execute must not run the operation when inputs do not match")
	}
}

func TestCommandOperation_WorkDir(t *testing.T) {
	operation, err := NewCommand(domain.OperationDef{
		Command: "cp2k.psmp -i input.inp -o output.out",
		WorkDir: "Opt_input",
		Inputs:  []string{"Opt_input"},
		Outputs: map[string]string{"Opt_output": "output.out"},
	})
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}

	inv := &recordingInvoker{}
	env := Env{Step: "Opt", Key: "Opt-0", RemoteDir: "/scratch/wf/Opt-0", Invoker: inv}
	in := IO{"Opt_input": stagedArtifact("cp2k_opt", "/scratch/wf/Opt-0/Opt_input", true)}

	out, err := Execute(context.Background(), operation, env, in)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(inv.calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(inv.calls))
	}
	// Директория — сам загруженный каталог входа
	wantDir := "/scratch/wf/Opt-0/Opt_input/cp2k_opt"
	if inv.calls[0].WorkDir != wantDir {
		t.Errorf("WorkDir = %q, want %q", inv.calls[0].WorkDir, wantDir)
	}

	result := out["Opt_output"]
	if result == nil {
		t.Fatal("Opt_output not populated")
	}
	if result.Producer() != "Opt" {
		t.Errorf("Producer = %q, want Opt", result.Producer())
	}
	if got := result.RemotePaths[0]; got != wantDir+"/output.out" {
		t.Errorf("remote path = %q", got)
	}
}

func TestCommandOperation_InstanceDirByDefault(t *testing.T) {
	operation, _ := NewCommand(domain.OperationDef{
		Command: "true",
		Outputs: map[string]string{"log": "run.log"},
	})

	inv := &recordingInvoker{}
	_, err := Execute(context.Background(), operation, Env{Step: "S", RemoteDir: "/r/S-0", Invoker: inv}, IO{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if inv.calls[0].WorkDir != "/r/S-0" {
		t.Errorf("WorkDir = %q, want /r/S-0", inv.calls[0].WorkDir)
	}
}

func TestCommandOperation_ExecutionFailed(t *testing.T) {
	operation, _ := NewCommand(domain.OperationDef{
		Command: "false",
		Outputs: map[string]string{"log": "run.log"},
	})

	inv := &recordingInvoker{err: &domain.ExecutionError{Step: "S", Instance: "S-0", JobID: "42", ExitCode: 1}}
	_, err := Execute(context.Background(), operation, Env{Step: "S", RemoteDir: "/r", Invoker: inv}, IO{})

	if !errors.Is(err, domain.ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed, got %v", err)
	}
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || execErr.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	if !reg.Has("command") {
		t.Error("command operation should be registered by default")
	}

	// Тип по умолчанию — command
	if _, err := reg.Build(domain.OperationDef{Command: "echo"}); err != nil {
		t.Errorf("Build() error = %v", err)
	}

	if _, err := reg.Build(domain.OperationDef{Type: "python"}); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("expected ErrUnknownOperation, got %v", err)
	}

	if _, err := reg.Build(domain.OperationDef{Type: "command"}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation for empty command, got %v", err)
	}

	if _, err := reg.Build(domain.OperationDef{Command: "x", WorkDir: "nope"}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation for unknown workdir, got %v", err)
	}

	reg.Register("noop", func(def domain.OperationDef) (Operation, error) {
		return &Func{In: Signature(), Out: Signature()}, nil
	})
	if _, err := reg.Build(domain.OperationDef{Type: "noop"}); err != nil {
		t.Errorf("custom operation Build() error = %v", err)
	}
}
