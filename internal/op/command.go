package op

import (
	"context"
	"fmt"
	"path"

	"github.com/shaiso/batchflow/internal/domain"
)

// CommandOperation — операция, запускающая внешнюю программу.
//
// Программа выполняется в рабочей директории входа WorkDirInput
// (или в директории экземпляра, если вход не указан) и должна создать
// файлы, перечисленные в Outputs, относительно этой директории.
//
// Config (из OperationDef):
//   - command (string): командная строка (обязательно)
//   - workdir (string): имя входа, в директории которого запускается программа
//   - inputs ([]string): входная сигнатура
//   - outputs (map[string]string): выход → относительный путь
type CommandOperation struct {
	Command      string
	WorkDirInput string
	Inputs       []string
	Outputs      map[string]string
}

// NewCommand создаёт CommandOperation из декларации.
func NewCommand(def domain.OperationDef) (Operation, error) {
	if def.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidOperation)
	}
	if def.WorkDir != "" && !contains(def.Inputs, def.WorkDir) {
		return nil, fmt.Errorf("%w: workdir %q is not a declared input", ErrInvalidOperation, def.WorkDir)
	}
	return &CommandOperation{
		Command:      def.Command,
		WorkDirInput: def.WorkDir,
		Inputs:       def.Inputs,
		Outputs:      def.Outputs,
	}, nil
}

// InputSign реализует Operation.
func (c *CommandOperation) InputSign() Sign {
	sign := make(Sign, len(c.Inputs))
	for _, name := range c.Inputs {
		sign[name] = PathArtifact
	}
	return sign
}

// OutputSign реализует Operation.
func (c *CommandOperation) OutputSign() Sign {
	sign := make(Sign, len(c.Outputs))
	for name := range c.Outputs {
		sign[name] = PathArtifact
	}
	return sign
}

// Execute запускает программу и сопоставляет выходы с путями в рабочей директории.
func (c *CommandOperation) Execute(ctx context.Context, env Env, in IO) (IO, error) {
	if env.Invoker == nil {
		return nil, fmt.Errorf("%w: no invoker in environment", ErrInvalidOperation)
	}

	workDir := env.RemoteDir
	if c.WorkDirInput != "" {
		workDir = in[c.WorkDirInput].WorkDir()
	}

	if err := env.Invoker.Invoke(ctx, Invocation{WorkDir: workDir, Command: c.Command}); err != nil {
		return nil, err
	}

	out := make(IO, len(c.Outputs))
	for name, rel := range c.Outputs {
		a := domain.NewOutput(env.Step, name)
		a.MarkStaged(workDir, []string{path.Join(workDir, rel)})
		out[name] = a
	}
	return out, nil
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
