package local

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/shaiso/batchflow/internal/remote"
)

// Shell выполняет команды через /bin/sh на локальном хосте.
type Shell struct{}

// Run реализует remote.Shell.
func (Shell) Run(ctx context.Context, cmd string) ([]byte, error) {
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdout.Bytes(), &remote.CommandError{Cmd: cmd, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}
