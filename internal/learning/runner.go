package learning

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Runner executes a training command with the message piped to its
// standard input. A non-zero exit status is reported through code, not err;
// err is set only when the command could not be run at all.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) (code int, output []byte, err error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, stdin []byte) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out, nil
	}
	if err != nil {
		return -1, out, err
	}
	return 0, out, nil
}
