package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// DefaultOutputTailBytes bounds how much combined stdout+stderr is
// retained per step when the config does not say otherwise.
const DefaultOutputTailBytes = 64 * 1024

// Command is one materialized step invocation.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
}

// Result is the outcome of an executed command. ExitCode -1 means the
// process never ran or was killed before exiting on its own.
type Result struct {
	ExitCode int
	Output   string
}

// Executor runs materialized step commands. The default implementation
// shells out; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// NewExecutor returns the os/exec-backed Executor. tailBytes bounds the
// retained output per command; values <= 0 use DefaultOutputTailBytes.
func NewExecutor(tailBytes int) Executor {
	if tailBytes <= 0 {
		tailBytes = DefaultOutputTailBytes
	}
	return &execExecutor{tailBytes: tailBytes}
}

type execExecutor struct {
	tailBytes int
}

func (e *execExecutor) Execute(ctx context.Context, command Command) (Result, error) {
	if len(command.Argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	tail := &tailBuffer{max: e.tailBytes}
	cmd := exec.CommandContext(ctx, command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	cmd.Stdout = tail
	cmd.Stderr = tail

	err := cmd.Run()
	result := Result{Output: tail.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		// Non-zero exits and signal deaths are step verdicts, not
		// executor failures.
		result.ExitCode = exitErr.ExitCode()
	default:
		return Result{ExitCode: -1, Output: tail.String()}, err
	}
	return result, nil
}

// tailBuffer is an io.Writer that retains only the last max bytes
// written to it. The head of a long CI log is the least useful part.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
