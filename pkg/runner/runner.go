// Package runner invokes the external tools this system sequences
// (mount, losetup, the e2fsprogs suite, dmsetup, mksquashfs). Every call
// is a blocking process invocation; a nonzero exit status is fatal to the
// calling operation unless the caller asks for the raw status code.
package runner

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/jnaulty/livecd-tools/pkg/errors"
)

// Runner runs external commands. It is injected into the disk, mount and
// snapshot layers so tests can supply scripted implementations.
type Runner interface {
	// Run executes the command and returns an error carrying the full
	// command line if it exits nonzero or cannot be started.
	Run(ctx context.Context, name string, args ...string) error

	// Output executes the command and returns its captured stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)

	// Status executes the command and returns its exit code. A nonzero
	// exit is not an error here; the error is non-nil only when the
	// command could not be started at all.
	Status(ctx context.Context, name string, args ...string) (int, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// New returns an exec-backed Runner.
func New() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	slog.Debug("exec_command", "cmd", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		slog.Error("exec_command_failed", "cmd", name, "args", strings.Join(args, " "), "error", err)
		return errors.Wrap(err, commandLine(name, args))
	}
	return nil
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	slog.Debug("exec_command", "cmd", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		slog.Error("exec_command_failed", "cmd", name, "args", strings.Join(args, " "), "error", err)
		return "", errors.Wrap(err, commandLine(name, args))
	}
	return string(out), nil
}

func (r *ExecRunner) Status(ctx context.Context, name string, args ...string) (int, error) {
	slog.Debug("exec_command", "cmd", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	slog.Error("exec_command_failed", "cmd", name, "args", strings.Join(args, " "), "error", err)
	return -1, errors.Wrap(err, commandLine(name, args))
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
