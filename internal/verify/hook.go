// Package verify runs externally supplied verification hooks over a task's
// resource set before the task is marked complete.
package verify

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"strings"

	"github.com/ckzm/orchard/internal/exec"
	"github.com/ckzm/orchard/pkg/models"
)

// Result is the outcome of one hook run.
type Result struct {
	// Pass indicates the hook accepted the resource set.
	Pass bool
	// Diagnostics carries the hook's output, kept verbatim for failed runs.
	Diagnostics string
}

// Hook verifies a set of resources, e.g. a type-checker or linter. Hooks are
// supplied per deployment and run in order; the orchestrator only consumes
// their pass/fail outcome.
type Hook interface {
	// Name identifies the hook in diagnostics.
	Name() string
	// Run verifies the given resources.
	Run(ctx context.Context, ids []models.ResourceID) (Result, error)
}

// CommandHook runs an external command with the resource ids appended as
// arguments. A non-zero exit is a failed verification, not an error;
// errors are reserved for the command being unrunnable.
type CommandHook struct {
	runner  exec.CommandRunner
	name    string
	workDir string
	command string
	args    []string
}

// NewCommandHook creates a hook running the given command from workDir.
// A nil runner defaults to the os/exec-backed one.
func NewCommandHook(runner exec.CommandRunner, name, workDir, command string, args ...string) *CommandHook {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &CommandHook{runner: runner, name: name, workDir: workDir, command: command, args: args}
}

// Name returns the hook's display name.
func (h *CommandHook) Name() string {
	return h.name
}

// Run executes the command with the resource ids appended and returns
// combined stdout/stderr as diagnostics.
func (h *CommandHook) Run(ctx context.Context, ids []models.ResourceID) (Result, error) {
	args := append([]string(nil), h.args...)
	for _, id := range ids {
		args = append(args, string(id))
	}

	output, err := h.runner.Run(ctx, h.workDir, h.command, args...)
	if err != nil {
		var exit *osexec.ExitError
		if !errors.As(err, &exit) {
			return Result{}, fmt.Errorf("run hook %s: %w", h.name, err)
		}
		return Result{Pass: false, Diagnostics: strings.TrimSpace(string(output))}, nil
	}

	return Result{Pass: true, Diagnostics: strings.TrimSpace(string(output))}, nil
}

var _ Hook = (*CommandHook)(nil)
