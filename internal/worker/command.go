package worker

import (
	"context"
	"fmt"

	"github.com/ckzm/orchard/internal/exec"
)

// CommandProcessor is a Processor that shells out to an external command for
// each resource. The command receives the resource id as its final argument
// and the current content on stdin; whatever it writes to stdout becomes the
// resource's new content. A non-zero exit crashes the session.
type CommandProcessor struct {
	runner  exec.CommandRunner
	workDir string
	command string
	args    []string
}

// NewCommandProcessor creates a processor running the given command from
// workDir. A nil runner defaults to the os/exec-backed one.
func NewCommandProcessor(runner exec.CommandRunner, workDir, command string, args ...string) *CommandProcessor {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &CommandProcessor{
		runner:  runner,
		workDir: workDir,
		command: command,
		args:    args,
	}
}

// Process runs the command on one resource. Consumption is estimated from
// the content moved through the command, roughly four bytes per unit.
func (p *CommandProcessor) Process(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	args := append([]string(nil), p.args...)
	args = append(args, string(req.ID))

	out, err := p.runner.RunInput(ctx, p.workDir, req.Content, p.command, args...)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("command processor on %s: %w", req.ID, err)
	}

	return ProcessResult{
		Output: out,
		Units:  int64(len(req.Content)+len(out)) / 4,
	}, nil
}

var _ Processor = (*CommandProcessor)(nil)
