package hooks

import (
	"context"
	"strings"

	"github.com/Nivl/git-receive/ginternals/protocol"
)

// Dispatcher invokes the receive hooks with the input shapes they
// expect
type Dispatcher struct {
	runner Runner
	env    *Env
}

// NewDispatcher returns a Dispatcher running hooks with the given
// runner and environment
func NewDispatcher(runner Runner, env *Env) *Dispatcher {
	return &Dispatcher{
		runner: runner,
		env:    env,
	}
}

// Env returns the environment the hooks run with
func (d *Dispatcher) Env() *Env {
	return d.env
}

// commandLines serializes commands to the "<old> SP <new> SP
// <refname> LF" shape pre-receive and post-receive read on stdin
func commandLines(commands []*protocol.Command) *strings.Reader {
	var sb strings.Builder
	for _, c := range commands {
		sb.WriteString(c.String())
		sb.WriteByte('\n')
	}
	return strings.NewReader(sb.String())
}

// PreReceive runs the pre-receive hook on the full command list.
// A decline rejects the whole push
func (d *Dispatcher) PreReceive(ctx context.Context, commands []*protocol.Command) error {
	return d.runner.Run(ctx, PreReceive, nil, d.env.Vars(), commandLines(commands))
}

// RunUpdate runs the update hook for a single command.
// A decline rejects only that command
func (d *Dispatcher) RunUpdate(ctx context.Context, c *protocol.Command) error {
	args := []string{c.RefName, c.Old.String(), c.New.String()}
	return d.runner.Run(ctx, Update, args, d.env.Vars(), strings.NewReader(""))
}

// PostReceive runs the post-receive hook on the commands that were
// applied. Its failure doesn't change the outcome of the push, the
// caller only logs it
func (d *Dispatcher) PostReceive(ctx context.Context, commands []*protocol.Command) error {
	if len(commands) == 0 {
		return nil
	}
	return d.runner.Run(ctx, PostReceive, nil, d.env.Vars(), commandLines(commands))
}
