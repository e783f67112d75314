// Package hooks runs the server-side hooks of a receive operation:
// pre-receive, update, and post-receive, plus the proc-receive
// helper for refs delegated to an external program
package hooks

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Hook names supported by the dispatcher
const (
	PreReceive  = "pre-receive"
	Update      = "update"
	PostReceive = "post-receive"
	ProcReceive = "proc-receive"
)

// ErrDeclined is returned when a hook exits with a non-zero status
var ErrDeclined = errors.New("hook declined")

// Env describes the environment a receive operation exposes to its
// hooks, on top of the inherited process environment
type Env struct {
	// QuarantinePath is the object directory holding the objects of
	// the push being processed
	QuarantinePath string
	// ObjectDir is the main object directory of the repo
	ObjectDir string
	// AlternateObjectDirs lists the extra object directories readable
	// during the push, the main store included
	AlternateObjectDirs []string
	// PushOptions holds the raw push options sent by the client
	PushOptions []string
	// PushCert holds the verbatim push certificate, nil when the
	// client didn't send one
	PushCert []byte
	// SessionID is the session-id negotiated with the client, empty
	// when the capability wasn't used
	SessionID string
}

// Vars returns the variables of the env in "key=value" form.
// The quarantine path doubles as GIT_OBJECT_DIRECTORY so that git
// processes spawned by a hook write into the quarantine and read
// through its alternates
func (e *Env) Vars() []string {
	vars := []string{}
	if e.QuarantinePath != "" {
		vars = append(vars,
			"GIT_QUARANTINE_PATH="+e.QuarantinePath,
			"GIT_OBJECT_DIRECTORY="+e.QuarantinePath,
		)
	} else if e.ObjectDir != "" {
		vars = append(vars, "GIT_OBJECT_DIRECTORY="+e.ObjectDir)
	}
	if len(e.AlternateObjectDirs) > 0 {
		vars = append(vars, "GIT_ALTERNATE_OBJECT_DIRECTORIES="+strings.Join(e.AlternateObjectDirs, string(os.PathListSeparator)))
	}
	vars = append(vars, "GIT_PUSH_OPTION_COUNT="+strconv.Itoa(len(e.PushOptions)))
	for i, opt := range e.PushOptions {
		vars = append(vars, "GIT_PUSH_OPTION_"+strconv.Itoa(i)+"="+opt)
	}
	if e.PushCert != nil {
		vars = append(vars, "GIT_PUSH_CERT="+string(e.PushCert))
	}
	if e.SessionID != "" {
		vars = append(vars, "GIT_SESSION_ID="+e.SessionID)
	}
	return vars
}

// Runner abstracts the execution of a single hook
type Runner interface {
	// Run executes the hook with the given arguments, extra
	// environment, and input. A missing hook is a success.
	// ErrDeclined is returned when the hook exits non-zero
	Run(ctx context.Context, name string, args, env []string, stdin io.Reader) error
}

// Noop is a Runner that runs nothing and accepts everything
type Noop struct{}

// Run implements Runner
func (Noop) Run(context.Context, string, []string, []string, io.Reader) error {
	return nil
}

// External runs the hooks found in a directory on disk.
// Hook output is forwarded to Output, which a session points at the
// sideband progress writer
type External struct {
	// Dir is the directory holding the hooks
	Dir string
	// BaseEnv is the environment every hook inherits, typically
	// os.Environ() of the server process
	BaseEnv []string
	// Output receives the stdout and stderr of the hooks
	Output io.Writer
}

// Run implements Runner
func (h *External) Run(ctx context.Context, name string, args, env []string, stdin io.Reader) error {
	p := filepath.Join(h.Dir, name)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Errorf("could not stat the %s hook: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, p, args...)
	cmd.Env = append(append([]string{}, h.BaseEnv...), env...)
	cmd.Stdin = stdin
	out := h.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return xerrors.Errorf("%s exited with status %d: %w", name, exitErr.ExitCode(), ErrDeclined)
		}
		return xerrors.Errorf("could not run the %s hook: %w", name, err)
	}
	return nil
}
