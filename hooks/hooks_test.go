package hooks_test

import (
	"context"
	"io"
	"testing"

	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/protocol"
	"github.com/Nivl/git-receive/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner captures every hook invocation
type recordingRunner struct {
	calls []recordedCall
	err   error
}

type recordedCall struct {
	name  string
	args  []string
	env   []string
	stdin string
}

func (r *recordingRunner) Run(_ context.Context, name string, args, env []string, stdin io.Reader) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	r.calls = append(r.calls, recordedCall{name: name, args: args, env: env, stdin: string(data)})
	return r.err
}

func testCommand(t *testing.T, oldID, newID, refName string) *protocol.Command {
	t.Helper()
	h := githash.NewSHA1()
	o, err := h.ConvertFromString(oldID)
	require.NoError(t, err)
	n, err := h.ConvertFromString(newID)
	require.NoError(t, err)
	return &protocol.Command{Old: o, New: n, RefName: refName}
}

func TestEnvVars(t *testing.T) {
	t.Parallel()

	t.Run("quarantine takes over the object directory", func(t *testing.T) {
		t.Parallel()

		e := &hooks.Env{
			QuarantinePath:      "/repo/objects/incoming-abc",
			ObjectDir:           "/repo/objects",
			AlternateObjectDirs: []string{"/repo/objects"},
		}
		vars := e.Vars()
		assert.Contains(t, vars, "GIT_QUARANTINE_PATH=/repo/objects/incoming-abc")
		assert.Contains(t, vars, "GIT_OBJECT_DIRECTORY=/repo/objects/incoming-abc")
		assert.Contains(t, vars, "GIT_ALTERNATE_OBJECT_DIRECTORIES=/repo/objects")
		assert.Contains(t, vars, "GIT_PUSH_OPTION_COUNT=0")
	})

	t.Run("push options are numbered", func(t *testing.T) {
		t.Parallel()

		e := &hooks.Env{PushOptions: []string{"ci.skip", "notify=none"}}
		vars := e.Vars()
		assert.Contains(t, vars, "GIT_PUSH_OPTION_COUNT=2")
		assert.Contains(t, vars, "GIT_PUSH_OPTION_0=ci.skip")
		assert.Contains(t, vars, "GIT_PUSH_OPTION_1=notify=none")
	})

	t.Run("certificate and session id show up when set", func(t *testing.T) {
		t.Parallel()

		e := &hooks.Env{
			PushCert:  []byte("certificate version 0.1\n"),
			SessionID: "client-1234",
		}
		vars := e.Vars()
		assert.Contains(t, vars, "GIT_PUSH_CERT=certificate version 0.1\n")
		assert.Contains(t, vars, "GIT_SESSION_ID=client-1234")
	})
}

func TestDispatcher(t *testing.T) {
	t.Parallel()

	oldID := "fcfe68a0e44e04bd7fd564fc0b75f1ae457e18b3"
	newID := "a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9"

	t.Run("pre-receive gets all the commands on stdin", func(t *testing.T) {
		t.Parallel()

		runner := &recordingRunner{}
		d := hooks.NewDispatcher(runner, &hooks.Env{})
		commands := []*protocol.Command{
			testCommand(t, oldID, newID, "refs/heads/main"),
			testCommand(t, oldID, newID, "refs/heads/dev"),
		}
		require.NoError(t, d.PreReceive(context.Background(), commands))

		require.Len(t, runner.calls, 1)
		call := runner.calls[0]
		assert.Equal(t, hooks.PreReceive, call.name)
		assert.Empty(t, call.args)
		expected := oldID + " " + newID + " refs/heads/main\n" +
			oldID + " " + newID + " refs/heads/dev\n"
		assert.Equal(t, expected, call.stdin)
	})

	t.Run("update gets one invocation per command", func(t *testing.T) {
		t.Parallel()

		runner := &recordingRunner{}
		d := hooks.NewDispatcher(runner, &hooks.Env{})
		require.NoError(t, d.RunUpdate(context.Background(), testCommand(t, oldID, newID, "refs/heads/main")))

		require.Len(t, runner.calls, 1)
		call := runner.calls[0]
		assert.Equal(t, hooks.Update, call.name)
		assert.Equal(t, []string{"refs/heads/main", oldID, newID}, call.args)
		assert.Empty(t, call.stdin)
	})

	t.Run("post-receive is skipped without applied commands", func(t *testing.T) {
		t.Parallel()

		runner := &recordingRunner{}
		d := hooks.NewDispatcher(runner, &hooks.Env{})
		require.NoError(t, d.PostReceive(context.Background(), nil))
		assert.Empty(t, runner.calls)
	})

	t.Run("a declined hook bubbles up", func(t *testing.T) {
		t.Parallel()

		runner := &recordingRunner{err: hooks.ErrDeclined}
		d := hooks.NewDispatcher(runner, &hooks.Env{})
		err := d.PreReceive(context.Background(), []*protocol.Command{testCommand(t, oldID, newID, "refs/heads/main")})
		assert.ErrorIs(t, err, hooks.ErrDeclined)
	})
}

func TestNoop(t *testing.T) {
	t.Parallel()

	d := hooks.NewDispatcher(hooks.Noop{}, &hooks.Env{})
	require.NoError(t, d.PreReceive(context.Background(), nil))
	require.NoError(t, d.PostReceive(context.Background(), []*protocol.Command{
		testCommand(t, "fcfe68a0e44e04bd7fd564fc0b75f1ae457e18b3", "a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9", "refs/heads/main"),
	}))
}

func TestExternalMissingHook(t *testing.T) {
	t.Parallel()

	h := &hooks.External{Dir: t.TempDir()}
	err := h.Run(context.Background(), hooks.PreReceive, nil, nil, nil)
	require.NoError(t, err)
}
