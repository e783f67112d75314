package protocol_test

import (
	"bytes"
	"testing"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/pktline"
	"github.com/Nivl/git-receive/ginternals/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	zeroID = "0000000000000000000000000000000000000000"
	oidA   = "0eaf966ff79d8f61958aaefe163620d952606516"
	oidB   = "5f6e3d3a766711ad59079e37a3bd9b9bb3e41e35"
)

func sha1Hash(t *testing.T) githash.Hash {
	t.Helper()

	h, err := githash.New("sha1")
	require.NoError(t, err)
	return h
}

// commandStream frames the given lines as pkt-lines followed by a
// flush, the way a client sends its command list
func commandStream(t *testing.T, lines ...string) *pktline.Reader {
	t.Helper()

	buf := &bytes.Buffer{}
	w := pktline.NewWriter(buf)
	for _, line := range lines {
		require.NoError(t, w.WriteString(line+"\n"))
	}
	require.NoError(t, w.Flush())
	return pktline.NewReader(buf)
}

func TestParseCommands(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)

	t.Run("create update and delete", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t,
			zeroID+" "+oidA+" refs/heads/new\x00report-status side-band-64k",
			oidA+" "+oidB+" refs/heads/main",
			oidB+" "+zeroID+" refs/heads/gone",
		)
		req, err := protocol.ParseCommands(r, h)
		require.NoError(t, err)
		require.Len(t, req.Commands, 3)

		assert.Equal(t, protocol.CreateCommand, req.Commands[0].Type())
		assert.Equal(t, "refs/heads/new", req.Commands[0].RefName)
		assert.Equal(t, protocol.UpdateCommand, req.Commands[1].Type())
		assert.Equal(t, protocol.DeleteCommand, req.Commands[2].Type())

		require.NotNil(t, req.Capabilities)
		assert.True(t, req.Capabilities.ReportStatus)
		assert.True(t, req.Capabilities.SideBand64k)
	})

	t.Run("commands reserialize byte-identically", func(t *testing.T) {
		t.Parallel()

		line := oidA + " " + oidB + " refs/heads/main"
		r := commandStream(t, line+"\x00report-status")
		req, err := protocol.ParseCommands(r, h)
		require.NoError(t, err)
		require.Len(t, req.Commands, 1)
		assert.Equal(t, line, req.Commands[0].String())
	})

	t.Run("empty push is a lone flush", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t)
		req, err := protocol.ParseCommands(r, h)
		require.NoError(t, err)
		assert.Empty(t, req.Commands)
		require.NotNil(t, req.Capabilities)
		assert.Empty(t, req.Capabilities.Tokens())
	})

	t.Run("shallow lines land in the shallow plan", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t,
			"shallow "+oidB,
			zeroID+" "+oidA+" refs/heads/main\x00report-status",
		)
		req, err := protocol.ParseCommands(r, h)
		require.NoError(t, err)
		require.Len(t, req.Shallow, 1)
		assert.Equal(t, oidB, req.Shallow[0].String())
		require.Len(t, req.Commands, 1)
	})

	t.Run("shallow after a command should fail", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t,
			zeroID+" "+oidA+" refs/heads/main\x00",
			"shallow "+oidB,
		)
		_, err := protocol.ParseCommands(r, h)
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrInvalidCommand)
	})

	t.Run("duplicate refs are kept in order", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t,
			zeroID+" "+oidA+" refs/heads/main\x00",
			oidA+" "+oidB+" refs/heads/main",
		)
		req, err := protocol.ParseCommands(r, h)
		require.NoError(t, err)
		require.Len(t, req.Commands, 2)
		assert.Equal(t, protocol.CreateCommand, req.Commands[0].Type())
		assert.Equal(t, protocol.UpdateCommand, req.Commands[1].Type())
		assert.Equal(t, req.Commands[0].RefName, req.Commands[1].RefName)
	})

	t.Run("both ids zero should fail", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t, zeroID+" "+zeroID+" refs/heads/main\x00")
		_, err := protocol.ParseCommands(r, h)
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrInvalidCommand)
	})

	t.Run("wrong hash width should fail", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t, zeroID+"00 "+oidA+"00 refs/heads/main\x00")
		_, err := protocol.ParseCommands(r, h)
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrInvalidCommand)
	})

	t.Run("invalid refname should fail", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t, zeroID+" "+oidA+" refs/heads/a..b\x00")
		_, err := protocol.ParseCommands(r, h)
		require.Error(t, err)
		assert.ErrorIs(t, err, ginternals.ErrRefNameInvalid)
	})
}

func TestParsePushCert(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)

	t.Run("commands come from the certificate", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t,
			"push-cert\x00report-status",
			"certificate version 0.1",
			"pusher pusher@example.com",
			"",
			zeroID+" "+oidA+" refs/heads/main",
			"-----BEGIN PGP SIGNATURE-----",
			"not-a-real-signature",
			"-----END PGP SIGNATURE-----",
			"push-cert-end",
		)
		req, err := protocol.ParseCommands(r, h)
		require.NoError(t, err)
		require.Len(t, req.Commands, 1)
		assert.Equal(t, "refs/heads/main", req.Commands[0].RefName)
		assert.True(t, req.Capabilities.ReportStatus)
		assert.Contains(t, string(req.Certificate), "pusher pusher@example.com")
		assert.Contains(t, string(req.Certificate), "BEGIN PGP SIGNATURE")
	})

	t.Run("flush before push-cert-end should fail", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t,
			"push-cert\x00report-status",
			"certificate version 0.1",
		)
		_, err := protocol.ParseCommands(r, h)
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrInvalidPushCert)
	})
}

func TestReadPushOptions(t *testing.T) {
	t.Parallel()

	t.Run("flush-terminated opaque lines", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t, "ci.skip", "reviewer=alice")
		opts, err := protocol.ReadPushOptions(r)
		require.NoError(t, err)
		assert.Equal(t, []string{"ci.skip", "reviewer=alice"}, opts)
	})

	t.Run("no options is a lone flush", func(t *testing.T) {
		t.Parallel()

		r := commandStream(t)
		opts, err := protocol.ReadPushOptions(r)
		require.NoError(t, err)
		assert.Empty(t, opts)
	})
}
