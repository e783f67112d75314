package protocol_test

import (
	"bytes"
	"testing"

	"github.com/Nivl/git-receive/ginternals/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportEncode(t *testing.T) {
	t.Parallel()

	t.Run("v1 report", func(t *testing.T) {
		t.Parallel()

		rep := &protocol.Report{
			UnpackStatus: protocol.UnpackOK,
			Commands: []protocol.CommandStatus{
				{RefName: "refs/heads/main"},
				{RefName: "refs/heads/dev", Reason: "non-fast-forward"},
			},
		}
		buf := &bytes.Buffer{}
		require.NoError(t, rep.Encode(buf, false))

		assert.Equal(t,
			"000eunpack ok\n"+
				"0017ok refs/heads/main\n"+
				"0027ng refs/heads/dev non-fast-forward\n"+
				"0000",
			buf.String())
	})

	t.Run("v2 report carries option trailers", func(t *testing.T) {
		t.Parallel()

		rep := &protocol.Report{
			UnpackStatus: protocol.UnpackOK,
			Commands: []protocol.CommandStatus{
				{
					RefName: "refs/heads/main",
					Options: []protocol.ReportOption{
						{Key: "forced-update"},
						{Key: "old-oid", Value: "0eaf966ff79d8f61958aaefe163620d952606516"},
					},
				},
			},
		}
		buf := &bytes.Buffer{}
		require.NoError(t, rep.Encode(buf, true))

		assert.Equal(t,
			"000eunpack ok\n"+
				"0017ok refs/heads/main\n"+
				"0019option forced-update\n"+
				"003coption old-oid 0eaf966ff79d8f61958aaefe163620d952606516\n"+
				"0000",
			buf.String())
	})

	t.Run("v1 drops the options", func(t *testing.T) {
		t.Parallel()

		rep := &protocol.Report{
			UnpackStatus: protocol.UnpackOK,
			Commands: []protocol.CommandStatus{
				{RefName: "refs/heads/main", Options: []protocol.ReportOption{{Key: "fall-through"}}},
			},
		}
		buf := &bytes.Buffer{}
		require.NoError(t, rep.Encode(buf, false))
		assert.NotContains(t, buf.String(), "option")
	})

	t.Run("failed unpack", func(t *testing.T) {
		t.Parallel()

		rep := &protocol.Report{UnpackStatus: "index-pack abnormal exit"}
		buf := &bytes.Buffer{}
		require.NoError(t, rep.Encode(buf, false))
		assert.Equal(t, "0024unpack index-pack abnormal exit\n0000", buf.String())
	})
}
