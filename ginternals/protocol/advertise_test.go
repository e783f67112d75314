package protocol_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/pktline"
	"github.com/Nivl/git-receive/ginternals/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readAdvertisement drains buf and returns the lines before the flush
func readAdvertisement(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()

	var lines []string
	r := pktline.NewReader(buf)
	for {
		line, ok, err := r.ReadLine()
		require.NoError(t, err)
		if !ok {
			return lines
		}
		lines = append(lines, string(line))
	}
}

func TestWriteAdvertisement(t *testing.T) {
	t.Parallel()

	h, err := githash.New("sha1")
	require.NoError(t, err)

	caps := &protocol.CapabilitySet{ReportStatus: true, DeleteRefs: true}

	t.Run("refs are sorted and caps ride the first line", func(t *testing.T) {
		t.Parallel()

		main, err := h.ConvertFromString("0eaf966ff79d8f61958aaefe163620d952606516")
		require.NoError(t, err)
		tag, err := h.ConvertFromString("5f6e3d3a766711ad59079e37a3bd9b9bb3e41e35")
		require.NoError(t, err)

		refs := []protocol.AdvertisedRef{
			{Name: "refs/tags/v1", ID: tag},
			{Name: "refs/heads/main", ID: main},
		}

		buf := &bytes.Buffer{}
		require.NoError(t, protocol.WriteAdvertisement(pktline.NewWriter(buf), h, refs, caps))

		lines := readAdvertisement(t, buf)
		require.Len(t, lines, 2)
		assert.Equal(t, "0eaf966ff79d8f61958aaefe163620d952606516 refs/heads/main\x00report-status delete-refs", lines[0])
		assert.Equal(t, "5f6e3d3a766711ad59079e37a3bd9b9bb3e41e35 refs/tags/v1", lines[1])
	})

	t.Run("empty repo advertises capabilities^{}", func(t *testing.T) {
		t.Parallel()

		buf := &bytes.Buffer{}
		require.NoError(t, protocol.WriteAdvertisement(pktline.NewWriter(buf), h, nil, caps))

		lines := readAdvertisement(t, buf)
		require.Len(t, lines, 1)
		assert.True(t, strings.HasPrefix(lines[0], strings.Repeat("0", 40)+" capabilities^{}\x00"))
	})
}
