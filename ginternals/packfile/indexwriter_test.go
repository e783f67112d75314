package packfile_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/Nivl/git-receive/ginternals/packfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteIndexRoundTrip(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	packID := object.New(h, object.TypeBlob, []byte("pretend pack")).ID()

	entries := []packfile.IndexEntry{
		{ID: object.New(h, object.TypeBlob, []byte("one")).ID(), CRC32: 11, Offset: 12},
		{ID: object.New(h, object.TypeBlob, []byte("two")).ID(), CRC32: 22, Offset: 240},
		{ID: object.New(h, object.TypeBlob, []byte("three")).ID(), CRC32: 33, Offset: 512},
	}

	var buf bytes.Buffer
	require.NoError(t, packfile.WriteIndex(&buf, h, entries, packID))

	idx, err := packfile.NewIndex(bufio.NewReader(bytes.NewReader(buf.Bytes())), h)
	require.NoError(t, err)

	for _, e := range entries {
		offset, err := idx.GetObjectOffset(e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.Offset, offset)
	}

	missing := object.New(h, object.TypeBlob, []byte("missing")).ID()
	_, err = idx.GetObjectOffset(missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ginternals.ErrObjectNotFound)
}

func TestWriteIndexLargeOffsets(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	packID := object.New(h, object.TypeBlob, []byte("big pack")).ID()

	// offsets above 31 bits overflow into the 8-byte area
	entries := []packfile.IndexEntry{
		{ID: object.New(h, object.TypeBlob, []byte("small")).ID(), CRC32: 1, Offset: 12},
		{ID: object.New(h, object.TypeBlob, []byte("big")).ID(), CRC32: 2, Offset: 3 << 30},
		{ID: object.New(h, object.TypeBlob, []byte("bigger")).ID(), CRC32: 3, Offset: 5 << 30},
	}

	var buf bytes.Buffer
	require.NoError(t, packfile.WriteIndex(&buf, h, entries, packID))

	idx, err := packfile.NewIndex(bufio.NewReader(bytes.NewReader(buf.Bytes())), h)
	require.NoError(t, err)

	for _, e := range entries {
		offset, err := idx.GetObjectOffset(e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.Offset, offset)
	}
}

func TestNewIndexInvalidHeader(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	data := []byte("PACK\x00\x00\x00\x02nothing else")
	_, err := packfile.NewIndex(bufio.NewReader(bytes.NewReader(data)), h)
	require.Error(t, err)
	assert.ErrorIs(t, err, packfile.ErrInvalidMagic)
}

func TestNewIndexUnknownOid(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	var buf bytes.Buffer
	require.NoError(t, packfile.WriteIndex(&buf, h, nil, object.New(h, object.TypeBlob, []byte("empty")).ID()))

	idx, err := packfile.NewIndex(bufio.NewReader(bytes.NewReader(buf.Bytes())), h)
	require.NoError(t, err)

	oid := object.New(h, object.TypeBlob, []byte("anything")).ID()
	_, err = idx.GetObjectOffset(oid)
	require.Error(t, err)
	assert.ErrorIs(t, err, ginternals.ErrObjectNotFound)
}
