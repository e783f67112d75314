package object_test

import (
	"testing"

	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOid(t *testing.T, h githash.Hash, s string) githash.Oid {
	t.Helper()

	oid, err := h.ConvertFromString(s)
	require.NoError(t, err)
	return oid
}

func TestTreeRoundTrip(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	entries := []object.TreeEntry{
		{Path: "README.md", Mode: object.ModeFile, ID: testOid(t, h, "9b91da06e69613397b38e0808e0ba5ee6983251b")},
		{Path: "bin", Mode: object.ModeDirectory, ID: testOid(t, h, "f0b577644139c6e04216d82f1dd4a5a63addeeca")},
	}

	tree := object.NewTree(h, entries)
	parsed, err := tree.ToObject().AsTree()
	require.NoError(t, err)

	got := parsed.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "README.md", got[0].Path)
	assert.Equal(t, object.ModeFile, got[0].Mode)
	assert.True(t, githash.Equal(entries[0].ID, got[0].ID))
	assert.Equal(t, object.ModeDirectory, got[1].Mode)
}

func TestNewTreeFromObject(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)

	t.Run("empty tree", func(t *testing.T) {
		t.Parallel()

		o := object.New(h, object.TypeTree, nil)
		tree, err := o.AsTree()
		require.NoError(t, err)
		assert.Empty(t, tree.Entries())
	})

	t.Run("truncated id should fail", func(t *testing.T) {
		t.Parallel()

		o := object.New(h, object.TypeTree, []byte("100644 file\x00short"))
		_, err := o.AsTree()
		require.Error(t, err)
		assert.ErrorIs(t, err, object.ErrTreeInvalid)
	})

	t.Run("missing path should fail", func(t *testing.T) {
		t.Parallel()

		o := object.New(h, object.TypeTree, []byte("100644 "))
		_, err := o.AsTree()
		require.Error(t, err)
		assert.ErrorIs(t, err, object.ErrTreeInvalid)
	})

	t.Run("wrong type should fail", func(t *testing.T) {
		t.Parallel()

		o := object.New(h, object.TypeBlob, []byte("data"))
		_, err := o.AsTree()
		require.Error(t, err)
		assert.ErrorIs(t, err, object.ErrObjectInvalid)
	})
}

func TestTreeObjectMode(t *testing.T) {
	t.Parallel()

	assert.True(t, object.ModeFile.IsValid())
	assert.True(t, object.ModeGitLink.IsValid())
	assert.False(t, object.TreeObjectMode(0o100664).IsValid())

	assert.Equal(t, object.TypeTree, object.ModeDirectory.ObjectType())
	assert.Equal(t, object.TypeCommit, object.ModeGitLink.ObjectType())
	assert.Equal(t, object.TypeBlob, object.ModeSymLink.ObjectType())
}
