package backend_test

import (
	"testing"

	"github.com/Nivl/git-receive/backend"
	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/Nivl/git-receive/ginternals/packfile"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteObject(t *testing.T) {
	t.Parallel()

	t.Run("a written object can be read back", func(t *testing.T) {
		t.Parallel()

		b, _ := newBareRepo(t)

		o := object.New(b.Hash(), object.TypeBlob, []byte("some content"))
		oid, err := b.WriteObject(o)
		require.NoError(t, err)
		require.False(t, oid.IsZero())

		got, err := b.Object(oid)
		require.NoError(t, err)
		assert.Equal(t, object.TypeBlob, got.Type())
		assert.Equal(t, []byte("some content"), got.Bytes())
	})

	t.Run("writing twice is a no-op", func(t *testing.T) {
		t.Parallel()

		b, _ := newBareRepo(t)

		o := object.New(b.Hash(), object.TypeBlob, []byte("twice"))
		first, err := b.WriteObject(o)
		require.NoError(t, err)
		second, err := b.WriteObject(object.New(b.Hash(), object.TypeBlob, []byte("twice")))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("the object lands in the fan-out layout", func(t *testing.T) {
		t.Parallel()

		b, cfg := newBareRepo(t)

		o := object.New(b.Hash(), object.TypeBlob, []byte("layout"))
		oid, err := b.WriteObject(o)
		require.NoError(t, err)

		p := ginternals.LooseObjectPath(cfg, oid.String())
		ok, err := afero.Exists(cfg.FS, p)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestObject(t *testing.T) {
	t.Parallel()

	t.Run("unknown oid reports ErrObjectNotFound", func(t *testing.T) {
		t.Parallel()

		b, _ := newBareRepo(t)

		oid, err := b.Hash().ConvertFromString("fcfe68a0e44e04bd7fd564fc0b75f1ae457e18b3")
		require.NoError(t, err)

		_, err = b.Object(oid)
		require.Error(t, err)
		assert.ErrorIs(t, err, ginternals.ErrObjectNotFound)
	})

	t.Run("a loose object written on disk is found after a reload", func(t *testing.T) {
		t.Parallel()

		b, cfg := newBareRepo(t)
		o := object.New(b.Hash(), object.TypeBlob, []byte("reload me"))
		oid, err := b.WriteObject(o)
		require.NoError(t, err)

		// a second backend on the same FS only knows what's on disk
		b2, err := backend.New(cfg, githash.NewSHA1())
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, b2.Close())
		})

		got, err := b2.Object(oid)
		require.NoError(t, err)
		assert.Equal(t, []byte("reload me"), got.Bytes())
	})
}

func TestHasObject(t *testing.T) {
	t.Parallel()

	b, _ := newBareRepo(t)

	o := object.New(b.Hash(), object.TypeBlob, []byte("present"))
	oid, err := b.WriteObject(o)
	require.NoError(t, err)

	found, err := b.HasObject(oid)
	require.NoError(t, err)
	assert.True(t, found)

	missing, err := b.Hash().ConvertFromString("0000000000000000000000000000000000000001")
	require.NoError(t, err)
	found, err = b.HasObject(missing)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWalkLooseObjectIDs(t *testing.T) {
	t.Parallel()

	b, _ := newBareRepo(t)

	expected := map[string]struct{}{}
	for _, content := range []string{"one", "two", "three"} {
		oid, err := b.WriteObject(object.New(b.Hash(), object.TypeBlob, []byte(content)))
		require.NoError(t, err)
		expected[oid.String()] = struct{}{}
	}

	seen := map[string]struct{}{}
	err := b.WalkLooseObjectIDs(func(oid githash.Oid) error {
		seen[oid.String()] = struct{}{}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, expected, seen)

	t.Run("the walk can be stopped", func(t *testing.T) {
		count := 0
		err := b.WalkLooseObjectIDs(func(githash.Oid) error {
			count++
			return packfile.OidWalkStop
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
