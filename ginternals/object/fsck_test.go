package object_test

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawTreeEntry frames one tree entry with an arbitrary raw mode, so
// we can build trees that NewTree would normalize away
func rawTreeEntry(t *testing.T, h githash.Hash, rawMode, name, sha string) []byte {
	t.Helper()

	oid, err := h.ConvertFromString(sha)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	buf.WriteString(rawMode)
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.Write(oid.Bytes())
	return buf.Bytes()
}

func checkIDs(issues []object.FsckIssue) []string {
	ids := make([]string, 0, len(issues))
	for _, i := range issues {
		ids = append(ids, i.CheckID)
	}
	return ids
}

func TestFsckCommit(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	f := object.NewFsck(nil)

	t.Run("well-formed commit passes", func(t *testing.T) {
		t.Parallel()

		raw := "tree f0b577644139c6e04216d82f1dd4a5a63addeeca\n" +
			"author John Doe <john@example.com> 1566115917 -0700\n" +
			"committer John Doe <john@example.com> 1566115917 -0700\n" +
			"\nmsg\n"
		o := object.New(h, object.TypeCommit, []byte(raw))
		assert.Empty(t, f.Check(o))
	})

	t.Run("missing headers are reported", func(t *testing.T) {
		t.Parallel()

		o := object.New(h, object.TypeCommit, []byte("\nmsg\n"))
		issues := f.Check(o)
		assert.Contains(t, checkIDs(issues), object.FsckMissingTree)
		assert.Contains(t, checkIDs(issues), object.FsckMissingAuthor)
		assert.Contains(t, checkIDs(issues), object.FsckMissingCommitter)
		assert.True(t, object.HasError(issues))
	})

	t.Run("bad parent id", func(t *testing.T) {
		t.Parallel()

		raw := "tree f0b577644139c6e04216d82f1dd4a5a63addeeca\n" +
			"parent nope\n" +
			"author John Doe <john@example.com> 1566115917 -0700\n" +
			"committer John Doe <john@example.com> 1566115917 -0700\n" +
			"\nmsg\n"
		o := object.New(h, object.TypeCommit, []byte(raw))
		assert.Contains(t, checkIDs(f.Check(o)), object.FsckBadParentSha)
	})

	t.Run("severity override can ignore a check", func(t *testing.T) {
		t.Parallel()

		quiet := object.NewFsck(map[string]object.FsckSeverity{
			object.FsckMissingAuthor:    object.FsckIgnore,
			object.FsckMissingCommitter: object.FsckIgnore,
			object.FsckMissingTree:      object.FsckIgnore,
		})
		o := object.New(h, object.TypeCommit, []byte("\nmsg\n"))
		assert.Empty(t, quiet.Check(o))
	})
}

func TestFsckTree(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	f := object.NewFsck(nil)
	sha := "9b91da06e69613397b38e0808e0ba5ee6983251b"

	t.Run("sorted tree passes", func(t *testing.T) {
		t.Parallel()

		raw := append(rawTreeEntry(t, h, "100644", "README.md", sha),
			rawTreeEntry(t, h, "40000", "bin", sha)...)
		o := object.New(h, object.TypeTree, raw)
		assert.Empty(t, f.Check(o))
	})

	t.Run("unsorted entries", func(t *testing.T) {
		t.Parallel()

		raw := append(rawTreeEntry(t, h, "100644", "zebra", sha),
			rawTreeEntry(t, h, "100644", "alpha", sha)...)
		o := object.New(h, object.TypeTree, raw)
		issues := f.Check(o)
		assert.Contains(t, checkIDs(issues), object.FsckTreeNotSorted)
		assert.True(t, object.HasError(issues))
	})

	t.Run("directories sort with a virtual trailing slash", func(t *testing.T) {
		t.Parallel()

		// "sub/" > "sub.txt" even though "sub" < "sub.txt"
		raw := append(rawTreeEntry(t, h, "100644", "sub.txt", sha),
			rawTreeEntry(t, h, "40000", "sub", sha)...)
		o := object.New(h, object.TypeTree, raw)
		assert.NotContains(t, checkIDs(f.Check(o)), object.FsckTreeNotSorted)
	})

	t.Run("dotgit entry", func(t *testing.T) {
		t.Parallel()

		raw := rawTreeEntry(t, h, "40000", ".GIT", sha)
		o := object.New(h, object.TypeTree, raw)
		issues := f.Check(o)
		assert.Contains(t, checkIDs(issues), object.FsckHasDotgit)
		assert.True(t, object.HasError(issues))
	})

	t.Run("zero-padded mode warns by default", func(t *testing.T) {
		t.Parallel()

		raw := rawTreeEntry(t, h, "0100644", "file", sha)
		o := object.New(h, object.TypeTree, raw)
		issues := f.Check(o)
		require.Len(t, issues, 1)
		assert.Equal(t, object.FsckZeroPaddedFilemode, issues[0].CheckID)
		assert.Equal(t, object.FsckWarn, issues[0].Severity)
		assert.False(t, object.HasError(issues))
	})

	t.Run("invalid mode", func(t *testing.T) {
		t.Parallel()

		raw := rawTreeEntry(t, h, strconv.FormatInt(0o100664, 8), "file", sha)
		o := object.New(h, object.TypeTree, raw)
		assert.Contains(t, checkIDs(f.Check(o)), object.FsckBadFilemode)
	})

	t.Run("duplicate entries", func(t *testing.T) {
		t.Parallel()

		raw := append(rawTreeEntry(t, h, "100644", "file", sha),
			rawTreeEntry(t, h, "100644", "file", sha)...)
		o := object.New(h, object.TypeTree, raw)
		assert.Contains(t, checkIDs(f.Check(o)), object.FsckDuplicateEntries)
	})

	t.Run("truncated entry", func(t *testing.T) {
		t.Parallel()

		o := object.New(h, object.TypeTree, []byte("100644 file\x00short"))
		assert.Contains(t, checkIDs(f.Check(o)), object.FsckUnparseableObject)
	})
}

func TestFsckTag(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	f := object.NewFsck(nil)

	t.Run("well-formed tag passes", func(t *testing.T) {
		t.Parallel()

		raw := "object 9b91da06e69613397b38e0808e0ba5ee6983251b\n" +
			"type commit\n" +
			"tag v1\n" +
			"tagger John Doe <john@example.com> 1566115917 -0700\n" +
			"\nmsg\n"
		o := object.New(h, object.TypeTag, []byte(raw))
		assert.Empty(t, f.Check(o))
	})

	t.Run("missing tagger warns by default", func(t *testing.T) {
		t.Parallel()

		raw := "object 9b91da06e69613397b38e0808e0ba5ee6983251b\n" +
			"type commit\n" +
			"tag v1\n" +
			"\nmsg\n"
		o := object.New(h, object.TypeTag, []byte(raw))
		issues := f.Check(o)
		require.Len(t, issues, 1)
		assert.Equal(t, object.FsckMissingTaggerEntry, issues[0].CheckID)
		assert.False(t, object.HasError(issues))
	})

	t.Run("missing object header", func(t *testing.T) {
		t.Parallel()

		raw := "type commit\ntag v1\ntagger John Doe <john@example.com> 1566115917 -0700\n\nmsg\n"
		o := object.New(h, object.TypeTag, []byte(raw))
		issues := f.Check(o)
		assert.Contains(t, checkIDs(issues), object.FsckMissingObject)
		assert.True(t, object.HasError(issues))
	})

	t.Run("blobs always pass", func(t *testing.T) {
		t.Parallel()

		o := object.New(h, object.TypeBlob, []byte("anything"))
		assert.Empty(t, f.Check(o))
	})
}
