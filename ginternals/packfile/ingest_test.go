package packfile_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/Nivl/git-receive/ginternals/packfile"
	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha1Hash(t *testing.T) githash.Hash {
	t.Helper()

	h, err := githash.New("sha1")
	require.NoError(t, err)
	return h
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// entryHeader frames the metadata of a pack entry: 3 bits of type and
// a size split over the low 4 bits then 7 bits per extra byte
func entryHeader(typ object.Type, size int) []byte {
	b := byte(typ)<<4 | byte(size&0x0f)
	size >>= 4

	out := []byte{}
	for size > 0 {
		out = append(out, b|0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	return append(out, b)
}

func fullEntry(t *testing.T, typ object.Type, content []byte) []byte {
	t.Helper()

	return append(entryHeader(typ, len(content)), deflate(t, content)...)
}

// ofsDeltaEntry frames a delta whose base starts $distance bytes
// before the entry. Only distances below 128 are supported here
func ofsDeltaEntry(t *testing.T, distance int, delta []byte) []byte {
	t.Helper()

	require.Less(t, distance, 128)
	out := append(entryHeader(object.ObjectDeltaOFS, len(delta)), byte(distance))
	return append(out, deflate(t, delta)...)
}

func refDeltaEntry(t *testing.T, baseID githash.Oid, delta []byte) []byte {
	t.Helper()

	out := append(entryHeader(object.ObjectDeltaRef, len(delta)), baseID.Bytes()...)
	return append(out, deflate(t, delta)...)
}

// insertDelta builds a delta that ignores its base and inserts
// $target verbatim
func insertDelta(t *testing.T, sourceSize int, target []byte) []byte {
	t.Helper()

	require.Less(t, sourceSize, 128)
	require.Less(t, len(target), 128)
	out := []byte{byte(sourceSize), byte(len(target)), byte(len(target))}
	return append(out, target...)
}

// copyDelta builds a delta that copies the whole base
func copyDelta(t *testing.T, source []byte) []byte {
	t.Helper()

	require.Less(t, len(source), 128)
	// 0b1001_0000: COPY with no offset byte and one length byte
	return []byte{byte(len(source)), byte(len(source)), 0b1001_0000, byte(len(source))}
}

func buildPack(t *testing.T, entries ...[]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.Write([]byte{'P', 'A', 'C', 'K', 0, 0, 0, 2})
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(entries)))
	buf.Write(count)
	for _, e := range entries {
		buf.Write(e)
	}
	checksum := sha1.Sum(buf.Bytes())
	buf.Write(checksum[:])
	return buf.Bytes()
}

func TestIngestUnpack(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)

	t.Run("blobs become loose objects", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		raw := buildPack(t,
			fullEntry(t, object.TypeBlob, []byte("hello world")),
			fullEntry(t, object.TypeBlob, []byte("something else")),
		)

		ing := packfile.NewIngestor(fs, h, nil, nil)
		res, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.NoError(t, err)

		assert.True(t, res.Unpacked)
		assert.Equal(t, uint32(2), res.ObjectCount)
		require.Len(t, res.Objects, 2)
		// well-known id of the "hello world" blob
		assert.Equal(t, "95d09f2b10159347eece71399a7e2e907ea3df4f", res.Objects[0].String())

		exists, err := afero.Exists(fs, "/quarantine/95/d09f2b10159347eece71399a7e2e907ea3df4f")
		require.NoError(t, err)
		assert.True(t, exists)

		// the spool file should be gone
		exists, err = afero.Exists(fs, "/quarantine/pack/tmp_pack_incoming")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("deltas are resolved before being written", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		base := []byte("hello world")
		baseEntry := fullEntry(t, object.TypeBlob, base)
		// the delta starts right after the 12-byte header + base entry
		raw := buildPack(t,
			baseEntry,
			ofsDeltaEntry(t, len(baseEntry), copyDelta(t, base)),
		)

		ing := packfile.NewIngestor(fs, h, nil, nil)
		res, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.NoError(t, err)

		require.Len(t, res.Objects, 2)
		// a full copy of the base deflates to the same blob
		assert.True(t, githash.Equal(res.Objects[0], res.Objects[1]))
	})

	t.Run("progress is reported per object", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		raw := buildPack(t,
			fullEntry(t, object.TypeBlob, []byte("a")),
			fullEntry(t, object.TypeBlob, []byte("b")),
			fullEntry(t, object.TypeBlob, []byte("c")),
		)

		calls := []uint32{}
		ing := packfile.NewIngestor(fs, h, nil, &packfile.IngestOptions{
			OnProgress: func(done, total uint32) {
				assert.Equal(t, uint32(3), total)
				calls = append(calls, done)
			},
		})
		_, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 2, 3}, calls)
	})
}

func TestIngestIndexPack(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)

	t.Run("pack and index are written and readable", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		base := []byte("some content to deltify")
		baseEntry := fullEntry(t, object.TypeBlob, base)
		raw := buildPack(t,
			baseEntry,
			ofsDeltaEntry(t, len(baseEntry), insertDelta(t, len(base), []byte("replacement"))),
		)

		ing := packfile.NewIngestor(fs, h, nil, &packfile.IngestOptions{
			UnpackLimit: -1,
		})
		res, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.NoError(t, err)

		assert.False(t, res.Unpacked)
		require.NotNil(t, res.PackID)
		assert.NotEmpty(t, res.PackPath)
		assert.NotEmpty(t, res.IndexPath)

		pack, err := packfile.NewFromFile(fs, h, res.PackPath)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, pack.Close())
		})

		assert.Equal(t, uint32(2), pack.ObjectCount())
		id, err := pack.ID()
		require.NoError(t, err)
		assert.True(t, githash.Equal(res.PackID, id))

		o, err := pack.GetObject(res.Objects[1])
		require.NoError(t, err)
		assert.Equal(t, object.TypeBlob, o.Type())
		assert.Equal(t, []byte("replacement"), o.Bytes())
	})

	t.Run("thin pack gets completed from the store", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		base := object.New(h, object.TypeBlob, []byte("only in the main store"))
		raw := buildPack(t,
			refDeltaEntry(t, base.ID(), copyDelta(t, base.Bytes())),
		)

		resolver := func(oid githash.Oid) (*object.Object, error) {
			if githash.Equal(oid, base.ID()) {
				return base, nil
			}
			return nil, ginternals.ErrObjectNotFound
		}
		ing := packfile.NewIngestor(fs, h, resolver, &packfile.IngestOptions{
			UnpackLimit: -1,
		})
		res, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.NoError(t, err)

		// the client sent one object, the completed pack has two
		assert.Equal(t, uint32(1), res.ObjectCount)
		pack, err := packfile.NewFromFile(fs, h, res.PackPath)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, pack.Close())
		})
		assert.Equal(t, uint32(2), pack.ObjectCount())

		// both the delta and its base resolve from the pack alone
		o, err := pack.GetObject(res.Objects[0])
		require.NoError(t, err)
		assert.Equal(t, base.Bytes(), o.Bytes())
		o, err = pack.GetObject(base.ID())
		require.NoError(t, err)
		assert.Equal(t, base.Bytes(), o.Bytes())
	})

	t.Run("missing base should fail", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		ghost := object.New(h, object.TypeBlob, []byte("nowhere"))
		raw := buildPack(t,
			refDeltaEntry(t, ghost.ID(), copyDelta(t, ghost.Bytes())),
		)

		resolver := func(githash.Oid) (*object.Object, error) {
			return nil, ginternals.ErrObjectNotFound
		}
		ing := packfile.NewIngestor(fs, h, resolver, &packfile.IngestOptions{
			UnpackLimit: -1,
		})
		_, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.Error(t, err)
		assert.ErrorIs(t, err, packfile.ErrBaseNotFound)
	})
}

func TestIngestValidation(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)

	t.Run("corrupted pack should fail the checksum", func(t *testing.T) {
		t.Parallel()

		raw := buildPack(t, fullEntry(t, object.TypeBlob, []byte("data")))
		raw[13]++

		ing := packfile.NewIngestor(afero.NewMemMapFs(), h, nil, nil)
		_, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.Error(t, err)
		assert.ErrorIs(t, err, packfile.ErrChecksumMismatch)
	})

	t.Run("oversized input should fail", func(t *testing.T) {
		t.Parallel()

		raw := buildPack(t, fullEntry(t, object.TypeBlob, []byte("data")))

		ing := packfile.NewIngestor(afero.NewMemMapFs(), h, nil, &packfile.IngestOptions{
			MaxInputSize: 10,
		})
		_, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.Error(t, err)
		assert.ErrorIs(t, err, packfile.ErrMaxSizeExceeded)
	})

	t.Run("invalid magic should fail", func(t *testing.T) {
		t.Parallel()

		raw := buildPack(t, fullEntry(t, object.TypeBlob, []byte("data")))
		copy(raw, "NOPE")
		checksum := sha1.Sum(raw[:len(raw)-sha1.Size])
		copy(raw[len(raw)-sha1.Size:], checksum[:])

		ing := packfile.NewIngestor(afero.NewMemMapFs(), h, nil, nil)
		_, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.Error(t, err)
		assert.ErrorIs(t, err, packfile.ErrInvalidMagic)
	})

	t.Run("fsck error severity rejects the pack", func(t *testing.T) {
		t.Parallel()

		// a commit without tree, author, or committer
		raw := buildPack(t, fullEntry(t, object.TypeCommit, []byte("\nbroken\n")))

		ing := packfile.NewIngestor(afero.NewMemMapFs(), h, nil, &packfile.IngestOptions{
			Fsck: object.NewFsck(nil),
		})
		_, err := ing.Ingest(context.Background(), bytes.NewReader(raw), "/quarantine")
		require.Error(t, err)
		assert.ErrorIs(t, err, packfile.ErrObjectFailsFsck)
	})

	t.Run("fsck warnings are collected", func(t *testing.T) {
		t.Parallel()

		raw := "object 9b91da06e69613397b38e0808e0ba5ee6983251b\n" +
			"type commit\n" +
			"tag v1\n" +
			"\nno tagger\n"
		pack := buildPack(t, fullEntry(t, object.TypeTag, []byte(raw)))

		ing := packfile.NewIngestor(afero.NewMemMapFs(), h, nil, &packfile.IngestOptions{
			Fsck: object.NewFsck(nil),
		})
		res, err := ing.Ingest(context.Background(), bytes.NewReader(pack), "/quarantine")
		require.NoError(t, err)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, object.FsckMissingTaggerEntry, res.Warnings[0].CheckID)
	})

	t.Run("truncated pack should fail", func(t *testing.T) {
		t.Parallel()

		raw := buildPack(t, fullEntry(t, object.TypeBlob, []byte("data")))

		ing := packfile.NewIngestor(afero.NewMemMapFs(), h, nil, nil)
		_, err := ing.Ingest(context.Background(), bytes.NewReader(raw[:8]), "/quarantine")
		require.Error(t, err)
	})

	t.Run("cancelled context aborts the ingestion", func(t *testing.T) {
		t.Parallel()

		raw := buildPack(t, fullEntry(t, object.TypeBlob, []byte("data")))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		ing := packfile.NewIngestor(afero.NewMemMapFs(), h, nil, nil)
		_, err := ing.Ingest(ctx, bytes.NewReader(raw), "/quarantine")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
