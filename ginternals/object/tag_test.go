package object_test

import (
	"testing"

	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTagFromObject(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)

	t.Run("valid tag", func(t *testing.T) {
		t.Parallel()

		raw := "object 9b91da06e69613397b38e0808e0ba5ee6983251b\n" +
			"type commit\n" +
			"tag v1.0.0\n" +
			"tagger John Doe <john@example.com> 1566115917 -0700\n" +
			"\n" +
			"first release\n"
		o := object.New(h, object.TypeTag, []byte(raw))
		tag, err := o.AsTag()
		require.NoError(t, err)

		assert.Equal(t, "9b91da06e69613397b38e0808e0ba5ee6983251b", tag.Target().String())
		assert.Equal(t, object.TypeCommit, tag.Type())
		assert.Equal(t, "v1.0.0", tag.Name())
		assert.Equal(t, "John Doe", tag.Tagger().Name)
		assert.Equal(t, "first release\n", tag.Message())
	})

	t.Run("tag without tagger should fail", func(t *testing.T) {
		t.Parallel()

		raw := "object 9b91da06e69613397b38e0808e0ba5ee6983251b\n" +
			"type commit\n" +
			"tag v1.0.0\n" +
			"\nmsg\n"
		o := object.New(h, object.TypeTag, []byte(raw))
		_, err := o.AsTag()
		require.Error(t, err)
		assert.ErrorIs(t, err, object.ErrTagInvalid)
	})

	t.Run("tag without target should fail", func(t *testing.T) {
		t.Parallel()

		raw := "type commit\n" +
			"tag v1.0.0\n" +
			"tagger John Doe <john@example.com> 1566115917 -0700\n" +
			"\nmsg\n"
		o := object.New(h, object.TypeTag, []byte(raw))
		_, err := o.AsTag()
		require.Error(t, err)
		assert.ErrorIs(t, err, object.ErrTagInvalid)
	})

	t.Run("invalid target type should fail", func(t *testing.T) {
		t.Parallel()

		raw := "object 9b91da06e69613397b38e0808e0ba5ee6983251b\n" +
			"type nope\n" +
			"tag v1.0.0\n" +
			"tagger John Doe <john@example.com> 1566115917 -0700\n" +
			"\nmsg\n"
		o := object.New(h, object.TypeTag, []byte(raw))
		_, err := o.AsTag()
		require.Error(t, err)
	})
}

func TestTagRoundTrip(t *testing.T) {
	t.Parallel()

	h := sha1Hash(t)
	target := object.New(h, object.TypeCommit, []byte("tree f0b577644139c6e04216d82f1dd4a5a63addeeca\n"+
		"author John Doe <john@example.com> 1566115917 -0700\n"+
		"committer John Doe <john@example.com> 1566115917 -0700\n\nmsg\n"))

	tag := object.NewTag(h, &object.TagParams{
		Target:  target,
		Name:    "v2.0.0",
		Tagger:  object.NewSignature("Jane Doe", "jane@example.com"),
		Message: "second release\n",
	})

	parsed, err := tag.ToObject().AsTag()
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", parsed.Name())
	assert.Equal(t, target.ID().String(), parsed.Target().String())
	assert.Equal(t, object.TypeCommit, parsed.Type())
	assert.Equal(t, "second release\n", parsed.Message())
}
