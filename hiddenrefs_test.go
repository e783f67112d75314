package receive_test

import (
	"testing"

	receive "github.com/Nivl/git-receive"
	"github.com/stretchr/testify/assert"
)

func TestHiddenRefs(t *testing.T) {
	t.Parallel()

	t.Run("no pattern hides nothing", func(t *testing.T) {
		t.Parallel()

		h := receive.NewHiddenRefs(nil)
		assert.True(t, h.Empty())
		assert.False(t, h.Hidden("refs/heads/main"))
	})

	t.Run("prefix matches on a path boundary", func(t *testing.T) {
		t.Parallel()

		h := receive.NewHiddenRefs([]string{"refs/pull"})
		assert.True(t, h.Hidden("refs/pull/1/head"))
		assert.True(t, h.Hidden("refs/pull"))
		assert.False(t, h.Hidden("refs/pulls"))
		assert.False(t, h.Hidden("refs/heads/main"))
	})

	t.Run("negation re-exposes a later match", func(t *testing.T) {
		t.Parallel()

		h := receive.NewHiddenRefs([]string{"refs/heads", "!refs/heads/main"})
		assert.True(t, h.Hidden("refs/heads/dev"))
		assert.False(t, h.Hidden("refs/heads/main"))
	})

	t.Run("last matching pattern wins", func(t *testing.T) {
		t.Parallel()

		h := receive.NewHiddenRefs([]string{"!refs/heads/main", "refs/heads"})
		assert.True(t, h.Hidden("refs/heads/main"))
	})

	t.Run("trailing slash is ignored", func(t *testing.T) {
		t.Parallel()

		h := receive.NewHiddenRefs([]string{"refs/pull/"})
		assert.True(t, h.Hidden("refs/pull/1/head"))
		assert.False(t, h.Hidden("refs/pulls"))
	})

	t.Run("empty patterns are dropped", func(t *testing.T) {
		t.Parallel()

		h := receive.NewHiddenRefs([]string{"", "!"})
		assert.True(t, h.Empty())
	})
}
