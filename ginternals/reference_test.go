package ginternals_test

import (
	"testing"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRefNameValid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		desc    string
		name    string
		isValid bool
	}{
		{desc: "regular branch", name: "refs/heads/main", isValid: true},
		{desc: "nested branch", name: "refs/heads/feature/login", isValid: true},
		{desc: "tag", name: "refs/tags/v1.0.0", isValid: true},
		{desc: "empty name", name: "", isValid: false},
		{desc: "a single @", name: "@", isValid: false},
		{desc: "leading slash", name: "/refs/heads/main", isValid: false},
		{desc: "trailing slash", name: "refs/heads/main/", isValid: false},
		{desc: "trailing dot", name: "refs/heads/main.", isValid: false},
		{desc: "double dot", name: "refs/heads/a..b", isValid: false},
		{desc: "double slash", name: "refs/heads//main", isValid: false},
		{desc: "at-brace", name: "refs/heads/a@{b", isValid: false},
		{desc: "space", name: "refs/heads/my branch", isValid: false},
		{desc: "asterisk", name: "refs/heads/*", isValid: false},
		{desc: "question mark", name: "refs/heads/a?b", isValid: false},
		{desc: "tilde", name: "refs/heads/a~b", isValid: false},
		{desc: "colon", name: "refs/heads/a:b", isValid: false},
		{desc: "caret", name: "refs/heads/a^b", isValid: false},
		{desc: "open bracket", name: "refs/heads/a[b", isValid: false},
		{desc: "backslash", name: `refs/heads/a\b`, isValid: false},
		{desc: "control char", name: "refs/heads/a\x01b", isValid: false},
		{desc: "DEL char", name: "refs/heads/a\x7fb", isValid: false},
		{desc: "segment starting with a dot", name: "refs/heads/.hidden", isValid: false},
		{desc: "segment ending with a dot", name: "refs/heads./main", isValid: false},
		{desc: "lock suffix", name: "refs/heads/main.lock", isValid: false},
		{desc: "lock suffix in the middle", name: "refs/heads.lock/main", isValid: false},
		{desc: "at sign inside a segment", name: "refs/heads/user@host", isValid: true},
		{desc: "dot inside a segment", name: "refs/heads/v1.2", isValid: true},
	}
	for i, tc := range testCases {
		tc := tc
		i := i
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			assert.Equalf(t, tc.isValid, ginternals.IsRefNameValid(tc.name), "test %d: %s", i, tc.name)
		})
	}
}

func TestResolveReference(t *testing.T) {
	t.Parallel()

	h, err := githash.New("sha1")
	require.NoError(t, err)

	oid, err := h.ConvertFromString("0eaf966ff79d8f61958aaefe163620d952606516")
	require.NoError(t, err)

	t.Run("oid reference", func(t *testing.T) {
		t.Parallel()

		finder := func(name string) ([]byte, error) {
			require.Equal(t, "refs/heads/main", name)
			return []byte("0eaf966ff79d8f61958aaefe163620d952606516\n"), nil
		}
		ref, err := ginternals.ResolveReference("refs/heads/main", h, finder)
		require.NoError(t, err)
		assert.Equal(t, ginternals.OidReference, ref.Type())
		assert.Equal(t, "refs/heads/main", ref.Name())
		assert.True(t, githash.Equal(oid, ref.Target()))
	})

	t.Run("symbolic reference is followed", func(t *testing.T) {
		t.Parallel()

		contents := map[string]string{
			"HEAD":            "ref: refs/heads/main",
			"refs/heads/main": "0eaf966ff79d8f61958aaefe163620d952606516",
		}
		finder := func(name string) ([]byte, error) {
			data, ok := contents[name]
			if !ok {
				return nil, ginternals.ErrRefNotFound
			}
			return []byte(data), nil
		}
		ref, err := ginternals.ResolveReference(ginternals.Head, h, finder)
		require.NoError(t, err)
		assert.Equal(t, ginternals.SymbolicReference, ref.Type())
		assert.Equal(t, "refs/heads/main", ref.SymbolicTarget())
		assert.True(t, githash.Equal(oid, ref.Target()))
	})

	t.Run("circular reference should fail", func(t *testing.T) {
		t.Parallel()

		contents := map[string]string{
			"refs/heads/a": "ref: refs/heads/b",
			"refs/heads/b": "ref: refs/heads/a",
		}
		finder := func(name string) ([]byte, error) {
			return []byte(contents[name]), nil
		}
		_, err := ginternals.ResolveReference("refs/heads/a", h, finder)
		require.Error(t, err)
		assert.ErrorIs(t, err, ginternals.ErrRefInvalid)
	})

	t.Run("invalid name should fail", func(t *testing.T) {
		t.Parallel()

		finder := func(name string) ([]byte, error) {
			t.Fatal("finder should not be called")
			return nil, nil
		}
		_, err := ginternals.ResolveReference("refs/heads/..", h, finder)
		require.Error(t, err)
		assert.ErrorIs(t, err, ginternals.ErrRefNameInvalid)
	})

	t.Run("garbage content should fail", func(t *testing.T) {
		t.Parallel()

		finder := func(name string) ([]byte, error) {
			return []byte("not-an-oid-and-not-a-symref"), nil
		}
		_, err := ginternals.ResolveReference("refs/heads/main", h, finder)
		require.Error(t, err)
		assert.ErrorIs(t, err, ginternals.ErrRefInvalid)
	})
}
