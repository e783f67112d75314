package receive_test

import (
	"strings"
	"testing"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/stretchr/testify/require"
)

// testStore is an in-memory object source keyed by id, standing in
// for the quarantine-plus-main-store view of a session
type testStore struct {
	hash    githash.Hash
	objects map[string]*object.Object
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()

	return &testStore{
		hash:    githash.NewSHA1(),
		objects: map[string]*object.Object{},
	}
}

func (s *testStore) get(oid githash.Oid) (*object.Object, error) {
	o, ok := s.objects[oid.String()]
	if !ok {
		return nil, ginternals.ErrObjectNotFound
	}
	return o, nil
}

func (s *testStore) oid(t *testing.T, short string) githash.Oid {
	t.Helper()

	full := short + strings.Repeat("0", 40-len(short))
	oid, err := s.hash.ConvertFromString(full)
	require.NoError(t, err)
	return oid
}

// addCommit stores a commit with the given tree and parents and
// returns its id
func (s *testStore) addCommit(t *testing.T, id string, tree githash.Oid, parents ...githash.Oid) githash.Oid {
	t.Helper()

	var sb strings.Builder
	sb.WriteString("tree " + tree.String() + "\n")
	for _, p := range parents {
		sb.WriteString("parent " + p.String() + "\n")
	}
	sb.WriteString("author John Doe <john@example.com> 1566115917 -0700\n")
	sb.WriteString("committer John Doe <john@example.com> 1566115917 -0700\n")
	sb.WriteString("\ncommit " + id + "\n")

	oid := s.oid(t, id)
	s.objects[oid.String()] = object.NewWithID(s.hash, oid, object.TypeCommit, []byte(sb.String()))
	return oid
}

func (s *testStore) addTree(t *testing.T, id string, entries []object.TreeEntry) githash.Oid {
	t.Helper()

	oid := s.oid(t, id)
	tree := object.NewTree(s.hash, entries)
	s.objects[oid.String()] = object.NewWithID(s.hash, oid, object.TypeTree, tree.ToObject().Bytes())
	return oid
}

func (s *testStore) addBlob(t *testing.T, id string) githash.Oid {
	t.Helper()

	oid := s.oid(t, id)
	s.objects[oid.String()] = object.NewWithID(s.hash, oid, object.TypeBlob, []byte("content "+id))
	return oid
}

func (s *testStore) addTag(t *testing.T, id string, target githash.Oid, targetType string) githash.Oid {
	t.Helper()

	raw := "object " + target.String() + "\n" +
		"type " + targetType + "\n" +
		"tag v1.0.0\n" +
		"tagger John Doe <john@example.com> 1566115917 -0700\n" +
		"\nrelease\n"

	oid := s.oid(t, id)
	s.objects[oid.String()] = object.NewWithID(s.hash, oid, object.TypeTag, []byte(raw))
	return oid
}
