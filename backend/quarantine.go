package backend

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/Nivl/git-receive/ginternals/packfile"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// ErrQuarantineDone is returned when a promoted or discarded
// quarantine is reused
var ErrQuarantineDone = errors.New("quarantine already finished")

// quarantineState tracks where a quarantine is in its lifecycle
type quarantineState int8

const (
	quarantineActive quarantineState = iota
	quarantinePromoted
	quarantineDiscarded
)

// Quarantine is a temporary object directory holding the objects of
// an incoming push. The objects are readable through the backend like
// any other object, but stay out of the main store until Promote()
// moves them in. Discard() throws everything away, so a rejected push
// leaves no trace in the repository
type Quarantine struct {
	b    *Backend
	name string
	path string

	state quarantineState
}

// NewQuarantine creates a fresh quarantine directory under the main
// object directory.
// Its alternates file points back at the main store so that objects
// already in the repository resolve during the quarantined checks
func (b *Backend) NewQuarantine() (*Quarantine, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, xerrors.Errorf("could not generate the quarantine name: %w", err)
	}
	name := hex.EncodeToString(buf)
	p := ginternals.QuarantinePath(b.config, name)

	dirs := []string{
		filepath.Join(p, "pack"),
		filepath.Join(p, "info"),
	}
	for _, d := range dirs {
		if err := b.fs.MkdirAll(d, 0o750); err != nil {
			return nil, xerrors.Errorf("could not create the quarantine directory %s: %w", d, err)
		}
	}

	alternates := append([]string{b.config.ObjectDirPath}, b.alternates...)
	content := strings.Join(alternates, "\n") + "\n"
	alternatesPath := filepath.Join(p, "info", "alternates")
	if err := afero.WriteFile(b.fs, alternatesPath, []byte(content), 0o644); err != nil {
		return nil, xerrors.Errorf("could not write %s: %w", alternatesPath, err)
	}

	return &Quarantine{
		b:    b,
		name: name,
		path: p,
	}, nil
}

// Path returns the path of the quarantine object directory
func (q *Quarantine) Path() string {
	return q.path
}

// AlternateObjectDirs returns the object directories a process
// working inside the quarantine can read from
func (q *Quarantine) AlternateObjectDirs() []string {
	return append([]string{q.b.config.ObjectDirPath}, q.b.alternates...)
}

// WriteObject persists an object inside the quarantine
func (q *Quarantine) WriteObject(o *object.Object) (githash.Oid, error) {
	if q.state != quarantineActive {
		return q.b.hash.NullOid(), ErrQuarantineDone
	}
	return q.b.writeObjectIn(q.path, o)
}

// Load registers the content of the quarantine directory in the
// backend, making the quarantined objects readable.
// It's meant to be called after an external process (index-pack)
// filled the directory behind the backend's back
func (q *Quarantine) Load() error {
	if q.state != quarantineActive {
		return ErrQuarantineDone
	}
	return q.b.loadObjectDir(q.path)
}

// move is a single executed file rename, kept around to be able to
// rename back on failure
type move struct {
	src string
	dst string
}

// Promote moves the quarantined objects into the main object
// directory and removes the quarantine.
// On failure the executed renames are reverted, leaving the
// quarantine in place
func (q *Quarantine) Promote() (err error) {
	if q.state != quarantineActive {
		return ErrQuarantineDone
	}

	moves := []move{}
	defer func() {
		if err != nil {
			for i := len(moves) - 1; i >= 0; i-- {
				_ = q.b.fs.Rename(moves[i].dst, moves[i].src)
			}
		}
	}()

	if err = q.promoteLoose(&moves); err != nil {
		return err
	}
	if err = q.promotePacks(&moves); err != nil {
		return err
	}

	q.state = quarantinePromoted
	if err = q.b.fs.RemoveAll(q.path); err != nil {
		return xerrors.Errorf("could not remove the quarantine directory %s: %w", q.path, err)
	}
	return nil
}

// promoteLoose renames the quarantined loose objects into the main
// object directory
func (q *Quarantine) promoteLoose(moves *[]move) error {
	prefix := q.path + string(filepath.Separator)

	type looseEntry struct {
		oid githash.Oid
		src string
	}
	entries := []looseEntry{}
	q.b.looseObjects.Range(func(key, value interface{}) bool {
		p := value.(string)
		if strings.HasPrefix(p, prefix) {
			entries = append(entries, looseEntry{oid: key.(githash.Oid), src: p})
		}
		return true
	})

	for _, e := range entries {
		sha := e.oid.String()
		dst := ginternals.LooseObjectPath(q.b.config, sha)

		// the object may already be in the main store, the copy in the
		// quarantine is then redundant
		if _, statErr := q.b.fs.Stat(dst); statErr == nil {
			if err := q.b.fs.Remove(e.src); err != nil && !errors.Is(err, os.ErrNotExist) {
				return xerrors.Errorf("could not remove the duplicate object %s: %w", sha, err)
			}
			q.b.looseObjects.Store(e.oid, dst)
			continue
		}

		if err := q.b.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return xerrors.Errorf("could not create the destination directory of %s: %w", sha, err)
		}
		if err := q.b.fs.Rename(e.src, dst); err != nil {
			return xerrors.Errorf("could not promote object %s: %w", sha, err)
		}
		*moves = append(*moves, move{src: e.src, dst: dst})
		q.b.looseObjects.Store(e.oid, dst)
	}
	return nil
}

// promotePacks renames the quarantined packfiles and their indexes
// into the main pack directory and reopens them from there
func (q *Quarantine) promotePacks(moves *[]move) error {
	q.b.packMu.Lock()
	defer q.b.packMu.Unlock()

	prefix := q.path + string(filepath.Separator)
	for id, lp := range q.b.packfiles {
		if !strings.HasPrefix(lp.path, prefix) {
			continue
		}

		if err := lp.pack.Close(); err != nil {
			return xerrors.Errorf("could not close the quarantined packfile %s: %w", lp.path, err)
		}

		dstPack := ginternals.PackfilePath(q.b.config, filepath.Base(lp.path))
		srcIdx := strings.TrimSuffix(lp.path, packfile.ExtPackfile) + packfile.ExtIndex
		dstIdx := strings.TrimSuffix(dstPack, packfile.ExtPackfile) + packfile.ExtIndex

		if err := q.b.fs.Rename(lp.path, dstPack); err != nil {
			return xerrors.Errorf("could not promote the packfile %s: %w", lp.path, err)
		}
		*moves = append(*moves, move{src: lp.path, dst: dstPack})
		if err := q.b.fs.Rename(srcIdx, dstIdx); err != nil {
			return xerrors.Errorf("could not promote the pack index %s: %w", srcIdx, err)
		}
		*moves = append(*moves, move{src: srcIdx, dst: dstIdx})

		pack, err := packfile.NewFromFile(q.b.fs, q.b.hash, dstPack)
		if err != nil {
			return xerrors.Errorf("could not reopen the promoted packfile %s: %w", dstPack, err)
		}
		q.b.packfiles[id] = &loadedPack{pack: pack, path: dstPack}
	}
	return nil
}

// Discard unregisters and deletes everything the quarantine holds
func (q *Quarantine) Discard() error {
	if q.state != quarantineActive {
		return ErrQuarantineDone
	}
	q.state = quarantineDiscarded

	prefix := q.path + string(filepath.Separator)

	hadLoose := false
	q.b.looseObjects.Range(func(key, value interface{}) bool {
		if strings.HasPrefix(value.(string), prefix) {
			q.b.looseObjects.Delete(key)
			hadLoose = true
		}
		return true
	})
	// the cache may hold quarantined objects, drop everything rather
	// than tracking which entry came from where
	if hadLoose && q.b.cache != nil {
		q.b.cache.Clear()
	}

	q.b.packMu.Lock()
	for id, lp := range q.b.packfiles {
		if !strings.HasPrefix(lp.path, prefix) {
			continue
		}
		if err := lp.pack.Close(); err != nil {
			log.Println("Discard() could not close a quarantined packfile:", err)
		}
		delete(q.b.packfiles, id)
	}
	q.b.packMu.Unlock()

	// a leftover directory never reaches the client: the push already
	// failed, its outcome is decided
	if err := q.b.fs.RemoveAll(q.path); err != nil {
		log.Println("Discard() could not remove the quarantine directory:", err)
	}
	return nil
}
