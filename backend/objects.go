package backend

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/Nivl/git-receive/ginternals/packfile"
	"github.com/Nivl/git-receive/internal/errutil"
	"github.com/Nivl/git-receive/internal/readutil"
	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Object returns the object that has given oid
// This method can be called concurrently
func (b *Backend) Object(oid githash.Oid) (*object.Object, error) {
	key := oid.Bytes()
	b.objectMu.Lock(key)
	defer b.objectMu.Unlock(key)

	return b.objectUnsafe(oid)
}

func (b *Backend) objectUnsafe(oid githash.Oid) (*object.Object, error) {
	if b.cache != nil {
		if cachedO, found := b.cache.Get(oid); found {
			if o, valid := cachedO.(*object.Object); valid {
				return o, nil
			}
		}
	}

	// First let's look for loose objects
	o, err := b.looseObject(oid)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, xerrors.Errorf("failed looking for loose object: %w", err)
	}

	// Not found? Let's find it in a packfile
	o, err = b.objectFromPackfile(oid)
	if err != nil {
		return nil, err
	}
	if b.cache != nil {
		b.cache.Add(oid, o)
	}
	return o, nil
}

// looseObject returns the object matching the given OID.
// The format of an object is an ascii encoded type, an ascii encoded
// space, then an ascii encoded length of the object, then a null
// character, then the body of the object
func (b *Backend) looseObject(oid githash.Oid) (o *object.Object, err error) {
	rawPath, exists := b.looseObjects.Load(oid)
	if !exists {
		return nil, os.ErrNotExist
	}
	p := rawPath.(string)

	strOid := oid.String()
	f, err := b.fs.Open(p)
	if err != nil {
		return nil, xerrors.Errorf("could not get object %s at path %s: %w", strOid, p, err)
	}
	defer errutil.Close(f, &err)

	// Objects are zlib encoded
	zlibReader, err := zlib.NewReader(f)
	if err != nil {
		return nil, xerrors.Errorf("could not decompress parts of object %s at path %s: %w", strOid, p, err)
	}
	defer errutil.Close(zlibReader, &err)

	// We directly read the entire file since most of it is the content we
	// need, this allows us to be able to easily store the object's content
	buff, err := io.ReadAll(zlibReader)
	if err != nil {
		return nil, xerrors.Errorf("could not read object %s at path %s: %w", strOid, p, err)
	}

	// we keep track of where we're at in the buffer
	pointerPos := 0

	// the type of the object starts at offset 0 and ends a the first
	// space character that we'll need to trim
	typ := readutil.ReadTo(buff, ' ')
	if typ == nil {
		return nil, xerrors.Errorf("could not find object type for %s at path %s: %w", strOid, p, object.ErrObjectInvalid)
	}

	oType, err := object.NewTypeFromString(string(typ))
	if err != nil {
		return nil, xerrors.Errorf("unsupported type %s for object %s at path %s: %w", string(typ), strOid, p, object.ErrObjectInvalid)
	}
	pointerPos += len(typ)
	pointerPos++ // one more for the space

	// The size of the object starts after the space and ends at a NULL char
	// That we'll need to trim.
	// A NULL char is represented by 0 (dec), 000 (octal), or 0x00 (hex)
	// type "man ascii" in a terminal for more information
	size := readutil.ReadTo(buff[pointerPos:], 0)
	if size == nil {
		return nil, xerrors.Errorf("could not find object size for %s at path %s: %w", strOid, p, object.ErrObjectInvalid)
	}
	oSize, err := strconv.Atoi(string(size))
	if err != nil {
		return nil, xerrors.Errorf("invalid size %s for object %s at path %s: %w", size, strOid, p, err)
	}
	pointerPos += len(size)
	pointerPos++                  // one more for the NULL char
	oContent := buff[pointerPos:] // sugar

	if len(oContent) != oSize {
		return nil, xerrors.Errorf("object marked as size %d, but has %d at path %s: %w", oSize, len(oContent), p, object.ErrObjectInvalid)
	}

	return object.NewWithID(b.hash, oid, oType, oContent), nil
}

// loadPacks parses the packfiles of the given pack directory and
// registers them in memory
func (b *Backend) loadPacks(packDir string) error {
	b.packMu.Lock()
	defer b.packMu.Unlock()

	return afero.Walk(b.fs, packDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			//nolint:nilerr // in case of error we just skip it and move on.
			// this will happen if the repo is empty and the ./objects/pack
			// folder doesn't exists
			return nil
		}

		if path == packDir {
			return nil
		}

		// There should be no directories, but just in case,
		// we make sure we don't go in them
		if info.IsDir() {
			return filepath.SkipDir
		}

		// We're only interested in packfiles
		if filepath.Ext(info.Name()) != packfile.ExtPackfile {
			return nil
		}

		pack, err := packfile.NewFromFile(b.fs, b.hash, path)
		if err != nil {
			return xerrors.Errorf("could not parse packfile at %s: %w", path, err)
		}
		id, err := pack.ID()
		if err != nil {
			return xerrors.Errorf("could not get the id of the packfile at %s: %w", path, err)
		}
		b.packfiles[id.String()] = &loadedPack{
			pack: pack,
			path: path,
		}
		return nil
	})
}

// objectFromPackfile looks for an object in the packfiles
func (b *Backend) objectFromPackfile(oid githash.Oid) (*object.Object, error) {
	b.packMu.Lock()
	defer b.packMu.Unlock()

	// TODO(melvin): parse MIDX files to speed up the process
	// MIDX file: https://git-scm.com/docs/multi-pack-index
	for _, p := range b.packfiles {
		o, err := p.pack.GetObject(oid)
		if err == nil {
			return o, nil
		}
		if errors.Is(err, ginternals.ErrObjectNotFound) {
			continue
		}
		return nil, err
	}
	return nil, ginternals.ErrObjectNotFound
}

// HasObject returns whether an object exists in the odb
// This method can be called concurrently
func (b *Backend) HasObject(oid githash.Oid) (bool, error) {
	key := oid.Bytes()
	b.objectMu.Lock(key)
	defer b.objectMu.Unlock(key)

	return b.hasObjectUnsafe(oid)
}

func (b *Backend) hasObjectUnsafe(oid githash.Oid) (bool, error) {
	_, err := b.objectUnsafe(oid)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ginternals.ErrObjectNotFound) {
		return false, nil
	}
	return false, xerrors.Errorf("could not get object: %w", err)
}

// WriteObject adds an object to the main object directory
// This method can be called concurrently
func (b *Backend) WriteObject(o *object.Object) (githash.Oid, error) {
	return b.writeObjectIn(b.config.ObjectDirPath, o)
}

// writeObjectIn persists an object under the given object directory.
// dir may be the main object directory or a quarantine directory
func (b *Backend) writeObjectIn(dir string, o *object.Object) (githash.Oid, error) {
	data, err := o.Compress()
	if err != nil {
		return b.hash.NullOid(), xerrors.Errorf("could not compress object: %w", err)
	}

	oid := o.ID()
	b.objectMu.Lock(oid.Bytes())
	defer b.objectMu.Unlock(oid.Bytes())

	// Make sure the object doesn't already exist anywhere
	found, err := b.hasObjectUnsafe(oid)
	if err != nil {
		return b.hash.NullOid(), xerrors.Errorf("could not check if object (%s) already exists: %w", oid.String(), err)
	}
	if found {
		return oid, nil
	}

	// Persist the data on disk
	sha := oid.String()
	p := filepath.Join(dir, sha[:2], sha[2:])

	// We need to make sure the dest dir exists
	dest := filepath.Dir(p)
	if err = b.fs.MkdirAll(dest, 0o755); err != nil {
		return b.hash.NullOid(), xerrors.Errorf("could not create the destination directory %s: %w", dest, err)
	}

	// We use 444 because git objects are read-only
	if err = afero.WriteFile(b.fs, p, data, 0o444); err != nil {
		return b.hash.NullOid(), xerrors.Errorf("could not persist object %s at path %s: %w", sha, p, err)
	}

	b.looseObjects.Store(oid, p)
	if b.cache != nil {
		b.cache.Add(oid, o)
	}
	return oid, nil
}

// WalkPackedObjectIDs runs the provided method on all the oids of all
// the packfiles
func (b *Backend) WalkPackedObjectIDs(f packfile.OidWalkFunc) error {
	b.packMu.Lock()
	defer b.packMu.Unlock()

	for _, p := range b.packfiles {
		if err := p.pack.WalkOids(f); err != nil {
			return err
		}
	}
	return nil
}

// loadLooseObjects registers the loose objects of the given object
// directory in memory
func (b *Backend) loadLooseObjects(dir string) error {
	return afero.Walk(b.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			//nolint:nilerr // in case of error we just skip it and move on.
			// this will happen if the repo is empty and the ./objects
			// folder doesn't exists
			return nil
		}
		if path == dir {
			return nil
		}

		// We're interested in all the directory that are named "00"
		// up to "ff"
		if info.IsDir() {
			if !b.isLooseObjectDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		// We're only interested in the files inside a loose object
		// directory
		prefix := filepath.Base(filepath.Dir(path))
		if !b.isLooseObjectDir(prefix) {
			return filepath.SkipDir
		}

		if filepath.Ext(info.Name()) != "" {
			return nil
		}

		sha := prefix + info.Name()
		oid, err := b.hash.ConvertFromString(sha)
		if err != nil {
			return xerrors.Errorf("could not get oid from %s: %w", sha, err)
		}
		// first writer wins, the same object may exist in an alternate
		b.looseObjects.LoadOrStore(oid, path)
		return nil
	})
}

// isLooseObjectDir checks if a directory name is anything between 00 and ff
func (b *Backend) isLooseObjectDir(name string) bool {
	if len(name) != 2 {
		return false
	}
	_, parseErr := strconv.ParseUint(name, 16, 64)
	return parseErr == nil
}

// WalkLooseObjectIDs runs the provided method on all the loose oids
func (b *Backend) WalkLooseObjectIDs(f packfile.OidWalkFunc) (err error) {
	b.looseObjects.Range(func(key, value interface{}) bool {
		err = f(key.(githash.Oid))
		if err != nil {
			if err == packfile.OidWalkStop { //nolint:errorlint,goerr113 // it's a fake error so no need to use Error.Is()
				err = nil
			}
			return false
		}
		return true
	})
	return err
}
