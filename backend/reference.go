package backend

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/internal/errutil"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Reference returns a stored reference from its name
// ErrRefNotFound is returned if the reference doesn't exists
// This method can be called concurrently
func (b *Backend) Reference(name string) (*ginternals.Reference, error) {
	finder := func(name string) ([]byte, error) {
		data, ok := b.refs.Load(name)
		if !ok {
			return nil, xerrors.Errorf(`ref "%s": %w`, name, ginternals.ErrRefNotFound)
		}
		return data.([]byte), nil
	}
	return ginternals.ResolveReference(name, b.hash, finder)
}

// HasReference returns whether a reference with the given name is
// stored, without resolving symbolic targets
func (b *Backend) HasReference(name string) bool {
	_, ok := b.refs.Load(name)
	return ok
}

// systemPath returns a path from a ref name
// Ex.: On windows refs/heads/master would return refs\heads\master
func (b *Backend) systemPath(name string) string {
	name = filepath.FromSlash(name)
	return filepath.Join(b.Path(), name)
}

// loadRefs loads the references in memory
func (b *Backend) loadRefs() (err error) {
	// We first parse the packed-refs file which may or may not exists
	// and may or may not contain outdated information
	// (outdated information will be overwritten once we parse the
	// on-disk references).
	packedRefPath := ginternals.PackedRefsPath(b.config)
	f, err := b.fs.Open(packedRefPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Errorf("could not open %s: %w", packedRefPath, err)
	}
	// if the file doesn't exist then there's nothing to do
	if err == nil {
		defer errutil.Close(f, &err)

		sc := bufio.NewScanner(f)
		for i := 1; sc.Scan(); i++ {
			line := sc.Text()
			// we skip empty lines, comments, and annotated tag commit
			if line == "" || line[0] == '#' || line[0] == '^' {
				continue
			}
			// We expected data to have the format:
			// "oid ref-name"
			parts := strings.SplitN(line, " ", 2)
			if len(parts) != 2 {
				return xerrors.Errorf("could not parse %s, unexpected data line %d: %w", packedRefPath, i, ginternals.ErrPackedRefInvalid)
			}
			// the name of the ref is its UNIX path
			b.refs.Store(filepath.ToSlash(parts[1]), []byte(parts[0]))
		}

		if sc.Err() != nil {
			return xerrors.Errorf("could not parse %s: %w", packedRefPath, sc.Err())
		}
	}

	// Now we browse all the references on disk, which overwrite the
	// packed entries since the loose value is the current one
	refsPath := ginternals.RefsPath(b.config)
	err = afero.Walk(b.fs, refsPath, func(path string, info fs.FileInfo, e error) error {
		// if refsPath doesn't exists this will return nil and skip the
		// error. this is useful in case where the repo is empty and has
		// no references yet
		if path == refsPath {
			return nil
		}

		if e != nil {
			return xerrors.Errorf("could not walk %s: %w", path, e)
		}
		if info.IsDir() {
			return nil
		}
		// lock files are not references
		if strings.HasSuffix(path, lockFileExt) {
			return nil
		}
		data, e := afero.ReadFile(b.fs, path)
		if e != nil {
			return xerrors.Errorf("could not read reference at %s: %w", path, e)
		}
		relpath, e := filepath.Rel(b.Path(), path)
		if e != nil {
			return e //nolint:wrapcheck // the error message is already pretty descriptive
		}
		// the name of the ref is its UNIX path
		b.refs.Store(filepath.ToSlash(relpath), data)
		return nil
	})
	if err != nil {
		return xerrors.Errorf("could not browse the refs directory: %w", err)
	}

	// Now we look for the special HEAD reference
	data, err := afero.ReadFile(b.fs, filepath.Join(b.config.GitDirPath, ginternals.Head))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return xerrors.Errorf("could not read HEAD: %w", err)
		}
		return nil
	}
	b.refs.Store(ginternals.Head, data)
	return nil
}

// WriteReference writes the given reference on disk. If the
// reference already exists it will be overwritten
func (b *Backend) WriteReference(ref *ginternals.Reference) error {
	return b.writeReference(ref)
}

// WriteReferenceSafe writes the given reference on disk.
// ErrRefExists is returned if the reference already exists
func (b *Backend) WriteReferenceSafe(ref *ginternals.Reference) error {
	if _, ok := b.refs.Load(ref.Name()); ok {
		return ginternals.ErrRefExists
	}
	return b.writeReference(ref)
}

// writeReference writes the given reference on disk. If the
// reference already exists it will be overwritten
func (b *Backend) writeReference(ref *ginternals.Reference) error {
	if !ginternals.IsRefNameValid(ref.Name()) {
		return ginternals.ErrRefNameInvalid
	}

	var target string
	switch ref.Type() {
	case ginternals.SymbolicReference:
		target = fmt.Sprintf("ref: %s\n", ref.SymbolicTarget())
	case ginternals.OidReference:
		target = fmt.Sprintf("%s\n", ref.Target().String())
	default:
		return xerrors.Errorf("reference type %d: %w", ref.Type(), ginternals.ErrUnknownRefType)
	}

	refPath := b.refDiskPath(ref.Name())
	// Since we can have `/` in the ref name, we need to create
	// the path on the FS
	dir := filepath.Dir(refPath)
	err := b.fs.MkdirAll(dir, 0o755)
	if err != nil {
		return xerrors.Errorf("could not persist reference to disk: %w", err)
	}
	// We can now create the actual file
	data := []byte(target)
	err = afero.WriteFile(b.fs, refPath, data, 0o644)
	if err != nil {
		return xerrors.Errorf("could not persist reference to disk: %w", err)
	}
	b.refs.Store(ref.Name(), data)
	return nil
}

// refDiskPath returns the on-disk path of a reference.
// HEAD lives in the git dir, everything else in the common dir
func (b *Backend) refDiskPath(name string) string {
	if name == ginternals.Head {
		return filepath.Join(b.config.GitDirPath, ginternals.Head)
	}
	return b.systemPath(name)
}

// WalkReferences runs the provided method on all the references in
// lexicographic order of their names
func (b *Backend) WalkReferences(f RefWalkFunc) error {
	names := make([]string, 0, 10)
	b.refs.Range(func(key, value interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)

	for _, name := range names {
		ref, err := b.Reference(name)
		if err != nil {
			// a symref may point at a ref that doesn't exist yet
			// (HEAD in an empty repo)
			if errors.Is(err, ginternals.ErrRefNotFound) {
				continue
			}
			return xerrors.Errorf("could not resolve reference %s: %w", name, err)
		}
		if err = f(ref); err != nil {
			if err == WalkStop { //nolint:errorlint,goerr113 // it's a fake error so no need to use Error.Is()
				return nil
			}
			return err
		}
	}
	return nil
}

// removePackedRef rewrites the packed-refs file without the given
// reference. A missing packed-refs file is fine
func (b *Backend) removePackedRef(name string) (err error) {
	b.packedRefsMu.Lock()
	defer b.packedRefsMu.Unlock()

	packedRefPath := ginternals.PackedRefsPath(b.config)
	f, err := b.fs.Open(packedRefPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Errorf("could not open %s: %w", packedRefPath, err)
	}

	var out strings.Builder
	found := false
	sc := bufio.NewScanner(f)
	// the ^ line of an annotated tag belongs to the entry above it
	skipPeeled := false
	for sc.Scan() {
		line := sc.Text()
		if line != "" && line[0] == '^' && skipPeeled {
			skipPeeled = false
			continue
		}
		skipPeeled = false
		if line != "" && line[0] != '#' && line[0] != '^' {
			parts := strings.SplitN(line, " ", 2)
			if len(parts) == 2 && filepath.ToSlash(parts[1]) == name {
				found = true
				skipPeeled = true
				continue
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	scanErr := sc.Err()
	errutil.Close(f, &err)
	if err != nil {
		return xerrors.Errorf("could not close %s: %w", packedRefPath, err)
	}
	if scanErr != nil {
		return xerrors.Errorf("could not parse %s: %w", packedRefPath, scanErr)
	}
	if !found {
		return nil
	}
	if err = afero.WriteFile(b.fs, packedRefPath, []byte(out.String()), 0o644); err != nil {
		return xerrors.Errorf("could not rewrite %s: %w", packedRefPath, err)
	}
	return nil
}
