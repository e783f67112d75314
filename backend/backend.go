// Package backend contains the on-disk stores a receive operation
// reads from and writes to: the object database (loose and packed,
// with its alternates and quarantine), and the reference database
// (loose refs and packed-refs, with transactions)
package backend

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/config"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/packfile"
	"github.com/Nivl/git-receive/internal/cache"
	"github.com/Nivl/git-receive/internal/errutil"
	"github.com/Nivl/git-receive/internal/syncutil"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/ini.v1"
)

// .git/config keys written by Init
const (
	CfgCore                  = "core"
	CfgCoreFormatVersion     = "repositoryformatversion"
	CfgCoreFileMode          = "filemode"
	CfgCoreBare              = "bare"
	CfgCoreLogAllRefUpdate   = "logallrefupdates"
	CfgCoreIgnoreCase        = "ignorecase"
	CfgCorePrecomposeUnicode = "precomposeunicode"
)

const (
	// objectCacheSize is the number of objects kept in memory to avoid
	// hitting the disk on every lookup
	objectCacheSize = 1000
	// objectMutexCount is the number of mutexes available to lock
	// per-oid critical sections. Prime on purpose, it spreads the
	// hashes better
	objectMutexCount = 101
)

// RefWalkFunc represents a function that will be applied on all references
// found by WalkReferences()
type RefWalkFunc = func(ref *ginternals.Reference) error

// WalkStop is a fake error used to tell WalkReferences() to stop
var WalkStop = errors.New("stop walking") //nolint // the linter expects all errors to start with Err, but since here we're faking an error we don't want that

// loadedPack associates a parsed packfile with its location on disk
type loadedPack struct {
	pack *packfile.Pack
	path string
}

// Backend is the filesystem implementation of the object and ref
// databases
//
//nolint:govet // the struct is laid out for readability, not alignment
type Backend struct {
	fs     afero.Fs
	hash   githash.Hash
	config *config.Config

	// objectMu protects the per-oid critical sections (reads racing
	// with writes of the same object)
	objectMu *syncutil.NamedMutex
	// cache holds the most recently used objects
	cache *cache.LRU

	// looseObjects maps an oid to the path of its file on disk
	looseObjects sync.Map

	// packMu protects packfiles
	packMu sync.Mutex
	// packfiles maps a pack id to its parsed pack
	packfiles map[string]*loadedPack

	// refs maps a reference name to its raw on-disk content
	refs sync.Map
	// packedRefsMu serializes the rewrites of the packed-refs file
	packedRefsMu sync.Mutex

	// alternates contains the paths of the extra object directories
	// the repo can read from, as listed in objects/info/alternates
	alternates []string
}

// New returns a Backend attached to the repository described by the
// given config.
// The Backend will need to be freed using Close()
func New(cfg *config.Config, hash githash.Hash) (*Backend, error) {
	c, err := cache.NewLRU(objectCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("could not create the object cache: %w", err)
	}

	b := &Backend{
		fs:        cfg.FS,
		hash:      hash,
		config:    cfg,
		objectMu:  syncutil.NewNamedMutex(objectMutexCount),
		cache:     c,
		packfiles: map[string]*loadedPack{},
	}

	if err = b.loadAlternates(); err != nil {
		return nil, xerrors.Errorf("could not load the alternates: %w", err)
	}
	for _, dir := range append([]string{cfg.ObjectDirPath}, b.alternates...) {
		if err = b.loadObjectDir(dir); err != nil {
			return nil, xerrors.Errorf("could not load the object directory %s: %w", dir, err)
		}
	}
	if err = b.loadRefs(); err != nil {
		return nil, xerrors.Errorf("could not load the references: %w", err)
	}
	return b, nil
}

// Path returns the path of the directory holding the shared data of
// the repo (objects, refs, config, hooks)
func (b *Backend) Path() string {
	return b.config.GitCommonDirPath
}

// ObjectDirPath returns the path of the main object directory
func (b *Backend) ObjectDirPath() string {
	return b.config.ObjectDirPath
}

// AlternatePaths returns the paths of the extra object directories
// the repo reads from
func (b *Backend) AlternatePaths() []string {
	return b.alternates
}

// Hash returns the hash algorithm of the repo
func (b *Backend) Hash() githash.Hash {
	return b.hash
}

// Config returns the config the backend was built from
func (b *Backend) Config() *config.Config {
	return b.config
}

// Close frees the resources
func (b *Backend) Close() error {
	b.packMu.Lock()
	defer b.packMu.Unlock()

	var topErr error
	for _, p := range b.packfiles {
		if err := p.pack.Close(); err != nil && topErr == nil {
			topErr = err
		}
	}
	b.packfiles = map[string]*loadedPack{}
	return topErr
}

// loadAlternates parses the objects/info/alternates file, which lists
// the extra object directories the repo can read from.
// A missing file just means the repo has no alternates
func (b *Backend) loadAlternates() (err error) {
	p := ginternals.AlternatesFilePath(b.config)
	f, err := b.fs.Open(p)
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			return nil
		}
		return xerrors.Errorf("could not open %s: %w", p, err)
	}
	defer errutil.Close(f, &err)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		// relative entries are relative to the objects directory
		if !filepath.IsAbs(line) {
			line = filepath.Join(b.config.ObjectDirPath, line)
		}
		b.alternates = append(b.alternates, line)
	}
	if sc.Err() != nil {
		return xerrors.Errorf("could not parse %s: %w", p, sc.Err())
	}
	return nil
}

// loadObjectDir loads the loose objects and the packfiles of the
// given object directory in memory
func (b *Backend) loadObjectDir(dir string) error {
	if err := b.loadLooseObjects(dir); err != nil {
		return err
	}
	return b.loadPacks(filepath.Join(dir, "pack"))
}

// Init initializes a repository
// This method cannot be called concurrently with other methods
func (b *Backend) Init(branchName string) error {
	// Create the directories
	dirs := []string{
		b.Path(),
		ginternals.TagsPath(b.config),
		ginternals.DotGitPath(b.config),
		ginternals.LocalBranchesPath(b.config),
		ginternals.ObjectsPath(b.config),
		ginternals.ObjectsInfoPath(b.config),
		ginternals.ObjectsPacksPath(b.config),
	}
	for _, d := range dirs {
		if err := b.fs.MkdirAll(d, 0o750); err != nil {
			return xerrors.Errorf("could not create directory %s: %w", d, err)
		}
	}

	// Create the files with the default content
	// (taken from a repo created on github)
	files := []struct {
		path    string
		content []byte
	}{
		{
			path:    ginternals.DescriptionFilePath(b.config),
			content: []byte("Unnamed repository; edit this file 'description' to name the repository.\n"),
		},
	}
	for _, f := range files {
		if err := afero.WriteFile(b.fs, f.path, f.content, 0o644); err != nil {
			return xerrors.Errorf("could not create file %s: %w", f.path, err)
		}
	}

	if err := b.setDefaultCfg(); err != nil {
		return xerrors.Errorf("could not set the default config: %w", err)
	}

	ref := ginternals.NewSymbolicReference(ginternals.Head, ginternals.LocalBranchFullName(branchName))
	if err := b.WriteReferenceSafe(ref); err != nil {
		return xerrors.Errorf("could not write HEAD: %w", err)
	}

	return nil
}

// setDefaultCfg set and persists the default git configuration for
// the repository
func (b *Backend) setDefaultCfg() (err error) {
	cfg := ini.Empty()

	// Core
	core, err := cfg.NewSection(CfgCore)
	if err != nil {
		return xerrors.Errorf("could not create core section: %w", err)
	}
	coreCfg := map[string]string{
		CfgCoreFormatVersion:     "0",
		CfgCoreFileMode:          "true",
		CfgCoreBare:              "false",
		CfgCoreLogAllRefUpdate:   "true",
		CfgCoreIgnoreCase:        "true",
		CfgCorePrecomposeUnicode: "true",
	}
	for k, v := range coreCfg {
		if _, err = core.NewKey(k, v); err != nil {
			return xerrors.Errorf("could not set %s: %w", k, err)
		}
	}

	f, err := b.fs.OpenFile(b.config.LocalConfig, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Errorf("could not create the config file: %w", err)
	}
	defer errutil.Close(f, &err)
	if _, err = cfg.WriteTo(f); err != nil {
		return xerrors.Errorf("could not write the config file: %w", err)
	}
	return nil
}
