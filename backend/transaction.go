package backend

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// lockFileExt is the extension of the lock file guarding a reference
const lockFileExt = ".lock"

var (
	// ErrRefLocked is returned when a reference is already locked by
	// another transaction
	ErrRefLocked = errors.New("reference is locked")
	// ErrRefMismatch is returned when the current value of a reference
	// doesn't match the expected old value
	ErrRefMismatch = errors.New("reference value mismatch")
	// ErrTxDone is returned when a committed or aborted transaction
	// is reused
	ErrTxDone = errors.New("transaction already finished")
)

// txChange is a single reference update or deletion queued in a
// transaction
type txChange struct {
	name  string
	oldID githash.Oid
	newID githash.Oid
	// isDelete tells deletions apart from updates since newID is the
	// null oid in both cases
	isDelete bool

	// lockPath is set once the change holds its lock file
	lockPath string
	// prevData is the raw in-memory content of the ref before the
	// change was applied, nil if the ref didn't exist
	prevData []byte
	applied  bool
}

// Transaction is an all-or-nothing batch of reference updates.
// All the involved references get locked before any of them is
// checked or written, so a transaction either sees and produces a
// consistent ref database or fails without touching it
type Transaction struct {
	b       *Backend
	changes []*txChange
	done    bool
	// failedRef holds the name of the change that made Commit fail,
	// empty while nothing failed
	failedRef string
}

// FailedRef returns the name of the reference that made Commit fail,
// or an empty string if the transaction didn't fail on a specific ref
func (tx *Transaction) FailedRef() string {
	return tx.failedRef
}

// NewTransaction returns an empty transaction on the ref database
func (b *Backend) NewTransaction() *Transaction {
	return &Transaction{b: b}
}

// Update queues a reference update.
// A zero oldID means the reference must not exist yet
func (tx *Transaction) Update(name string, oldID, newID githash.Oid) {
	tx.changes = append(tx.changes, &txChange{
		name:  name,
		oldID: oldID,
		newID: newID,
	})
}

// Delete queues a reference deletion.
// A zero oldID deletes the reference whatever its current value is
func (tx *Transaction) Delete(name string, oldID githash.Oid) {
	tx.changes = append(tx.changes, &txChange{
		name:     name,
		oldID:    oldID,
		isDelete: true,
	})
}

// Commit locks, verifies, and applies all the queued changes.
// If anything fails the already applied changes are rolled back and
// the ref database is left untouched
func (tx *Transaction) Commit() (err error) {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	// Locks are always taken in lexicographic order so two concurrent
	// transactions touching the same refs cannot deadlock each other
	sort.SliceStable(tx.changes, func(i, j int) bool { return tx.changes[i].name < tx.changes[j].name })

	for i, c := range tx.changes {
		if !ginternals.IsRefNameValid(c.name) {
			return xerrors.Errorf("ref %q: %w", c.name, ginternals.ErrRefNameInvalid)
		}
		if i > 0 && tx.changes[i-1].name == c.name {
			return xerrors.Errorf("ref %q appears twice in the transaction: %w", c.name, ErrRefMismatch)
		}
	}

	defer func() {
		if err != nil {
			tx.rollback()
		}
		tx.releaseLocks()
	}()

	for _, c := range tx.changes {
		if err = tx.lock(c); err != nil {
			tx.failedRef = c.name
			return err
		}
	}
	for _, c := range tx.changes {
		if err = tx.verify(c); err != nil {
			tx.failedRef = c.name
			return err
		}
	}
	for _, c := range tx.changes {
		if err = tx.apply(c); err != nil {
			tx.failedRef = c.name
			return err
		}
	}
	return nil
}

// Abort releases the transaction without applying anything
func (tx *Transaction) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.releaseLocks()
}

// lock creates the lock file of a reference.
// The lock file of refs/heads/main is refs/heads/main.lock, created
// exclusively so a concurrent writer fails instead of waiting
func (tx *Transaction) lock(c *txChange) error {
	p := tx.b.refDiskPath(c.name) + lockFileExt
	if err := tx.b.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return xerrors.Errorf("could not create the lock directory for %s: %w", c.name, err)
	}
	f, err := tx.b.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return xerrors.Errorf("ref %q: %w", c.name, ErrRefLocked)
		}
		return xerrors.Errorf("could not lock %s: %w", c.name, err)
	}
	if err = f.Close(); err != nil {
		return xerrors.Errorf("could not close the lock file of %s: %w", c.name, err)
	}
	c.lockPath = p
	return nil
}

// verify checks the expected old value of a change against the
// current state of the ref database
func (tx *Transaction) verify(c *txChange) error {
	raw, exists := tx.b.refs.Load(c.name)
	if !exists {
		// creations expect a missing ref, a targeted deletion doesn't
		if c.oldID.IsZero() {
			return nil
		}
		return xerrors.Errorf("ref %q expected %s but does not exist: %w", c.name, c.oldID.String(), ErrRefMismatch)
	}

	data := bytes.TrimSpace(raw.([]byte))
	if bytes.HasPrefix(data, []byte("ref: ")) {
		return xerrors.Errorf("ref %q is symbolic: %w", c.name, ErrRefMismatch)
	}
	current, err := tx.b.hash.ConvertFromString(string(data))
	if err != nil {
		return xerrors.Errorf("ref %q has an invalid target: %w", c.name, ginternals.ErrRefInvalid)
	}

	if c.oldID.IsZero() {
		if c.isDelete {
			// unconditional delete
			return nil
		}
		return xerrors.Errorf("ref %q already exists at %s: %w", c.name, current.String(), ErrRefMismatch)
	}
	if current != c.oldID {
		return xerrors.Errorf("ref %q is at %s, expected %s: %w", c.name, current.String(), c.oldID.String(), ErrRefMismatch)
	}
	return nil
}

// apply writes a single change to disk and to the in-memory index
func (tx *Transaction) apply(c *txChange) error {
	if raw, exists := tx.b.refs.Load(c.name); exists {
		c.prevData = raw.([]byte)
	}

	refPath := tx.b.refDiskPath(c.name)
	if c.isDelete {
		if err := tx.b.fs.Remove(refPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return xerrors.Errorf("could not remove %s: %w", c.name, err)
		}
		if err := tx.b.removePackedRef(c.name); err != nil {
			return xerrors.Errorf("could not remove %s from packed-refs: %w", c.name, err)
		}
		tx.b.refs.Delete(c.name)
		c.applied = true
		return nil
	}

	data := []byte(fmt.Sprintf("%s\n", c.newID.String()))
	if err := afero.WriteFile(tx.b.fs, refPath, data, 0o644); err != nil {
		return xerrors.Errorf("could not write %s: %w", c.name, err)
	}
	tx.b.refs.Store(c.name, data)
	c.applied = true
	return nil
}

// rollback restores the applied changes to their previous value.
// Refs that only lived in packed-refs come back as loose refs, which
// changes the storage but not the visible state
func (tx *Transaction) rollback() {
	for _, c := range tx.changes {
		if !c.applied {
			continue
		}
		refPath := tx.b.refDiskPath(c.name)
		if c.prevData == nil {
			_ = tx.b.fs.Remove(refPath)
			tx.b.refs.Delete(c.name)
			continue
		}
		data := c.prevData
		if !strings.HasSuffix(string(data), "\n") {
			data = append(append([]byte{}, data...), '\n')
		}
		_ = afero.WriteFile(tx.b.fs, refPath, data, 0o644)
		tx.b.refs.Store(c.name, data)
	}
}

// releaseLocks removes the lock files the transaction managed to take
func (tx *Transaction) releaseLocks() {
	for _, c := range tx.changes {
		if c.lockPath == "" {
			continue
		}
		_ = tx.b.fs.Remove(c.lockPath)
		c.lockPath = ""
	}
}
