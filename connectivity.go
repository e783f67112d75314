package receive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// MissingObjectError is returned by the connectivity check when an
// object reachable from a pushed tip exists neither in the quarantine
// nor in the main store
type MissingObjectError struct {
	Oid githash.Oid
}

func (e *MissingObjectError) Error() string {
	return fmt.Sprintf("missing object %s", e.Oid.String())
}

// Unwrap makes the error match ginternals.ErrObjectNotFound
func (e *MissingObjectError) Unwrap() error {
	return ginternals.ErrObjectNotFound
}

// Checker verifies that everything reachable from the pushed tips is
// present in the quarantine-plus-main-store view of the session.
//
// Tips of refs already visible to the pusher are assumed connected and
// not descended into. Hidden refs are deliberately absent from that
// set: they cannot vouch for objects the pusher isn't allowed to see
type Checker struct {
	objects ObjectGetter
	// known holds the ids of the visible ref tips, keyed by their
	// string form
	known map[string]struct{}
	// workers bounds the parallel traversal. 0 or 1 keeps the walk on
	// the calling goroutine
	workers int
}

// NewChecker returns a Checker walking the given view.
// visibleTips holds the targets of the refs advertised to the client
func NewChecker(objects ObjectGetter, visibleTips []githash.Oid, workers int) *Checker {
	known := make(map[string]struct{}, len(visibleTips))
	for _, oid := range visibleTips {
		known[oid.String()] = struct{}{}
	}
	return &Checker{
		objects: objects,
		known:   known,
		workers: workers,
	}
}

// Check walks every object transitively reachable from the tips and
// fails with a MissingObjectError on the first absent one.
// Passing the tips of several commands at once amortizes the
// traversal over the whole push
func (c *Checker) Check(ctx context.Context, tips []githash.Oid) error {
	visited := map[string]struct{}{}
	frontier := make([]githash.Oid, 0, len(tips))
	for _, oid := range tips {
		if oid.IsZero() {
			continue
		}
		frontier = append(frontier, oid)
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return xerrors.Errorf("connectivity check interrupted: %w", err)
		}

		todo := frontier[:0:0]
		for _, oid := range frontier {
			key := oid.String()
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}
			if _, ok := c.known[key]; ok {
				continue
			}
			todo = append(todo, oid)
		}

		next, err := c.expand(ctx, todo)
		if err != nil {
			return err
		}
		frontier = next
	}
	return nil
}

// expand verifies one frontier level and returns the ids it
// references. Levels are independent, so with more than one worker
// the lookups of a level run concurrently
func (c *Checker) expand(ctx context.Context, frontier []githash.Oid) ([]githash.Oid, error) {
	if c.workers <= 1 || len(frontier) < 2 {
		var next []githash.Oid
		for _, oid := range frontier {
			children, err := c.childrenOf(oid)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		return next, nil
	}

	var mu sync.Mutex
	var next []githash.Oid
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, oid := range frontier {
		oid := oid
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			children, err := c.childrenOf(oid)
			if err != nil {
				return err
			}
			mu.Lock()
			next = append(next, children...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return next, nil
}

// childrenOf loads one object and returns the ids it references.
// A missing object is reported as a MissingObjectError
func (c *Checker) childrenOf(oid githash.Oid) ([]githash.Oid, error) {
	o, err := c.objects(oid)
	if err != nil {
		if errors.Is(err, ginternals.ErrObjectNotFound) {
			return nil, &MissingObjectError{Oid: oid}
		}
		return nil, xerrors.Errorf("could not read %s: %w", oid.String(), err)
	}

	switch o.Type() {
	case object.TypeCommit:
		commit, err := o.AsCommit()
		if err != nil {
			return nil, xerrors.Errorf("could not parse commit %s: %w", oid.String(), err)
		}
		children := make([]githash.Oid, 0, len(commit.ParentIDs())+1)
		children = append(children, commit.TreeID())
		children = append(children, commit.ParentIDs()...)
		return children, nil
	case object.TypeTree:
		tree, err := o.AsTree()
		if err != nil {
			return nil, xerrors.Errorf("could not parse tree %s: %w", oid.String(), err)
		}
		var children []githash.Oid
		for _, entry := range tree.Entries() {
			// a gitlink points at a commit of another repository
			if entry.Mode == object.ModeGitLink {
				continue
			}
			children = append(children, entry.ID)
		}
		return children, nil
	case object.TypeTag:
		tag, err := o.AsTag()
		if err != nil {
			return nil, xerrors.Errorf("could not parse tag %s: %w", oid.String(), err)
		}
		return []githash.Oid{tag.Target()}, nil
	default:
		return nil, nil
	}
}
