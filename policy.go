package receive

import (
	"fmt"
	"io"

	"github.com/Nivl/git-receive/ginternals/config"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/Nivl/git-receive/ginternals/protocol"
	"golang.org/x/xerrors"
)

// Stable rejection reasons emitted by the policy evaluator.
// Clients parse these, so their spelling never changes
const (
	ReasonDenyDeletes       = "deny-deletes"
	ReasonNonFastForward    = "non-fast-forward"
	ReasonDenyCurrentBranch = "deny-current-branch"
	ReasonDenyDeleteCurrent = "deny-delete-current"
)

// ObjectGetter resolves an object id against the store view of the
// session, quarantine included.
// ginternals.ErrObjectNotFound signals a missing object
type ObjectGetter func(oid githash.Oid) (*object.Object, error)

// Decision is the outcome of evaluating one command
type Decision struct {
	// Reason is empty when the command may proceed, a stable token
	// otherwise
	Reason string
	// UpdateWorkTree is set when denyCurrentBranch=updateInstead let
	// the command through on the condition that the work tree follows
	UpdateWorkTree bool
}

// OK returns whether the command may proceed
func (d Decision) OK() bool {
	return d.Reason == ""
}

// PolicySet evaluates the receive.deny* settings against each command
// of a push.
//
// The checks run in a fixed order: denyDeletes, denyNonFastForwards,
// denyCurrentBranch, denyDeleteCurrent. The first one that trips
// decides the reason
type PolicySet struct {
	settings *config.Receive
	objects  ObjectGetter
	// currentBranch is the full name of the ref HEAD resolves to,
	// empty for a bare repository where the current-branch checks
	// don't apply
	currentBranch string
	// output receives the warnings of the warn actions, typically the
	// band-2 progress writer
	output io.Writer
}

// NewPolicySet returns a PolicySet for one push.
// currentBranch must be empty for bare repositories
func NewPolicySet(settings *config.Receive, objects ObjectGetter, currentBranch string, output io.Writer) *PolicySet {
	if output == nil {
		output = io.Discard
	}
	return &PolicySet{
		settings:      settings,
		objects:       objects,
		currentBranch: currentBranch,
		output:        output,
	}
}

// Evaluate checks one command against the deny settings
func (p *PolicySet) Evaluate(c *protocol.Command) (Decision, error) {
	if c.Type() == protocol.DeleteCommand {
		return p.evaluateDelete(c)
	}
	return p.evaluateUpdate(c)
}

func (p *PolicySet) evaluateDelete(c *protocol.Command) (Decision, error) {
	if p.settings.DenyDeletes {
		return Decision{Reason: ReasonDenyDeletes}, nil
	}
	if c.RefName == p.currentBranch {
		switch p.settings.DenyDeleteCurrent {
		case config.DenyRefuse, config.DenyUpdateInstead:
			return Decision{Reason: ReasonDenyDeleteCurrent}, nil
		case config.DenyWarn:
			p.warn("deleting the current branch %s", c.RefName)
		case config.DenyAllow:
		}
	}
	return Decision{}, nil
}

func (p *PolicySet) evaluateUpdate(c *protocol.Command) (Decision, error) {
	if p.settings.DenyNonFastForwards && c.Type() == protocol.UpdateCommand {
		ff, err := p.isAncestor(c.Old, c.New)
		if err != nil {
			return Decision{}, xerrors.Errorf("could not walk the history of %s: %w", c.RefName, err)
		}
		if !ff {
			return Decision{Reason: ReasonNonFastForward}, nil
		}
	}

	if c.RefName == p.currentBranch {
		switch p.settings.DenyCurrentBranch {
		case config.DenyRefuse:
			return Decision{Reason: ReasonDenyCurrentBranch}, nil
		case config.DenyUpdateInstead:
			return Decision{UpdateWorkTree: true}, nil
		case config.DenyWarn:
			p.warn("updating the current branch %s", c.RefName)
		case config.DenyAllow:
		}
	}
	return Decision{}, nil
}

func (p *PolicySet) warn(format string, args ...interface{}) {
	fmt.Fprintf(p.output, "warning: "+format+"\n", args...)
}

// isAncestor reports whether old is an ancestor of new, i.e. whether
// fast-forwarding old to new loses no commit.
// The walk follows commit parents from new, peeling annotated tags,
// and gives up with a negative answer when the chain leaves the
// commit graph
func (p *PolicySet) isAncestor(old, newID githash.Oid) (bool, error) {
	visited := map[string]struct{}{}
	queue := []githash.Oid{newID}

	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]

		if githash.Equal(oid, old) {
			return true, nil
		}
		if _, seen := visited[oid.String()]; seen {
			continue
		}
		visited[oid.String()] = struct{}{}

		o, err := p.objects(oid)
		if err != nil {
			return false, err
		}
		switch o.Type() {
		case object.TypeCommit:
			commit, err := o.AsCommit()
			if err != nil {
				return false, err
			}
			queue = append(queue, commit.ParentIDs()...)
		case object.TypeTag:
			tag, err := o.AsTag()
			if err != nil {
				return false, err
			}
			queue = append(queue, tag.Target())
		default:
			// a tree or blob ref can only fast-forward to itself
		}
	}
	return false, nil
}
