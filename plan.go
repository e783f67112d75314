package receive

import (
	"errors"

	"github.com/Nivl/git-receive/backend"
	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/protocol"
)

// Reasons the executor attaches to commands it could not apply
const (
	// ReasonAtomicFailed marks the commands dragged down by another
	// command's failure in an atomic push
	ReasonAtomicFailed = "atomic transaction failed"
	// ReasonFetchFirst marks an update whose old id no longer matches
	// the ref, the client needs to fetch and retry
	ReasonFetchFirst = "fetch first"
	// ReasonStaleInfo marks a delete whose old id no longer matches
	// the ref
	ReasonStaleInfo = "stale info"
	// ReasonFailedToLock marks a command that lost the ref lock to a
	// concurrent writer
	ReasonFailedToLock = "failed to lock"
	// ReasonFailedToUpdate is the fallback for storage failures with
	// no more specific reason
	ReasonFailedToUpdate = "failed to update ref"
)

// ExecState tracks where the executor stands
type ExecState int8

// List of the executor states
const (
	// StatePlanned means the commands are classified but nothing ran
	StatePlanned ExecState = iota
	// StatePrepared means execution started and locks may be held
	StatePrepared
	// StateCommitted means at least one command was applied to the
	// ref database
	StateCommitted
	// StateReported means the outcome was sent to the client
	StateReported
	// StateAborted means execution failed without applying anything
	StateAborted
)

// Plan is the classified command list of a push: deletions apart from
// updates and creations, commands handed to proc-receive or already
// rejected left out entirely
type Plan struct {
	// Atomic makes the whole plan a single transaction
	Atomic  bool
	Deletes []*protocol.Command
	Updates []*protocol.Command
}

// NewPlan classifies the commands. skip marks the commands the
// executor must not touch: the ones already rejected and the ones a
// proc-receive helper owns
func NewPlan(commands []*protocol.Command, atomic bool, skip func(*protocol.Command) bool) *Plan {
	plan := &Plan{Atomic: atomic}
	for _, c := range commands {
		if skip != nil && skip(c) {
			continue
		}
		if c.Type() == protocol.DeleteCommand {
			plan.Deletes = append(plan.Deletes, c)
		} else {
			plan.Updates = append(plan.Updates, c)
		}
	}
	return plan
}

// Size returns how many commands the plan will apply
func (p *Plan) Size() int {
	return len(p.Deletes) + len(p.Updates)
}

// Executor applies a plan to the ref database.
//
// Atomic plans run as one transaction: every command succeeds or every
// command fails, the first failure deciding the reported reason while
// the others carry ReasonAtomicFailed.
// Staged plans apply the deletions first, then the updates, each on
// its own, so a failure only takes down its own command. Deletions
// going first keeps a delete-then-create pair from colliding on the
// refname
type Executor struct {
	b     *backend.Backend
	state ExecState
}

// NewExecutor returns an Executor applying plans to the given ref
// database
func NewExecutor(b *backend.Backend) *Executor {
	return &Executor{b: b, state: StatePlanned}
}

// State returns where the executor stands
func (e *Executor) State() ExecState {
	return e.state
}

// MarkReported records that the outcome reached the client
func (e *Executor) MarkReported() {
	e.state = StateReported
}

// Execute applies the plan and returns the failures keyed by refname.
// A ref absent from the map was applied
func (e *Executor) Execute(plan *Plan) map[string]string {
	e.state = StatePrepared

	if plan.Atomic {
		return e.executeAtomic(plan)
	}
	return e.executeStaged(plan)
}

func (e *Executor) executeAtomic(plan *Plan) map[string]string {
	if plan.Size() == 0 {
		e.state = StateAborted
		return nil
	}

	tx := e.b.NewTransaction()
	queueDeletes(tx, plan.Deletes)
	queueUpdates(tx, plan.Updates)

	err := tx.Commit()
	if err == nil {
		e.state = StateCommitted
		return nil
	}
	e.state = StateAborted

	failed := tx.FailedRef()
	failures := make(map[string]string, plan.Size())
	for _, c := range plan.Deletes {
		failures[c.RefName] = ReasonAtomicFailed
		if c.RefName == failed {
			failures[c.RefName] = reasonOf(err, true)
		}
	}
	for _, c := range plan.Updates {
		failures[c.RefName] = ReasonAtomicFailed
		if c.RefName == failed {
			failures[c.RefName] = reasonOf(err, false)
		}
	}
	return failures
}

func (e *Executor) executeStaged(plan *Plan) map[string]string {
	failures := map[string]string{}
	applied := 0

	for _, c := range plan.Deletes {
		tx := e.b.NewTransaction()
		queueDeletes(tx, []*protocol.Command{c})
		if err := tx.Commit(); err != nil {
			failures[c.RefName] = reasonOf(err, true)
			continue
		}
		applied++
	}
	for _, c := range plan.Updates {
		tx := e.b.NewTransaction()
		queueUpdates(tx, []*protocol.Command{c})
		if err := tx.Commit(); err != nil {
			failures[c.RefName] = reasonOf(err, false)
			continue
		}
		applied++
	}

	if applied > 0 {
		e.state = StateCommitted
	} else {
		e.state = StateAborted
	}
	return failures
}

func queueDeletes(tx *backend.Transaction, commands []*protocol.Command) {
	for _, c := range commands {
		tx.Delete(c.RefName, c.Old)
	}
}

func queueUpdates(tx *backend.Transaction, commands []*protocol.Command) {
	for _, c := range commands {
		tx.Update(c.RefName, c.Old, c.New)
	}
}

// reasonOf converts a transaction failure into the stable token the
// report carries
func reasonOf(err error, isDelete bool) string {
	switch {
	case errors.Is(err, backend.ErrRefLocked):
		return ReasonFailedToLock
	case errors.Is(err, backend.ErrRefMismatch):
		if isDelete {
			return ReasonStaleInfo
		}
		return ReasonFetchFirst
	case errors.Is(err, ginternals.ErrRefNameInvalid):
		return "funny refname"
	default:
		return ReasonFailedToUpdate
	}
}
