// Package receive implements the server side of a git push: it
// advertises the refs, receives the commands and the pack, runs the
// policies and the hooks, applies the ref updates, and reports the
// outcome to the client.
//
// A Session is single-use and drives one push from the advertisement
// to the final report
package receive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Nivl/git-receive/backend"
	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/config"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/packfile"
	"github.com/Nivl/git-receive/ginternals/pktline"
	"github.com/Nivl/git-receive/ginternals/protocol"
	"github.com/Nivl/git-receive/ginternals/sideband"
	"github.com/Nivl/git-receive/hooks"
	"golang.org/x/xerrors"
)

// Reasons attached to commands rejected before they reach the
// executor
const (
	// ReasonHiddenRef marks a command on a ref the client cannot see
	ReasonHiddenRef = "deny updating a hidden ref"
	// ReasonPreReceiveDeclined marks the commands taken down by a
	// failing pre-receive hook
	ReasonPreReceiveDeclined = "pre-receive hook declined"
	// ReasonHookDeclined marks a command the update hook refused
	ReasonHookDeclined = "hook declined"
	// ReasonMissingObjects marks a command whose new tip references
	// objects absent from the push and from the repository
	ReasonMissingObjects = "missing necessary objects"
	// ReasonProcReceiveFailed marks a delegated command whose helper
	// could not run or did not report it
	ReasonProcReceiveFailed = "fail to run proc-receive hook"
	// ReasonAlreadyUpdated marks every command past the first one
	// targeting the same ref
	ReasonAlreadyUpdated = "ref-already-updated"
)

// ErrDeleteNotAdvertised is returned when a client sends a delete
// command without the delete-refs capability being in effect
var ErrDeleteNotAdvertised = errors.New("deletion commands need the delete-refs capability")

// ErrForeignProcResult is returned when the proc-receive helper
// reports a ref that was never delegated to it
var ErrForeignProcResult = errors.New("proc-receive reported a ref it does not own")

// defaultAgent is the agent token advertised when the caller didn't
// set one
const defaultAgent = "git-receive"

// Phase tracks how far a session got
type Phase int8

// List of the session phases, in the order they are reached
const (
	PhaseStart Phase = iota
	PhaseAdvertised
	PhaseCommandsRead
	PhasePackIngested
	PhaseHooked
	PhaseChecked
	PhaseCommitted
	PhaseReported
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseAdvertised:
		return "advertised"
	case PhaseCommandsRead:
		return "commands-read"
	case PhasePackIngested:
		return "pack-ingested"
	case PhaseHooked:
		return "hooked"
	case PhaseChecked:
		return "checked"
	case PhaseCommitted:
		return "committed"
	case PhaseReported:
		return "reported"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// procStarter is implemented by hook runners able to spawn the
// proc-receive helper
type procStarter interface {
	StartProc(ctx context.Context, env []string) (*hooks.Proc, error)
}

// Options alters how a session runs
type Options struct {
	// Hooks overrides the hook runner. nil runs the hooks found in
	// the repository hooks directory
	Hooks hooks.Runner
	// Agent is the agent token to advertise
	Agent string
	// SessionID is the session-id value to advertise. Empty disables
	// the capability
	SessionID string
	// ConnectivityWorkers bounds the parallel connectivity traversal.
	// 0 or 1 keeps the walk sequential
	ConnectivityWorkers int
	// DeferredConnectivity checks all the pushed tips in one walk
	// instead of one walk per command
	DeferredConnectivity bool
	// AdvertiseRefs writes the advertisement and stops, for the
	// smart-http GET /info/refs endpoint
	AdvertiseRefs bool
	// StatelessRPC skips the advertisement and reads the commands
	// right away, for the smart-http POST endpoint
	StatelessRPC bool
}

// Session drives one push against one repository
type Session struct {
	b        *backend.Backend
	settings *config.Receive
	hidden   *HiddenRefs
	opts     Options

	phase Phase
	hash  githash.Hash

	// visibleTips collects the targets of the advertised refs, they
	// seed the connectivity basis
	visibleTips []githash.Oid
}

// NewSession returns a Session for one push against the given
// repository
func NewSession(b *backend.Backend, opts *Options) *Session {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	settings := b.Config().Receive
	if settings == nil {
		settings = &config.Receive{
			DenyCurrentBranch: config.DenyRefuse,
			DenyDeleteCurrent: config.DenyRefuse,
			UnpackLimit:       config.DefaultUnpackLimit,
			KeepAlive:         config.DefaultKeepAlive,
			AdvertiseAtomic:   true,
		}
	}
	return &Session{
		b:        b,
		settings: settings,
		hidden:   NewHiddenRefs(settings.HideRefs),
		opts:     o,
		phase:    PhaseStart,
		hash:     b.Hash(),
	}
}

// Phase returns how far the session got
func (s *Session) Phase() Phase {
	return s.phase
}

// advertisedCaps returns the capabilities the server offers
func (s *Session) advertisedCaps() *protocol.CapabilitySet {
	agent := s.opts.Agent
	if agent == "" {
		agent = defaultAgent
	}
	return &protocol.CapabilitySet{
		ReportStatus:   true,
		ReportStatusV2: true,
		DeleteRefs:     true,
		SideBand64k:    true,
		Quiet:          true,
		OfsDelta:       true,
		PushCert:       true,
		Atomic:         s.settings.AdvertiseAtomic,
		PushOptions:    s.settings.AdvertisePushOptions,
		ProcReceive:    len(s.settings.ProcReceiveRefs) > 0,
		ObjectFormat:   s.hash.Name(),
		Agent:          agent,
		SessionID:      s.opts.SessionID,
	}
}

// visibleRefs returns the refs the client is allowed to see, HEAD and
// hidden refs excluded
func (s *Session) visibleRefs() ([]protocol.AdvertisedRef, error) {
	refs := []protocol.AdvertisedRef{}
	err := s.b.WalkReferences(func(ref *ginternals.Reference) error {
		if ref.Name() == ginternals.Head || s.hidden.Hidden(ref.Name()) {
			return nil
		}
		refs = append(refs, protocol.AdvertisedRef{Name: ref.Name(), ID: ref.Target()})
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("could not walk the references: %w", err)
	}
	return refs, nil
}

// currentBranch returns the full name of the ref HEAD points at, or
// an empty string when the repository is bare or HEAD is unborn or
// detached
func (s *Session) currentBranch() string {
	if s.b.Config().WorkTreePath == "" {
		return ""
	}
	head, err := s.b.Reference(ginternals.Head)
	if err != nil {
		return ""
	}
	if head.Type() != ginternals.SymbolicReference {
		return ""
	}
	return head.SymbolicTarget()
}

// checkCtx surfaces a cancellation as a Resource error
func (s *Session) checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newError(KindResource, err)
	}
	return nil
}

// Run drives the whole push: advertisement, commands, pack,
// policies, hooks, ref updates, and the final report.
//
// in and out are the raw client stream. The pack, when one is
// expected, follows the command flush as unframed bytes.
// Cancelling ctx aborts the session at the next suspension point and
// discards the quarantine; once the ref updates are committed the
// report is completed regardless
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	r := pktline.NewReader(in)
	w := pktline.NewWriter(out)

	refs, err := s.visibleRefs()
	if err != nil {
		s.phase = PhaseAborted
		return newError(KindStorage, err)
	}
	for _, ref := range refs {
		s.visibleTips = append(s.visibleTips, ref.ID)
	}

	advCaps := s.advertisedCaps()
	if !s.opts.StatelessRPC || s.opts.AdvertiseRefs {
		if err := protocol.WriteAdvertisement(w, s.hash, refs, advCaps); err != nil {
			s.phase = PhaseAborted
			return newError(KindIo, err)
		}
	}
	s.phase = PhaseAdvertised
	if s.opts.AdvertiseRefs {
		s.phase = PhaseReported
		return nil
	}

	if err := s.checkCtx(ctx); err != nil {
		s.phase = PhaseAborted
		return err
	}

	req, err := protocol.ParseCommands(r, s.hash)
	if err != nil {
		s.phase = PhaseAborted
		return newError(KindProtocol, err)
	}
	// a client with nothing to push closes the conversation with a
	// lone flush
	if len(req.Commands) == 0 {
		s.phase = PhaseReported
		return nil
	}
	if err := protocol.CheckAdvertised(advCaps, req.Capabilities); err != nil {
		s.phase = PhaseAborted
		return newError(KindProtocol, err)
	}
	caps := protocol.Negotiate(advCaps, req.Capabilities)
	s.phase = PhaseCommandsRead

	var pushOptions []string
	if caps.PushOptions {
		pushOptions, err = protocol.ReadPushOptions(r)
		if err != nil {
			s.phase = PhaseAborted
			return newError(KindProtocol, err)
		}
	}

	run := &sessionRun{
		Session:     s,
		caps:        caps,
		req:         req,
		pushOptions: pushOptions,
		mux:         sideband.New(out, caps.SideBand64k, caps.Quiet),
		statuses:    make([]protocol.CommandStatus, len(req.Commands)),
		byRef:       make(map[string]*protocol.CommandStatus, len(req.Commands)),
		byCmd:       make(map[*protocol.Command]*protocol.CommandStatus, len(req.Commands)),
	}
	for i, c := range req.Commands {
		run.statuses[i].RefName = c.RefName
		run.byCmd[c] = &run.statuses[i]
		// the first command on a ref wins, the later ones are dead on
		// arrival but still get their own report line
		if _, dup := run.byRef[c.RefName]; dup {
			run.statuses[i].Reason = ReasonAlreadyUpdated
			continue
		}
		run.byRef[c.RefName] = &run.statuses[i]
	}
	return run.run(ctx, in)
}

// sessionRun holds the state of a session once the commands are known
type sessionRun struct {
	*Session

	caps        *protocol.CapabilitySet
	req         *protocol.PushRequest
	pushOptions []string
	mux         *sideband.Muxer

	statuses []protocol.CommandStatus
	// byRef resolves the winning command of a ref, byCmd resolves any
	// command including the duplicates byRef dropped
	byRef map[string]*protocol.CommandStatus
	byCmd map[*protocol.Command]*protocol.CommandStatus

	quarantine *backend.Quarantine
	dispatcher *hooks.Dispatcher
	runner     hooks.Runner
}

// reject marks one command as failed. The first reason sticks
func (run *sessionRun) reject(refName, reason string) {
	status := run.byRef[refName]
	if status.Reason == "" {
		status.Reason = reason
	}
}

// rejected returns whether a command already failed
func (run *sessionRun) rejected(c *protocol.Command) bool {
	return run.byCmd[c].Reason != ""
}

// alive returns the commands that haven't been rejected yet,
// optionally without the ones delegated to proc-receive
func (run *sessionRun) alive(withDelegated bool) []*protocol.Command {
	commands := []*protocol.Command{}
	for _, c := range run.req.Commands {
		if run.rejected(c) {
			continue
		}
		if !withDelegated && run.delegated(c) {
			continue
		}
		commands = append(commands, c)
	}
	return commands
}

// delegated returns whether a command belongs to the proc-receive
// helper
func (run *sessionRun) delegated(c *protocol.Command) bool {
	return hooks.Delegated(c.RefName, run.settings.ProcReceiveRefs)
}

// abort discards the quarantine and marks the session dead
func (run *sessionRun) abort(err error) error {
	if run.quarantine != nil {
		//nolint:errcheck // the session is already failing
		run.quarantine.Discard()
	}
	run.phase = PhaseAborted
	return err
}

func (run *sessionRun) run(ctx context.Context, in io.Reader) error {
	for _, c := range run.req.Commands {
		if c.Type() == protocol.DeleteCommand && !run.caps.DeleteRefs {
			return run.abort(newError(KindProtocol, ErrDeleteNotAdvertised))
		}
		if run.hidden.Hidden(c.RefName) {
			run.reject(c.RefName, ReasonHiddenRef)
		}
	}

	stopKeepalive := run.mux.StartKeepalive(run.settings.KeepAlive)
	defer stopKeepalive()

	if err := run.ingestPack(ctx, in); err != nil {
		return err
	}
	s := run.Session
	s.phase = PhasePackIngested

	run.setupHooks()

	if err := run.applyPolicies(); err != nil {
		return run.abort(err)
	}
	if err := s.checkCtx(ctx); err != nil {
		return run.abort(err)
	}
	run.runHooks(ctx)
	s.phase = PhaseHooked

	if err := s.checkCtx(ctx); err != nil {
		return run.abort(err)
	}
	if err := run.checkConnectivity(ctx); err != nil {
		return run.abort(err)
	}
	s.phase = PhaseChecked

	if err := s.checkCtx(ctx); err != nil {
		return run.abort(err)
	}
	if err := run.runProcReceive(ctx); err != nil {
		return run.abort(err)
	}

	exec := run.execute()
	if exec.State() == StateCommitted {
		s.phase = PhaseCommitted
	}

	// the quarantine's fate is decided before anything is reported:
	// a promotion failure must not be reported as a success
	if err := run.settleQuarantine(); err != nil {
		return run.abort(err)
	}

	if err := run.report(); err != nil {
		return run.abort(err)
	}
	exec.MarkReported()

	run.runPostReceive(ctx)

	if run.mux.Enabled() {
		if err := run.mux.Flush(); err != nil {
			return newError(KindIo, err)
		}
	}
	s.phase = PhaseReported
	return nil
}

// needPack returns whether the client is sending a pack: any
// non-delete command implies one
func (run *sessionRun) needPack() bool {
	for _, c := range run.req.Commands {
		if c.Type() != protocol.DeleteCommand {
			return true
		}
	}
	return false
}

// ingestPack receives the pack into a fresh quarantine and makes its
// objects readable by the rest of the session
func (run *sessionRun) ingestPack(ctx context.Context, in io.Reader) error {
	if !run.needPack() {
		return nil
	}

	q, err := run.b.NewQuarantine()
	if err != nil {
		run.phase = PhaseAborted
		return newError(KindStorage, err)
	}
	run.quarantine = q

	ing := packfile.NewIngestor(run.b.Config().FS, run.hash, run.b.Object, &packfile.IngestOptions{
		UnpackLimit:  run.settings.UnpackLimit,
		MaxInputSize: run.settings.MaxInputSize,
		Fsck:         run.settings.Fsck(),
		OnProgress:   run.deltaProgress(),
	})
	res, err := ing.Ingest(ctx, in, q.Path())
	if err != nil {
		msg := unpackErrText(err)
		//nolint:errcheck // the stream may already be gone
		run.mux.Fatal(msg)
		return run.abort(newError(unpackErrKind(err), err))
	}
	for _, issue := range res.Warnings {
		//nolint:errcheck // progress is best effort
		run.mux.Progress([]byte("warning: " + issue.String() + "\n"))
	}
	if err := q.Load(); err != nil {
		return run.abort(newError(KindStorage, err))
	}
	return nil
}

// deltaProgress returns the resolution progress callback, writing
// counters on band 2 the way the clients expect them
func (run *sessionRun) deltaProgress() func(done, total uint32) {
	var lastPercent uint32 = 101
	return func(done, total uint32) {
		if total == 0 {
			return
		}
		percent := done * 100 / total
		if percent == lastPercent && done != total {
			return
		}
		lastPercent = percent
		line := fmt.Sprintf("Resolving deltas: %3d%% (%d/%d)\r", percent, done, total)
		if done == total {
			line = fmt.Sprintf("Resolving deltas: 100%% (%d/%d), done.\n", done, total)
		}
		//nolint:errcheck // progress is best effort
		run.mux.Progress([]byte(line))
	}
}

// unpackErrText is the message reported to the client when the pack
// could not be ingested
func unpackErrText(err error) string {
	switch {
	case errors.Is(err, packfile.ErrBaseNotFound):
		return "unpack delta base not found"
	case errors.Is(err, packfile.ErrChecksumMismatch):
		return "unpack packfile checksum mismatch"
	case errors.Is(err, packfile.ErrMaxSizeExceeded):
		return "unpack pack exceeds maximum allowed size"
	case errors.Is(err, packfile.ErrIngestTimeout):
		return "unpack timed out"
	case errors.Is(err, packfile.ErrObjectFailsFsck):
		return "unpack object fails fsck"
	default:
		return "unpack failed"
	}
}

// unpackErrKind classifies an ingestion failure
func unpackErrKind(err error) Kind {
	switch {
	case errors.Is(err, packfile.ErrMaxSizeExceeded),
		errors.Is(err, packfile.ErrIngestTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindResource
	case errors.Is(err, packfile.ErrObjectFailsFsck):
		return KindFsck
	case errors.Is(err, io.EOF):
		// no pack at all when the commands required one
		return KindProtocol
	default:
		return KindPack
	}
}

// setupHooks builds the dispatcher all the hook points share
func (run *sessionRun) setupHooks() {
	env := &hooks.Env{
		ObjectDir:   run.b.ObjectDirPath(),
		PushOptions: run.pushOptions,
		PushCert:    run.req.Certificate,
		SessionID:   run.caps.SessionID,
	}
	if run.quarantine != nil {
		env.QuarantinePath = run.quarantine.Path()
		env.AlternateObjectDirs = run.quarantine.AlternateObjectDirs()
	}

	run.runner = run.opts.Hooks
	if run.runner == nil {
		dir := run.settings.HooksPath
		if dir == "" {
			dir = ginternals.HooksPath(run.b.Config())
		}
		run.runner = &hooks.External{
			Dir:     dir,
			BaseEnv: os.Environ(),
			Output:  run.mux.ProgressWriter(),
		}
	}
	run.dispatcher = hooks.NewDispatcher(run.runner, env)
}

// applyPolicies evaluates the deny settings on every live command
func (run *sessionRun) applyPolicies() error {
	policies := NewPolicySet(run.settings, run.b.Object, run.currentBranch(), run.mux.ProgressWriter())
	for _, c := range run.req.Commands {
		if run.rejected(c) || run.delegated(c) {
			continue
		}
		decision, err := policies.Evaluate(c)
		if err != nil {
			return newError(KindStorage, err)
		}
		if !decision.OK() {
			run.reject(c.RefName, decision.Reason)
		}
	}
	return nil
}

// runHooks drives pre-receive over the whole command list, then the
// update hook command by command
func (run *sessionRun) runHooks(ctx context.Context) {
	commands := run.alive(true)
	if len(commands) == 0 {
		return
	}

	if err := run.dispatcher.PreReceive(ctx, commands); err != nil {
		for _, c := range commands {
			run.reject(c.RefName, ReasonPreReceiveDeclined)
		}
		return
	}

	for _, c := range commands {
		if run.delegated(c) {
			// the helper owns these, the update hook doesn't apply
			continue
		}
		if err := run.dispatcher.RunUpdate(ctx, c); err != nil {
			run.reject(c.RefName, ReasonHookDeclined)
		}
	}
}

// checkConnectivity verifies every live non-delete command brings a
// complete object graph
func (run *sessionRun) checkConnectivity(ctx context.Context) error {
	checker := NewChecker(run.b.Object, run.visibleTips, run.opts.ConnectivityWorkers)

	tips := []githash.Oid{}
	commands := []*protocol.Command{}
	for _, c := range run.alive(true) {
		if c.Type() == protocol.DeleteCommand {
			continue
		}
		tips = append(tips, c.New)
		commands = append(commands, c)
	}
	if len(tips) == 0 {
		return nil
	}

	if run.opts.DeferredConnectivity {
		err := checker.Check(ctx, tips)
		if err == nil {
			return nil
		}
		var missing *MissingObjectError
		if !errors.As(err, &missing) {
			return newError(KindStorage, err)
		}
		// fall through to the per-command walks to attribute the
		// failure to the commands it invalidates
	}

	for _, c := range commands {
		err := checker.Check(ctx, []githash.Oid{c.New})
		if err == nil {
			continue
		}
		var missing *MissingObjectError
		if !errors.As(err, &missing) {
			return newError(KindStorage, err)
		}
		run.reject(c.RefName, ReasonMissingObjects)
	}
	return nil
}

// runProcReceive hands the delegated commands to the proc-receive
// helper and merges its report
func (run *sessionRun) runProcReceive(ctx context.Context) error {
	delegated := []*protocol.Command{}
	owned := map[string]struct{}{}
	for _, c := range run.req.Commands {
		if run.delegated(c) && !run.rejected(c) {
			delegated = append(delegated, c)
			owned[c.RefName] = struct{}{}
		}
	}
	if len(delegated) == 0 {
		return nil
	}

	rejectAll := func() {
		for _, c := range delegated {
			run.reject(c.RefName, ReasonProcReceiveFailed)
		}
	}

	starter, ok := run.runner.(procStarter)
	if !ok {
		rejectAll()
		return nil
	}
	proc, err := starter.StartProc(ctx, run.dispatcher.Env().Vars())
	if err != nil {
		rejectAll()
		return nil
	}

	results, err := hooks.RunProc(proc, delegated, run.pushOptions)
	closeErr := proc.Close()
	if err != nil || closeErr != nil {
		rejectAll()
		return nil
	}

	reported := map[string]struct{}{}
	for _, res := range results {
		if _, ok := owned[res.RefName]; !ok {
			return newError(KindProtocol, xerrors.Errorf("ref %q: %w", res.RefName, ErrForeignProcResult))
		}
		reported[res.RefName] = struct{}{}

		status := run.byRef[res.RefName]
		if !res.OK {
			run.reject(res.RefName, res.Reason)
			continue
		}
		for _, opt := range res.Options {
			status.Options = append(status.Options, protocol.ReportOption{Key: opt.Key, Value: opt.Value})
		}
	}
	for _, c := range delegated {
		if _, ok := reported[c.RefName]; !ok {
			run.reject(c.RefName, ReasonProcReceiveFailed)
		}
	}
	return nil
}

// execute applies the surviving commands to the ref database
func (run *sessionRun) execute() *Executor {
	exec := NewExecutor(run.b)

	// an atomic push is all-or-nothing across every command the
	// server owns: a single prior rejection fails the rest without
	// touching the ref database
	if run.caps.Atomic {
		for _, c := range run.req.Commands {
			if !run.delegated(c) && run.rejected(c) {
				for _, other := range run.alive(false) {
					run.reject(other.RefName, ReasonAtomicFailed)
				}
				return exec
			}
		}
	}

	plan := NewPlan(run.req.Commands, run.caps.Atomic, func(c *protocol.Command) bool {
		return run.rejected(c) || run.delegated(c)
	})
	for refName, reason := range exec.Execute(plan) {
		run.reject(refName, reason)
	}
	return exec
}

// settleQuarantine promotes the quarantine when anything succeeded
// and discards it otherwise
func (run *sessionRun) settleQuarantine() error {
	if run.quarantine == nil {
		return nil
	}

	anyOK := false
	for i := range run.statuses {
		if run.statuses[i].OK() {
			anyOK = true
			break
		}
	}

	if !anyOK {
		// Discard logs its cleanup failures, a rejected push still
		// gets its report
		//nolint:errcheck // only fails when the quarantine was already settled
		run.quarantine.Discard()
		return nil
	}
	if err := run.quarantine.Promote(); err != nil {
		return newError(KindStorage, err)
	}
	return nil
}

// report sends the final status when the client asked for one
func (run *sessionRun) report() error {
	if !run.caps.ReportStatus && !run.caps.ReportStatusV2 {
		return nil
	}

	rep := &protocol.Report{
		UnpackStatus: protocol.UnpackOK,
		Commands:     run.statuses,
	}
	run.mux.BeginReport()
	defer run.mux.EndReport()
	if err := rep.Encode(run.mux.DataWriter(), run.caps.ReportStatusV2); err != nil {
		return newError(KindIo, err)
	}
	return nil
}

// runPostReceive notifies the post-receive hook. Its failure never
// changes the outcome of the push
func (run *sessionRun) runPostReceive(ctx context.Context) {
	applied := []*protocol.Command{}
	for _, c := range run.req.Commands {
		if run.byCmd[c].OK() && !run.delegated(c) {
			applied = append(applied, c)
		}
	}
	if len(applied) == 0 {
		return
	}
	if err := run.dispatcher.PostReceive(ctx, applied); err != nil {
		//nolint:errcheck // the push already succeeded
		run.mux.Progress([]byte("warning: post-receive hook failed\n"))
	}
}
