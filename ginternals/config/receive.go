package config

import (
	"errors"
	"strings"
	"time"

	"github.com/Nivl/git-receive/ginternals/object"
	"golang.org/x/xerrors"
	"gopkg.in/ini.v1"
)

var (
	// ErrInvalidDenyAction is returned when a deny* setting holds a
	// value that isn't one of the accepted spellings
	ErrInvalidDenyAction = errors.New("invalid deny action")
	// ErrInvalidFsckSeverity is returned when a receive.fsck override
	// isn't ignore, warn, or error
	ErrInvalidFsckSeverity = errors.New("invalid fsck severity")
)

// Defaults of the receive settings
const (
	// DefaultUnpackLimit is the object count over which an incoming
	// pack is kept as a pack instead of being exploded into loose
	// objects
	DefaultUnpackLimit = 100
	// DefaultKeepAlive is the interval at which empty progress packets
	// are sent while nothing else is being reported
	DefaultKeepAlive = 5 * time.Second
)

// DenyAction describes what happens to a command that trips one of
// the branch protection settings
type DenyAction int8

const (
	// DenyAllow lets the command through
	DenyAllow DenyAction = iota
	// DenyWarn lets the command through but prints a warning on the
	// error channel
	DenyWarn
	// DenyRefuse rejects the command
	DenyRefuse
	// DenyUpdateInstead accepts the command and updates the work tree
	// to match the new commit. Only valid for the current branch
	DenyUpdateInstead
)

func (a DenyAction) String() string {
	switch a {
	case DenyAllow:
		return "allow"
	case DenyWarn:
		return "warn"
	case DenyRefuse:
		return "refuse"
	case DenyUpdateInstead:
		return "updateInstead"
	default:
		return "unknown"
	}
}

// ParseDenyAction converts a config value into a DenyAction.
// The boolean spellings are accepted too: a true-ish value means
// refuse and a false-ish one means allow.
// updateInstead is only accepted if allowUpdateInstead is set, since
// only receive.denyCurrentBranch supports it
func ParseDenyAction(value string, allowUpdateInstead bool) (DenyAction, error) {
	switch strings.ToLower(value) {
	case "allow", "ignore", "false", "no", "off", "0":
		return DenyAllow, nil
	case "warn":
		return DenyWarn, nil
	case "refuse", "deny", "true", "yes", "on", "1":
		return DenyRefuse, nil
	case "updateinstead":
		if allowUpdateInstead {
			return DenyUpdateInstead, nil
		}
	}
	return DenyRefuse, xerrors.Errorf("%q: %w", value, ErrInvalidDenyAction)
}

// ParseFsckSeverity converts a receive.fsck override value into a
// severity
func ParseFsckSeverity(value string) (object.FsckSeverity, error) {
	switch strings.ToLower(value) {
	case "ignore":
		return object.FsckIgnore, nil
	case "warn":
		return object.FsckWarn, nil
	case "error":
		return object.FsckError, nil
	}
	return object.FsckError, xerrors.Errorf("%q: %w", value, ErrInvalidFsckSeverity)
}

// Receive holds the receive.* and transfer.* settings that drive a
// push
// https://git-scm.com/docs/git-config#Documentation/git-config.txt-receivedenyDeletes
type Receive struct {
	// FsckSeverity overrides the severity of individual object
	// checks.
	// Maps to the [receive "fsck"] subsection
	FsckSeverity map[string]object.FsckSeverity

	// HideRefs lists the ref prefixes excluded from the advertisement
	// and from the external view of the repo. An entry starting with
	// "!" re-exposes what a previous entry hid.
	// Maps to transfer.hideRefs and receive.hideRefs, the latter
	// having precedence because it's loaded last
	HideRefs []string
	// ProcReceiveRefs lists the ref prefixes whose commands are
	// delegated to the proc-receive hook.
	// Maps to receive.procReceiveRefs
	ProcReceiveRefs []string

	// HooksPath is the directory the hooks are looked up in.
	// Empty means the default hooks directory of the repo.
	// Maps to core.hooksPath
	HooksPath string

	// KeepAlive is the interval at which empty progress packets are
	// sent while no progress is being reported, to keep intermediaries
	// from closing an idle connection. 0 disables them.
	// Maps to receive.keepAlive (in seconds)
	KeepAlive time.Duration

	// MaxInputSize caps the byte size of an incoming pack. 0 means
	// no limit.
	// Maps to receive.maxInputSize
	MaxInputSize uint64

	// UnpackLimit is the object count over which an incoming pack is
	// kept as a pack instead of being exploded into loose objects.
	// receive.unpackLimit overrides transfer.unpackLimit
	UnpackLimit int

	// DenyCurrentBranch controls pushes to the branch checked out in
	// a work tree.
	// Maps to receive.denyCurrentBranch. Defaults to refuse
	DenyCurrentBranch DenyAction
	// DenyDeleteCurrent controls deleting the branch checked out in a
	// work tree.
	// Maps to receive.denyDeleteCurrent. Defaults to refuse
	DenyDeleteCurrent DenyAction

	// DenyDeletes rejects any command that deletes a ref.
	// Maps to receive.denyDeletes
	DenyDeletes bool
	// DenyNonFastForwards rejects any update that isn't a
	// fast-forward.
	// Maps to receive.denyNonFastForwards
	DenyNonFastForwards bool
	// FsckObjects enables structural checks on every received object.
	// Maps to receive.fsckObjects
	FsckObjects bool
	// AdvertisePushOptions adds push-options to the advertised
	// capabilities.
	// Maps to receive.advertisePushOptions
	AdvertisePushOptions bool
	// AdvertiseAtomic adds atomic to the advertised capabilities.
	// Maps to receive.advertiseAtomic. Defaults to true
	AdvertiseAtomic bool
}

// Fsck returns the object checker matching the fsck settings, or nil
// when object checking is disabled
func (r *Receive) Fsck() *object.Fsck {
	if !r.FsckObjects {
		return nil
	}
	return object.NewFsck(r.FsckSeverity)
}

// Receive decodes the receive settings out of the aggregated config
// files
func (cfg *FileAggregate) Receive() (*Receive, error) {
	r := &Receive{
		DenyCurrentBranch: DenyRefuse,
		DenyDeleteCurrent: DenyRefuse,
		UnpackLimit:       DefaultUnpackLimit,
		KeepAlive:         DefaultKeepAlive,
		AdvertiseAtomic:   true,
	}

	receive := cfg.agg.Section("receive")
	transfer := cfg.agg.Section("transfer")

	r.DenyDeletes = receive.Key("denyDeletes").MustBool(false)
	r.DenyNonFastForwards = receive.Key("denyNonFastForwards").MustBool(false)
	r.FsckObjects = receive.Key("fsckObjects").MustBool(false)
	r.AdvertisePushOptions = receive.Key("advertisePushOptions").MustBool(false)
	r.AdvertiseAtomic = receive.Key("advertiseAtomic").MustBool(true)

	var err error
	if v := receive.Key("denyCurrentBranch").String(); v != "" {
		r.DenyCurrentBranch, err = ParseDenyAction(v, true)
		if err != nil {
			return nil, xerrors.Errorf("receive.denyCurrentBranch: %w", err)
		}
	}
	if v := receive.Key("denyDeleteCurrent").String(); v != "" {
		r.DenyDeleteCurrent, err = ParseDenyAction(v, false)
		if err != nil {
			return nil, xerrors.Errorf("receive.denyDeleteCurrent: %w", err)
		}
	}

	if transfer.HasKey("unpackLimit") {
		r.UnpackLimit = transfer.Key("unpackLimit").MustInt(DefaultUnpackLimit)
	}
	// receive.unpackLimit wins over transfer.unpackLimit
	if receive.HasKey("unpackLimit") {
		r.UnpackLimit = receive.Key("unpackLimit").MustInt(DefaultUnpackLimit)
	}

	if size := receive.Key("maxInputSize").MustInt64(0); size > 0 {
		r.MaxInputSize = uint64(size)
	}

	if secs := receive.Key("keepAlive").MustInt(int(DefaultKeepAlive / time.Second)); secs > 0 {
		r.KeepAlive = time.Duration(secs) * time.Second
	} else {
		r.KeepAlive = 0
	}

	// both transfer.hideRefs and receive.hideRefs apply, and both can
	// be repeated to build up the list
	for _, section := range []*ini.Section{transfer, receive} {
		if section.HasKey("hideRefs") {
			r.HideRefs = append(r.HideRefs, section.Key("hideRefs").ValueWithShadows()...)
		}
	}
	if receive.HasKey("procReceiveRefs") {
		r.ProcReceiveRefs = receive.Key("procReceiveRefs").ValueWithShadows()
	}

	if path, ok := cfg.HooksPath(); ok {
		r.HooksPath = path
	}

	// the overrides live in their own subsection:
	//   [receive "fsck"]
	//       missingTaggerEntry = ignore
	fsck := cfg.agg.Section(`receive "fsck"`)
	if keys := fsck.Keys(); len(keys) > 0 {
		r.FsckSeverity = make(map[string]object.FsckSeverity, len(keys))
		for _, k := range keys {
			sev, err := ParseFsckSeverity(k.String())
			if err != nil {
				return nil, xerrors.Errorf("receive.fsck.%s: %w", k.Name(), err)
			}
			r.FsckSeverity[k.Name()] = sev
		}
	}

	return r, nil
}
