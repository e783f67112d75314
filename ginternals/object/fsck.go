package object

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// FsckSeverity represents how a failed check affects the push
type FsckSeverity int8

const (
	// FsckIgnore drops the finding entirely
	FsckIgnore FsckSeverity = 0
	// FsckWarn surfaces the finding on the progress channel without
	// failing the push
	FsckWarn FsckSeverity = 1
	// FsckError fails the push
	FsckError FsckSeverity = 2
)

// List of the checks fsck performs. The names double as config keys
// (receive.fsck.<name>) so each check's severity can be overridden
const (
	FsckMissingTree        = "missingTree"
	FsckBadTreeSha         = "badTreeSha1"
	FsckBadParentSha       = "badParentSha1"
	FsckMissingAuthor      = "missingAuthor"
	FsckMissingCommitter   = "missingCommitter"
	FsckBadAuthor          = "badAuthor"
	FsckBadCommitter       = "badCommitter"
	FsckBadFilemode        = "badFilemode"
	FsckZeroPaddedFilemode = "zeroPaddedFilemode"
	FsckBadName            = "badName"
	FsckHasDot             = "hasDot"
	FsckHasDotDot          = "hasDotDot"
	FsckHasDotgit          = "hasDotgit"
	FsckDuplicateEntries   = "duplicateEntries"
	FsckTreeNotSorted      = "treeNotSorted"
	FsckMissingObject      = "missingObject"
	FsckBadObjectSha       = "badObjectSha1"
	FsckMissingTypeEntry   = "missingTypeEntry"
	FsckMissingTagEntry    = "missingTagEntry"
	FsckMissingTaggerEntry = "missingTaggerEntry"
	FsckUnparseableObject  = "unparseableObject"
)

// fsckDefaults holds the severity of the checks that don't default
// to FsckError
var fsckDefaults = map[string]FsckSeverity{
	FsckZeroPaddedFilemode: FsckWarn,
	FsckMissingTaggerEntry: FsckWarn,
	FsckHasDot:             FsckWarn,
	FsckHasDotDot:          FsckWarn,
}

// FsckIssue is one finding of a structural check
type FsckIssue struct {
	// CheckID names the check that fired, ex. treeNotSorted
	CheckID  string
	Severity FsckSeverity
	Detail   string
}

func (i FsckIssue) String() string {
	return fmt.Sprintf("%s: %s", i.CheckID, i.Detail)
}

// Fsck runs structural validation on objects.
// Each check resolves its severity from the overrides first, the
// defaults second, FsckError last
type Fsck struct {
	severity map[string]FsckSeverity
}

// NewFsck returns a Fsck using the given severity overrides.
// A nil map keeps all the defaults
func NewFsck(overrides map[string]FsckSeverity) *Fsck {
	return &Fsck{severity: overrides}
}

func (f *Fsck) severityOf(checkID string) FsckSeverity {
	if s, ok := f.severity[checkID]; ok {
		return s
	}
	if s, ok := fsckDefaults[checkID]; ok {
		return s
	}
	return FsckError
}

func (f *Fsck) issue(issues []FsckIssue, checkID, format string, args ...interface{}) []FsckIssue {
	sev := f.severityOf(checkID)
	if sev == FsckIgnore {
		return issues
	}
	return append(issues, FsckIssue{
		CheckID:  checkID,
		Severity: sev,
		Detail:   fmt.Sprintf(format, args...),
	})
}

// Check validates the structure of an object and returns every
// finding whose severity isn't ignore. Blobs have no structure and
// always pass
func (f *Fsck) Check(o *Object) []FsckIssue {
	switch o.Type() {
	case TypeCommit:
		return f.checkCommit(o)
	case TypeTree:
		return f.checkTree(o)
	case TypeTag:
		return f.checkTag(o)
	default:
		return nil
	}
}

// HasError returns whether any of the issues is fatal
func HasError(issues []FsckIssue) bool {
	for _, i := range issues {
		if i.Severity == FsckError {
			return true
		}
	}
	return false
}

// headerLines splits the header of a commit or tag (everything
// before the blank line) into key/value pairs. Continuation lines
// (leading space) extend the previous value
func headerLines(data []byte) [][2]string {
	var out [][2]string
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			i = len(data)
		}
		line := data[:i]
		if i < len(data) {
			data = data[i+1:]
		} else {
			data = nil
		}
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' && len(out) > 0 {
			out[len(out)-1][1] += "\n" + string(line[1:])
			continue
		}
		kv := bytes.SplitN(line, []byte{' '}, 2)
		value := ""
		if len(kv) == 2 {
			value = string(kv[1])
		}
		out = append(out, [2]string{string(kv[0]), value})
	}
	return out
}

func (f *Fsck) checkCommit(o *Object) []FsckIssue {
	var issues []FsckIssue
	oidLen := o.hash.OidSize() * 2

	var treeSeen, authorSeen, committerSeen bool
	for _, kv := range headerLines(o.Bytes()) {
		switch kv[0] {
		case "tree":
			treeSeen = true
			if _, err := o.hash.ConvertFromString(kv[1]); err != nil {
				issues = f.issue(issues, FsckBadTreeSha, "invalid tree id %q", kv[1])
			}
		case "parent":
			if len(kv[1]) != oidLen {
				issues = f.issue(issues, FsckBadParentSha, "invalid parent id %q", kv[1])
				continue
			}
			if _, err := o.hash.ConvertFromString(kv[1]); err != nil {
				issues = f.issue(issues, FsckBadParentSha, "invalid parent id %q", kv[1])
			}
		case "author":
			authorSeen = true
			if _, err := NewSignatureFromBytes([]byte(kv[1])); err != nil {
				issues = f.issue(issues, FsckBadAuthor, "invalid author line %q", kv[1])
			}
		case "committer":
			committerSeen = true
			if _, err := NewSignatureFromBytes([]byte(kv[1])); err != nil {
				issues = f.issue(issues, FsckBadCommitter, "invalid committer line %q", kv[1])
			}
		}
	}

	if !treeSeen {
		issues = f.issue(issues, FsckMissingTree, "commit has no tree header")
	}
	if !authorSeen {
		issues = f.issue(issues, FsckMissingAuthor, "commit has no author header")
	}
	if !committerSeen {
		issues = f.issue(issues, FsckMissingCommitter, "commit has no committer header")
	}
	return issues
}

func (f *Fsck) checkTag(o *Object) []FsckIssue {
	var issues []FsckIssue

	var objectSeen, typeSeen, tagSeen, taggerSeen bool
	for _, kv := range headerLines(o.Bytes()) {
		switch kv[0] {
		case "object":
			objectSeen = true
			if _, err := o.hash.ConvertFromString(kv[1]); err != nil {
				issues = f.issue(issues, FsckBadObjectSha, "invalid object id %q", kv[1])
			}
		case "type":
			typeSeen = true
			if _, err := NewTypeFromString(kv[1]); err != nil {
				issues = f.issue(issues, FsckMissingTypeEntry, "invalid type %q", kv[1])
			}
		case "tag":
			tagSeen = true
		case "tagger":
			taggerSeen = true
		}
	}

	if !objectSeen {
		issues = f.issue(issues, FsckMissingObject, "tag has no object header")
	}
	if !typeSeen {
		issues = f.issue(issues, FsckMissingTypeEntry, "tag has no type header")
	}
	if !tagSeen {
		issues = f.issue(issues, FsckMissingTagEntry, "tag has no tag header")
	}
	if !taggerSeen {
		issues = f.issue(issues, FsckMissingTaggerEntry, "tag has no tagger header")
	}
	return issues
}

// treeEntrySortKey returns the byte sequence git uses to order tree
// entries: directories compare as if their name ended with a /
func treeEntrySortKey(name string, mode TreeObjectMode) string {
	if mode == ModeDirectory {
		return name + "/"
	}
	return name
}

func (f *Fsck) checkTree(o *Object) []FsckIssue {
	var issues []FsckIssue
	oidSize := o.hash.OidSize()
	data := o.Bytes()

	seen := map[string]struct{}{}
	prevKey := ""
	offset := 0
	for offset < len(data) {
		sp := bytes.IndexByte(data[offset:], ' ')
		if sp <= 0 {
			issues = f.issue(issues, FsckUnparseableObject, "tree entry at offset %d has no mode", offset)
			return issues
		}
		rawMode := string(data[offset : offset+sp])
		offset += sp + 1

		nul := bytes.IndexByte(data[offset:], 0)
		if nul < 0 {
			issues = f.issue(issues, FsckUnparseableObject, "tree entry at offset %d has no name", offset)
			return issues
		}
		name := string(data[offset : offset+nul])
		offset += nul + 1

		if offset+oidSize > len(data) {
			issues = f.issue(issues, FsckUnparseableObject, "tree entry %q has a truncated id", name)
			return issues
		}
		offset += oidSize

		modeVal, err := strconv.ParseInt(rawMode, 8, 32)
		mode := TreeObjectMode(modeVal)
		if err != nil || !mode.IsValid() {
			issues = f.issue(issues, FsckBadFilemode, "entry %q has mode %q", name, rawMode)
		} else if rawMode[0] == '0' {
			issues = f.issue(issues, FsckZeroPaddedFilemode, "entry %q has mode %q", name, rawMode)
		}

		switch {
		case name == "":
			issues = f.issue(issues, FsckBadName, "tree contains an entry with an empty name")
		case strings.ContainsRune(name, '/'):
			issues = f.issue(issues, FsckBadName, "entry %q contains a /", name)
		case name == ".":
			issues = f.issue(issues, FsckHasDot, "tree contains .")
		case name == "..":
			issues = f.issue(issues, FsckHasDotDot, "tree contains ..")
		case strings.EqualFold(name, ".git"):
			issues = f.issue(issues, FsckHasDotgit, "tree contains %q", name)
		}

		if _, dup := seen[name]; dup {
			issues = f.issue(issues, FsckDuplicateEntries, "entry %q appears more than once", name)
		}
		seen[name] = struct{}{}

		key := treeEntrySortKey(name, mode)
		if prevKey != "" && key < prevKey {
			issues = f.issue(issues, FsckTreeNotSorted, "entry %q is not sorted after %q", name, strings.TrimSuffix(prevKey, "/"))
		}
		prevKey = key
	}
	return issues
}
