package receive

import "strings"

// HiddenRefs decides which references are kept out of the
// advertisement and out of the external view of the repository.
//
// Each pattern is a ref prefix matched on a full path boundary:
// "refs/pull" hides "refs/pull/1/head" but not "refs/pulls".
// A pattern starting with "!" re-exposes what an earlier pattern hid.
// The last matching pattern wins
// https://git-scm.com/docs/git-config#Documentation/git-config.txt-transferhideRefs
type HiddenRefs struct {
	patterns []hidePattern
}

type hidePattern struct {
	prefix  string
	negated bool
}

// NewHiddenRefs builds a matcher from the raw transfer.hideRefs and
// receive.hideRefs values, in the order they were declared
func NewHiddenRefs(patterns []string) *HiddenRefs {
	h := &HiddenRefs{}
	for _, p := range patterns {
		negated := strings.HasPrefix(p, "!")
		if negated {
			p = p[1:]
		}
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			continue
		}
		h.patterns = append(h.patterns, hidePattern{prefix: p, negated: negated})
	}
	return h
}

// Hidden returns whether the given ref must be kept out of sight
func (h *HiddenRefs) Hidden(refName string) bool {
	hidden := false
	for _, p := range h.patterns {
		if refName == p.prefix || strings.HasPrefix(refName, p.prefix+"/") {
			hidden = !p.negated
		}
	}
	return hidden
}

// Empty returns whether no pattern is configured
func (h *HiddenRefs) Empty() bool {
	return len(h.patterns) == 0
}
