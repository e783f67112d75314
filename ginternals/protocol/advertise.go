package protocol

import (
	"sort"

	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/pktline"
	"golang.org/x/xerrors"
)

// AdvertisedRef is one ref the server exposes to the client
type AdvertisedRef struct {
	Name string
	ID   githash.Oid
}

// WriteAdvertisement writes the ref advertisement on w.
//
// Refs are emitted in lexicographic order by full name; the first
// line carries the server capabilities after a NUL. An empty
// repository advertises a single capability-only line using the
// all-zero id and the magic name "capabilities^{}".
// The advertisement ends with a flush
func WriteAdvertisement(w *pktline.Writer, h githash.Hash, refs []AdvertisedRef, caps *CapabilitySet) error {
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Name < refs[j].Name
	})

	if len(refs) == 0 {
		line := h.NullOid().String() + " capabilities^{}\x00" + caps.String() + "\n"
		if err := w.WriteString(line); err != nil {
			return xerrors.Errorf("could not write the capability line: %w", err)
		}
		return w.Flush()
	}

	for i, ref := range refs {
		line := ref.ID.String() + " " + ref.Name
		if i == 0 {
			line += "\x00" + caps.String()
		}
		line += "\n"
		if err := w.WriteString(line); err != nil {
			return xerrors.Errorf(`could not advertise ref "%s": %w`, ref.Name, err)
		}
	}
	return w.Flush()
}
