package protocol

import (
	"io"

	"github.com/Nivl/git-receive/ginternals/pktline"
	"golang.org/x/xerrors"
)

// UnpackOK is the unpack status of a pack that was ingested
// successfully
const UnpackOK = "ok"

// ReportOption is a v2 trailer attached to a command status
// ex. "option forced-update" or "option old-oid <oid>"
type ReportOption struct {
	Key   string
	Value string
}

// CommandStatus is the outcome of one command, as reported to the
// client
type CommandStatus struct {
	RefName string
	// Reason is empty when the command succeeded. Failed commands
	// carry a short stable token optionally followed by free-form
	// detail
	Reason  string
	Options []ReportOption
}

// OK returns whether the command succeeded
func (s *CommandStatus) OK() bool {
	return s.Reason == ""
}

// Report is the final status the server sends back: the unpack
// outcome plus one status per command
type Report struct {
	// UnpackStatus is UnpackOK, or the error text when the pack
	// could not be ingested
	UnpackStatus string
	Commands     []CommandStatus
}

// Encode writes the report on w as a flush-terminated pkt-line
// sequence. With v2, each command status is followed by its option
// trailers; without, the options are dropped
func (rep *Report) Encode(w io.Writer, v2 bool) error {
	pktw := pktline.NewWriter(w)

	if err := pktw.WriteString("unpack " + rep.UnpackStatus + "\n"); err != nil {
		return xerrors.Errorf("could not write the unpack status: %w", err)
	}

	for i := range rep.Commands {
		status := &rep.Commands[i]

		line := "ok " + status.RefName
		if !status.OK() {
			line = "ng " + status.RefName + " " + status.Reason
		}
		if err := pktw.WriteString(line + "\n"); err != nil {
			return xerrors.Errorf(`could not write the status of "%s": %w`, status.RefName, err)
		}

		if !v2 {
			continue
		}
		for _, opt := range status.Options {
			line := "option " + opt.Key
			if opt.Value != "" {
				line += " " + opt.Value
			}
			if err := pktw.WriteString(line + "\n"); err != nil {
				return xerrors.Errorf(`could not write an option of "%s": %w`, status.RefName, err)
			}
		}
	}

	return pktw.Flush()
}
