// Package protocol implements the server side of the receive-pack
// wire protocol: ref advertisement, command list parsing, and the
// final status report.
// https://git-scm.com/docs/pack-protocol#_pushing_data_to_a_server
package protocol

import (
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// List of the capability tokens the server understands
// https://git-scm.com/docs/protocol-capabilities
const (
	CapReportStatus   = "report-status"
	CapReportStatusV2 = "report-status-v2"
	CapDeleteRefs     = "delete-refs"
	CapSideBand64k    = "side-band-64k"
	CapQuiet          = "quiet"
	CapAtomic         = "atomic"
	CapOfsDelta       = "ofs-delta"
	CapPushOptions    = "push-options"
	CapPushCert       = "push-cert"
	CapProcReceive    = "proc-receive"
	CapObjectFormat   = "object-format"
	CapAgent          = "agent"
	CapSessionID      = "session-id"
)

// CapabilitySet holds the capabilities of one side of the session.
// A capability is only in effect once both sides carry it, see
// Negotiate
type CapabilitySet struct {
	ReportStatus   bool
	ReportStatusV2 bool
	DeleteRefs     bool
	SideBand64k    bool
	Quiet          bool
	Atomic         bool
	OfsDelta       bool
	PushOptions    bool
	PushCert       bool
	ProcReceive    bool

	// Agent is the value of the agent=<s> token
	Agent string
	// ObjectFormat is the hash algorithm in use (sha1 or sha256)
	ObjectFormat string
	// SessionID is the value of the session-id=<s> token
	SessionID string

	// Unknown keeps the tokens we didn't recognize. They have no
	// effect on the session but are kept around for diagnostics
	Unknown []string
}

// Tokens returns the capability tokens in the order they must be
// advertised. Value-carrying tokens are only emitted when they have
// a value
func (c *CapabilitySet) Tokens() []string {
	tokens := make([]string, 0, 12)
	if c.ReportStatus {
		tokens = append(tokens, CapReportStatus)
	}
	if c.ReportStatusV2 {
		tokens = append(tokens, CapReportStatusV2)
	}
	if c.DeleteRefs {
		tokens = append(tokens, CapDeleteRefs)
	}
	if c.SideBand64k {
		tokens = append(tokens, CapSideBand64k)
	}
	if c.Quiet {
		tokens = append(tokens, CapQuiet)
	}
	if c.Atomic {
		tokens = append(tokens, CapAtomic)
	}
	if c.OfsDelta {
		tokens = append(tokens, CapOfsDelta)
	}
	if c.PushOptions {
		tokens = append(tokens, CapPushOptions)
	}
	if c.PushCert {
		tokens = append(tokens, CapPushCert)
	}
	if c.ProcReceive {
		tokens = append(tokens, CapProcReceive)
	}
	if c.ObjectFormat != "" {
		tokens = append(tokens, CapObjectFormat+"="+c.ObjectFormat)
	}
	if c.Agent != "" {
		tokens = append(tokens, CapAgent+"="+c.Agent)
	}
	if c.SessionID != "" {
		tokens = append(tokens, CapSessionID+"="+c.SessionID)
	}
	return tokens
}

// String returns the space-joined capability tokens, ready to be
// appended after the NUL of the first advertised ref
func (c *CapabilitySet) String() string {
	return strings.Join(c.Tokens(), " ")
}

// ParseCapabilities parses the space-separated capability tokens a
// client sent after the NUL of its first command line.
// Unrecognized tokens are collected in Unknown and otherwise ignored
func ParseCapabilities(data string) *CapabilitySet {
	caps := &CapabilitySet{}
	for _, token := range strings.Fields(data) {
		name, value := token, ""
		if i := strings.IndexByte(token, '='); i >= 0 {
			name, value = token[:i], token[i+1:]
		}

		switch name {
		case CapReportStatus:
			caps.ReportStatus = true
		case CapReportStatusV2:
			caps.ReportStatusV2 = true
		case CapDeleteRefs:
			caps.DeleteRefs = true
		case CapSideBand64k:
			caps.SideBand64k = true
		case CapQuiet:
			caps.Quiet = true
		case CapAtomic:
			caps.Atomic = true
		case CapOfsDelta:
			caps.OfsDelta = true
		case CapPushOptions:
			caps.PushOptions = true
		case CapPushCert:
			caps.PushCert = true
		case CapProcReceive:
			caps.ProcReceive = true
		case CapObjectFormat:
			caps.ObjectFormat = value
		case CapAgent:
			caps.Agent = value
		case CapSessionID:
			caps.SessionID = value
		default:
			caps.Unknown = append(caps.Unknown, token)
		}
	}
	sort.Strings(caps.Unknown)
	return caps
}

// CheckAdvertised verifies the client only asked for capabilities the
// server offered. Unknown tokens are ignored, but a known capability
// that changes what the client sends on the wire must have been
// advertised: accepting it silently would leave the server unable to
// tell the extra lines apart from the pack stream
func CheckAdvertised(advertised, client *CapabilitySet) error {
	switch {
	case client.Atomic && !advertised.Atomic:
		return xerrors.Errorf("%s: %w", CapAtomic, ErrCapabilityNotAdvertised)
	case client.PushOptions && !advertised.PushOptions:
		return xerrors.Errorf("%s: %w", CapPushOptions, ErrCapabilityNotAdvertised)
	case client.PushCert && !advertised.PushCert:
		return xerrors.Errorf("%s: %w", CapPushCert, ErrCapabilityNotAdvertised)
	case client.ProcReceive && !advertised.ProcReceive:
		return xerrors.Errorf("%s: %w", CapProcReceive, ErrCapabilityNotAdvertised)
	}
	return nil
}

// Negotiate returns the capabilities in effect for the session: the
// ones both advertised by the server and echoed by the client.
// The client's agent is kept for logging. Value-carrying tokens take
// the client's value only when the server offered the capability
func Negotiate(advertised, client *CapabilitySet) *CapabilitySet {
	effective := &CapabilitySet{
		ReportStatus:   advertised.ReportStatus && client.ReportStatus,
		ReportStatusV2: advertised.ReportStatusV2 && client.ReportStatusV2,
		DeleteRefs:     advertised.DeleteRefs && client.DeleteRefs,
		SideBand64k:    advertised.SideBand64k && client.SideBand64k,
		Quiet:          advertised.Quiet && client.Quiet,
		Atomic:         advertised.Atomic && client.Atomic,
		OfsDelta:       advertised.OfsDelta && client.OfsDelta,
		PushOptions:    advertised.PushOptions && client.PushOptions,
		PushCert:       advertised.PushCert && client.PushCert,
		ProcReceive:    advertised.ProcReceive && client.ProcReceive,
		Agent:          client.Agent,
		Unknown:        client.Unknown,
	}
	if advertised.ObjectFormat != "" && client.ObjectFormat != "" {
		effective.ObjectFormat = client.ObjectFormat
	}
	if advertised.SessionID != "" {
		effective.SessionID = client.SessionID
	}
	return effective
}
