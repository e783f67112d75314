package protocol

import (
	"errors"
	"strings"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/pktline"
	"golang.org/x/xerrors"
)

var (
	// ErrInvalidCommand is an error thrown when a command line
	// cannot be parsed
	ErrInvalidCommand = errors.New("invalid command line")

	// ErrCapabilityNotAdvertised is an error thrown when the client
	// uses a feature the server never offered
	ErrCapabilityNotAdvertised = errors.New("capability was not advertised")

	// ErrInvalidPushCert is an error thrown when a push certificate
	// block is malformed
	ErrInvalidPushCert = errors.New("invalid push certificate")
)

// CommandType represents the kind of update a command requests
type CommandType int8

const (
	// CreateCommand creates a new reference (old id is zero)
	CreateCommand CommandType = 1
	// UpdateCommand moves an existing reference (both ids set)
	UpdateCommand CommandType = 2
	// DeleteCommand removes a reference (new id is zero)
	DeleteCommand CommandType = 3
)

// Command is one requested ref update. Commands are immutable once
// parsed
type Command struct {
	Old     githash.Oid
	New     githash.Oid
	RefName string
}

// Type returns the kind of update the command requests
func (c *Command) Type() CommandType {
	switch {
	case c.Old.IsZero():
		return CreateCommand
	case c.New.IsZero():
		return DeleteCommand
	default:
		return UpdateCommand
	}
}

// String reserializes the command the way the client sent it
func (c *Command) String() string {
	return c.Old.String() + " " + c.New.String() + " " + c.RefName
}

// PushRequest is the parsed client request: the command list and
// everything that came along with it
type PushRequest struct {
	Commands []*Command
	// Capabilities holds the raw client capabilities, before
	// negotiation against the advertised set
	Capabilities *CapabilitySet
	// Shallow lists the commits the client declared as shallow
	// boundaries before its commands
	Shallow []githash.Oid
	// Certificate holds the verbatim push certificate payload when
	// the client used push-cert, nil otherwise
	Certificate []byte
}

// parseCommandLine parses "<old> SP <new> SP <refname>"
func parseCommandLine(line string, h githash.Hash) (*Command, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, xerrors.Errorf(`line "%s": %w`, line, ErrInvalidCommand)
	}

	oldID, err := h.ConvertFromString(parts[0])
	if err != nil {
		return nil, xerrors.Errorf(`old id "%s": %w`, parts[0], ErrInvalidCommand)
	}
	newID, err := h.ConvertFromString(parts[1])
	if err != nil {
		return nil, xerrors.Errorf(`new id "%s": %w`, parts[1], ErrInvalidCommand)
	}
	if oldID.IsZero() && newID.IsZero() {
		return nil, xerrors.Errorf(`both ids are zero for "%s": %w`, parts[2], ErrInvalidCommand)
	}
	if !ginternals.IsRefNameValid(parts[2]) {
		return nil, xerrors.Errorf(`ref "%s": %w`, parts[2], ginternals.ErrRefNameInvalid)
	}
	return &Command{Old: oldID, New: newID, RefName: parts[2]}, nil
}

// ParseCommands reads the client command list that follows the
// advertisement: optional "shallow <oid>" lines, then one command
// per packet until flush. The first command line carries the client
// capabilities after a NUL.
//
// A client with nothing to push sends a lone flush; the returned
// request then has no commands and no capabilities.
//
// Several commands may target the same ref; the caller decides which
// one wins and how the others are reported
func ParseCommands(r *pktline.Reader, h githash.Hash) (*PushRequest, error) {
	req := &PushRequest{}

	for {
		line, ok, err := r.ReadLine()
		if err != nil {
			return nil, xerrors.Errorf("could not read command packet: %w", err)
		}
		if !ok {
			break
		}
		data := string(line)

		// the first command line carries the capabilities
		if req.Capabilities == nil {
			command, caps, found := strings.Cut(data, "\x00")
			if found {
				req.Capabilities = ParseCapabilities(caps)
				data = command
			}
		}

		if oid, isShallow := parseShallowLine(data, h); isShallow {
			if len(req.Commands) > 0 {
				return nil, xerrors.Errorf("shallow line after a command: %w", ErrInvalidCommand)
			}
			req.Shallow = append(req.Shallow, oid)
			continue
		}

		if data == "push-cert" {
			if err := readPushCert(r, h, req); err != nil {
				return nil, err
			}
			continue
		}

		cmd, err := parseCommandLine(data, h)
		if err != nil {
			return nil, err
		}
		req.Commands = append(req.Commands, cmd)
	}

	if req.Capabilities == nil {
		req.Capabilities = &CapabilitySet{}
	}
	return req, nil
}

// parseShallowLine checks for a "shallow <oid>" line and returns the
// oid it carries
func parseShallowLine(data string, h githash.Hash) (githash.Oid, bool) {
	rest, found := strings.CutPrefix(data, "shallow ")
	if !found {
		return nil, false
	}
	oid, err := h.ConvertFromString(rest)
	if err != nil {
		return nil, false
	}
	return oid, true
}

// readPushCert consumes a push certificate block. The block runs
// until "push-cert-end"; its payload is kept verbatim so hooks can
// verify the signature. The command lines inside the certificate
// (between the first blank line and the signature) ARE the command
// list of the push
func readPushCert(r *pktline.Reader, h githash.Hash, req *PushRequest) error {
	var cert strings.Builder
	inCommands := false

	for {
		line, ok, err := r.ReadLine()
		if err != nil {
			return xerrors.Errorf("could not read push-cert packet: %w", err)
		}
		if !ok {
			return xerrors.Errorf("flush inside a push-cert block: %w", ErrInvalidPushCert)
		}
		data := string(line)
		if data == "push-cert-end" {
			req.Certificate = []byte(cert.String())
			return nil
		}
		cert.WriteString(data)
		cert.WriteByte('\n')

		switch {
		case data == "":
			inCommands = true
		case strings.HasPrefix(data, "-----BEGIN"):
			inCommands = false
		case inCommands:
			cmd, err := parseCommandLine(data, h)
			if err != nil {
				return err
			}
			req.Commands = append(req.Commands, cmd)
		}
	}
}

// ReadPushOptions reads the flush-terminated option lines the client
// sends after its pack. Options are opaque and preserved verbatim
func ReadPushOptions(r *pktline.Reader) ([]string, error) {
	var opts []string
	for {
		line, ok, err := r.ReadLine()
		if err != nil {
			return nil, xerrors.Errorf("could not read push option: %w", err)
		}
		if !ok {
			return opts, nil
		}
		opts = append(opts, string(line))
	}
}
