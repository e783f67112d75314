package hooks

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Nivl/git-receive/ginternals/pktline"
	"github.com/Nivl/git-receive/ginternals/protocol"
	"golang.org/x/xerrors"
)

var (
	// ErrProcVersion is returned when the helper doesn't speak
	// version 1 of the proc-receive protocol
	ErrProcVersion = errors.New("unsupported proc-receive version")
	// ErrProcReport is returned when the helper sends a malformed
	// report
	ErrProcReport = errors.New("invalid proc-receive report")
	// ErrProcMissing is returned when refs are delegated but no
	// proc-receive helper exists
	ErrProcMissing = errors.New("proc-receive helper not found")
)

// Delegated returns whether a ref name falls under one of the
// configured proc-receive prefixes.
// A prefix matches on a full path boundary: "refs/for" matches
// "refs/for/main" but not "refs/fortune"
func Delegated(refName string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if refName == prefix || strings.HasPrefix(refName, prefix+"/") {
			return true
		}
	}
	return false
}

// ProcOption is an extra "option <key> <value>" attribute the helper
// attached to a command result
type ProcOption struct {
	Key   string
	Value string
}

// ProcResult is the outcome the helper reported for one command
type ProcResult struct {
	RefName string
	OK      bool
	Reason  string
	Options []ProcOption
}

// RunProc drives a proc-receive helper over the given stream: version
// handshake, command forwarding, push-option forwarding, and report
// collection.
// The returned results are in the order the helper reported them
func RunProc(rw io.ReadWriter, commands []*protocol.Command, pushOptions []string) ([]*ProcResult, error) {
	r := pktline.NewReader(rw)
	w := pktline.NewWriter(rw)

	if err := handshake(r, w, len(pushOptions) > 0); err != nil {
		return nil, err
	}

	for _, c := range commands {
		if err := w.WriteString(c.String() + "\n"); err != nil {
			return nil, xerrors.Errorf("could not forward command %s: %w", c.RefName, err)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, xerrors.Errorf("could not flush the commands: %w", err)
	}

	if len(pushOptions) > 0 {
		for _, opt := range pushOptions {
			if err := w.WriteString(opt + "\n"); err != nil {
				return nil, xerrors.Errorf("could not forward a push option: %w", err)
			}
		}
		if err := w.Flush(); err != nil {
			return nil, xerrors.Errorf("could not flush the push options: %w", err)
		}
	}

	return readReport(r)
}

// handshake runs the version negotiation: the server offers
// version=1 and its features, the helper echoes the version it picked
func handshake(r *pktline.Reader, w *pktline.Writer, withPushOptions bool) error {
	features := []string{}
	if withPushOptions {
		features = append(features, "push-options")
	}
	offer := "version=1"
	if len(features) > 0 {
		offer += "\x00" + strings.Join(features, " ")
	}
	if err := w.WriteString(offer + "\n"); err != nil {
		return xerrors.Errorf("could not send the version offer: %w", err)
	}
	if err := w.Flush(); err != nil {
		return xerrors.Errorf("could not flush the version offer: %w", err)
	}

	accepted := false
	for {
		line, ok, err := r.ReadLine()
		if err != nil {
			return xerrors.Errorf("could not read the helper version: %w", err)
		}
		if !ok {
			break
		}
		version, _, _ := strings.Cut(string(line), "\x00")
		if version == "version=1" {
			accepted = true
		}
	}
	if !accepted {
		return ErrProcVersion
	}
	return nil
}

// readReport parses the "ok|ng|option" lines of the helper's report
func readReport(r *pktline.Reader) ([]*ProcResult, error) {
	results := []*ProcResult{}
	for {
		line, ok, err := r.ReadLine()
		if err != nil {
			return nil, xerrors.Errorf("could not read the helper report: %w", err)
		}
		if !ok {
			break
		}
		text := string(line)
		keyword, rest, _ := strings.Cut(text, " ")
		switch keyword {
		case "ok":
			if rest == "" {
				return nil, xerrors.Errorf(`line "%s": %w`, text, ErrProcReport)
			}
			results = append(results, &ProcResult{RefName: rest, OK: true})
		case "ng":
			refName, reason, _ := strings.Cut(rest, " ")
			if refName == "" {
				return nil, xerrors.Errorf(`line "%s": %w`, text, ErrProcReport)
			}
			if reason == "" {
				reason = "failed"
			}
			results = append(results, &ProcResult{RefName: refName, Reason: reason})
		case "option":
			if len(results) == 0 {
				return nil, xerrors.Errorf("option line before any result: %w", ErrProcReport)
			}
			key, value, _ := strings.Cut(rest, " ")
			if key == "" {
				return nil, xerrors.Errorf(`line "%s": %w`, text, ErrProcReport)
			}
			last := results[len(results)-1]
			last.Options = append(last.Options, ProcOption{Key: key, Value: value})
		default:
			return nil, xerrors.Errorf(`unexpected line "%s": %w`, text, ErrProcReport)
		}
	}
	return results, nil
}

// Proc is a running proc-receive helper process. Reads come from its
// stdout, writes go to its stdin
type Proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// Read implements io.Reader
func (p *Proc) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Write implements io.Writer
func (p *Proc) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes the helper's stdin and waits for it to exit
func (p *Proc) Close() error {
	if err := p.stdin.Close(); err != nil {
		_ = p.cmd.Process.Kill()
		return xerrors.Errorf("could not close the helper stdin: %w", err)
	}
	if err := p.cmd.Wait(); err != nil {
		return xerrors.Errorf("proc-receive helper failed: %w", err)
	}
	return nil
}

// StartProc spawns the proc-receive helper of the hook directory.
// ErrProcMissing is returned when the helper doesn't exist
func (h *External) StartProc(ctx context.Context, env []string) (*Proc, error) {
	p := filepath.Join(h.Dir, ProcReceive)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrProcMissing
		}
		return nil, xerrors.Errorf("could not stat the proc-receive helper: %w", err)
	}

	cmd := exec.CommandContext(ctx, p)
	cmd.Env = append(append([]string{}, h.BaseEnv...), env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Errorf("could not open the helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Errorf("could not open the helper stdout: %w", err)
	}
	out := h.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("could not start the proc-receive helper: %w", err)
	}
	return &Proc{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}
