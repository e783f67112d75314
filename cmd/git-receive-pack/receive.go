package main

import (
	"os"
	"path/filepath"

	receive "github.com/Nivl/git-receive"
	"github.com/Nivl/git-receive/backend"
	"github.com/Nivl/git-receive/ginternals/config"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/internal/env"
	"github.com/Nivl/git-receive/internal/gitpath"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// hashValue is a pflag.Value holding a hash algorithm, rejecting
// unknown names at parse time
type hashValue struct {
	hash githash.Hash
}

func newHashValue(h githash.Hash) *hashValue {
	return &hashValue{hash: h}
}

func (v *hashValue) String() string {
	return v.hash.Name()
}

func (v *hashValue) Set(name string) error {
	h, err := githash.New(name)
	if err != nil {
		return err
	}
	v.hash = h
	return nil
}

func (v *hashValue) Type() string {
	return "algo"
}

var _ pflag.Value = (*hashValue)(nil)

type options struct {
	statelessRPC  bool
	advertiseRefs bool
	agent         string
	sessionID     string
	objectFormat  *hashValue
	workers       int
}

func newRootCmd() *cobra.Command {
	opts := &options{objectFormat: newHashValue(githash.NewSHA1())}
	cmd := &cobra.Command{
		Use:           "git-receive-pack <directory>",
		Short:         "receive what is pushed into the repository",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.Flags().BoolVar(&opts.statelessRPC, "stateless-rpc", false, "quit after a single request/response exchange")
	cmd.Flags().BoolVar(&opts.advertiseRefs, "advertise-refs", false, "only write the reference advertisement and exit")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "agent token to advertise")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "session-id value to advertise")
	cmd.Flags().Var(opts.objectFormat, "object-format", "hash algorithm of the repository")
	cmd.Flags().IntVar(&opts.workers, "connectivity-workers", 0, "parallel workers for the connectivity check")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return receivePack(cmd, args[0], opts)
	}
	return cmd
}

func receivePack(cmd *cobra.Command, dir string, opts *options) error {
	b, err := openBackend(dir, opts.objectFormat.hash)
	if err != nil {
		return err
	}
	defer b.Close() //nolint:errcheck // nothing left to persist after the session

	s := receive.NewSession(b, &receive.Options{
		Agent:               opts.agent,
		SessionID:           opts.sessionID,
		ConnectivityWorkers: opts.workers,
		AdvertiseRefs:       opts.advertiseRefs,
		StatelessRPC:        opts.statelessRPC,
	})
	return s.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
}

// openBackend attaches to the repository at dir, a work tree holding
// a .git directory or a bare git directory
func openBackend(dir string, hash githash.Hash) (*backend.Backend, error) {
	loadOpts := config.LoadConfigOptions{
		GitDirPath: dir,
		IsBare:     true,
	}
	if fi, err := os.Stat(filepath.Join(dir, gitpath.DotGitPath)); err == nil && fi.IsDir() {
		loadOpts = config.LoadConfigOptions{
			WorkTreePath: dir,
			GitDirPath:   filepath.Join(dir, gitpath.DotGitPath),
		}
	}

	cfg, err := config.LoadConfig(env.NewFromOs(), loadOpts)
	if err != nil {
		return nil, err
	}
	return backend.New(cfg, hash)
}
