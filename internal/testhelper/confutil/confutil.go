// Package confutil contains helpers and function to generate basic
// configuration
package confutil

import (
	"path/filepath"
	"testing"

	"github.com/Nivl/git-receive/ginternals/config"
	"github.com/Nivl/git-receive/internal/gitpath"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// NewCommonConfig returns the config of a regular repo rooted at the
// given working tree
func NewCommonConfig(t *testing.T, fs afero.Fs, workingTreePath string) *config.Config {
	cfg, err := config.LoadConfigSkipEnv(config.LoadConfigOptions{
		FS:           fs,
		WorkTreePath: workingTreePath,
		GitDirPath:   filepath.Join(workingTreePath, gitpath.DotGitPath),
	})
	require.NoError(t, err)
	return cfg
}

// NewCommonConfigBare returns the config of a bare repo rooted at the
// given directory
func NewCommonConfigBare(t *testing.T, fs afero.Fs, gitDirPath string) *config.Config {
	cfg, err := config.LoadConfigSkipEnv(config.LoadConfigOptions{
		FS:         fs,
		IsBare:     true,
		GitDirPath: gitDirPath,
	})
	require.NoError(t, err)
	return cfg
}
