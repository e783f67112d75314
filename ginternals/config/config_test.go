package config_test

import (
	"testing"

	"github.com/Nivl/git-receive/ginternals/config"
	"github.com/Nivl/git-receive/internal/env"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("default paths follow the git dir", func(t *testing.T) {
		t.Parallel()

		e := env.NewFromKVList([]string{
			"GIT_DIR=/repo/.git",
		})
		cfg, err := config.LoadConfig(e, config.LoadConfigOptions{
			FS:               afero.NewMemMapFs(),
			WorkingDirectory: "/repo",
		})
		require.NoError(t, err)

		assert.Equal(t, "/repo/.git", cfg.GitDirPath)
		assert.Equal(t, "/repo/.git", cfg.GitCommonDirPath)
		assert.Equal(t, "/repo/.git/objects", cfg.ObjectDirPath)
		assert.Equal(t, "/repo/.git/config", cfg.LocalConfig)
		assert.Equal(t, "/repo", cfg.WorkTreePath)
		require.NotNil(t, cfg.Receive)
	})

	t.Run("bare repo gets no work tree", func(t *testing.T) {
		t.Parallel()

		e := env.NewFromKVList([]string{
			"GIT_DIR=/srv/repo.git",
		})
		cfg, err := config.LoadConfig(e, config.LoadConfigOptions{
			FS:               afero.NewMemMapFs(),
			WorkingDirectory: "/srv",
			IsBare:           true,
		})
		require.NoError(t, err)

		assert.Equal(t, "/srv/repo.git", cfg.GitDirPath)
		assert.Empty(t, cfg.WorkTreePath)
	})

	t.Run("work tree without a git dir is rejected", func(t *testing.T) {
		t.Parallel()

		e := env.NewFromKVList([]string{
			"GIT_WORK_TREE=/somewhere",
		})
		_, err := config.LoadConfig(e, config.LoadConfigOptions{
			FS:               afero.NewMemMapFs(),
			WorkingDirectory: "/repo",
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrNoWorkTreeAlone)
	})

	t.Run("env overrides win over the defaults", func(t *testing.T) {
		t.Parallel()

		e := env.NewFromKVList([]string{
			"GIT_DIR=/repo/.git",
			"GIT_OBJECT_DIRECTORY=/elsewhere/objects",
			"GIT_CONFIG=/elsewhere/config",
		})
		cfg, err := config.LoadConfig(e, config.LoadConfigOptions{
			FS:               afero.NewMemMapFs(),
			WorkingDirectory: "/repo",
		})
		require.NoError(t, err)

		assert.Equal(t, "/elsewhere/objects", cfg.ObjectDirPath)
		assert.Equal(t, "/elsewhere/config", cfg.LocalConfig)
	})

	t.Run("commondir file points at the shared repo", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/repo/.git/commondir", []byte("../shared\n"), 0o644))

		e := env.NewFromKVList([]string{
			"GIT_DIR=/repo/.git",
		})
		cfg, err := config.LoadConfig(e, config.LoadConfigOptions{
			FS:               fs,
			WorkingDirectory: "/repo",
		})
		require.NoError(t, err)

		assert.Equal(t, "/repo/.git", cfg.GitDirPath)
		assert.Equal(t, "/repo/shared", cfg.GitCommonDirPath)
		assert.Equal(t, "/repo/shared/objects", cfg.ObjectDirPath)
		assert.Equal(t, "/repo/shared/config", cfg.LocalConfig)
	})

	t.Run("GIT_COMMON_DIR wins over the commondir file", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/repo/.git/commondir", []byte("../shared\n"), 0o644))

		e := env.NewFromKVList([]string{
			"GIT_DIR=/repo/.git",
			"GIT_COMMON_DIR=/common",
		})
		cfg, err := config.LoadConfig(e, config.LoadConfigOptions{
			FS:               fs,
			WorkingDirectory: "/repo",
		})
		require.NoError(t, err)

		assert.Equal(t, "/common", cfg.GitCommonDirPath)
		assert.Equal(t, "/common/objects", cfg.ObjectDirPath)
	})

	t.Run("core.worktree comes from the config file", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		content := "[core]\n\tworktree = /elsewhere\n"
		require.NoError(t, afero.WriteFile(fs, "/repo/.git/config", []byte(content), 0o644))

		e := env.NewFromKVList([]string{
			"GIT_DIR=/repo/.git",
			"GIT_CONFIG_NOSYSTEM=1",
		})
		cfg, err := config.LoadConfig(e, config.LoadConfigOptions{
			FS:               fs,
			WorkingDirectory: "/repo",
		})
		require.NoError(t, err)

		assert.Equal(t, "/elsewhere", cfg.WorkTreePath)
		assert.True(t, cfg.SkipSystemConfig)
	})
}
