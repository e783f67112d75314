package ginternals

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/Nivl/git-receive/ginternals/config"
)

// .git/ Files and directories
// We keep the refs paths in unix format since they must be stored
// this way. The backend is in charge to convert this to the current
// system when needed
const (
	refsDirName      = "refs"
	refsTagsRelPath  = refsDirName + "/tags"
	refsHeadsRelPath = refsDirName + "/heads"
	refsHiddenPrefix = refsDirName + "/hidden"
)

// LocalTagFullName returns the full name of a tag
// ex. for `my-tag` returns `refs/tags/my-tag`
func LocalTagFullName(shortName string) string {
	return path.Join(refsTagsRelPath, shortName)
}

// LocalBranchFullName returns the full name of branch
// ex. for `main` returns `refs/heads/main`
func LocalBranchFullName(shortName string) string {
	return path.Join(refsHeadsRelPath, shortName)
}

// LocalBranchShortName returns the short name of a branch
// ex. for `refs/heads/main` returns `main`
func LocalBranchShortName(fullName string) string {
	return strings.TrimPrefix(fullName, refsHeadsRelPath+"/")
}

// IsBranch returns whether a full ref name points inside refs/heads/
func IsBranch(fullName string) bool {
	return strings.HasPrefix(fullName, refsHeadsRelPath+"/")
}

// RefFullName returns the UNIX path of a ref
func RefFullName(shortName string) string {
	return path.Join(refsDirName, shortName)
}

// RefsPath return the path to the directory that contains all the refs
func RefsPath(cfg *config.Config) string {
	return filepath.Join(cfg.GitCommonDirPath, refsDirName)
}

// RefPath return the path of a reference on disk.
// The name is expected in UNIX format (refs/heads/main)
func RefPath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.GitCommonDirPath, filepath.FromSlash(name))
}

// PackedRefsPath return the local path of a the packed-refs file
func PackedRefsPath(cfg *config.Config) string {
	return filepath.Join(cfg.GitCommonDirPath, "packed-refs")
}

// TagsPath returns the path to the directory that contains the tags
func TagsPath(cfg *config.Config) string {
	return filepath.Join(RefsPath(cfg), "tags")
}

// DotGitPath returns the path to the dotgit directory
func DotGitPath(cfg *config.Config) string {
	return cfg.GitDirPath
}

// LocalBranchesPath returns the path to the directory containing the
// local branches
func LocalBranchesPath(cfg *config.Config) string {
	return filepath.Join(RefsPath(cfg), "heads")
}

// ObjectsPath returns the path to the directory that contains
// the objects
func ObjectsPath(cfg *config.Config) string {
	return cfg.ObjectDirPath
}

// ObjectsInfoPath returns the path to the directory that contains
// the info about the objects
func ObjectsInfoPath(cfg *config.Config) string {
	return filepath.Join(cfg.ObjectDirPath, "info")
}

// AlternatesFilePath returns the path to the alternates file, which
// lists the extra object directories the repo can read from
func AlternatesFilePath(cfg *config.Config) string {
	return filepath.Join(ObjectsInfoPath(cfg), "alternates")
}

// ObjectsPacksPath returns the path to the directory that contains
// the packfiles
func ObjectsPacksPath(cfg *config.Config) string {
	return filepath.Join(cfg.ObjectDirPath, "pack")
}

// PackfilePath returns the path of a packfile
func PackfilePath(cfg *config.Config, name string) string {
	return filepath.Join(ObjectsPacksPath(cfg), name)
}

// LooseObjectPath returns the path of a loose object.
// Path is .git/objects/first_2_chars_of_sha/remaining_chars_of_sha
//
// Ex. path of fcfe68a0e44e04bd7fd564fc0b75f1ae457e18b3 is:
// .git/objects/fc/fe68a0e44e04bd7fd564fc0b75f1ae457e18b3
func LooseObjectPath(cfg *config.Config, sha string) string {
	return filepath.Join(ObjectsPath(cfg), sha[:2], sha[2:])
}

// QuarantinePath returns the path of a quarantine object directory
// used to hold incoming objects until the push is accepted.
// The name is the unique per-push part of the directory name
func QuarantinePath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.ObjectDirPath, "incoming-"+name)
}

// ShallowFilePath returns the path of the shallow file, which lists
// the commits whose parents are intentionally absent
func ShallowFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.GitCommonDirPath, "shallow")
}

// HooksPath returns the path to the directory that contains the hooks
func HooksPath(cfg *config.Config) string {
	return filepath.Join(cfg.GitCommonDirPath, "hooks")
}

// HookPath returns the path of a given hook
// ex. for `pre-receive` returns `.git/hooks/pre-receive`
func HookPath(cfg *config.Config, name string) string {
	return filepath.Join(HooksPath(cfg), name)
}

// DescriptionFilePath returns the path to the description file
func DescriptionFilePath(cfg *config.Config) string {
	return filepath.Join(DotGitPath(cfg), "description")
}
