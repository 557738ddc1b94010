// Package git describes the repository a file lives in, so ingestions from a
// working tree can record where the content came from.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/CanopyHQ/xylem/internal/model"
)

// ExtensionKey is the action extension under which repository context is
// recorded.
const ExtensionKey = "ext:git"

// Repository is the Git context of a path.
type Repository struct {
	Root   string
	Host   string
	Owner  string
	Name   string
	Remote string
	Commit string
	// RelPath is the file's path relative to Root, slash-separated.
	RelPath string
}

// Detect describes the repository containing path. Missing remotes are
// tolerated; a path outside any work tree is an error.
func Detect(ctx context.Context, path string) (*Repository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	start := abs
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		start = filepath.Dir(abs)
	}
	root, err := findRoot(start)
	if err != nil {
		return nil, err
	}

	repo := &Repository{Root: root}
	if rel, err := filepath.Rel(root, abs); err == nil && rel != "." {
		repo.RelPath = filepath.ToSlash(rel)
	}
	if remote, err := gitOutput(ctx, root, "remote", "get-url", "origin"); err == nil {
		repo.Remote = remote
		if host, owner, name, err := parseRemoteURL(remote); err == nil {
			repo.Host, repo.Owner, repo.Name = host, owner, name
		}
	}
	if commit, err := gitOutput(ctx, root, "rev-parse", "HEAD"); err == nil {
		repo.Commit = commit
	}
	return repo, nil
}

// Scope identifies the repository, e.g. "github.com/owner/repo". Without a
// parsable remote it falls back to the work tree's directory name.
func (r *Repository) Scope() string {
	if r.Owner == "" {
		return filepath.Base(r.Root)
	}
	return fmt.Sprintf("%s/%s/%s", r.Host, r.Owner, r.Name)
}

// Extension is the repository context as an action extension value.
func (r *Repository) Extension() model.Bag {
	b := model.Bag{"repo": r.Scope()}
	if r.Remote != "" {
		b["remote"] = r.Remote
	}
	if r.Commit != "" {
		b["commit"] = r.Commit
	}
	if r.RelPath != "" {
		b["path"] = r.RelPath
	}
	return b
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...).Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// findRoot walks up from startPath to the directory holding .git. A .git
// file (worktrees, submodules) counts too.
func findRoot(startPath string) (string, error) {
	path := startPath
	for {
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			return path, nil
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", fmt.Errorf("not a git repository")
		}
		path = parent
	}
}

// parseRemoteURL splits a remote into host, owner and repository name.
// Supports both HTTPS and SSH formats:
// - https://github.com/owner/repo.git
// - git@github.com:owner/repo.git
// - ssh://git@gitlab.com/owner/repo.git
func parseRemoteURL(url string) (host, owner, repo string, err error) {
	url = strings.TrimSuffix(strings.TrimSpace(url), ".git")

	var path string
	switch {
	case strings.HasPrefix(url, "git@"):
		hostPath := strings.SplitN(strings.TrimPrefix(url, "git@"), ":", 2)
		if len(hostPath) != 2 {
			return "", "", "", fmt.Errorf("invalid SSH URL format: %s", url)
		}
		host, path = hostPath[0], hostPath[1]
	case strings.HasPrefix(url, "ssh://"), strings.HasPrefix(url, "https://"), strings.HasPrefix(url, "http://"):
		rest := url[strings.Index(url, "://")+3:]
		if at := strings.Index(rest, "@"); at >= 0 {
			rest = rest[at+1:]
		}
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", "", "", fmt.Errorf("invalid URL format: %s", url)
		}
		host, path = parts[0], parts[1]
	default:
		return "", "", "", fmt.Errorf("unsupported URL format: %s", url)
	}

	pathParts := strings.Split(path, "/")
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] == "" {
		return "", "", "", fmt.Errorf("invalid repository path: %s", path)
	}
	return host, pathParts[0], pathParts[1], nil
}
