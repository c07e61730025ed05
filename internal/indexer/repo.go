package indexer

import (
	"os"
	"path/filepath"
	"sync"
)

// RepoResolver derives a repository name from a session's working directory.
// It walks up to the nearest directory containing .git and falls back to the
// basename of the directory itself. Results are cached per cwd.
type RepoResolver struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewRepoResolver creates an empty resolver.
func NewRepoResolver() *RepoResolver {
	return &RepoResolver{cache: make(map[string]string)}
}

// Resolve returns the repository name for cwd, or "" when cwd is empty.
func (r *RepoResolver) Resolve(cwd string) string {
	if cwd == "" {
		return ""
	}
	cwd = filepath.Clean(cwd)

	r.mu.Lock()
	name, ok := r.cache[cwd]
	r.mu.Unlock()
	if ok {
		return name
	}

	name = filepath.Base(cwd)
	if root, found := findGitRoot(cwd); found {
		name = filepath.Base(root)
	}

	r.mu.Lock()
	r.cache[cwd] = name
	r.mu.Unlock()
	return name
}

// findGitRoot walks up from dir looking for a .git entry (directory or worktree file).
func findGitRoot(dir string) (string, bool) {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
