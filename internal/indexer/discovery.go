package indexer

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
	"github.com/ChamsBouzaiene/agentsessions/internal/store"
)

// DefaultRecentDays is the recent window used by scheduled refreshes.
const DefaultRecentDays = 3

// ScanMode selects how much of a source tree discovery enumerates.
type ScanMode struct {
	Recent bool
	Days   int // recent window in days; only meaningful when Recent
}

// ModeFull enumerates every file under a source root.
var ModeFull = ScanMode{}

// ModeRecent enumerates only files with activity inside the last days.
func ModeRecent(days int) ScanMode {
	if days <= 0 {
		days = DefaultRecentDays
	}
	return ScanMode{Recent: true, Days: days}
}

func (m ScanMode) String() string {
	if m.Recent {
		return "recent(" + strconv.Itoa(m.Days) + "d)"
	}
	return "full"
}

// SourceConfig describes one enabled source.
type SourceConfig struct {
	Source  session.Source
	Root    string
	Exclude []string // extra gitignore-style patterns, relative to Root
}

// ChangeKind classifies an enumerated candidate.
type ChangeKind int

const (
	ChangeNew ChangeKind = iota
	ChangeModified
)

func (k ChangeKind) String() string {
	if k == ChangeModified {
		return "changed"
	}
	return "new"
}

// Candidate is a file that needs (re)indexing.
type Candidate struct {
	Source      session.Source
	Path        string
	Fingerprint session.Fingerprint
	Kind        ChangeKind
}

// Discovery is the result of enumerating one source.
type Discovery struct {
	Source     session.Source
	Mode       ScanMode
	Changed    []Candidate     // new and changed, sorted by path
	Removed    []store.IndexRow // known rows whose file no longer exists
	Unchanged  int
	Considered int
	Errors     []SourceError
	Degraded   bool
}

func (d *Discovery) addError(path string, err error) {
	d.Errors = append(d.Errors, SourceError{Source: d.Source, Path: path, Err: err})
	d.Degraded = true
}

// layout describes the on-disk convention of a source.
type layout struct {
	// maxDepth is the deepest directory level that can hold session files.
	maxDepth int
	// dir reports whether the directory at parts should be descended into.
	dir func(parts []string) bool
	// file reports whether the file at parts is a session log.
	file func(parts []string) bool
	// datedDirs marks YYYY/MM/DD trees, which are narrowed by directory name.
	datedDirs bool
	ignores   []string
}

// DefaultIgnorePatterns are applied to every source.
var DefaultIgnorePatterns = []string{
	".DS_Store",
	"*.tmp",
	"*.swp",
}

var layouts = map[session.Source]layout{
	session.SourceClaude: {
		maxDepth: 1,
		file: func(p []string) bool {
			return len(p) == 2 && strings.HasSuffix(p[1], ".jsonl")
		},
		ignores: []string{"agent-*.jsonl"},
	},
	session.SourceCodex: {
		maxDepth: 3,
		file: func(p []string) bool {
			name := p[len(p)-1]
			return len(p) == 4 && strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, ".jsonl")
		},
		datedDirs: true,
	},
	session.SourceGemini: {
		maxDepth: 2,
		dir: func(p []string) bool {
			return len(p) < 2 || p[1] == "chats"
		},
		file: func(p []string) bool {
			name := p[len(p)-1]
			return len(p) == 3 && p[1] == "chats" && strings.HasPrefix(name, "session-") && strings.HasSuffix(name, ".json")
		},
	},
	session.SourceOpenCode: {
		maxDepth: 2,
		dir: func(p []string) bool {
			return p[0] == "session"
		},
		file: func(p []string) bool {
			name := p[len(p)-1]
			return len(p) == 3 && strings.HasPrefix(name, "ses_") && strings.HasSuffix(name, ".json")
		},
	},
	session.SourceCopilot: {
		maxDepth: 1,
		file: func(p []string) bool {
			switch len(p) {
			case 1:
				return strings.HasSuffix(p[0], ".jsonl")
			case 2:
				return p[1] == "events.jsonl"
			}
			return false
		},
	},
	session.SourceDroid: {
		maxDepth: 1,
		file: func(p []string) bool {
			return len(p) == 2 && strings.HasSuffix(p[1], ".jsonl")
		},
	},
}

// Discoverer enumerates source trees and classifies their files against the index.
type Discoverer struct {
	now func() time.Time
}

// NewDiscoverer creates a discoverer using the wall clock.
func NewDiscoverer() *Discoverer {
	return &Discoverer{now: time.Now}
}

// Discover walks one source root. Errors never abort the walk: unreadable subtrees are
// recorded in Errors and mark the result degraded.
func (dsc *Discoverer) Discover(ctx context.Context, src SourceConfig, mode ScanMode, known map[string]store.IndexRow) *Discovery {
	result := &Discovery{Source: src.Source, Mode: mode}

	lay, ok := layouts[src.Source]
	if !ok {
		result.addError(src.Root, errors.New("unsupported source"))
		return result
	}

	patterns := append(append(append([]string{}, DefaultIgnorePatterns...), lay.ignores...), src.Exclude...)
	matcher := gitignore.CompileIgnoreLines(patterns...)

	var cutoff time.Time
	var cutoffDay string
	if mode.Recent {
		cutoff = dsc.now().Add(-time.Duration(mode.Days) * 24 * time.Hour)
		cutoffDay = cutoff.Format("2006/01/02")
	}

	seen := make(map[string]bool)

	root := filepath.Clean(src.Root)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				// Agent not installed; every known row is checked below.
				return fs.SkipDir
			}
			if errors.Is(err, fs.ErrPermission) {
				log.Printf("⚠️  %s: cannot read %s: %v", src.Source, path, err)
				result.addError(path, permissionError(err))
			} else if !errors.Is(err, fs.ErrNotExist) {
				result.addError(path, err)
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		parts := strings.Split(rel, "/")

		if matcher.MatchesPath(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if len(parts) > lay.maxDepth {
				return fs.SkipDir
			}
			if lay.dir != nil && !lay.dir(parts) {
				return fs.SkipDir
			}
			if mode.Recent && lay.datedDirs && !dateDirInWindow(parts, cutoffDay) {
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || !lay.file(parts) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			if errors.Is(infoErr, fs.ErrNotExist) {
				// Vanished between readdir and stat; the removal check below handles known rows.
				return nil
			}
			if errors.Is(infoErr, fs.ErrPermission) {
				infoErr = permissionError(infoErr)
			}
			result.addError(path, infoErr)
			seen[path] = true
			return nil
		}

		if mode.Recent && !lay.datedDirs && info.ModTime().Before(cutoff) {
			return nil
		}

		seen[path] = true
		result.Considered++
		fp := session.FingerprintOf(info.Size(), info.ModTime())

		prev, isKnown := known[path]
		switch {
		case !isKnown:
			result.Changed = append(result.Changed, Candidate{Source: src.Source, Path: path, Fingerprint: fp, Kind: ChangeNew})
		case prev.Fingerprint() != fp:
			result.Changed = append(result.Changed, Candidate{Source: src.Source, Path: path, Fingerprint: fp, Kind: ChangeModified})
		default:
			result.Unchanged++
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.SkipDir) {
		result.addError(root, walkErr)
		// A cancelled walk has not seen everything, so nothing can be declared removed.
		return result
	}

	result.Removed = removedRows(known, seen)

	sort.Slice(result.Changed, func(i, j int) bool {
		return result.Changed[i].Path < result.Changed[j].Path
	})
	return result
}

// removedRows stats every known row that was not enumerated. Only a missing file counts
// as removed; rows outside the recent window or behind a permission error are kept.
func removedRows(known map[string]store.IndexRow, seen map[string]bool) []store.IndexRow {
	var removed []store.IndexRow
	for path, row := range known {
		if seen[path] {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			removed = append(removed, row)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].Path < removed[j].Path
	})
	return removed
}

// dateDirInWindow compares a partial YYYY[/MM[/DD]] directory path with the cutoff day.
// Directories that are not date components are always descended.
func dateDirInWindow(parts []string, cutoffDay string) bool {
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return true
		}
	}
	prefix := strings.Join(parts, "/")
	if len(prefix) > len(cutoffDay) {
		return true
	}
	return prefix >= cutoffDay[:len(prefix)]
}
