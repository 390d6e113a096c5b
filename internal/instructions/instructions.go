// Package instructions loads the layered AGENTS.md/CLAUDE.md instruction
// files that feed the system prompt's "instructions" slot.
package instructions

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const separator = "\n\n---\n\n"

// cachedFile remembers a file's content alongside the mtime it was read
// at, so repeated loads only re-read from disk when the file changed.
type cachedFile struct {
	path    string
	content string
	modTime time.Time
	ok      bool // false if the file didn't exist or was empty
}

// Loader loads and caches the three instruction layers: user-global,
// XDG-style cross-tool global, and project-local.
type Loader struct {
	projectDir string

	mu    sync.Mutex
	cache map[string]cachedFile
}

// New builds a Loader rooted at projectDir (typically the working
// directory of the current session).
func New(projectDir string) *Loader {
	return &Loader{projectDir: projectDir, cache: make(map[string]cachedFile)}
}

// LoadAll concatenates every present, non-empty layer with a horizontal
// rule separator, in order: user-global, cross-tool global, project.
// Returns ("", false) if no layer contributed anything.
func (l *Loader) LoadAll() (string, bool) {
	var parts []string
	for _, path := range l.layerPaths() {
		if content, ok := l.loadCached(path); ok {
			parts = append(parts, content)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, separator), true
}

// Stale reports whether any cached layer's on-disk mtime has moved past
// what was last read, which callers use to invalidate dependent caches
// (e.g. a rendered system prompt).
func (l *Loader) Stale() bool {
	for _, path := range l.layerPaths() {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		l.mu.Lock()
		cached, seen := l.cache[path]
		l.mu.Unlock()
		if !seen || info.ModTime().After(cached.modTime) {
			return true
		}
	}
	return false
}

func (l *Loader) layerPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".ion", "AGENTS.md"))
	}
	paths = append(paths, l.globalConfigPath())
	paths = append(paths, l.projectPath())
	return paths
}

func (l *Loader) globalConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agents", "AGENTS.md")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agents", "AGENTS.md")
}

// projectPath prefers AGENTS.md, falling back to CLAUDE.md.
func (l *Loader) projectPath() string {
	agents := filepath.Join(l.projectDir, "AGENTS.md")
	if _, err := os.Stat(agents); err == nil {
		return agents
	}
	return filepath.Join(l.projectDir, "CLAUDE.md")
}

// loadCached reads path, using the mtime-keyed cache when the file is
// unchanged. Read failures and empty-after-trim files are treated as
// "not present" rather than errors: a missing layer is simply skipped.
func (l *Loader) loadCached(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	l.mu.Lock()
	cached, seen := l.cache[path]
	l.mu.Unlock()
	if seen && !info.ModTime().After(cached.modTime) {
		return cached.content, cached.ok
	}

	raw, err := os.ReadFile(path)
	entry := cachedFile{path: path, modTime: info.ModTime()}
	if err == nil {
		trimmed := strings.TrimSpace(string(raw))
		if trimmed != "" {
			entry.content = trimmed
			entry.ok = true
		}
	}

	l.mu.Lock()
	l.cache[path] = entry
	l.mu.Unlock()

	return entry.content, entry.ok
}
