// Package workspace implements the single on-disk directory every component
// (including sub-agents) is allowed to write into. All paths resolve through
// canonicalization and a root-prefix check; symlinks are resolved before the
// check so a link pointing outside the root cannot be used to escape.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentience-labs/warden/pkg/metrics"
)

var (
	// ErrOutsideRoot indicates the resolved path escapes the workspace root.
	ErrOutsideRoot = errors.New("path resolves outside the workspace root")

	// ErrTooLarge indicates the content exceeds the per-file write cap.
	ErrTooLarge = errors.New("content exceeds the file size cap")
)

// Jail confines all writes to a canonicalized root directory.
type Jail struct {
	root     string // absolute, symlink-resolved
	maxBytes int64
}

// New creates the jail, creating the root directory if needed.
func New(root string, maxBytes int64) (*Jail, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("canonicalize workspace root: %w", err)
	}
	abs, err := filepath.Abs(canonical)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Jail{root: abs, maxBytes: maxBytes}, nil
}

// Root returns the canonical workspace root.
func (j *Jail) Root() string { return j.root }

// MaxFileBytes returns the per-file write cap.
func (j *Jail) MaxFileBytes() int64 { return j.maxBytes }

// Resolve canonicalizes root+rel and verifies the result stays under the
// root. Symlinks in the existing portion of the path are resolved before the
// prefix check. Returns the absolute target path.
func (j *Jail) Resolve(rel string) (string, error) {
	joined := filepath.Join(j.root, rel)

	// Lexical containment first — rejects "../" escapes even for paths that
	// do not exist yet.
	if !j.contains(joined) {
		metrics.IntegrityViolations.WithLabelValues("workspace_escape").Inc()
		return "", ErrOutsideRoot
	}

	// Resolve symlinks on the deepest existing ancestor so a link inside the
	// workspace cannot redirect the write outside it.
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", rel, err)
	}
	if !j.contains(resolved) {
		metrics.IntegrityViolations.WithLabelValues("workspace_escape").Inc()
		return "", ErrOutsideRoot
	}
	return joined, nil
}

// WriteFile writes content to rel inside the jail, enforcing the size cap and
// creating parent directories as needed.
func (j *Jail) WriteFile(rel string, content []byte) (string, error) {
	if int64(len(content)) > j.maxBytes {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(content), j.maxBytes)
	}
	target, err := j.Resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories for %q: %w", rel, err)
	}
	if err := os.WriteFile(target, content, 0o640); err != nil {
		return "", fmt.Errorf("write %q: %w", rel, err)
	}
	return target, nil
}

// contains reports whether path is the root or under it.
func (j *Jail) contains(path string) bool {
	clean := filepath.Clean(path)
	return clean == j.root || strings.HasPrefix(clean, j.root+string(filepath.Separator))
}

// resolveExisting resolves symlinks for the deepest existing ancestor of path
// and rejoins the non-existing remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err // hit the filesystem root without finding an existing ancestor
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}
