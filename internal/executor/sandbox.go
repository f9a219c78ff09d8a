package executor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Sandbox enforces that every filesystem path argument, after normalization,
// is a descendant of a configured root.
// The check compares cleaned, absolute paths through filepath.Rel, using the
// host platform's separator rules rather than any OS-specific root syntax.
type Sandbox struct {
	root string
}

// NewSandbox constructs a Sandbox rooted at root, which is cleaned and made
// absolute; a relative root resolves against the process working directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	return &Sandbox{root: filepath.Clean(abs)}, nil
}

// Contains reports whether path, once normalized, is the sandbox root or a
// descendant of it.
func (s *Sandbox) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Resolve validates path is within the sandbox and returns its cleaned
// absolute form, or an error if it escapes the root.
func (s *Sandbox) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	abs = filepath.Clean(abs)
	if !s.Contains(abs) {
		return "", fmt.Errorf("path %q escapes sandbox root %q", path, s.root)
	}
	return abs, nil
}

// Root returns the configured sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}
