// Package fileserve implements path-confined file storage: traversal-safe
// path resolution, directory listing, streaming reads, and atomic
// temp-file-then-rename writes with a collision policy.
package fileserve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrTraversal is returned for any user path that would resolve outside the
// root directory. Always terminal for the request.
var ErrTraversal = errors.New("path escapes root directory")

// Guard resolves user-supplied relative paths against a fixed root and
// rejects escapes. The root never changes after construction.
type Guard struct {
	root string // canonical absolute path, symlinks resolved
}

// NewGuard canonicalizes root and returns a guard confined to it.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root %s: %w", abs, err)
	}
	return &Guard{root: canonical}, nil
}

// Root returns the canonical root directory.
func (g *Guard) Root() string {
	return g.root
}

// Resolve maps a user-supplied relative path to an absolute path under the
// root. It rejects parent-directory segments, absolute paths, and NUL bytes
// before touching the filesystem, then canonicalizes the result and
// re-checks the root prefix so a symlink inside the tree cannot point out
// of it.
func (g *Guard) Resolve(userPath string) (string, error) {
	if err := checkSyntax(userPath); err != nil {
		return "", err
	}

	joined := filepath.Join(g.root, filepath.FromSlash(userPath))

	// filepath.Join cleans the path; a crafted input could still collapse
	// onto the root's parent, so re-verify the prefix on the cleaned form.
	if !within(g.root, joined) {
		return "", fmt.Errorf("%w: %q", ErrTraversal, userPath)
	}

	// Canonicalize against symlinks. The target itself may not exist yet
	// (upload of a new file), so resolve the deepest existing ancestor and
	// re-attach the remainder.
	canonical, err := canonicalizeExisting(joined)
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", userPath, err)
	}
	if !within(g.root, canonical) {
		return "", fmt.Errorf("%w: %q", ErrTraversal, userPath)
	}

	return canonical, nil
}

// checkSyntax rejects obviously hostile inputs without any filesystem access.
func checkSyntax(userPath string) error {
	if strings.ContainsRune(userPath, 0) {
		return fmt.Errorf("%w: NUL byte in path", ErrTraversal)
	}
	if filepath.IsAbs(userPath) || strings.HasPrefix(userPath, "/") || strings.HasPrefix(userPath, `\`) {
		return fmt.Errorf("%w: absolute path %q", ErrTraversal, userPath)
	}
	for _, seg := range strings.FieldsFunc(userPath, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return fmt.Errorf("%w: parent segment in %q", ErrTraversal, userPath)
		}
	}
	return nil
}

// canonicalizeExisting resolves symlinks on the deepest existing ancestor of
// path and rejoins the non-existing remainder.
func canonicalizeExisting(path string) (string, error) {
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
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// within reports whether path equals root or sits strictly below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
