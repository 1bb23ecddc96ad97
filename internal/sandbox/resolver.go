// Package sandbox confines every user-supplied path to a single root
// directory. Resolution tracks two forms of each path: the logical form,
// built purely from string components so user-facing paths stay stable
// across symlinked directories, and the actual form with symlinks resolved,
// which is what real I/O must use.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Path is a resolved sandboxed location.
type Path struct {
	// Logical is the absolute path as the user requested it, relative to
	// root, with no symlinks followed.
	Logical string
	// Actual is the symlink-resolved location for filesystem operations.
	// Equal to Logical when the target does not exist yet.
	Actual string
}

// Resolver validates user paths against a sandbox root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at dir. The directory is created if
// missing and canonicalized so that containment checks compare resolved
// forms against a resolved root.
func NewResolver(dir string) (*Resolver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	log.Info().Str("root", root).Msg("sandbox root initialized")
	return &Resolver{root: root}, nil
}

// Root returns the canonical sandbox root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve turns a user-supplied path into a verified sandboxed location.
// Every rejection is types.ErrAccessDenied regardless of cause, so the
// error cannot be used as an oracle to distinguish traversal from symlink
// escape.
func (r *Resolver) Resolve(userPath string) (Path, error) {
	logical := r.root
	for _, component := range strings.Split(strings.TrimLeft(userPath, "/"), "/") {
		switch component {
		case "", ".":
			continue
		case "..":
			// Popping at root is always a rejection, even if later
			// components would bring the path back inside.
			if logical == r.root {
				return Path{}, types.ErrAccessDenied
			}
			logical = filepath.Dir(logical)
		default:
			logical = filepath.Join(logical, component)
		}
	}

	// Belt-and-suspenders prefix check on the purely lexical result.
	if !r.contains(logical) {
		return Path{}, types.ErrAccessDenied
	}

	actual := logical
	if _, err := os.Lstat(logical); err == nil {
		resolved, err := filepath.EvalSymlinks(logical)
		if err == nil {
			actual = resolved
		}
		// A symlink pointing outside the root fails containment here
		// even though the logical form passed.
		if !r.contains(actual) {
			return Path{}, types.ErrAccessDenied
		}
	}

	return Path{Logical: logical, Actual: actual}, nil
}

// CheckFilename validates a single path component used as a destination
// filename. Directory resolution approves one directory; a name that is
// empty, a dot entry, or carries a separator would re-route the final
// write somewhere else, so it is rejected with the same opaque error as
// any other escape.
func CheckFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return types.ErrAccessDenied
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return types.ErrAccessDenied
	}
	return nil
}

// Relative converts an absolute logical path back to the root-relative form
// reported to clients, always with a leading slash.
func (r *Resolver) Relative(p string) string {
	rel, err := filepath.Rel(r.root, p)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func (r *Resolver) contains(p string) bool {
	return p == r.root || strings.HasPrefix(p, r.root+string(os.PathSeparator))
}
