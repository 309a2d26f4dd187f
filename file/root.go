// Package file implements the filesystem side of peerdrop transfers.
//
// This file implements Root, a directory that confines every path a peer
// can name.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// errDanglingLink marks a path component that is a symlink to nothing.
var errDanglingLink = errors.New("dangling symlink")

// Root is an absolute, symlink-free directory that served and received
// paths are confined to.
type Root struct {
	dir string
}

// NewRoot resolves dir to an absolute path without symlinks and checks it is
// an existing directory.
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotDirectory)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, ioError("resolve", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotDirectory, dir, err)
		}
		return nil, ioError("resolve", dir, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, ioError("stat", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewRoot",
		"dir":      resolved,
	}).Debug("Root directory resolved")

	return &Root{dir: resolved}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve maps a requested path to an absolute path inside the root. A
// leading "/" and the empty path both denote the root itself.
func (r *Root) Resolve(p string) (string, error) {
	return r.resolve(strings.TrimLeft(p, "/"), p)
}

// ResolveUpload maps a path received in a transfer frame to an absolute
// path inside the root. Such paths must be relative.
func (r *Root) ResolveUpload(p string) (string, error) {
	if p == "" {
		return "", escapeError(p, "is empty")
	}
	if strings.HasPrefix(p, "/") {
		return "", escapeError(p, "is absolute")
	}
	return r.resolve(p, p)
}

func (r *Root) resolve(rel, orig string) (string, error) {
	if rel == "" {
		return r.dir, nil
	}
	if strings.ContainsRune(rel, 0) || strings.ContainsRune(rel, '\\') {
		return "", escapeError(orig, "contains an invalid character")
	}

	local := filepath.FromSlash(rel)
	if filepath.VolumeName(local) != "" || !filepath.IsLocal(local) {
		return "", escapeError(orig, "leaves the root")
	}

	resolved, err := evalExisting(filepath.Join(r.dir, local))
	if err != nil {
		if errors.Is(err, errDanglingLink) {
			return "", escapeError(orig, "crosses a dangling symlink")
		}
		return "", ioError("resolve", orig, err)
	}
	if !r.contains(resolved) {
		logrus.WithFields(logrus.Fields{
			"function": "resolve",
			"path":     orig,
			"resolved": resolved,
			"root":     r.dir,
		}).Warn("Path escapes root through a symlink")
		return "", escapeError(orig, "resolves outside the root")
	}
	return resolved, nil
}

// contains reports whether the absolute path p lies within the root.
func (r *Root) contains(p string) bool {
	rel, err := filepath.Rel(r.dir, p)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}

// evalExisting evaluates symlinks in the longest existing prefix of p and
// appends the components that do not exist yet.
func evalExisting(p string) (string, error) {
	var missing []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s", errDanglingLink, cur)
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// CheckWritable reports whether new files can be created in the root.
func (r *Root) CheckWritable() error {
	if err := checkWritable(r.dir); err != nil {
		return ioError("access", r.dir, err)
	}
	return nil
}
