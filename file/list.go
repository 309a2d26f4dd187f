package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opd-ai/peerdrop/limits"
)

// Entry is one regular file taking part in a transfer.
type Entry struct {
	// Path is relative to the transfer base and slash separated.
	Path string
	// Abs is the local absolute path. It is empty for received files that
	// were not written.
	Abs  string
	Size uint64
	// Digest is the hex BLAKE2b-256 of the payload, set once the file has
	// been sent or received.
	Digest string
}

// List returns the files a Get request for p would transfer. p is resolved
// against the root first.
func (r *Root) List(p string) ([]Entry, error) {
	abs, err := r.Resolve(p)
	if err != nil {
		return nil, err
	}
	return ListPath(abs)
}

// ListPath returns the regular files below the directory p, relative to p and
// sorted by path, or a single entry named by its base name when p is a file.
// Symlinks and special files inside a directory are skipped. Missing paths
// yield an error wrapping fs.ErrNotExist.
func ListPath(p string) ([]Entry, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		return nil, ioError("stat", p, err)
	}

	if info.Mode().IsRegular() {
		return []Entry{{Path: filepath.Base(p), Abs: p, Size: uint64(info.Size())}}, nil
	}
	if !info.IsDir() {
		return nil, ioError("list", p, errors.New("not a regular file or directory"))
	}

	var entries []Entry
	err = filepath.WalkDir(p, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p, walkPath)
		if err != nil {
			return err
		}

		entries = append(entries, Entry{
			Path: filepath.ToSlash(rel),
			Abs:  walkPath,
			Size: uint64(fi.Size()),
		})
		return limits.ValidateFileCount(uint64(len(entries)))
	})
	if err != nil {
		if errors.Is(err, limits.ErrTooManyFiles) {
			return nil, err
		}
		return nil, ioError("walk", p, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// TotalSize returns the sum of the entry sizes.
func TotalSize(entries []Entry) uint64 {
	var total uint64
	for _, e := range entries {
		total += e.Size
	}
	return total
}
