package file

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// atomicWriter writes a file under a temporary name in the target directory
// and renames it into place on Commit. Readers never observe a partial file.
type atomicWriter struct {
	f      *os.File
	target string
	done   bool
}

func createAtomic(target string) (*atomicWriter, error) {
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".peerdrop-*")
	if err != nil {
		return nil, ioError("create", target, err)
	}
	return &atomicWriter{f: f, target: target}, nil
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit flushes the temporary file and renames it over the target. Unless
// overwrite is set, an existing target fails with ErrFileExists.
func (w *atomicWriter) Commit(overwrite bool) error {
	if w.done {
		return errors.New("atomic writer already finished")
	}

	if err := w.f.Chmod(0o644); err != nil {
		w.Abort()
		return ioError("chmod", w.target, err)
	}
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return ioError("sync", w.target, err)
	}
	if err := w.f.Close(); err != nil {
		w.Abort()
		return ioError("close", w.target, err)
	}

	if !overwrite {
		if _, err := os.Lstat(w.target); err == nil {
			w.Abort()
			return &fs.PathError{Op: "commit", Path: w.target, Err: ErrFileExists}
		}
	}

	if err := os.Rename(w.f.Name(), w.target); err != nil {
		w.Abort()
		return ioError("rename", w.target, err)
	}
	w.done = true
	return nil
}

// Abort discards the temporary file. It is safe to call after Commit.
func (w *atomicWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function":  "Abort",
			"temp_file": w.f.Name(),
			"error":     err.Error(),
		}).Warn("Failed to remove temporary file")
	}
}
