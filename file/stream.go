// Package file implements the filesystem side of peerdrop transfers.
//
// This file implements sending and receiving a whole transfer frame: the
// file count followed by one header and payload per file.
package file

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/peerdrop/protocol"
	"github.com/opd-ai/peerdrop/transport"
)

// Summary describes a completed transfer frame.
type Summary struct {
	Files   []Entry
	Bytes   uint64
	Elapsed time.Duration
}

// SendOptions configures Send.
type SendOptions struct {
	OnProgress   ProgressFunc
	TimeProvider TimeProvider
}

// receivePrealloc caps the Files capacity reserved from a peer's file count.
const receivePrealloc = 1024

// ReceiveOptions configures Receive.
type ReceiveOptions struct {
	// AllowOverwrite permits replacing existing files. Without it a file
	// that already exists aborts the transfer with ErrFileExists.
	AllowOverwrite bool
	OnProgress     ProgressFunc
	TimeProvider   TimeProvider
}

func timeProviderOr(tp TimeProvider) TimeProvider {
	if tp == nil {
		return defaultTimeProvider
	}
	return tp
}

func newDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // only fails for oversized keys
	}
	return h
}

// Send writes a transfer frame carrying entries to conn. A local read failure
// wraps ErrIO; connection failures carry the transport error classes.
func Send(ctx context.Context, conn *transport.Conn, entries []Entry, opts SendOptions) (*Summary, error) {
	tp := timeProviderOr(opts.TimeProvider)
	start := tp.Now()

	if err := protocol.WriteFileCount(conn.WriterContext(ctx), len(entries)); err != nil {
		return nil, err
	}

	summary := &Summary{Files: make([]Entry, 0, len(entries))}
	for _, entry := range entries {
		sent, err := sendOne(ctx, conn, entry, tp, opts.OnProgress)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Send",
				"file_path":   entry.Path,
				"remote_addr": conn.RemoteAddr().String(),
				"error":       err.Error(),
			}).Warn("Failed to send file")
			return summary, err
		}
		summary.Files = append(summary.Files, sent)
		summary.Bytes += sent.Size
	}
	summary.Elapsed = tp.Since(start)

	logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"remote_addr": conn.RemoteAddr().String(),
		"files":       len(summary.Files),
		"bytes":       summary.Bytes,
	}).Info("Transfer frame sent")
	return summary, nil
}

func sendOne(ctx context.Context, conn *transport.Conn, entry Entry, tp TimeProvider, progress ProgressFunc) (Entry, error) {
	f, err := os.Open(entry.Abs)
	if err != nil {
		return entry, ioError("open", entry.Abs, err)
	}
	defer f.Close()

	if err := protocol.WriteFileHeader(conn.WriterContext(ctx), protocol.FileHeader{Path: entry.Path, Size: entry.Size}); err != nil {
		return entry, err
	}

	transfer := NewTransfer(entry.Path, entry.Size, TransferDirectionOutgoing)
	transfer.SetTimeProvider(tp)
	transfer.OnProgress(progress)
	transfer.Start()

	digest := newDigest()
	err = conn.SendFrom(ctx, io.TeeReader(f, digest), int64(entry.Size), transfer.Add)
	if errors.Is(err, transport.ErrSource) {
		err = fmt.Errorf("%w: %s changed while sending: %w", ErrIO, entry.Abs, err)
	}
	transfer.Finish(err)
	if err != nil {
		return entry, err
	}

	entry.Digest = hex.EncodeToString(digest.Sum(nil))
	return entry, nil
}

// Receive reads a transfer frame from conn and writes every file below root.
// Each file is written atomically: on any failure the file being received is
// discarded and files already committed are kept. A path that escapes root
// rejects the whole frame: files and directories this call created are
// removed again. Files replaced under AllowOverwrite keep their new content.
func Receive(ctx context.Context, conn *transport.Conn, root *Root, opts ReceiveOptions) (*Summary, error) {
	tp := timeProviderOr(opts.TimeProvider)
	start := tp.Now()
	r := conn.ReaderContext(ctx)

	count, err := protocol.ReadFileCount(r)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Files: make([]Entry, 0, min(count, receivePrealloc))}
	var created []string
	for i := 0; i < count; i++ {
		header, err := protocol.ReadFileHeader(r)
		if err != nil {
			return summary, err
		}

		entry, newPath, err := receiveOne(ctx, conn, root, header, opts, tp)
		if newPath != "" {
			created = append(created, newPath)
		}
		if err != nil {
			if errors.Is(err, ErrPathEscape) {
				rollback(root, created)
				summary.Files = summary.Files[:0]
				summary.Bytes = 0
			}
			logrus.WithFields(logrus.Fields{
				"function":    "Receive",
				"file_path":   header.Path,
				"remote_addr": conn.RemoteAddr().String(),
				"error":       err.Error(),
			}).Warn("Failed to receive file")
			return summary, err
		}
		summary.Files = append(summary.Files, entry)
		summary.Bytes += entry.Size
	}
	summary.Elapsed = tp.Since(start)

	logrus.WithFields(logrus.Fields{
		"function":    "Receive",
		"remote_addr": conn.RemoteAddr().String(),
		"root":        root.Dir(),
		"files":       len(summary.Files),
		"bytes":       summary.Bytes,
	}).Info("Transfer frame received")
	return summary, nil
}

// receiveOne receives a single file. It also returns the outermost path it
// created below root, or "" when it only replaced an existing file or wrote
// nothing.
func receiveOne(ctx context.Context, conn *transport.Conn, root *Root, header protocol.FileHeader, opts ReceiveOptions, tp TimeProvider) (Entry, string, error) {
	entry := Entry{Path: header.Path, Size: header.Size}
	if header.Size > math.MaxInt64 {
		return entry, "", fmt.Errorf("%w: file size %d out of range", protocol.ErrMalformedFrame, header.Size)
	}

	target, err := root.ResolveUpload(header.Path)
	if err != nil {
		return entry, "", err
	}
	if target == root.Dir() {
		return entry, "", escapeError(header.Path, "names the root itself")
	}

	// createdDir is the outermost directory MkdirAll adds; replaced is set
	// when target already exists.
	var createdDir string
	replaced := false
	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			return entry, "", ioError("write", header.Path, errors.New("target is a directory"))
		}
		if !opts.AllowOverwrite {
			return entry, "", &fs.PathError{Op: "write", Path: header.Path, Err: ErrFileExists}
		}
		replaced = true
	} else {
		createdDir = outermostMissingDir(root, filepath.Dir(target))
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return entry, createdDir, ioError("mkdir", filepath.Dir(header.Path), err)
	}

	w, err := createAtomic(target)
	if err != nil {
		return entry, createdDir, err
	}
	defer w.Abort()

	transfer := NewTransfer(header.Path, header.Size, TransferDirectionIncoming)
	transfer.SetTimeProvider(tp)
	transfer.OnProgress(opts.OnProgress)
	transfer.Start()

	digest := newDigest()
	err = conn.ReceiveTo(ctx, io.MultiWriter(w, digest), int64(header.Size), transfer.Add)
	if errors.Is(err, transport.ErrSink) {
		err = fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err == nil {
		err = w.Commit(opts.AllowOverwrite)
	}
	transfer.Finish(err)
	if err != nil {
		return entry, createdDir, err
	}

	entry.Abs = target
	entry.Digest = hex.EncodeToString(digest.Sum(nil))
	switch {
	case createdDir != "":
		return entry, createdDir, nil
	case replaced:
		return entry, "", nil
	default:
		return entry, target, nil
	}
}

// outermostMissingDir returns the outermost ancestor of dir, dir included,
// that does not exist yet below root, or "" when dir exists.
func outermostMissingDir(root *Root, dir string) string {
	var missing string
	for d := dir; d != root.Dir() && root.contains(d); d = filepath.Dir(d) {
		if _, err := os.Lstat(d); err == nil {
			break
		}
		missing = d
	}
	return missing
}

// rollback removes the paths a rejected frame created, newest first.
func rollback(root *Root, created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		if err := os.RemoveAll(created[i]); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "rollback",
				"root":      root.Dir(),
				"file_path": created[i],
				"error":     err.Error(),
			}).Warn("Failed to remove file of rejected transfer")
		}
	}
	if len(created) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "rollback",
			"root":     root.Dir(),
			"removed":  len(created),
		}).Info("Rolled back rejected transfer")
	}
}
