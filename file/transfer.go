// Package file implements the filesystem side of peerdrop transfers.
//
// This file implements per-file progress tracking shared by the sending and
// receiving side of a transfer frame.
package file

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferDirectionIncoming represents a file being received.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing represents a file being sent.
	TransferDirectionOutgoing
)

// String returns the string representation of the TransferDirection
func (d TransferDirection) String() string {
	if d == TransferDirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// TransferState represents the current state of a file transfer.
type TransferState uint8

const (
	// TransferStatePending indicates the transfer is waiting to start.
	TransferStatePending TransferState = iota
	// TransferStateRunning indicates the transfer is in progress.
	TransferStateRunning
	// TransferStateCompleted indicates the transfer has finished successfully.
	TransferStateCompleted
	// TransferStateError indicates the transfer failed due to an error.
	TransferStateError
)

// String returns the string representation of the TransferState
func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateRunning:
		return "running"
	case TransferStateCompleted:
		return "completed"
	case TransferStateError:
		return "error"
	default:
		return "unknown"
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Progress is a snapshot of one file transfer.
type Progress struct {
	Path        string
	Direction   TransferDirection
	Size        uint64
	Transferred uint64
	// Speed is in bytes per second.
	Speed float64
	Done  bool
}

// Percent returns the completed share of the file in percent.
func (p Progress) Percent() float64 {
	if p.Size == 0 {
		if p.Done {
			return 100
		}
		return 0
	}
	return float64(p.Transferred) / float64(p.Size) * 100.0
}

// ProgressFunc receives progress snapshots. It is called from the goroutine
// running the transfer.
type ProgressFunc func(Progress)

// Transfer tracks the progress of a single file.
type Transfer struct {
	Path      string
	Direction TransferDirection
	Size      uint64

	mu               sync.Mutex
	state            TransferState
	transferred      uint64
	startTime        time.Time
	lastChunkTime    time.Time
	transferSpeed    float64 // bytes per second
	err              error
	timeProvider     TimeProvider
	progressCallback ProgressFunc
}

// NewTransfer creates a pending transfer for the file at path.
func NewTransfer(path string, size uint64, direction TransferDirection) *Transfer {
	tp := defaultTimeProvider
	return &Transfer{
		Path:          path,
		Direction:     direction,
		Size:          size,
		state:         TransferStatePending,
		lastChunkTime: tp.Now(),
		timeProvider:  tp,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
// Also resets lastChunkTime to the new provider's current time.
func (t *Transfer) SetTimeProvider(tp TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = tp
	t.lastChunkTime = tp.Now()
}

// OnProgress sets a callback function to be called when progress updates.
// This method is safe for concurrent use.
func (t *Transfer) OnProgress(callback ProgressFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressCallback = callback
}

// Start marks the transfer as running.
func (t *Transfer) Start() {
	t.mu.Lock()
	t.state = TransferStateRunning
	t.startTime = t.timeProvider.Now()
	t.lastChunkTime = t.startTime
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"file_path": t.Path,
		"file_size": t.Size,
		"direction": t.Direction.String(),
	}).Debug("File transfer started")
}

// Add records n more bytes moved and notifies the progress callback.
func (t *Transfer) Add(n int) {
	t.mu.Lock()
	t.transferred += uint64(n)
	t.updateTransferSpeed(uint64(n))
	cb := t.progressCallback
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// Finish marks the transfer as completed, or failed when err is non-nil.
func (t *Transfer) Finish(err error) {
	t.mu.Lock()
	if err != nil {
		t.state = TransferStateError
		t.err = err
	} else {
		t.state = TransferStateCompleted
	}
	cb := t.progressCallback
	snapshot := t.snapshotLocked()
	elapsed := t.timeProvider.Since(t.startTime)
	t.mu.Unlock()

	fields := logrus.Fields{
		"function":    "Finish",
		"file_path":   t.Path,
		"direction":   t.Direction.String(),
		"transferred": snapshot.Transferred,
		"elapsed":     elapsed.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Debug("File transfer failed")
		return
	}
	logrus.WithFields(fields).Debug("File transfer completed")

	if cb != nil {
		cb(snapshot)
	}
}

// updateTransferSpeed calculates the current transfer speed. Callers hold t.mu.
func (t *Transfer) updateTransferSpeed(chunkSize uint64) {
	now := t.timeProvider.Now()
	duration := t.timeProvider.Since(t.lastChunkTime).Seconds()

	if duration > 0 {
		instantSpeed := float64(chunkSize) / duration

		// Exponential moving average with alpha = 0.3
		if t.transferSpeed == 0 {
			t.transferSpeed = instantSpeed
		} else {
			t.transferSpeed = 0.7*t.transferSpeed + 0.3*instantSpeed
		}
	}

	t.lastChunkTime = now
}

func (t *Transfer) snapshotLocked() Progress {
	return Progress{
		Path:        t.Path,
		Direction:   t.Direction,
		Size:        t.Size,
		Transferred: t.transferred,
		Speed:       t.transferSpeed,
		Done:        t.state == TransferStateCompleted,
	}
}

// Snapshot returns the current progress.
func (t *Transfer) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// State returns the current transfer state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error the transfer failed with, if any.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// GetProgress returns the current progress of the transfer as a percentage.
func (t *Transfer) GetProgress() float64 {
	return t.Snapshot().Percent()
}

// GetSpeed returns the current transfer speed in bytes per second.
func (t *Transfer) GetSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferSpeed
}

// GetEstimatedTimeRemaining returns the estimated time remaining for the transfer.
func (t *Transfer) GetEstimatedTimeRemaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TransferStateRunning || t.transferSpeed <= 0 || t.transferred >= t.Size {
		return 0
	}

	bytesRemaining := t.Size - t.transferred
	secondsRemaining := float64(bytesRemaining) / t.transferSpeed

	return time.Duration(secondsRemaining * float64(time.Second))
}
