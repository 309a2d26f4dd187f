package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/opd-ai/peerdrop/file"
)

const progressInterval = 150 * time.Millisecond

// progressPrinter redraws a single status line for the file in transfer.
type progressPrinter struct {
	w io.Writer

	mu        sync.Mutex
	lastLen   int
	lastPrint time.Time
}

// newProgressPrinter returns a printer writing to w, or nil when w is not a
// terminal.
func newProgressPrinter(w io.Writer) *progressPrinter {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return &progressPrinter{w: w}
}

// update implements file.ProgressFunc.
func (p *progressPrinter) update(progress file.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !progress.Done && now.Sub(p.lastPrint) < progressInterval {
		return
	}
	p.lastPrint = now

	line := formatProgress(progress)
	padded := line
	if len(line) < p.lastLen {
		padded += strings.Repeat(" ", p.lastLen-len(line))
	}
	if progress.Done {
		fmt.Fprintf(p.w, "\r%s\r", strings.Repeat(" ", len(padded)))
		p.lastLen = 0
		return
	}
	fmt.Fprintf(p.w, "\r%s", padded)
	p.lastLen = len(line)
}

func formatProgress(p file.Progress) string {
	return fmt.Sprintf("%s %s / %s (%.f%%) %s/s", p.Path, humanBytes(p.Transferred),
		humanBytes(p.Size), p.Percent(), humanBytes(uint64(p.Speed)))
}

// humanBytes formats b with a binary unit prefix.
func humanBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
}
