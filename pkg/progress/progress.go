// Package progress renders a single-line upload progress bar on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// Bar tracks files and bytes done out of a known total. It is safe for
// concurrent use by upload workers. A disabled Bar renders nothing.
type Bar struct {
	mu          sync.Mutex
	writer      io.Writer
	op          string
	totalFiles  int
	totalBytes  int64
	doneFiles   int
	doneBytes   int64
	failed      int
	lastLineLen int
	enabled     bool
}

// New creates a bar writing to w.
func New(w io.Writer, op string, totalFiles int, totalBytes int64, enabled bool) *Bar {
	return &Bar{
		writer:     w,
		op:         op,
		totalFiles: totalFiles,
		totalBytes: totalBytes,
		enabled:    enabled,
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Advance records one finished file. bytes counts only for successes.
func (b *Bar) Advance(ok bool, bytes int64, message string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doneFiles++
	if ok {
		b.doneBytes += bytes
	} else {
		b.failed++
	}
	if b.enabled {
		b.render(message)
	}
}

// Done draws the final state and ends the line.
func (b *Bar) Done() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return
	}
	b.render("")
	fmt.Fprintln(b.writer)
}

// Line returns the current bar text without terminal control characters.
func (b *Bar) Line() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.line("")
}

func (b *Bar) render(message string) {
	clear := "\r"
	if b.lastLineLen > 0 {
		clear = "\r" + strings.Repeat(" ", b.lastLineLen) + "\r"
	}
	line := b.line(message)
	fmt.Fprint(b.writer, clear+line)
	b.lastLineLen = len(line)
}

func (b *Bar) line(message string) string {
	total := b.totalFiles
	if total <= 0 {
		total = 1
	}
	const barWidth = 30
	filled := barWidth * b.doneFiles / total
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	line := fmt.Sprintf("%s [%s] %d/%d %s/%s", b.op, bar, b.doneFiles, b.totalFiles,
		humanize.IBytes(uint64(b.doneBytes)), humanize.IBytes(uint64(b.totalBytes)))
	if b.failed > 0 {
		line += fmt.Sprintf(" (%d failed)", b.failed)
	}
	if message != "" {
		line += " " + message
	}
	return line
}
