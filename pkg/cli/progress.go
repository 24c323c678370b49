package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const barWidth = 30

// Progress draws a single-line counter for batch commands such as
// reconcile. It is safe for concurrent use.
type Progress struct {
	mu    sync.Mutex
	w     io.Writer
	label string
	unit  string

	done, total int64
	since       time.Time
}

// NewProgress returns a Progress writing to w, or to stderr when w is nil.
func NewProgress(w io.Writer, label, unit string) *Progress {
	if w == nil {
		w = os.Stderr
	}
	return &Progress{w: w, label: orDefault(label, "Progress"), unit: orDefault(unit, "items")}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Start resets the counter. A zero total disables drawing.
func (p *Progress) Start(total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total, p.done, p.since = total, 0, time.Now()
	p.draw()
}

// Update sets the number of finished items. Values past total are clamped.
func (p *Progress) Update(done int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = min(done, p.total)
	p.draw()
}

// Finish draws the full bar and ends the line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = p.total
	p.draw()
	if p.total > 0 {
		fmt.Fprintln(p.w)
	}
}

// Error ends the line with err.
func (p *Progress) Error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "\nerror: %v\n", err)
}

func (p *Progress) draw() {
	if p.total <= 0 {
		return
	}
	frac := float64(p.done) / float64(p.total)
	n := int(frac * barWidth)

	var perSec float64
	if secs := time.Since(p.since).Seconds(); secs > 0 {
		perSec = float64(p.done) / secs
	}
	fmt.Fprintf(p.w, "\r%s: [%s%s] %3.0f%% (%d/%d) %.1f %s/s",
		p.label, strings.Repeat("#", n), strings.Repeat(".", barWidth-n),
		frac*100, p.done, p.total, perSec, p.unit)
}
