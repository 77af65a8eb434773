package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
)

// Bytes renders n as a human-readable size ("42 MB").
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// TransferProgress prints one line per label each time a transfer crosses
// another Step percent, plus one at completion.
type TransferProgress struct {
	W    io.Writer
	Step int

	mu   sync.Mutex
	last map[string]int
}

// NewTransferProgress reports to w every step percent.
func NewTransferProgress(w io.Writer, step int) *TransferProgress {
	if step <= 0 || step > 100 {
		step = 10
	}
	return &TransferProgress{W: w, Step: step, last: make(map[string]int)}
}

// Update records done of total bytes for label.
func (p *TransferProgress) Update(label string, done, total int64) {
	if total <= 0 {
		return
	}
	pct := int(done * 100 / total)
	bucket := pct / p.Step * p.Step

	p.mu.Lock()
	defer p.mu.Unlock()
	prev, seen := p.last[label]
	if seen && bucket <= prev {
		return
	}
	if !seen && bucket == 0 {
		p.last[label] = 0
		return
	}
	p.last[label] = bucket
	fmt.Fprintf(p.W, "  %s: %s / %s (%d%%)\n", label, Bytes(done), Bytes(total), pct)
}
