// Package phaselog persists per-phase diagnostic transcripts and per-run
// summary reports.
package phaselog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/newtron-network/newtlife/pkg/util"
)

// FileTimeFormat is the timestamp layout used in log file names.
const FileTimeFormat = "20060102-150405"

// Writer writes one file per (device, phase, timestamp) under Dir. Files
// are created exclusively and never rewritten.
type Writer struct {
	Dir string

	mu sync.Mutex
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir}
}

// WritePhaseLog implements pipeline.PhaseLogger.
func (w *Writer) WritePhaseLog(device, phase string, at time.Time, output string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}

	base := fmt.Sprintf("%s-%s-%s", util.SanitizeName(device), util.SanitizeName(phase), at.Format(FileTimeFormat))
	for i := 0; ; i++ {
		name := base + ".log"
		if i > 0 {
			name = fmt.Sprintf("%s.%d.log", base, i)
		}
		path := filepath.Join(w.Dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		header := fmt.Sprintf("# device: %s\n# phase: %s\n# time: %s\n\n", device, phase, at.Format(time.RFC3339))
		if _, err := f.WriteString(header + output); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
}
