package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/newtron-network/newtlife/pkg/util"
)

// Logger defines the interface for audit logging backends
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// RotationConfig configures log file rotation. Rotated files are numbered
// audit.log.1 (newest) through audit.log.<MaxBackups>.
type RotationConfig struct {
	MaxSize    int64 // bytes; 0 disables rotation
	MaxBackups int   // 0 keeps every rotated file
}

// maxLine bounds a single audit record; phase messages can carry device output.
const maxLine = 1 << 20

// FileLogger appends events as JSON lines and queries across rotated files.
type FileLogger struct {
	path     string
	rotation RotationConfig

	mu   sync.RWMutex
	file *os.File
	size int64
}

// NewFileLogger opens (or creates) the audit log at path.
func NewFileLogger(path string, rotation RotationConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	l := &FileLogger{path: path, rotation: rotation}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("opening audit log: %w", err)
	}
	l.file, l.size = f, info.Size()
	return nil
}

// Log appends one event, rotating first when the file has reached MaxSize.
func (l *FileLogger) Log(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}
	if l.rotation.MaxSize > 0 && l.size >= l.rotation.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotating audit log: %w", err)
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	return err
}

// Query returns matching events newest first, reading rotated files too.
// Offset and Limit apply after filtering.
func (l *FileLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var events []*Event
	for _, path := range append(l.backups(), l.path) {
		err := readEvents(path, func(e *Event) {
			if filter.matches(e) {
				events = append(events, e)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(events) {
			return nil, nil
		}
		events = events[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(events) {
		events = events[:filter.Limit]
	}
	return events, nil
}

// Close closes the log file. Later Log calls fail.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func readEvents(path string, fn func(*Event)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			util.Warnf("audit: skipping malformed entry %s:%d: %v", filepath.Base(path), line, err)
			continue
		}
		fn(&e)
	}
	return sc.Err()
}

func (f Filter) matches(e *Event) bool {
	switch {
	case f.Device != "" && e.Device != f.Device,
		f.Workflow != "" && e.Workflow != f.Workflow,
		f.RunID != "" && e.RunID != f.RunID,
		f.Type != "" && e.Type != f.Type,
		!f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime),
		!f.EndTime.IsZero() && e.Timestamp.After(f.EndTime),
		f.SuccessOnly && !e.Success,
		f.FailureOnly && e.Success:
		return false
	}
	return true
}

// backups lists rotated files oldest first.
func (l *FileLogger) backups() []string {
	var out []string
	for i := l.highestBackup(); i >= 1; i-- {
		p := l.backupPath(i)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (l *FileLogger) backupPath(n int) string {
	return l.path + "." + strconv.Itoa(n)
}

func (l *FileLogger) highestBackup() int {
	matches, _ := filepath.Glob(l.path + ".*")
	high := 0
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimPrefix(m, l.path+"."))
		if err == nil && n > high {
			high = n
		}
	}
	return high
}

// rotate shifts audit.log.N to audit.log.N+1, dropping anything past
// MaxBackups, then moves the live file to audit.log.1.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	high := l.highestBackup()
	for i := high; i >= 1; i-- {
		if l.rotation.MaxBackups > 0 && i >= l.rotation.MaxBackups {
			os.Remove(l.backupPath(i))
			continue
		}
		if err := os.Rename(l.backupPath(i), l.backupPath(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(l.path, l.backupPath(1)); err != nil {
		return err
	}
	return l.open()
}
