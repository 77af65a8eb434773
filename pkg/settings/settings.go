// Package settings manages persistent user settings for the newtlife CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/newtron-network/newtlife/pkg/util"
)

// Settings holds persistent user preferences
type Settings struct {
	// Inventory is the inventory file used when -i is not specified
	Inventory string `json:"inventory,omitempty"`

	// LogDir overrides the default phase log directory
	LogDir string `json:"log_dir,omitempty"`

	// HistoryDB is the path of the SQLite run history
	HistoryDB string `json:"history_db,omitempty"`

	// RedisAddr mirrors live run state to Redis when set
	RedisAddr string `json:"redis_addr,omitempty"`

	// ScanConcurrency is the default number of parallel probes for scan
	ScanConcurrency int `json:"scan_concurrency,omitempty"`
}

// DefaultScanConcurrency is used when ScanConcurrency is unset.
const DefaultScanConcurrency = 256

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	return filepath.Join(HomeDir(), "settings.json")
}

// HomeDir returns the per-user newtlife directory.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".newtlife"
	}
	return filepath.Join(home, ".newtlife")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", util.ErrInvalidConfig, path, err)
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetLogDir returns the phase log directory (with fallback)
func (s *Settings) GetLogDir() string {
	if s.LogDir != "" {
		return s.LogDir
	}
	return filepath.Join(HomeDir(), "logs")
}

// GetHistoryDB returns the history database path (with fallback)
func (s *Settings) GetHistoryDB() string {
	if s.HistoryDB != "" {
		return s.HistoryDB
	}
	return filepath.Join(HomeDir(), "history.db")
}

// GetScanConcurrency returns the scan concurrency (with fallback)
func (s *Settings) GetScanConcurrency() int {
	if s.ScanConcurrency > 0 {
		return s.ScanConcurrency
	}
	return DefaultScanConcurrency
}

type field struct {
	get func(s *Settings) string
	set func(s *Settings, v string) error
}

var fields = map[string]field{
	"inventory": {
		get: func(s *Settings) string { return s.Inventory },
		set: func(s *Settings, v string) error { s.Inventory = v; return nil },
	},
	"log_dir": {
		get: func(s *Settings) string { return s.LogDir },
		set: func(s *Settings, v string) error { s.LogDir = v; return nil },
	},
	"history_db": {
		get: func(s *Settings) string { return s.HistoryDB },
		set: func(s *Settings, v string) error { s.HistoryDB = v; return nil },
	},
	"redis_addr": {
		get: func(s *Settings) string { return s.RedisAddr },
		set: func(s *Settings, v string) error { s.RedisAddr = v; return nil },
	},
	"scan_concurrency": {
		get: func(s *Settings) string {
			if s.ScanConcurrency == 0 {
				return ""
			}
			return strconv.Itoa(s.ScanConcurrency)
		},
		set: func(s *Settings, v string) error {
			if v == "" {
				s.ScanConcurrency = 0
				return nil
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("%w: scan_concurrency must be a positive integer, got %q", util.ErrInvalidConfig, v)
			}
			s.ScanConcurrency = n
			return nil
		},
	},
}

// Keys returns the settable keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the raw value of key.
func (s *Settings) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: unknown setting %q", util.ErrNotFound, key)
	}
	return f.get(s), nil
}

// Set assigns value to key. An empty value resets the key.
func (s *Settings) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: unknown setting %q", util.ErrNotFound, key)
	}
	return f.set(s, value)
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
