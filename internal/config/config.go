package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for qmove.
type Config struct {
	WorkerID   string           `toml:"worker_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Control    ControlConfig    `toml:"control"`
	Boundaries []BoundaryConfig `toml:"boundaries"`
	Move       MoveConfig       `toml:"move"`
	Janitor    JanitorConfig    `toml:"janitor"`
	Queue      QueueConfig      `toml:"queue"`
	API        APIConfig        `toml:"api"`
}

// DatabaseConfig represents configuration for the task state store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ControlConfig selects the boundary control plane.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ControlConfig struct {
	Type string `toml:"type"` // "lustre" or "xattr"

	// Lustre-specific fields (only used when Type == "lustre")
	LFSPath string `toml:"lfs_path,omitempty"`
	Mount   string `toml:"mount,omitempty"`

	// Xattr-specific fields (only used when Type == "xattr")
	XattrPrefix string `toml:"xattr_prefix,omitempty"`
}

// BoundaryConfig describes one accounting boundary. Root is swept by the
// janitor; the limits are only consulted by the xattr control plane, which
// has no quota service of its own.
type BoundaryConfig struct {
	ID          string `toml:"id"`
	Root        string `toml:"root"`
	BytesLimit  int64  `toml:"bytes_limit,omitempty"`
	InodesLimit int64  `toml:"inodes_limit,omitempty"`
}

// MoveConfig tunes the move pipeline.
type MoveConfig struct {
	CapacityMarginPercent int      `toml:"capacity_margin_percent"`
	BlockTolerance        int64    `toml:"block_tolerance"`
	Fsync                 bool     `toml:"fsync"`
	ProgressInterval      Duration `toml:"progress_interval"`
	CancelPollInterval    Duration `toml:"cancel_poll_interval"`
}

// JanitorConfig controls the background artifact sweep.
type JanitorConfig struct {
	Interval  Duration `toml:"interval"`
	Staleness Duration `toml:"staleness"`
}

// QueueConfig selects how submitted moves are dispatched to workers.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type QueueConfig struct {
	Type string `toml:"type"` // "inline" or "asynq"

	// Asynq-specific fields (only used when Type == "asynq")
	RedisAddr     string   `toml:"redis_addr,omitempty"`
	RedisPassword string   `toml:"redis_password,omitempty"`
	RedisDB       int      `toml:"redis_db,omitempty"`
	Queue         string   `toml:"queue,omitempty"`
	Concurrency   int      `toml:"concurrency,omitempty"`
	MaxRetry      int      `toml:"max_retry,omitempty"`
	Timeout       Duration `toml:"timeout,omitempty"`
}

// APIConfig controls the read-only status server started by the worker.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Duration is a time.Duration that encodes as a string such as "10m".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(workerID, baseDir string) *Config {
	cfg := defaults()
	cfg.WorkerID = workerID
	cfg.BaseDir = baseDir
	cfg.LogDir = filepath.Join(baseDir, "log")
	cfg.Database.DataDir = filepath.Join(baseDir, "db")
	return &cfg
}

// defaults returns the settings that do not depend on a base directory. Read
// decodes on top of them, so a file only needs the keys it changes.
func defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Type: "sqlite",
		},
		Control: ControlConfig{
			Type:    "lustre",
			LFSPath: "lfs",
		},
		Move: MoveConfig{
			CapacityMarginPercent: 10,
			BlockTolerance:        8,
			Fsync:                 true,
			ProgressInterval:      Duration{time.Second},
			CancelPollInterval:    Duration{2 * time.Second},
		},
		Janitor: JanitorConfig{
			Interval:  Duration{10 * time.Minute},
			Staleness: Duration{time.Hour},
		},
		Queue: QueueConfig{
			Type: "inline",
		},
		API: APIConfig{
			Addr: "127.0.0.1:9470",
		},
	}
}

// BoundaryRoots returns the root of every configured boundary.
func (c *Config) BoundaryRoots() []string {
	roots := make([]string, 0, len(c.Boundaries))
	for _, b := range c.Boundaries {
		if b.Root != "" {
			roots = append(roots, b.Root)
		}
	}
	return roots
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Keys missing from the
// input keep their defaults; keys present, including explicit zeros, win.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := defaults()
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
