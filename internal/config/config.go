// Package config resolves the librarian's directories and tunables from the
// environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/librarian/internal/loader"
)

// File names under the DB directory.
const (
	LeaseFile  = "index.lock"
	PauseFile  = "index.pause"
	DBFile     = "library.db"
	ExportFile = "book_index.json"
	LogFile    = "librarian.log"
	YAMLFile   = "librarian.yaml"

	// OriginalsDirName holds archived copies of repaired documents.
	OriginalsDirName = "originals"
)

// Config holds all configuration values.
type Config struct {
	// Directories
	BooksDir string
	DBDir    string
	LogsDir  string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// ConfigFile is the YAML overlay path. A missing file is not an error.
	ConfigFile string

	// Overlay settings
	Loaders          map[string]loader.Spec
	Ghostscript      string
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	MaxFileSizeMB    int64
	HealthMemoryMB   float64
}

// fileConfig is the on-disk YAML shape.
type fileConfig struct {
	Loaders     map[string]loader.Spec `yaml:"loaders"`
	Ghostscript string                 `yaml:"ghostscript"`
	Limits      struct {
		MaxCPUPercent    float64 `yaml:"max_cpu_percent"`
		MaxMemoryPercent float64 `yaml:"max_memory_percent"`
	} `yaml:"limits"`
	MaxFileSizeMB  int64   `yaml:"max_file_size_mb"`
	HealthMemoryMB float64 `yaml:"health_memory_mb"`
}

// Load reads configuration from environment variables, then applies the YAML
// overlay if one exists. Relative paths are resolved against the working
// directory and a leading ~ is expanded.
func Load() (Config, error) {
	books, err := resolvePath(getEnv("LIBRARIAN_BOOKS_PATH", "books"))
	if err != nil {
		return Config{}, err
	}
	dbDir, err := resolvePath(getEnv("LIBRARIAN_DB_PATH", "library_db"))
	if err != nil {
		return Config{}, err
	}
	logs, err := resolvePath(getEnv("LIBRARIAN_LOGS_PATH", "logs"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BooksDir:         books,
		DBDir:            dbDir,
		LogsDir:          logs,
		LogFile:          getEnv("LIBRARIAN_LOG_FILE", filepath.Join(logs, LogFile)),
		LogLevel:         parseLogLevel(getEnv("LIBRARIAN_LOG_LEVEL", "INFO")),
		ConfigFile:       getEnv("LIBRARIAN_CONFIG", filepath.Join(dbDir, YAMLFile)),
		Loaders:          loader.DefaultSpecs(),
		Ghostscript:      "gs",
		MaxCPUPercent:    50,
		MaxMemoryPercent: 50,
		MaxFileSizeMB:    500,
		HealthMemoryMB:   8192,
	}

	if err := cfg.applyFile(cfg.ConfigFile); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDirs overrides the books and DB directories, typically from command-line
// flags. Empty values are ignored. Paths derived from the DB directory follow
// unless they were set explicitly.
func (c *Config) SetDirs(booksDir, dbDir string) error {
	if booksDir != "" {
		p, err := resolvePath(booksDir)
		if err != nil {
			return err
		}
		c.BooksDir = p
	}
	if dbDir != "" {
		p, err := resolvePath(dbDir)
		if err != nil {
			return err
		}
		moved := os.Getenv("LIBRARIAN_CONFIG") == "" && p != c.DBDir
		c.DBDir = p
		if moved {
			c.ConfigFile = filepath.Join(p, YAMLFile)
			return c.applyFile(c.ConfigFile)
		}
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	for ext, spec := range fc.Loaders {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Loaders[ext] = spec
	}
	if fc.Ghostscript != "" {
		c.Ghostscript = fc.Ghostscript
	}
	if fc.Limits.MaxCPUPercent > 0 {
		c.MaxCPUPercent = fc.Limits.MaxCPUPercent
	}
	if fc.Limits.MaxMemoryPercent > 0 {
		c.MaxMemoryPercent = fc.Limits.MaxMemoryPercent
	}
	if fc.MaxFileSizeMB > 0 {
		c.MaxFileSizeMB = fc.MaxFileSizeMB
	}
	if fc.HealthMemoryMB > 0 {
		c.HealthMemoryMB = fc.HealthMemoryMB
	}
	return nil
}

// LeasePath is the system-wide indexing lease file.
func (c Config) LeasePath() string { return filepath.Join(c.DBDir, LeaseFile) }

// PausePath is the sentinel whose presence pauses indexing.
func (c Config) PausePath() string { return filepath.Join(c.DBDir, PauseFile) }

// DBPath is the SQLite index database.
func (c Config) DBPath() string { return filepath.Join(c.DBDir, DBFile) }

// ExportPath is the JSON export of the index.
func (c Config) ExportPath() string { return filepath.Join(c.DBDir, ExportFile) }

// OriginalsDir holds backups of documents replaced by repair.
func (c Config) OriginalsDir() string { return filepath.Join(c.BooksDir, OriginalsDirName) }

// EnsureDirs creates the books, DB and logs directories.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.BooksDir, c.DBDir, c.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func resolvePath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", p, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return abs, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
