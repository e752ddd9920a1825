// Package config loads and persists the on-disk defaults for new Session
// Options (dimensions, backend selection, WinPTY agent tuning). It mirrors
// the teacher's config layer: temp-file-plus-rename atomic writes, a path
// traversal guard, and a bounded file read, all driven by go.yaml.in/yaml/v3.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ptysession/ptysession"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle quickly.
	// Use a short linear backoff: baseDelay * (1..maxRenameRetry).
	renameRetryBaseDelay = 10 * time.Millisecond
)

// defaultConfigDirFn is a test seam; tests override it to simulate
// directory-resolution failures in validateConfigPath.
var defaultConfigDirFn = defaultConfigDir
var userHomeDirFn = os.UserHomeDir

// Defaults is the on-disk shape of default Session Options. Zero fields are
// filled from ptysession.DefaultOptions() by applyDefaultsAndValidate.
type Defaults struct {
	Cols         int    `yaml:"cols"`
	Rows         int    `yaml:"rows"`
	Backend      string `yaml:"backend"` // "conpty" or "winpty"
	MouseMode    string `yaml:"mouse_mode"` // "none", "auto", or "force"
	AgentTimeout string `yaml:"agent_timeout"` // time.ParseDuration syntax, e.g. "3s"
	AgentFlags   []string `yaml:"agent_flags"` // "color-escapes", "allow-desktop-creation"
	AgentDLLPath string `yaml:"agent_dll_path,omitempty"`
}

var allowedBackends = map[string]ptysession.Backend{
	"conpty": ptysession.ConPTY,
	"winpty": ptysession.WinPTY,
}

var allowedMouseModes = map[string]ptysession.MouseMode{
	"none":  ptysession.MouseModeNone,
	"auto":  ptysession.MouseModeAuto,
	"force": ptysession.MouseModeForce,
}

var allowedAgentFlags = map[string]ptysession.AgentFlags{
	"color-escapes":          ptysession.AgentFlagColorEscapes,
	"allow-desktop-creation": ptysession.AgentFlagAllowDesktopCreation,
}

// DefaultDefaults returns the Defaults matching ptysession.DefaultOptions().
func DefaultDefaults() Defaults {
	opts := ptysession.DefaultOptions()
	return Defaults{
		Cols:         opts.Cols,
		Rows:         opts.Rows,
		Backend:      "conpty",
		MouseMode:    "auto",
		AgentTimeout: opts.AgentTimeout.String(),
	}
}

// DefaultPath resolves the config file path, preferring LOCALAPPDATA over
// APPDATA, falling back to ~/.config when both are unset, and then to
// os.TempDir() if the home directory cannot be resolved.
// The temp-dir fallback is not a stable persistence location and may vary
// between sessions depending on environment configuration.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("LOCALAPPDATA"))
	if base == "" {
		base = strings.TrimSpace(os.Getenv("APPDATA"))
	}
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "ptyhostd", "config.yaml")
}

// Load reads the defaults file. If it does not exist, DefaultDefaults is
// returned.
func Load(path string) (Defaults, error) {
	cfg := DefaultDefaults()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultDefaults(), err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes the defaults file if missing and returns the loaded
// Defaults.
func EnsureFile(path string) (Defaults, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Save validates cfg, normalizes path, and atomically writes the YAML
// encoding to disk.
func Save(path string, cfg Defaults) (Defaults, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", path)
	return cfg, nil
}

// ToOptions converts Defaults into ptysession.Options, suitable as the base
// for a per-session override.
func ToOptions(cfg Defaults) (ptysession.Options, error) {
	opts := ptysession.DefaultOptions()
	opts.Cols = cfg.Cols
	opts.Rows = cfg.Rows

	backend, ok := allowedBackends[strings.ToLower(cfg.Backend)]
	if !ok {
		return opts, fmt.Errorf("config: unknown backend %q", cfg.Backend)
	}
	opts.Backend = backend

	mouseMode, ok := allowedMouseModes[strings.ToLower(cfg.MouseMode)]
	if !ok {
		return opts, fmt.Errorf("config: unknown mouse_mode %q", cfg.MouseMode)
	}
	opts.MouseMode = mouseMode

	if cfg.AgentTimeout != "" {
		d, err := time.ParseDuration(cfg.AgentTimeout)
		if err != nil {
			return opts, fmt.Errorf("config: invalid agent_timeout: %w", err)
		}
		opts.AgentTimeout = d
	}

	var flags ptysession.AgentFlags
	for _, name := range cfg.AgentFlags {
		flag, ok := allowedAgentFlags[strings.ToLower(name)]
		if !ok {
			return opts, fmt.Errorf("config: unknown agent_flags entry %q", name)
		}
		flags |= flag
	}
	opts.AgentFlags = flags
	opts.AgentDLLPath = cfg.AgentDLLPath

	return opts, opts.Validate()
}

// atomicWrite writes config data using temp-file + rename to avoid partial
// writes and retries rename on Windows to tolerate transient file locks.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[WARN-CONFIG] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[WARN-CONFIG] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

// validateConfigPath normalizes path and enforces that config writes stay
// inside the default config directory when that directory is resolvable.
func validateConfigPath(path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("config path required")
	}
	absolutePath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return "", fmt.Errorf("save config: resolve path: %w", err)
	}

	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	absoluteExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	if !pathWithinDir(absolutePath, absoluteExpectedDir) {
		return "", fmt.Errorf("save config: path outside config directory: %q", absolutePath)
	}

	return absolutePath, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

// pathWithinDir blocks directory traversal by ensuring path is under dir.
// It also rejects Windows cross-drive escapes because filepath.Rel returns
// an absolute path when roots differ.
func pathWithinDir(path string, dir string) bool {
	relativePath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if relativePath == "." {
		return true
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(relativePath)
}

// applyDefaultsAndValidate fills missing fields from DefaultDefaults and
// validates cfg in-place. Used by both Load and Save so the two paths stay
// consistent.
func applyDefaultsAndValidate(cfg *Defaults) error {
	defaults := DefaultDefaults()
	if isZeroDefaults(*cfg) {
		*cfg = defaults
		return nil
	}
	if cfg.Cols <= 0 {
		cfg.Cols = defaults.Cols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = defaults.Rows
	}
	if cfg.Backend == "" {
		cfg.Backend = defaults.Backend
	}
	if cfg.MouseMode == "" {
		cfg.MouseMode = defaults.MouseMode
	}
	if cfg.AgentTimeout == "" {
		cfg.AgentTimeout = defaults.AgentTimeout
	}
	if _, err := ToOptions(*cfg); err != nil {
		return err
	}
	return nil
}

func isZeroDefaults(cfg Defaults) bool {
	return reflect.DeepEqual(cfg, Defaults{})
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := range maxRenameRetry {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}
