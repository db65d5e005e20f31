// Package config loads daemon settings from TOML files: defaults, overlaid by
// ~/.sdeck/config.toml, overlaid by a project-local .sdeck/config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddr   = ":5000"
	defaultInterpreter  = "python3"
	defaultScriptFile   = "launcher.py"
	defaultTestScript   = "smoke_test.py"
	defaultAccountsFile = "accounts.json"
	defaultConfigFile   = "config.json"
	defaultStopGrace    = 5 * time.Second
	defaultReplaySize   = 200
	defaultSessionQueue = 256
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ListenAddr   string
	Interpreter  string
	ScriptFile   string
	TestScript   string
	Workdir      string
	AccountsFile string
	ConfigFile   string
	MarkersFile  string
	StopGrace    time.Duration
	ReplaySize   int
	SessionQueue int
}

type fileConfig struct {
	ListenAddr   *string `toml:"listen_addr"`
	Interpreter  *string `toml:"interpreter"`
	ScriptFile   *string `toml:"script_file"`
	TestScript   *string `toml:"test_script"`
	Workdir      *string `toml:"workdir"`
	AccountsFile *string `toml:"accounts_file"`
	ConfigFile   *string `toml:"config_file"`
	MarkersFile  *string `toml:"markers_file"`
	StopGrace    *string `toml:"stop_grace"`
	ReplaySize   *int    `toml:"replay_size"`
	SessionQueue *int    `toml:"session_queue"`
}

// Load reads config from ~/.sdeck/config.toml and overlays a project-local
// .sdeck/config.toml.
func Load() (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".sdeck", "config.toml"),
		filepath.Join(workingDir, ".sdeck", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if cfg.Workdir == "" {
		cfg.Workdir = workingDir
	}
	return &cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:   defaultListenAddr,
		Interpreter:  defaultInterpreter,
		ScriptFile:   defaultScriptFile,
		TestScript:   defaultTestScript,
		AccountsFile: defaultAccountsFile,
		ConfigFile:   defaultConfigFile,
		StopGrace:    defaultStopGrace,
		ReplaySize:   defaultReplaySize,
		SessionQueue: defaultSessionQueue,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyStringOverrides(cfg, decoded)
	return applyBoundedOverrides(cfg, decoded, path)
}

func applyStringOverrides(cfg *Config, decoded fileConfig) {
	if decoded.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*decoded.ListenAddr)
	}
	if decoded.Interpreter != nil {
		cfg.Interpreter = strings.TrimSpace(*decoded.Interpreter)
	}
	if decoded.ScriptFile != nil {
		cfg.ScriptFile = strings.TrimSpace(*decoded.ScriptFile)
	}
	if decoded.TestScript != nil {
		cfg.TestScript = strings.TrimSpace(*decoded.TestScript)
	}
	if decoded.Workdir != nil {
		cfg.Workdir = strings.TrimSpace(*decoded.Workdir)
	}
	if decoded.AccountsFile != nil {
		cfg.AccountsFile = strings.TrimSpace(*decoded.AccountsFile)
	}
	if decoded.ConfigFile != nil {
		cfg.ConfigFile = strings.TrimSpace(*decoded.ConfigFile)
	}
	if decoded.MarkersFile != nil {
		cfg.MarkersFile = strings.TrimSpace(*decoded.MarkersFile)
	}
}

func applyBoundedOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.StopGrace != nil {
		parsed, err := time.ParseDuration(*decoded.StopGrace)
		if err != nil {
			return fmt.Errorf("parse stop_grace in %q: %w", path, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("parse stop_grace in %q: must be > 0", path)
		}
		cfg.StopGrace = parsed
	}
	if decoded.ReplaySize != nil {
		if *decoded.ReplaySize <= 0 {
			return fmt.Errorf("parse replay_size in %q: must be > 0", path)
		}
		cfg.ReplaySize = *decoded.ReplaySize
	}
	if decoded.SessionQueue != nil {
		if *decoded.SessionQueue <= 0 {
			return fmt.Errorf("parse session_queue in %q: must be > 0", path)
		}
		cfg.SessionQueue = *decoded.SessionQueue
	}
	return nil
}

// ScriptPath resolves the main script relative to the workdir.
func (c *Config) ScriptPath() string {
	return c.resolve(c.ScriptFile)
}

// TestScriptPath resolves the smoke-test script relative to the workdir.
func (c *Config) TestScriptPath() string {
	return c.resolve(c.TestScript)
}

// AccountsPath resolves the accounts store file relative to the workdir.
func (c *Config) AccountsPath() string {
	return c.resolve(c.AccountsFile)
}

// ConfigPath resolves the script config store file relative to the workdir.
func (c *Config) ConfigPath() string {
	return c.resolve(c.ConfigFile)
}

func (c *Config) resolve(path string) string {
	if c == nil || path == "" {
		return path
	}
	if filepath.IsAbs(path) || c.Workdir == "" {
		return path
	}
	return filepath.Join(c.Workdir, path)
}
