package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, dir, contents string) {
	t.Helper()
	confDir := filepath.Join(dir, ".sdeck")
	if err := os.MkdirAll(confDir, 0o750); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(confDir, "config.toml"), []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func isolate(t *testing.T) (home, work string) {
	t.Helper()
	home = t.TempDir()
	work = t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(work)
	return home, work
}

func TestLoadDefaults(t *testing.T) {
	_, work := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.ListenAddr != ":5000" {
		t.Fatalf("listen addr = %q, want %q", cfg.ListenAddr, ":5000")
	}
	if cfg.Interpreter != "python3" {
		t.Fatalf("interpreter = %q, want %q", cfg.Interpreter, "python3")
	}
	if cfg.StopGrace != 5*time.Second {
		t.Fatalf("stop grace = %s, want 5s", cfg.StopGrace)
	}
	if cfg.ReplaySize != 200 || cfg.SessionQueue != 256 {
		t.Fatalf("buffer sizes = %d/%d, want 200/256", cfg.ReplaySize, cfg.SessionQueue)
	}
	resolvedWork, err := filepath.EvalSymlinks(work)
	if err != nil {
		t.Fatalf("resolve workdir: %v", err)
	}
	resolvedCfg, err := filepath.EvalSymlinks(cfg.Workdir)
	if err != nil {
		t.Fatalf("resolve config workdir: %v", err)
	}
	if resolvedCfg != resolvedWork {
		t.Fatalf("workdir = %q, want %q", resolvedCfg, resolvedWork)
	}
}

func TestLoadHomeOverrides(t *testing.T) {
	home, _ := isolate(t)
	writeConfigFile(t, home, `
listen_addr = "127.0.0.1:8080"
interpreter = "python3.12"
script_file = "bot.py"
stop_grace = "12s"
replay_size = 50
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Interpreter != "python3.12" {
		t.Fatalf("interpreter = %q", cfg.Interpreter)
	}
	if cfg.ScriptFile != "bot.py" {
		t.Fatalf("script file = %q", cfg.ScriptFile)
	}
	if cfg.StopGrace != 12*time.Second {
		t.Fatalf("stop grace = %s", cfg.StopGrace)
	}
	if cfg.ReplaySize != 50 {
		t.Fatalf("replay size = %d", cfg.ReplaySize)
	}
	// Untouched keys keep their defaults.
	if cfg.SessionQueue != 256 {
		t.Fatalf("session queue = %d, want 256", cfg.SessionQueue)
	}
}

func TestLoadProjectOverridesHome(t *testing.T) {
	home, work := isolate(t)
	writeConfigFile(t, home, `listen_addr = "127.0.0.1:8080"`)
	writeConfigFile(t, work, `listen_addr = "127.0.0.1:9090"`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Fatalf("listen addr = %q, project file should win", cfg.ListenAddr)
	}
}

func TestLoadRejectsBadStopGrace(t *testing.T) {
	home, _ := isolate(t)
	writeConfigFile(t, home, `stop_grace = "soon"`)

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "stop_grace") {
		t.Fatalf("error = %v, want stop_grace parse failure", err)
	}
}

func TestLoadRejectsNonPositiveSizes(t *testing.T) {
	home, _ := isolate(t)
	writeConfigFile(t, home, `replay_size = 0`)

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "replay_size") {
		t.Fatalf("error = %v, want replay_size failure", err)
	}
}

func TestPathResolution(t *testing.T) {
	cfg := &Config{
		Workdir:      "/srv/deck",
		ScriptFile:   "launcher.py",
		TestScript:   "/opt/tests/smoke.py",
		AccountsFile: "accounts.json",
		ConfigFile:   "config.json",
	}

	if got := cfg.ScriptPath(); got != "/srv/deck/launcher.py" {
		t.Fatalf("script path = %q", got)
	}
	if got := cfg.TestScriptPath(); got != "/opt/tests/smoke.py" {
		t.Fatalf("test script path = %q, absolute paths must pass through", got)
	}
	if got := cfg.AccountsPath(); got != "/srv/deck/accounts.json" {
		t.Fatalf("accounts path = %q", got)
	}
	if got := cfg.ConfigPath(); got != "/srv/deck/config.json" {
		t.Fatalf("config path = %q", got)
	}
}
