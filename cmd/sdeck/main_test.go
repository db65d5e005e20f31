package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/scriptdeck/sdeck/internal/config"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand(&config.Config{}, testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsServe(t *testing.T) {
	cmd := newRootCommand(&config.Config{}, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(stdout.String(), "serve") {
		t.Fatalf("help output missing serve subcommand: %s", stdout.String())
	}
}

func TestVerboseRequested(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no flags", args: []string{"serve"}, want: false},
		{name: "long flag", args: []string{"--verbose", "serve"}, want: true},
		{name: "short flag", args: []string{"serve", "-v"}, want: true},
		{name: "version flag is not verbose", args: []string{"--version"}, want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := verboseRequested(tc.args); got != tc.want {
				t.Fatalf("verboseRequested(%v) = %v, want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cfg := &config.Config{ListenAddr: ":5000", Workdir: "/srv/deck"}
	cmd := newServeCommand(cfg, testLogger())

	if err := cmd.Flags().Set("addr", "127.0.0.1:7777"); err != nil {
		t.Fatalf("set addr flag: %v", err)
	}
	if err := cmd.Flags().Set("workdir", "/srv/other"); err != nil {
		t.Fatalf("set workdir flag: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:7777" {
		t.Fatalf("listen addr = %q, want flag value", cfg.ListenAddr)
	}
	if cfg.Workdir != "/srv/other" {
		t.Fatalf("workdir = %q, want flag value", cfg.Workdir)
	}
}
