package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRun_MissingConfigFlagIsConfigError(t *testing.T) {
	if got := run([]string{"run"}); got != exitConfig {
		t.Fatalf("exit code = %d, want %d", got, exitConfig)
	}
}

func TestRun_UnreadableConfigIsConfigError(t *testing.T) {
	if got := run([]string{"run", "--config", "/does/not/exist.yaml"}); got != exitConfig {
		t.Fatalf("exit code = %d, want %d", got, exitConfig)
	}
}

func TestRun_InvalidConfigValueIsConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("accept_threshold: 2.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := run([]string{"run", "--config", path}); got != exitConfig {
		t.Fatalf("exit code = %d, want %d", got, exitConfig)
	}
}

func TestRun_HelpExitsZero(t *testing.T) {
	if got := run([]string{"--help"}); got != exitOK {
		t.Fatalf("exit code = %d, want %d", got, exitOK)
	}
}

func TestRun_UnknownCommandIsConfigError(t *testing.T) {
	if got := run([]string{"frobnicate"}); got != exitConfig {
		t.Fatalf("exit code = %d, want %d", got, exitConfig)
	}
}
