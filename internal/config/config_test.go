package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

// resetViper clears global viper state between tests, since LoadDaemonConfig
// binds to the package-level singleton instance like the CLI's root.go does.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
}

func TestLoadDaemonConfigAppliesDefaultsWhenFileAbsent(t *testing.T) {
	resetViper(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadDaemonConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentLoops != 4 {
		t.Fatalf("expected default max_concurrent_loops=4, got %d", cfg.MaxConcurrentLoops)
	}
	if cfg.LoopTimeoutHours != 24 {
		t.Fatalf("expected default loop_timeout_hours=24, got %d", cfg.LoopTimeoutHours)
	}
	if cfg.Log.MaxBytes != 10*1024*1024 {
		t.Fatalf("expected default log.max_bytes, got %d", cfg.Log.MaxBytes)
	}
	if cfg.WorkspaceDir == "" {
		t.Fatal("expected a default workspace_dir to be set")
	}
	if cfg.SocketPath == "" {
		t.Fatal("expected a default socket_path to be set")
	}
	if cfg.AgentServer.Binary != "opencode" {
		t.Fatalf("expected default agent_server.binary=opencode, got %q", cfg.AgentServer.Binary)
	}
	if len(cfg.AgentServer.Args) != 1 || cfg.AgentServer.Args[0] != "serve" {
		t.Fatalf("expected default agent_server.args=[serve], got %v", cfg.AgentServer.Args)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaulted config to validate, got %v", err)
	}
}

func TestLoadDaemonConfigReadsLangfuseAndAgentServerBlocks(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ralphd.yaml")
	content := `
agent_server:
  binary: /usr/local/bin/opencode
  args: ["serve", "--port=0"]
langfuse:
  public_key_secret: "secret://langfuse-public"
  secret_key_secret: "secret://langfuse-secret"
  base_url: "https://langfuse.internal"
github:
  app_id: "123456"
  installation_id: 987654
  private_key_secret: "secret://ralph-github-app-key"
socket_path: /tmp/ralphd.sock
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AgentServer.Binary != "/usr/local/bin/opencode" {
		t.Fatalf("expected configured agent_server.binary, got %q", cfg.AgentServer.Binary)
	}
	if len(cfg.AgentServer.Args) != 2 || cfg.AgentServer.Args[1] != "--port=0" {
		t.Fatalf("expected configured agent_server.args, got %v", cfg.AgentServer.Args)
	}
	if cfg.Langfuse.PublicKeySecret != "secret://langfuse-public" {
		t.Fatalf("expected configured langfuse.public_key_secret, got %q", cfg.Langfuse.PublicKeySecret)
	}
	if cfg.Langfuse.SecretKeySecret != "secret://langfuse-secret" {
		t.Fatalf("expected configured langfuse.secret_key_secret, got %q", cfg.Langfuse.SecretKeySecret)
	}
	if cfg.Langfuse.BaseURL != "https://langfuse.internal" {
		t.Fatalf("expected configured langfuse.base_url, got %q", cfg.Langfuse.BaseURL)
	}
	if cfg.SocketPath != "/tmp/ralphd.sock" {
		t.Fatalf("expected configured socket_path, got %q", cfg.SocketPath)
	}
	if cfg.GitHub.AppID != "123456" {
		t.Fatalf("expected configured github.app_id, got %q", cfg.GitHub.AppID)
	}
	if cfg.GitHub.InstallationID != 987654 {
		t.Fatalf("expected configured github.installation_id, got %d", cfg.GitHub.InstallationID)
	}
	if cfg.GitHub.PrivateKeySecret != "secret://ralph-github-app-key" {
		t.Fatalf("expected configured github.private_key_secret, got %q", cfg.GitHub.PrivateKeySecret)
	}
}

func TestLoadDaemonConfigReadsExplicitFile(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ralphd.yaml")
	content := "workspace_dir: /srv/ralph\nmax_concurrent_loops: 10\nloop_timeout_hours: 6\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkspaceDir != "/srv/ralph" {
		t.Fatalf("expected workspace_dir from file, got %q", cfg.WorkspaceDir)
	}
	if cfg.MaxConcurrentLoops != 10 {
		t.Fatalf("expected max_concurrent_loops=10, got %d", cfg.MaxConcurrentLoops)
	}
	if cfg.LoopTimeoutHours != 6 {
		t.Fatalf("expected loop_timeout_hours=6, got %d", cfg.LoopTimeoutHours)
	}
}

func TestLoadDaemonConfigEnvOverridesFile(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ralphd.yaml")
	content := "max_concurrent_loops: 10\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RALPH_MAX_CONCURRENT_LOOPS", "2")

	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentLoops != 2 {
		t.Fatalf("expected env override to win, got %d", cfg.MaxConcurrentLoops)
	}
}

func TestValidateRejectsNonPositiveFields(t *testing.T) {
	cfg := &DaemonConfig{MaxConcurrentLoops: 0, LoopTimeoutHours: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_concurrent_loops=0")
	}

	cfg = &DaemonConfig{MaxConcurrentLoops: 1, LoopTimeoutHours: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for loop_timeout_hours=0")
	}
}

func TestLoadDaemonConfigMissingExplicitFileErrors(t *testing.T) {
	resetViper(t)
	if _, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error when an explicitly named config file does not exist")
	}
}
