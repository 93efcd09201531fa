// Package config loads the ralphd daemon's configuration from a YAML file,
// the RALPH_-prefixed environment, and a KEY=VALUE env file, following the
// same viper binding pattern as the local-mode CLI.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// LogConfig controls the daemon's rotating log file.
type LogConfig struct {
	File        string `mapstructure:"file"`
	MaxBytes    int    `mapstructure:"max_bytes"`
	BackupCount int    `mapstructure:"backup_count"`
}

// AgentServerConfig points at the HTTP-mode agent server binary (opencode
// serve or equivalent) that AgentServerSupervisor launches per loop.
type AgentServerConfig struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
}

// LangfuseConfig names the Langfuse credentials for iteration tracing.
// PublicKeySecret and SecretKeySecret each accept either a literal value or
// a "secret://SECRET_NAME" reference resolved against GCP Secret Manager at
// startup; BaseURL defaults to Langfuse's cloud endpoint when unset. Leaving
// both secrets empty disables tracing and the daemon runs with the no-op
// tracer.
type LangfuseConfig struct {
	PublicKeySecret string `mapstructure:"public_key_secret"`
	SecretKeySecret string `mapstructure:"secret_key_secret"`
	BaseURL         string `mapstructure:"base_url"`
}

// GitHubConfig names the GitHub App credentials used to mint short-lived
// installation tokens for authenticated pushes. PrivateKeySecret accepts
// either a literal PEM value or a "secret://SECRET_NAME" reference resolved
// against GCP Secret Manager at startup. Leaving AppID empty disables
// GitHub App authentication and pushes fall back to ambient git credentials
// (SSH agent, credential helper).
type GitHubConfig struct {
	AppID            string `mapstructure:"app_id"`
	InstallationID   int64  `mapstructure:"installation_id"`
	PrivateKeySecret string `mapstructure:"private_key_secret"`
}

// DaemonConfig is the full ralphd configuration.
type DaemonConfig struct {
	WorkspaceDir       string            `mapstructure:"workspace_dir"`
	MaxConcurrentLoops int               `mapstructure:"max_concurrent_loops"`
	LoopTimeoutHours   int               `mapstructure:"loop_timeout_hours"`
	ZitiIdentityPath   string            `mapstructure:"ziti_identity_path"`
	SocketPath         string            `mapstructure:"socket_path"`
	AgentServer        AgentServerConfig `mapstructure:"agent_server"`
	Langfuse           LangfuseConfig    `mapstructure:"langfuse"`
	GitHub             GitHubConfig      `mapstructure:"github"`
	Log                LogConfig         `mapstructure:"log"`
}

// LoadDaemonConfig reads cfgFile (if non-empty) plus ~/.ralphd.yaml in the
// working directory, overlays RALPH_-prefixed environment variables, and
// applies defaults for anything left unset.
func LoadDaemonConfig(cfgFile string) (*DaemonConfig, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err == nil {
			viper.AddConfigPath(cwd)
		}
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ralphd")
	}

	viper.SetEnvPrefix("RALPH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &DaemonConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *DaemonConfig) {
	if cfg.WorkspaceDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.WorkspaceDir = home + "/ralph-workspaces"
	}
	if cfg.MaxConcurrentLoops <= 0 {
		cfg.MaxConcurrentLoops = 4
	}
	if cfg.LoopTimeoutHours <= 0 {
		cfg.LoopTimeoutHours = 24
	}
	if cfg.SocketPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.SocketPath = home + "/.local/state/ralphd/ralphd.sock"
	}
	if cfg.AgentServer.Binary == "" {
		cfg.AgentServer.Binary = "opencode"
	}
	if len(cfg.AgentServer.Args) == 0 {
		cfg.AgentServer.Args = []string{"serve"}
	}
	if cfg.Log.File == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Log.File = home + "/.local/state/ralphd/daemon.log"
	}
	if cfg.Log.MaxBytes <= 0 {
		cfg.Log.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.Log.BackupCount <= 0 {
		cfg.Log.BackupCount = 5
	}
}

// Validate checks invariants LoadDaemonConfig's defaulting cannot guarantee
// on its own (e.g. a config file that explicitly sets a bad value).
func (c *DaemonConfig) Validate() error {
	if c.MaxConcurrentLoops <= 0 {
		return fmt.Errorf("max_concurrent_loops must be > 0")
	}
	if c.LoopTimeoutHours <= 0 {
		return fmt.Errorf("loop_timeout_hours must be > 0")
	}
	return nil
}
