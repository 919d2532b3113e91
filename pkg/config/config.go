package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/archstate/pkg/telemetry"
)

// DefaultPath is where the CLI looks for its configuration.
const DefaultPath = "/etc/archstate/config.yaml"

// Config is the archstate configuration file.
type Config struct {
	// Pacman configures how build tools are invoked.
	Pacman PacmanConfig `yaml:"pacman"`

	// FileRoots are searched in order to resolve froyo:// sources.
	FileRoots []string `yaml:"file_roots" validate:"dive,required"`

	// CacheDir holds downloaded and cached sources.
	CacheDir string `yaml:"cache_dir" validate:"required"`

	// Test runs every state in test mode.
	Test bool `yaml:"test"`

	Store     StoreConfig     `yaml:"store"`
	S3        S3Config        `yaml:"s3"`
	SFTP      SFTPConfig      `yaml:"sftp"`
	Signing   SigningConfig   `yaml:"signing"`
	Policy    PolicyConfig    `yaml:"policy"`
	Runner    RunnerConfig    `yaml:"runner"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PacmanConfig holds the pacman settings.
type PacmanConfig struct {
	// NonrootBuilder is the user makepkg and yay run as. They refuse to run as
	// root.
	NonrootBuilder string `yaml:"nonroot_builder"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	// Path is the sqlite database file. Empty disables run history.
	Path string `yaml:"path"`
}

// S3Config configures s3:// sources.
type S3Config struct {
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
}

// SFTPConfig configures sftp:// sources.
type SFTPConfig struct {
	User                  string `yaml:"user"`
	PrivateKeyPath        string `yaml:"private_key_path"`
	KnownHostsPath        string `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
}

// SigningConfig configures AppImage signature verification.
type SigningConfig struct {
	Keyring string `yaml:"keyring"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	// Paths are rego files or directories of rego files.
	Paths []string `yaml:"paths"`

	// DisableBuiltin turns off the built-in policies.
	DisableBuiltin bool `yaml:"disable_builtin"`

	// TrustedHosts enables the trusted-hosts policy for remote sources.
	TrustedHosts []string `yaml:"trusted_hosts" validate:"dive,hostname_rfc1123"`
}

// RunnerConfig configures remote runs.
type RunnerConfig struct {
	// Path is the local archstate-runner binary uploaded to remote hosts.
	Path string `yaml:"path"`

	// RemoteDir is where the runner is uploaded.
	RemoteDir string `yaml:"remote_dir" validate:"required"`

	// Sudo runs the remote runner through sudo.
	Sudo bool `yaml:"sudo"`

	// CommandTimeout bounds a single state on the runner.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	Tracing struct {
		Enabled  bool   `yaml:"enabled"`
		Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
		Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	} `yaml:"tracing"`

	Metrics struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listen_address"`
		Textfile      string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		FileRoots: []string{"/srv/archstate"},
		CacheDir:  "/var/cache/archstate",
		Store:     StoreConfig{Path: "/var/lib/archstate/state.db"},
		S3:        S3Config{Region: "auto"},
		Signing:   SigningConfig{Keyring: "/etc/archstate/trusted.gpg"},
		Runner: RunnerConfig{
			RemoteDir:      "/tmp",
			CommandTimeout: time.Hour,
		},
	}
	cfg.Telemetry.LogLevel = "info"
	cfg.Telemetry.LogFormat = "console"
	cfg.Telemetry.Tracing.Exporter = "none"
	cfg.Telemetry.Metrics.ListenAddress = ":9090"
	return cfg
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults when path is DefaultPath.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("field %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return err
	}
	return nil
}

// BuildUser returns the configured build user, or "" to run as the current
// user.
func (c *Config) BuildUser() string {
	return c.Pacman.NonrootBuilder
}

// TelemetryConfig converts the file settings into a telemetry.Config.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	if c.Telemetry.LogLevel != "" {
		tc.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		tc.Logging.Format = c.Telemetry.LogFormat
	}

	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	if c.Telemetry.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	}
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint

	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled || c.Telemetry.Metrics.Textfile != ""
	if c.Telemetry.Metrics.Enabled {
		tc.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	}
	tc.Metrics.Textfile = c.Telemetry.Metrics.Textfile
	return tc
}
