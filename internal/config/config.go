package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agentsh/sockguard/pkg/sockguard"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// File names searched for by Find, in order.
const (
	FileName    = ".sockguard.yaml"
	AltFileName = "sockguard.yaml"
)

// Environment variables read by Load and Discover.
const (
	EnvConfig        = "SOCKGUARD_CONFIG"
	EnvDisableSocket = "SOCKGUARD_DISABLE_SOCKET"
	EnvAllowHosts    = "SOCKGUARD_ALLOW_HOSTS"
	EnvLogLevel      = "SOCKGUARD_LOG_LEVEL"
	EnvMetricsFile   = "SOCKGUARD_METRICS_FILE"
)

type Config struct {
	// DisableSocket makes blocked the global default, like -disable-socket.
	DisableSocket bool     `yaml:"disable_socket" json:"disable_socket"`
	AllowHosts    []string `yaml:"allow_hosts" json:"allow_hosts,omitempty"`

	// InstallDefaultTransport swaps http.DefaultTransport for a guarded one
	// for the duration of the test binary.
	InstallDefaultTransport bool `yaml:"install_default_transport" json:"install_default_transport"`

	// MetricsFile receives the blocked-attempt counters when the run ends.
	MetricsFile string `yaml:"metrics_file" json:"metrics_file,omitempty"`

	Tests   []TestDirective `yaml:"tests" json:"tests,omitempty"`
	Logging LoggingConfig   `yaml:"logging" json:"logging"`
}

// TestDirective attaches a directive to every test whose name matches
// Pattern. Patterns are globs with "/" as separator, so "TestAPI/*" matches
// the direct subtests of TestAPI.
type TestDirective struct {
	Pattern   string `yaml:"pattern" json:"pattern"`
	Directive string `yaml:"directive" json:"directive"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the built-in configuration: sockets enabled.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := parse(b)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Discover loads the configuration a test binary running in dir should use:
// the file named by SOCKGUARD_CONFIG, else the nearest file found by Find,
// else the defaults. Environment overrides apply in every case. The returned
// path is empty when no file was used.
func Discover(dir string) (*Config, string, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		found, err := Find(dir)
		if err != nil {
			return nil, "", err
		}
		path = found
	}
	if path != "" {
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}

	cfg := Default()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

// Find walks up from dir looking for a config file. The search stops after
// the directory holding go.mod, so a file outside the module is never used.
// It returns "" when there is none.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}
	for {
		for _, name := range []string{FileName, AltFileName} {
			p := filepath.Join(dir, name)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				return p, nil
			}
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return "", nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// AllowList parses AllowHosts.
func (c *Config) AllowList() ([]sockguard.HostPort, error) {
	return sockguard.ParseAllowList(c.AllowHosts)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvDisableSocket); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvDisableSocket, v, err)
		}
		cfg.DisableSocket = b
	}
	if v := os.Getenv(EnvAllowHosts); v != "" {
		cfg.AllowHosts = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvMetricsFile); v != "" {
		cfg.MetricsFile = v
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if _, err := cfg.AllowList(); err != nil {
		return fmt.Errorf("invalid allow_hosts: %w", err)
	}
	for i, td := range cfg.Tests {
		if td.Pattern == "" {
			return fmt.Errorf("tests[%d]: pattern is required", i)
		}
		if _, err := glob.Compile(td.Pattern, '/'); err != nil {
			return fmt.Errorf("tests[%d]: invalid pattern %q: %w", i, td.Pattern, err)
		}
		if _, err := sockguard.ParseDirective(td.Directive); err != nil {
			return fmt.Errorf("tests[%d]: %w", i, err)
		}
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}
