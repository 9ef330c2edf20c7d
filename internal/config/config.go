// ABOUTME: Configuration loading and parsing for coven-runtime
// ABOUTME: Supports YAML or TOML files with environment variable expansion, durations and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by the loader.
const (
	EnvConfigPath = "COVEN_RUNTIME_CONFIG"
	EnvDBPath     = "COVEN_DB_PATH"
)

// DefaultPath is used when neither a flag nor COVEN_RUNTIME_CONFIG names a file.
const DefaultPath = "coven-runtime.yaml"

// Config represents the complete coven-runtime configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Agents       []AgentConfig      `yaml:"agents" toml:"agents"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler" toml:"reconciler"`
	Protocol     ProtocolConfig     `yaml:"protocol" toml:"protocol"`
	Events       EventsConfig       `yaml:"events" toml:"events"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
}

// Duration is a time.Duration read from a string such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (TOML).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if err := d.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr        string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr        string   `yaml:"grpc_addr" toml:"grpc_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// StaticTokenConfig is one bcrypt-hashed API token.
type StaticTokenConfig struct {
	Subject string   `yaml:"subject" toml:"subject"`
	Hash    string   `yaml:"hash" toml:"hash"`
	Scopes  []string `yaml:"scopes" toml:"scopes"`
}

// AuthConfig holds authentication configuration. With neither a secret nor
// tokens the API is unauthenticated.
type AuthConfig struct {
	JWTSecret string              `yaml:"jwt_secret" toml:"jwt_secret"`
	Tokens    []StaticTokenConfig `yaml:"tokens" toml:"tokens"`
}

// Enabled reports whether any credential source is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || len(a.Tokens) > 0
}

// AgentConfig describes one managed agent process.
type AgentConfig struct {
	Name     string            `yaml:"name" toml:"name"`
	Command  string            `yaml:"command" toml:"command"`
	Args     []string          `yaml:"args" toml:"args"`
	Env      map[string]string `yaml:"env" toml:"env"`
	WorkDir  string            `yaml:"work_dir" toml:"work_dir"`
	Port     int               `yaml:"port" toml:"port"`
	CardPath string            `yaml:"card_path" toml:"card_path"`
	Enabled  *bool             `yaml:"enabled" toml:"enabled"`
}

// IsEnabled reports the initial desired state; agents are enabled unless
// configured otherwise.
func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// BackoffConfig tunes health probe retries during startup.
type BackoffConfig struct {
	Initial     Duration `yaml:"initial" toml:"initial"`
	Multiplier  float64  `yaml:"multiplier" toml:"multiplier"`
	Max         Duration `yaml:"max" toml:"max"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// OrchestratorConfig holds process supervision settings
type OrchestratorConfig struct {
	Host             string        `yaml:"host" toml:"host"`
	PortMin          int           `yaml:"port_min" toml:"port_min"`
	PortMax          int           `yaml:"port_max" toml:"port_max"`
	StartupTimeout   Duration      `yaml:"startup_timeout" toml:"startup_timeout"`
	StopTimeout      Duration      `yaml:"stop_timeout" toml:"stop_timeout"`
	HealthInterval   Duration      `yaml:"health_interval" toml:"health_interval"`
	ProbeTimeout     Duration      `yaml:"probe_timeout" toml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	Backoff          BackoffConfig `yaml:"backoff" toml:"backoff"`
	AutoRestart      *bool         `yaml:"auto_restart" toml:"auto_restart"`
	RestartCeiling   int           `yaml:"restart_ceiling" toml:"restart_ceiling"`
	RestartWindow    Duration      `yaml:"restart_window" toml:"restart_window"`
	PIDDir           string        `yaml:"pid_dir" toml:"pid_dir"`
	LogDir           string        `yaml:"log_dir" toml:"log_dir"`
	CardCacheSize    int           `yaml:"card_cache_size" toml:"card_cache_size"`
}

// ReconcilerConfig holds reconciliation scheduling
type ReconcilerConfig struct {
	Schedule          string   `yaml:"schedule" toml:"schedule"`
	DivergenceCeiling int      `yaml:"divergence_ceiling" toml:"divergence_ceiling"`
	ActionTimeout     Duration `yaml:"action_timeout" toml:"action_timeout"`
	Debounce          Duration `yaml:"debounce" toml:"debounce"`
}

// ProtocolConfig holds A2A endpoint settings
type ProtocolConfig struct {
	AgentWaitTimeout Duration `yaml:"agent_wait_timeout" toml:"agent_wait_timeout"`
	WorkTimeout      Duration `yaml:"work_timeout" toml:"work_timeout"`
	DedupeTTL        Duration `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	DedupeSize       int      `yaml:"dedupe_size" toml:"dedupe_size"`
	RateLimit        float64  `yaml:"rate_limit" toml:"rate_limit"` // requests per second per identity; 0 disables
	RateBurst        int      `yaml:"rate_burst" toml:"rate_burst"`
	StreamBuffer     int      `yaml:"stream_buffer" toml:"stream_buffer"`
	MaxBodyBytes     int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// EventsConfig holds event bus settings
type EventsConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ResolvePath picks the config file: the explicit flag value, then
// COVEN_RUNTIME_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content, applies defaults and environment
// overrides, and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	setString(&c.Server.HTTPAddr, "127.0.0.1:8080")
	setDuration(&c.Server.ShutdownTimeout, 15*time.Second)
	setString(&c.Database.Path, "coven-runtime.db")

	o := &c.Orchestrator
	setString(&o.Host, "127.0.0.1")
	setInt(&o.PortMin, 9100)
	setInt(&o.PortMax, 9199)
	setDuration(&o.StartupTimeout, 30*time.Second)
	setDuration(&o.StopTimeout, 10*time.Second)
	setDuration(&o.HealthInterval, 10*time.Second)
	setDuration(&o.ProbeTimeout, 2*time.Second)
	setInt(&o.FailureThreshold, 3)
	setDuration(&o.Backoff.Initial, 250*time.Millisecond)
	if o.Backoff.Multiplier <= 0 {
		o.Backoff.Multiplier = 2
	}
	setDuration(&o.Backoff.Max, 5*time.Second)
	setInt(&o.Backoff.MaxAttempts, 20)
	if o.AutoRestart == nil {
		on := true
		o.AutoRestart = &on
	}
	setInt(&o.RestartCeiling, 5)
	setDuration(&o.RestartWindow, 10*time.Minute)
	setString(&o.PIDDir, filepath.Join(os.TempDir(), "coven-runtime", "pids"))
	setString(&o.LogDir, filepath.Join(os.TempDir(), "coven-runtime", "logs"))
	setInt(&o.CardCacheSize, 128)

	r := &c.Reconciler
	setString(&r.Schedule, "@every 30s")
	setInt(&r.DivergenceCeiling, 3)
	setDuration(&r.ActionTimeout, 60*time.Second)
	setDuration(&r.Debounce, 500*time.Millisecond)

	p := &c.Protocol
	setDuration(&p.AgentWaitTimeout, 30*time.Second)
	setDuration(&p.WorkTimeout, 10*time.Minute)
	setDuration(&p.DedupeTTL, 10*time.Minute)
	setInt(&p.DedupeSize, 10000)
	setInt(&p.RateBurst, 20)
	setInt(&p.StreamBuffer, 64)
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = 4 << 20
	}

	setInt(&c.Events.SubscriberBuffer, 256)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
	setString(&c.Metrics.Path, "/metrics")

	for i := range c.Agents {
		setString(&c.Agents[i].CardPath, "/.well-known/agent.json")
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *Duration, def time.Duration) {
	if *v <= 0 {
		*v = Duration(def)
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	o := c.Orchestrator
	if o.PortMin <= 0 || o.PortMax > 65535 || o.PortMin > o.PortMax {
		return fmt.Errorf("orchestrator port range %d-%d is invalid", o.PortMin, o.PortMax)
	}
	if o.Backoff.Multiplier < 1 {
		return fmt.Errorf("orchestrator.backoff.multiplier must be >= 1, got %v", o.Backoff.Multiplier)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if strings.ContainsAny(a.Name, "/ ") {
			return fmt.Errorf("agents[%d].name %q must not contain '/' or spaces", i, a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d].name %q is duplicated", i, a.Name)
		}
		seen[a.Name] = true
		if a.Command == "" {
			return fmt.Errorf("agent %q: command is required", a.Name)
		}
		if a.Port < 0 || a.Port > 65535 {
			return fmt.Errorf("agent %q: port %d is invalid", a.Name, a.Port)
		}
		if !strings.HasPrefix(a.CardPath, "/") {
			return fmt.Errorf("agent %q: card_path must start with '/'", a.Name)
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	for i, t := range c.Auth.Tokens {
		if t.Subject == "" || t.Hash == "" {
			return fmt.Errorf("auth.tokens[%d]: subject and hash are required", i)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
