// Package config provides configuration structures and loading logic for the
// fetchgate daemon.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/gate"
	"github.com/polisai/fetchgate/pkg/logging"
	"github.com/polisai/fetchgate/pkg/network"
	"github.com/polisai/fetchgate/pkg/telemetry"
	"github.com/polisai/fetchgate/pkg/transport"
)

// Config holds the global configuration of the daemon.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Storage   StorageConfig    `yaml:"storage"`
	Transport transport.Config `yaml:"transport"`
	Network   NetworkConfig    `yaml:"network"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ListenerConfig is one client IPC endpoint. Every client of a listener gets
// the listener's trust level.
type ListenerConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
	// Trust is "trusted" or "untrusted".
	Trust            string               `yaml:"trust"`
	Profile          string               `yaml:"profile"`
	AllowKeyOverride bool                 `yaml:"allow_key_override"`
	TopFrameOrigin   string               `yaml:"top_frame_origin"`
	FrameScope       string               `yaml:"frame_scope"`
	InitiatorLock    string               `yaml:"initiator_lock"`
	OriginPatterns   []string             `yaml:"origin_patterns"`
	RateLimit        governance.RateLimit `yaml:"rate_limit"`
	TLS              *TLSConfig           `yaml:"tls,omitempty"`
}

// TLSConfig represents TLS termination of a listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version,omitempty"`
}

// StorageConfig selects the silo backend.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NetworkConfig holds the settings fixed at service start.
type NetworkConfig struct {
	MaxRedirects int                             `yaml:"max_redirects"`
	ChunkSize    int                             `yaml:"chunk_size"`
	Breaker      governance.CircuitBreakerConfig `yaml:"observer_breaker"`
}

// PolicyConfig is the hot-reloadable part of the configuration.
type PolicyConfig struct {
	PNAMode  string                   `yaml:"pna_mode"`
	ORBMode  string                   `yaml:"orb_mode"`
	Quota    governance.QuotaLimits   `yaml:"keepalive"`
	Timeouts governance.StageTimeouts `yaml:"timeouts"`
	// RulesDir holds operator Rego modules evaluated after the built-in
	// checks. Empty disables operator rules.
	RulesDir string `yaml:"rules_dir"`
	// RulesEntrypoint overrides the decision path of the rules.
	RulesEntrypoint string `yaml:"rules_entrypoint"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			ShutdownTimeout: 15 * time.Second,
		},
		Listeners: []ListenerConfig{{
			Address: "127.0.0.1:8090",
			Path:    "/ipc",
			Trust:   "untrusted",
			Profile: "default",
		}},
		Storage:   StorageConfig{Driver: "memory"},
		Transport: transport.DefaultConfig(),
		Network:   NetworkConfig{Breaker: governance.DefaultCircuitBreakerConfig()},
		Policy: PolicyConfig{
			PNAMode:  string(gate.ModeEnforce),
			ORBMode:  string(gate.ModeEnforce),
			Quota:    governance.DefaultQuotaLimits(),
			Timeouts: governance.DefaultStageTimeouts(),
		},
		Telemetry: TelemetryConfig{ServiceName: "fetchgate"},
		Logging:   logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("FETCHGATE_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("FETCHGATE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FETCHGATE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("FETCHGATE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("FETCHGATE_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("FETCHGATE_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("FETCHGATE_STORAGE_DSN"); val != "" {
		cfg.Storage.DSN = val
	}

	if val := os.Getenv("FETCHGATE_PNA_MODE"); val != "" {
		cfg.Policy.PNAMode = val
	}
	if val := os.Getenv("FETCHGATE_ORB_MODE"); val != "" {
		cfg.Policy.ORBMode = val
	}
	if val := os.Getenv("FETCHGATE_MAX_KEEPALIVE_GLOBAL"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("FETCHGATE_MAX_KEEPALIVE_GLOBAL: %w", err)
		}
		cfg.Policy.Quota.MaxLeasesGlobal = n
	}

	// Format: "address:port:trust,..." e.g. "127.0.0.1:8090:untrusted,:8091:trusted"
	if val := os.Getenv("FETCHGATE_LISTENERS"); val != "" {
		pairs := strings.Split(val, ",")
		listeners := make([]ListenerConfig, 0, len(pairs))
		for _, pair := range pairs {
			pair = strings.TrimSpace(pair)
			idx := strings.LastIndex(pair, ":")
			if idx <= 0 {
				return fmt.Errorf("FETCHGATE_LISTENERS: malformed entry %q", pair)
			}
			listeners = append(listeners, ListenerConfig{
				Address: pair[:idx],
				Path:    "/ipc",
				Trust:   pair[idx+1:],
				Profile: "default",
			})
		}
		cfg.Listeners = listeners
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	seen := map[string]bool{c.Server.AdminAddress: true}
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if err := l.Validate(); err != nil {
			return fmt.Errorf("listener %d: %w", i, err)
		}
		if seen[l.Address] {
			return fmt.Errorf("listener %d address %q conflicts with another server", i, l.Address)
		}
		seen[l.Address] = true
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if err := validateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be between 0 and 1")
	}
	return nil
}

// Validate fills in defaults and checks the admin server.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return nil
}

// Validate checks one listener and normalizes its trust level.
func (c *ListenerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("address is required")
	}
	if c.Path == "" {
		c.Path = "/ipc"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	switch strings.ToLower(strings.TrimSpace(c.Trust)) {
	case "", "untrusted":
		c.Trust = "untrusted"
	case "trusted":
		c.Trust = "trusted"
	default:
		return fmt.Errorf("unknown trust level %q", c.Trust)
	}
	if c.Profile == "" {
		c.Profile = "default"
	}
	if c.AllowKeyOverride && c.Trust != "trusted" {
		return fmt.Errorf("allow_key_override requires a trusted listener")
	}
	if c.TopFrameOrigin != "" {
		if _, err := domain.ParseOrigin(c.TopFrameOrigin); err != nil {
			return fmt.Errorf("top_frame_origin: %w", err)
		}
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// TrustLevel is the parsed trust of the listener.
func (c ListenerConfig) TrustLevel() domain.TrustLevel {
	return domain.ParseTrustLevel(c.Trust)
}

// Validate checks that an enabled TLS listener has a key pair.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file are required when TLS is enabled")
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported TLS version %q", c.MinVersion)
	}
	return nil
}

// Validate checks the storage driver.
func (c *StorageConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "memory":
		c.Driver = "memory"
	case "sqlite":
		c.Driver = "sqlite"
		if c.DSN == "" {
			return fmt.Errorf("sqlite storage requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Driver)
	}
	return nil
}

// Validate checks the service-start settings.
func (c *NetworkConfig) Validate() error {
	if c.MaxRedirects < 0 || c.ChunkSize < 0 {
		return fmt.Errorf("max_redirects and chunk_size must not be negative")
	}
	if c.Breaker.MaxFailures < 0 || c.Breaker.Timeout < 0 {
		return fmt.Errorf("observer_breaker must not be negative")
	}
	return nil
}

// Validate checks modes, ceilings and timeouts.
func (c *PolicyConfig) Validate() error {
	_, err := c.ToNetwork()
	return err
}

// ToNetwork converts the policy into its service form.
func (c PolicyConfig) ToNetwork() (network.Policy, error) {
	pna, err := gate.ParseMode(c.PNAMode)
	if err != nil {
		return network.Policy{}, fmt.Errorf("pna_mode: %w", err)
	}
	orb, err := gate.ParseMode(c.ORBMode)
	if err != nil {
		return network.Policy{}, fmt.Errorf("orb_mode: %w", err)
	}
	p := network.Policy{
		Gate:     gate.Policy{PNA: pna, ORB: orb},
		Quota:    c.Quota,
		Timeouts: c.Timeouts,
	}
	if err := p.Validate(); err != nil {
		return network.Policy{}, err
	}
	return p, nil
}

// LoadRules compiles the Rego modules of RulesDir. It returns nil when no
// directory is configured.
func (c PolicyConfig) LoadRules(ctx context.Context) (*gate.Rules, error) {
	if c.RulesDir == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(c.RulesDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .rego modules in %s", c.RulesDir)
	}
	modules := make(map[string]string, len(paths))
	for _, p := range paths {
		//nolint:gosec // Rules directory is controlled by admin/operator
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read rule module %s: %w", p, err)
		}
		modules[filepath.Base(p)] = string(data)
	}
	return gate.NewRules(ctx, gate.RuleOptions{Entrypoint: c.RulesEntrypoint, Modules: modules})
}

// TelemetryProvider converts the telemetry section for telemetry.SetupProvider.
func (c TelemetryConfig) TelemetryProvider() telemetry.Config {
	name := c.ServiceName
	if name == "" {
		name = "fetchgate"
	}
	return telemetry.Config{
		ServiceName: name,
		Endpoint:    c.OTLPEndpoint,
		Environment: c.Environment,
		Insecure:    c.Insecure,
		SampleRatio: c.SampleRatio,
	}
}

func validateLogging(c *logging.Config) error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "json":
		c.Format = "json"
	case "text":
		c.Format = "text"
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings must not be negative")
	}
	return nil
}
