package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/BTCDecoded/governance-app/internal/crypto"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/logging"
)

// Config captures the gatekeeper's runtime settings. Both the HTTP service
// and the status relay read the same file.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
		MaxBodyBytes           int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Storage struct {
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
		SQLitePath  string `yaml:"sqlite_path"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Registry struct {
		Source string `yaml:"source"`
		Path   string `yaml:"path"`
	} `yaml:"registry"`

	Crypto struct {
		Algorithm string `yaml:"algorithm"`
	} `yaml:"crypto"`

	Governance Governance `yaml:"governance"`

	Status struct {
		APIURL              string `yaml:"api_url"`
		Token               string `yaml:"token"`
		TargetURL           string `yaml:"target_url"`
		Context             string `yaml:"context"`
		TimeoutSeconds      int    `yaml:"timeout_seconds"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		BatchSize           int    `yaml:"batch_size"`
		MaxAttempts         int    `yaml:"max_attempts"`
		MaxBackoffSeconds   int    `yaml:"max_backoff_seconds"`

		Nostr struct {
			Relays        []string `yaml:"relays"`
			SecretKeyPath string   `yaml:"secret_key_path"`
		} `yaml:"nostr"`
	} `yaml:"status"`

	// Anchor lists OpenTimestamps calendars for `audit anchor`. Empty
	// disables anchoring.
	Anchor struct {
		Calendars      []string `yaml:"calendars"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
	} `yaml:"anchor"`

	Retry struct {
		MaxAttempts   int `yaml:"max_attempts"`
		BaseBackoffMS int `yaml:"base_backoff_ms"`
		MaxBackoffMS  int `yaml:"max_backoff_ms"`
	} `yaml:"retry"`

	Security struct {
		AdminToken       string   `yaml:"admin_token"`
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		EnableBearerAuth *bool    `yaml:"enable_bearer_auth"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Metrics struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Logging struct {
		Service  string `yaml:"service"`
		Version  string `yaml:"version"`
		Commit   string `yaml:"commit"`
		Region   string `yaml:"region"`
		Instance string `yaml:"instance"`
		Level    string `yaml:"level"`
	} `yaml:"logging"`
}

// overrides are the deployment knobs that may be set from the environment
// with a GATEKEEPER_ prefix. They win over the file.
type overrides struct {
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	SQLitePath    string `envconfig:"SQLITE_PATH"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	Listen        string `envconfig:"LISTEN"`
	AdminToken    string `envconfig:"ADMIN_TOKEN"`
	StatusToken   string `envconfig:"STATUS_TOKEN"`
	DryRun        *bool  `envconfig:"DRY_RUN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

const envPrefix = "GATEKEEPER"

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	if err := cfg.applyOverrides(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyOverrides() error {
	var o overrides
	if err := envconfig.Process(envPrefix, &o); err != nil {
		return fmt.Errorf("process environment overrides: %w", err)
	}
	if o.PostgresDSN != "" {
		c.Storage.PostgresDSN = o.PostgresDSN
	}
	if o.SQLitePath != "" {
		c.Storage.SQLitePath = o.SQLitePath
	}
	if o.StorageDriver != "" {
		c.Storage.Driver = o.StorageDriver
	}
	if o.Listen != "" {
		c.Server.Listen = o.Listen
	}
	if o.AdminToken != "" {
		c.Security.AdminToken = o.AdminToken
	}
	if o.StatusToken != "" {
		c.Status.Token = o.StatusToken
	}
	if o.DryRun != nil {
		c.Governance.DryRun = *o.DryRun
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 2 << 20
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	c.Registry.Source = strings.ToLower(strings.TrimSpace(c.Registry.Source))
	if c.Registry.Source == "" {
		c.Registry.Source = "file"
	}
	if c.Crypto.Algorithm == "" {
		c.Crypto.Algorithm = string(crypto.Ed25519)
	}
	if c.Status.Context == "" {
		c.Status.Context = "governance/gatekeeper"
	}
	if c.Status.TimeoutSeconds <= 0 {
		c.Status.TimeoutSeconds = 10
	}
	if c.Status.PollIntervalSeconds <= 0 {
		c.Status.PollIntervalSeconds = 10
	}
	if c.Status.BatchSize <= 0 {
		c.Status.BatchSize = 50
	}
	if c.Status.MaxAttempts <= 0 {
		c.Status.MaxAttempts = 20
	}
	if c.Status.MaxBackoffSeconds <= 0 {
		c.Status.MaxBackoffSeconds = 600
	}
	if c.Anchor.TimeoutSeconds <= 0 {
		c.Anchor.TimeoutSeconds = 30
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseBackoffMS <= 0 {
		c.Retry.BaseBackoffMS = 20
	}
	if c.Retry.MaxBackoffMS <= 0 {
		c.Retry.MaxBackoffMS = 1000
	}
	if c.Security.EnableBearerAuth == nil {
		c.Security.EnableBearerAuth = boolPtr(true)
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = boolPtr(true)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "governance-gatekeeper"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "local"
	}
	if c.Logging.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Logging.Instance = host
		}
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required when storage.driver is postgres")
		}
		if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required when storage.driver is sqlite")
		}
	default:
		return fmt.Errorf("storage.driver must be one of postgres|sqlite, got %q", c.Storage.Driver)
	}
	switch c.Registry.Source {
	case "file":
		if c.Registry.Path == "" {
			return errors.New("registry.path is required when registry.source is file")
		}
	case "database":
	default:
		return fmt.Errorf("registry.source must be one of file|database, got %q", c.Registry.Source)
	}
	if _, err := crypto.ParseAlgorithm(c.Crypto.Algorithm); err != nil {
		return fmt.Errorf("crypto.algorithm: %w", err)
	}
	if _, err := c.Ruleset(); err != nil {
		return fmt.Errorf("governance: %w", err)
	}
	if _, err := governance.NewClassifier(c.ClassifierConfig()); err != nil {
		return fmt.Errorf("governance.classifier: %w", err)
	}
	if c.Status.APIURL != "" && *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Status.APIURL) {
		return errors.New("status.api_url must be https when enforce_secure_transport is enabled")
	}
	for i, cal := range c.Anchor.Calendars {
		if *c.Security.EnforceSecureTLS && !isHTTPSURL(cal) {
			return fmt.Errorf("anchor.calendars[%d] must be https when enforce_secure_transport is enabled", i)
		}
	}
	if len(c.Status.Nostr.Relays) > 0 && c.Status.Nostr.SecretKeyPath == "" {
		return errors.New("status.nostr.secret_key_path is required when relays are set")
	}
	for i, relay := range c.Status.Nostr.Relays {
		if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
			return fmt.Errorf("status.nostr.relays[%d] must be a websocket url", i)
		}
	}
	if *c.Security.EnableBearerAuth && strings.TrimSpace(c.Security.AdminToken) == "" {
		return errors.New("security.admin_token is required when bearer auth is enabled")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Storage.SQLitePath = os.ExpandEnv(strings.TrimSpace(c.Storage.SQLitePath))
	c.Registry.Path = os.ExpandEnv(strings.TrimSpace(c.Registry.Path))
	c.Status.APIURL = os.ExpandEnv(strings.TrimSpace(c.Status.APIURL))
	c.Status.Token = os.ExpandEnv(strings.TrimSpace(c.Status.Token))
	c.Status.Nostr.SecretKeyPath = os.ExpandEnv(strings.TrimSpace(c.Status.Nostr.SecretKeyPath))
	c.Security.AdminToken = os.ExpandEnv(strings.TrimSpace(c.Security.AdminToken))
}

// AdminToken is the bearer token the admin API demands, or empty when
// bearer auth is disabled.
func (c *Config) AdminToken() string {
	if !*c.Security.EnableBearerAuth {
		return ""
	}
	return c.Security.AdminToken
}

// AllowedCIDRs is the admin allow list, or nil when it is disabled.
func (c *Config) AllowedCIDRs() []string {
	if !*c.Security.EnableIPAllow {
		return nil
	}
	return c.Security.TrustedCIDRs
}

func boolPtr(v bool) *bool {
	return &v
}
