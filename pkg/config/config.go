package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config represents the supervisor configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" envconfig:"SERVER"`
	Pool          PoolConfig          `yaml:"pool" envconfig:"POOL"`
	Management    ManagementConfig    `yaml:"management" envconfig:"MANAGEMENT"`
	Proxy         ProxyConfig         `yaml:"proxy" envconfig:"PROXY"`
	TLS           TLSConfig           `yaml:"tls" envconfig:"TLS"`
	Secrets       SecretsConfig       `yaml:"secrets" envconfig:"SECRETS"`
	ConfigChannel ConfigChannelConfig `yaml:"config_channel" envconfig:"CONFIG_CHANNEL"`
	Logging       LoggingConfig       `yaml:"logging" envconfig:"LOGGING"`

	// DataDir holds tdconfig.json and tdstate.json
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
}

// ServerConfig contains the public listener configuration
type ServerConfig struct {
	Host      string `yaml:"host" envconfig:"LISTEN_HOST"`
	Port      int    `yaml:"port" envconfig:"PORT"`
	HTTPSPort int    `yaml:"https_port" envconfig:"HTTPS_PORT"` // only used when a certificate is available
	Internet  bool   `yaml:"internet" envconfig:"INTERNET"`     // listen on all interfaces instead of loopback

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" envconfig:"READ_HEADER_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
}

// PoolConfig controls the worker pool
type PoolConfig struct {
	// Workers is the pool size. Negative values are multiplied by the
	// number of CPU cores.
	Workers float64 `yaml:"workers" envconfig:"WORKERS"`

	// Command is the application command line started for every worker
	Command []string `yaml:"command" envconfig:"COMMAND"`
	// Dir is the working directory of the application (deployment root)
	Dir string `yaml:"dir" envconfig:"APP_DIR"`
	// FileSockets makes workers listen on unix sockets instead of TCP ports
	FileSockets bool `yaml:"file_sockets" envconfig:"FILE_SOCKETS"`

	RestartInterval time.Duration `yaml:"restart_interval" envconfig:"RESTART_INTERVAL"` // 0 disables scheduled restarts
	Warmup          time.Duration `yaml:"warmup" envconfig:"WARMUP"`

	ProbeInterval time.Duration `yaml:"probe_interval" envconfig:"PROBE_INTERVAL"`
	ProbeAttempts int           `yaml:"probe_attempts" envconfig:"PROBE_ATTEMPTS"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" envconfig:"SHUTDOWN_GRACE"`
	KillGrace     time.Duration `yaml:"kill_grace" envconfig:"KILL_GRACE"`
	StableAfter   time.Duration `yaml:"stable_after" envconfig:"STABLE_AFTER"`
}

// ManagementConfig contains control plane configuration
type ManagementConfig struct {
	// DeploymentKey authenticates plain management requests. A leading
	// '*' switches the deployment to encrypted-only mode.
	DeploymentKey string `yaml:"deployment_key" envconfig:"DEPLOYMENT_KEY"`
	OnlyEncrypted bool   `yaml:"only_encrypted" envconfig:"ONLY_ENCRYPTED"`

	// AuthFailuresPerMinute limits wrong-key attempts per client IP (0 disables)
	AuthFailuresPerMinute int `yaml:"auth_failures_per_minute" envconfig:"AUTH_FAILURES_PER_MINUTE"`
}

// ProxyConfig contains request router configuration
type ProxyConfig struct {
	// TrustForwarded keeps X-Forwarded-* headers set by an upstream proxy
	TrustForwarded bool `yaml:"trust_forwarded" envconfig:"TRUST_XFF"`
}

// TLSConfig contains HTTPS configuration
type TLSConfig struct {
	PFX              string `yaml:"pfx" envconfig:"HTTPS_PFX"` // base64 encoded default certificate
	PFXPassword      string `yaml:"pfx_password" envconfig:"PFX_PASSWORD"`
	CertFile         string `yaml:"cert_file" envconfig:"CERT_FILE"`
	KeyFile          string `yaml:"key_file" envconfig:"KEY_FILE"`
	SessionCacheSize int    `yaml:"session_cache_size" envconfig:"SESSION_CACHE_SIZE"`
}

// SecretsConfig points at the secret store
type SecretsConfig struct {
	Dir          string `yaml:"dir" envconfig:"SECRETS_DIR"`
	IdentityFile string `yaml:"identity_file" envconfig:"IDENTITY_FILE"` // age identities for *.age secrets
}

// ConfigChannelConfig configures the external configuration channel used by
// getconfig/setconfig
type ConfigChannelConfig struct {
	Type    string        `yaml:"type" envconfig:"CHANNEL_TYPE"` // none, memory, file, mongodb
	Name    string        `yaml:"name" envconfig:"CHANNEL_NAME"`
	File    string        `yaml:"file" envconfig:"CHANNEL_FILE"`
	MongoDB MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI        string `yaml:"uri" envconfig:"URI"`
	Database   string `yaml:"database" envconfig:"DATABASE"`
	Collection string `yaml:"collection" envconfig:"COLLECTION"`
	Timeout    int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Load from file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := parse(configFile, data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("TD", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parse decodes a YAML document. JSON is a subset of YAML, so .json and
// .jsonc files only need their comments and trailing commas stripped.
func parse(name string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, cfg)
}

// defaultConfig returns a Config with sensible default values
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              4242,
			HTTPSPort:         443,
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Pool: PoolConfig{
			Workers:       1,
			Command:       []string{"node", "./script/compiled.js"},
			Dir:           ".",
			Warmup:        5 * time.Minute,
			ProbeInterval: time.Second,
			ProbeAttempts: 120,
			ShutdownGrace: 3 * time.Minute,
			KillGrace:     5 * time.Second,
			StableAfter:   time.Minute,
		},
		TLS: TLSConfig{
			SessionCacheSize: 50000,
		},
		ConfigChannel: ConfigChannelConfig{
			Type: "none",
			MongoDB: MongoDBConfig{
				URI:        "mongodb://localhost:27017",
				Database:   "appshell",
				Collection: "channel_config",
				Timeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		DataDir: ".",
	}
}

// normalize applies derived settings after all sources have been merged
func (c *Config) normalize() {
	if strings.HasPrefix(c.Management.DeploymentKey, "*") {
		c.Management.OnlyEncrypted = true
		c.Management.DeploymentKey = strings.TrimPrefix(c.Management.DeploymentKey, "*")
	}
	if c.Server.Internet && (c.Server.Host == "127.0.0.1" || c.Server.Host == "localhost") {
		c.Server.Host = ""
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.HTTPSPort < 0 || c.Server.HTTPSPort > 65535 {
		return fmt.Errorf("invalid https port: %d", c.Server.HTTPSPort)
	}

	if len(c.Pool.Command) == 0 {
		return fmt.Errorf("pool command is required")
	}

	if c.Pool.ProbeAttempts < 1 {
		return fmt.Errorf("probe_attempts must be at least 1")
	}

	if c.Pool.ProbeInterval <= 0 || c.Pool.ShutdownGrace <= 0 || c.Pool.KillGrace <= 0 {
		return fmt.Errorf("probe_interval, shutdown_grace and kill_grace must be positive")
	}

	switch c.ConfigChannel.Type {
	case "", "none", "memory":
	case "file":
		if c.ConfigChannel.File == "" {
			return fmt.Errorf("config_channel file is required when using file channel")
		}
	case "mongodb":
		if c.ConfigChannel.MongoDB.URI == "" {
			return fmt.Errorf("mongodb uri is required when using mongodb channel")
		}
	default:
		return fmt.Errorf("invalid config channel type: %s (must be none, memory, file, or mongodb)", c.ConfigChannel.Type)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}

	return nil
}

// Address returns the public HTTP address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTTPSAddress returns the public HTTPS address
func (c *ServerConfig) HTTPSAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPSPort)
}

// ChannelEnabled reports whether getconfig/setconfig have a backing store
func (c *ConfigChannelConfig) ChannelEnabled() bool {
	return c.Type != "" && c.Type != "none"
}
