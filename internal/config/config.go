package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend kinds
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
	StorageRedis  = "redis"
)

// Log rotation kinds
const (
	RotationNone = "none"
	RotationSize = "size"
	RotationTime = "time"
)

// Compression codecs for outbound frames
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// GeneralConfig holds the listen/dial address
type GeneralConfig struct {
	Addr string `yaml:"addr"`
}

// NetworkConfig holds per-connection limits and timeouts
type NetworkConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	CommandsPerSecond float64       `yaml:"commands_per_second"`
	CommandBurst      int           `yaml:"command_burst"`
	Compression       string        `yaml:"compression"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Type         string  `yaml:"type"`
	Path         string  `yaml:"path"`
	RedisAddr    string  `yaml:"redis_addr"`
	RedisDB      int     `yaml:"redis_db"`
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
}

// ServerTLSConfig holds the server certificate and an optional client CA.
// With a CA configured, clients must present a certificate signed by it.
type ServerTLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

// ClientTLSConfig holds what a client needs to verify and identify itself
type ClientTLSConfig struct {
	Domain string `yaml:"domain"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
	CA     string `yaml:"ca"`
}

// RotationConfig controls log file rotation
type RotationConfig struct {
	Kind      string        `yaml:"kind"`
	MaxSizeMB int           `yaml:"max_size_mb"`
	Period    time.Duration `yaml:"period"`
	MaxAge    int           `yaml:"max_age_days"`
	Backups   int           `yaml:"max_backups"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level         string         `yaml:"level"`
	Format        string         `yaml:"format"`
	Path          string         `yaml:"path"`
	EnableLogFile bool           `yaml:"enable_log_file"`
	Rotation      RotationConfig `yaml:"rotation"`
}

// MetricsConfig holds admin HTTP server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	NodeID         string        `yaml:"node_id"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// ServerConfig represents the complete configuration of a hashkv server
type ServerConfig struct {
	General GeneralConfig   `yaml:"general"`
	Network NetworkConfig   `yaml:"network"`
	Storage StorageConfig   `yaml:"storage"`
	TLS     ServerTLSConfig `yaml:"tls"`
	Log     LogConfig       `yaml:"log"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Gossip  GossipConfig    `yaml:"gossip"`
}

// ClientConfig represents the configuration of a hashkv client
type ClientConfig struct {
	General     GeneralConfig   `yaml:"general"`
	TLS         ClientTLSConfig `yaml:"tls"`
	DialTimeout time.Duration   `yaml:"dial_timeout"`
	Compression string          `yaml:"compression"`
}

// LoadServerConfig loads server configuration from a file
func LoadServerConfig(filePath string) (*ServerConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseServerConfig(data)
}

// ParseServerConfig parses YAML server configuration, applying defaults
// and environment overrides before validation
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setServerDefaults(&cfg)
	applyEnvironmentOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadClientConfig loads client configuration from a file
func LoadClientConfig(filePath string) (*ClientConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetClientDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setServerDefaults sets default values for unspecified configuration
func setServerDefaults(cfg *ServerConfig) {
	if cfg.General.Addr == "" {
		cfg.General.Addr = "127.0.0.1:9527"
	}

	if cfg.Network.MaxConnections == 0 {
		cfg.Network.MaxConnections = 1000
	}
	if cfg.Network.HandshakeTimeout == 0 {
		cfg.Network.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Network.WriteTimeout == 0 {
		cfg.Network.WriteTimeout = 10 * time.Second
	}
	if cfg.Network.ShutdownTimeout == 0 {
		cfg.Network.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Network.OutboundQueueSize == 0 {
		cfg.Network.OutboundQueueSize = 256
	}
	if cfg.Network.CommandBurst == 0 {
		cfg.Network.CommandBurst = 100
	}
	if cfg.Network.Compression == "" {
		cfg.Network.Compression = CompressionGzip
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = StorageMemory
	}
	if cfg.Storage.Type == StorageBolt && cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/hashkv/hashkv.db"
	}
	if cfg.Storage.Type == StorageRedis && cfg.Storage.RedisAddr == "" {
		cfg.Storage.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.95
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Path == "" {
		cfg.Log.Path = "/tmp/hashkv"
	}
	if cfg.Log.Rotation.Kind == "" {
		cfg.Log.Rotation.Kind = RotationNone
	}
	if cfg.Log.Rotation.Kind == RotationSize && cfg.Log.Rotation.MaxSizeMB == 0 {
		cfg.Log.Rotation.MaxSizeMB = 100
	}
	if cfg.Log.Rotation.Kind == RotationTime && cfg.Log.Rotation.Period == 0 {
		cfg.Log.Rotation.Period = 24 * time.Hour
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = "0.0.0.0"
	}
	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}
}

// SetClientDefaults sets default values for unspecified client configuration
func SetClientDefaults(cfg *ClientConfig) {
	if cfg.General.Addr == "" {
		cfg.General.Addr = "127.0.0.1:9527"
	}
	if cfg.TLS.Domain == "" {
		cfg.TLS.Domain = "localhost"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *ServerConfig) {
	if addr := os.Getenv("HASHKV_ADDR"); addr != "" {
		cfg.General.Addr = addr
	}
	if level := os.Getenv("HASHKV_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if path := os.Getenv("HASHKV_STORAGE_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if addr := os.Getenv("HASHKV_REDIS_ADDR"); addr != "" {
		cfg.Storage.RedisAddr = addr
	}
}

// Validate validates the configuration
func (c *ServerConfig) Validate() error {
	if c.General.Addr == "" {
		return fmt.Errorf("general.addr is required")
	}
	if c.TLS.Cert == "" || c.TLS.Key == "" {
		return fmt.Errorf("tls.cert and tls.key are required")
	}
	if c.Network.OutboundQueueSize < 1 {
		return fmt.Errorf("network.outbound_queue_size must be positive")
	}
	if c.Network.CommandsPerSecond < 0 {
		return fmt.Errorf("network.commands_per_second must not be negative")
	}
	if err := validateCompression(c.Network.Compression); err != nil {
		return fmt.Errorf("network.%w", err)
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt backend")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.type must be one of memory, bolt, redis; got %q", c.Storage.Type)
	}
	if c.Storage.MaxDiskUsage <= 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Rotation.Kind {
	case RotationNone, RotationSize, RotationTime:
	default:
		return fmt.Errorf("log.rotation.kind must be one of none, size, time; got %q", c.Log.Rotation.Kind)
	}

	if c.Gossip.Enabled && c.Gossip.NodeID == "" {
		return fmt.Errorf("gossip.node_id is required when gossip is enabled")
	}
	return nil
}

// Validate validates the client configuration
func (c *ClientConfig) Validate() error {
	if c.General.Addr == "" {
		return fmt.Errorf("general.addr is required")
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	return validateCompression(c.Compression)
}

func validateCompression(name string) error {
	switch name {
	case CompressionNone, CompressionGzip, CompressionLZ4, CompressionZstd:
		return nil
	default:
		return fmt.Errorf("compression must be one of none, gzip, lz4, zstd; got %q", name)
	}
}
