package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigSize bounds the configuration file size.
const MaxConfigSize = 1 << 20

// Config represents the client and node configuration
type Config struct {
	// Identity of this node or client; defaults to the hostname
	Identity string `yaml:"identity"`

	// Collectives this node is a member of
	Collectives    []string `yaml:"collectives"`
	MainCollective string   `yaml:"main_collective"`

	// Middleware
	Connector string      `yaml:"connector"` // memory, redis
	Redis     RedisConfig `yaml:"redis"`

	Security SecurityConfig `yaml:"security"`

	// Request behaviour
	DirectAddressing          bool     `yaml:"direct_addressing"`
	DirectAddressingThreshold int      `yaml:"direct_addressing_threshold"`
	DefaultDiscoveryMethod    string   `yaml:"default_discovery_method"`
	DefaultDiscoveryOptions   []string `yaml:"default_discovery_options"`
	DiscoveryTimeout          Duration `yaml:"discovery_timeout"`
	PublishTimeout            Duration `yaml:"publish_timeout"`
	TTL                       Duration `yaml:"ttl"`
	Threaded                  bool     `yaml:"threaded"`
	RPCLimitMethod            string   `yaml:"rpclimitmethod"`
	DefaultBatchSize          int      `yaml:"default_batch_size"`
	DefaultBatchSleepTime     Duration `yaml:"default_batch_sleep_time"`

	// Node information
	ClassesFile string   `yaml:"classesfile"`
	FactSource  []string `yaml:"factsource"`

	Registration RegistrationConfig `yaml:"registration"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`

	// Agents holds per agent settings keyed by agent name
	Agents map[string]AgentConfig `yaml:"agents"`
}

// RedisConfig holds the Redis middleware and inventory settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SecurityConfig selects the message security provider
type SecurityConfig struct {
	Provider string `yaml:"provider"` // none, psk
	PSK      string `yaml:"psk"`
	CallerID string `yaml:"caller_id"`
}

// RegistrationConfig controls periodic inventory registration
type RegistrationConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	TTL      Duration `yaml:"ttl"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text, json
	Output     string `yaml:"output"` // stdout, stderr, file
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig controls the node metrics and health server
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Exporter string `yaml:"exporter"` // none, stdout, otlp
	Endpoint string `yaml:"endpoint"`
}

// AgentConfig holds configuration for a single agent
type AgentConfig struct {
	RateLimit float64        `yaml:"rate_limit"`
	Burst     int            `yaml:"burst"`
	Settings  map[string]any `yaml:"settings"`
}

// Duration is a time.Duration that unmarshals from "10s" style strings or
// a plain number of seconds.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	if secs, err := strconv.ParseFloat(string(text), 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > MaxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLEET_IDENTITY"); v != "" {
		c.Identity = v
	}
	if v := os.Getenv("FLEET_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FLEET_PSK"); v != "" {
		c.Security.PSK = v
	}
}

func (c *Config) applyDefaults() {
	if c.Identity == "" {
		c.Identity, _ = os.Hostname()
	}
	if c.MainCollective == "" {
		c.MainCollective = "mcollective"
	}
	if len(c.Collectives) == 0 {
		c.Collectives = []string{c.MainCollective}
	}
	if c.Connector == "" {
		c.Connector = "memory"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "fleet:"
	}
	if c.Security.Provider == "" {
		c.Security.Provider = "none"
	}
	if c.DirectAddressingThreshold == 0 {
		c.DirectAddressingThreshold = 10
	}
	if c.DefaultDiscoveryMethod == "" {
		c.DefaultDiscoveryMethod = "mc"
	}
	if c.PublishTimeout.Duration == 0 {
		c.PublishTimeout.Duration = 2 * time.Second
	}
	if c.TTL.Duration == 0 {
		c.TTL.Duration = 60 * time.Second
	}
	if c.RPCLimitMethod == "" {
		c.RPCLimitMethod = "first"
	}
	if c.DefaultBatchSleepTime.Duration == 0 {
		c.DefaultBatchSleepTime.Duration = time.Second
	}
	if c.Registration.Interval.Duration == 0 {
		c.Registration.Interval.Duration = time.Minute
	}
	if c.Registration.TTL.Duration == 0 {
		c.Registration.TTL.Duration = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if !slices.Contains(c.Collectives, c.MainCollective) {
		return fmt.Errorf("main_collective %q is not one of the collectives", c.MainCollective)
	}

	switch c.Connector {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis connector")
		}
	default:
		return fmt.Errorf("unknown connector %q", c.Connector)
	}

	switch c.Security.Provider {
	case "none":
	case "psk":
		if c.Security.PSK == "" {
			return fmt.Errorf("security.psk is required for the psk provider")
		}
	default:
		return fmt.Errorf("unknown security provider %q", c.Security.Provider)
	}

	switch c.RPCLimitMethod {
	case "first", "random":
	default:
		return fmt.Errorf("rpclimitmethod must be first or random, got %q", c.RPCLimitMethod)
	}

	if c.DefaultBatchSize < 0 {
		return fmt.Errorf("default_batch_size cannot be negative")
	}
	if c.DefaultBatchSize > 0 && !c.DirectAddressing {
		return fmt.Errorf("default_batch_size requires direct_addressing")
	}

	for name, a := range c.Agents {
		if a.RateLimit < 0 || a.Burst < 0 {
			return fmt.Errorf("agent %s: rate_limit and burst cannot be negative", name)
		}
	}
	return nil
}
