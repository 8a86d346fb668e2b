// Package config defines the runtime configuration structs, defaulting,
// and validation shared across dohcursor's pipeline stages.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol selects how a Provider is addressed. Only JSON is implemented;
// Wire is reserved for a future RFC 8484 binary DoH path (see DESIGN.md).
type Protocol string

const (
	ProtocolJSON Protocol = "json"
	ProtocolWire Protocol = "wire"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig describes the client-facing UDP listeners.
type ServerConfig struct {
	IPv4            []string      `yaml:"ipv4"`
	IPv6            []string      `yaml:"ipv6"`
	Port            uint16        `yaml:"port"`
	ReceiveTimeout  time.Duration `yaml:"receive_timeout"`
	ReceiveBufBytes int           `yaml:"receive_buffer_bytes"`
}

// ResolverConfig describes the upstream DoH provider and its transport.
type ResolverConfig struct {
	Provider   string        `yaml:"provider"`
	Protocol   Protocol      `yaml:"protocol"`
	HTTPClient HTTPClientCfg `yaml:"http_client"`
}

// HTTPClientCfg describes the outbound HTTPS transport used to reach a Provider.
type HTTPClientCfg struct {
	Timeout     time.Duration `yaml:"timeout"`
	HTTPVersion string        `yaml:"http_version"` // "1.0", "1.1" (default), "2"
}

// ProcessorConfig describes the worker pool draining the Queue.
type ProcessorConfig struct {
	DequeueTimeout   time.Duration `yaml:"dequeue_timeout"`
	WorkerMultiplier int           `yaml:"worker_multiplier"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry/Prometheus settings.
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	Enabled           bool   `yaml:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	// #nosec G304 - config file path is provided by the operator via CLI flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults returns a Config with sensible defaults and no file backing it.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// applyDefaults fills in unset fields with spec-mandated defaults.
func (c *Config) applyDefaults() {
	if len(c.Server.IPv4) == 0 && len(c.Server.IPv6) == 0 {
		c.Server.IPv4 = []string{"127.0.0.1"}
		c.Server.IPv6 = []string{"::1"}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 53
	}
	if c.Server.ReceiveTimeout == 0 {
		c.Server.ReceiveTimeout = 10 * time.Second
	}
	if c.Server.ReceiveBufBytes == 0 {
		c.Server.ReceiveBufBytes = 512
	}

	if c.Resolver.Provider == "" {
		c.Resolver.Provider = "cloudflare"
	}
	if c.Resolver.Protocol == "" {
		c.Resolver.Protocol = ProtocolJSON
	}
	if c.Resolver.HTTPClient.Timeout == 0 {
		c.Resolver.HTTPClient.Timeout = 60 * time.Second
	}
	if c.Resolver.HTTPClient.HTTPVersion == "" {
		c.Resolver.HTTPClient.HTTPVersion = "1.1"
	}

	if c.Processor.DequeueTimeout == 0 {
		c.Processor.DequeueTimeout = 10 * time.Second
	}
	if c.Processor.WorkerMultiplier == 0 {
		c.Processor.WorkerMultiplier = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "error"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dohcursor"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

const (
	envProvider = "DOHCURSOR_PROVIDER"
	envPort     = "DOHCURSOR_PORT"
	envLogLevel = "DOHCURSOR_LOG_LEVEL"
)

// applyEnvOverrides lets operators override a handful of hot fields without
// touching the config file, mirroring how deployments commonly pin the
// provider or log level per environment.
func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(envProvider)); v != "" {
		c.Resolver.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv(envPort)); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Server.Port = uint16(port)
		}
	}
	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Server.IPv4) == 0 && len(c.Server.IPv6) == 0 {
		return fmt.Errorf("server: at least one of ipv4 or ipv6 addresses must be configured")
	}
	for _, addr := range c.Server.IPv4 {
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("server.ipv4: invalid address %q", addr)
		}
	}
	for _, addr := range c.Server.IPv6 {
		ip := net.ParseIP(addr)
		if ip == nil {
			return fmt.Errorf("server.ipv6: invalid address %q", addr)
		}
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port must be non-zero")
	}
	if c.Resolver.Provider == "" {
		return fmt.Errorf("resolver.provider must not be empty")
	}
	switch c.Resolver.Protocol {
	case ProtocolJSON, ProtocolWire:
	default:
		return fmt.Errorf("resolver.protocol: unsupported value %q", c.Resolver.Protocol)
	}
	if c.Processor.WorkerMultiplier <= 0 {
		return fmt.Errorf("processor.worker_multiplier must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

// Endpoints returns the "host:port" addresses the Server should bind, one
// per configured IPv4/IPv6 address.
func (c *Config) Endpoints() []string {
	endpoints := make([]string, 0, len(c.Server.IPv4)+len(c.Server.IPv6))
	for _, addr := range c.Server.IPv4 {
		endpoints = append(endpoints, net.JoinHostPort(addr, strconv.Itoa(int(c.Server.Port))))
	}
	for _, addr := range c.Server.IPv6 {
		endpoints = append(endpoints, net.JoinHostPort(addr, strconv.Itoa(int(c.Server.Port))))
	}
	return endpoints
}
