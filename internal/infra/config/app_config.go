// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoginConfig is the identity presented on every channel's login stream.
type LoginConfig struct {
	UserName      string `yaml:"userName"`
	ApplicationID string `yaml:"applicationId"`
	Position      string `yaml:"position"`
}

// ChannelConfig describes one websocket session channel.
type ChannelConfig struct {
	Name         string        `yaml:"name"`
	URL          string        `yaml:"url"`
	RateLimit    float64       `yaml:"rateLimit"`
	Burst        int           `yaml:"burst"`
	WriteQueue   int           `yaml:"writeQueue"`
	PingInterval time.Duration `yaml:"pingInterval"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`
	MaxAttempts  int           `yaml:"maxAttempts"`
}

// WarmStandbyConfig turns a connection's channels into a warm-standby group.
type WarmStandbyConfig struct {
	StartingChannel string `yaml:"startingChannel"`
}

// ConnectionConfig groups channels that reach the same provider deployment.
type ConnectionConfig struct {
	Name         string             `yaml:"name"`
	LoginTimeout time.Duration      `yaml:"loginTimeout"`
	WarmStandby  *WarmStandbyConfig `yaml:"warmStandby"`
	Channels     []ChannelConfig    `yaml:"channels"`
}

// ServiceListConfig declares a service list alias.
type ServiceListConfig struct {
	Name     string   `yaml:"name"`
	Services []string `yaml:"services"`
}

// RecoveryConfig sizes the deferred re-bind worker pool.
type RecoveryConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

// ItemConfig is an item stream the consumer command opens at start.
type ItemConfig struct {
	Name        string   `yaml:"name"`
	Names       []string `yaml:"names"`
	Domain      string   `yaml:"domain"`
	Service     string   `yaml:"service"`
	ServiceList string   `yaml:"serviceList"`
	Snapshot    bool     `yaml:"snapshot"`
}

// APIServerConfig configures the diagnostics HTTP server. An empty Addr disables it.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// AppConfig is the unified session router configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment         `yaml:"environment"`
	Login         LoginConfig         `yaml:"login"`
	Connections   []ConnectionConfig  `yaml:"connections"`
	ServiceLists  []ServiceListConfig `yaml:"serviceLists"`
	ServiceIDBase int                 `yaml:"serviceIdBase"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Items         []ItemConfig        `yaml:"items"`
	Eventbus      EventbusConfig      `yaml:"eventbus"`
	APIServer     APIServerConfig     `yaml:"apiServer"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// Default returns a single-channel configuration pointing at a local provider.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Connections: []ConnectionConfig{{
			Name:     "Connection_1",
			Channels: []ChannelConfig{{Name: "Channel_1", URL: "ws://localhost:14002/stream"}},
		}},
		Eventbus: EventbusConfig{BufferSize: 64},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return AppConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the path is
// empty or the file does not exist. The flag reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), false, nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Login.UserName = strings.TrimSpace(c.Login.UserName)
	c.Login.ApplicationID = strings.TrimSpace(c.Login.ApplicationID)
	c.Login.Position = strings.TrimSpace(c.Login.Position)

	for i := range c.Connections {
		conn := &c.Connections[i]
		conn.Name = strings.TrimSpace(conn.Name)
		if conn.Name == "" {
			conn.Name = fmt.Sprintf("Connection_%d", i+1)
		}
		if conn.WarmStandby != nil {
			conn.WarmStandby.StartingChannel = strings.TrimSpace(conn.WarmStandby.StartingChannel)
		}
		for j := range conn.Channels {
			ch := &conn.Channels[j]
			ch.Name = strings.TrimSpace(ch.Name)
			ch.URL = strings.TrimSpace(ch.URL)
		}
	}

	for i := range c.ServiceLists {
		l := &c.ServiceLists[i]
		l.Name = strings.TrimSpace(l.Name)
		services := make([]string, 0, len(l.Services))
		for _, s := range l.Services {
			if s = strings.TrimSpace(s); s != "" {
				services = append(services, s)
			}
		}
		l.Services = services
	}

	if c.Eventbus.BufferSize == 0 {
		c.Eventbus.BufferSize = 64
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "sessionrouter"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if len(c.Connections) == 0 {
		return fmt.Errorf("at least one connection required")
	}
	connections := make(map[string]struct{}, len(c.Connections))
	for i, conn := range c.Connections {
		if _, dup := connections[conn.Name]; dup {
			return fmt.Errorf("connections[%d]: duplicate connection name %q", i, conn.Name)
		}
		connections[conn.Name] = struct{}{}
		if len(conn.Channels) == 0 {
			return fmt.Errorf("connection %s: at least one channel required", conn.Name)
		}
		if conn.LoginTimeout < 0 {
			return fmt.Errorf("connection %s: loginTimeout must be >=0", conn.Name)
		}
		for j, ch := range conn.Channels {
			if ch.URL == "" {
				return fmt.Errorf("connection %s: channels[%d]: url required", conn.Name, j)
			}
			if ch.RateLimit < 0 {
				return fmt.Errorf("channel %s: rateLimit must be >=0", ch.Name)
			}
			if ch.Burst < 0 || ch.WriteQueue < 0 || ch.MaxAttempts < 0 {
				return fmt.Errorf("channel %s: burst, writeQueue and maxAttempts must be >=0", ch.Name)
			}
		}
	}

	if c.Recovery.Workers < 0 || c.Recovery.Queue < 0 {
		return fmt.Errorf("recovery workers and queue must be >=0")
	}
	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Session().Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	for i, item := range c.Items {
		if _, err := item.Request(); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
