// Package config handles toolwire configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolwire/config.yaml, /etc/toolwire/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolwire", "config.yaml"))
	}

	paths = append(paths, "/etc/toolwire/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Transports and framings accepted in server entries.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"

	FramingLine   = "line"
	FramingHeader = "header"
)

// Config holds all toolwire configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Supervise SuperviseConfig `yaml:"supervise"`
	Servers   []ServerConfig  `yaml:"servers"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
}

// ServerConfig describes one tool server.
type ServerConfig struct {
	Name string `yaml:"name"`

	// Transport is "stdio" (default) or "websocket".
	Transport string `yaml:"transport"`

	// Command, Args, Dir and Env launch a stdio server. Env entries are
	// layered over the parent environment.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`

	// URL and Headers reach a websocket server.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Framing is "line" (default) or "header" (Content-Length).
	Framing      string `yaml:"framing"`
	MaxFrameSize int    `yaml:"max_frame_size"`

	// Timeout bounds each request (default 30s).
	Timeout time.Duration `yaml:"timeout"`
	// StopGrace bounds graceful shutdown of the subprocess (default 5s).
	StopGrace time.Duration `yaml:"stop_grace"`
	// Sequential allows at most one in-flight request.
	Sequential bool `yaml:"sequential"`

	// RateLimit caps invocations per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Include and Exclude filter which tools are exposed. Include wins.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// ListenConfig defines the serve command's HTTP server.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// SuperviseConfig tunes health supervision under serve.
type SuperviseConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MQTTConfig defines the optional event publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether MQTT publishing is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != "" && m.DeviceName != ""
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with no servers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Transport == "" {
			s.Transport = TransportStdio
		}
		s.Command = expandHome(s.Command)
		s.Dir = expandHome(s.Dir)
		if s.Framing == "" {
			s.Framing = FramingLine
		}
		if s.Timeout == 0 {
			s.Timeout = 30 * time.Second
		}
		if s.StopGrace == 0 {
			s.StopGrace = 5 * time.Second
		}
	}
}

// Validate checks the configuration for mistakes that would otherwise
// surface as confusing runtime failures. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: expected text or json", c.LogFormat))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.MQTT.Broker != "" && c.MQTT.DeviceName == "" {
		errs = append(errs, errors.New("mqtt.device_name is required when mqtt.broker is set"))
	}

	seen := make(map[string]bool)
	for i, s := range c.Servers {
		label := fmt.Sprintf("servers[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		} else {
			label = fmt.Sprintf("server %q", s.Name)
			if seen[s.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", label))
			}
			seen[s.Name] = true
		}

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("%s: command is required for stdio transport", label))
			}
		case TransportWebSocket:
			u, err := url.Parse(s.URL)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
				errs = append(errs, fmt.Errorf("%s: url %q must be ws:// or wss://", label, s.URL))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown transport %q (expected stdio or websocket)", label, s.Transport))
		}

		if s.Framing != FramingLine && s.Framing != FramingHeader {
			errs = append(errs, fmt.Errorf("%s: unknown framing %q (expected line or header)", label, s.Framing))
		}
		if s.Timeout < 0 || s.StopGrace < 0 {
			errs = append(errs, fmt.Errorf("%s: durations must not be negative", label))
		}
		if s.RateLimit < 0 || s.RateBurst < 0 || s.MaxFrameSize < 0 {
			errs = append(errs, fmt.Errorf("%s: rate_limit, rate_burst and max_frame_size must not be negative", label))
		}
	}

	return errors.Join(errs...)
}

// Server returns the entry named name.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// expandHome replaces a leading ~ with the user's home directory. Other
// paths, including ~user forms, are returned unchanged.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
