package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the LLBot launcher.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Launcher LauncherConfig `yaml:"launcher"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	QRCode   QRCodeConfig   `yaml:"qrcode"`
	PMHQ     PMHQConfig     `yaml:"pmhq"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Status   StatusConfig   `yaml:"status"`
	Update   UpdateConfig   `yaml:"update"`
}

// LauncherConfig controls how the backend and sub-command are run.
type LauncherConfig struct {
	// Backend overrides the backend binary. Empty uses the bundled PMHQ.
	Backend string `yaml:"backend"`

	// Host is the interface probed for free ports.
	Host string `yaml:"host"`

	// PortStart and PortEnd bound the scan range, end exclusive.
	PortStart int `yaml:"port_start"`
	PortEnd   int `yaml:"port_end"`

	// PortFlag is prepended with the leased port to the backend arguments.
	PortFlag string `yaml:"port_flag"`

	// GracePeriod is how long children get between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`

	// DrainTimeout bounds output passthrough after shutdown begins.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// SingleInstance holds a lock file in the bundle root while running.
	SingleInstance bool `yaml:"single_instance"`

	Subcommand SubcommandConfig `yaml:"subcommand"`
}

// SubcommandConfig contains sub-command defaults.
type SubcommandConfig struct {
	// ExitAfter ends the session when the sub-command exits.
	ExitAfter bool `yaml:"exit_after"`

	// FailFast ends the session when the sub-command fails.
	FailFast bool `yaml:"fail_fast"`

	// DefaultLLBot runs the bundled LLBot when no --sub-cmd is given.
	DefaultLLBot bool `yaml:"default_llbot"`
}

// WatcherConfig overrides the output marker patterns. Empty keeps the built-in pattern.
type WatcherConfig struct {
	Ready     string `yaml:"ready"`
	QRCode    string `yaml:"qr_code"`
	ChildPID  string `yaml:"child_pid"`
	PortInUse string `yaml:"port_in_use"`
}

// QRCodeConfig contains login QR code output settings.
type QRCodeConfig struct {
	// Path of the saved PNG. Relative paths are resolved against the bundle root.
	Path string `yaml:"path"`

	// Terminal is auto, always, or never.
	Terminal string `yaml:"terminal"`
}

// PMHQConfig contains settings for the backend API login monitor.
type PMHQConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DatabaseConfig contains SQLite session history settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled    bool                `yaml:"enabled"`
	Broker     MQTTBrokerConfig    `yaml:"broker"`
	Auth       MQTTAuthConfig      `yaml:"auth"`
	QoS        int                 `yaml:"qos"`
	InstanceID string              `yaml:"instance_id"`
	Reconnect  MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// StatusConfig contains the local status server settings.
type StatusConfig struct {
	Enabled   bool                  `yaml:"enabled"`
	Host      string                `yaml:"host"`
	Port      int                   `yaml:"port"`
	Timeouts  StatusTimeoutConfig   `yaml:"timeouts"`
	WebSocket StatusWebSocketConfig `yaml:"websocket"`
}

// StatusTimeoutConfig contains HTTP timeout settings in seconds.
type StatusTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// StatusWebSocketConfig contains event stream settings.
type StatusWebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// UpdateConfig contains update check settings.
type UpdateConfig struct {
	Registry string        `yaml:"registry"`
	Mirrors  []string      `yaml:"mirrors"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped if the file does not exist
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LLBOT_SECTION_KEY
// For example: LLBOT_LOG_LEVEL, LLBOT_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
			// Bundles ship without a config file.
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Launcher: LauncherConfig{
			Host:           "127.0.0.1",
			PortStart:      13000,
			PortEnd:        14000,
			PortFlag:       "--port",
			GracePeriod:    5 * time.Second,
			DrainTimeout:   2 * time.Second,
			SingleInstance: true,
			Subcommand: SubcommandConfig{
				DefaultLLBot: true,
			},
		},
		QRCode: QRCodeConfig{
			Path:     "qrcode.png",
			Terminal: "auto",
		},
		PMHQ: PMHQConfig{
			Enabled:         true,
			InitialDelay:    3 * time.Second,
			RefreshInterval: 120 * time.Second,
			ReconnectDelay:  2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Database: DatabaseConfig{
			Path:        "llbot-history.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "llbot-launcher",
			},
			QoS:        1,
			InstanceID: "default",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "llbot",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Status: StatusConfig{
			Host: "127.0.0.1",
			Port: 13999,
			Timeouts: StatusTimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
			WebSocket: StatusWebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Update: UpdateConfig{
			Registry: "https://registry.npmjs.org",
			Mirrors: []string{
				"https://registry.npmmirror.com",
				"https://mirrors.huaweicloud.com/repository/npm",
				"https://mirrors.cloud.tencent.com/npm",
			},
			Timeout: 10 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LLBOT_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Launcher
	if v := os.Getenv("LLBOT_BACKEND"); v != "" {
		cfg.Launcher.Backend = v
	}
	if v := os.Getenv("LLBOT_GRACE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LLBOT_GRACE_PERIOD: %w", err)
		}
		cfg.Launcher.GracePeriod = d
	}

	// QR code
	if v := os.Getenv("LLBOT_QRCODE_PATH"); v != "" {
		cfg.QRCode.Path = v
	}
	if v := os.Getenv("LLBOT_QRCODE_TERMINAL"); v != "" {
		cfg.QRCode.Terminal = v
	}

	// Logging
	if v := os.Getenv("LLBOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LLBOT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Database
	if v := os.Getenv("LLBOT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("LLBOT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LLBOT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LLBOT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("LLBOT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Status server
	if v := os.Getenv("LLBOT_STATUS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LLBOT_STATUS_PORT: %w", err)
		}
		cfg.Status.Port = port
	}

	// Update
	if v := os.Getenv("LLBOT_UPDATE_REGISTRY"); v != "" {
		cfg.Update.Registry = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Launcher validation
	l := c.Launcher
	if !validPort(l.PortStart) || !validPort(l.PortEnd) {
		errs = append(errs, "launcher.port_start and launcher.port_end must be between 1 and 65535")
	} else if l.PortStart >= l.PortEnd {
		errs = append(errs, "launcher.port_start must be below launcher.port_end")
	}
	if strings.TrimSpace(l.PortFlag) == "" {
		errs = append(errs, "launcher.port_flag is required")
	}
	if l.GracePeriod <= 0 {
		errs = append(errs, "launcher.grace_period must be positive")
	}

	// Watcher validation
	for _, p := range []struct{ name, pattern string }{
		{"watcher.ready", c.Watcher.Ready},
		{"watcher.qr_code", c.Watcher.QRCode},
		{"watcher.child_pid", c.Watcher.ChildPID},
		{"watcher.port_in_use", c.Watcher.PortInUse},
	} {
		if p.pattern == "" {
			continue
		}
		if _, err := regexp.Compile(p.pattern); err != nil {
			errs = append(errs, fmt.Sprintf("%s is not a valid pattern: %v", p.name, err))
		}
	}

	// QR code validation
	switch c.QRCode.Terminal {
	case "auto", "always", "never":
	default:
		errs = append(errs, "qrcode.terminal must be auto, always, or never")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.InstanceID == "" || strings.ContainsAny(c.MQTT.InstanceID, "/+#") {
			errs = append(errs, "mqtt.instance_id must be non-empty and free of / + #")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required")
	}

	// Status server validation
	if c.Status.Enabled && !validPort(c.Status.Port) {
		errs = append(errs, "status.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ResolvePaths makes relative file paths absolute. The QR image lands in the
// launcher's working directory, where the user started it; the history
// database belongs to the bundle at root.
func (c *Config) ResolvePaths(root, workDir string) {
	c.QRCode.Path = resolve(workDir, c.QRCode.Path)
	c.Database.Path = resolve(root, c.Database.Path)
}

// GetReadTimeout returns the status server read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Status.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the status server write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Status.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the status server idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Status.Timeouts.Idle) * time.Second
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
