package drshare

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of a relay server. It is loaded from YAML and can be
// overridden by DEVRELAY_* environment variables and command line flags.
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	TLS      TLSConfig         `yaml:"tls"`
	Actions  map[string]string `yaml:"actions"`
	Commands CommandsConfig    `yaml:"commands"`
	Journal  JournalConfig     `yaml:"journal"`
	MQTT     MQTTConfig        `yaml:"mqtt"`
	Logging  LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains listener and websocket settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	WSPath         string        `yaml:"ws_path"`
	WelcomeMessage string        `yaml:"welcome_message"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// TLSConfig contains certificate settings for the secure listener.
type TLSConfig struct {
	Enabled    bool           `yaml:"enabled"`
	CertFile   string         `yaml:"cert_file"`
	KeyFile    string         `yaml:"key_file"`
	MinVersion string         `yaml:"min_version"`
	Watch      bool           `yaml:"watch"`
	Autocert   AutocertConfig `yaml:"autocert"`
}

// AutocertConfig enables ACME certificates in place of certificate files.
type AutocertConfig struct {
	Hosts    []string `yaml:"hosts"`
	CacheDir string   `yaml:"cache_dir"`
	Email    string   `yaml:"email"`
}

// CommandsConfig controls correlation of dispatched commands with responses.
type CommandsConfig struct {
	Track bool          `yaml:"track"`
	TTL   time.Duration `yaml:"ttl"`
}

// JournalConfig contains the SQLite event journal settings. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig contains the event mirror broker settings. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// LoggingConfig contains log level and optional rotating log file settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	MaxSizeKB int64  `yaml:"max_size_kb"`
	MaxRolls  int    `yaml:"max_rolls"`
}

// LoadConfig reads a YAML config file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
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

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           4444,
			WSPath:         "/",
			WelcomeMessage: DefaultWelcomeMessage,
			MaxMessageSize: 64 * 1024,
			PingInterval:   30 * time.Second,
			PongTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		TLS: TLSConfig{
			Enabled:    true,
			CertFile:   "server.crt",
			KeyFile:    "server.key",
			MinVersion: "1.2",
		},
		Actions: map[string]string{
			"wifi": DefaultActions["wifi"],
		},
		Commands: CommandsConfig{
			TTL: 2 * time.Minute,
		},
		MQTT: MQTTConfig{
			ClientID:    "devrelay",
			TopicPrefix: "devrelay",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeKB: 10 * 1024,
			MaxRolls:  3,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVRELAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Server
	if v := os.Getenv("DEVRELAY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DEVRELAY_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEVRELAY_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	// TLS
	if v := os.Getenv("DEVRELAY_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("DEVRELAY_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}

	// Journal
	if v := os.Getenv("DEVRELAY_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}

	// MQTT
	if v := os.Getenv("DEVRELAY_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("DEVRELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("DEVRELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	// Logging
	if v := os.Getenv("DEVRELAY_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration for errors, reporting all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, "server.ws_path must start with '/'")
	}
	if c.Server.MaxMessageSize < 0 {
		errs = append(errs, "server.max_message_size must not be negative")
	}
	if c.Server.PingInterval > 0 && c.Server.PongTimeout <= 0 {
		errs = append(errs, "server.pong_timeout must be positive when pings are enabled")
	}

	if c.TLS.Enabled {
		if len(c.TLS.Autocert.Hosts) == 0 && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
			errs = append(errs, "tls.cert_file and tls.key_file are required unless tls.autocert.hosts is set")
		}
		if _, err := ParseTLSVersion(c.TLS.MinVersion); err != nil {
			errs = append(errs, "tls.min_version: "+err.Error())
		}
	}

	for name, action := range c.Actions {
		if name == "" || action == "" {
			errs = append(errs, "actions entries must have a non-empty name and device action")
			break
		}
	}

	if c.Commands.Track && c.Commands.TTL <= 0 {
		errs = append(errs, "commands.ttl must be positive when commands.track is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if StringToLogLevel(c.Logging.Level) == LogLevelUnknown {
		errs = append(errs, fmt.Sprintf("logging.level '%s' is not a known level", c.Logging.Level))
	}
	if c.Logging.File != "" && c.Logging.MaxSizeKB <= 0 {
		errs = append(errs, "logging.max_size_kb must be positive when logging.file is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Addr returns the host:port the server listens on
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FrameConnConfig returns the per-connection websocket settings
func (c *Config) FrameConnConfig() FrameConnConfig {
	return FrameConnConfig{
		MaxMessageSize: c.Server.MaxMessageSize,
		PingInterval:   c.Server.PingInterval,
		PongTimeout:    c.Server.PongTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
	}
}

// HubConfig returns the protocol settings of the Hub
func (c *Config) HubConfig() HubConfig {
	return HubConfig{
		WelcomeMessage: c.Server.WelcomeMessage,
		Actions:        c.Actions,
		TrackCommands:  c.Commands.Track,
		CommandTTL:     c.Commands.TTL,
	}
}
