package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	WSPath              string          `mapstructure:"ws_path"`
	LogLevel            string          `mapstructure:"log_level"`
	LogEncoding         string          `mapstructure:"log_encoding"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Heartbeat           HeartbeatConfig `mapstructure:"heartbeat"`
	Session             SessionConfig   `mapstructure:"session"`
	CORS                CORSConfig      `mapstructure:"cors"`
	Admin               AdminConfig     `mapstructure:"admin"`
	Registry            RegistryConfig  `mapstructure:"registry"`
}

// HeartbeatConfig controls liveness probing of idle connections.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SessionConfig bounds per-connection resources.
type SessionConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// CORSConfig lists origins allowed to open the public endpoints.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AdminConfig describes the operator listener. An empty address disables it.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// RegistryConfig tunes identity allocation.
type RegistryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

const (
	defaultListenAddress       = "0.0.0.0:3000"
	defaultWSPath              = "/ws/"
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultHeartbeatInterval   = 5 * time.Second
	defaultHeartbeatTimeout    = 10 * time.Second
	defaultSendBuffer          = 64
	defaultMaxMessageBytes     = 64 * 1024
	defaultWriteTimeout        = 10 * time.Second
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultMaxAttempts         = 64
)

// durationKeys are parsed by hand; viper leaves them as strings.
var durationKeys = map[string]time.Duration{
	"shutdown_grace_period":     defaultShutdownGracePeriod,
	"heartbeat.interval":        defaultHeartbeatInterval,
	"heartbeat.timeout":         defaultHeartbeatTimeout,
	"session.write_timeout":     defaultWriteTimeout,
	"admin.read_header_timeout": defaultReadHeaderTimeout,
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddress:       defaultListenAddress,
		WSPath:              defaultWSPath,
		LogLevel:            defaultLogLevel,
		LogEncoding:         defaultLogEncoding,
		ShutdownGracePeriod: defaultShutdownGracePeriod,
		Heartbeat: HeartbeatConfig{
			Interval: defaultHeartbeatInterval,
			Timeout:  defaultHeartbeatTimeout,
		},
		Session: SessionConfig{
			SendBuffer:      defaultSendBuffer,
			MaxMessageBytes: defaultMaxMessageBytes,
			WriteTimeout:    defaultWriteTimeout,
		},
		CORS:     CORSConfig{AllowedOrigins: []string{"*"}},
		Admin:    AdminConfig{Address: defaultAdminAddress, ReadHeaderTimeout: defaultReadHeaderTimeout},
		Registry: RegistryConfig{MaxAttempts: defaultMaxAttempts},
	}
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CHATTY_ and can override file values;
// nested keys use underscores, e.g. CHATTY_HEARTBEAT_INTERVAL.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATTY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	def := Default()
	v.SetDefault("listen_address", def.ListenAddress)
	v.SetDefault("ws_path", def.WSPath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_encoding", def.LogEncoding)
	v.SetDefault("session.send_buffer", def.Session.SendBuffer)
	v.SetDefault("session.max_message_bytes", def.Session.MaxMessageBytes)
	v.SetDefault("cors.allowed_origins", def.CORS.AllowedOrigins)
	v.SetDefault("admin.address", def.Admin.Address)
	v.SetDefault("registry.max_attempts", def.Registry.MaxAttempts)
	for key, d := range durationKeys {
		v.SetDefault(key, d.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	for key := range durationKeys {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*cfg.duration(key) = dur
	}

	// A comma separated env value arrives as a single element.
	if origins := strings.TrimSpace(getenv("CHATTY_CORS_ALLOWED_ORIGINS")); origins != "" {
		cfg.CORS.AllowedOrigins = splitList(origins)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) duration(key string) *time.Duration {
	switch key {
	case "shutdown_grace_period":
		return &c.ShutdownGracePeriod
	case "heartbeat.interval":
		return &c.Heartbeat.Interval
	case "heartbeat.timeout":
		return &c.Heartbeat.Timeout
	case "session.write_timeout":
		return &c.Session.WriteTimeout
	case "admin.read_header_timeout":
		return &c.Admin.ReadHeaderTimeout
	}
	panic("config: unknown duration key " + key)
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.ListenAddress == "" {
		c.ListenAddress = def.ListenAddress
	}
	if c.WSPath == "" {
		c.WSPath = def.WSPath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogEncoding == "" {
		c.LogEncoding = def.LogEncoding
	}
	if c.Session.SendBuffer == 0 {
		c.Session.SendBuffer = def.Session.SendBuffer
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = def.Session.MaxMessageBytes
	}
	if c.Registry.MaxAttempts == 0 {
		c.Registry.MaxAttempts = def.Registry.MaxAttempts
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = def.CORS.AllowedOrigins
	}
}

// Validate rejects combinations the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		errs = append(errs, fmt.Errorf("heartbeat.timeout %s must exceed heartbeat.interval %s", c.Heartbeat.Timeout, c.Heartbeat.Interval))
	}
	if c.Session.SendBuffer < 1 {
		errs = append(errs, errors.New("session.send_buffer must be at least 1"))
	}
	if c.Session.MaxMessageBytes < 1 {
		errs = append(errs, errors.New("session.max_message_bytes must be positive"))
	}
	if c.Session.WriteTimeout <= 0 {
		errs = append(errs, errors.New("session.write_timeout must be positive"))
	}
	if c.ShutdownGracePeriod < 0 {
		errs = append(errs, errors.New("shutdown_grace_period must not be negative"))
	}
	if c.Registry.MaxAttempts < 1 {
		errs = append(errs, errors.New("registry.max_attempts must be at least 1"))
	}
	switch strings.ToLower(c.LogEncoding) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_encoding %q must be json or console", c.LogEncoding))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// split out for testing.
var getenv = os.Getenv
