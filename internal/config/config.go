package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "TASKBOARD"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "taskboard.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultAuthIssuer          = "taskboard-auth"
	defaultTokenTTL            = 30 * time.Minute
	defaultRealtimeAuthTimeout = 5 * time.Second
	defaultRealtimeSendBuffer  = 64
	defaultRedisMembersTTL     = time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	SigningSecret  string
	Issuer         string
	TokenTTL       time.Duration
	Realtime       RealtimeConfig
	Redis          RedisConfig
	AllowedOrigins []string
}

// RealtimeConfig tunes the websocket gateway.
type RealtimeConfig struct {
	AuthTimeout time.Duration
	SendBuffer  int
}

// RedisConfig configures the optional membership cache. An empty Addr disables it.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	MembersTTL time.Duration
}

// Enabled reports whether a redis address was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("realtime.auth_timeout", defaultRealtimeAuthTimeout)
	configViper.SetDefault("realtime.send_buffer", defaultRealtimeSendBuffer)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.members_ttl", defaultRedisMembersTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     configViper.GetString("log.format"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		Realtime: RealtimeConfig{
			AuthTimeout: configViper.GetDuration("realtime.auth_timeout"),
			SendBuffer:  configViper.GetInt("realtime.send_buffer"),
		},
		Redis: RedisConfig{
			Addr:       configViper.GetString("redis.addr"),
			Password:   configViper.GetString("redis.password"),
			DB:         configViper.GetInt("redis.db"),
			MembersTTL: configViper.GetDuration("redis.members_ttl"),
		},
		AllowedOrigins: splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Realtime.AuthTimeout <= 0 {
		return fmt.Errorf("realtime.auth_timeout must be positive")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.Redis.Enabled() && c.Redis.MembersTTL <= 0 {
		return fmt.Errorf("redis.members_ttl must be positive when redis.addr is set")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
