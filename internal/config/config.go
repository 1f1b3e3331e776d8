package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "FORMDECK"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "formdeck.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "formdeck-auth"
	defaultHistoryLimit      = 128
	defaultConflictWindowMS  = 2000
	defaultIdleThresholdSecs = 300
	defaultReapIntervalSecs  = 60
	defaultSendBuffer        = 32
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	AuthSigningKey string
	AuthIssuer     string
	DatabasePath   string
	LogLevel       string
	HistoryLimit   int
	ConflictWindow time.Duration
	IdleThreshold  time.Duration
	ReapInterval   time.Duration
	SendBufferSize int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("room.history_limit", defaultHistoryLimit)
	configViper.SetDefault("room.conflict_window_ms", defaultConflictWindowMS)
	configViper.SetDefault("room.idle_threshold_s", defaultIdleThresholdSecs)
	configViper.SetDefault("room.reap_interval_s", defaultReapIntervalSecs)
	configViper.SetDefault("room.send_buffer", defaultSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AuthSigningKey: configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		HistoryLimit:   configViper.GetInt("room.history_limit"),
		ConflictWindow: time.Duration(configViper.GetInt("room.conflict_window_ms")) * time.Millisecond,
		IdleThreshold:  time.Duration(configViper.GetInt("room.idle_threshold_s")) * time.Second,
		ReapInterval:   time.Duration(configViper.GetInt("room.reap_interval_s")) * time.Second,
		SendBufferSize: configViper.GetInt("room.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("room.history_limit must be positive")
	}
	if c.ConflictWindow <= 0 {
		return fmt.Errorf("room.conflict_window_ms must be positive")
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("room.idle_threshold_s must be positive")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("room.reap_interval_s must be positive")
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("room.send_buffer must be positive")
	}
	return nil
}
