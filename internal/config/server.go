// Package config loads server configuration from a YAML file, environment
// variables, and defaults, in the teacher's viper-based style.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig holds the complete server configuration.
type ServerConfig struct {
	Domain        string       `mapstructure:"domain"`
	Landing       string       `mapstructure:"landing"`
	Secure        bool         `mapstructure:"secure"`
	MaxTCPSockets int          `mapstructure:"max_tcp_sockets"`
	Range         string       `mapstructure:"range"`
	Secret        string       `mapstructure:"secret"`
	Port          int          `mapstructure:"port"`
	Address       string       `mapstructure:"address"`
	LogLevel      string       `mapstructure:"log_level"`
	LogFormat     string       `mapstructure:"log_format"`
	AdminPort     int          `mapstructure:"admin_port"`
	AdminCORS     []string     `mapstructure:"admin_cors_origins"`
	AcceptRate    RateSettings `mapstructure:"accept_rate"`
}

// RateSettings configures the accept-rate limiter in front of both the
// public tunnel listener and each agent's reverse-connection acceptor.
type RateSettings struct {
	Global int `mapstructure:"global"`
	PerIP  int `mapstructure:"per_ip"`
}

// Load reads configuration from configPath (or the standard search
// locations if empty), environment variables prefixed LTSERVER_, and the
// defaults below, then validates the result.
func Load(configPath string) (*ServerConfig, error) {
	v := viper.New()

	v.SetDefault("landing", "")
	v.SetDefault("secure", false)
	v.SetDefault("max_tcp_sockets", 10)
	v.SetDefault("range", "")
	v.SetDefault("secret", "")
	v.SetDefault("port", 80)
	v.SetDefault("address", "0.0.0.0")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("admin_port", 8081)
	v.SetDefault("admin_cors_origins", []string{"*"})
	v.SetDefault("accept_rate.global", 50)
	v.SetDefault("accept_rate.per_ip", 5)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("server")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lt-server")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".lt-server"))
		}
	}

	v.SetEnvPrefix("LTSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("domain")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *ServerConfig) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin_port: %d", c.AdminPort)
	}
	if c.MaxTCPSockets <= 0 {
		return fmt.Errorf("max_tcp_sockets must be positive")
	}
	return nil
}
