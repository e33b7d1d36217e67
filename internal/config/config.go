// Package config loads runtime configuration from YAML and environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the gateway.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"storage"`
	Credentials struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"credentials"`
	Dispatch struct {
		Workers int `mapstructure:"workers"`
	} `mapstructure:"dispatch"`
	Campaign struct {
		BatchSize int `mapstructure:"batch_size"`
	} `mapstructure:"campaign"`
	APNS struct {
		Timeout       time.Duration `mapstructure:"timeout"`
		KeepAlivePing time.Duration `mapstructure:"keep_alive_ping"`
	} `mapstructure:"apns"`
	FCM struct {
		DataOnly     bool          `mapstructure:"data_only"`
		ValidateOnly bool          `mapstructure:"validate_only"`
		Timeout      time.Duration `mapstructure:"timeout"`
	} `mapstructure:"fcm"`
	HMS struct {
		TokenURL     string        `mapstructure:"token_url"`
		SendBaseURL  string        `mapstructure:"send_base_url"`
		Timeout      time.Duration `mapstructure:"timeout"`
		ValidateOnly bool          `mapstructure:"validate_only"`
	} `mapstructure:"hms"`
	Activation struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"activation"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("push_gateway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; env-only configuration is supported.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("storage.path", "data/pushgateway.db")
	v.SetDefault("credentials.cache_ttl", time.Hour)
	v.SetDefault("dispatch.workers", 16)
	v.SetDefault("campaign.batch_size", 100)
	v.SetDefault("apns.timeout", 10*time.Second)
	v.SetDefault("apns.keep_alive_ping", 30*time.Second)
	v.SetDefault("fcm.timeout", 10*time.Second)
	v.SetDefault("hms.timeout", 10*time.Second)
	v.SetDefault("activation.timeout", 5*time.Second)
}

func validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if cfg.Campaign.BatchSize <= 0 {
		return fmt.Errorf("campaign.batch_size must be positive")
	}
	return nil
}
