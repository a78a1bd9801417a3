package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Protocol struct {
		// Version is the server's protocol version; clients declaring an
		// older major are asked to reload.
		Version string `mapstructure:"version"`
	} `mapstructure:"protocol"`
	Session struct {
		Debounce time.Duration `mapstructure:"debounce"`
		MaxWait  time.Duration `mapstructure:"maxWait"`
		// MaxConnectionsPerDocument is enforced per instance; cluster-wide
		// accuracy requires the fan-out relay.
		MaxConnectionsPerDocument int           `mapstructure:"maxConnectionsPerDocument"`
		PresenceWindow            time.Duration `mapstructure:"presenceWindow"`
	} `mapstructure:"session"`
}

// Load reads sessionConfig.yaml, tolerating launches from the repo root or
// the config directory.
func Load() (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("sessionConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetDefault("running.port", 3002)
	v.SetDefault("protocol.version", "1.0")
	v.SetDefault("session.debounce", "3s")
	v.SetDefault("session.maxWait", "10s")
	v.SetDefault("session.maxConnectionsPerDocument", 20)
	v.SetDefault("session.presenceWindow", "1m")
	v.SetDefault("kafka.topic", "doc-events")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
