package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode    string `mapstructure:"mode"`
	Session string `mapstructure:"session"`
	Name    string `mapstructure:"name"`

	Transport string `mapstructure:"transport"`
	SignalURL string `mapstructure:"signal_url"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	StatusAddr string `mapstructure:"status_addr"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	DisconnectGrace   time.Duration `mapstructure:"disconnect_grace"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`

	ICEServers []string `mapstructure:"ice_servers"`

	MediaDriver string `mapstructure:"media_driver"`
	CameraAddr  string `mapstructure:"camera_addr"`
	MicAddr     string `mapstructure:"mic_addr"`
	DisplayAddr string `mapstructure:"display_addr"`
	BlurRadius  int    `mapstructure:"blur_radius"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("session", "lobby")
	v.SetDefault("name", "guest")
	v.SetDefault("transport", "redis")
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("status_addr", "")
	v.SetDefault("heartbeat_interval", "10s")
	v.SetDefault("poll_interval", "3s")
	v.SetDefault("disconnect_grace", "5s")
	v.SetDefault("reconnect_base", "2s")
	v.SetDefault("max_reconnects", 5)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media_driver", "synthetic")
	v.SetDefault("camera_addr", "127.0.0.1:5004")
	v.SetDefault("mic_addr", "127.0.0.1:5006")
	v.SetDefault("display_addr", "127.0.0.1:5008")
	v.SetDefault("blur_radius", 6)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
