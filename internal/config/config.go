package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API    APIConfig    `yaml:"api"`
	Socket SocketConfig `yaml:"socket"`
	Chat   ChatConfig   `yaml:"chat"`
	Auth   AuthConfig   `yaml:"auth"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SocketConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteWait        time.Duration `yaml:"write_wait"`
	PongWait         time.Duration `yaml:"pong_wait"`
	PingPeriod       time.Duration `yaml:"ping_period"`
}

type ChatConfig struct {
	// PendingTimeout marks unconfirmed sends as failed. Zero disables it.
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	NoticeBuffer   int           `yaml:"notice_buffer"`
	TeamID         string        `yaml:"team_id"`
}

type AuthConfig struct {
	Email           string        `yaml:"email"`
	Password        string        `yaml:"password"`
	AccessToken     string        `yaml:"access_token"`
	RefreshToken    string        `yaml:"refresh_token"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	JWTSecret       string        `yaml:"jwt_secret"`
	// DatabaseURL selects Postgres storage. Empty keeps everything in memory.
	DatabaseURL     string        `yaml:"database_url"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	Users           []SeedUser    `yaml:"users"`
}

// SeedUser is a development backend account created at startup.
type SeedUser struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Email    string   `yaml:"email"`
	Password string   `yaml:"password"`
	Avatar   string   `yaml:"avatar"`
	Teams    []string `yaml:"teams"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 15 * time.Second,
		},
		Socket: SocketConfig{
			URL:              "ws://localhost:8080/ws",
			HandshakeTimeout: 45 * time.Second,
			WriteWait:        10 * time.Second,
			PongWait:         60 * time.Second,
			PingPeriod:       54 * time.Second,
		},
		Chat: ChatConfig{
			NoticeBuffer: 16,
		},
		Auth: AuthConfig{
			RefreshInterval: 5 * time.Minute,
		},
		Server: ServerConfig{
			Port:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads .env (if present), then the YAML file named by CHAT_CONFIG
// (default config.yml, optional), then applies environment overrides.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if err := loadFile(getEnvOrDefault("CHAT_CONFIG", "config.yml"), cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.API.BaseURL = getEnvOrDefault("API_URL", cfg.API.BaseURL)
	cfg.Socket.URL = getEnvOrDefault("SOCKET_URL", cfg.Socket.URL)
	cfg.Chat.TeamID = getEnvOrDefault("TEAM_ID", cfg.Chat.TeamID)
	cfg.Auth.Email = getEnvOrDefault("CHAT_EMAIL", cfg.Auth.Email)
	cfg.Auth.Password = getEnvOrDefault("CHAT_PASSWORD", cfg.Auth.Password)
	cfg.Auth.AccessToken = getEnvOrDefault("ACCESS_TOKEN", cfg.Auth.AccessToken)
	cfg.Auth.RefreshToken = getEnvOrDefault("REFRESH_TOKEN", cfg.Auth.RefreshToken)
	cfg.Server.Port = getEnvOrDefault("PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.Server.DatabaseURL)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"API_TIMEOUT", &cfg.API.Timeout},
		{"SOCKET_HANDSHAKE_TIMEOUT", &cfg.Socket.HandshakeTimeout},
		{"SOCKET_WRITE_WAIT", &cfg.Socket.WriteWait},
		{"SOCKET_PONG_WAIT", &cfg.Socket.PongWait},
		{"SOCKET_PING_PERIOD", &cfg.Socket.PingPeriod},
		{"PENDING_TIMEOUT", &cfg.Chat.PendingTimeout},
		{"CONNECT_TIMEOUT", &cfg.Chat.ConnectTimeout},
		{"AUTH_REFRESH_INTERVAL", &cfg.Auth.RefreshInterval},
		{"READ_TIMEOUT", &cfg.Server.ReadTimeout},
		{"WRITE_TIMEOUT", &cfg.Server.WriteTimeout},
		{"JWT_EXPIRES_IN", &cfg.Server.AccessTokenTTL},
		{"JWT_REFRESH_EXPIRES_IN", &cfg.Server.RefreshTokenTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getDurationOrDefault(d.key, *d.dst); err != nil {
			return err
		}
	}

	if cfg.Chat.NoticeBuffer, err = getIntOrDefault("NOTICE_BUFFER", cfg.Chat.NoticeBuffer); err != nil {
		return err
	}
	if cfg.Socket.PingPeriod >= cfg.Socket.PongWait {
		return fmt.Errorf("socket ping period %s must be shorter than pong wait %s", cfg.Socket.PingPeriod, cfg.Socket.PongWait)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return duration, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return intValue, nil
}
