package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile      string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	AuthSecret  string
	TokenExpiry time.Duration

	// Websocket heartbeat. A connection that misses pongs for
	// PongTimeout is considered dead and unregistered.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// RingTimeout reclaims ringing calls that were never answered.
	RingTimeout time.Duration
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}
	pingInterval, err := time.ParseDuration(getEnv("PING_INTERVAL", "30s"))
	if err != nil {
		return nil, err
	}
	pongTimeout, err := time.ParseDuration(getEnv("PONG_TIMEOUT", "75s"))
	if err != nil {
		return nil, err
	}
	ringTimeout, err := time.ParseDuration(getEnv("RING_TIMEOUT", "60s"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:       getEnv("LICHKA_DB", "lichka.db"),
		APIAddr:      getEnv("API_ADDR", ":8080"),
		BaseURL:      getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:  getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:   os.Getenv("AUTH_SECRET"),
		TokenExpiry:  tokenExpiry,
		PingInterval: pingInterval,
		PongTimeout:  pongTimeout,
		RingTimeout:  ringTimeout,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("PONG_TIMEOUT must be greater than PING_INTERVAL")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
