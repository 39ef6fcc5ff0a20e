package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is loaded from the environment at startup.
type Config struct {
	ServerHost string
	ServerPort int
	DataDir    string

	// Optional perimeter Basic auth. AuthPassword and AuthPasswordHash are
	// mutually exclusive; the hash is an argon2id PHC string.
	AuthUsername     string
	AuthPassword     string
	AuthPasswordHash string

	// SyncHTTPTimeout bounds every outbound HTTP request made by sync cycles.
	SyncHTTPTimeout time.Duration

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ServerHost = getenvDefault("SERVER_HOST", "0.0.0.0")
	port, err := strconv.Atoi(getenvDefault("SERVER_PORT", "6765"))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("SERVER_PORT must be a valid port number")
	}
	cfg.ServerPort = port

	cfg.DataDir = getenvDefault("DATA_DIR", "./data")

	cfg.AuthUsername = os.Getenv("AUTH_USERNAME")
	cfg.AuthPassword = os.Getenv("AUTH_PASSWORD")
	cfg.AuthPasswordHash = os.Getenv("AUTH_PASSWORD_HASH")
	if cfg.AuthPassword != "" && cfg.AuthPasswordHash != "" {
		return nil, errors.New("AUTH_PASSWORD and AUTH_PASSWORD_HASH are mutually exclusive; set only one")
	}

	timeoutSecs, err := strconv.Atoi(getenvDefault("SYNC_HTTP_TIMEOUT", "30"))
	if err != nil || timeoutSecs < 1 {
		return nil, errors.New("SYNC_HTTP_TIMEOUT must be a positive number of seconds")
	}
	cfg.SyncHTTPTimeout = time.Duration(timeoutSecs) * time.Second

	cfg.PrometheusEnabled = getenvBool("PROMETHEUS_ENABLED", false)
	cfg.TrustedProxies = getenvList("TRUSTED_PROXIES")

	return cfg, nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// DBPath is the SQLite database file under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "caldav-sync.db")
}

// AuthEnabled reports whether perimeter Basic auth is configured.
func (c *Config) AuthEnabled() bool {
	return c.AuthUsername != "" && (c.AuthPassword != "" || c.AuthPasswordHash != "")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
