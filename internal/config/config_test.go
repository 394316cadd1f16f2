package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	req := require.New(t)

	config := DefaultConfig()

	req.NoError(config.Validate())
	req.Equal(100, config.Hub.MaxMessageHistoryPerRoom)
	req.Equal(50, config.Hub.HistoryTail)
	req.Equal(2000, config.Hub.MaxMessageLength)
	req.Equal(50, config.Hub.MaxTypingPerRoom)
	req.Equal(5*time.Second, config.Hub.TypingTimeout)
	req.Equal(7*24*time.Hour, config.Hub.SupportResolvedThreshold)
	req.Equal(24*time.Hour, config.Hub.RoomInactiveThreshold)
	req.Equal(30*time.Minute, config.Hub.MaintenanceInterval)
	req.Equal(60*time.Second, config.Hub.RateLimitWindow)
	req.Equal(50, config.Hub.RateLimitMax)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"nil database", func(c *Config) { c.Database = nil }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"nil http", func(c *Config) { c.HTTP = nil }},
		{"port zero", func(c *Config) { c.HTTP.Port = 0 }},
		{"port too high", func(c *Config) { c.HTTP.Port = 65536 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"nil websocket", func(c *Config) { c.WebSocket = nil }},
		{"read timeout under ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }},
		{"nil hub", func(c *Config) { c.Hub = nil }},
		{"zero max rooms", func(c *Config) { c.Hub.MaxRooms = 0 }},
		{"zero history", func(c *Config) { c.Hub.MaxMessageHistoryPerRoom = 0 }},
		{"tail above history", func(c *Config) { c.Hub.HistoryTail = c.Hub.MaxMessageHistoryPerRoom + 1 }},
		{"zero typing timeout", func(c *Config) { c.Hub.TypingTimeout = 0 }},
		{"zero maintenance interval", func(c *Config) { c.Hub.MaintenanceInterval = 0 }},
		{"zero rate limit", func(c *Config) { c.Hub.RateLimitMax = 0 }},
		{"empty secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()

			require.Error(t, err)
			require.NotEmpty(t, err.Error())
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	req := require.New(t)
	t.Setenv("MARKETHUB_HTTP_PORT", "9090")
	t.Setenv("MARKETHUB_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("MARKETHUB_TYPING_TIMEOUT", "2s")
	t.Setenv("MARKETHUB_RATE_LIMIT_MAX", "10")
	t.Setenv("MARKETHUB_LOG_FORMAT", "console")

	config, err := LoadFromEnv()

	req.NoError(err)
	req.Equal(9090, config.HTTP.Port)
	req.Equal("/tmp/test.db", config.Database.Path)
	req.Equal(2*time.Second, config.Hub.TypingTimeout)
	req.Equal(10, config.Hub.RateLimitMax)
	req.Equal("console", config.Log.Format)
	req.Equal(DefaultConfig().Hub.MaxRooms, config.Hub.MaxRooms)
}

func TestConfig_LoadFromEnvInvalidValue(t *testing.T) {
	t.Setenv("MARKETHUB_HTTP_PORT", "invalid")

	_, err := LoadFromEnv()

	require.Error(t, err)
}

func TestConfig_LoadFromFile(t *testing.T) {
	req := require.New(t)
	path := writeConfigFile(t, `{
		"database": {"path": "/tmp/testfile.db", "timeout": "10s"},
		"http": {"port": 8081, "read_timeout": "10s"},
		"hub": {"max_rooms": 10, "typing_timeout": "1s", "support_resolved_threshold": "48h"},
		"auth": {"jwt_secret": "s3cret"}
	}`)

	config, err := LoadFromFile(path)

	req.NoError(err)
	req.Equal("/tmp/testfile.db", config.Database.Path)
	req.Equal(10*time.Second, config.Database.Timeout)
	req.Equal(8081, config.HTTP.Port)
	req.Equal(10, config.Hub.MaxRooms)
	req.Equal(time.Second, config.Hub.TypingTimeout)
	req.Equal(48*time.Hour, config.Hub.SupportResolvedThreshold)
	req.Equal("s3cret", config.Auth.JWTSecret)
	req.Equal(DefaultConfig().Hub.HistoryTail, config.Hub.HistoryTail)
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", `{"database": {"path": "/tmp/x.db"}`},
		{"invalid duration", `{"hub": {"typing_timeout": "soon"}}`},
		{"invalid bounds", `{"hub": {"history_tail": 500}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfigFile(t, tt.content))
			require.Error(t, err)
		})
	}

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	req := require.New(t)

	// Given no file and no environment
	config, err := LoadConfigWithPrecedence("")
	req.NoError(err)
	req.Equal(8080, config.HTTP.Port)

	// Given a missing file
	config, err = LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "nonexistent.json"))
	req.NoError(err)
	req.Equal(8080, config.HTTP.Port)

	// Given an environment override
	t.Setenv("MARKETHUB_HTTP_PORT", "9999")
	t.Setenv("MARKETHUB_MAX_ROOMS", "42")
	config, err = LoadConfigWithPrecedence("")
	req.NoError(err)
	req.Equal(9999, config.HTTP.Port)

	// When a file also sets the port, the file wins and other env values survive
	path := writeConfigFile(t, `{"http": {"port": 7777}}`)
	config, err = LoadConfigWithPrecedence(path)
	req.NoError(err)
	req.Equal(7777, config.HTTP.Port)
	req.Equal(42, config.Hub.MaxRooms)
}
