package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the hub process.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Hub       *HubConfig       `json:"hub"`
	Auth      *AuthConfig      `json:"auth"`
	Log       *LogConfig       `json:"log"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BufferSize     int           `json:"buffer_size"`
	MaxFrameBytes  int64         `json:"max_frame_bytes"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// HubConfig bounds every in-memory collection of the hub.
type HubConfig struct {
	MaxRooms                 int           `json:"max_rooms"`
	MaxParticipantsPerRoom   int           `json:"max_participants_per_room"`
	MaxMessageHistoryPerRoom int           `json:"max_message_history_per_room"`
	HistoryTail              int           `json:"history_tail"`
	MaxMessageLength         int           `json:"max_message_length"`
	MaxTypingPerRoom         int           `json:"max_typing_per_room"`
	TypingTimeout            time.Duration `json:"typing_timeout"`
	MaxSupportRequests       int           `json:"max_support_requests"`
	SupportResolvedThreshold time.Duration `json:"support_resolved_threshold"`
	RoomInactiveThreshold    time.Duration `json:"room_inactive_threshold"`
	MaintenanceInterval      time.Duration `json:"maintenance_interval"`
	RateLimitWindow          time.Duration `json:"rate_limit_window"`
	RateLimitMax             int           `json:"rate_limit_max"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// DefaultConfig returns settings suitable for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./markethub.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:  30 * time.Second,
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  5 * time.Second,
			BufferSize:    100,
			MaxFrameBytes: 16 * 1024,
		},
		Hub: &HubConfig{
			MaxRooms:                 1000,
			MaxParticipantsPerRoom:   100,
			MaxMessageHistoryPerRoom: 100,
			HistoryTail:              50,
			MaxMessageLength:         2000,
			MaxTypingPerRoom:         50,
			TypingTimeout:            5 * time.Second,
			MaxSupportRequests:       500,
			SupportResolvedThreshold: 7 * 24 * time.Hour,
			RoomInactiveThreshold:    24 * time.Hour,
			MaintenanceInterval:      30 * time.Minute,
			RateLimitWindow:          60 * time.Second,
			RateLimitMax:             50,
		},
		Auth: &AuthConfig{
			JWTSecret: "change-me-in-production",
			Issuer:    "marketplace",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the hub cannot run with.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return fmt.Errorf("WebSocket max frame size must be positive")
	}

	if c.Hub == nil {
		return fmt.Errorf("hub configuration is required")
	}
	if err := c.Hub.Validate(); err != nil {
		return err
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret cannot be empty")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format must be json or console")
	}

	return nil
}

// Validate checks every hub bound.
func (h *HubConfig) Validate() error {
	positives := []struct {
		name  string
		value int
	}{
		{"max rooms", h.MaxRooms},
		{"max participants per room", h.MaxParticipantsPerRoom},
		{"max message history per room", h.MaxMessageHistoryPerRoom},
		{"history tail", h.HistoryTail},
		{"max message length", h.MaxMessageLength},
		{"max typing per room", h.MaxTypingPerRoom},
		{"max support requests", h.MaxSupportRequests},
		{"rate limit max", h.RateLimitMax},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("hub %s must be positive", p.name)
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"typing timeout", h.TypingTimeout},
		{"support resolved threshold", h.SupportResolvedThreshold},
		{"room inactive threshold", h.RoomInactiveThreshold},
		{"maintenance interval", h.MaintenanceInterval},
		{"rate limit window", h.RateLimitWindow},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("hub %s must be positive", d.name)
		}
	}

	if h.HistoryTail > h.MaxMessageHistoryPerRoom {
		return fmt.Errorf("hub history tail cannot exceed max message history per room")
	}
	return nil
}

// envOverrides lists every MARKETHUB_* variable. Zero values mean "unset".
type envOverrides struct {
	HTTPPort         int           `env:"MARKETHUB_HTTP_PORT"`
	HTTPHost         string        `env:"MARKETHUB_HTTP_HOST"`
	HTTPReadTimeout  time.Duration `env:"MARKETHUB_HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout time.Duration `env:"MARKETHUB_HTTP_WRITE_TIMEOUT"`

	DatabasePath    string        `env:"MARKETHUB_DATABASE_PATH"`
	DatabaseTimeout time.Duration `env:"MARKETHUB_DATABASE_TIMEOUT"`

	WSPingInterval  time.Duration `env:"MARKETHUB_WEBSOCKET_PING_INTERVAL"`
	WSReadTimeout   time.Duration `env:"MARKETHUB_WEBSOCKET_READ_TIMEOUT"`
	WSWriteTimeout  time.Duration `env:"MARKETHUB_WEBSOCKET_WRITE_TIMEOUT"`
	WSBufferSize    int           `env:"MARKETHUB_WEBSOCKET_BUFFER_SIZE"`
	WSMaxFrameBytes int64         `env:"MARKETHUB_WEBSOCKET_MAX_FRAME_BYTES"`

	MaxRooms                 int           `env:"MARKETHUB_MAX_ROOMS"`
	MaxParticipantsPerRoom   int           `env:"MARKETHUB_MAX_PARTICIPANTS_PER_ROOM"`
	MaxMessageHistoryPerRoom int           `env:"MARKETHUB_MAX_MESSAGE_HISTORY_PER_ROOM"`
	HistoryTail              int           `env:"MARKETHUB_HISTORY_TAIL"`
	MaxMessageLength         int           `env:"MARKETHUB_MAX_MESSAGE_LENGTH"`
	MaxTypingPerRoom         int           `env:"MARKETHUB_MAX_TYPING_PER_ROOM"`
	TypingTimeout            time.Duration `env:"MARKETHUB_TYPING_TIMEOUT"`
	MaxSupportRequests       int           `env:"MARKETHUB_MAX_SUPPORT_REQUESTS"`
	SupportResolvedThreshold time.Duration `env:"MARKETHUB_SUPPORT_RESOLVED_THRESHOLD"`
	RoomInactiveThreshold    time.Duration `env:"MARKETHUB_ROOM_INACTIVE_THRESHOLD"`
	MaintenanceInterval      time.Duration `env:"MARKETHUB_MAINTENANCE_INTERVAL"`
	RateLimitWindow          time.Duration `env:"MARKETHUB_RATE_LIMIT_WINDOW"`
	RateLimitMax             int           `env:"MARKETHUB_RATE_LIMIT_MAX"`

	JWTSecret string `env:"MARKETHUB_JWT_SECRET"`
	JWTIssuer string `env:"MARKETHUB_JWT_ISSUER"`

	LogLevel  string `env:"MARKETHUB_LOG_LEVEL"`
	LogFormat string `env:"MARKETHUB_LOG_FORMAT"`
}

// LoadFromEnv overlays MARKETHUB_* variables (and a .env file when present)
// on top of the defaults.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	// A missing .env file is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("failed to decode environment: %w", err)
	}

	setString(&config.HTTP.Host, o.HTTPHost)
	setInt(&config.HTTP.Port, o.HTTPPort)
	setDuration(&config.HTTP.ReadTimeout, o.HTTPReadTimeout)
	setDuration(&config.HTTP.WriteTimeout, o.HTTPWriteTimeout)

	setString(&config.Database.Path, o.DatabasePath)
	setDuration(&config.Database.Timeout, o.DatabaseTimeout)

	setDuration(&config.WebSocket.PingInterval, o.WSPingInterval)
	setDuration(&config.WebSocket.ReadTimeout, o.WSReadTimeout)
	setDuration(&config.WebSocket.WriteTimeout, o.WSWriteTimeout)
	setInt(&config.WebSocket.BufferSize, o.WSBufferSize)
	if o.WSMaxFrameBytes != 0 {
		config.WebSocket.MaxFrameBytes = o.WSMaxFrameBytes
	}

	h := config.Hub
	setInt(&h.MaxRooms, o.MaxRooms)
	setInt(&h.MaxParticipantsPerRoom, o.MaxParticipantsPerRoom)
	setInt(&h.MaxMessageHistoryPerRoom, o.MaxMessageHistoryPerRoom)
	setInt(&h.HistoryTail, o.HistoryTail)
	setInt(&h.MaxMessageLength, o.MaxMessageLength)
	setInt(&h.MaxTypingPerRoom, o.MaxTypingPerRoom)
	setDuration(&h.TypingTimeout, o.TypingTimeout)
	setInt(&h.MaxSupportRequests, o.MaxSupportRequests)
	setDuration(&h.SupportResolvedThreshold, o.SupportResolvedThreshold)
	setDuration(&h.RoomInactiveThreshold, o.RoomInactiveThreshold)
	setDuration(&h.MaintenanceInterval, o.MaintenanceInterval)
	setDuration(&h.RateLimitWindow, o.RateLimitWindow)
	setInt(&h.RateLimitMax, o.RateLimitMax)

	setString(&config.Auth.JWTSecret, o.JWTSecret)
	setString(&config.Auth.Issuer, o.JWTIssuer)

	setString(&config.Log.Level, o.LogLevel)
	setString(&config.Log.Format, o.LogFormat)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// ConfigFile is the JSON layout of a config file. Durations are strings
// such as "30s" or "168h".
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Hub       *HubConfigFile       `json:"hub"`
	Auth      *AuthConfig          `json:"auth"`
	Log       *LogConfig           `json:"log"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval   string   `json:"ping_interval"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	BufferSize     int      `json:"buffer_size"`
	MaxFrameBytes  int64    `json:"max_frame_bytes"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type HubConfigFile struct {
	MaxRooms                 int    `json:"max_rooms"`
	MaxParticipantsPerRoom   int    `json:"max_participants_per_room"`
	MaxMessageHistoryPerRoom int    `json:"max_message_history_per_room"`
	HistoryTail              int    `json:"history_tail"`
	MaxMessageLength         int    `json:"max_message_length"`
	MaxTypingPerRoom         int    `json:"max_typing_per_room"`
	TypingTimeout            string `json:"typing_timeout"`
	MaxSupportRequests       int    `json:"max_support_requests"`
	SupportResolvedThreshold string `json:"support_resolved_threshold"`
	RoomInactiveThreshold    string `json:"room_inactive_threshold"`
	MaintenanceInterval      string `json:"maintenance_interval"`
	RateLimitWindow          string `json:"rate_limit_window"`
	RateLimitMax             int    `json:"rate_limit_max"`
}

// LoadFromFile reads a JSON config file over the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var errs []error
	dur := func(dst *time.Duration, field, v string) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}

	if f := file.Database; f != nil {
		setString(&config.Database.Path, f.Path)
		dur(&config.Database.Timeout, "database.timeout", f.Timeout)
	}

	if f := file.HTTP; f != nil {
		setInt(&config.HTTP.Port, f.Port)
		setString(&config.HTTP.Host, f.Host)
		dur(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		dur(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
	}

	if f := file.WebSocket; f != nil {
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		if f.MaxFrameBytes > 0 {
			config.WebSocket.MaxFrameBytes = f.MaxFrameBytes
		}
		if len(f.AllowedOrigins) > 0 {
			config.WebSocket.AllowedOrigins = f.AllowedOrigins
		}
		dur(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		dur(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		dur(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
	}

	if f := file.Hub; f != nil {
		h := config.Hub
		setInt(&h.MaxRooms, f.MaxRooms)
		setInt(&h.MaxParticipantsPerRoom, f.MaxParticipantsPerRoom)
		setInt(&h.MaxMessageHistoryPerRoom, f.MaxMessageHistoryPerRoom)
		setInt(&h.HistoryTail, f.HistoryTail)
		setInt(&h.MaxMessageLength, f.MaxMessageLength)
		setInt(&h.MaxTypingPerRoom, f.MaxTypingPerRoom)
		setInt(&h.MaxSupportRequests, f.MaxSupportRequests)
		setInt(&h.RateLimitMax, f.RateLimitMax)
		dur(&h.TypingTimeout, "hub.typing_timeout", f.TypingTimeout)
		dur(&h.SupportResolvedThreshold, "hub.support_resolved_threshold", f.SupportResolvedThreshold)
		dur(&h.RoomInactiveThreshold, "hub.room_inactive_threshold", f.RoomInactiveThreshold)
		dur(&h.MaintenanceInterval, "hub.maintenance_interval", f.MaintenanceInterval)
		dur(&h.RateLimitWindow, "hub.rate_limit_window", f.RateLimitWindow)
	}

	if f := file.Auth; f != nil {
		setString(&config.Auth.JWTSecret, f.JWTSecret)
		setString(&config.Auth.Issuer, f.Issuer)
	}

	if f := file.Log; f != nil {
		setString(&config.Log.Level, f.Level)
		setString(&config.Log.Format, f.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid durations in %s: %w", filepath, errors.Join(errs...))
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves configuration as file > environment > defaults.
// Environment decode failures and unreadable files are returned; a missing
// file path falls back to environment and defaults.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if filepath != "" {
		if _, statErr := os.Stat(filepath); statErr == nil {
			if err := applyFile(config, filepath); err != nil {
				return nil, err
			}
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
