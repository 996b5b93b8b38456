// Package config loads configuration for the dev relay server and the
// streaming client CLI from environment variables, with sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server and client configuration
type Config struct {
	// Server
	Port           int
	RedisURL       string
	RedisPassword  string
	MaxSessions    int
	SessionTimeout time.Duration
	AllowedOrigins []string
	MaxBufferSize  int // maximum buffered audio bytes per session
	UtteranceBytes int // buffered bytes that trigger a translation flush

	// Client
	Endpoint          string
	ClientID          string
	HeartbeatInterval time.Duration
	AcceptDeadline    time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
}

// Load reads configuration from environment variables with defaults
func Load() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           8080,
		RedisURL:       "localhost:6379",
		RedisPassword:  "",
		MaxSessions:    100,
		SessionTimeout: 30 * time.Minute,
		AllowedOrigins: []string{"*"},
		MaxBufferSize:  5 * 1024 * 1024, // 5MB
		UtteranceBytes: 32 * 1024,

		Endpoint:          "ws://localhost:8080/ws",
		HeartbeatInterval: 10 * time.Second,
		AcceptDeadline:    5 * time.Second,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        10 * time.Second,
		MaxRetries:        3,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}

	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		cfg.MaxSessions = m
	}

	// SESSION_TIMEOUT is in minutes
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		cfg.SessionTimeout = time.Duration(t) * time.Minute
	}

	// ALLOWED_ORIGINS is comma-separated
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}

	if bufferSize := os.Getenv("MAX_BUFFER_SIZE"); bufferSize != "" {
		b, err := strconv.Atoi(bufferSize)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BUFFER_SIZE: %w", err)
		}
		cfg.MaxBufferSize = b
	}

	if utterance := os.Getenv("UTTERANCE_BYTES"); utterance != "" {
		u, err := strconv.Atoi(utterance)
		if err != nil {
			return nil, fmt.Errorf("invalid UTTERANCE_BYTES: %w", err)
		}
		cfg.UtteranceBytes = u
	}

	if endpoint := os.Getenv("ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}

	if clientID := os.Getenv("CLIENT_ID"); clientID != "" {
		cfg.ClientID = clientID
	}

	// HEARTBEAT_INTERVAL is in seconds
	if heartbeat := os.Getenv("HEARTBEAT_INTERVAL"); heartbeat != "" {
		h, err := strconv.Atoi(heartbeat)
		if err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = time.Duration(h) * time.Second
	}

	// ACCEPT_DEADLINE is in seconds
	if deadline := os.Getenv("ACCEPT_DEADLINE"); deadline != "" {
		d, err := strconv.Atoi(deadline)
		if err != nil {
			return nil, fmt.Errorf("invalid ACCEPT_DEADLINE: %w", err)
		}
		cfg.AcceptDeadline = time.Duration(d) * time.Second
	}

	// INITIAL_BACKOFF and MAX_BACKOFF are in milliseconds
	if backoff := os.Getenv("INITIAL_BACKOFF"); backoff != "" {
		b, err := strconv.Atoi(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid INITIAL_BACKOFF: %w", err)
		}
		cfg.InitialBackoff = time.Duration(b) * time.Millisecond
	}

	if backoff := os.Getenv("MAX_BACKOFF"); backoff != "" {
		b, err := strconv.Atoi(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BACKOFF: %w", err)
		}
		cfg.MaxBackoff = time.Duration(b) * time.Millisecond
	}

	if retries := os.Getenv("MAX_RETRIES"); retries != "" {
		r, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = r
	}

	return cfg, nil
}
