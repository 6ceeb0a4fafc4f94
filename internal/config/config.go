// Package config parses broker and agent configuration from flags with
// environment-variable fallbacks, in the style the rest of the Tunely stack
// uses for all its process entrypoints.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// BrokerConfig holds everything the broker needs to start, per spec.md §6.
type BrokerConfig struct {
	ListenAddr         string
	AdminKey           string
	DBPath             string
	ControlPath        string
	HeartbeatInterval  time.Duration
	AuthTimeout        time.Duration
	RequestTimeout     time.Duration
	MaxFrameBytes      int64
	StreamQueueDepth   int
	TokenPepper        string
	LogLevel           string
}

// AgentConfig holds everything the agent needs to start.
type AgentConfig struct {
	BrokerURL          string
	Token              string
	TargetURL          string
	ReconnectBaseS     time.Duration
	ReconnectMaxS      time.Duration
	ReconnectFactorCap int
	RequestTimeout     time.Duration
	MaxFrameBytes      int64
	LogLevel           string
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// ParseBrokerFlags parses broker flags from args, with EXPOSE_*-style
// TUNELY_* environment variables as fallback defaults.
func ParseBrokerFlags(args []string) (BrokerConfig, error) {
	fs := flag.NewFlagSet("broker", flag.ContinueOnError)

	listen := fs.String("listen", envOrDefault("TUNELY_LISTEN", ":8080"), "public HTTP listen address")
	adminKey := fs.String("admin-key", envOrDefault("TUNELY_ADMIN_KEY", ""), "bearer token for the admin CRUD surface")
	dbPath := fs.String("db", envOrDefault("TUNELY_DB", "tunely.db"), "path to the SQLite domain store")
	controlPath := fs.String("control-path", envOrDefault("TUNELY_CONTROL_PATH", "/ws/tunnel"), "control channel path")
	heartbeatS := fs.Int("heartbeat-interval-s", envIntOrDefault("TUNELY_HEARTBEAT_INTERVAL_S", 30), "heartbeat interval seconds")
	authTimeoutS := fs.Int("auth-timeout-s", envIntOrDefault("TUNELY_AUTH_TIMEOUT_S", 10), "authentication timeout seconds")
	requestTimeoutS := fs.Int("request-timeout-s", envIntOrDefault("TUNELY_REQUEST_TIMEOUT_S", 300), "default per-request timeout seconds")
	maxFrameBytes := fs.Int("max-frame-bytes", envIntOrDefault("TUNELY_MAX_FRAME_BYTES", 8*1024*1024), "maximum control-channel frame size")
	streamQueueDepth := fs.Int("stream-queue-depth", envIntOrDefault("TUNELY_STREAM_QUEUE_DEPTH", 128), "bounded stream chunk queue depth")
	pepper := fs.String("token-pepper", envOrDefault("TUNELY_TOKEN_PEPPER", ""), "server-side pepper mixed into token hashes")
	logLevel := fs.String("log-level", envOrDefault("TUNELY_LOG_LEVEL", "info"), "log level")

	if err := fs.Parse(args); err != nil {
		return BrokerConfig{}, err
	}

	cfg := BrokerConfig{
		ListenAddr:        *listen,
		AdminKey:          *adminKey,
		DBPath:            *dbPath,
		ControlPath:       *controlPath,
		HeartbeatInterval: time.Duration(*heartbeatS) * time.Second,
		AuthTimeout:       time.Duration(*authTimeoutS) * time.Second,
		RequestTimeout:    time.Duration(*requestTimeoutS) * time.Second,
		MaxFrameBytes:     int64(*maxFrameBytes),
		StreamQueueDepth:  *streamQueueDepth,
		TokenPepper:       *pepper,
		LogLevel:          *logLevel,
	}
	if cfg.AdminKey == "" {
		return cfg, fmt.Errorf("admin-key is required")
	}
	return cfg, nil
}

// ParseAgentFlags parses agent flags from args.
func ParseAgentFlags(args []string) (AgentConfig, error) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)

	brokerURL := fs.String("broker", envOrDefault("TUNELY_BROKER_URL", ""), "broker control channel URL, e.g. wss://broker.example.com/ws/tunnel")
	token := fs.String("token", envOrDefault("TUNELY_TOKEN", ""), "domain auth token")
	target := fs.String("target", envOrDefault("TUNELY_TARGET_URL", "http://127.0.0.1:8000"), "local target base URL")
	reconnectBaseS := fs.Int("reconnect-base-s", envIntOrDefault("TUNELY_RECONNECT_BASE_S", 5), "reconnect base backoff seconds")
	reconnectMaxS := fs.Int("reconnect-max-s", envIntOrDefault("TUNELY_RECONNECT_MAX_S", 300), "reconnect max backoff seconds")
	reconnectFactorCap := fs.Int("reconnect-factor-cap", envIntOrDefault("TUNELY_RECONNECT_FACTOR_CAP", 8), "cap on the combined backoff factor")
	requestTimeoutS := fs.Int("request-timeout-s", envIntOrDefault("TUNELY_REQUEST_TIMEOUT_S", 30), "default local request timeout seconds")
	maxFrameBytes := fs.Int("max-frame-bytes", envIntOrDefault("TUNELY_MAX_FRAME_BYTES", 8*1024*1024), "maximum control-channel frame size")
	logLevel := fs.String("log-level", envOrDefault("TUNELY_LOG_LEVEL", "info"), "log level")

	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}

	cfg := AgentConfig{
		BrokerURL:          *brokerURL,
		Token:              *token,
		TargetURL:          *target,
		ReconnectBaseS:     time.Duration(*reconnectBaseS) * time.Second,
		ReconnectMaxS:      time.Duration(*reconnectMaxS) * time.Second,
		ReconnectFactorCap: *reconnectFactorCap,
		RequestTimeout:     time.Duration(*requestTimeoutS) * time.Second,
		MaxFrameBytes:      int64(*maxFrameBytes),
		LogLevel:           *logLevel,
	}
	if cfg.BrokerURL == "" {
		return cfg, fmt.Errorf("broker is required")
	}
	if cfg.Token == "" {
		return cfg, fmt.Errorf("token is required")
	}
	return cfg, nil
}
