// Package config loads the relay's runtime configuration from environment
// variables with flag overrides for the common knobs.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lumenvid/signal-relay/internal/origin"
)

const (
	envVarListenAddr      = "SIGNAL_RELAY_LISTEN_ADDR"
	envVarMode            = "SIGNAL_RELAY_MODE"
	envVarLogFormat       = "SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNAL_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Connection / signaling hardening knobs.
	envVarMaxConnections                = "MAX_CONNECTIONS"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout                 = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval                = "SIGNALING_WS_PING_INTERVAL"
	envVarSendQueueDepth                = "SEND_QUEUE_DEPTH"
	envVarMaxAcceptsPerSecond           = "MAX_ACCEPTS_PER_SECOND"
	envVarAcceptBurst                   = "ACCEPT_BURST"

	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultMaxConnections                = 0 // unlimited
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultWSIdleTimeout                 = 60 * time.Second
	DefaultWSPingInterval                = 20 * time.Second
	DefaultSendQueueDepth                = 256
	DefaultMaxAcceptsPerSecond           = 0 // unlimited
	DefaultAcceptBurst                   = 16
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins holds normalized origins ("*" allowed). Empty means
	// same-host only.
	AllowedOrigins []string

	// ICEServers is the STUN/TURN list advertised to clients at
	// GET /webrtc/ice. The relay itself never dials these.
	ICEServers []webrtc.ICEServer

	// MaxConnections bounds concurrently registered connections. 0 means
	// unlimited.
	MaxConnections int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	WSIdleTimeout                 time.Duration
	WSPingInterval                time.Duration

	// SendQueueDepth is the per-connection outbound frame buffer. A full
	// queue drops the frame rather than block the sender's handler.
	SendQueueDepth int

	// Accept limiting for the websocket endpoint. 0 rate means unlimited.
	MaxAcceptsPerSecond int
	AcceptBurst         int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "listen address (host:port)")
	modeFlag := fs.String("mode", modeDefault, "dev or prod")
	logFormatFlag := fs.String("log-format", logFormatDefault, "text or json")
	logLevelFlag := fs.String("log-level", logLevelDefault, "debug, info, warn, or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeFlag)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatFlag)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelFlag)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, ""))
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromEnv(lookup)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	maxConnections, err := envIntOrDefault(lookup, envVarMaxConnections, DefaultMaxConnections)
	if err != nil {
		return Config{}, err
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarMaxConnections)
	}

	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}

	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	idleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envVarWSPingInterval, pingInterval, envVarWSIdleTimeout, idleTimeout)
	}

	sendQueueDepth, err := envIntOrDefault(lookup, envVarSendQueueDepth, DefaultSendQueueDepth)
	if err != nil {
		return Config{}, err
	}
	if sendQueueDepth <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSendQueueDepth)
	}

	acceptsPerSecond, err := envIntOrDefault(lookup, envVarMaxAcceptsPerSecond, DefaultMaxAcceptsPerSecond)
	if err != nil {
		return Config{}, err
	}
	if acceptsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarMaxAcceptsPerSecond)
	}
	acceptBurst, err := envIntOrDefault(lookup, envVarAcceptBurst, DefaultAcceptBurst)
	if err != nil {
		return Config{}, err
	}
	if acceptBurst <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarAcceptBurst)
	}

	return Config{
		ListenAddr:      *listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,
		ICEServers:      iceServers,

		MaxConnections:                maxConnections,
		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		WSIdleTimeout:                 idleTimeout,
		WSPingInterval:                pingInterval,
		SendQueueDepth:                sendQueueDepth,
		MaxAcceptsPerSecond:           acceptsPerSecond,
		AcceptBurst:                   acceptBurst,
	}, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q (expected scheme://host[:port] or *)", envVarAllowedOrigins, entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
