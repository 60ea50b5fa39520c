package main

import (
	"log/slog"
	"net"
	"strings"

	"github.com/lumenvid/signal-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if isPublicListenAddr(cfg.ListenAddr) && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: listening on a public address with no ALLOWED_ORIGINS (browser clients restricted to same-host only; non-browser clients unrestricted)",
			"warning_code", "public_listen_no_allowed_origins",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxAcceptsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_ACCEPTS_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "accept_rate_unlimited_in_prod",
			"max_accepts_per_second", cfg.MaxAcceptsPerSecond,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; clients behind NAT may fail to connect to each other",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func isPublicListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "" {
		// ":8080" binds all interfaces.
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback()
	}
	return !strings.EqualFold(host, "localhost")
}
