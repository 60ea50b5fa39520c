package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envVarICEServersJSON = "SIGNAL_RELAY_ICE_SERVERS_JSON"

	envVarStunURLs       = "SIGNAL_RELAY_STUN_URLS"
	envVarTurnURLs       = "SIGNAL_RELAY_TURN_URLS"
	envVarTurnUsername   = "SIGNAL_RELAY_TURN_USERNAME"
	envVarTurnCredential = "SIGNAL_RELAY_TURN_CREDENTIAL"
)

// parseICEServersFromEnv builds the client-facing ICE server list. The JSON
// form wins when set; otherwise the convenience STUN/TURN env vars are used.
func parseICEServersFromEnv(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(envOrDefault(lookup, envVarICEServersJSON, "")); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envVarICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer

	if stun := splitCommaSeparated(envOrDefault(lookup, envVarStunURLs, "")); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envVarStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(envOrDefault(lookup, envVarTurnURLs, "")); len(turn) > 0 {
		username := strings.TrimSpace(envOrDefault(lookup, envVarTurnUsername, ""))
		credential := strings.TrimSpace(envOrDefault(lookup, envVarTurnCredential, ""))
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%s and %s must both be set when %s is set",
				envVarTurnUsername, envVarTurnCredential, envVarTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: username, Credential: credential}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envVarTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// ParseICEServersJSON parses an ICE server list of the shape
// [{"urls": "stun:..." | ["stun:...", ...], "username": "...", "credential": "..."}].
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       stringOrStringSlice `json:"urls"`
		Username   string              `json:"username,omitempty"`
		Credential string              `json:"credential,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls := make([]string, 0, len(entry.URLs))
		for _, u := range entry.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(entry.Username),
		}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, u := range server.URLs {
		switch {
		case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}

	if needsCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
