// Package identity generates the opaque identifiers used by the relay:
// per-connection socket ids, per-connection user ids, and room ids.
//
// None of the identifiers carry meaning beyond the lifetime of the process.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewUserID returns a fresh user identifier. It is issued once per
// connection and echoed back to the client in the `create` acknowledgment.
func NewUserID() string {
	return uuid.NewString()
}

// NewRoomID returns a fresh room identifier.
func NewRoomID() string {
	return uuid.NewString()
}

// NewConnectionID returns a transport-level connection identifier.
//
// Connection ids are the routing addresses for target-addressed relay, so
// they use the same 16-byte hex shape as the rest of the transport layer
// rather than UUID formatting.
func NewConnectionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
