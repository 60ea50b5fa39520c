// Package matchmaking owns the connection registry, the room tables, and
// the pairing logic that binds two unmatched connections into a two-party
// session.
//
// All state lives behind a single mutex so that concurrent match requests
// are atomic: two requests can never claim the same available connection,
// and a connection is never simultaneously in a room and in the registry.
package matchmaking
