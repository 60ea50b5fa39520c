// Package signaling implements the WebSocket endpoint browser clients use
// for matchmaking and signal relay.
//
// Each connection gets a read loop and a write pump. The read loop parses
// JSON envelopes, drives the matchmaking service, and forwards signal
// payloads; the write pump drains a buffered send queue so a slow reader
// never blocks the peer that is sending to it. Payloads (offers, answers,
// ICE candidates, application frames) are forwarded opaquely with the
// sender's connection id stamped on.
package signaling
