// Package event defines the wire-level message kinds exchanged with clients
// and the framing used on the push-stream. Inbound payloads are decoded once
// at the boundary into typed structs; unknown or malformed input is reported
// as a distinct decode error rather than being silently ignored.
package event
