// Package socket owns the fallback websocket connections, keyed by
// participant id. The socket is the secondary delivery channel: results go
// here when the push-stream for the participant's session is unavailable.
package socket
