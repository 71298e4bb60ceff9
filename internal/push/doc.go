// Package push owns the live push-stream (server-sent event) connections,
// keyed by session id, including their heartbeat timers. At most one
// connection exists per session: opening a new one replaces and closes the
// prior handle. Writes to a handle are serialized, so heartbeats and result
// delivery never interleave.
package push
