// Package session owns per-conversation session records: creation,
// resumption, channel liveness, and idle expiry. All mutation of the session
// map is funneled through registry methods guarded by a single mutex, which
// is what makes the GC sweeper safe to run concurrently with request
// handling.
package session
