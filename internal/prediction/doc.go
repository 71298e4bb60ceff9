// Package prediction submits assembled audio to the external prediction
// service and polls for completion with bounded retries. Each dispatch walks
// a small state machine (submitted, polling, then one terminal state); an
// abandoned session cancels its dispatch at the next poll boundary. Every
// terminal failure degrades to a fixed fallback response so a participant
// with a live channel is never left without an answer.
package prediction
