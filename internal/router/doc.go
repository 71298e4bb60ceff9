// Package router delivers prediction results and errors to participants
// over the best available channel: the push-stream when its connection is
// open and writable, otherwise the fallback socket. With neither available
// the result is logged and dropped; the participant is considered gone.
package router
