// Package server provides the HTTP surface of the relay: push-stream opens,
// fragment intake, the fallback socket, and the monitoring endpoints. It is
// a thin layer: it normalizes proxy path prefixes, decodes request bodies
// once, and dispatches to the registries and the prediction dispatcher.
package server
