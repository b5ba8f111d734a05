// Package stream implements the commentary stream multiplexer: a registry of
// refcounted stream entries keyed by (source URL, liveness), a per-key
// producer driving the upstream analysis agent, a bounded broadcast channel
// with a small replay window, and the WebSocket subscriber edge.
package stream
