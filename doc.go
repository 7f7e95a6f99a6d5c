// Package duplex is a transport-agnostic, session-oriented messaging layer.
//
// Messages travel as envelopes: a topic plus a serialized body. Both ends of a
// channel run the same machinery:
//
//   - envelope encodes and decodes messages with a pluggable Serializer
//   - pipeline composes ordered middleware around each lifecycle event
//   - router fans received messages out to per-topic listeners
//   - sessions tracks live connections and their outbound streams
//   - messaging adapts a transport's open, frame and close callbacks into
//     the pipelines, as a multi-session Server or a single-session Client
//
// Transports plug in underneath: streaminghttp (POST plus SSE, resumable),
// wstransport (WebSocket) and stdio (one JSON envelope per line). Package
// client dials a streaminghttp endpoint, and package middleware ships stock
// logging, metrics and topic filtering.
package duplex
