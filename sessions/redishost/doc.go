// Package redishost implements sessions.Host using Redis Streams to support
// horizontally scalable deployments: any node may publish to a session's
// stream while the node holding the client's long-lived request consumes it.
//
// Design Notes
//   - Session streams: XADD + XREAD polling without consumer groups
//   - Resume: Last-Event-ID is a Redis stream id, passed straight to XREAD
//   - Cleanup: a tombstone entry wakes blocked readers, then the stream and a
//     short-lived closed marker expire
//   - Trimming: approximate MAXLEN bounds stream growth (configurable)
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { ... }
//	defer host.Close()
//
// Use memoryhost for ephemeral development; use redishost where scale-out is
// required.
package redishost
