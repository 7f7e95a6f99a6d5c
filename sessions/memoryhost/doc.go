// Package memoryhost provides an in-memory sessions.Host implementation
// suitable for tests, development, and single-process servers. All state is
// ephemeral and discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : monotonic decimal IDs per host
//	Delivery          : in order, per subscriber, with Last-Event-ID resume
//	Concurrency       : safe (RWMutex + per-stream broadcast channel)
//
// Example:
//
//	host := memoryhost.New()
//	// transport wires this host into streaminghttp.New(...)
//
// For multi-node deployments prefer a durable host like redishost.
package memoryhost
