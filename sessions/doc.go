// Package sessions tracks live sessions and the per-session outbound queues
// that let a logical session survive across many underlying transport
// requests.
//
// Layers & Roles
//
//	Transport -> creates sessions, hands the messaging layer a Conn per session
//	Registry  -> id -> Conn mapping owned by the messaging layer (process local)
//	Host      -> ordered per-session outbound stream with resume (pluggable)
//
// # Registry
//
// Registry is safe for concurrent Register / Unregister / Lookup from many
// sessions' lifecycle callbacks. Each operation is atomic on its own; there
// are no compound operations. ForceClose on an unknown id is a no-op.
//
// # Host
//
// Host abstracts the ordered outbound log consumed by streaming transports:
//   - PublishSession   : append a frame, returning its event id
//   - SubscribeSession : deliver frames after an optional lastEventID
//   - CleanupSession   : drop the stream and stop its subscribers
//
// Implementations
//
//	memoryhost : in-memory reference used for tests / single-process servers
//	redishost  : Redis Streams backed implementation for horizontal scale
package sessions
