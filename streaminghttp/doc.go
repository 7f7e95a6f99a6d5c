// Package streaminghttp implements the streaming HTTP channel transport. It
// mounts as a standard net/http handler and carries envelope frames in both
// directions: client frames arrive as individual POST requests while server
// frames are streamed back over a long-lived Server-Sent Events response.
//
// Protocol (all on the base path, "/channel" by default)
//
//   - POST without Channel-Session-Id opens a session: 201 + Channel-Session-Id
//   - POST with Channel-Session-Id delivers one {"topic","body"} frame: 202
//   - GET with Accept: text/event-stream streams outbound frames; each event
//     carries the host event id so a reconnect can resume via Last-Event-ID
//   - DELETE closes the session with reason "client disconnect": 204
//
// Idle streams receive a ": keep-alive" comment every keep-alive interval.
// Sessions that see no request (and have no open stream) for longer than the
// session timeout are closed with reason "timeout".
//
// Construction
//
//	srv, _ := messaging.NewServer(messaging.ServerConfig[any]{})
//	h, err := streaminghttp.New(ctx, srv, memoryhost.New(),
//	    streaminghttp.WithKeepAlive(15*time.Second),
//	)
//	mux.Handle(h.BasePath(), h)
//
// # Scaling
//
// Outbound frames are published into a sessions.Host, so any node that shares
// the host (see sessions/redishost) can stream a session's frames. Session
// ownership for inbound frames remains with the node that opened it.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes with a small JSON body:
// {"error":{"code":<status>,"message":"<reason>"}}. Frames without a topic or
// with an undecodable body are accepted and dropped by the lifecycle.
package streaminghttp
