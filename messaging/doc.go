// Package messaging is the lifecycle adapter that ties the envelope codec,
// middleware pipelines, topic router and session registry to a transport.
//
// A transport drives the adapter through three entry points per session:
// HandleOpen when a connection is established, HandleFrame once per inbound
// envelope and HandleClose when the connection ends. Each entry point runs
// the matching middleware pipeline around a terminal handler:
//
//   - open: register the session (server) or flush queued sends (client)
//   - receive: publish the decoded message to the topic router
//   - send: encode the message and hand it to the session's connection
//   - close: unregister the session (server) or report leftovers (client)
//
// A Server and a Client own all of their state. Several independent
// instances can coexist in one process.
//
//	srv, err := messaging.NewServer(messaging.ServerConfig[any]{})
//	srv.Subscribe("chat", func(ctx context.Context, msg envelope.Message[any]) {
//		srv.Send(ctx, msg.SessionID, "chat", msg.Body)
//	})
//
// Data-shape problems (a frame without a topic, an unparseable body, a send
// to an unknown session) are dropped or reported as "not sent". Errors
// returned by middleware propagate to the transport unchanged.
package messaging
