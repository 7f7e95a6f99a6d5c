// Package stdio carries a single duplex session over a pair of byte streams,
// by default os.Stdin and os.Stdout. It is intended for running a server as a
// subprocess where piping lines is simpler than listening on a socket.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 peer
//	Identity         : OS user, reported as the request's remote address
//	Sessions         : one per Serve call; no session host
//	Framing          : one JSON envelope per line
//
// Example:
//
//	srv, _ := messaging.NewServer(messaging.ServerConfig[any]{})
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// For many concurrent peers prefer the streaminghttp or wstransport packages.
package stdio
