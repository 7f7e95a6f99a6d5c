// Package client is the streaming HTTP counterpart of package streaminghttp.
// It drives a messaging.Client over one channel session:
//
//	c := messaging.NewClient(messaging.ClientConfig[any]{})
//	conn, err := client.Dial(ctx, "http://localhost:8080/channel", c,
//	    client.WithMaxRetries(5),
//	    client.WithOnDisconnect(func(reason string) { log.Print(reason) }),
//	)
//	c.Send(ctx, "chat", "hello")
//	defer conn.Close(ctx, "bye")
//
// Frames sent by the server arrive over a Server-Sent Events back-channel.
// When the back-channel drops it is reopened with exponential backoff,
// resuming after the last event id seen. Once the retry budget is spent the
// client is closed with reason "back-channel retries exhausted".
package client
