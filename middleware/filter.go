package middleware

import (
	"context"
	"log/slog"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/internal/logctx"
	"github.com/ggoodman/duplex-go/messaging"
	"github.com/ggoodman/duplex-go/pipeline"
)

// TopicFilter drops inbound messages whose topic is not listed. A dropped
// message never reaches the router and is not an error: the pipeline simply
// stops. Drops are logged at debug level on logger (slog.Default when nil).
func TopicFilter[T any](logger *slog.Logger, allow ...string) messaging.Middleware[T] {
	log := logctx.Wrap(logger)
	allowed := make(map[string]struct{}, len(allow))
	for _, topic := range allow {
		allowed[topic] = struct{}{}
	}
	return messaging.Middleware[T]{
		OnReceive: []pipeline.Middleware[messaging.ReceiveFunc[T]]{messaging.ReceiveMiddleware(func(next messaging.ReceiveFunc[T]) messaging.ReceiveFunc[T] {
			return func(ctx context.Context, msg envelope.Message[T]) error {
				if _, ok := allowed[msg.Topic]; !ok {
					markFiltered(ctx)
					log.DebugContext(ctx, "msg.receive.filtered", slog.String("session_id", msg.SessionID), slog.String("topic", msg.Topic))
					return nil
				}
				return next(ctx, msg)
			}
		})},
	}
}
