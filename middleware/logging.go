package middleware

import (
	"context"
	"log/slog"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/internal/logctx"
	"github.com/ggoodman/duplex-go/messaging"
	"github.com/ggoodman/duplex-go/pipeline"
)

// Logging logs every lifecycle event at debug level, and failures at warn.
func Logging[T any](logger *slog.Logger) messaging.Middleware[T] {
	log := logctx.Wrap(logger)

	open := messaging.OpenMiddleware(func(next messaging.OpenFunc) messaging.OpenFunc {
		return func(ctx context.Context, ev messaging.OpenEvent) error {
			if err := next(ctx, ev); err != nil {
				log.WarnContext(ctx, "session.open.err", slog.String("session_id", ev.SessionID), slog.String("err", err.Error()))
				return err
			}
			log.InfoContext(ctx, "session.open", slog.String("session_id", ev.SessionID))
			return nil
		}
	})

	closeMW := messaging.CloseMiddleware(func(next messaging.CloseFunc) messaging.CloseFunc {
		return func(ctx context.Context, ev messaging.CloseEvent) error {
			attrs := []any{
				slog.String("session_id", ev.SessionID),
				slog.String("reason", ev.Reason),
			}
			if n := len(ev.Pending); n > 0 {
				attrs = append(attrs, slog.Int("pending", n))
			}
			if n := len(ev.Undelivered); n > 0 {
				attrs = append(attrs, slog.Int("undelivered", n))
			}
			log.InfoContext(ctx, "session.close", attrs...)
			return next(ctx, ev)
		}
	})

	send := messaging.SendMiddleware(func(next messaging.SendFunc[T]) messaging.SendFunc[T] {
		return func(ctx context.Context, target string, msg envelope.Message[T]) bool {
			ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Topic: msg.Topic})
			sent := next(ctx, target, msg)
			log.DebugContext(ctx, "msg.send", slog.String("target", target), slog.Bool("sent", sent))
			return sent
		}
	})

	receive := messaging.ReceiveMiddleware(func(next messaging.ReceiveFunc[T]) messaging.ReceiveFunc[T] {
		return func(ctx context.Context, msg envelope.Message[T]) error {
			ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Topic: msg.Topic})
			err := next(ctx, msg)
			if err != nil {
				log.WarnContext(ctx, "msg.receive.err", slog.String("session_id", msg.SessionID), slog.String("err", err.Error()))
				return err
			}
			log.DebugContext(ctx, "msg.receive", slog.String("session_id", msg.SessionID))
			return nil
		}
	})

	return messaging.Middleware[T]{
		OnOpen:    []pipeline.Middleware[messaging.OpenFunc]{open},
		OnClose:   []pipeline.Middleware[messaging.CloseFunc]{closeMW},
		OnSend:    []pipeline.Middleware[messaging.SendFunc[T]]{send},
		OnReceive: []pipeline.Middleware[messaging.ReceiveFunc[T]]{receive},
	}
}
