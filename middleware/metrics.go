package middleware

import (
	"context"
	"strconv"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/messaging"
	"github.com/ggoodman/duplex-go/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "duplex"

	// OtherTopic is the topic label for topics not passed to WithTopics.
	OtherTopic = "other"
)

// MetricsOption configures Metrics.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	topics map[string]struct{}
}

// WithTopics lists the topics that get their own label value. Every other
// topic is counted under OtherTopic, so peers cannot grow the series set.
func WithTopics(topics ...string) MetricsOption {
	return func(c *metricsConfig) {
		for _, t := range topics {
			c.topics[t] = struct{}{}
		}
	}
}

func (c *metricsConfig) topicLabel(topic string) string {
	if _, ok := c.topics[topic]; ok {
		return topic
	}
	return OtherTopic
}

// Metrics registers session and message collectors with reg and returns
// middleware that updates them. A nil reg uses prometheus.DefaultRegisterer.
// Calling Metrics twice with the same registerer panics, as promauto does.
//
// Collected series:
//
//	duplex_messages_sent_total{topic,sent}
//	duplex_messages_received_total{topic,result}
//	duplex_sessions_opened_total
//	duplex_sessions_closed_total
//	duplex_sessions_live
//
// The topic label only carries topics named with WithTopics. The receive
// result is "ok", "error", or "filtered" for messages dropped by a
// TopicFilter registered before Metrics.
func Metrics[T any](reg prometheus.Registerer, opts ...MetricsOption) messaging.Middleware[T] {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cfg := &metricsConfig{topics: make(map[string]struct{})}
	for _, opt := range opts {
		opt(cfg)
	}
	factory := promauto.With(reg)

	sent := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_sent_total",
		Help:      "Outbound messages by topic and whether the transport accepted them.",
	}, []string{"topic", "sent"})
	received := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_received_total",
		Help:      "Inbound messages by topic and pipeline result.",
	}, []string{"topic", "result"})
	opened := factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_opened_total",
		Help:      "Sessions opened.",
	})
	closed := factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_closed_total",
		Help:      "Sessions closed for any reason.",
	})
	live := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_live",
		Help:      "Sessions currently open.",
	})

	return messaging.Middleware[T]{
		OnOpen: []pipeline.Middleware[messaging.OpenFunc]{messaging.OpenMiddleware(func(next messaging.OpenFunc) messaging.OpenFunc {
			return func(ctx context.Context, ev messaging.OpenEvent) error {
				// A failed open is still followed by a close.
				opened.Inc()
				live.Inc()
				return next(ctx, ev)
			}
		})},
		OnClose: []pipeline.Middleware[messaging.CloseFunc]{messaging.CloseMiddleware(func(next messaging.CloseFunc) messaging.CloseFunc {
			return func(ctx context.Context, ev messaging.CloseEvent) error {
				closed.Inc()
				live.Dec()
				return next(ctx, ev)
			}
		})},
		OnSend: []pipeline.Middleware[messaging.SendFunc[T]]{messaging.SendMiddleware(func(next messaging.SendFunc[T]) messaging.SendFunc[T] {
			return func(ctx context.Context, target string, msg envelope.Message[T]) bool {
				ok := next(ctx, target, msg)
				sent.WithLabelValues(cfg.topicLabel(msg.Topic), strconv.FormatBool(ok)).Inc()
				return ok
			}
		})},
		OnReceive: []pipeline.Middleware[messaging.ReceiveFunc[T]]{messaging.ReceiveMiddleware(func(next messaging.ReceiveFunc[T]) messaging.ReceiveFunc[T] {
			return func(ctx context.Context, msg envelope.Message[T]) error {
				var filtered bool
				err := next(context.WithValue(ctx, filteredKey{}, &filtered), msg)
				result := "ok"
				switch {
				case err != nil:
					result = "error"
				case filtered:
					result = "filtered"
				}
				received.WithLabelValues(cfg.topicLabel(msg.Topic), result).Inc()
				return err
			}
		})},
	}
}

// filteredKey carries a flag TopicFilter sets when it drops a message.
type filteredKey struct{}

func markFiltered(ctx context.Context) {
	if p, ok := ctx.Value(filteredKey{}).(*bool); ok {
		*p = true
	}
}
