// Package router implements an in-process topic router. Published messages
// enter a single unbounded ingestion queue and are fanned out asynchronously
// to every listener subscribed to the message's exact topic.
//
// Each subscription owns an unbounded FIFO queue and a goroutine, so a
// listener sees the messages of its topic in publish order while different
// listeners (and different topics) proceed independently.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/duplex-go/envelope"
)

// Listener receives messages for a subscribed topic. The context is canceled
// when the subscription or the router is closed.
type Listener[T any] func(ctx context.Context, msg envelope.Message[T])

// Option configures a Router.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report recovered listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Router is a topic-keyed fan-out broker. The zero value is not usable; use New.
type Router[T any] struct {
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ingest *fifo[envelope.Message[T]]
	done   chan struct{}

	mu     sync.RWMutex
	topics map[string]map[*Subscription[T]]struct{}

	closed    atomic.Bool
	published atomic.Int64
	delivered atomic.Int64
}

// New starts a Router. Call Close to stop its goroutines.
func New[T any](opts ...Option) *Router[T] {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router[T]{
		log:    cfg.logger,
		ctx:    ctx,
		cancel: cancel,
		ingest: newFIFO[envelope.Message[T]](),
		done:   make(chan struct{}),
		topics: make(map[string]map[*Subscription[T]]struct{}),
	}
	go r.dispatch()
	return r
}

// Publish enqueues msg for asynchronous delivery and returns immediately.
// Messages without a topic, or published after Close, are dropped.
func (r *Router[T]) Publish(msg envelope.Message[T]) {
	if msg.Topic == "" || r.closed.Load() {
		return
	}
	if r.ingest.push(msg) {
		r.published.Add(1)
	}
}

// Subscribe registers listener for every future message published on topic.
// Each call creates an independent subscription, even for the same listener.
func (r *Router[T]) Subscribe(topic string, listener Listener[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(r.ctx)
	sub := &Subscription[T]{
		topic:    topic,
		listener: listener,
		r:        r,
		queue:    newFIFO[envelope.Message[T]](),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		sub.stop()
		close(sub.done)
		return sub
	}
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[*Subscription[T]]struct{})
		r.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.run()
	return sub
}

// Stats is a point-in-time view of router activity.
type Stats struct {
	Published     int64
	Delivered     int64
	Pending       int
	Subscriptions int
}

// Stats reports counters and queue depth.
func (r *Router[T]) Stats() Stats {
	r.mu.RLock()
	n := 0
	for _, subs := range r.topics {
		n += len(subs)
	}
	r.mu.RUnlock()
	return Stats{
		Published:     r.published.Load(),
		Delivered:     r.delivered.Load(),
		Pending:       r.ingest.len(),
		Subscriptions: n,
	}
}

// Close stops the router and every subscription. Queued messages are
// discarded. Close is idempotent.
func (r *Router[T]) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	r.ingest.close()
	<-r.done

	r.mu.Lock()
	var subs []*Subscription[T]
	for _, set := range r.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	r.topics = make(map[string]map[*Subscription[T]]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (r *Router[T]) dispatch() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.ingest.ready:
		}
		for _, msg := range r.ingest.drain() {
			r.fanOut(msg)
		}
	}
}

func (r *Router[T]) fanOut(msg envelope.Message[T]) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.topics[msg.Topic] {
		sub.queue.push(msg)
	}
}

func (r *Router[T]) remove(sub *Subscription[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.topics, sub.topic)
		}
	}
}

// Subscription is a single listener registration.
type Subscription[T any] struct {
	topic    string
	listener Listener[T]
	r        *Router[T]
	queue    *fifo[envelope.Message[T]]

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// Topic returns the subscribed topic.
func (s *Subscription[T]) Topic() string { return s.topic }

// Done is closed once the subscription has stopped delivering.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Unsubscribe stops delivery to the listener. Messages already queued for it
// are discarded; a listener call in progress is allowed to finish.
func (s *Subscription[T]) Unsubscribe() {
	s.r.remove(s)
	s.stop()
}

func (s *Subscription[T]) stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.queue.close()
		s.cancel()
	}
}

func (s *Subscription[T]) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.ready:
		}
		for _, msg := range s.queue.drain() {
			if s.ctx.Err() != nil {
				return
			}
			s.deliver(msg)
		}
	}
}

func (s *Subscription[T]) deliver(msg envelope.Message[T]) {
	defer func() {
		if v := recover(); v != nil {
			s.r.log.ErrorContext(s.ctx, "router.listener.panic",
				slog.String("topic", s.topic),
				slog.String("err", fmt.Sprint(v)),
			)
		}
	}()
	s.listener(s.ctx, msg)
	s.r.delivered.Add(1)
}
