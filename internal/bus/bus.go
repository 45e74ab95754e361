package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avhub/avhub/internal/metrics"
)

var (
	ErrInvalidPattern = errors.New("invalid topic pattern")
	ErrInvalidTopic   = errors.New("invalid command topic")
	ErrHandlerExists  = errors.New("command handler already registered")
	ErrBusClosed      = errors.New("bus is closed")
)

const closeGrace = 5 * time.Second

// Message is what subscribers and command handlers receive.
type Message struct {
	Topic   string
	Payload any
	Time    time.Time
}

// Handler processes one delivered message. Errors and panics are
// absorbed per subscriber and never reach the publisher.
type Handler func(ctx context.Context, msg Message) error

// Bus is the in-process topic-addressed publish/subscribe and command
// dispatch infrastructure. Events fan out to every matching subscriber;
// command topics dispatch to exactly one registered handler.
type Bus struct {
	ctx context.Context //nolint:containedctx // delivery outlives individual publishers

	mu       sync.RWMutex
	subs     map[string]*Subscription
	commands map[string]Handler
	closed   bool
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      string
	pattern string
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
	done   chan struct{}
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the topic pattern the subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// New creates a bus whose delivery workers log through ctx and shut
// down when ctx is canceled.
func New(ctx context.Context) *Bus {
	b := &Bus{
		ctx:      ctx,
		subs:     make(map[string]*Subscription),
		commands: make(map[string]Handler),
	}

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Subscribe registers a handler for every topic matching pattern.
// Deliveries to one subscription run on a dedicated worker, so a single
// publisher's events on one topic arrive in publish order.
func (b *Bus) Subscribe(pattern string, h Handler) (*Subscription, error) {
	if !ValidPattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: h,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil, ErrBusClosed
	}

	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(b.ctx)

	return sub, nil
}

// Unsubscribe removes the subscription and stops its worker. Queued but
// undelivered messages are discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.close()
}

// Handle registers the single handler for an exact command topic.
func (b *Bus) Handle(topic string, h Handler) error {
	if !strings.HasPrefix(topic, CommandPrefix) || strings.Contains(topic, wildcard) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	if _, ok := b.commands[topic]; ok {
		return fmt.Errorf("%w: %q", ErrHandlerExists, topic)
	}

	b.commands[topic] = h

	return nil
}

// RemoveHandler unregisters a command topic handler.
func (b *Bus) RemoveHandler(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.commands, topic)
}

// Publish delivers payload to all subscribers matching topic. A
// `command/` topic instead dispatches to its registered handler. It
// never blocks on handlers and never fails the caller.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload, Time: time.Now()}

	if strings.HasPrefix(topic, CommandPrefix) {
		metrics.RecordBusPublished("command")
		b.dispatchCommand(msg)

		return
	}

	metrics.RecordBusPublished("event")

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			sub.enqueue(msg)
		}
	}
}

// Close stops all subscriptions and waits briefly for their workers to
// finish the in-flight delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return
	}

	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))

	for _, sub := range b.subs {
		subs = append(subs, sub)
	}

	b.subs = make(map[string]*Subscription)
	b.commands = make(map[string]Handler)
	b.mu.Unlock()

	deadline := time.After(closeGrace)

	for _, sub := range subs {
		sub.close()

		select {
		case <-sub.done:
		case <-deadline:
			return
		}
	}
}

func (b *Bus) dispatchCommand(msg Message) {
	b.mu.RLock()
	h, ok := b.commands[msg.Topic]
	b.mu.RUnlock()

	if !ok {
		metrics.RecordBusUnhandledCommand()
		zerolog.Ctx(b.ctx).Debug().Str("topic", msg.Topic).Msg("command with no registered handler")

		return
	}

	go invoke(b.ctx, h, msg)
}

func (s *Subscription) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.queue = nil
	s.cond.Signal()
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()

		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}

		if s.closed {
			s.mu.Unlock()

			return
		}

		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		invoke(ctx, s.handler, msg)
		metrics.RecordBusDelivered()
	}
}

// invoke runs a handler with panic isolation so one failing consumer
// cannot break delivery to others or disturb the publisher.
func invoke(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordBusHandlerError()
			zerolog.Ctx(ctx).Error().
				Interface("panic", rec).
				Str("topic", msg.Topic).
				Msg("bus handler panic recovered")
		}
	}()

	if err := h(ctx, msg); err != nil {
		metrics.RecordBusHandlerError()
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("topic", msg.Topic).
			Msg("bus handler failed")
	}
}
