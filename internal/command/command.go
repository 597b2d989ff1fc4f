package command

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
)

// Topic is one of the closed set of topics the service knows how to handle.
type Topic string

const (
	Topic1 Topic = "topic-1"
	Topic2 Topic = "topic-2"
)

// Known lists every topic a Registry must cover.
var Known = []Topic{Topic1, Topic2}

var ErrUnknownTopic = errors.New("unknown topic")

// Handler applies the business effect of one message. It runs inside the
// transaction carried by ctx, so anything it writes commits together with the
// processed marker.
type Handler interface {
	Handle(ctx context.Context, msg inbox.Message) error
}

type HandlerFunc func(ctx context.Context, msg inbox.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg inbox.Message) error {
	return f(ctx, msg)
}

// Registry maps each known topic to exactly one handler. It is filled at
// startup and read-only afterwards.
type Registry struct {
	handlers map[Topic]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Topic]Handler, len(Known))}
}

func (r *Registry) Register(topic Topic, h Handler) error {
	if !isKnown(topic) {
		return fmt.Errorf("register %q: %w", topic, ErrUnknownTopic)
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", topic)
	}
	if _, ok := r.handlers[topic]; ok {
		return fmt.Errorf("register %q: handler already registered", topic)
	}

	r.handlers[topic] = h
	return nil
}

// Validate fails unless every known topic has a handler and every topic in
// consumed (the topics this process subscribes to) is known.
func (r *Registry) Validate(consumed ...string) error {
	var errs []error
	for _, t := range Known {
		if _, ok := r.handlers[t]; !ok {
			errs = append(errs, fmt.Errorf("no handler for %q", t))
		}
	}
	for _, t := range consumed {
		if !isKnown(Topic(t)) {
			errs = append(errs, fmt.Errorf("consumed topic %q: %w", t, ErrUnknownTopic))
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the handler for topic, or ErrUnknownTopic.
func (r *Registry) Resolve(topic string) (Handler, error) {
	h, ok := r.handlers[Topic(topic)]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", topic, ErrUnknownTopic)
	}
	return h, nil
}

func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, string(t))
	}
	sort.Strings(topics)
	return topics
}

func isKnown(topic Topic) bool {
	for _, t := range Known {
		if t == topic {
			return true
		}
	}
	return false
}
