package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/command"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/cursor"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
)

// memStore mimics the transactional behaviour the dispatcher relies on:
// writes made inside WithinTransaction become visible only on commit, and the
// marker key is unique.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	markers  map[string]bool
	effects  map[string]int
	cursors  map[int64]*cursor.Offset
	messages []inbox.Message
}

func newMemStore() *memStore {
	return &memStore{
		now:     time.Now,
		markers: map[string]bool{},
		effects: map[string]int{},
		cursors: map[int64]*cursor.Offset{},
	}
}

type txKey struct{}

type advanceOp struct {
	offset int64
	lease  time.Time
}

type pendingTx struct {
	markers []string
	effects []string
	advance map[int64]advanceOp
}

func pendingFrom(ctx context.Context) *pendingTx {
	p, _ := ctx.Value(txKey{}).(*pendingTx)
	return p
}

func (s *memStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if pendingFrom(ctx) != nil {
		return fn(ctx)
	}

	p := &pendingTx{advance: map[int64]advanceOp{}}
	if err := fn(context.WithValue(ctx, txKey{}, p)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range p.markers {
		if s.markers[k] {
			return fmt.Errorf("commit: %w", inbox.ErrAlreadyProcessed)
		}
	}
	for _, k := range p.markers {
		s.markers[k] = true
	}
	for _, k := range p.effects {
		s.effects[k]++
	}
	for id, op := range p.advance {
		s.advanceLocked(id, op.offset, op.lease)
	}
	return nil
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[key], nil
}

func (s *memStore) Save(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markers[key] {
		return fmt.Errorf("%w: %s", inbox.ErrAlreadyProcessed, key)
	}
	if p := pendingFrom(ctx); p != nil {
		p.markers = append(p.markers, key)
		return nil
	}
	s.markers[key] = true
	return nil
}

func (s *memStore) NextAfter(_ context.Context, topic string, partition int, offset int64) (*inbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *inbox.Message
	for i := range s.messages {
		m := s.messages[i]
		if m.Topic != topic || m.Partition != partition || m.Offset <= offset {
			continue
		}
		if next == nil || m.Offset < next.Offset {
			next = &m
		}
	}
	return next, nil
}

// claim leases cursor id for lease and returns the snapshot a claimant sees.
func (s *memStore) claim(id int64, lease time.Duration) *cursor.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cursors[id]
	snapshot := *c
	c.AvailableAfter = s.now().Add(lease)
	snapshot.LeasedUntil = c.AvailableAfter
	return &snapshot
}

func (s *memStore) Advance(ctx context.Context, id int64, offset int64, leasedUntil time.Time) error {
	if p := pendingFrom(ctx); p != nil {
		p.advance[id] = advanceOp{offset: offset, lease: leasedUntil}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(id, offset, leasedUntil)
	return nil
}

func (s *memStore) advanceLocked(id int64, offset int64, leasedUntil time.Time) {
	c := s.cursors[id]
	if offset > c.LastProcessedOffset {
		c.LastProcessedOffset = offset
	}
	if c.AvailableAfter.Equal(leasedUntil) {
		c.AvailableAfter = s.now()
	}
}

func (s *memStore) Postpone(_ context.Context, id int64, delay time.Duration, leasedUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cursors[id]
	if c.AvailableAfter.Equal(leasedUntil) {
		c.AvailableAfter = s.now().Add(delay)
	}
	return nil
}

func (s *memStore) cursorAt(id int64) cursor.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cursors[id]
}

func (s *memStore) effectCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effects[key]
}

// effectHandler records the idempotence key inside the current transaction.
func (s *memStore) effectHandler() command.Handler {
	return command.HandlerFunc(func(ctx context.Context, msg inbox.Message) error {
		if p := pendingFrom(ctx); p != nil {
			p.effects = append(p.effects, msg.IdempotenceKey)
			return nil
		}
		return fmt.Errorf("handler called outside a transaction")
	})
}

type staticResolver map[string]command.Handler

func (r staticResolver) Resolve(topic string) (command.Handler, error) {
	h, ok := r[topic]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", topic, command.ErrUnknownTopic)
	}
	return h, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
