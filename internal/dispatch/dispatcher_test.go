package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/command"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/cursor"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 5, 22, 7, 13, 31, 0, time.UTC)

func setup(t *testing.T, resolver Resolver) (*memStore, *Dispatcher) {
	t.Helper()

	s := newMemStore()
	s.now = func() time.Time { return now }
	s.cursors[1] = &cursor.Offset{ID: 1, Topic: "T1", Partition: 0, LastProcessedOffset: 5, AvailableAfter: now.Add(-time.Second)}

	if resolver == nil {
		resolver = staticResolver{"T1": s.effectHandler()}
	}

	exec := NewExecutor(s, s, resolver, discardLogger())
	d := NewDispatcher(s, s, exec, Config{NoInboxMessagesDelay: 3 * time.Second}, discardLogger())
	return s, d
}

func claimed(s *memStore) *cursor.Offset {
	return s.claim(1, 30*time.Second)
}

func TestDispatchExecutesCommand(t *testing.T) {
	s, d := setup(t, nil)
	s.messages = []inbox.Message{{Topic: "T1", Partition: 0, Offset: 6, IdempotenceKey: "K1"}}

	res, err := d.Dispatch(context.Background(), claimed(s))
	require.NoError(t, err)
	assert.Equal(t, Dispatched, res)

	assert.True(t, s.markers["K1"])
	assert.Equal(t, 1, s.effectCount("K1"))
	c := s.cursorAt(1)
	assert.Equal(t, int64(6), c.LastProcessedOffset)
	assert.Equal(t, now, c.AvailableAfter)
}

func TestDispatchSkipsProcessedKey(t *testing.T) {
	s, d := setup(t, nil)
	s.messages = []inbox.Message{{Topic: "T1", Partition: 0, Offset: 6, IdempotenceKey: "K1"}}
	s.markers["K1"] = true

	res, err := d.Dispatch(context.Background(), claimed(s))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)

	assert.Equal(t, 0, s.effectCount("K1"))
	c := s.cursorAt(1)
	assert.Equal(t, int64(6), c.LastProcessedOffset)
	assert.Equal(t, now, c.AvailableAfter)
}

func TestDispatchBacksOffWhenIdle(t *testing.T) {
	s, d := setup(t, nil)
	s.messages = []inbox.Message{{Topic: "T1", Partition: 0, Offset: 5, IdempotenceKey: "old"}}

	res, err := d.Dispatch(context.Background(), claimed(s))
	require.NoError(t, err)
	assert.Equal(t, Idle, res)

	c := s.cursorAt(1)
	assert.Equal(t, int64(5), c.LastProcessedOffset)
	assert.Equal(t, now.Add(3*time.Second), c.AvailableAfter)
}

func TestDispatchInOffsetOrder(t *testing.T) {
	var seen []int64
	s, d := setup(t, nil)
	exec := NewExecutor(s, s, staticResolver{"T1": command.HandlerFunc(func(_ context.Context, msg inbox.Message) error {
		seen = append(seen, msg.Offset)
		return nil
	})}, discardLogger())
	d.executor = exec

	s.messages = []inbox.Message{
		{Topic: "T1", Partition: 0, Offset: 9, IdempotenceKey: "K9"},
		{Topic: "T1", Partition: 1, Offset: 7, IdempotenceKey: "P1"},
		{Topic: "T1", Partition: 0, Offset: 7, IdempotenceKey: "K7"},
		{Topic: "T1", Partition: 0, Offset: 8, IdempotenceKey: "K8"},
	}

	for i := 0; i < 3; i++ {
		res, err := d.Dispatch(context.Background(), claimed(s))
		require.NoError(t, err)
		require.Equal(t, Dispatched, res)
	}

	assert.Equal(t, []int64{7, 8, 9}, seen)
	assert.Equal(t, int64(9), s.cursorAt(1).LastProcessedOffset)
}

func TestDispatchHandlerFailureKeepsCursor(t *testing.T) {
	boom := errors.New("boom")
	s, d := setup(t, staticResolver{"T1": command.HandlerFunc(func(context.Context, inbox.Message) error {
		return boom
	})})
	s.messages = []inbox.Message{{Topic: "T1", Partition: 0, Offset: 6, IdempotenceKey: "K1"}}
	c := claimed(s)
	before := s.cursorAt(1)

	_, err := d.Dispatch(context.Background(), c)
	require.ErrorIs(t, err, boom)

	assert.False(t, s.markers["K1"])
	assert.Equal(t, before, s.cursorAt(1))
}

func TestDispatchUnknownTopic(t *testing.T) {
	s, d := setup(t, nil)
	s.cursors[1].Topic = "T9"
	s.messages = []inbox.Message{{Topic: "T9", Partition: 0, Offset: 6, IdempotenceKey: "K1"}}

	_, err := d.Dispatch(context.Background(), claimed(s))
	require.ErrorIs(t, err, command.ErrUnknownTopic)
	assert.Equal(t, int64(5), s.cursorAt(1).LastProcessedOffset)
}

func TestDispatchFinishesAfterCancel(t *testing.T) {
	s, d := setup(t, nil)
	s.messages = []inbox.Message{{Topic: "T1", Partition: 0, Offset: 6, IdempotenceKey: "K1"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.Dispatch(ctx, claimed(s))
	require.NoError(t, err)
	assert.Equal(t, Dispatched, res)
	assert.Equal(t, int64(6), s.cursorAt(1).LastProcessedOffset)
}

func TestConcurrentDispatchAppliesEffectOnce(t *testing.T) {
	const workers = 4

	s := newMemStore()
	s.now = func() time.Time { return now }
	s.cursors[1] = &cursor.Offset{ID: 1, Topic: "T1", LastProcessedOffset: 5}
	s.messages = []inbox.Message{{Topic: "T1", Offset: 6, IdempotenceKey: "K1"}}

	// Every worker passes the Exists check before any of them commits.
	var entered sync.WaitGroup
	entered.Add(workers)
	effect := s.effectHandler()
	handler := command.HandlerFunc(func(ctx context.Context, msg inbox.Message) error {
		entered.Done()
		entered.Wait()
		return effect.Handle(ctx, msg)
	})

	exec := NewExecutor(s, s, staticResolver{"T1": handler}, discardLogger())
	d := NewDispatcher(s, s, exec, Config{NoInboxMessagesDelay: time.Second}, discardLogger())

	snapshot := *s.claim(1, time.Minute)
	results := make([]Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := snapshot
			results[i], errs[i] = d.Dispatch(context.Background(), &c)
		}(i)
	}
	wg.Wait()

	var dispatched, duplicates int
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		switch results[i] {
		case Dispatched:
			dispatched++
		case Duplicate:
			duplicates++
		}
	}

	assert.Equal(t, 1, dispatched)
	assert.Equal(t, workers-1, duplicates)
	assert.Equal(t, 1, s.effectCount("K1"))
	assert.Equal(t, int64(6), s.cursorAt(1).LastProcessedOffset)
}

func TestStaleLeaseKeepsNewClaim(t *testing.T) {
	tests := []struct {
		name   string
		marked bool
		idle   bool
		want   Result
		offset int64
	}{
		{name: "dispatched", want: Dispatched, offset: 6},
		{name: "duplicate", marked: true, want: Duplicate, offset: 6},
		{name: "idle", idle: true, want: Idle, offset: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d := setup(t, nil)
			if !tt.idle {
				s.messages = []inbox.Message{{Topic: "T1", Partition: 0, Offset: 6, IdempotenceKey: "K1"}}
			}
			s.markers["K1"] = tt.marked

			// The first lease runs out and a second worker re-claims the cursor
			// before the first one writes.
			stale := s.claim(1, time.Second)
			s.claim(1, time.Minute)

			res, err := d.Dispatch(context.Background(), stale)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)

			c := s.cursorAt(1)
			assert.Equal(t, tt.offset, c.LastProcessedOffset)
			assert.Equal(t, now.Add(time.Minute), c.AvailableAfter)
		})
	}
}

func TestExecuteWithoutHook(t *testing.T) {
	s := newMemStore()
	exec := NewExecutor(s, s, staticResolver{"T1": s.effectHandler()}, discardLogger())

	msg := inbox.Message{Topic: "T1", IdempotenceKey: "K1"}

	out, err := exec.Execute(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.Equal(t, Processed, out)

	out, err = exec.Execute(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, out)
	assert.Equal(t, 1, s.effectCount("K1"))
	assert.Equal(t, "already_processed", out.String())
}
