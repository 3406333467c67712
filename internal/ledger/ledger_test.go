package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.LedgerEvent
}

func (s *recordingSink) RecordLedgerEvent(_ context.Context, ev model.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) byType(t model.LedgerEventType) []model.LedgerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestReserveCommitRefundsUnused(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	l := NewMemoryLedger(sink)
	l.SetBalance("u1", 1000)

	hold, err := l.Reserve(ctx, "u1", "req-1", 600)
	require.NoError(t, err)
	assert.Equal(t, model.HoldHeld, hold.State)

	avail, err := l.Available(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Microcredits(400), avail)

	require.NoError(t, l.Commit(ctx, hold, 250))
	assert.Equal(t, model.HoldCommitted, hold.State)

	avail, err = l.Available(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Microcredits(750), avail)

	commits := sink.byType(model.LedgerEventCommit)
	require.Len(t, commits, 1)
	assert.Equal(t, model.Microcredits(250), commits[0].Amount)
	assert.Equal(t, "req-1", commits[0].RequestID)
}

func TestCommitNeverExceedsHold(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	l.SetBalance("u1", 1000)

	hold, err := l.Reserve(ctx, "u1", "req-1", 300)
	require.NoError(t, err)

	// Actual above the reservation is clamped to the reservation.
	require.NoError(t, l.Commit(ctx, hold, 900))

	avail, err := l.Available(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Microcredits(700), avail)
}

func TestReserveInsufficientCreatesNoHold(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	l.SetBalance("u1", 100)

	_, err := l.Reserve(ctx, "u1", "req-1", 150)
	require.Error(t, err)
	assert.Equal(t, errx.KindInsufficientCredit, errx.KindOf(err))

	avail, err := l.Available(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Microcredits(100), avail)
}

func TestReleaseRestoresAvailability(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	l.SetBalance("u1", 500)

	hold, err := l.Reserve(ctx, "u1", "req-1", 500)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, hold))
	assert.Equal(t, model.HoldReleased, hold.State)

	avail, err := l.Available(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Microcredits(500), avail)
}

func TestHoldFinalizesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	l.SetBalance("u1", 500)

	hold, err := l.Reserve(ctx, "u1", "req-1", 100)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, hold, 100))

	assert.Error(t, l.Commit(ctx, hold, 100))
	assert.Error(t, l.Release(ctx, hold))
}

func TestConcurrentReservationsNoDoubleSpend(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	l.SetBalance("u1", 100)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, "u1", "req", 60)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok, insufficient := 0, 0
	for err := range results {
		if err == nil {
			ok++
		} else if errx.IsKind(err, errx.KindInsufficientCredit) {
			insufficient++
		}
	}
	// Combined estimates exceed the balance: exactly one wins.
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, insufficient)
}

func TestCommitLedgerRaceLeavesHoldOpen(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	l.SetBalance("u1", 500)

	hold, err := l.Reserve(ctx, "u1", "req-1", 400)
	require.NoError(t, err)

	// A concurrent spend drains the balance under the hold.
	l.SetBalance("u1", 100)

	err = l.Commit(ctx, hold, 400)
	require.Error(t, err)
	assert.Equal(t, errx.KindLedgerRace, errx.KindOf(err))
	assert.True(t, hold.Active())

	// The retry against the fresh balance can still commit what fits.
	require.NoError(t, l.Commit(ctx, hold, 100))
}
