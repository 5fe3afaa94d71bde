package projection

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/reduce"
)

func buildSnapshot(t *testing.T, n int) *reduce.Snapshot {
	t.Helper()
	var events []event.Event
	for i := 1; i <= n; i++ {
		events = append(events, event.Event{
			ID:        fmt.Sprintf("0190a1b2-0000-7000-8000-%012d", i),
			Type:      event.TypeClaimed,
			Aggregate: event.AggregateID{Feature: "auth", WP: fmt.Sprintf("wp-%03d", i)},
			Lamport:   int64(i),
			At:        time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
			Actor:     "agent-a",
			Payload:   &event.ClaimedPayload{Assignee: "agent-a"},
		})
	}
	snap, violations := reduce.Reduce(events)
	require.Empty(t, violations)
	return snap
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "projection.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projection.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	assert.NoError(t, s2.Close())
}

func TestSyncAndStatuses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, "auth", buildSnapshot(t, 2)))

	rows, err := s.Statuses(ctx, "auth")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "auth/wp-001", rows[0].AggregateID)
	assert.Equal(t, "claimed", rows[0].Lane)
	assert.Equal(t, "agent-a", rows[0].Owner)
	assert.Zero(t, rows[0].ViolationCount)
}

func TestSync_WholesaleReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, "auth", buildSnapshot(t, 3)))
	require.NoError(t, s.Sync(ctx, "auth", buildSnapshot(t, 1)))

	rows, err := s.Statuses(ctx, "auth")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "old rows must not survive a re-sync")
}

func TestSync_FeaturesIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, "auth", buildSnapshot(t, 1)))

	billing, violations := reduce.Reduce([]event.Event{{
		ID:        "0190a1b2-0000-7000-8000-999999999999",
		Type:      event.TypeClaimed,
		Aggregate: event.AggregateID{Feature: "billing", WP: "wp-001"},
		Lamport:   1,
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:     "agent-b",
		Payload:   &event.ClaimedPayload{Assignee: "agent-b"},
	}})
	require.Empty(t, violations)
	require.NoError(t, s.Sync(ctx, "billing", billing))

	// Re-syncing auth leaves billing alone.
	require.NoError(t, s.Sync(ctx, "auth", buildSnapshot(t, 2)))
	rows, err := s.Statuses(ctx, "billing")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, "auth", buildSnapshot(t, 1)))

	audit, err := s.Audit(ctx, "auth/wp-001")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "claimed", audit[0].Type)
	assert.Equal(t, "applied", audit[0].Outcome)
	assert.Equal(t, int64(1), audit[0].Lamport)
}
