package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/costing_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestMemory() (*Memory, *time.Time) {
	now := testNow
	m := NewMemory()
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%02d", prefix, i)
	}
	return out
}

func TestMemory_InQueryCap(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()

	_, err := m.BatchesByIDs(ctx, ids("b", MaxInValues+1))
	require.ErrorIs(t, err, ErrTooManyInValues)

	for _, id := range ids("b", 25) {
		m.PutBatch(models.Batch{ID: id, MaterialId: "m-1"})
	}
	rows, err := QueryInChunks(ctx, ids("b", 25), m.BatchesByIDs)
	require.NoError(t, err)
	require.Len(t, rows, 25)
}

func TestMemory_CommitIsAtomic(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	m.PutBatch(models.Batch{ID: "b-1", MaterialId: "m-1"})

	ev, err := models.NewLedgerEvent(models.LedgerEventBatchPriceUpdate, models.BatchPriceUpdatePayload{BatchIds: []string{"b-1"}}, "c-1")
	require.NoError(t, err)

	err = m.Commit(ctx, WriteBatch{
		BatchPrices: []BatchPriceWrite{
			{BatchId: "b-1", Price: models.NewBatchPrice(decimal.NewFromInt(10), decimal.Zero)},
			{BatchId: "missing", Price: models.NewBatchPrice(decimal.NewFromInt(10), decimal.Zero)},
		},
		Events: []models.LedgerEvent{ev},
	})
	require.ErrorIs(t, err, ErrNotFound)

	rows, err := m.BatchesByIDs(ctx, []string{"b-1"})
	require.NoError(t, err)
	require.True(t, rows[0].UnitPrice.IsZero(), "failed commit must not write")
	require.Nil(t, rows[0].PriceUpdatedAt)
	require.Empty(t, m.Events(models.LedgerEventBatchPriceUpdate))
	require.Equal(t, 0, m.Commits())
}

func TestMemory_CommitHookAborts(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	m.PutBatch(models.Batch{ID: "b-1", MaterialId: "m-1"})
	boom := errors.New("boom")
	m.SetCommitHook(func(WriteBatch) error { return boom })

	err := m.Commit(ctx, WriteBatch{BatchPrices: []BatchPriceWrite{{BatchId: "b-1", Price: models.NewBatchPrice(decimal.NewFromInt(3), decimal.Zero)}}})
	require.ErrorIs(t, err, boom)

	rows, _ := m.BatchesByIDs(ctx, []string{"b-1"})
	require.True(t, rows[0].UnitPrice.IsZero())
}

func TestMemory_CommitStampsUpdatedAt(t *testing.T) {
	m, now := newTestMemory()
	ctx := context.Background()
	m.PutTask(models.Task{ID: "t-1"})

	err := m.Commit(ctx, WriteBatch{TaskCosts: []TaskCostsWrite{{TaskId: "t-1", Costs: models.TaskCosts{TotalMaterialCost: decimal.NewFromInt(42)}}}})
	require.NoError(t, err)

	tasks, err := m.TasksByIDs(ctx, []string{"t-1"})
	require.NoError(t, err)
	require.True(t, tasks[0].TotalMaterialCost.Equal(decimal.NewFromInt(42)))
	require.NotNil(t, tasks[0].CostsUpdatedAt)
	require.True(t, tasks[0].CostsUpdatedAt.Equal(*now))
}

func TestMemory_CommitRejectsOversizedBatch(t *testing.T) {
	m, _ := newTestMemory()
	wb := WriteBatch{}
	for i := 0; i <= MaxBatchWrites; i++ {
		wb.Events = append(wb.Events, models.LedgerEvent{Type: models.LedgerEventTaskCostUpdate})
	}
	require.ErrorIs(t, m.Commit(context.Background(), wb), ErrBatchTooLarge)
}

func TestMemory_ClaimContention(t *testing.T) {
	m, now := newTestMemory()
	ctx := context.Background()
	id, err := m.AppendEvent(ctx, models.LedgerEvent{Type: models.LedgerEventTaskRecalculation})
	require.NoError(t, err)

	_, err = m.ClaimEvent(ctx, id, "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = m.ClaimEvent(ctx, id, "worker-b", time.Minute)
	require.ErrorIs(t, err, ErrEventClaimed)

	// same worker re-claims freely
	_, err = m.ClaimEvent(ctx, id, "worker-a", time.Minute)
	require.NoError(t, err)

	// a stale claim is taken over
	*now = now.Add(2 * time.Minute)
	ev, err := m.ClaimEvent(ctx, id, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "worker-b", *ev.LockedBy)
	require.Equal(t, models.LedgerStatusProcessing, ev.Status)
}

func TestMemory_FailureAndReplay(t *testing.T) {
	m, now := newTestMemory()
	ctx := context.Background()
	id, err := m.AppendEvent(ctx, models.LedgerEvent{Type: models.LedgerEventTaskCostUpdate})
	require.NoError(t, err)

	next := now.Add(time.Minute)
	require.NoError(t, m.RecordFailure(ctx, id, Failure{Error: "timeout", NextAttemptAt: &next}))

	due, err := m.UnprocessedEvents(ctx, models.LedgerEventTaskCostUpdate, 0)
	require.NoError(t, err)
	require.Empty(t, due, "backed-off event is not due yet")

	require.NoError(t, m.RecordFailure(ctx, id, Failure{Error: "timeout", Dead: true}))
	dead, err := m.EventsByStatus(ctx, models.LedgerStatusDead, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 2, dead[0].Attempts)

	require.NoError(t, m.ReplayEvent(ctx, id))
	due, err = m.UnprocessedEvents(ctx, models.LedgerEventTaskCostUpdate, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 0, due[0].Attempts)

	require.NoError(t, m.MarkProcessed(ctx, id))
	require.NoError(t, m.MarkProcessed(ctx, id))
	require.Error(t, m.ReplayEvent(ctx, id))
}

func TestMemory_UnprocessedEventsKeepAppendOrder(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	var want []string
	for i := 0; i < 5; i++ {
		id, err := m.AppendEvent(ctx, models.LedgerEvent{Type: models.LedgerEventBatchPriceUpdate})
		require.NoError(t, err)
		want = append(want, id)
	}
	got, err := m.UnprocessedEvents(ctx, models.LedgerEventBatchPriceUpdate, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		require.Equal(t, want[i], got[i].ID)
	}
}

func TestMemory_Idempotency(t *testing.T) {
	m, now := newTestMemory()
	ctx := context.Background()

	skip, err := m.BeginIdempotency(ctx, "notify", "ev-1")
	require.NoError(t, err)
	require.False(t, skip)

	_, err = m.BeginIdempotency(ctx, "notify", "ev-1")
	require.ErrorIs(t, err, ErrIdempotencyActive)

	*now = now.Add(IdempotencyStaleAfter + time.Second)
	skip, err = m.BeginIdempotency(ctx, "notify", "ev-1")
	require.NoError(t, err)
	require.False(t, skip)

	require.NoError(t, m.MarkIdempotencySucceeded(ctx, "notify", "ev-1"))
	skip, err = m.BeginIdempotency(ctx, "notify", "ev-1")
	require.NoError(t, err)
	require.True(t, skip)
}

func TestMemory_OrdersByTaskIDs(t *testing.T) {
	m, _ := newTestMemory()
	task := "t-1"
	m.PutOrder(models.Order{ID: "o-1", Items: []models.OrderItem{{ID: "i-1", OrderId: "o-1", ProductionTaskId: &task}}})
	m.PutOrder(models.Order{ID: "o-2", Items: []models.OrderItem{{ID: "i-2", OrderId: "o-2"}}})

	orders, err := m.OrdersByTaskIDs(context.Background(), []string{"t-1"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "o-1", orders[0].ID)
}

func TestSplitWriteBatch_EventsTravelLast(t *testing.T) {
	wb := WriteBatch{}
	for _, id := range ids("b", 7) {
		wb.BatchPrices = append(wb.BatchPrices, BatchPriceWrite{BatchId: id})
	}
	for i := 0; i < 4; i++ {
		wb.Events = append(wb.Events, models.LedgerEvent{Type: models.LedgerEventBatchPriceUpdate})
	}

	chunks := SplitWriteBatch(wb, 3)
	require.Len(t, chunks, 4)
	total := 0
	for i, c := range chunks {
		require.LessOrEqual(t, c.Len(), 3)
		total += c.Len()
		if i < len(chunks)-2 {
			require.Empty(t, c.Events, "chunk %d carries events before documents are done", i)
		}
	}
	require.Equal(t, wb.Len(), total)
	require.NotEmpty(t, chunks[len(chunks)-1].Events)
	require.Empty(t, chunks[len(chunks)-1].BatchPrices)
}

func TestSplitWriteBatch_SmallBatchUntouched(t *testing.T) {
	wb := WriteBatch{TaskCosts: []TaskCostsWrite{{TaskId: "t-1"}}}
	chunks := SplitWriteBatch(wb, MaxBatchWrites)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].TaskCosts, 1)
}

func TestChunkIDs_DropsDuplicatesAndEmpty(t *testing.T) {
	chunks := ChunkIDs([]string{"a", "", "b", "a", "c"}, 2)
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks)
}

func TestMemory_CommitKeepsExistingEventId(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	m.PutBatch(models.Batch{ID: "b-1", MaterialId: "m-1"})

	ev, err := models.NewLedgerEvent(models.LedgerEventBatchPriceUpdate, models.BatchPriceUpdatePayload{BatchIds: []string{"b-1"}}, "c-1")
	require.NoError(t, err)
	ev.ID = "ev-follow-on"

	wb := WriteBatch{
		BatchPrices: []BatchPriceWrite{{BatchId: "b-1", Price: models.NewBatchPrice(decimal.NewFromInt(10), decimal.Zero)}},
		Events:      []models.LedgerEvent{ev},
	}
	require.NoError(t, m.Commit(ctx, wb))
	require.NoError(t, m.MarkProcessed(ctx, "ev-follow-on"))

	require.NoError(t, m.Commit(ctx, wb))
	events := m.Events(models.LedgerEventBatchPriceUpdate)
	require.Len(t, events, 1)
	require.True(t, events[0].Processed, "a repeated id must not reset the stored event")
	require.Equal(t, 2, m.Commits())
}
