package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestGorm(t *testing.T) (*Gorm, *time.Time) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), config.InitGormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.MigrateTable(db))

	now := testNow
	g := NewGorm(db)
	g.Clock = func() time.Time { return now }
	return g, &now
}

func TestGorm_CommitWritesDocumentsAndEvents(t *testing.T) {
	g, now := newTestGorm(t)
	ctx := context.Background()
	require.NoError(t, g.DB.Create(&models.Batch{ID: "b-1", MaterialId: "m-1", InitialQuantity: decimal.NewFromInt(10)}).Error)
	require.NoError(t, g.DB.Create(&models.Task{ID: "t-1"}).Error)

	ev, err := models.NewLedgerEvent(models.LedgerEventBatchPriceUpdate, models.BatchPriceUpdatePayload{BatchIds: []string{"b-1"}}, "corr-1")
	require.NoError(t, err)

	err = g.Commit(ctx, WriteBatch{
		BatchPrices: []BatchPriceWrite{{BatchId: "b-1", Price: models.NewBatchPrice(decimal.RequireFromString("12.5"), decimal.RequireFromString("0.75"))}},
		TaskCosts: []TaskCostsWrite{{TaskId: "t-1", Costs: models.TaskCosts{
			TotalMaterialCost: decimal.NewFromInt(100),
			EstimatedCostDetails: models.EstimatedCostDetails{
				"m-9": {MaterialId: "m-9", PriceSource: models.PriceSourceNoBatches},
			},
		}}},
		Events: []models.LedgerEvent{ev},
	})
	require.NoError(t, err)

	batches, err := g.BatchesByIDs(ctx, []string{"b-1"})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "13.25", batches[0].UnitPrice.StringFixed(2))
	require.NotNil(t, batches[0].PriceUpdatedAt)
	require.True(t, batches[0].PriceUpdatedAt.Equal(*now))

	tasks, err := g.TasksByIDs(ctx, []string{"t-1"})
	require.NoError(t, err)
	require.True(t, tasks[0].TotalMaterialCost.Equal(decimal.NewFromInt(100)))
	require.Equal(t, []string{"m-9"}, tasks[0].EstimatedCostDetails.HasNoBatchEstimates())

	pending, err := g.UnprocessedEvents(ctx, models.LedgerEventBatchPriceUpdate, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	payload, err := models.DecodePayload[models.BatchPriceUpdatePayload](pending[0])
	require.NoError(t, err)
	require.Equal(t, []string{"b-1"}, payload.BatchIds)
	require.Equal(t, "corr-1", pending[0].CorrelationId)
}

func TestGorm_CommitRollsBackOnMissingDocument(t *testing.T) {
	g, _ := newTestGorm(t)
	ctx := context.Background()
	require.NoError(t, g.DB.Create(&models.Batch{ID: "b-1", MaterialId: "m-1"}).Error)

	err := g.Commit(ctx, WriteBatch{
		BatchPrices: []BatchPriceWrite{
			{BatchId: "b-1", Price: models.NewBatchPrice(decimal.NewFromInt(5), decimal.Zero)},
			{BatchId: "gone", Price: models.NewBatchPrice(decimal.NewFromInt(5), decimal.Zero)},
		},
		Events: []models.LedgerEvent{{Type: models.LedgerEventBatchPriceUpdate}},
	})
	require.ErrorIs(t, err, ErrNotFound)

	batches, err := g.BatchesByIDs(ctx, []string{"b-1"})
	require.NoError(t, err)
	require.True(t, batches[0].UnitPrice.IsZero())

	var count int64
	require.NoError(t, g.DB.Model(&models.LedgerEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestGorm_OrderValuesAndLookupByTask(t *testing.T) {
	g, _ := newTestGorm(t)
	ctx := context.Background()
	task := "t-1"
	require.NoError(t, g.DB.Create(&models.Order{
		ID:    "o-1",
		Items: []models.OrderItem{{ID: "i-1", OrderId: "o-1", ProductionTaskId: &task, Quantity: decimal.NewFromInt(2)}},
	}).Error)
	require.NoError(t, g.DB.Create(&models.Order{ID: "o-2", Items: []models.OrderItem{{ID: "i-2", OrderId: "o-2"}}}).Error)

	orders, err := g.OrdersByTaskIDs(ctx, []string{"t-1"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Len(t, orders[0].Items, 1)

	err = g.Commit(ctx, WriteBatch{OrderValues: []OrderValuesWrite{{
		OrderId: "o-1",
		Values: models.OrderValues{
			ItemValues: map[string]decimal.Decimal{"i-1": decimal.NewFromInt(250)},
			TotalValue: decimal.NewFromInt(270),
		},
	}}})
	require.NoError(t, err)

	orders, err = g.OrdersByTaskIDs(ctx, []string{"t-1"})
	require.NoError(t, err)
	require.True(t, orders[0].TotalValue.Equal(decimal.NewFromInt(270)))
	require.True(t, orders[0].Items[0].Value.Equal(decimal.NewFromInt(250)))
	require.NotNil(t, orders[0].ValuesUpdatedAt)
}

func TestGorm_ClaimAndFailureLifecycle(t *testing.T) {
	g, now := newTestGorm(t)
	ctx := context.Background()
	id, err := g.AppendEvent(ctx, models.LedgerEvent{Type: models.LedgerEventTaskCostUpdate})
	require.NoError(t, err)

	_, err = g.ClaimEvent(ctx, id, "worker-a", time.Minute)
	require.NoError(t, err)
	_, err = g.ClaimEvent(ctx, id, "worker-b", time.Minute)
	require.ErrorIs(t, err, ErrEventClaimed)

	next := now.Add(time.Minute)
	require.NoError(t, g.RecordFailure(ctx, id, Failure{Error: "boom", NextAttemptAt: &next}))
	ev, err := g.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.LedgerStatusFailed, ev.Status)
	require.Equal(t, 1, ev.Attempts)
	require.Nil(t, ev.LockedBy)

	due, err := g.UnprocessedEvents(ctx, models.LedgerEventTaskCostUpdate, 0)
	require.NoError(t, err)
	require.Empty(t, due)

	*now = now.Add(2 * time.Minute)
	due, err = g.UnprocessedEvents(ctx, models.LedgerEventTaskCostUpdate, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = g.ClaimEvent(ctx, id, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NoError(t, g.MarkProcessed(ctx, id))
	require.NoError(t, g.MarkProcessed(ctx, id))

	ev, err = g.GetEvent(ctx, id)
	require.NoError(t, err)
	require.True(t, ev.Processed)
	require.Equal(t, models.LedgerStatusSucceeded, ev.Status)
	require.Error(t, g.ReplayEvent(ctx, id))
}

func TestGorm_PublishLifecycle(t *testing.T) {
	g, now := newTestGorm(t)
	ctx := context.Background()
	id, err := g.AppendEvent(ctx, models.LedgerEvent{Type: models.LedgerEventOverheadRateUpdate})
	require.NoError(t, err)

	pending, err := g.PendingPublish(ctx, *now, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, g.RecordPublishFailure(ctx, id, Failure{Error: "unavailable", Dead: true}))
	pending, err = g.PendingPublish(ctx, *now, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, g.MarkPublished(ctx, id, "msg-1"))
	ev, err := g.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.LedgerPublishStatusSent, ev.PublishStatus)
	require.Equal(t, "msg-1", *ev.PubSubMessageId)
	require.Equal(t, 1, ev.PublishAttempts)
}

func TestGorm_IdempotencyDuplicateKey(t *testing.T) {
	g, _ := newTestGorm(t)
	ctx := context.Background()

	skip, err := g.BeginIdempotency(ctx, "notify", "ev-1")
	require.NoError(t, err)
	require.False(t, skip)

	_, err = g.BeginIdempotency(ctx, "notify", "ev-1")
	require.ErrorIs(t, err, ErrIdempotencyActive)

	require.NoError(t, g.MarkIdempotencySucceeded(ctx, "notify", "ev-1"))
	skip, err = g.BeginIdempotency(ctx, "notify", "ev-1")
	require.NoError(t, err)
	require.True(t, skip)
}

func TestGorm_InQueryCap(t *testing.T) {
	g, _ := newTestGorm(t)
	_, err := g.TasksByIDs(context.Background(), ids("t", MaxInValues+1))
	require.ErrorIs(t, err, ErrTooManyInValues)
}

func TestGorm_CommitKeepsExistingEventId(t *testing.T) {
	g, _ := newTestGorm(t)
	ctx := context.Background()
	require.NoError(t, g.DB.Create(&models.Batch{ID: "b-1", MaterialId: "m-1", InitialQuantity: decimal.NewFromInt(10)}).Error)

	ev, err := models.NewLedgerEvent(models.LedgerEventBatchPriceUpdate, models.BatchPriceUpdatePayload{BatchIds: []string{"b-1"}}, "corr-1")
	require.NoError(t, err)
	ev.ID = "ev-follow-on"

	wb := WriteBatch{
		BatchPrices: []BatchPriceWrite{{BatchId: "b-1", Price: models.NewBatchPrice(decimal.NewFromInt(10), decimal.Zero)}},
		Events:      []models.LedgerEvent{ev},
	}
	require.NoError(t, g.Commit(ctx, wb))
	require.NoError(t, g.Commit(ctx, wb))

	var count int64
	require.NoError(t, g.DB.Model(&models.LedgerEvent{}).Where("type = ?", models.LedgerEventBatchPriceUpdate).Count(&count).Error)
	require.Equal(t, int64(1), count)

	id, err := g.AppendEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, "ev-follow-on", id)
	require.NoError(t, g.DB.Model(&models.LedgerEvent{}).Where("type = ?", models.LedgerEventBatchPriceUpdate).Count(&count).Error)
	require.Equal(t, int64(1), count)
}
