package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/mmdatafocus/costing_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gorm is the production Store backed by MySQL (sqlite in tests).
type Gorm struct {
	DB    *gorm.DB
	Clock func() time.Time
}

var _ Store = (*Gorm)(nil)

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{DB: db, Clock: func() time.Time { return time.Now().UTC() }}
}

func (g *Gorm) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// =============================================================================
// READER
// =============================================================================

func (g *Gorm) GetPurchaseOrder(ctx context.Context, id string) (models.PurchaseOrder, error) {
	var po models.PurchaseOrder
	err := g.DB.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("AdditionalCosts", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", id).
		First(&po).Error
	if err != nil {
		return models.PurchaseOrder{}, notFound(err, "purchase order", id)
	}
	return po, nil
}

func (g *Gorm) BatchesByPurchaseOrder(ctx context.Context, purchaseOrderId string) ([]models.Batch, error) {
	var out []models.Batch
	err := g.DB.WithContext(ctx).Where("purchase_order_id = ?", purchaseOrderId).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) BatchesByIDs(ctx context.Context, ids []string) ([]models.Batch, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	var out []models.Batch
	if len(ids) == 0 {
		return out, nil
	}
	err := g.DB.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) BatchesByMaterial(ctx context.Context, materialId string) ([]models.Batch, error) {
	var out []models.Batch
	err := g.DB.WithContext(ctx).Where("material_id = ?", materialId).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) MaterialsByIDs(ctx context.Context, ids []string) ([]models.Material, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	var out []models.Material
	if len(ids) == 0 {
		return out, nil
	}
	err := g.DB.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) TasksByIDs(ctx context.Context, ids []string) ([]models.Task, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	var out []models.Task
	if len(ids) == 0 {
		return out, nil
	}
	err := g.DB.WithContext(ctx).
		Preload("Materials", func(db *gorm.DB) *gorm.DB { return db.Order("material_id") }).
		Where("id IN ?", ids).
		Order("id").
		Find(&out).Error
	return out, err
}

func (g *Gorm) BatchReservationsByBatchIDs(ctx context.Context, batchIds []string) ([]models.BatchReservation, error) {
	if err := checkInValues(batchIds); err != nil {
		return nil, err
	}
	var out []models.BatchReservation
	if len(batchIds) == 0 {
		return out, nil
	}
	err := g.DB.WithContext(ctx).Where("batch_id IN ?", batchIds).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) BatchReservationsByTask(ctx context.Context, taskId string) ([]models.BatchReservation, error) {
	var out []models.BatchReservation
	err := g.DB.WithContext(ctx).Where("task_id = ?", taskId).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) POReservationsByTask(ctx context.Context, taskId string) ([]models.PurchaseOrderReservation, error) {
	var out []models.PurchaseOrderReservation
	err := g.DB.WithContext(ctx).Where("task_id = ?", taskId).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) ConsumptionsByBatchIDs(ctx context.Context, batchIds []string) ([]models.ConsumptionRecord, error) {
	if err := checkInValues(batchIds); err != nil {
		return nil, err
	}
	var out []models.ConsumptionRecord
	if len(batchIds) == 0 {
		return out, nil
	}
	err := g.DB.WithContext(ctx).Where("batch_id IN ?", batchIds).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) ConsumptionsByTask(ctx context.Context, taskId string) ([]models.ConsumptionRecord, error) {
	var out []models.ConsumptionRecord
	err := g.DB.WithContext(ctx).Where("task_id = ?", taskId).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) OrdersByTaskIDs(ctx context.Context, taskIds []string) ([]models.Order, error) {
	if err := checkInValues(taskIds); err != nil {
		return nil, err
	}
	var out []models.Order
	if len(taskIds) == 0 {
		return out, nil
	}
	db := g.DB.WithContext(ctx)
	sub := db.Model(&models.OrderItem{}).Select("order_id").Where("production_task_id IN ?", taskIds)
	err := db.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("AdditionalCosts", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id IN (?)", sub).
		Order("id").
		Find(&out).Error
	return out, err
}

func (g *Gorm) WorkSessionsByIDs(ctx context.Context, ids []string) ([]models.WorkSession, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	var out []models.WorkSession
	if len(ids) == 0 {
		return out, nil
	}
	err := g.DB.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) WorkSessionsByTask(ctx context.Context, taskId string) ([]models.WorkSession, error) {
	var out []models.WorkSession
	err := g.DB.WithContext(ctx).Where("task_id = ?", taskId).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) WorkSessionsOverlapping(ctx context.Context, start, end time.Time) ([]models.WorkSession, error) {
	var out []models.WorkSession
	err := g.DB.WithContext(ctx).
		Where("end_time IS NOT NULL AND start_time <= ? AND end_time >= ?", end, start).
		Order("id").
		Find(&out).Error
	return out, err
}

func (g *Gorm) OverheadPeriodsByIDs(ctx context.Context, ids []string) ([]models.OverheadCostPeriod, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	var out []models.OverheadCostPeriod
	if len(ids) == 0 {
		return out, nil
	}
	err := g.DB.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) OverheadPeriodsOverlapping(ctx context.Context, start, end time.Time) ([]models.OverheadCostPeriod, error) {
	var out []models.OverheadCostPeriod
	err := g.DB.WithContext(ctx).
		Where("start_date <= ? AND end_date >= ?", end, start).
		Order("id").
		Find(&out).Error
	return out, err
}

func (g *Gorm) ListOverheadPeriods(ctx context.Context) ([]models.OverheadCostPeriod, error) {
	var out []models.OverheadCostPeriod
	err := g.DB.WithContext(ctx).Order("start_date, id").Find(&out).Error
	return out, err
}

func (g *Gorm) AccountingEntriesByIDs(ctx context.Context, ids []string) ([]models.AccountingEntry, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	var out []models.AccountingEntry
	if len(ids) == 0 {
		return out, nil
	}
	err := g.DB.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error
	return out, err
}

func (g *Gorm) AccountingEntriesInRange(ctx context.Context, start, end time.Time) ([]models.AccountingEntry, error) {
	var out []models.AccountingEntry
	err := g.DB.WithContext(ctx).
		Where("posting_date >= ? AND posting_date <= ?", start, end).
		Order("id").
		Find(&out).Error
	return out, err
}

// =============================================================================
// COMMIT
// =============================================================================

func (g *Gorm) Commit(ctx context.Context, wb WriteBatch) error {
	if wb.Len() > MaxBatchWrites {
		return ErrBatchTooLarge
	}
	at := wb.At
	if at.IsZero() {
		at = g.now()
	}
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range wb.BatchPrices {
			res := tx.Model(&models.Batch{}).Where("id = ?", w.BatchId).Updates(map[string]interface{}{
				"base_unit_price":          w.Price.BaseUnitPrice,
				"additional_cost_per_unit": w.Price.AdditionalCostPerUnit,
				"unit_price":               w.Price.UnitPrice,
				"price_updated_at":         at,
				"updated_at":               at,
			})
			if err := requireRow(res, "batch", w.BatchId); err != nil {
				return err
			}
		}
		for _, w := range wb.TaskCosts {
			details := w.Costs.EstimatedCostDetails
			if details == nil {
				details = models.EstimatedCostDetails{}
			}
			res := tx.Model(&models.Task{}).Where("id = ?", w.TaskId).Updates(map[string]interface{}{
				"total_material_cost":        w.Costs.TotalMaterialCost,
				"total_full_production_cost": w.Costs.TotalFullProductionCost,
				"unit_material_cost":         w.Costs.UnitMaterialCost,
				"unit_full_production_cost":  w.Costs.UnitFullProductionCost,
				"estimated_material_cost":    w.Costs.EstimatedMaterialCost,
				"factory_overhead_cost":      w.Costs.FactoryOverheadCost,
				"estimated_cost_details":     details,
				"costs_updated_at":           at,
				"updated_at":                 at,
			})
			if err := requireRow(res, "task", w.TaskId); err != nil {
				return err
			}
		}
		for _, w := range wb.OrderValues {
			for itemId, value := range w.Values.ItemValues {
				if err := tx.Model(&models.OrderItem{}).
					Where("id = ? AND order_id = ?", itemId, w.OrderId).
					Update("value", value).Error; err != nil {
					return err
				}
			}
			res := tx.Model(&models.Order{}).Where("id = ?", w.OrderId).Updates(map[string]interface{}{
				"total_value":       w.Values.TotalValue,
				"values_updated_at": at,
				"updated_at":        at,
			})
			if err := requireRow(res, "order", w.OrderId); err != nil {
				return err
			}
		}
		for _, w := range wb.OverheadRates {
			et := w.Rate.EffectiveTime
			res := tx.Model(&models.OverheadCostPeriod{}).Where("id = ?", w.PeriodId).Updates(map[string]interface{}{
				"amount":                  w.Rate.Amount,
				"cost_per_minute":         w.Rate.CostPerMinute,
				"effective_minutes":       et.TotalMinutes,
				"sessions_count":          et.SessionsCount,
				"merged_periods_count":    et.MergedPeriodsCount,
				"duplicates_eliminated":   et.DuplicatesEliminated,
				"clipped_periods":         et.ClippedPeriods,
				"excluded_sessions_count": et.ExcludedSessionsCount,
				"rate_updated_at":         at,
				"updated_at":              at,
			})
			if err := requireRow(res, "overhead period", w.PeriodId); err != nil {
				return err
			}
		}
		if len(wb.Events) > 0 {
			events := make([]models.LedgerEvent, len(wb.Events))
			for i, e := range wb.Events {
				events[i] = prepareEvent(e, at)
			}
			// a follow-on id already in the ledger came from an earlier delivery of the same trigger
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&events).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func requireRow(res *gorm.DB, what, id string) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func prepareEvent(e models.LedgerEvent, at time.Time) models.LedgerEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = at
	}
	if e.Status == "" {
		e.Status = models.LedgerStatusPending
	}
	if e.PublishStatus == "" {
		e.PublishStatus = models.LedgerPublishStatusPending
	}
	e.UpdatedAt = e.CreatedAt
	return e
}

// =============================================================================
// LEDGER
// =============================================================================

func (g *Gorm) AppendEvent(ctx context.Context, event models.LedgerEvent) (string, error) {
	if !event.Type.Valid() {
		return "", fmt.Errorf("append ledger event: unknown type %q", event.Type)
	}
	event = prepareEvent(event, g.now())
	if err := g.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&event).Error; err != nil {
		return "", err
	}
	return event.ID, nil
}

func (g *Gorm) GetEvent(ctx context.Context, id string) (models.LedgerEvent, error) {
	var e models.LedgerEvent
	if err := g.DB.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return models.LedgerEvent{}, notFound(err, "ledger event", id)
	}
	return e, nil
}

func (g *Gorm) UnprocessedEvents(ctx context.Context, eventType models.LedgerEventType, limit int) ([]models.LedgerEvent, error) {
	var out []models.LedgerEvent
	q := g.DB.WithContext(ctx).
		Where("type = ? AND processed = ?", eventType, false).
		Where("status <> ?", models.LedgerStatusDead).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", g.now()).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ClaimEvent is a single conditional update, so two workers racing for the same row cannot both win.
func (g *Gorm) ClaimEvent(ctx context.Context, id, worker string, ttl time.Duration) (models.LedgerEvent, error) {
	now := g.now()
	staleBefore := now.Add(-ttl)
	db := g.DB.WithContext(ctx)
	res := db.Model(&models.LedgerEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Where("locked_by IS NULL OR locked_by = ? OR locked_at IS NULL OR locked_at < ?", worker, staleBefore).
		Updates(map[string]interface{}{
			"locked_by":  worker,
			"locked_at":  now,
			"status":     models.LedgerStatusProcessing,
			"updated_at": now,
		})
	if res.Error != nil {
		return models.LedgerEvent{}, res.Error
	}
	event, err := g.GetEvent(ctx, id)
	if err != nil {
		return models.LedgerEvent{}, err
	}
	if res.RowsAffected == 0 && !event.Processed {
		return models.LedgerEvent{}, ErrEventClaimed
	}
	return event, nil
}

func (g *Gorm) ReleaseEvent(ctx context.Context, id, worker string) error {
	return g.DB.WithContext(ctx).Model(&models.LedgerEvent{}).
		Where("id = ? AND locked_by = ?", id, worker).
		Updates(map[string]interface{}{
			"locked_by":  nil,
			"locked_at":  nil,
			"status":     gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", models.LedgerStatusProcessing, models.LedgerStatusPending),
			"updated_at": g.now(),
		}).Error
}

func (g *Gorm) MarkProcessed(ctx context.Context, id string) error {
	now := g.now()
	res := g.DB.WithContext(ctx).Model(&models.LedgerEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processed":       true,
			"processed_at":    now,
			"status":          models.LedgerStatusSucceeded,
			"locked_by":       nil,
			"locked_at":       nil,
			"last_error":      nil,
			"next_attempt_at": nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// already processed is fine; a missing row is not
		_, err := g.GetEvent(ctx, id)
		return err
	}
	return nil
}

func (g *Gorm) RecordFailure(ctx context.Context, id string, failure Failure) error {
	msg := failure.Error
	status := models.LedgerStatusFailed
	if failure.Dead {
		status = models.LedgerStatusDead
	}
	return g.DB.WithContext(ctx).Model(&models.LedgerEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      &msg,
			"next_attempt_at": failure.NextAttemptAt,
			"status":          status,
			"locked_by":       nil,
			"locked_at":       nil,
			"updated_at":      g.now(),
		}).Error
}

func (g *Gorm) ReplayEvent(ctx context.Context, id string) error {
	res := g.DB.WithContext(ctx).Model(&models.LedgerEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"status":          models.LedgerStatusPending,
			"attempts":        0,
			"next_attempt_at": nil,
			"locked_by":       nil,
			"locked_at":       nil,
			"updated_at":      g.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		event, err := g.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if event.Processed {
			return fmt.Errorf("ledger event %s already processed", id)
		}
	}
	return nil
}

func (g *Gorm) EventsByStatus(ctx context.Context, status string, limit int) ([]models.LedgerEvent, error) {
	var out []models.LedgerEvent
	q := g.DB.WithContext(ctx).Where("status = ?", status).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (g *Gorm) PendingPublish(ctx context.Context, now time.Time, limit int) ([]models.LedgerEvent, error) {
	var out []models.LedgerEvent
	q := g.DB.WithContext(ctx).
		Where("publish_status IN ?", []string{models.LedgerPublishStatusPending, models.LedgerPublishStatusFailed}).
		Where("publish_next_at IS NULL OR publish_next_at <= ?", now).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (g *Gorm) MarkPublished(ctx context.Context, id, messageId string) error {
	now := g.now()
	msgId := messageId
	return g.DB.WithContext(ctx).Model(&models.LedgerEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     models.LedgerPublishStatusSent,
			"published_at":       now,
			"pub_sub_message_id": &msgId,
			"last_publish_error": nil,
			"publish_next_at":    nil,
		}).Error
}

func (g *Gorm) RecordPublishFailure(ctx context.Context, id string, failure Failure) error {
	msg := failure.Error
	status := models.LedgerPublishStatusFailed
	if failure.Dead {
		status = models.LedgerPublishStatusDead
	}
	return g.DB.WithContext(ctx).Model(&models.LedgerEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_attempts":   gorm.Expr("publish_attempts + 1"),
			"last_publish_error": &msg,
			"publish_next_at":    failure.NextAttemptAt,
			"publish_status":     status,
		}).Error
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite in tests
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
func (g *Gorm) BeginIdempotency(ctx context.Context, handlerName, messageId string) (bool, error) {
	db := g.DB.WithContext(ctx)
	now := g.now()
	key := models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := db.Where("handler_name = ? AND message_id = ?", handlerName, messageId).First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// another worker is on it; a stale STARTED row is taken over
		if now.Sub(existing.UpdatedAt) < IdempotencyStaleAfter {
			return false, ErrIdempotencyActive
		}
	}
	return false, db.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil, "updated_at": now}).Error
}

func (g *Gorm) MarkIdempotencySucceeded(ctx context.Context, handlerName, messageId string) error {
	return g.DB.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil, "updated_at": g.now()}).Error
}

func (g *Gorm) MarkIdempotencyFailed(ctx context.Context, handlerName, messageId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return g.DB.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg, "updated_at": g.now()}).Error
}
