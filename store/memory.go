package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/costing_backend/models"
)

// Memory is an in-process Store for tests, local runs and the rerun CLI's dry-run mode.
// It enforces the same in-query and batch caps as the production store, and every value it
// returns is a copy.
type Memory struct {
	mu    sync.RWMutex
	clock func() time.Time

	materials         map[string]models.Material
	purchaseOrders    map[string]models.PurchaseOrder
	batches           map[string]models.Batch
	batchReservations map[string]models.BatchReservation
	poReservations    map[string]models.PurchaseOrderReservation
	consumptions      map[string]models.ConsumptionRecord
	tasks             map[string]models.Task
	orders            map[string]models.Order
	sessions          map[string]models.WorkSession
	periods           map[string]models.OverheadCostPeriod
	entries           map[string]models.AccountingEntry
	events            map[string]models.LedgerEvent
	eventSeq          map[string]int
	idempotency       map[string]models.IdempotencyKey

	commitHook func(WriteBatch) error
	commits    int
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		clock:             func() time.Time { return time.Now().UTC() },
		materials:         make(map[string]models.Material),
		purchaseOrders:    make(map[string]models.PurchaseOrder),
		batches:           make(map[string]models.Batch),
		batchReservations: make(map[string]models.BatchReservation),
		poReservations:    make(map[string]models.PurchaseOrderReservation),
		consumptions:      make(map[string]models.ConsumptionRecord),
		tasks:             make(map[string]models.Task),
		orders:            make(map[string]models.Order),
		sessions:          make(map[string]models.WorkSession),
		periods:           make(map[string]models.OverheadCostPeriod),
		entries:           make(map[string]models.AccountingEntry),
		events:            make(map[string]models.LedgerEvent),
		eventSeq:          make(map[string]int),
		idempotency:       make(map[string]models.IdempotencyKey),
	}
}

// SetClock replaces the store clock used for event timestamps and claim expiry.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// SetCommitHook runs before every commit; a non-nil error aborts that commit with nothing written.
func (m *Memory) SetCommitHook(hook func(WriteBatch) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitHook = hook
}

// Commits returns the number of successful commits.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// =============================================================================
// SEEDING - source documents are owned by upstream workflows
// =============================================================================

func (m *Memory) PutMaterial(v models.Material) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.materials[v.ID] = v
}

func (m *Memory) PutPurchaseOrder(v models.PurchaseOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchaseOrders[v.ID] = copyPurchaseOrder(v)
}

func (m *Memory) PutBatch(v models.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[v.ID] = copyBatch(v)
}

func (m *Memory) PutBatchReservation(v models.BatchReservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchReservations[v.ID] = v
}

func (m *Memory) PutPOReservation(v models.PurchaseOrderReservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poReservations[v.ID] = v
}

func (m *Memory) PutConsumption(v models.ConsumptionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumptions[v.ID] = copyConsumption(v)
}

func (m *Memory) PutTask(v models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[v.ID] = copyTask(v)
}

func (m *Memory) PutOrder(v models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[v.ID] = copyOrder(v)
}

func (m *Memory) PutWorkSession(v models.WorkSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[v.ID] = copySession(v)
}

func (m *Memory) DeleteWorkSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *Memory) PutOverheadPeriod(v models.OverheadCostPeriod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods[v.ID] = copyPeriod(v)
}

func (m *Memory) PutAccountingEntry(v models.AccountingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[v.ID] = copyEntry(v)
}

func (m *Memory) DeleteAccountingEntry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// Events returns every event of a type, processed or not, in append order.
func (m *Memory) Events(eventType models.LedgerEventType) []models.LedgerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LedgerEvent
	for _, e := range m.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, copyEvent(e))
		}
	}
	m.sortEvents(out)
	return out
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetPurchaseOrder(_ context.Context, id string) (models.PurchaseOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	po, ok := m.purchaseOrders[id]
	if !ok {
		return models.PurchaseOrder{}, fmt.Errorf("purchase order %s: %w", id, ErrNotFound)
	}
	return copyPurchaseOrder(po), nil
}

func (m *Memory) BatchesByPurchaseOrder(_ context.Context, purchaseOrderId string) ([]models.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Batch
	for _, b := range m.batches {
		if b.PurchaseOrderId == purchaseOrderId {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) BatchesByIDs(_ context.Context, ids []string) ([]models.Batch, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectByIDs(ids, m.batches, copyBatch), nil
}

func (m *Memory) BatchesByMaterial(_ context.Context, materialId string) ([]models.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Batch
	for _, b := range m.batches {
		if b.MaterialId == materialId {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MaterialsByIDs(_ context.Context, ids []string) ([]models.Material, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectByIDs(ids, m.materials, func(v models.Material) models.Material { return v }), nil
}

func (m *Memory) TasksByIDs(_ context.Context, ids []string) ([]models.Task, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectByIDs(ids, m.tasks, copyTask), nil
}

func (m *Memory) BatchReservationsByBatchIDs(_ context.Context, batchIds []string) ([]models.BatchReservation, error) {
	if err := checkInValues(batchIds); err != nil {
		return nil, err
	}
	set := toSet(batchIds)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BatchReservation
	for _, r := range m.batchReservations {
		if _, ok := set[r.BatchId]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) BatchReservationsByTask(_ context.Context, taskId string) ([]models.BatchReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BatchReservation
	for _, r := range m.batchReservations {
		if r.TaskId == taskId {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) POReservationsByTask(_ context.Context, taskId string) ([]models.PurchaseOrderReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PurchaseOrderReservation
	for _, r := range m.poReservations {
		if r.TaskId == taskId {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ConsumptionsByBatchIDs(_ context.Context, batchIds []string) ([]models.ConsumptionRecord, error) {
	if err := checkInValues(batchIds); err != nil {
		return nil, err
	}
	set := toSet(batchIds)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ConsumptionRecord
	for _, c := range m.consumptions {
		if c.BatchId == nil {
			continue
		}
		if _, ok := set[*c.BatchId]; ok {
			out = append(out, copyConsumption(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ConsumptionsByTask(_ context.Context, taskId string) ([]models.ConsumptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ConsumptionRecord
	for _, c := range m.consumptions {
		if c.TaskId == taskId {
			out = append(out, copyConsumption(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) OrdersByTaskIDs(_ context.Context, taskIds []string) ([]models.Order, error) {
	if err := checkInValues(taskIds); err != nil {
		return nil, err
	}
	set := toSet(taskIds)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, o := range m.orders {
		for _, item := range o.Items {
			if item.ProductionTaskId == nil {
				continue
			}
			if _, ok := set[*item.ProductionTaskId]; ok {
				out = append(out, copyOrder(o))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) WorkSessionsByIDs(_ context.Context, ids []string) ([]models.WorkSession, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectByIDs(ids, m.sessions, copySession), nil
}

func (m *Memory) WorkSessionsByTask(_ context.Context, taskId string) ([]models.WorkSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkSession
	for _, s := range m.sessions {
		if s.TaskId == taskId {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) WorkSessionsOverlapping(_ context.Context, start, end time.Time) ([]models.WorkSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkSession
	for _, s := range m.sessions {
		if s.EndTime == nil {
			continue
		}
		if !s.StartTime.After(end) && !s.EndTime.Before(start) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) OverheadPeriodsByIDs(_ context.Context, ids []string) ([]models.OverheadCostPeriod, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectByIDs(ids, m.periods, copyPeriod), nil
}

func (m *Memory) OverheadPeriodsOverlapping(_ context.Context, start, end time.Time) ([]models.OverheadCostPeriod, error) {
	window := models.TimeWindow{Start: start, End: end}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OverheadCostPeriod
	for _, p := range m.periods {
		if p.Window().Overlaps(window) {
			out = append(out, copyPeriod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListOverheadPeriods(_ context.Context) ([]models.OverheadCostPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.OverheadCostPeriod, 0, len(m.periods))
	for _, p := range m.periods {
		out = append(out, copyPeriod(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) AccountingEntriesByIDs(_ context.Context, ids []string) ([]models.AccountingEntry, error) {
	if err := checkInValues(ids); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectByIDs(ids, m.entries, copyEntry), nil
}

func (m *Memory) AccountingEntriesInRange(_ context.Context, start, end time.Time) ([]models.AccountingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AccountingEntry
	for _, e := range m.entries {
		if !e.PostingDate.Before(start) && !e.PostingDate.After(end) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// COMMIT
// =============================================================================

func (m *Memory) Commit(_ context.Context, wb WriteBatch) error {
	if wb.Len() > MaxBatchWrites {
		return ErrBatchTooLarge
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commitHook != nil {
		if err := m.commitHook(wb); err != nil {
			return err
		}
	}

	// validate everything first so a failed commit writes nothing
	for _, w := range wb.BatchPrices {
		if _, ok := m.batches[w.BatchId]; !ok {
			return fmt.Errorf("batch %s: %w", w.BatchId, ErrNotFound)
		}
	}
	for _, w := range wb.TaskCosts {
		if _, ok := m.tasks[w.TaskId]; !ok {
			return fmt.Errorf("task %s: %w", w.TaskId, ErrNotFound)
		}
	}
	for _, w := range wb.OrderValues {
		if _, ok := m.orders[w.OrderId]; !ok {
			return fmt.Errorf("order %s: %w", w.OrderId, ErrNotFound)
		}
	}
	for _, w := range wb.OverheadRates {
		if _, ok := m.periods[w.PeriodId]; !ok {
			return fmt.Errorf("overhead period %s: %w", w.PeriodId, ErrNotFound)
		}
	}

	at := wb.At
	if at.IsZero() {
		at = m.clock()
	}
	for _, w := range wb.BatchPrices {
		b := m.batches[w.BatchId]
		b.ApplyPrice(w.Price, at)
		b.UpdatedAt = at
		m.batches[w.BatchId] = b
	}
	for _, w := range wb.TaskCosts {
		t := m.tasks[w.TaskId]
		t.ApplyCosts(copyTaskCosts(w.Costs), at)
		t.UpdatedAt = at
		m.tasks[w.TaskId] = t
	}
	for _, w := range wb.OrderValues {
		o := copyOrder(m.orders[w.OrderId])
		o.ApplyValues(w.Values, at)
		o.UpdatedAt = at
		m.orders[w.OrderId] = o
	}
	for _, w := range wb.OverheadRates {
		p := m.periods[w.PeriodId]
		p.ApplyRate(w.Rate, at)
		p.UpdatedAt = at
		m.periods[w.PeriodId] = p
	}
	for _, e := range wb.Events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = at
		}
		m.appendLocked(e)
	}
	m.commits++
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) AppendEvent(_ context.Context, event models.LedgerEvent) (string, error) {
	if !event.Type.Valid() {
		return "", fmt.Errorf("append ledger event: unknown type %q", event.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.clock()
	}
	return m.appendLocked(event), nil
}

func (m *Memory) appendLocked(e models.LedgerEvent) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.LedgerStatusPending
	}
	if e.PublishStatus == "" {
		e.PublishStatus = models.LedgerPublishStatusPending
	}
	// an id already in the ledger was appended by an earlier delivery of the same trigger
	if _, exists := m.events[e.ID]; exists {
		return e.ID
	}
	e.UpdatedAt = e.CreatedAt
	m.eventSeq[e.ID] = len(m.eventSeq)
	m.events[e.ID] = copyEvent(e)
	return e.ID
}

func (m *Memory) GetEvent(_ context.Context, id string) (models.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return models.LedgerEvent{}, fmt.Errorf("ledger event %s: %w", id, ErrNotFound)
	}
	return copyEvent(e), nil
}

func (m *Memory) UnprocessedEvents(_ context.Context, eventType models.LedgerEventType, limit int) ([]models.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock()
	var out []models.LedgerEvent
	for _, e := range m.events {
		if e.Type != eventType || e.Processed || e.Status == models.LedgerStatusDead {
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	m.sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimEvent(_ context.Context, id, worker string, ttl time.Duration) (models.LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return models.LedgerEvent{}, fmt.Errorf("ledger event %s: %w", id, ErrNotFound)
	}
	if e.Processed {
		return copyEvent(e), nil
	}
	now := m.clock()
	if e.LockedBy != nil && *e.LockedBy != worker && e.LockedAt != nil && now.Sub(*e.LockedAt) < ttl {
		return models.LedgerEvent{}, ErrEventClaimed
	}
	w := worker
	e.LockedBy = &w
	e.LockedAt = &now
	e.Status = models.LedgerStatusProcessing
	e.UpdatedAt = now
	m.events[id] = e
	return copyEvent(e), nil
}

func (m *Memory) ReleaseEvent(_ context.Context, id, worker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("ledger event %s: %w", id, ErrNotFound)
	}
	if e.LockedBy == nil || *e.LockedBy != worker {
		return nil
	}
	e.LockedBy = nil
	e.LockedAt = nil
	if e.Status == models.LedgerStatusProcessing {
		e.Status = models.LedgerStatusPending
	}
	e.UpdatedAt = m.clock()
	m.events[id] = e
	return nil
}

func (m *Memory) MarkProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("ledger event %s: %w", id, ErrNotFound)
	}
	if e.Processed {
		return nil
	}
	now := m.clock()
	e.Processed = true
	e.ProcessedAt = &now
	e.Status = models.LedgerStatusSucceeded
	e.LockedBy = nil
	e.LockedAt = nil
	e.LastError = nil
	e.NextAttemptAt = nil
	e.UpdatedAt = now
	m.events[id] = e
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, id string, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("ledger event %s: %w", id, ErrNotFound)
	}
	if e.Processed {
		return nil
	}
	msg := failure.Error
	e.Attempts++
	e.LastError = &msg
	e.NextAttemptAt = copyTime(failure.NextAttemptAt)
	e.Status = models.LedgerStatusFailed
	if failure.Dead {
		e.Status = models.LedgerStatusDead
	}
	e.LockedBy = nil
	e.LockedAt = nil
	e.UpdatedAt = m.clock()
	m.events[id] = e
	return nil
}

func (m *Memory) ReplayEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("ledger event %s: %w", id, ErrNotFound)
	}
	if e.Processed {
		return fmt.Errorf("ledger event %s already processed", id)
	}
	e.Status = models.LedgerStatusPending
	e.Attempts = 0
	e.NextAttemptAt = nil
	e.LockedBy = nil
	e.LockedAt = nil
	e.UpdatedAt = m.clock()
	m.events[id] = e
	return nil
}

func (m *Memory) EventsByStatus(_ context.Context, status string, limit int) ([]models.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LedgerEvent
	for _, e := range m.events {
		if e.Status == status {
			out = append(out, copyEvent(e))
		}
	}
	m.sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PendingPublish(_ context.Context, now time.Time, limit int) ([]models.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LedgerEvent
	for _, e := range m.events {
		if e.PublishStatus != models.LedgerPublishStatusPending && e.PublishStatus != models.LedgerPublishStatusFailed {
			continue
		}
		if e.PublishNextAt != nil && e.PublishNextAt.After(now) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	m.sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkPublished(_ context.Context, id, messageId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("ledger event %s: %w", id, ErrNotFound)
	}
	now := m.clock()
	msgId := messageId
	e.PublishStatus = models.LedgerPublishStatusSent
	e.PublishedAt = &now
	e.PubSubMessageId = &msgId
	e.LastPublishError = nil
	e.PublishNextAt = nil
	m.events[id] = e
	return nil
}

func (m *Memory) RecordPublishFailure(_ context.Context, id string, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("ledger event %s: %w", id, ErrNotFound)
	}
	msg := failure.Error
	e.PublishAttempts++
	e.LastPublishError = &msg
	e.PublishNextAt = copyTime(failure.NextAttemptAt)
	e.PublishStatus = models.LedgerPublishStatusFailed
	if failure.Dead {
		e.PublishStatus = models.LedgerPublishStatusDead
	}
	m.events[id] = e
	return nil
}

func (m *Memory) sortEvents(events []models.LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return m.eventSeq[events[i].ID] < m.eventSeq[events[j].ID]
	})
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func idemKey(handlerName, messageId string) string {
	return handlerName + "|" + messageId
}

func (m *Memory) BeginIdempotency(_ context.Context, handlerName, messageId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(handlerName, messageId)
	now := m.clock()
	existing, ok := m.idempotency[k]
	if !ok {
		m.idempotency[k] = models.IdempotencyKey{
			HandlerName: handlerName,
			MessageId:   messageId,
			Status:      models.IdempotencyStatusStarted,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return false, nil
	}
	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		if now.Sub(existing.UpdatedAt) < IdempotencyStaleAfter {
			return false, ErrIdempotencyActive
		}
	}
	existing.Status = models.IdempotencyStatusStarted
	existing.LastError = nil
	existing.UpdatedAt = now
	m.idempotency[k] = existing
	return false, nil
}

func (m *Memory) MarkIdempotencySucceeded(_ context.Context, handlerName, messageId string) error {
	return m.setIdempotency(handlerName, messageId, models.IdempotencyStatusSucceeded, nil)
}

func (m *Memory) MarkIdempotencyFailed(_ context.Context, handlerName, messageId string, cause error) error {
	return m.setIdempotency(handlerName, messageId, models.IdempotencyStatusFailed, cause)
}

func (m *Memory) setIdempotency(handlerName, messageId string, status models.IdempotencyStatus, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(handlerName, messageId)
	existing, ok := m.idempotency[k]
	if !ok {
		return fmt.Errorf("idempotency key %s: %w", k, ErrNotFound)
	}
	existing.Status = status
	existing.LastError = nil
	if cause != nil {
		msg := cause.Error()
		existing.LastError = &msg
	}
	existing.UpdatedAt = m.clock()
	m.idempotency[k] = existing
	return nil
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func selectByIDs[T any](ids []string, src map[string]T, cp func(T) T) []T {
	out := make([]T, 0, len(ids))
	for _, id := range UniqueIDs(ids) {
		if v, ok := src[id]; ok {
			out = append(out, cp(v))
		}
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyPurchaseOrder(po models.PurchaseOrder) models.PurchaseOrder {
	po.Items = append([]models.PurchaseOrderItem(nil), po.Items...)
	po.AdditionalCosts = append([]models.PurchaseOrderAdditionalCost(nil), po.AdditionalCosts...)
	return po
}

func copyBatch(b models.Batch) models.Batch {
	b.PriceUpdatedAt = copyTime(b.PriceUpdatedAt)
	return b
}

func copyConsumption(c models.ConsumptionRecord) models.ConsumptionRecord {
	c.BatchId = copyString(c.BatchId)
	return c
}

func copyTaskCosts(c models.TaskCosts) models.TaskCosts {
	if c.EstimatedCostDetails != nil {
		details := make(models.EstimatedCostDetails, len(c.EstimatedCostDetails))
		for k, v := range c.EstimatedCostDetails {
			details[k] = v
		}
		c.EstimatedCostDetails = details
	}
	return c
}

func copyTask(t models.Task) models.Task {
	materials := make([]models.TaskMaterial, len(t.Materials))
	for i, mat := range t.Materials {
		if mat.IncludeInCosts != nil {
			v := *mat.IncludeInCosts
			mat.IncludeInCosts = &v
		}
		materials[i] = mat
	}
	t.Materials = materials
	t.EstimatedCostDetails = copyTaskCosts(models.TaskCosts{EstimatedCostDetails: t.EstimatedCostDetails}).EstimatedCostDetails
	t.CostsUpdatedAt = copyTime(t.CostsUpdatedAt)
	return t
}

func copyOrder(o models.Order) models.Order {
	items := make([]models.OrderItem, len(o.Items))
	for i, item := range o.Items {
		item.ProductionTaskId = copyString(item.ProductionTaskId)
		items[i] = item
	}
	o.Items = items
	o.AdditionalCosts = append([]models.OrderAdditionalCost(nil), o.AdditionalCosts...)
	o.ValuesUpdatedAt = copyTime(o.ValuesUpdatedAt)
	return o
}

func copySession(s models.WorkSession) models.WorkSession {
	s.EndTime = copyTime(s.EndTime)
	return s
}

func copyPeriod(p models.OverheadCostPeriod) models.OverheadCostPeriod {
	p.ExcludedTaskIds = append(models.StringList(nil), p.ExcludedTaskIds...)
	p.RateUpdatedAt = copyTime(p.RateUpdatedAt)
	return p
}

func copyEntry(e models.AccountingEntry) models.AccountingEntry {
	e.ReversesEntryId = copyString(e.ReversesEntryId)
	return e
}

func copyEvent(e models.LedgerEvent) models.LedgerEvent {
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	e.ProcessedAt = copyTime(e.ProcessedAt)
	e.NextAttemptAt = copyTime(e.NextAttemptAt)
	e.LastError = copyString(e.LastError)
	e.LockedAt = copyTime(e.LockedAt)
	e.LockedBy = copyString(e.LockedBy)
	e.PublishNextAt = copyTime(e.PublishNextAt)
	e.PublishedAt = copyTime(e.PublishedAt)
	e.PubSubMessageId = copyString(e.PubSubMessageId)
	e.LastPublishError = copyString(e.LastPublishError)
	return e
}
