// Package store is the document store the cascade engine reads from and commits to.
// Equality/range queries, "in" queries capped at MaxInValues, and atomic multi-document
// writes capped at MaxBatchWrites.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/costing_backend/models"
)

const (
	MaxInValues    = 10
	MaxBatchWrites = 500

	// IdempotencyStaleAfter is how long a STARTED key blocks a second handler.
	IdempotencyStaleAfter = 5 * time.Minute
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrTooManyInValues   = errors.New("store: too many values in an in-query")
	ErrBatchTooLarge     = errors.New("store: write batch exceeds the batch cap")
	ErrEventClaimed      = errors.New("store: ledger event claimed by another worker")
	ErrIdempotencyActive = errors.New("store: idempotency key in progress")
)

// Reader methods taking an id slice accept at most MaxInValues ids; use QueryInChunks for more.
// Missing ids are silently absent from the result.
type Reader interface {
	GetPurchaseOrder(ctx context.Context, id string) (models.PurchaseOrder, error)
	BatchesByPurchaseOrder(ctx context.Context, purchaseOrderId string) ([]models.Batch, error)
	BatchesByIDs(ctx context.Context, ids []string) ([]models.Batch, error)
	BatchesByMaterial(ctx context.Context, materialId string) ([]models.Batch, error)
	MaterialsByIDs(ctx context.Context, ids []string) ([]models.Material, error)

	TasksByIDs(ctx context.Context, ids []string) ([]models.Task, error)
	BatchReservationsByBatchIDs(ctx context.Context, batchIds []string) ([]models.BatchReservation, error)
	BatchReservationsByTask(ctx context.Context, taskId string) ([]models.BatchReservation, error)
	POReservationsByTask(ctx context.Context, taskId string) ([]models.PurchaseOrderReservation, error)
	ConsumptionsByBatchIDs(ctx context.Context, batchIds []string) ([]models.ConsumptionRecord, error)
	ConsumptionsByTask(ctx context.Context, taskId string) ([]models.ConsumptionRecord, error)

	// OrdersByTaskIDs returns orders having at least one item produced by one of the tasks.
	OrdersByTaskIDs(ctx context.Context, taskIds []string) ([]models.Order, error)

	WorkSessionsByIDs(ctx context.Context, ids []string) ([]models.WorkSession, error)
	WorkSessionsByTask(ctx context.Context, taskId string) ([]models.WorkSession, error)
	// WorkSessionsOverlapping returns closed sessions intersecting [start, end].
	WorkSessionsOverlapping(ctx context.Context, start, end time.Time) ([]models.WorkSession, error)

	OverheadPeriodsByIDs(ctx context.Context, ids []string) ([]models.OverheadCostPeriod, error)
	// OverheadPeriodsOverlapping returns periods whose [StartDate, EndDate] intersects [start, end].
	OverheadPeriodsOverlapping(ctx context.Context, start, end time.Time) ([]models.OverheadCostPeriod, error)
	ListOverheadPeriods(ctx context.Context) ([]models.OverheadCostPeriod, error)

	AccountingEntriesByIDs(ctx context.Context, ids []string) ([]models.AccountingEntry, error)
	// AccountingEntriesInRange returns entries with start <= posting date <= end.
	AccountingEntriesInRange(ctx context.Context, start, end time.Time) ([]models.AccountingEntry, error)
}

// Ledger is the event ledger. Append always succeeds or returns an error; processed events are
// never deleted.
type Ledger interface {
	AppendEvent(ctx context.Context, event models.LedgerEvent) (string, error)
	GetEvent(ctx context.Context, id string) (models.LedgerEvent, error)
	// UnprocessedEvents returns due, not-dead, unprocessed events of one type, oldest first.
	UnprocessedEvents(ctx context.Context, eventType models.LedgerEventType, limit int) ([]models.LedgerEvent, error)
	// ClaimEvent locks the event for worker. A lock older than ttl is reclaimed. Returns
	// ErrEventClaimed when another worker holds a fresh lock.
	ClaimEvent(ctx context.Context, id, worker string, ttl time.Duration) (models.LedgerEvent, error)
	// ReleaseEvent drops the claim without counting an attempt.
	ReleaseEvent(ctx context.Context, id, worker string) error
	// MarkProcessed is idempotent.
	MarkProcessed(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, failure Failure) error
	// ReplayEvent resets a DEAD or FAILED event to PENDING with zero attempts.
	ReplayEvent(ctx context.Context, id string) error
	EventsByStatus(ctx context.Context, status string, limit int) ([]models.LedgerEvent, error)

	PendingPublish(ctx context.Context, now time.Time, limit int) ([]models.LedgerEvent, error)
	MarkPublished(ctx context.Context, id, messageId string) error
	RecordPublishFailure(ctx context.Context, id string, failure Failure) error
}

// Failure describes a failed processing or publish attempt.
type Failure struct {
	Error         string
	NextAttemptAt *time.Time
	Dead          bool
}

// Idempotency guards side effects that are not full recomputations.
type Idempotency interface {
	// BeginIdempotency returns skip=true when the key already succeeded.
	BeginIdempotency(ctx context.Context, handlerName, messageId string) (skip bool, err error)
	MarkIdempotencySucceeded(ctx context.Context, handlerName, messageId string) error
	MarkIdempotencyFailed(ctx context.Context, handlerName, messageId string, cause error) error
}

type Store interface {
	Reader
	Ledger
	Idempotency
	// Commit applies every write in the batch atomically. Batches longer than MaxBatchWrites
	// return ErrBatchTooLarge without writing.
	Commit(ctx context.Context, wb WriteBatch) error
}

type BatchPriceWrite struct {
	BatchId string
	Price   models.BatchPrice
}

type TaskCostsWrite struct {
	TaskId string
	Costs  models.TaskCosts
}

type OrderValuesWrite struct {
	OrderId string
	Values  models.OrderValues
}

type OverheadRateWrite struct {
	PeriodId string
	Rate     models.OverheadRate
}

// WriteBatch is one atomic commit. At stamps every *UpdatedAt field and the CreatedAt of
// events that have none; the store clock is used when At is zero.
type WriteBatch struct {
	At            time.Time
	BatchPrices   []BatchPriceWrite
	TaskCosts     []TaskCostsWrite
	OrderValues   []OrderValuesWrite
	OverheadRates []OverheadRateWrite
	Events        []models.LedgerEvent
}

func (wb WriteBatch) Len() int {
	return wb.documentCount() + len(wb.Events)
}

func (wb WriteBatch) documentCount() int {
	return len(wb.BatchPrices) + len(wb.TaskCosts) + len(wb.OrderValues) + len(wb.OverheadRates)
}

func (wb WriteBatch) Empty() bool {
	return wb.Len() == 0
}

// SplitWriteBatch cuts wb into commits of at most max writes. Events are placed after every
// document write, so a follow-on event is only visible once all documents it describes committed.
func SplitWriteBatch(wb WriteBatch, max int) []WriteBatch {
	if max <= 0 {
		max = MaxBatchWrites
	}
	if wb.Len() <= max {
		return []WriteBatch{wb}
	}

	type docWrite struct {
		apply func(*WriteBatch)
	}
	docs := make([]docWrite, 0, wb.documentCount())
	for _, w := range wb.BatchPrices {
		w := w
		docs = append(docs, docWrite{func(c *WriteBatch) { c.BatchPrices = append(c.BatchPrices, w) }})
	}
	for _, w := range wb.TaskCosts {
		w := w
		docs = append(docs, docWrite{func(c *WriteBatch) { c.TaskCosts = append(c.TaskCosts, w) }})
	}
	for _, w := range wb.OrderValues {
		w := w
		docs = append(docs, docWrite{func(c *WriteBatch) { c.OrderValues = append(c.OrderValues, w) }})
	}
	for _, w := range wb.OverheadRates {
		w := w
		docs = append(docs, docWrite{func(c *WriteBatch) { c.OverheadRates = append(c.OverheadRates, w) }})
	}

	var chunks []WriteBatch
	current := WriteBatch{At: wb.At}
	for _, doc := range docs {
		if current.Len() == max {
			chunks = append(chunks, current)
			current = WriteBatch{At: wb.At}
		}
		doc.apply(&current)
	}

	events := wb.Events
	for len(events) > 0 {
		room := max - current.Len()
		if room <= 0 {
			chunks = append(chunks, current)
			current = WriteBatch{At: wb.At}
			continue
		}
		if room > len(events) {
			room = len(events)
		}
		current.Events = append(current.Events, events[:room]...)
		events = events[room:]
	}
	if !current.Empty() {
		chunks = append(chunks, current)
	}
	return chunks
}

// ChunkIDs splits ids into groups of at most size, dropping empty ids and duplicates.
func ChunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = MaxInValues
	}
	unique := UniqueIDs(ids)
	var out [][]string
	for start := 0; start < len(unique); start += size {
		end := start + size
		if end > len(unique) {
			end = len(unique)
		}
		out = append(out, unique[start:end])
	}
	return out
}

// UniqueIDs keeps first occurrences, in order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// QueryInChunks runs an in-query over any number of ids by chunking them to MaxInValues.
func QueryInChunks[T any](ctx context.Context, ids []string, query func(context.Context, []string) ([]T, error)) ([]T, error) {
	var out []T
	for _, chunk := range ChunkIDs(ids, MaxInValues) {
		rows, err := query(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func checkInValues(ids []string) error {
	if len(ids) > MaxInValues {
		return ErrTooManyInValues
	}
	return nil
}
