package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type LedgerEventType string

const (
	LedgerEventPurchaseOrderUpdate   LedgerEventType = "purchaseOrderUpdate"
	LedgerEventBatchPriceUpdate      LedgerEventType = "batchPriceUpdate"
	LedgerEventTaskRecalculation     LedgerEventType = "taskRecalculation"
	LedgerEventTaskCostUpdate        LedgerEventType = "taskCostUpdate"
	LedgerEventWorkSessionUpdate     LedgerEventType = "workSessionUpdate"
	LedgerEventOverheadRateUpdate    LedgerEventType = "overheadRateUpdate"
	LedgerEventAccountingEntryUpdate LedgerEventType = "accountingEntryUpdate"
)

// AllLedgerEventTypes in stage order.
var AllLedgerEventTypes = []LedgerEventType{
	LedgerEventPurchaseOrderUpdate,
	LedgerEventAccountingEntryUpdate,
	LedgerEventWorkSessionUpdate,
	LedgerEventBatchPriceUpdate,
	LedgerEventOverheadRateUpdate,
	LedgerEventTaskRecalculation,
	LedgerEventTaskCostUpdate,
}

func (t LedgerEventType) Valid() bool {
	for _, v := range AllLedgerEventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Ledger publish statuses for LedgerEvent.PublishStatus.
const (
	LedgerPublishStatusPending    = "PENDING"
	LedgerPublishStatusProcessing = "PROCESSING"
	LedgerPublishStatusSent       = "SENT"
	LedgerPublishStatusFailed     = "FAILED"
	LedgerPublishStatusDead       = "DEAD"
)

// Ledger processing statuses for LedgerEvent.Status (consumer side, distinct from PublishStatus).
const (
	LedgerStatusPending    = "PENDING"
	LedgerStatusProcessing = "PROCESSING"
	LedgerStatusSucceeded  = "SUCCEEDED"
	LedgerStatusFailed     = "FAILED"
	LedgerStatusDead       = "DEAD"
)

// LedgerEvent is an append-only "something changed" fact. Rows are never deleted; Processed rows
// are skipped by consumers and kept for audit.
type LedgerEvent struct {
	ID            string          `gorm:"primaryKey;size:64" json:"id"`
	Type          LedgerEventType `gorm:"size:40;not null;index:idx_ledger_consume,priority:1" json:"type"`
	Payload       json.RawMessage `gorm:"type:text" json:"payload"`
	Processed     bool            `gorm:"not null;default:false;index:idx_ledger_consume,priority:2" json:"processed"`
	ProcessedAt   *time.Time      `gorm:"index" json:"processed_at"`
	Status        string          `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	Attempts      int             `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time      `gorm:"index" json:"next_attempt_at"`
	LastError     *string         `gorm:"type:text" json:"last_error"`
	LockedAt      *time.Time      `gorm:"index" json:"locked_at"`
	LockedBy      *string         `gorm:"size:100" json:"locked_by"`
	// publish happens after commit via the dispatcher
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_ledger_dispatch,priority:1" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	PublishNextAt    *time.Time `gorm:"index:idx_ledger_dispatch,priority:2" json:"publish_next_at"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"not null;index:idx_ledger_consume,priority:3" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Payloads. Each names the inputs of the next stage; consumers recompute from current state,
// so replaying a payload is always safe.

type PurchaseOrderUpdatePayload struct {
	PurchaseOrderIds []string `json:"purchase_order_ids"`
}

type BatchPriceUpdatePayload struct {
	BatchIds []string `json:"batch_ids"`
}

// TaskIdsPayload is shared by taskRecalculation and taskCostUpdate.
type TaskIdsPayload struct {
	TaskIds []string `json:"task_ids"`
}

// WorkSessionUpdatePayload carries both the current session ids and the windows and tasks they
// belonged to before the edit, so a moved, reassigned or deleted session still refreshes the
// periods and tasks it left.
type WorkSessionUpdatePayload struct {
	SessionIds      []string     `json:"session_ids"`
	PreviousWindows []TimeWindow `json:"previous_windows"`
	PreviousTaskIds []string     `json:"previous_task_ids,omitempty"`
}

type OverheadRateUpdatePayload struct {
	PeriodIds []string `json:"period_ids"`
}

// AccountingEntryUpdatePayload carries posting dates as well as ids, since a deleted entry can
// no longer be loaded.
type AccountingEntryUpdatePayload struct {
	EntryIds     []string    `json:"entry_ids"`
	PostingDates []time.Time `json:"posting_dates"`
}

// NewLedgerEvent builds an unsaved event; the store assigns ID and CreatedAt when empty.
func NewLedgerEvent(eventType LedgerEventType, payload any, correlationId string) (LedgerEvent, error) {
	if !eventType.Valid() {
		return LedgerEvent{}, fmt.Errorf("unknown ledger event type %q", eventType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return LedgerEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return LedgerEvent{
		Type:          eventType,
		Payload:       raw,
		Status:        LedgerStatusPending,
		PublishStatus: LedgerPublishStatusPending,
		CorrelationId: correlationId,
	}, nil
}

func DecodePayload[T any](event LedgerEvent) (T, error) {
	var out T
	if len(event.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload of event %s: %w", event.Type, event.ID, err)
	}
	return out, nil
}
