package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/currencyrate"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/notification"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	StageBatchPrice   = "batchPrice"
	StageTaskCost     = "taskCost"
	StageOrderValue   = "orderValue"
	StageOverheadRate = "overheadRate"
)

var (
	ErrEventInProgress = errors.New("ledger event is being processed by another worker")
	ErrStageDisabled   = errors.New("cascade stage disabled")
	ErrNotQuiescent    = errors.New("cascade did not settle within the round limit")
)

var tracer = otel.Tracer("github.com/mmdatafocus/costing_backend/workflow")

// Engine runs the cascade stages. Every stage recomputes from current store state, so any stage
// can be re-run at any time with the same result.
type Engine struct {
	Store    store.Store
	Rates    currencyrate.Provider
	Notifier notification.Notifier
	// nil disables the per-event redis lock; the store claim still applies
	Locker   Locker
	Logger   *logrus.Logger
	Settings config.Settings
	WorkerID string
	Now      func() time.Time
}

func NewEngine(st store.Store, rates currencyrate.Provider, settings config.Settings, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Engine{
		Store:    st,
		Rates:    rates,
		Notifier: notification.Log{Logger: logger},
		Logger:   logger,
		Settings: settings,
		WorkerID: uuid.NewString(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// StageResult summarizes one stage run. Written lists documents whose values moved and were
// stored; Downstream lists the ids named by the follow-on event.
type StageResult struct {
	Stage      string   `json:"stage"`
	Inputs     int      `json:"inputs"`
	Recomputed int      `json:"recomputed"`
	Written    []string `json:"written"`
	Downstream []string `json:"downstream"`
	Skipped    []string `json:"skipped,omitempty"`
	Commits    int      `json:"commits"`
	EventType  string   `json:"event_type,omitempty"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) gate() models.ChangeGate {
	return models.NewChangeGate(e.Settings.ChangeGateTolerance)
}

func (e *Engine) concurrency() int {
	if e.Settings.StageConcurrency > 0 {
		return e.Settings.StageConcurrency
	}
	return 1
}

func (e *Engine) maxBatchWrites() int {
	if e.Settings.MaxBatchWrites > 0 && e.Settings.MaxBatchWrites < store.MaxBatchWrites {
		return e.Settings.MaxBatchWrites
	}
	return store.MaxBatchWrites
}

func (e *Engine) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return config.GetLogger()
}

// commit writes wb in chunks of at most the batch cap. Events travel in the last chunk, so a
// failure part way leaves no follow-on event behind.
func (e *Engine) commit(ctx context.Context, wb store.WriteBatch) (int, error) {
	if wb.Empty() {
		return 0, nil
	}
	wb.At = e.now()
	chunks := store.SplitWriteBatch(wb, e.maxBatchWrites())
	for i, chunk := range chunks {
		if err := e.Store.Commit(ctx, chunk); err != nil {
			return i, fmt.Errorf("commit chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return len(chunks), nil
}

// followOn builds the event a stage emits for its downstream consumer. Under a trigger the id is
// derived from the trigger, the type and the payload, so a redelivered trigger that reaches the
// same result appends nothing new.
func (e *Engine) followOn(ctx context.Context, eventType models.LedgerEventType, payload any, trigger *models.LedgerEvent) (models.LedgerEvent, error) {
	event, err := models.NewLedgerEvent(eventType, payload, correlationId(ctx, trigger))
	if err != nil {
		return event, err
	}
	if trigger != nil && trigger.ID != "" {
		event.ID = followOnId(trigger.ID, eventType, event.Payload)
	}
	return event, nil
}

func followOnId(triggerId string, eventType models.LedgerEventType, payload []byte) string {
	name := make([]byte, 0, len(triggerId)+len(eventType)+len(payload)+2)
	name = append(name, triggerId...)
	name = append(name, '|')
	name = append(name, eventType...)
	name = append(name, '|')
	name = append(name, payload...)
	return uuid.NewSHA1(uuid.NameSpaceOID, name).String()
}

func correlationId(ctx context.Context, trigger *models.LedgerEvent) string {
	if trigger != nil && trigger.CorrelationId != "" {
		return trigger.CorrelationId
	}
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// touchedSince is true when a document was written after the trigger was appended. A retried
// event re-announces such documents: the earlier attempt may have committed them without the
// follow-on event.
func touchedSince(updatedAt *time.Time, trigger *models.LedgerEvent) bool {
	return trigger != nil && updatedAt != nil && updatedAt.After(trigger.CreatedAt)
}

func startStage(ctx context.Context, stage string, trigger *models.LedgerEvent) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("cascade.stage", stage)}
	if trigger != nil {
		attrs = append(attrs,
			attribute.String("ledger.event_id", trigger.ID),
			attribute.String("ledger.event_type", string(trigger.Type)),
		)
	}
	return tracer.Start(ctx, "cascade."+stage, trace.WithAttributes(attrs...))
}

func endStage(span trace.Span, result StageResult, err error) {
	span.SetAttributes(
		attribute.Int("cascade.inputs", result.Inputs),
		attribute.Int("cascade.recomputed", result.Recomputed),
		attribute.Int("cascade.written", len(result.Written)),
		attribute.Int("cascade.commits", result.Commits),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) logStage(ctx context.Context, result StageResult, trigger *models.LedgerEvent) {
	fields := logrus.Fields{
		"field":      "Cascade",
		"stage":      result.Stage,
		"inputs":     result.Inputs,
		"recomputed": result.Recomputed,
		"written":    len(result.Written),
		"downstream": len(result.Downstream),
		"commits":    result.Commits,
	}
	if trigger != nil {
		fields["event_id"] = trigger.ID
		fields["event_type"] = trigger.Type
		fields["attempts"] = trigger.Attempts
	}
	if t, ok := utils.GetTriggerFromContext(ctx); ok {
		fields["trigger"] = t
	}
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = id
	}
	e.logger().WithFields(fields).Info("cascade stage finished")
}

func (e *Engine) logSkipped(stage, kind, id string, reason string) {
	e.logger().WithFields(logrus.Fields{
		"field": "Cascade",
		"stage": stage,
		"kind":  kind,
		"id":    id,
	}).Warn(reason)
}
