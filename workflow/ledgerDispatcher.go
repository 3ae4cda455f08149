package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/sirupsen/logrus"
)

// LedgerDispatcher announces committed ledger events on Pub/Sub. Publishing is at-least-once;
// consumers tolerate duplicates because HandleEvent skips processed events.
type LedgerDispatcher struct {
	Ledger  store.Ledger
	Publish func(ctx context.Context, msg config.LedgerMessage) (string, error)
	Logger  *logrus.Logger
	Now     func() time.Time

	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewLedgerDispatcher(ledger store.Ledger, settings config.Settings, logger *logrus.Logger) *LedgerDispatcher {
	topic := settings.LedgerTopic
	return &LedgerDispatcher{
		Ledger: ledger,
		Publish: func(ctx context.Context, msg config.LedgerMessage) (string, error) {
			return config.PublishLedgerMessage(ctx, topic, msg)
		},
		Logger:         logger,
		Now:            func() time.Time { return time.Now().UTC() },
		BatchSize:      settings.DispatchBatchSize,
		PollInterval:   settings.PollInterval,
		MaxAttempts:    settings.MaxAttempts,
		InitialBackoff: settings.BaseBackoff,
		MaxBackoff:     settings.MaxBackoff,
	}
}

func (d *LedgerDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil {
			config.LogError(d.Logger, "LedgerDispatcher", "Run", "dispatch pending ledger events", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// DispatchOnce publishes one batch of pending events and returns how many were sent.
func (d *LedgerDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.Now()
	events, err := d.Ledger.PendingPublish(ctx, now, d.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending ledger events: %w", err)
	}

	sent := 0
	for _, event := range events {
		msgId, pubErr := d.Publish(ctx, config.LedgerMessage{
			EventId:       event.ID,
			Type:          string(event.Type),
			CreatedAt:     event.CreatedAt,
			CorrelationId: event.CorrelationId,
		})
		if pubErr != nil {
			d.markPublishFailed(ctx, event, pubErr, now)
			continue
		}
		if err := d.Ledger.MarkPublished(ctx, event.ID, msgId); err != nil {
			config.LogError(d.Logger, "LedgerDispatcher", "DispatchOnce", "mark published", event.ID, err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *LedgerDispatcher) markPublishFailed(ctx context.Context, event models.LedgerEvent, cause error, now time.Time) {
	attempt := event.PublishAttempts + 1
	failure := store.Failure{Error: cause.Error()}

	// terminal after MaxAttempts; the direct processor still consumes the event
	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		failure.Dead = true
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":    "LedgerDispatcher",
				"event_id": event.ID,
				"attempt":  attempt,
			}).Error("ledger publish moved to DEAD after max attempts: " + cause.Error())
		}
	} else {
		next := now.Add(Backoff(attempt, d.InitialBackoff, d.MaxBackoff))
		failure.NextAttemptAt = &next
	}
	if err := d.Ledger.RecordPublishFailure(ctx, event.ID, failure); err != nil {
		config.LogError(d.Logger, "LedgerDispatcher", "markPublishFailed", "record publish failure", event.ID, err)
	}
}
