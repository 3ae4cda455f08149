package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/notification"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/sirupsen/logrus"
)

// Backoff doubles base per earlier attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff > max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

// recordFailure counts the attempt and schedules the retry, or moves the event to DEAD once the
// attempt budget is spent.
func (e *Engine) recordFailure(ctx context.Context, event models.LedgerEvent, cause error) {
	attempt := event.Attempts + 1
	failure := store.Failure{Error: cause.Error()}
	if e.Settings.MaxAttempts > 0 && attempt >= e.Settings.MaxAttempts {
		failure.Dead = true
	} else {
		next := e.now().Add(Backoff(attempt, e.Settings.BaseBackoff, e.Settings.MaxBackoff))
		failure.NextAttemptAt = &next
	}

	if err := e.Store.RecordFailure(ctx, event.ID, failure); err != nil {
		config.LogError(e.logger(), "Cascade", "recordFailure", "record ledger failure", event.ID, err)
	}

	fields := logrus.Fields{
		"field":      "Cascade",
		"event_id":   event.ID,
		"event_type": event.Type,
		"attempt":    attempt,
	}
	if failure.NextAttemptAt != nil {
		fields["next_attempt_at"] = failure.NextAttemptAt.Format(time.RFC3339)
	}
	if !failure.Dead {
		e.logger().WithFields(fields).Warn("ledger event failed: " + cause.Error())
		return
	}

	e.logger().WithFields(fields).Error("ledger event moved to DEAD after max attempts: " + cause.Error())
	e.notifyOnce(ctx, "ledgerEventDead", event.ID, notification.Alert{
		UserIds:  e.Settings.NotifyUserIds,
		Title:    "Cascade event dead-lettered",
		Message:  fmt.Sprintf("Ledger event %s (%s) failed %d times and was dead-lettered: %v", event.ID, event.Type, attempt, cause),
		Severity: notification.SeverityError,
		Metadata: map[string]string{"event_id": event.ID, "event_type": string(event.Type)},
	})
}

// ReplayEvent resets a FAILED or DEAD event so the next drain picks it up again.
func (e *Engine) ReplayEvent(ctx context.Context, eventId string) error {
	if err := e.Store.ReplayEvent(ctx, eventId); err != nil {
		return err
	}
	e.logger().WithFields(logrus.Fields{
		"field":    "Cascade",
		"event_id": eventId,
	}).Info("ledger event replayed")
	return nil
}

// DeadEvents lists dead-lettered events, oldest first.
func (e *Engine) DeadEvents(ctx context.Context, limit int) ([]models.LedgerEvent, error) {
	return e.Store.EventsByStatus(ctx, models.LedgerStatusDead, limit)
}
