package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/mmdatafocus/costing_backend/workflow"
	"github.com/sirupsen/logrus"
)

var errEngineNotReady = errors.New("cascade engine not ready")

// processLedgerMessage runs the stage behind one delivered ledger message. A nil return means the
// delivery can be acked: the event either settled, belongs to another worker, or can never be
// handled. Stage failures are already recorded on the event with a backoff, so the error only
// asks the transport to redeliver.
func processLedgerMessage(ctx context.Context, engine *workflow.Engine, logger *logrus.Logger, m config.LedgerMessage, messageId string) error {
	if engine == nil {
		return errEngineNotReady
	}
	if m.EventId == "" {
		config.LogError(logger, "ledger_processing.go", "processLedgerMessage", "missing event id", m, errors.New("empty event_id"))
		return nil
	}

	result, err := engine.HandleEvent(ctx, m.EventId)
	fields := logrus.Fields{
		"field":          "LedgerMessage",
		"event_id":       m.EventId,
		"event_type":     m.Type,
		"message_id":     messageId,
		"correlation_id": m.CorrelationId,
	}
	switch {
	case err == nil:
		if len(result.Written) > 0 {
			logger.WithFields(fields).WithFields(logrus.Fields{
				"stage":   result.Stage,
				"written": len(result.Written),
				"commits": result.Commits,
			}).Info("ledger event processed")
		}
		return nil
	case errors.Is(err, workflow.ErrEventInProgress):
		// the claim holder finishes it; the direct processor picks up abandoned claims
		logger.WithFields(fields).Debug("ledger event in progress elsewhere")
		return nil
	case errors.Is(err, workflow.ErrStageDisabled):
		logger.WithFields(fields).Warn("ledger event left pending, stage disabled")
		return nil
	case errors.Is(err, store.ErrNotFound):
		config.LogError(logger, "ledger_processing.go", "processLedgerMessage", "unknown ledger event", m, err)
		return nil
	default:
		logger.WithFields(fields).Error("ledger processing failed: " + err.Error())
		return fmt.Errorf("ledger event %s: %w", m.EventId, err)
	}
}
