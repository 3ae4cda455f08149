package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultMaxRounds = 50

// ProcessLedgerEvent runs the stage that consumes event. It does not touch the event's ledger
// state; HandleEvent does.
func (e *Engine) ProcessLedgerEvent(ctx context.Context, event models.LedgerEvent) (StageResult, error) {
	switch event.Type {
	case models.LedgerEventPurchaseOrderUpdate:
		p, err := models.DecodePayload[models.PurchaseOrderUpdatePayload](event)
		if err != nil {
			return StageResult{}, err
		}
		return e.RecalculatePurchaseOrders(ctx, p.PurchaseOrderIds, &event)
	case models.LedgerEventBatchPriceUpdate:
		p, err := models.DecodePayload[models.BatchPriceUpdatePayload](event)
		if err != nil {
			return StageResult{}, err
		}
		return e.RecalculateTasksForBatches(ctx, p.BatchIds, &event)
	case models.LedgerEventTaskRecalculation:
		p, err := models.DecodePayload[models.TaskIdsPayload](event)
		if err != nil {
			return StageResult{}, err
		}
		return e.RecalculateTasks(ctx, p.TaskIds, &event)
	case models.LedgerEventOverheadRateUpdate:
		p, err := models.DecodePayload[models.OverheadRateUpdatePayload](event)
		if err != nil {
			return StageResult{}, err
		}
		return e.RecalculateTasksForPeriods(ctx, p.PeriodIds, &event)
	case models.LedgerEventTaskCostUpdate:
		p, err := models.DecodePayload[models.TaskIdsPayload](event)
		if err != nil {
			return StageResult{}, err
		}
		return e.RecalculateOrdersForTasks(ctx, p.TaskIds, &event)
	case models.LedgerEventWorkSessionUpdate:
		p, err := models.DecodePayload[models.WorkSessionUpdatePayload](event)
		if err != nil {
			return StageResult{}, err
		}
		return e.RecalculatePeriodsForSessions(ctx, p, &event)
	case models.LedgerEventAccountingEntryUpdate:
		p, err := models.DecodePayload[models.AccountingEntryUpdatePayload](event)
		if err != nil {
			return StageResult{}, err
		}
		return e.RecalculatePeriodsForAccounting(ctx, p, &event)
	default:
		return StageResult{}, fmt.Errorf("unknown ledger event type %q", event.Type)
	}
}

// HandleEvent claims one ledger event, runs its stage and records the outcome. The event is
// marked processed only when the whole stage, follow-on event included, committed.
func (e *Engine) HandleEvent(ctx context.Context, eventId string) (StageResult, error) {
	logger := e.logger()

	event, err := e.Store.GetEvent(ctx, eventId)
	if err != nil {
		return StageResult{}, fmt.Errorf("load ledger event %s: %w", eventId, err)
	}
	if event.Processed {
		return StageResult{}, nil
	}
	if event.Status == models.LedgerStatusDead {
		logger.WithFields(logrus.Fields{
			"field":    "Cascade",
			"event_id": event.ID,
		}).Warn("skipping dead ledger event; replay it to retry")
		return StageResult{}, nil
	}
	if config.CascadeStageDisabled(string(event.Type)) {
		return StageResult{}, ErrStageDisabled
	}

	claimed, err := e.Store.ClaimEvent(ctx, event.ID, e.WorkerID, e.Settings.ClaimTTL)
	if errors.Is(err, store.ErrEventClaimed) {
		return StageResult{}, ErrEventInProgress
	}
	if err != nil {
		return StageResult{}, fmt.Errorf("claim ledger event %s: %w", event.ID, err)
	}
	if claimed.Processed {
		return StageResult{}, nil
	}

	release, err := e.lockEvent(ctx, claimed.ID)
	if err != nil {
		if relErr := e.Store.ReleaseEvent(ctx, claimed.ID, e.WorkerID); relErr != nil {
			config.LogError(logger, "Cascade", "HandleEvent", "release claim", claimed.ID, relErr)
		}
		return StageResult{}, ErrEventInProgress
	}
	defer release()

	stageCtx := utils.SystemContext(ctx, utils.TriggerLedger, claimed.CorrelationId)
	stageCtx = utils.SetWorkerIdInContext(stageCtx, e.WorkerID)
	if e.Settings.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(stageCtx, e.Settings.StageTimeout)
		defer cancel()
	}

	result, err := e.ProcessLedgerEvent(stageCtx, claimed)
	if err != nil {
		// the stage context may be the one that expired
		e.recordFailure(context.WithoutCancel(ctx), claimed, err)
		return result, err
	}
	if err := e.Store.MarkProcessed(context.WithoutCancel(ctx), claimed.ID); err != nil {
		return result, fmt.Errorf("mark ledger event %s processed: %w", claimed.ID, err)
	}
	return result, nil
}

// DrainOnce handles every due event once, type by type in stage order, so events emitted by an
// earlier type in the same pass are picked up by the later ones. Failed events stay in the ledger
// with a backoff; their errors are joined into the returned error.
func (e *Engine) DrainOnce(ctx context.Context) (int, error) {
	var (
		mu        sync.Mutex
		processed int
		errs      []error
	)
	for _, eventType := range models.AllLedgerEventTypes {
		if config.CascadeStageDisabled(string(eventType)) {
			continue
		}
		events, err := e.Store.UnprocessedEvents(ctx, eventType, e.Settings.DispatchBatchSize)
		if err != nil {
			return processed, fmt.Errorf("list unprocessed %s events: %w", eventType, err)
		}

		g := new(errgroup.Group)
		g.SetLimit(e.concurrency())
		for _, event := range events {
			event := event
			g.Go(func() error {
				_, err := e.HandleEvent(ctx, event.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					processed++
				case errors.Is(err, ErrEventInProgress), errors.Is(err, ErrStageDisabled):
				default:
					errs = append(errs, fmt.Errorf("ledger event %s (%s): %w", event.ID, event.Type, err))
				}
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
	}
	return processed, errors.Join(errs...)
}

// RunToQuiescence drains until a pass finds nothing due. Events waiting on a retry backoff do not
// count as due.
func (e *Engine) RunToQuiescence(ctx context.Context, maxRounds int) (int, error) {
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	for round := 1; round <= maxRounds; round++ {
		n, err := e.DrainOnce(ctx)
		if err != nil {
			return round, err
		}
		if n == 0 {
			return round, nil
		}
	}
	return maxRounds, ErrNotQuiescent
}
