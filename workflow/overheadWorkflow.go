package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/notification"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

// RecalculatePeriodsForSessions recomputes the periods overlapping the sessions' current windows
// and the windows they occupied before the edit. The tasks owning the sessions, before and after
// the edit, are queued for recosting as well: their own minutes can move while every period rate
// stays put.
func (e *Engine) RecalculatePeriodsForSessions(ctx context.Context, payload models.WorkSessionUpdatePayload, trigger *models.LedgerEvent) (StageResult, error) {
	sessions, err := store.QueryInChunks(ctx, payload.SessionIds, e.Store.WorkSessionsByIDs)
	if err != nil {
		return StageResult{Stage: StageOverheadRate}, fmt.Errorf("load work sessions: %w", err)
	}
	windows := append([]models.TimeWindow{}, payload.PreviousWindows...)
	taskIds := append([]string{}, payload.PreviousTaskIds...)
	for _, s := range sessions {
		windows = append(windows, s.Window())
		taskIds = append(taskIds, s.TaskId)
	}

	var periodIds []string
	for _, w := range windows {
		if w.Start.IsZero() {
			continue
		}
		end := w.End
		if end.Before(w.Start) {
			end = w.Start
		}
		periods, err := e.Store.OverheadPeriodsOverlapping(ctx, w.Start, end)
		if err != nil {
			return StageResult{Stage: StageOverheadRate}, fmt.Errorf("load overhead periods overlapping %s: %w", w.Start.Format(time.RFC3339), err)
		}
		for _, p := range periods {
			periodIds = append(periodIds, p.ID)
		}
	}
	return e.recalculatePeriods(ctx, sortedUnique(periodIds), sortedUnique(taskIds), trigger)
}

// RecalculatePeriodsForAccounting recomputes the periods overlapping each affected posting month.
// A reversal also refreshes the month of the entry it reverses.
func (e *Engine) RecalculatePeriodsForAccounting(ctx context.Context, payload models.AccountingEntryUpdatePayload, trigger *models.LedgerEvent) (StageResult, error) {
	entries, err := store.QueryInChunks(ctx, payload.EntryIds, e.Store.AccountingEntriesByIDs)
	if err != nil {
		return StageResult{Stage: StageOverheadRate}, fmt.Errorf("load accounting entries: %w", err)
	}

	dates := append([]time.Time{}, payload.PostingDates...)
	var originals []string
	for _, entry := range entries {
		dates = append(dates, entry.PostingDate)
		if entry.ReversesEntryId != nil {
			originals = append(originals, *entry.ReversesEntryId)
		}
	}
	if len(originals) > 0 {
		reversed, err := store.QueryInChunks(ctx, originals, e.Store.AccountingEntriesByIDs)
		if err != nil {
			return StageResult{Stage: StageOverheadRate}, fmt.Errorf("load reversed accounting entries: %w", err)
		}
		for _, entry := range reversed {
			dates = append(dates, entry.PostingDate)
		}
	}

	months := make(map[time.Time]time.Time)
	for _, d := range dates {
		if d.IsZero() {
			continue
		}
		start, next := models.MonthWindow(d)
		months[start] = next
	}
	starts := make([]time.Time, 0, len(months))
	for start := range months {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	var periodIds []string
	for _, start := range starts {
		periods, err := e.Store.OverheadPeriodsOverlapping(ctx, start, months[start].Add(-time.Nanosecond))
		if err != nil {
			return StageResult{Stage: StageOverheadRate}, fmt.Errorf("load overhead periods of %s: %w", start.Format("2006-01"), err)
		}
		for _, p := range periods {
			periodIds = append(periodIds, p.ID)
		}
	}
	return e.RecalculatePeriods(ctx, sortedUnique(periodIds), trigger)
}

// RecalculateAllPeriods recomputes every overhead period.
func (e *Engine) RecalculateAllPeriods(ctx context.Context) (StageResult, error) {
	periods, err := e.Store.ListOverheadPeriods(ctx)
	if err != nil {
		return StageResult{Stage: StageOverheadRate}, fmt.Errorf("list overhead periods: %w", err)
	}
	ids := make([]string, 0, len(periods))
	for _, p := range periods {
		ids = append(ids, p.ID)
	}
	return e.RecalculatePeriods(ctx, ids, nil)
}

// RecalculatePeriods recomputes amount, effective minutes and cost per minute of each period and
// emits one overheadRateUpdate naming the periods whose cost per minute moved.
func (e *Engine) RecalculatePeriods(ctx context.Context, periodIds []string, trigger *models.LedgerEvent) (StageResult, error) {
	return e.recalculatePeriods(ctx, periodIds, nil, trigger)
}

// recalculatePeriods also emits a taskRecalculation for recostTaskIds in the same commit.
func (e *Engine) recalculatePeriods(ctx context.Context, periodIds, recostTaskIds []string, trigger *models.LedgerEvent) (result StageResult, err error) {
	ctx, span := startStage(ctx, StageOverheadRate, trigger)
	defer func() { endStage(span, result, err) }()

	ids := store.UniqueIDs(periodIds)
	recostTaskIds = store.UniqueIDs(recostTaskIds)
	result = StageResult{Stage: StageOverheadRate, Inputs: len(ids)}
	if len(ids) == 0 && len(recostTaskIds) == 0 {
		return result, nil
	}

	periods, err := store.QueryInChunks(ctx, ids, e.Store.OverheadPeriodsByIDs)
	if err != nil {
		return result, fmt.Errorf("load overhead periods: %w", err)
	}
	found := make(map[string]bool, len(periods))
	for _, p := range periods {
		found[p.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			e.logSkipped(StageOverheadRate, "overhead_period", id, "overhead period not found")
			result.Skipped = append(result.Skipped, id)
		}
	}
	sort.Slice(periods, func(i, j int) bool {
		if !periods[i].StartDate.Equal(periods[j].StartDate) {
			return periods[i].StartDate.Before(periods[j].StartDate)
		}
		return periods[i].ID < periods[j].ID
	})

	gate := e.gate()
	var wb store.WriteBatch
	var idle []models.OverheadCostPeriod
	for _, p := range periods {
		amount, err := e.periodAmount(ctx, p)
		if err != nil {
			return result, err
		}
		sessions, err := e.Store.WorkSessionsOverlapping(ctx, p.StartDate, p.EndDate)
		if err != nil {
			return result, fmt.Errorf("load sessions of overhead period %s: %w", p.ID, err)
		}
		rate := models.ComputeOverheadRate(p, amount, sessions)
		result.Recomputed++

		old := p.Rate()
		switch {
		case gate.PeriodChanged(old, rate):
			wb.OverheadRates = append(wb.OverheadRates, store.OverheadRateWrite{PeriodId: p.ID, Rate: rate})
			result.Written = append(result.Written, p.ID)
			if gate.RateChanged(old, rate) || touchedSince(p.RateUpdatedAt, trigger) {
				result.Downstream = append(result.Downstream, p.ID)
			}
			if rate.Amount.IsPositive() && !rate.EffectiveTime.TotalMinutes.IsPositive() {
				p.Amount = rate.Amount
				idle = append(idle, p)
			}
		case touchedSince(p.RateUpdatedAt, trigger):
			result.Downstream = append(result.Downstream, p.ID)
		}
	}

	if len(result.Downstream) > 0 {
		event, err := e.followOn(ctx, models.LedgerEventOverheadRateUpdate, models.OverheadRateUpdatePayload{PeriodIds: result.Downstream}, trigger)
		if err != nil {
			return result, err
		}
		wb.Events = append(wb.Events, event)
		result.EventType = string(event.Type)
	}
	if len(recostTaskIds) > 0 {
		event, err := e.followOn(ctx, models.LedgerEventTaskRecalculation, models.TaskIdsPayload{TaskIds: recostTaskIds}, trigger)
		if err != nil {
			return result, err
		}
		wb.Events = append(wb.Events, event)
		if result.EventType == "" {
			result.EventType = string(event.Type)
		}
	}

	result.Commits, err = e.commit(ctx, wb)
	if err != nil {
		return result, fmt.Errorf("overhead rate stage: %w", err)
	}

	for _, p := range idle {
		e.notifyIdlePeriod(ctx, p, trigger)
	}
	e.logStage(ctx, result, trigger)
	return result, nil
}

// periodAmount is the manual amount as entered, or the sum of posted overhead entries in the window.
func (e *Engine) periodAmount(ctx context.Context, p models.OverheadCostPeriod) (decimal.Decimal, error) {
	if p.AmountSource == models.OverheadAmountSourceManual {
		return p.Amount, nil
	}
	entries, err := e.Store.AccountingEntriesInRange(ctx, p.StartDate, p.EndDate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load accounting entries of overhead period %s: %w", p.ID, err)
	}
	amounts := make([]decimal.Decimal, 0, len(entries))
	for _, entry := range entries {
		if entry.CountsTowardOverhead() {
			amounts = append(amounts, entry.Amount)
		}
	}
	return utils.Sum(amounts...), nil
}

func (e *Engine) notifyIdlePeriod(ctx context.Context, p models.OverheadCostPeriod, trigger *models.LedgerEvent) {
	alert := notification.Alert{
		UserIds: e.Settings.NotifyUserIds,
		Title:   "Overhead period has no production time",
		Message: notification.Sprintf("Overhead period %s to %s carries %s but no effective production minutes; nothing is charged to tasks",
			p.StartDate.Format("2006-01-02"), p.EndDate.Format("2006-01-02"), notification.FormatAmount(p.Amount)),
		Severity: notification.SeverityWarning,
		Metadata: map[string]string{"period_id": p.ID},
	}
	messageId := ""
	if trigger != nil {
		messageId = trigger.ID + ":" + p.ID
	}
	e.notifyOnce(ctx, "overheadPeriodIdle", messageId, alert)
}
