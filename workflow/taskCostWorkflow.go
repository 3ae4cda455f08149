package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/costing_backend/middlewares"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/notification"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// TaskBreakdown is a task's recomputed costs with the per-material lines behind them.
type TaskBreakdown struct {
	Task    models.Task           `json:"task"`
	Costs   models.TaskCosts      `json:"costs"`
	Lines   []models.MaterialCost `json:"lines"`
	Changed bool                  `json:"changed"`
}

// RecalculateTasksForBatches recomputes every task holding a reservation on, or consumption from,
// one of the batches.
func (e *Engine) RecalculateTasksForBatches(ctx context.Context, batchIds []string, trigger *models.LedgerEvent) (StageResult, error) {
	reservations, err := store.QueryInChunks(ctx, batchIds, e.Store.BatchReservationsByBatchIDs)
	if err != nil {
		return StageResult{Stage: StageTaskCost}, fmt.Errorf("load reservations of changed batches: %w", err)
	}
	consumptions, err := store.QueryInChunks(ctx, batchIds, e.Store.ConsumptionsByBatchIDs)
	if err != nil {
		return StageResult{Stage: StageTaskCost}, fmt.Errorf("load consumption of changed batches: %w", err)
	}

	taskIds := make([]string, 0, len(reservations)+len(consumptions))
	for _, r := range reservations {
		if r.Status != models.ReservationStatusCancelled {
			taskIds = append(taskIds, r.TaskId)
		}
	}
	for _, c := range consumptions {
		taskIds = append(taskIds, c.TaskId)
	}
	return e.RecalculateTasks(ctx, sortedUnique(taskIds), trigger)
}

// RecalculateTasksForPeriods recomputes every task that worked inside one of the overhead periods
// and is not excluded from it.
func (e *Engine) RecalculateTasksForPeriods(ctx context.Context, periodIds []string, trigger *models.LedgerEvent) (StageResult, error) {
	periods, err := store.QueryInChunks(ctx, periodIds, e.Store.OverheadPeriodsByIDs)
	if err != nil {
		return StageResult{Stage: StageTaskCost}, fmt.Errorf("load overhead periods: %w", err)
	}
	var taskIds []string
	for _, p := range periods {
		sessions, err := e.Store.WorkSessionsOverlapping(ctx, p.StartDate, p.EndDate)
		if err != nil {
			return StageResult{Stage: StageTaskCost}, fmt.Errorf("load sessions of overhead period %s: %w", p.ID, err)
		}
		for _, s := range sessions {
			if !p.Excludes(s.TaskId) {
				taskIds = append(taskIds, s.TaskId)
			}
		}
	}
	return e.RecalculateTasks(ctx, sortedUnique(taskIds), trigger)
}

// RecalculateTasks recomputes task costs and emits one taskCostUpdate naming the tasks whose
// public totals moved.
func (e *Engine) RecalculateTasks(ctx context.Context, taskIds []string, trigger *models.LedgerEvent) (result StageResult, err error) {
	ctx, span := startStage(ctx, StageTaskCost, trigger)
	defer func() { endStage(span, result, err) }()

	ids := store.UniqueIDs(taskIds)
	result = StageResult{Stage: StageTaskCost, Inputs: len(ids)}
	if len(ids) == 0 {
		return result, nil
	}

	ctx = middlewares.WithLoaders(ctx, middlewares.NewLoaders(e.Store))
	tasks, err := store.QueryInChunks(ctx, ids, e.Store.TasksByIDs)
	if err != nil {
		return result, fmt.Errorf("load tasks: %w", err)
	}
	found := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		found[t.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			e.logSkipped(StageTaskCost, "task", id, "task not found")
			result.Skipped = append(result.Skipped, id)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	breakdowns := make([]TaskBreakdown, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())
	for i := range tasks {
		i := i
		g.Go(func() error {
			b, err := e.computeTask(gctx, tasks[i])
			if err != nil {
				return fmt.Errorf("task %s: %w", tasks[i].ID, err)
			}
			breakdowns[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	gate := e.gate()
	var wb store.WriteBatch
	var lowConfidence []TaskBreakdown
	for _, b := range breakdowns {
		result.Recomputed++
		switch {
		case gate.TaskChanged(b.Task.Costs(), b.Costs):
			wb.TaskCosts = append(wb.TaskCosts, store.TaskCostsWrite{TaskId: b.Task.ID, Costs: b.Costs})
			result.Written = append(result.Written, b.Task.ID)
			result.Downstream = append(result.Downstream, b.Task.ID)
			if len(b.Costs.EstimatedCostDetails.HasNoBatchEstimates()) > 0 {
				lowConfidence = append(lowConfidence, b)
			}
		case touchedSince(b.Task.CostsUpdatedAt, trigger):
			result.Downstream = append(result.Downstream, b.Task.ID)
		}
	}

	if len(result.Downstream) > 0 {
		event, err := e.followOn(ctx, models.LedgerEventTaskCostUpdate, models.TaskIdsPayload{TaskIds: result.Downstream}, trigger)
		if err != nil {
			return result, err
		}
		wb.Events = append(wb.Events, event)
		result.EventType = string(event.Type)
	}

	result.Commits, err = e.commit(ctx, wb)
	if err != nil {
		return result, fmt.Errorf("task cost stage: %w", err)
	}

	for _, b := range lowConfidence {
		e.notifyNoBatches(ctx, b, trigger)
	}
	e.logStage(ctx, result, trigger)
	return result, nil
}

// TaskCostBreakdown recomputes one task without writing anything.
func (e *Engine) TaskCostBreakdown(ctx context.Context, taskId string) (TaskBreakdown, error) {
	if middlewares.For(ctx) == nil {
		ctx = middlewares.WithLoaders(ctx, middlewares.NewLoaders(e.Store))
	}
	tasks, err := e.Store.TasksByIDs(ctx, []string{taskId})
	if err != nil {
		return TaskBreakdown{}, err
	}
	if len(tasks) == 0 {
		return TaskBreakdown{}, fmt.Errorf("task %s: %w", taskId, store.ErrNotFound)
	}
	b, err := e.computeTask(ctx, tasks[0])
	if err != nil {
		return TaskBreakdown{}, err
	}
	b.Changed = e.gate().TaskChanged(b.Task.Costs(), b.Costs)
	return b, nil
}

// computeTask gathers every input of one task and runs the allocation. Batch and material point
// lookups go through the loaders in ctx.
func (e *Engine) computeTask(ctx context.Context, task models.Task) (TaskBreakdown, error) {
	batchReservations, err := e.Store.BatchReservationsByTask(ctx, task.ID)
	if err != nil {
		return TaskBreakdown{}, fmt.Errorf("load batch reservations: %w", err)
	}
	poReservations, err := e.Store.POReservationsByTask(ctx, task.ID)
	if err != nil {
		return TaskBreakdown{}, fmt.Errorf("load purchase order reservations: %w", err)
	}
	consumptions, err := e.Store.ConsumptionsByTask(ctx, task.ID)
	if err != nil {
		return TaskBreakdown{}, fmt.Errorf("load consumption: %w", err)
	}

	batchIds := make([]string, 0, len(batchReservations)+len(consumptions))
	for _, r := range batchReservations {
		batchIds = append(batchIds, r.BatchId)
	}
	for _, c := range consumptions {
		if c.BatchId != nil {
			batchIds = append(batchIds, *c.BatchId)
		}
	}
	batches, err := middlewares.LoadBatchMap(ctx, store.UniqueIDs(batchIds))
	if err != nil {
		return TaskBreakdown{}, fmt.Errorf("load batches: %w", err)
	}

	materialIds := make([]string, 0, len(task.Materials))
	for _, m := range task.Materials {
		materialIds = append(materialIds, m.MaterialId)
	}
	materials, err := middlewares.LoadMaterialMap(ctx, store.UniqueIDs(materialIds))
	if err != nil {
		return TaskBreakdown{}, fmt.Errorf("load materials: %w", err)
	}

	inputs := make([]models.MaterialCostInput, 0, len(task.Materials))
	for _, m := range task.Materials {
		in := models.MaterialCostInput{
			Requirement:      m,
			DefaultUnitPrice: materials[m.MaterialId].DefaultUnitPrice,
			Batches:          batches,
		}
		for _, c := range consumptions {
			if c.MaterialId == m.MaterialId {
				in.Consumptions = append(in.Consumptions, c)
			}
		}
		for _, r := range batchReservations {
			if r.MaterialId == m.MaterialId {
				in.BatchReservations = append(in.BatchReservations, r)
			}
		}
		for _, r := range poReservations {
			if r.MaterialId == m.MaterialId {
				in.POReservations = append(in.POReservations, r)
			}
		}
		if !in.HasPresence() {
			in.MaterialBatches, err = e.Store.BatchesByMaterial(ctx, m.MaterialId)
			if err != nil {
				return TaskBreakdown{}, fmt.Errorf("load batches of material %s: %w", m.MaterialId, err)
			}
		}
		inputs = append(inputs, in)
	}

	overhead, err := e.taskOverhead(ctx, task.ID)
	if err != nil {
		return TaskBreakdown{}, err
	}

	costs, lines := models.ComputeTaskCosts(task, inputs, overhead)
	return TaskBreakdown{Task: task, Costs: costs, Lines: lines}, nil
}

func (e *Engine) taskOverhead(ctx context.Context, taskId string) (decimal.Decimal, error) {
	sessions, err := e.Store.WorkSessionsByTask(ctx, taskId)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load work sessions: %w", err)
	}
	start, end, ok := closedSessionSpan(sessions)
	if !ok {
		return decimal.Zero, nil
	}
	periods, err := e.Store.OverheadPeriodsOverlapping(ctx, start, end)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load overhead periods: %w", err)
	}
	return models.ComputeTaskOverhead(taskId, sessions, periods), nil
}

// closedSessionSpan is the earliest start and latest end over sessions that have ended.
func closedSessionSpan(sessions []models.WorkSession) (time.Time, time.Time, bool) {
	var start, end time.Time
	found := false
	for _, s := range sessions {
		if s.EndTime == nil || !s.StartTime.Before(*s.EndTime) {
			continue
		}
		if !found || s.StartTime.Before(start) {
			start = s.StartTime
		}
		if !found || s.EndTime.After(end) {
			end = *s.EndTime
		}
		found = true
	}
	return start, end, found
}

func (e *Engine) notifyNoBatches(ctx context.Context, b TaskBreakdown, trigger *models.LedgerEvent) {
	materials := b.Costs.EstimatedCostDetails.HasNoBatchEstimates()
	sort.Strings(materials)
	label := b.Task.Number
	if label == "" {
		label = b.Task.ID
	}
	alert := notification.Alert{
		UserIds:  e.Settings.NotifyUserIds,
		Title:    "Task cost has unpriced materials",
		Message:  notification.Sprintf("Task %s is costed at %s with no batch history for: %s", label, notification.FormatAmount(b.Costs.TotalFullProductionCost), strings.Join(materials, ", ")),
		Severity: notification.SeverityWarning,
		Metadata: map[string]string{"task_id": b.Task.ID, "materials": strings.Join(materials, ",")},
	}
	messageId := ""
	if trigger != nil {
		messageId = trigger.ID + ":" + b.Task.ID
	}
	e.notifyOnce(ctx, "taskNoBatchEstimate", messageId, alert)
}

func sortedUnique(ids []string) []string {
	out := store.UniqueIDs(ids)
	sort.Strings(out)
	return out
}
