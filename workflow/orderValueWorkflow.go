package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/store"
)

// RecalculateOrdersForTasks recomputes every order with an item produced by one of the tasks.
// The order stage is terminal and emits nothing.
func (e *Engine) RecalculateOrdersForTasks(ctx context.Context, taskIds []string, trigger *models.LedgerEvent) (result StageResult, err error) {
	ctx, span := startStage(ctx, StageOrderValue, trigger)
	defer func() { endStage(span, result, err) }()

	ids := store.UniqueIDs(taskIds)
	result = StageResult{Stage: StageOrderValue, Inputs: len(ids)}
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := store.QueryInChunks(ctx, ids, e.Store.OrdersByTaskIDs)
	if err != nil {
		return result, fmt.Errorf("load orders of changed tasks: %w", err)
	}
	orders := uniqueOrders(rows)

	// every task an affected order references, not only the changed ones
	var referenced []string
	for _, o := range orders {
		for _, item := range o.Items {
			if item.ProductionTaskId != nil {
				referenced = append(referenced, *item.ProductionTaskId)
			}
		}
	}
	tasks, err := store.QueryInChunks(ctx, referenced, e.Store.TasksByIDs)
	if err != nil {
		return result, fmt.Errorf("load tasks of affected orders: %w", err)
	}
	taskMap := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		taskMap[t.ID] = t
	}

	gate := e.gate()
	var wb store.WriteBatch
	for _, o := range orders {
		values, missing := models.ComputeOrderValues(o, taskMap)
		if len(missing) > 0 {
			e.logSkipped(StageOrderValue, "order_item", o.ID, "task missing for items "+strings.Join(missing, ",")+"; stored values kept")
		}
		result.Recomputed++
		if gate.OrderChanged(o.Values(), values) {
			wb.OrderValues = append(wb.OrderValues, store.OrderValuesWrite{OrderId: o.ID, Values: values})
			result.Written = append(result.Written, o.ID)
		}
	}

	result.Commits, err = e.commit(ctx, wb)
	if err != nil {
		return result, fmt.Errorf("order value stage: %w", err)
	}
	e.logStage(ctx, result, trigger)
	return result, nil
}

func uniqueOrders(rows []models.Order) []models.Order {
	seen := make(map[string]bool, len(rows))
	out := make([]models.Order, 0, len(rows))
	for _, o := range rows {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
