package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/costing_backend/middlewares"
	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/mmdatafocus/costing_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	rerunPurchaseOrders = "purchase_orders"
	rerunTasks          = "tasks"
	rerunPeriods        = "periods"
	rerunAllPeriods     = "all_periods"
	rerunOrders         = "orders"
)

type rerunRequest struct {
	Stage string   `json:"stage" validate:"required,oneof=purchase_orders tasks periods all_periods orders"`
	Ids   []string `json:"ids" validate:"required_unless=Stage all_periods,max=1000,dive,required"`
	// Drain runs the follow-on events to quiescence before responding.
	Drain bool `json:"drain"`
}

type rerunResponse struct {
	Result workflow.StageResult `json:"result"`
	Rounds int                  `json:"rounds,omitempty"`
}

type breakdownLine struct {
	MaterialId         string                `json:"material_id"`
	MaterialName       string                `json:"material_name,omitempty"`
	IncludeInCosts     bool                  `json:"include_in_costs"`
	ConsumedQuantity   decimal.Decimal       `json:"consumed_quantity"`
	ConsumedCost       decimal.Decimal       `json:"consumed_cost"`
	RemainingQuantity  decimal.Decimal       `json:"remaining_quantity"`
	RemainingUnitPrice decimal.Decimal       `json:"remaining_unit_price"`
	RemainingCost      decimal.Decimal       `json:"remaining_cost"`
	Total              decimal.Decimal       `json:"total"`
	Estimate           *models.EstimatedCost `json:"estimate,omitempty"`
}

func validationErrors(err error) gin.H {
	return gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)}
}

// rerunHandler recomputes the named documents as a manual trigger. Manual runs never re-announce
// unchanged documents.
func rerunHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rerunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := a.validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, validationErrors(err))
			return
		}

		engine := a.engine.Load()
		ctx := utils.SetTriggerInContext(c.Request.Context(), utils.TriggerManual)
		ids := utils.UniqueSlice(req.Ids)

		var (
			result workflow.StageResult
			err    error
		)
		switch req.Stage {
		case rerunPurchaseOrders:
			result, err = engine.RecalculatePurchaseOrders(ctx, ids, nil)
		case rerunTasks:
			result, err = engine.RecalculateTasks(ctx, ids, nil)
		case rerunPeriods:
			result, err = engine.RecalculatePeriods(ctx, ids, nil)
		case rerunAllPeriods:
			result, err = engine.RecalculateAllPeriods(ctx)
		case rerunOrders:
			result, err = engine.RecalculateOrdersForTasks(ctx, ids, nil)
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": result})
			return
		}

		userName, _ := utils.GetUserNameFromContext(ctx)
		a.logger.WithFields(logrus.Fields{
			"field":   "CascadeAdmin",
			"stage":   req.Stage,
			"inputs":  result.Inputs,
			"written": len(result.Written),
			"user":    userName,
		}).Info("manual cascade rerun")

		resp := rerunResponse{Result: result}
		if req.Drain {
			rounds, err := engine.RunToQuiescence(ctx, 0)
			resp.Rounds = rounds
			if err != nil {
				_ = c.Error(err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": resp})
				return
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func drainHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := utils.SetTriggerInContext(c.Request.Context(), utils.TriggerManual)
		rounds, err := a.engine.Load().RunToQuiescence(ctx, 0)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "rounds": rounds})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rounds": rounds})
	}
}

func deadEventsHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 1000 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
				return
			}
			limit = n
		}
		events, err := a.engine.Load().DeadEvents(c.Request.Context(), limit)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func replayEventHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := a.validate.Var(id, "required,max=64"); err != nil {
			c.JSON(http.StatusBadRequest, validationErrors(err))
			return
		}
		err := a.engine.Load().ReplayEvent(c.Request.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("ledger event %s not found", id)})
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.Status(http.StatusNoContent)
		}
	}
}

// taskBreakdownHandler shows what a recomputation would write for one task without writing it.
func taskBreakdownHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		b, err := a.engine.Load().TaskCostBreakdown(ctx, c.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		materialIds := make([]string, 0, len(b.Lines))
		for _, line := range b.Lines {
			materialIds = append(materialIds, line.MaterialId)
		}
		materials, err := middlewares.LoadMaterialMap(ctx, materialIds)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		lines := make([]breakdownLine, 0, len(b.Lines))
		for _, line := range b.Lines {
			lines = append(lines, breakdownLine{
				MaterialId:         line.MaterialId,
				MaterialName:       materials[line.MaterialId].Name,
				IncludeInCosts:     line.IncludeInCosts,
				ConsumedQuantity:   line.ConsumedQuantity,
				ConsumedCost:       line.ConsumedCost,
				RemainingQuantity:  line.RemainingQuantity,
				RemainingUnitPrice: line.RemainingUnitPrice,
				RemainingCost:      line.RemainingCost,
				Total:              line.Total,
				Estimate:           line.Estimate,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"task_id": b.Task.ID,
			"costs":   b.Costs,
			"lines":   lines,
			"changed": b.Changed,
		})
	}
}
